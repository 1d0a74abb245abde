// Package capture builds ErrorRecords from raised errors: base-cause
// selection, ignore filtering, per-type and self-describing handlers,
// custom-data collection and fingerprinting.
package capture

import (
	"fmt"
	"os"
	"reflect"
	"regexp"

	"github.com/opserve/errlog/internal/store"
	"github.com/opserve/errlog/pkg/models"
)

// DefaultCustomDataPrefix tags ad-hoc error data entries that should be
// copied onto the record with the prefix stripped.
const DefaultCustomDataPrefix = "errlog."

// Handler mutates a record on behalf of a specific error type, matched by
// fully-qualified type name along the cause chain.
type Handler func(err error, rec *models.ErrorRecord)

// RecordHandler is the capability interface for error values that know how
// to describe themselves into a record at capture time. Detected with a
// type assertion on each error in the cause chain; a panicking
// implementation is recovered and logged, never allowed to block capture.
type RecordHandler interface {
	HandleRecord(rec *models.ErrorRecord)
}

// DataCarrier is the capability interface for error values carrying ad-hoc
// key/value data. Entries whose key matches the configured inclusion
// pattern are copied as-is; entries carrying the custom-data prefix are
// copied with the prefix stripped.
type DataCarrier interface {
	ErrorData() map[string]string
}

// Config is the raw, serializable form of Settings.
type Config struct {
	ApplicationName   string
	MachineName       string
	AppendStackTraces bool
	RollupPerServer   bool

	// IgnoreTypes lists fully-qualified error type names to suppress,
	// matched against every error in the cause chain.
	IgnoreTypes []string
	// IgnorePatterns lists regular expressions matched against the
	// error message.
	IgnorePatterns []string

	// DataIncludePattern selects which ad-hoc data keys are copied onto
	// the record. Empty means only prefixed keys are copied.
	DataIncludePattern string
	// CustomDataPrefix overrides DefaultCustomDataPrefix.
	CustomDataPrefix string
}

// Settings is the process-wide capture configuration. It is constructed
// once, finished with the Register/Set calls during initialization, and
// read-only afterward; every capture call references the same instance
// without copying.
type Settings struct {
	ApplicationName   string
	MachineName       string
	AppendStackTraces bool
	RollupPerServer   bool

	customDataPrefix   string
	dataIncludePattern *regexp.Regexp
	ignoreTypes        map[string]struct{}
	ignorePatterns     []*regexp.Regexp
	handlers           map[string]Handler

	// GetCustomData, when set, collects additional custom data for every
	// capture. A panic inside it is recorded as a custom-data entry on
	// the record instead of failing the capture.
	GetCustomData func(err error, data map[string]string)

	// OnBeforeLog runs before persistence; returning true skips it.
	// OnAfterLog runs after successful persistence. Panics in either are
	// recovered and logged.
	OnBeforeLog func(rec *models.ErrorRecord, st store.Store) bool
	OnAfterLog  func(rec *models.ErrorRecord, st store.Store)
}

// NewSettings validates cfg and compiles it into Settings.
func NewSettings(cfg Config) (*Settings, error) {
	if cfg.ApplicationName == "" {
		return nil, fmt.Errorf("application name is required")
	}

	machine := cfg.MachineName
	if machine == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("resolve machine name: %w", err)
		}
		machine = host
	}

	prefix := cfg.CustomDataPrefix
	if prefix == "" {
		prefix = DefaultCustomDataPrefix
	}

	s := &Settings{
		ApplicationName:   cfg.ApplicationName,
		MachineName:       machine,
		AppendStackTraces: cfg.AppendStackTraces,
		RollupPerServer:   cfg.RollupPerServer,
		customDataPrefix:  prefix,
		ignoreTypes:       make(map[string]struct{}, len(cfg.IgnoreTypes)),
		handlers:          make(map[string]Handler),
	}

	for _, name := range cfg.IgnoreTypes {
		s.ignoreTypes[name] = struct{}{}
	}
	for _, pattern := range cfg.IgnorePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile ignore pattern %q: %w", pattern, err)
		}
		s.ignorePatterns = append(s.ignorePatterns, re)
	}
	if cfg.DataIncludePattern != "" {
		re, err := regexp.Compile(cfg.DataIncludePattern)
		if err != nil {
			return nil, fmt.Errorf("compile data include pattern %q: %w", cfg.DataIncludePattern, err)
		}
		s.dataIncludePattern = re
	}

	return s, nil
}

// RegisterHandler binds a handler to a fully-qualified error type name.
// Call during initialization only; Settings is not synchronized.
func (s *Settings) RegisterHandler(typeName string, h Handler) {
	s.handlers[typeName] = h
}

// TypeName returns the fully-qualified name of err's runtime type, e.g.
// "*errors.errorString" or "*net.OpError".
func TypeName(err error) string {
	t := reflect.TypeOf(err)
	if t == nil {
		return ""
	}
	prefix := ""
	if t.Kind() == reflect.Pointer {
		prefix = "*"
		t = t.Elem()
	}
	if t.PkgPath() != "" && t.Name() != "" {
		return prefix + t.PkgPath() + "." + t.Name()
	}
	return fmt.Sprintf("%T", err)
}
