package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opserve/errlog/internal/fingerprint"
	"github.com/opserve/errlog/pkg/models"
)

// ErrNilError is returned when Capture is handed a nil error.
var ErrNilError = errors.New("cannot capture a nil error")

// customDataFetchError is the custom-data key under which a panicking
// custom-data collector is recorded, so the original error still gets
// captured.
const customDataFetchError = "CustomDataFetchError"

// RequestContext carries the optional request diagnostics attached to a
// record at creation time.
type RequestContext struct {
	Method      string
	URL         string
	Host        string
	IPAddress   string
	StatusCode  *int
	Headers     []models.NameValuePair
	QueryString []models.NameValuePair
	Form        []models.NameValuePair
	Cookies     []models.NameValuePair
}

// Options tunes a single capture.
type Options struct {
	Category        string
	ApplicationName string // overrides the settings default
	RollupPerServer *bool  // overrides the settings default
	CustomData      map[string]string
	Commands        []models.Command
	Request         *RequestContext
}

// Pipeline assembles ErrorRecords from raised errors using process-wide
// Settings.
type Pipeline struct {
	settings *Settings
}

// NewPipeline creates a Pipeline bound to settings.
func NewPipeline(settings *Settings) *Pipeline {
	return &Pipeline{settings: settings}
}

// Settings exposes the bound configuration.
func (p *Pipeline) Settings() *Settings {
	return p.settings
}

// Capture builds a fully populated, not-yet-persisted ErrorRecord from
// err. The record's type, message and source come from the base cause (a
// standard-library wrapper is unwrapped to its innermost error, since the
// wrapper's outer message is usually framing, not the failure); its detail
// text carries the full message chain and, when configured, a captured
// stack trace. Every error in the cause chain is offered to its registered
// handler, its self-describing capability and its ad-hoc data, outermost
// first.
func (p *Pipeline) Capture(err error, opts Options) (*models.ErrorRecord, error) {
	if err == nil {
		return nil, ErrNilError
	}

	s := p.settings
	base := baseError(err)
	now := time.Now().UTC()

	app := opts.ApplicationName
	if app == "" {
		app = s.ApplicationName
	}
	rollupPerServer := s.RollupPerServer
	if opts.RollupPerServer != nil {
		rollupPerServer = *opts.RollupPerServer
	}

	rec := &models.ErrorRecord{
		GUID:            uuid.New(),
		ApplicationName: app,
		Category:        opts.Category,
		Type:            TypeName(base),
		Message:         base.Error(),
		Source:          sourcePackage(base),
		MachineName:     s.MachineName,
		CreatedAt:       now,
		LastSeenAt:      now,
		DuplicateCount:  1,
		CustomData:      make(map[string]string, len(opts.CustomData)),
		Commands:        opts.Commands,
	}
	for k, v := range opts.CustomData {
		rec.CustomData[k] = v
	}
	if req := opts.Request; req != nil {
		rec.HTTPMethod = req.Method
		rec.FullURL = req.URL
		rec.Host = req.Host
		rec.IPAddress = req.IPAddress
		rec.StatusCode = req.StatusCode
		rec.Headers = req.Headers
		rec.QueryString = req.QueryString
		rec.Form = req.Form
		rec.Cookies = req.Cookies
	}

	rec.Detail = detailText(err)
	if s.AppendStackTraces {
		rec.Detail += "\n\n" + stackTrace(1)
	}

	if fp, ok := fingerprint.Compute(rec.Detail, s.MachineName, rollupPerServer); ok {
		rec.Fingerprint = &fp
	}

	for _, e := range causeChain(err) {
		p.applyHandlers(e, rec)
		p.collectErrorData(e, rec)
	}

	p.collectCustomData(err, rec)

	if len(rec.CustomData) == 0 {
		rec.CustomData = nil
	}
	return rec, nil
}

// applyHandlers runs the registered per-type handler and the
// self-describing capability for one error in the chain. A panic in
// either is recovered and reported on the diagnostic log; a faulty
// handler must never block capture.
func (p *Pipeline) applyHandlers(e error, rec *models.ErrorRecord) {
	if h, ok := p.settings.handlers[TypeName(e)]; ok {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("capture handler panicked",
						"error_type", TypeName(e), "panic", r)
				}
			}()
			h(e, rec)
		}()
	}

	if rh, ok := e.(RecordHandler); ok {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("self-describing handler panicked",
						"error_type", TypeName(e), "panic", r)
				}
			}()
			rh.HandleRecord(rec)
		}()
	}
}

// collectErrorData copies ad-hoc data entries attached to one error in
// the chain: prefixed keys are copied with the prefix stripped, the rest
// only when the inclusion pattern matches.
func (p *Pipeline) collectErrorData(e error, rec *models.ErrorRecord) {
	dc, ok := e.(DataCarrier)
	if !ok {
		return
	}
	for k, v := range dc.ErrorData() {
		switch {
		case strings.HasPrefix(k, p.settings.customDataPrefix):
			rec.CustomData[strings.TrimPrefix(k, p.settings.customDataPrefix)] = v
		case p.settings.dataIncludePattern != nil && p.settings.dataIncludePattern.MatchString(k):
			rec.CustomData[k] = v
		}
	}
}

// collectCustomData runs the global collector. If it panics, the failure
// becomes a custom-data entry instead of losing the original error.
func (p *Pipeline) collectCustomData(err error, rec *models.ErrorRecord) {
	if p.settings.GetCustomData == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			rec.CustomData[customDataFetchError] = fmt.Sprint(r)
		}
	}()
	p.settings.GetCustomData(err, rec.CustomData)
}

// detailText renders the full cause chain, outermost message first with
// each distinct nested cause on its own line.
func detailText(err error) string {
	var b strings.Builder
	b.WriteString(err.Error())
	prev := err.Error()
	for _, e := range causeChain(err)[1:] {
		msg := e.Error()
		if msg == prev || strings.Contains(prev, msg) {
			continue
		}
		b.WriteString("\ncaused by: ")
		b.WriteString(msg)
		prev = msg
	}
	return b.String()
}

// stackTrace renders the calling goroutine's stack as "func\n\tfile:line"
// entries. The detail text feeds the fingerprint, so the rendering must be
// identical for identical call paths: no goroutine header, no argument
// addresses, nothing that varies per call. skip counts frames above the
// caller of stackTrace to leave out.
func stackTrace(skip int) string {
	pc := make([]uintptr, 64)
	n := runtime.Callers(skip+2, pc)
	frames := runtime.CallersFrames(pc[:n])

	var b strings.Builder
	for {
		frame, more := frames.Next()
		if frame.Function != "" {
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		}
		if !more {
			break
		}
	}
	return b.String()
}

// sourcePackage reports the defining package of the error's type, the
// closest analog to an originating component name.
func sourcePackage(err error) string {
	name := TypeName(err)
	name = strings.TrimPrefix(name, "*")
	if i := strings.LastIndex(name, "."); i > 0 {
		return name[:i]
	}
	return ""
}
