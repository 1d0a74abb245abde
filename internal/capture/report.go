package capture

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/opserve/errlog/internal/fingerprint"
	"github.com/opserve/errlog/pkg/models"
)

// ErrEmptyReport is returned when a wire report carries no message.
var ErrEmptyReport = errors.New("report has no message")

// Report is an error raised in another process and delivered over the
// wire. The reporter's runtime already extracted type, message and detail;
// only fingerprinting, custom-data merging and filtering happen here.
type Report struct {
	TypeName    string
	Message     string
	Detail      string
	Source      string
	MachineName string // reporter's host; falls back to the server's
}

// CaptureReport builds a record from a wire report. The rollup-per-server
// decision uses the reporter's machine name, so two hosts reporting the
// same failure stay separate when per-server rollup is on.
func (p *Pipeline) CaptureReport(rep Report, opts Options) (*models.ErrorRecord, error) {
	if rep.Message == "" {
		return nil, ErrEmptyReport
	}

	s := p.settings
	now := time.Now().UTC()

	app := opts.ApplicationName
	if app == "" {
		app = s.ApplicationName
	}
	machine := rep.MachineName
	if machine == "" {
		machine = s.MachineName
	}
	rollupPerServer := s.RollupPerServer
	if opts.RollupPerServer != nil {
		rollupPerServer = *opts.RollupPerServer
	}

	rec := &models.ErrorRecord{
		GUID:            uuid.New(),
		ApplicationName: app,
		Category:        opts.Category,
		Type:            rep.TypeName,
		Message:         rep.Message,
		Source:          rep.Source,
		Detail:          rep.Detail,
		MachineName:     machine,
		CreatedAt:       now,
		LastSeenAt:      now,
		DuplicateCount:  1,
		CustomData:      make(map[string]string, len(opts.CustomData)),
		Commands:        opts.Commands,
	}
	if rec.Detail == "" {
		rec.Detail = rec.Message
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

	if fp, ok := fingerprint.Compute(rec.Detail, machine, rollupPerServer); ok {
		rec.Fingerprint = &fp
	}

	if len(rec.CustomData) == 0 {
		rec.CustomData = nil
	}
	return rec, nil
}
