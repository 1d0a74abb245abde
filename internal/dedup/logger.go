package dedup

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opserve/errlog/internal/capture"
	"github.com/opserve/errlog/internal/store"
	"github.com/opserve/errlog/pkg/models"
)

// Status classifies the outcome of a log attempt.
type Status string

const (
	// StatusCreated means a new record was inserted.
	StatusCreated Status = "created"
	// StatusDuplicate means the capture was folded into an existing
	// record as a duplicate.
	StatusDuplicate Status = "duplicate"
	// StatusIgnored means the error matched the ignore configuration and
	// was deliberately not persisted.
	StatusIgnored Status = "ignored"
	// StatusAborted means a before-log hook vetoed persistence.
	StatusAborted Status = "aborted"
)

// Result describes one completed log attempt.
type Result struct {
	Status Status
	// GUID identifies the canonical stored record for created and
	// duplicate outcomes.
	GUID uuid.UUID
	// Record is the captured record; for duplicate outcomes it is the
	// discarded capture, not the canonical stored one.
	Record *models.ErrorRecord
}

// AsyncResult is delivered on the channel returned by LogAsync.
type AsyncResult struct {
	Result *Result
	Err    error
}

// Logger runs the full capture path: filter, capture, before-hook,
// resolve against the backend, after-hook. A storage failure is surfaced
// to the caller as a failed log attempt; the original error that
// triggered the capture remains the caller's responsibility either way,
// and nothing on this path ever panics outward.
type Logger struct {
	store    store.Store
	pipeline *capture.Pipeline
	coord    *Coordinator
}

// NewLogger creates a Logger over the given backend, settings and rollup
// window.
func NewLogger(st store.Store, settings *capture.Settings, window time.Duration) *Logger {
	return &Logger{
		store:    st,
		pipeline: capture.NewPipeline(settings),
		coord:    NewCoordinator(window),
	}
}

// Log captures and persists err, blocking until the backend call
// completes. Ignored errors and hook-vetoed captures return a Result with
// the corresponding status and no error.
func (l *Logger) Log(ctx context.Context, err error, opts capture.Options) (*Result, error) {
	if err == nil {
		return nil, capture.ErrNilError
	}

	settings := l.pipeline.Settings()
	if settings.ShouldIgnore(err) {
		return &Result{Status: StatusIgnored}, nil
	}

	rec, capErr := l.pipeline.Capture(err, opts)
	if capErr != nil {
		return nil, capErr
	}
	return l.persist(ctx, rec)
}

// LogReport runs the same path for an error delivered over the wire.
func (l *Logger) LogReport(ctx context.Context, rep capture.Report, opts capture.Options) (*Result, error) {
	settings := l.pipeline.Settings()
	if settings.ShouldIgnoreReport(rep.TypeName, rep.Message) {
		return &Result{Status: StatusIgnored}, nil
	}

	rec, capErr := l.pipeline.CaptureReport(rep, opts)
	if capErr != nil {
		return nil, capErr
	}
	return l.persist(ctx, rec)
}

// persist is the shared tail of every log path: before-hook, resolve,
// after-hook.
func (l *Logger) persist(ctx context.Context, rec *models.ErrorRecord) (*Result, error) {
	if l.runBeforeLog(rec) {
		return &Result{Status: StatusAborted, Record: rec}, nil
	}
	return l.resolve(ctx, rec)
}

// resolve is the backend half of a log attempt: resolve against the store,
// then the after-hook.
func (l *Logger) resolve(ctx context.Context, rec *models.ErrorRecord) (*Result, error) {
	res, resErr := l.coord.Resolve(ctx, l.store, rec)
	if resErr != nil {
		return nil, resErr
	}

	l.runAfterLog(rec)

	status := StatusCreated
	if res.Updated {
		status = StatusDuplicate
	}
	return &Result{Status: status, GUID: res.GUID, Record: rec}, nil
}

// LogAsync runs the same path without blocking the caller on storage.
// Filtering, capture and the before-hook run synchronously on the caller's
// goroutine, so stack snapshots and hooks see the caller's context; only
// the backend resolution and the after-hook happen on the spawned
// goroutine, with ctx cancellation propagating into the storage call. The
// returned channel is buffered and receives exactly one value.
func (l *Logger) LogAsync(ctx context.Context, err error, opts capture.Options) <-chan AsyncResult {
	ch := make(chan AsyncResult, 1)
	deliver := func(res *Result, logErr error) <-chan AsyncResult {
		ch <- AsyncResult{Result: res, Err: logErr}
		close(ch)
		return ch
	}

	if err == nil {
		return deliver(nil, capture.ErrNilError)
	}
	settings := l.pipeline.Settings()
	if settings.ShouldIgnore(err) {
		return deliver(&Result{Status: StatusIgnored}, nil)
	}

	rec, capErr := l.pipeline.Capture(err, opts)
	if capErr != nil {
		return deliver(nil, capErr)
	}
	if l.runBeforeLog(rec) {
		return deliver(&Result{Status: StatusAborted, Record: rec}, nil)
	}

	go func() {
		res, logErr := l.resolve(ctx, rec)
		ch <- AsyncResult{Result: res, Err: logErr}
		close(ch)
	}()
	return ch
}

// runBeforeLog invokes the before-log hook, reporting whether it vetoed
// persistence. A panicking hook is recovered and logged and does not
// veto.
func (l *Logger) runBeforeLog(rec *models.ErrorRecord) (abort bool) {
	hook := l.pipeline.Settings().OnBeforeLog
	if hook == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("before-log hook panicked", "panic", r)
			abort = false
		}
	}()
	return hook(rec, l.store)
}

// runAfterLog invokes the after-log hook; a panic is recovered and
// logged, never allowed to mask the captured error.
func (l *Logger) runAfterLog(rec *models.ErrorRecord) {
	hook := l.pipeline.Settings().OnAfterLog
	if hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("after-log hook panicked", "panic", r)
		}
	}()
	hook(rec, l.store)
}
