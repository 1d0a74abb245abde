package capture_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/opserve/errlog/internal/capture"
	"github.com/opserve/errlog/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// timeoutError is a custom error type that wraps a cause. Unlike a
// fmt.Errorf wrapper its own message is meaningful, so capture must keep
// it as the base.
type timeoutError struct {
	cause error
}

func (e *timeoutError) Error() string { return "operation timed out" }
func (e *timeoutError) Unwrap() error { return e.cause }

// dataError carries ad-hoc key/value data.
type dataError struct {
	msg  string
	data map[string]string
}

func (e *dataError) Error() string                { return e.msg }
func (e *dataError) ErrorData() map[string]string { return e.data }

// describedError implements the self-describing capture capability.
type describedError struct {
	msg   string
	panic bool
}

func (e *describedError) Error() string { return e.msg }

func (e *describedError) HandleRecord(rec *models.ErrorRecord) {
	if e.panic {
		panic("handler exploded")
	}
	rec.Category = "described"
	rec.CustomData["shard"] = "eu-west-2"
}

func newSettings(t *testing.T, cfg capture.Config) *capture.Settings {
	t.Helper()
	if cfg.ApplicationName == "" {
		cfg.ApplicationName = "checkout"
	}
	if cfg.MachineName == "" {
		cfg.MachineName = "web-01"
	}
	s, err := capture.NewSettings(cfg)
	require.NoError(t, err)
	return s
}

func TestCapture_NilError(t *testing.T) {
	p := capture.NewPipeline(newSettings(t, capture.Config{}))
	_, err := p.Capture(nil, capture.Options{})
	assert.ErrorIs(t, err, capture.ErrNilError)
}

func TestCapture_BasicFields(t *testing.T) {
	p := capture.NewPipeline(newSettings(t, capture.Config{}))

	rec, err := p.Capture(errors.New("disk unavailable"), capture.Options{Category: "storage"})
	require.NoError(t, err)

	assert.NotEqual(t, rec.GUID.String(), "00000000-0000-0000-0000-000000000000")
	assert.Equal(t, "checkout", rec.ApplicationName)
	assert.Equal(t, "storage", rec.Category)
	assert.Equal(t, "*errors.errorString", rec.Type)
	assert.Equal(t, "disk unavailable", rec.Message)
	assert.Equal(t, "web-01", rec.MachineName)
	assert.Equal(t, 1, rec.DuplicateCount)
	assert.Equal(t, rec.CreatedAt, rec.LastSeenAt)
	require.NotNil(t, rec.Fingerprint)
}

// fmt.Errorf with %w is pure framing; the record's message and type come
// from the innermost cause.
func TestCapture_UnwrapsStdWrappers(t *testing.T) {
	p := capture.NewPipeline(newSettings(t, capture.Config{}))

	inner := errors.New("connection refused")
	wrapped := fmt.Errorf("query orders: %w", fmt.Errorf("open conn: %w", inner))

	rec, err := p.Capture(wrapped, capture.Options{})
	require.NoError(t, err)

	assert.Equal(t, "connection refused", rec.Message)
	assert.Equal(t, "*errors.errorString", rec.Type)
	// The detail keeps the outer framing.
	assert.Contains(t, rec.Detail, "query orders")
}

// A domain error type that happens to wrap a cause is not a standard
// wrapper; its own message stays on the record.
func TestCapture_KeepsCustomWrapperMessage(t *testing.T) {
	p := capture.NewPipeline(newSettings(t, capture.Config{}))

	err := &timeoutError{cause: errors.New("tcp read deadline exceeded")}
	rec, capErr := p.Capture(err, capture.Options{})
	require.NoError(t, capErr)

	assert.Equal(t, "operation timed out", rec.Message)
	assert.Contains(t, rec.Detail, "tcp read deadline exceeded")
}

func TestCapture_DetailRendersCauseChain(t *testing.T) {
	p := capture.NewPipeline(newSettings(t, capture.Config{}))

	err := &timeoutError{cause: errors.New("tcp read deadline exceeded")}
	rec, capErr := p.Capture(err, capture.Options{})
	require.NoError(t, capErr)

	assert.Equal(t, "operation timed out\ncaused by: tcp read deadline exceeded", rec.Detail)
}

func TestCapture_AppendStackTraces(t *testing.T) {
	p := capture.NewPipeline(newSettings(t, capture.Config{AppendStackTraces: true}))

	rec, err := p.Capture(errors.New("boom"), capture.Options{})
	require.NoError(t, err)
	assert.Contains(t, rec.Detail, "TestCapture_AppendStackTraces")
	assert.Contains(t, rec.Detail, "capture_test.go:")
}

// The appended stack feeds the fingerprint, so its rendering must carry no
// per-call state: the same error captured twice on the same call path has
// to roll up.
func TestCapture_AppendStackTraces_StableFingerprint(t *testing.T) {
	p := capture.NewPipeline(newSettings(t, capture.Config{AppendStackTraces: true}))

	captureOnce := func() *models.ErrorRecord {
		type outcome struct {
			rec *models.ErrorRecord
			err error
		}
		ch := make(chan outcome, 1)
		go func() {
			rec, err := p.Capture(errors.New("boom"), capture.Options{})
			ch <- outcome{rec, err}
		}()
		out := <-ch
		require.NoError(t, out.err)
		require.NotNil(t, out.rec.Fingerprint)
		return out.rec
	}

	first := captureOnce()
	second := captureOnce()

	assert.Equal(t, first.Detail, second.Detail)
	assert.Equal(t, *first.Fingerprint, *second.Fingerprint)
}

func TestCapture_PrefixedErrorData(t *testing.T) {
	p := capture.NewPipeline(newSettings(t, capture.Config{}))

	err := &dataError{msg: "payment declined", data: map[string]string{
		"errlog.order_id": "A-1009",
		"internal_only":   "hidden",
	}}
	rec, capErr := p.Capture(err, capture.Options{})
	require.NoError(t, capErr)

	assert.Equal(t, "A-1009", rec.CustomData["order_id"])
	assert.NotContains(t, rec.CustomData, "internal_only")
	assert.NotContains(t, rec.CustomData, "errlog.order_id")
}

func TestCapture_IncludePatternErrorData(t *testing.T) {
	p := capture.NewPipeline(newSettings(t, capture.Config{DataIncludePattern: `^trace_`}))

	err := &dataError{msg: "payment declined", data: map[string]string{
		"trace_id":      "abc123",
		"internal_only": "hidden",
	}}
	rec, capErr := p.Capture(err, capture.Options{})
	require.NoError(t, capErr)

	assert.Equal(t, "abc123", rec.CustomData["trace_id"])
	assert.NotContains(t, rec.CustomData, "internal_only")
}

// Data attached to nested causes is collected too: the walk visits every
// error in the chain.
func TestCapture_NestedCauseData(t *testing.T) {
	p := capture.NewPipeline(newSettings(t, capture.Config{}))

	inner := &dataError{msg: "declined", data: map[string]string{"errlog.card": "4242"}}
	rec, capErr := p.Capture(fmt.Errorf("charge: %w", inner), capture.Options{})
	require.NoError(t, capErr)

	assert.Equal(t, "4242", rec.CustomData["card"])
}

func TestCapture_SelfDescribingHandler(t *testing.T) {
	p := capture.NewPipeline(newSettings(t, capture.Config{}))

	rec, err := p.Capture(&describedError{msg: "boom"}, capture.Options{})
	require.NoError(t, err)

	assert.Equal(t, "described", rec.Category)
	assert.Equal(t, "eu-west-2", rec.CustomData["shard"])
}

// A panicking handler must never block capture.
func TestCapture_PanickingHandlerRecovered(t *testing.T) {
	p := capture.NewPipeline(newSettings(t, capture.Config{}))

	rec, err := p.Capture(&describedError{msg: "boom", panic: true}, capture.Options{})
	require.NoError(t, err)
	assert.Equal(t, "boom", rec.Message)
}

func TestCapture_RegisteredTypeHandler(t *testing.T) {
	s := newSettings(t, capture.Config{})
	s.RegisterHandler(capture.TypeName(&timeoutError{}), func(err error, rec *models.ErrorRecord) {
		rec.CustomData["timeout"] = "true"
	})
	p := capture.NewPipeline(s)

	rec, err := p.Capture(&timeoutError{cause: errors.New("deadline")}, capture.Options{})
	require.NoError(t, err)
	assert.Equal(t, "true", rec.CustomData["timeout"])
}

func TestCapture_CustomDataCollector(t *testing.T) {
	s := newSettings(t, capture.Config{})
	s.GetCustomData = func(err error, data map[string]string) {
		data["env"] = "production"
	}
	p := capture.NewPipeline(s)

	rec, err := p.Capture(errors.New("boom"), capture.Options{})
	require.NoError(t, err)
	assert.Equal(t, "production", rec.CustomData["env"])
}

// A panicking collector is recorded as a custom-data entry on the record
// instead of losing the original error.
func TestCapture_CollectorPanicRecordedAsEntry(t *testing.T) {
	s := newSettings(t, capture.Config{})
	s.GetCustomData = func(err error, data map[string]string) {
		panic("collector exploded")
	}
	p := capture.NewPipeline(s)

	rec, err := p.Capture(errors.New("boom"), capture.Options{})
	require.NoError(t, err)
	assert.Equal(t, "collector exploded", rec.CustomData["CustomDataFetchError"])
}

func TestCapture_InitialCustomDataMerged(t *testing.T) {
	p := capture.NewPipeline(newSettings(t, capture.Config{}))

	rec, err := p.Capture(errors.New("boom"), capture.Options{
		CustomData: map[string]string{"release": "v2.14.0"},
	})
	require.NoError(t, err)
	assert.Equal(t, "v2.14.0", rec.CustomData["release"])
}

func TestCapture_RequestContextAttached(t *testing.T) {
	p := capture.NewPipeline(newSettings(t, capture.Config{}))

	status := 502
	rec, err := p.Capture(errors.New("boom"), capture.Options{
		Request: &capture.RequestContext{
			Method:     "GET",
			URL:        "https://shop.example.com/cart?a=1&a=2",
			StatusCode: &status,
			QueryString: []models.NameValuePair{
				{Name: "a", Value: "1"},
				{Name: "a", Value: "2"},
			},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "GET", rec.HTTPMethod)
	require.NotNil(t, rec.StatusCode)
	assert.Equal(t, 502, *rec.StatusCode)
	require.Len(t, rec.QueryString, 2)
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, "*errors.errorString", capture.TypeName(errors.New("x")))
	name := capture.TypeName(&timeoutError{})
	assert.True(t, strings.HasSuffix(name, "capture_test.timeoutError"), name)
	assert.True(t, strings.HasPrefix(name, "*"), name)
}
