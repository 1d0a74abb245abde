package dedup_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opserve/errlog/internal/capture"
	"github.com/opserve/errlog/internal/dedup"
	"github.com/opserve/errlog/internal/store"
	"github.com/opserve/errlog/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T, cfg capture.Config) (*dedup.Logger, *store.MemoryStore, *capture.Settings) {
	t.Helper()
	if cfg.ApplicationName == "" {
		cfg.ApplicationName = "checkout"
	}
	if cfg.MachineName == "" {
		cfg.MachineName = "web-01"
	}
	settings, err := capture.NewSettings(cfg)
	require.NoError(t, err)
	st := store.NewMemoryStore()
	return dedup.NewLogger(st, settings, 10*time.Minute), st, settings
}

func TestLogger_NilError(t *testing.T) {
	l, _, _ := newTestLogger(t, capture.Config{})
	_, err := l.Log(context.Background(), nil, capture.Options{})
	assert.ErrorIs(t, err, capture.ErrNilError)
}

func TestLogger_CreatedThenDuplicate(t *testing.T) {
	l, st, _ := newTestLogger(t, capture.Config{})
	ctx := context.Background()

	first, err := l.Log(ctx, errors.New("object reference not set"), capture.Options{})
	require.NoError(t, err)
	assert.Equal(t, dedup.StatusCreated, first.Status)

	second, err := l.Log(ctx, errors.New("object reference not set"), capture.Options{})
	require.NoError(t, err)
	assert.Equal(t, dedup.StatusDuplicate, second.Status)
	assert.Equal(t, first.GUID, second.GUID)

	rec, err := st.Get(ctx, first.GUID)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.DuplicateCount)
}

func TestLogger_DifferentErrorsStaySeparate(t *testing.T) {
	l, st, _ := newTestLogger(t, capture.Config{})
	ctx := context.Background()

	_, err := l.Log(ctx, errors.New("disk full"), capture.Options{})
	require.NoError(t, err)
	_, err = l.Log(ctx, errors.New("connection refused"), capture.Options{})
	require.NoError(t, err)

	all, err := st.List(ctx, store.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestLogger_IgnoredNotPersisted(t *testing.T) {
	l, st, _ := newTestLogger(t, capture.Config{
		IgnorePatterns: []string{`^health check`},
	})
	ctx := context.Background()

	res, err := l.Log(ctx, errors.New("health check probe failed"), capture.Options{})
	require.NoError(t, err)
	assert.Equal(t, dedup.StatusIgnored, res.Status)

	all, err := st.List(ctx, store.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestLogger_BeforeHookVeto(t *testing.T) {
	l, st, settings := newTestLogger(t, capture.Config{})
	settings.OnBeforeLog = func(rec *models.ErrorRecord, _ store.Store) bool {
		return rec.Message == "drop me"
	}
	ctx := context.Background()

	res, err := l.Log(ctx, errors.New("drop me"), capture.Options{})
	require.NoError(t, err)
	assert.Equal(t, dedup.StatusAborted, res.Status)

	res, err = l.Log(ctx, errors.New("keep me"), capture.Options{})
	require.NoError(t, err)
	assert.Equal(t, dedup.StatusCreated, res.Status)

	all, err := st.List(ctx, store.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// A panicking before-hook must not veto persistence.
func TestLogger_BeforeHookPanicDoesNotVeto(t *testing.T) {
	l, st, settings := newTestLogger(t, capture.Config{})
	settings.OnBeforeLog = func(rec *models.ErrorRecord, _ store.Store) bool {
		panic("hook exploded")
	}

	res, err := l.Log(context.Background(), errors.New("boom"), capture.Options{})
	require.NoError(t, err)
	assert.Equal(t, dedup.StatusCreated, res.Status)

	all, err := st.List(context.Background(), store.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLogger_AfterHookObservesRecord(t *testing.T) {
	l, _, settings := newTestLogger(t, capture.Config{})
	var seen string
	settings.OnAfterLog = func(rec *models.ErrorRecord, _ store.Store) {
		seen = rec.Message
	}

	_, err := l.Log(context.Background(), errors.New("boom"), capture.Options{})
	require.NoError(t, err)
	assert.Equal(t, "boom", seen)
}

func TestLogger_AfterHookPanicRecovered(t *testing.T) {
	l, _, settings := newTestLogger(t, capture.Config{})
	settings.OnAfterLog = func(rec *models.ErrorRecord, _ store.Store) {
		panic("after hook exploded")
	}

	res, err := l.Log(context.Background(), errors.New("boom"), capture.Options{})
	require.NoError(t, err)
	assert.Equal(t, dedup.StatusCreated, res.Status)
}

func TestLogger_LogAsync(t *testing.T) {
	l, st, _ := newTestLogger(t, capture.Config{})

	ar := <-l.LogAsync(context.Background(), errors.New("boom"), capture.Options{})
	require.NoError(t, ar.Err)
	assert.Equal(t, dedup.StatusCreated, ar.Result.Status)

	_, err := st.Get(context.Background(), ar.Result.GUID)
	assert.NoError(t, err)
}

func TestLogger_LogAsyncNilError(t *testing.T) {
	l, _, _ := newTestLogger(t, capture.Config{})

	ar := <-l.LogAsync(context.Background(), nil, capture.Options{})
	assert.ErrorIs(t, ar.Err, capture.ErrNilError)
}

// The async path captures on the caller's goroutine, so a stack snapshot
// shows the call site that raised the error, not an internal wrapper.
func TestLogger_LogAsyncCapturesCallerStack(t *testing.T) {
	l, _, _ := newTestLogger(t, capture.Config{AppendStackTraces: true})

	ar := <-l.LogAsync(context.Background(), errors.New("boom"), capture.Options{})
	require.NoError(t, ar.Err)
	require.NotNil(t, ar.Result.Record)
	assert.Contains(t, ar.Result.Record.Detail, "TestLogger_LogAsyncCapturesCallerStack")
}

// Filtering and the before-hook also run synchronously on the async path.
func TestLogger_LogAsyncIgnoredAndVetoed(t *testing.T) {
	l, st, settings := newTestLogger(t, capture.Config{
		IgnorePatterns: []string{`^health check`},
	})
	settings.OnBeforeLog = func(rec *models.ErrorRecord, _ store.Store) bool {
		return rec.Message == "drop me"
	}
	ctx := context.Background()

	ar := <-l.LogAsync(ctx, errors.New("health check probe failed"), capture.Options{})
	require.NoError(t, ar.Err)
	assert.Equal(t, dedup.StatusIgnored, ar.Result.Status)

	ar = <-l.LogAsync(ctx, errors.New("drop me"), capture.Options{})
	require.NoError(t, ar.Err)
	assert.Equal(t, dedup.StatusAborted, ar.Result.Status)

	all, err := st.List(ctx, store.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestLogger_LogReport(t *testing.T) {
	l, st, _ := newTestLogger(t, capture.Config{})
	ctx := context.Background()

	rep := capture.Report{
		TypeName: "System.NullReferenceException",
		Message:  "Object reference not set to an instance of an object.",
		Detail:   "System.NullReferenceException: Object reference not set\n   at Shop.Cart.Total()",
	}

	first, err := l.LogReport(ctx, rep, capture.Options{})
	require.NoError(t, err)
	assert.Equal(t, dedup.StatusCreated, first.Status)

	second, err := l.LogReport(ctx, rep, capture.Options{})
	require.NoError(t, err)
	assert.Equal(t, dedup.StatusDuplicate, second.Status)
	assert.Equal(t, first.GUID, second.GUID)

	rec, err := st.Get(ctx, first.GUID)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.DuplicateCount)
	assert.Equal(t, "System.NullReferenceException", rec.Type)
}

func TestLogger_LogReportEmpty(t *testing.T) {
	l, _, _ := newTestLogger(t, capture.Config{})
	_, err := l.LogReport(context.Background(), capture.Report{}, capture.Options{})
	assert.ErrorIs(t, err, capture.ErrEmptyReport)
}

func TestLogger_LogReportIgnored(t *testing.T) {
	l, _, _ := newTestLogger(t, capture.Config{
		IgnoreTypes: []string{"System.Web.HttpException"},
	})

	res, err := l.LogReport(context.Background(), capture.Report{
		TypeName: "System.Web.HttpException",
		Message:  "The remote host closed the connection.",
	}, capture.Options{})
	require.NoError(t, err)
	assert.Equal(t, dedup.StatusIgnored, res.Status)
}

// With per-server rollup the reporter's machine name is part of the
// fingerprint, so two hosts reporting the same failure stay separate.
func TestLogger_ReportRollupPerServer(t *testing.T) {
	l, st, _ := newTestLogger(t, capture.Config{RollupPerServer: true})
	ctx := context.Background()

	rep := capture.Report{TypeName: "System.IO.IOException", Message: "disk full", Detail: "disk full"}

	rep.MachineName = "web-01"
	_, err := l.LogReport(ctx, rep, capture.Options{})
	require.NoError(t, err)

	rep.MachineName = "web-02"
	res, err := l.LogReport(ctx, rep, capture.Options{})
	require.NoError(t, err)
	assert.Equal(t, dedup.StatusCreated, res.Status)

	all, err := st.List(ctx, store.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
