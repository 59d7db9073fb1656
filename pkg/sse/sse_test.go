package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/tsimd/pkg/progress"
	"github.com/cuemby/tsimd/pkg/types"
)

func TestServeRunStreamsBacklogThenCompletes(t *testing.T) {
	tracker := progress.NewTracker()
	tracker.Append("run-1", types.PhaseTrace, "computing path")
	tracker.Append("run-1", types.PhaseDone, "finished")

	dispatcher := NewDispatcher(tracker)

	req := httptest.NewRequest(http.MethodGet, "/progress-stream?run_id=run-1", nil)
	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
	defer cancel()
	req = req.WithContext(ctx)

	rec := httptest.NewRecorder()
	err := dispatcher.ServeRun(rec, req, "run-1")
	require.NoError(t, err)

	body := rec.Body.String()
	assert.Contains(t, body, "event: progress")
	assert.Contains(t, body, "event: complete")
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}

func TestServeRunResumesAfterLastEventID(t *testing.T) {
	tracker := progress.NewTracker()
	tracker.Append("run-1", types.PhaseTrace, "a")
	tracker.Append("run-1", types.PhaseSetupHosts, "b")
	tracker.Append("run-1", types.PhaseDone, "done")

	dispatcher := NewDispatcher(tracker)

	req := httptest.NewRequest(http.MethodGet, "/progress-stream?run_id=run-1", nil)
	req.Header.Set("Last-Event-ID", "0")
	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
	defer cancel()
	req = req.WithContext(ctx)

	rec := httptest.NewRecorder()
	err := dispatcher.ServeRun(rec, req, "run-1")
	require.NoError(t, err)

	body := rec.Body.String()
	assert.NotContains(t, body, `"message":"a"`)
	assert.True(t, strings.Contains(body, `"message":"b"`))
}
