package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/tsimd/pkg/apierr"
	"github.com/cuemby/tsimd/pkg/dscp"
	"github.com/cuemby/tsimd/pkg/queue"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	q, err := queue.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	pool := dscp.NewPool([]int{40, 41}, t.TempDir()+"/dscp.lock", 0)
	return New(q, pool, nil, nil, 0)
}

func TestNewClampsMaxConcurrentToOne(t *testing.T) {
	s := newTestScheduler(t)
	assert.Equal(t, 1, cap(s.sem))
}

func TestCancelRunNotFound(t *testing.T) {
	s := newTestScheduler(t)
	err := s.CancelRun("no-such-run")
	require.Error(t, err)
	assert.Equal(t, apierr.NotFound, apierr.CodeOf(err))
}

func TestCancelRunClosesChannel(t *testing.T) {
	s := newTestScheduler(t)
	ch := make(chan struct{})
	s.mu.Lock()
	s.cancels["run-1"] = ch
	s.mu.Unlock()

	require.NoError(t, s.CancelRun("run-1"))

	select {
	case <-ch:
	default:
		t.Fatal("expected cancel channel to be closed")
	}

	s.mu.Lock()
	_, stillTracked := s.cancels["run-1"]
	s.mu.Unlock()
	assert.False(t, stillTracked)
}

func TestStopWithNoInFlightRunsReturnsImmediately(t *testing.T) {
	s := newTestScheduler(t)
	s.Start()
	s.Stop()
}
