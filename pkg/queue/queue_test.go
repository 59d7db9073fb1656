package queue

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/tsimd/pkg/types"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRun() *types.Run {
	return &types.Run{
		ID:          uuid.NewString(),
		Source:      "10.1.1.10",
		Destination: "10.2.1.10",
		CreatedAt:   time.Now(),
	}
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	s := newTestService(t)
	r1, r2 := newRun(), newRun()

	require.NoError(t, s.Enqueue(r1))
	time.Sleep(time.Millisecond) // ensure distinct nanosecond filename prefixes
	require.NoError(t, s.Enqueue(r2))

	got1, err := s.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, got1)
	assert.Equal(t, r1.ID, got1.ID)
	assert.Equal(t, types.RunRunning, got1.State)

	got2, err := s.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, got2)
	assert.Equal(t, r2.ID, got2.ID)
}

func TestDequeueEmptyReturnsNil(t *testing.T) {
	s := newTestService(t)
	run, err := s.Dequeue()
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestCancelQueuedRun(t *testing.T) {
	s := newTestService(t)
	r := newRun()
	require.NoError(t, s.Enqueue(r))
	require.NoError(t, s.Cancel(r.ID))

	runs, err := s.ListState()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, types.RunCancelled, runs[0].State)
}

func TestCompleteMovesToDone(t *testing.T) {
	s := newTestService(t)
	r := newRun()
	require.NoError(t, s.Enqueue(r))
	running, err := s.Dequeue()
	require.NoError(t, err)

	running.State = types.RunSucceeded
	running.FinishedAt = time.Now()
	require.NoError(t, s.Complete(running))

	counts := s.StateCounts()
	assert.Equal(t, 0, counts["queued"])
	assert.Equal(t, 0, counts["running"])
	assert.Equal(t, 1, counts["done"])
}

func TestStateCountsAggregatesAcrossStates(t *testing.T) {
	s := newTestService(t)
	r1, r2, r3 := newRun(), newRun(), newRun()
	require.NoError(t, s.Enqueue(r1))
	time.Sleep(time.Millisecond)
	require.NoError(t, s.Enqueue(r2))
	time.Sleep(time.Millisecond)
	require.NoError(t, s.Enqueue(r3))

	_, err := s.Dequeue()
	require.NoError(t, err)

	counts := s.StateCounts()
	assert.Equal(t, 2, counts["queued"])
	assert.Equal(t, 1, counts["running"])
}
