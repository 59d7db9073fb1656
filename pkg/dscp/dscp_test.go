package dscp

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, codes []int, ttl time.Duration) *Pool {
	t.Helper()
	lockPath := t.TempDir() + "/dscp.lock"
	return NewPool(codes, lockPath, ttl)
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p := newTestPool(t, []int{40, 41}, time.Minute)
	assert.Equal(t, 2, p.Capacity())
	assert.Equal(t, 0, p.InUse())

	code, err := p.Acquire("run-1", os.Getpid(), time.Second)
	require.NoError(t, err)
	assert.Contains(t, []int{40, 41}, code)
	assert.Equal(t, 1, p.InUse())

	p.Release(code)
	assert.Equal(t, 0, p.InUse())
}

func TestAcquireAtMostOneLivePerCode(t *testing.T) {
	p := newTestPool(t, []int{40}, time.Minute)
	_, err := p.Acquire("run-1", os.Getpid(), time.Second)
	require.NoError(t, err)

	_, err = p.Acquire("run-2", os.Getpid(), 100*time.Millisecond)
	require.Error(t, err)
}

func TestReclaimStaleByDeadPID(t *testing.T) {
	p := newTestPool(t, []int{40}, time.Minute)
	_, err := p.Acquire("run-1", 999999, time.Second) // PID unlikely to exist
	require.NoError(t, err)

	reclaimed := p.ReclaimStale(time.Now())
	require.Len(t, reclaimed, 1)
	assert.Equal(t, 0, p.InUse())
}

func TestReclaimStaleByAge(t *testing.T) {
	p := newTestPool(t, []int{40}, time.Millisecond)
	_, err := p.Acquire("run-1", os.Getpid(), time.Second)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	reclaimed := p.ReclaimStale(time.Now())
	require.Len(t, reclaimed, 1)
}

func TestListAllocationsSnapshot(t *testing.T) {
	p := newTestPool(t, []int{40, 41}, time.Minute)
	_, err := p.Acquire("run-1", os.Getpid(), time.Second)
	require.NoError(t, err)

	allocs := p.ListAllocations()
	require.Len(t, allocs, 1)
	assert.Equal(t, "run-1", allocs[0].RunID)
}
