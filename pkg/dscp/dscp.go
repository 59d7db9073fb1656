// Package dscp implements the fixed-capacity DSCP code point allocator
// that is the system's global concurrency budget. Concurrently running
// probe jobs tag their packets with a unique DSCP value so that per-hop
// iptables counters can be attributed to a run without coordination
// between Executors.
package dscp

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"github.com/cuemby/tsimd/pkg/apierr"
	"github.com/cuemby/tsimd/pkg/log"
	"github.com/cuemby/tsimd/pkg/metrics"
	"github.com/cuemby/tsimd/pkg/types"
)

const lockTimeout = 2 * time.Second

// Pool allocates from a fixed set of DSCP code points. Acquire/Release
// mutate in-process state guarded by mu; Acquire additionally holds the
// named file lock while it picks a code point. Release does not take the
// file lock.
type Pool struct {
	mu          sync.Mutex
	codes       []int
	allocations map[int]types.DSCPAllocation
	ttl         time.Duration
	lock        *flock.Flock
}

// NewPool constructs a Pool over codes with allocations considered stale
// after ttl (owner PID dead, or age beyond ttl).
func NewPool(codes []int, lockPath string, ttl time.Duration) *Pool {
	p := &Pool{
		codes:       append([]int(nil), codes...),
		allocations: make(map[int]types.DSCPAllocation),
		ttl:         ttl,
		lock:        flock.New(lockPath),
	}
	metrics.DSCPPoolCapacity.Set(float64(len(codes)))
	return p
}

// Capacity returns the configured pool size. Satisfies metrics.DSCPStats.
func (p *Pool) Capacity() int {
	return len(p.codes)
}

// InUse returns the number of currently allocated code points. Satisfies
// metrics.DSCPStats.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocations)
}

// Acquire blocks up to timeout for a free code point, or returns
// apierr.CapacityExhausted if none becomes free in time.
func (p *Pool) Acquire(runID string, ownerPID int, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		if code, ok := p.tryAcquire(runID, ownerPID); ok {
			return code, nil
		}
		if time.Now().After(deadline) {
			return 0, apierr.New(apierr.CapacityExhausted, "dscp pool exhausted")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (p *Pool) tryAcquire(runID string, ownerPID int) (int, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	locked, err := p.lock.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil || !locked {
		return 0, false
	}
	defer p.lock.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, code := range p.codes {
		if _, taken := p.allocations[code]; taken {
			continue
		}
		p.allocations[code] = types.DSCPAllocation{
			Code:       code,
			RunID:      runID,
			OwnerPID:   ownerPID,
			AcquiredAt: time.Now(),
		}
		metrics.DSCPPoolInUse.Set(float64(len(p.allocations)))
		metrics.DSCPAllocationsTotal.Inc()
		return code, true
	}
	return 0, false
}

// Release frees code, making it available to the next Acquire.
func (p *Pool) Release(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.allocations, code)
	metrics.DSCPPoolInUse.Set(float64(len(p.allocations)))
}

// ListAllocations returns a snapshot of all live allocations.
func (p *Pool) ListAllocations() []types.DSCPAllocation {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.DSCPAllocation, 0, len(p.allocations))
	for _, a := range p.allocations {
		out = append(out, a)
	}
	return out
}

// ReclaimStale releases allocations whose owner PID is dead or whose age
// exceeds the pool's TTL. Run on process startup and from the Reconciler.
func (p *Pool) ReclaimStale(now time.Time) []types.DSCPAllocation {
	p.mu.Lock()
	defer p.mu.Unlock()

	var reclaimed []types.DSCPAllocation
	for code, alloc := range p.allocations {
		if isStale(alloc, p.ttl, now) {
			delete(p.allocations, code)
			reclaimed = append(reclaimed, alloc)
			metrics.DSCPReclaimedTotal.Inc()
		}
	}
	if len(reclaimed) > 0 {
		metrics.DSCPPoolInUse.Set(float64(len(p.allocations)))
		log.WithComponent("dscp").Warn().Int("count", len(reclaimed)).Msg("reclaimed stale DSCP allocations")
	}
	return reclaimed
}

func isStale(alloc types.DSCPAllocation, ttl time.Duration, now time.Time) bool {
	if now.Sub(alloc.AcquiredAt) > ttl {
		return true
	}
	return !pidAlive(alloc.OwnerPID)
}

// pidAlive reports whether pid refers to a live process, via a zero
// signal (unix.Kill(pid, 0)) rather than heartbeat tracking, since
// allocations are owned by Executor processes, not nodes.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil
}
