// Package scheduler dequeues runs and dispatches them to the Executor,
// bounding how many execute concurrently by the size of the DSCP pool a
// run must acquire a code point from before it can start.
package scheduler

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/tsimd/pkg/apierr"
	"github.com/cuemby/tsimd/pkg/dscp"
	"github.com/cuemby/tsimd/pkg/executor"
	"github.com/cuemby/tsimd/pkg/log"
	"github.com/cuemby/tsimd/pkg/metrics"
	"github.com/cuemby/tsimd/pkg/queue"
	"github.com/cuemby/tsimd/pkg/types"
)

// pollInterval is how often the scheduler checks the queue for work when
// it isn't already saturated. A run that arrives while saturated is
// picked up on the next tick once a slot frees.
const pollInterval = 500 * time.Millisecond

// dscpAcquireTimeout bounds how long a dequeued run waits for a free DSCP
// code point before being failed outright, rather than blocking the
// dispatch loop for one slow run while others wait behind it.
const dscpAcquireTimeout = 30 * time.Second

// Scheduler is the dispatch loop: one goroutine per concurrently running
// run, each driven to completion by the Executor.
type Scheduler struct {
	queue   *queue.Service
	dscp    *dscp.Pool
	exec    *executor.Executor
	routers []*types.Router
	logger  zerolog.Logger
	sem     chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]chan struct{}
}

// New constructs a Scheduler bounded to maxConcurrent simultaneous runs.
func New(q *queue.Service, pool *dscp.Pool, exec *executor.Executor, routers []*types.Router, maxConcurrent int) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Scheduler{
		queue:   q,
		dscp:    pool,
		exec:    exec,
		routers: routers,
		logger:  log.WithComponent("scheduler"),
		sem:     make(chan struct{}, maxConcurrent),
		stopCh:  make(chan struct{}),
		cancels: make(map[string]chan struct{}),
	}
}

// Start begins the dispatch loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop signals the dispatch loop to exit and waits for in-flight runs to
// reach a terminal state.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// CancelRun signals a currently-running run's cancel channel, or returns
// apierr.NotFound if it isn't running (it may still be queued; callers
// should fall back to queue.Cancel in that case).
func (s *Scheduler) CancelRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.cancels[runID]
	if !ok {
		return apierr.New(apierr.NotFound, "run not currently executing")
	}
	close(ch)
	delete(s.cancels, runID)
	return nil
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.dispatchReady()
		case <-s.stopCh:
			return
		}
	}
}

// dispatchReady dequeues and dispatches runs until either the queue is
// empty or every concurrency slot is taken.
func (s *Scheduler) dispatchReady() {
	for {
		select {
		case s.sem <- struct{}{}:
		default:
			return // saturated
		}

		run, err := s.queue.Dequeue()
		if err != nil {
			s.logger.Error().Err(err).Msg("dequeue failed")
			<-s.sem
			return
		}
		if run == nil {
			<-s.sem
			return
		}

		s.wg.Add(1)
		go s.dispatch(run)
	}
}

func (s *Scheduler) dispatch(run *types.Run) {
	defer s.wg.Done()
	defer func() { <-s.sem }()

	logger := log.WithRunID(run.ID)
	timer := metrics.NewTimer()

	code, err := s.dscp.Acquire(run.ID, os.Getpid(), dscpAcquireTimeout)
	if err != nil {
		run.State = types.RunFailed
		run.FailReason = err.Error()
		run.FinishedAt = time.Now()
		metrics.RunsTotal.WithLabelValues(string(run.State)).Inc()
		if cerr := s.queue.Complete(run); cerr != nil {
			logger.Error().Err(cerr).Msg("cannot record dscp-exhausted run as done")
		}
		return
	}
	timer.ObserveDuration(metrics.SchedulingLatency)
	defer s.dscp.Release(code)

	cancel := make(chan struct{})
	s.mu.Lock()
	s.cancels[run.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, run.ID)
		s.mu.Unlock()
	}()

	s.exec.Execute(context.Background(), run, s.routers, code, cancel)

	if err := s.queue.Complete(run); err != nil {
		logger.Error().Err(err).Msg("cannot record finished run")
	}
}
