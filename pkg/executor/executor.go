// Package executor drives one run through its phase pipeline: TRACE,
// SETUP_HOSTS, START_SERVICES, PROBE, ANALYZE, RENDER_PDF, CLEANUP. It
// owns every kernel resource a run creates (dynamic host namespaces,
// listener processes) and is the only code path that transitions a run
// from running to a terminal state.
package executor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/tsimd/pkg/apierr"
	"github.com/cuemby/tsimd/pkg/config"
	"github.com/cuemby/tsimd/pkg/log"
	"github.com/cuemby/tsimd/pkg/materializer"
	"github.com/cuemby/tsimd/pkg/metrics"
	"github.com/cuemby/tsimd/pkg/progress"
	"github.com/cuemby/tsimd/pkg/registry"
	"github.com/cuemby/tsimd/pkg/types"
)

// Executor runs jobs end to end. One Executor is shared by every run the
// Scheduler dispatches, and concurrency across jobs is bounded by the
// Scheduler; PROBE's per-hop counter reads share ioSem and RENDER_PDF
// shares pdfSem, both sized from Performance config.
type Executor struct {
	cfg      *config.Config
	registry *registry.Registry
	mat      *materializer.Materializer
	tracker  *progress.Tracker

	selfPath string
	ioSem    chan struct{}
	pdfSem   chan struct{}
}

// New constructs an Executor. selfPath is resolved once via os.Executable
// so re-exec'd phases (PROBE, RENDER_PDF) always invoke this same binary.
func New(cfg *config.Config, reg *registry.Registry, mat *materializer.Materializer, tracker *progress.Tracker) (*Executor, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, apierr.Wrap(apierr.Fatal, "executor: cannot resolve self binary path", err)
	}
	ioWorkers := cfg.PerformanceConfig.IOWorkers
	if ioWorkers < 1 {
		ioWorkers = 1
	}
	pdfWorkers := cfg.PerformanceConfig.PDFWorkers
	if pdfWorkers < 1 {
		pdfWorkers = 1
	}
	return &Executor{
		cfg:      cfg,
		registry: reg,
		mat:      mat,
		tracker:  tracker,
		selfPath: self,
		ioSem:    make(chan struct{}, ioWorkers),
		pdfSem:   make(chan struct{}, pdfWorkers),
	}, nil
}

type phaseStep struct {
	phase types.Phase
	fn    func(context.Context, *runState) error
}

// Execute runs run to a terminal state, always attempting CLEANUP even on
// failure or cancellation. routers is the full loaded topology; dscpCode
// is the code point the Scheduler already acquired for run's lifetime —
// the Executor never acquires or releases DSCP allocations itself.
func (e *Executor) Execute(ctx context.Context, run *types.Run, routers []*types.Router, dscpCode int, cancel <-chan struct{}) {
	logger := log.WithRunID(run.ID)
	run.State = types.RunRunning
	run.DSCP = dscpCode
	run.CreatedAt = firstNonZero(run.CreatedAt)

	run.Results = make([]types.ServiceResult, len(run.Services))
	for i, svc := range run.Services {
		run.Results[i] = types.ServiceResult{Service: svc, Verdict: types.VerdictUnreached}
	}

	st := &runState{
		run:     run,
		routers: routers,
		owner:   types.OwnerTag{Kind: "executor", PID: os.Getpid()},
		cancel:  cancel,
	}

	steps := []phaseStep{
		{types.PhaseTrace, e.phaseTrace},
		{types.PhaseSetupHosts, e.phaseSetupHosts},
		{types.PhaseStartServices, e.phaseStartServices},
		{types.PhaseProbe, e.phaseProbe},
		{types.PhaseAnalyze, e.phaseAnalyze},
		{types.PhaseRenderPDF, e.phaseRenderPDF},
	}

	var failure *apierr.Error
stepLoop:
	for _, step := range steps {
		select {
		case <-cancel:
			run.State = types.RunCancelled
			failure = apierr.New(apierr.Fatal, "run cancelled before completion")
			break stepLoop
		default:
		}
		if err := e.runPhase(ctx, run, step.phase, step.fn, st); err != nil {
			failure = err
			break
		}
	}

	if cleanupErr := e.runPhase(context.Background(), run, types.PhaseCleanup, e.phaseCleanup, st); cleanupErr != nil {
		logger.Warn().Err(cleanupErr).Msg("cleanup phase reported a failure")
	}

	run.FinishedAt = time.Now()
	switch {
	case failure != nil && run.State == types.RunCancelled:
		// state already set above
	case failure != nil:
		run.State = types.RunFailed
		run.FailPhase = types.Phase(failure.Phase)
		run.FailReason = failure.Message
		logger.Warn().Str("phase", failure.Phase).Err(failure).Msg("run failed")
	default:
		run.State = types.RunSucceeded
	}

	metrics.RunsTotal.WithLabelValues(string(run.State)).Inc()
	e.tracker.Append(run.ID, types.PhaseDone, fmt.Sprintf("run %s", run.State))
}

// runPhase wraps fn with its configured deadline, progress events, and
// phase metrics, translating a plain error into a PhaseFailure.
func (e *Executor) runPhase(ctx context.Context, run *types.Run, phase types.Phase, fn func(context.Context, *runState) error, st *runState) *apierr.Error {
	pctx := ctx
	if timeout := e.cfg.PhaseTimeout(phase); timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	e.tracker.Append(run.ID, phase, fmt.Sprintf("%s started", phase))
	timer := metrics.NewTimer()
	err := fn(pctx, st)
	timer.ObserveDurationVec(metrics.PhaseDuration, string(phase))

	if err != nil {
		metrics.PhaseFailuresTotal.WithLabelValues(string(phase)).Inc()
		e.tracker.Append(run.ID, phase, fmt.Sprintf("%s failed: %v", phase, err))
		return apierr.WrapPhase(string(phase), err.Error(), err)
	}
	e.tracker.Append(run.ID, phase, fmt.Sprintf("%s complete", phase))
	return nil
}

// checkCancelled reports whether st's run has been cancelled, marking
// run.State so Execute's terminal-state switch reports cancelled rather
// than failed. Phases with a per-item kernel command batch (one host, one
// service, one probe round at a time) call this between items, since
// Execute itself only checks at phase boundaries.
func checkCancelled(st *runState) error {
	select {
	case <-st.cancel:
		st.run.State = types.RunCancelled
		return apierr.New(apierr.Fatal, "run cancelled before completion")
	default:
		return nil
	}
}

func (e *Executor) runDir(runID string) string {
	return e.cfg.DataDir + "/runs/" + runID
}

func firstNonZero(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
