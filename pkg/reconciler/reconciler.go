// Package reconciler periodically reclaims resources abandoned by dead
// Executor processes: stale DSCP allocations, orphaned dynamic hosts and
// service listeners left in the Registry, and old run artifact
// directories. It never reconciles anything the Scheduler is itself
// responsible for driving forward (a run's own phase pipeline) — only
// cleanup the Executor that owned a resource can no longer perform
// because it no longer exists.
package reconciler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/cuemby/tsimd/pkg/apierr"
	"github.com/cuemby/tsimd/pkg/dscp"
	"github.com/cuemby/tsimd/pkg/log"
	"github.com/cuemby/tsimd/pkg/materializer"
	"github.com/cuemby/tsimd/pkg/metrics"
	"github.com/cuemby/tsimd/pkg/queue"
	"github.com/cuemby/tsimd/pkg/registry"
	"github.com/cuemby/tsimd/pkg/types"
)

const interval = 10 * time.Second

// artifactRetention is how long a finished run's directory
// (trace.json/result.json/report.pdf) is kept before the Reconciler
// deletes it.
const artifactRetention = 24 * time.Hour

// Reconciler reclaims state an Executor would have cleaned up itself had
// it not died mid-run.
type Reconciler struct {
	registry *registry.Registry
	dscp     *dscp.Pool
	queue    *queue.Service
	runsDir  string
	logger   zerolog.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Reconciler. runsDir is "<data_dir>/runs", swept for
// aged-out artifact directories. q is used to mark a run failed when its
// DSCP allocation is reclaimed out from under a dead Executor.
func New(reg *registry.Registry, pool *dscp.Pool, q *queue.Service, runsDir string) *Reconciler {
	return &Reconciler{
		registry: reg,
		dscp:     pool,
		queue:    q,
		runsDir:  runsDir,
		logger:   log.WithComponent("reconciler"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the reconciliation loop.
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop stops the reconciler and waits for the current cycle to finish.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// ReconcileOnce runs a single reconciliation cycle synchronously, for
// tsimctl's "cleanup" command and tests.
func (r *Reconciler) ReconcileOnce() {
	r.reconcile()
}

func (r *Reconciler) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.reconcile()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Reconciler) reconcile() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.reconcileDSCP()
	r.reconcileOrphanedHosts()
	r.reconcileArtifacts()
}

// reconcileDSCP releases allocations whose owning process is dead or
// whose age exceeds the pool's configured TTL, and marks each reclaimed
// run failed in the Queue — its Executor died without ever reaching
// CLEANUP, so "running" is a lie no one else will correct.
func (r *Reconciler) reconcileDSCP() {
	reclaimed := r.dscp.ReclaimStale(time.Now())
	if len(reclaimed) == 0 {
		return
	}
	metrics.ReconciledResourcesTotal.WithLabelValues("dscp_allocation").Add(float64(len(reclaimed)))

	for _, alloc := range reclaimed {
		if err := r.failOrphanedRun(alloc.RunID); err != nil {
			r.logger.Warn().Err(err).Str("run_id", alloc.RunID).Msg("failed to mark orphaned run failed")
		}
	}
}

// failOrphanedRun transitions a run whose Executor died mid-flight from
// running to failed. Runs the Queue never dequeued (or that already
// finished by the time the DSCP allocation aged out) have nothing to
// transition; that's not an error.
func (r *Reconciler) failOrphanedRun(runID string) error {
	run, err := r.queue.Get(runID)
	if err != nil {
		if apierr.CodeOf(err) == apierr.NotFound {
			return nil
		}
		return err
	}
	if run.State != types.RunRunning {
		return nil
	}

	run.State = types.RunFailed
	run.FailPhase = types.PhaseDone
	run.FailReason = "executor process died before completing the run"
	run.FinishedAt = time.Now()

	if err := r.queue.Complete(run); err != nil {
		return err
	}
	metrics.ReconciledResourcesTotal.WithLabelValues("run").Inc()
	r.logger.Info().Str("run_id", runID).Msg("marked orphaned run failed")
	return nil
}

// reconcileOrphanedHosts tears down dynamic hosts and service listeners
// registered by an executor process that no longer exists. A running
// executor still holds its own Registry entries and is left untouched.
func (r *Reconciler) reconcileOrphanedHosts() {
	ctx, cancel := context.WithTimeout(context.Background(), interval)
	defer cancel()

	for _, owner := range r.registry.AllOwners() {
		if owner.Kind != "executor" || pidAlive(owner.PID) {
			continue
		}

		hosts, services := r.registry.IterateByOwner(owner)
		for _, svc := range services {
			if err := r.registry.UnregisterService(svc.Namespace, svc.Name); err != nil {
				r.logger.Warn().Err(err).Str("service", svc.Name).Msg("failed to unregister orphaned service")
				continue
			}
			metrics.ReconciledResourcesTotal.WithLabelValues("service").Inc()
		}
		for _, host := range hosts {
			if err := materializer.CleanupHost(ctx, host.Name); err != nil {
				r.logger.Warn().Err(err).Str("host", host.Name).Msg("failed to clean up orphaned host")
			}
			if err := r.registry.UnregisterHost(host.Name); err != nil {
				r.logger.Warn().Err(err).Str("host", host.Name).Msg("failed to unregister orphaned host")
				continue
			}
			metrics.ReconciledResourcesTotal.WithLabelValues("host").Inc()
		}
		if len(hosts) > 0 || len(services) > 0 {
			r.logger.Info().Int("pid", owner.PID).Int("hosts", len(hosts)).Int("services", len(services)).
				Msg("reclaimed resources from dead executor")
		}
	}
}

// reconcileArtifacts deletes run directories whose modification time has
// aged past artifactRetention. Artifact directories are only ever written
// once (TRACE, then RENDER_PDF), so mtime is a reliable proxy for "time
// since this run finished."
func (r *Reconciler) reconcileArtifacts() {
	entries, err := os.ReadDir(r.runsDir)
	if err != nil {
		return // runs dir not yet created, or unreadable: nothing to do
	}

	cutoff := time.Now().Add(-artifactRetention)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(r.runsDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			r.logger.Warn().Err(err).Str("run_dir", path).Msg("failed to remove aged-out run artifacts")
			continue
		}
		metrics.ReconciledResourcesTotal.WithLabelValues("run_artifacts").Inc()
	}
}

// pidAlive reports whether pid refers to a live process, the same
// zero-signal liveness check the DSCP pool uses for its own owners.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}
