// Package queue implements the FIFO of submitted runs. Queued
// jobs live as one JSON file per run under <data_dir>/queue/queued/;
// dequeue is an atomic rename into queue/running/, then queue/done/ on
// completion. A secondary BoltDB index mirrors queue state so list_state()
// and /admin/queue can answer without directory scans.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/tsimd/pkg/apierr"
	"github.com/cuemby/tsimd/pkg/types"
)

var bucketRuns = []byte("runs")

const lockTimeout = 2 * time.Second

// Service is the directory-backed FIFO queue plus its BoltDB index.
type Service struct {
	dir  string
	lock *flock.Flock
	db   *bolt.DB

	mu sync.Mutex
}

// Open opens (creating if needed) the queue directory tree under dataDir
// and its BoltDB index file.
func Open(dataDir string) (*Service, error) {
	dir := filepath.Join(dataDir, "queue")
	for _, sub := range []string{"queued", "running", "done"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o770); err != nil {
			return nil, apierr.Wrap(apierr.Fatal, "queue: cannot create directory", err)
		}
	}
	lockDir := filepath.Join(dataDir, "locks")
	if err := os.MkdirAll(lockDir, 0o770); err != nil {
		return nil, apierr.Wrap(apierr.Fatal, "queue: cannot create lock directory", err)
	}

	db, err := bolt.Open(filepath.Join(dataDir, "queue.db"), 0o600, nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.Fatal, "queue: cannot open index", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRuns)
		return err
	})
	if err != nil {
		db.Close()
		return nil, apierr.Wrap(apierr.Fatal, "queue: cannot create bucket", err)
	}

	return &Service{
		dir:  dir,
		lock: flock.New(filepath.Join(lockDir, "queue.lock")),
		db:   db,
	}, nil
}

// Close closes the BoltDB index.
func (s *Service) Close() error {
	return s.db.Close()
}

// Enqueue writes run to queued/ and indexes it. Filenames are
// "<unix-nanos>-<run_id>.json" so lexical directory order is enqueue
// order, preserving the FIFO guarantee.
func (s *Service) Enqueue(run *types.Run) error {
	run.State = types.RunQueued
	return s.withLock(func() error {
		if err := s.writeRunFile("queued", run); err != nil {
			return err
		}
		return s.indexPut(run)
	})
}

// Dequeue atomically moves the oldest queued run into running/ and returns
// it, or (nil, nil) if the queue is empty.
func (s *Service) Dequeue() (*types.Run, error) {
	var result *types.Run
	err := s.withLock(func() error {
		entries, err := s.sortedEntries("queued")
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		oldest := entries[0]
		run, err := readRunFile(filepath.Join(s.dir, "queued", oldest))
		if err != nil {
			return err
		}
		dest := filepath.Join(s.dir, "running", oldest)
		if err := os.Rename(filepath.Join(s.dir, "queued", oldest), dest); err != nil {
			return apierr.Wrap(apierr.Transient, "queue: dequeue rename failed", err)
		}
		run.State = types.RunRunning
		if err := s.indexPut(run); err != nil {
			return err
		}
		result = run
		return nil
	})
	return result, err
}

// Peek returns the oldest queued run without dequeuing it.
func (s *Service) Peek() (*types.Run, error) {
	entries, err := s.sortedEntries("queued")
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return readRunFile(filepath.Join(s.dir, "queued", entries[0]))
}

// Cancel marks a queued run cancelled and moves its file into done/, so
// Dequeue never picks it up, or returns apierr.NotFound if the run is not
// currently queued.
func (s *Service) Cancel(runID string) error {
	return s.withLock(func() error {
		entries, err := s.sortedEntries("queued")
		if err != nil {
			return err
		}
		for _, e := range entries {
			path := filepath.Join(s.dir, "queued", e)
			run, err := readRunFile(path)
			if err != nil {
				return err
			}
			if run.ID != runID {
				continue
			}
			run.State = types.RunCancelled
			run.FinishedAt = time.Now()
			if err := writeRunFileAt(path, run); err != nil {
				return err
			}
			if err := os.Rename(path, filepath.Join(s.dir, "done", e)); err != nil {
				return apierr.Wrap(apierr.Transient, "queue: cancel rename failed", err)
			}
			return s.indexPut(run)
		}
		return apierr.New(apierr.NotFound, fmt.Sprintf("run %s not queued", runID))
	})
}

// Complete moves a running run's file into done/ with its final state,
// called by the Executor/Scheduler on terminal transition.
func (s *Service) Complete(run *types.Run) error {
	return s.withLock(func() error {
		entries, err := s.sortedEntries("running")
		if err != nil {
			return err
		}
		for _, e := range entries {
			run2, err := readRunFile(filepath.Join(s.dir, "running", e))
			if err != nil {
				return err
			}
			if run2.ID != run.ID {
				continue
			}
			dest := filepath.Join(s.dir, "done", e)
			if err := writeRunFileAt(filepath.Join(s.dir, "running", e), run); err != nil {
				return err
			}
			if err := os.Rename(filepath.Join(s.dir, "running", e), dest); err != nil {
				return apierr.Wrap(apierr.Transient, "queue: complete rename failed", err)
			}
			return s.indexPut(run)
		}
		return apierr.New(apierr.NotFound, fmt.Sprintf("run %s not running", run.ID))
	})
}

// Get returns one indexed run by ID, for /progress, /pdf, and other
// single-run lookups that don't need the full index scan ListState does.
func (s *Service) Get(runID string) (*types.Run, error) {
	var run *types.Run
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		data := b.Get([]byte(runID))
		if data == nil {
			return apierr.New(apierr.NotFound, fmt.Sprintf("run %s not found", runID))
		}
		run = &types.Run{}
		return json.Unmarshal(data, run)
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListState returns every indexed run, for list_state() and /admin/queue.
func (s *Service) ListState() ([]*types.Run, error) {
	var runs []*types.Run
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		return b.ForEach(func(_, v []byte) error {
			var run types.Run
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			runs = append(runs, &run)
			return nil
		})
	})
	return runs, err
}

// StateCounts returns the number of runs in each queue state, satisfying
// metrics.QueueStats.
func (s *Service) StateCounts() map[string]int {
	runs, err := s.ListState()
	counts := map[string]int{"queued": 0, "running": 0, "done": 0}
	if err != nil {
		return counts
	}
	for _, r := range runs {
		switch r.State {
		case types.RunQueued:
			counts["queued"]++
		case types.RunRunning:
			counts["running"]++
		default:
			counts["done"]++
		}
	}
	return counts
}

func (s *Service) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	locked, err := s.lock.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		return apierr.Wrap(apierr.Transient, "queue: lock acquisition failed", err)
	}
	if !locked {
		return apierr.New(apierr.Transient, "queue busy")
	}
	defer s.lock.Unlock()
	return fn()
}

func (s *Service) sortedEntries(state string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, state))
	if err != nil {
		return nil, apierr.Wrap(apierr.Fatal, "queue: cannot read state directory", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *Service) writeRunFile(state string, run *types.Run) error {
	name := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), run.ID)
	return writeRunFileAt(filepath.Join(s.dir, state, name), run)
}

func writeRunFileAt(path string, run *types.Run) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return apierr.Wrap(apierr.Fatal, "queue: marshal run failed", err)
	}
	if err := os.WriteFile(path, data, 0o660); err != nil {
		return apierr.Wrap(apierr.Transient, "queue: write run file failed", err)
	}
	return nil
}

func readRunFile(path string) (*types.Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apierr.Wrap(apierr.Transient, "queue: read run file failed", err)
	}
	var run types.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, apierr.Wrap(apierr.Fatal, "queue: unmarshal run failed", err)
	}
	return &run, nil
}

func (s *Service) indexPut(run *types.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return apierr.Wrap(apierr.Fatal, "queue: marshal run for index failed", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		return b.Put([]byte(run.ID), data)
	})
}
