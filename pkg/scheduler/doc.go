/*
Package scheduler dequeues submitted runs and dispatches them to the
Executor, one goroutine per concurrently running run.

# Architecture

	┌────────────────────────────────────────────────────┐
	│                 Scheduler.run()                     │
	│              (polled every 500ms)                   │
	└────────────────┬─────────────────────────────────────┘
	                 │
	                 ▼
	┌────────────────────────────────────────────────────┐
	│  while a concurrency slot is free:                  │
	│    dequeue the oldest queued run                    │
	│    spawn dispatch(run) in its own goroutine          │
	└────────────────┬─────────────────────────────────────┘
	                 │
	                 ▼
	┌────────────────────────────────────────────────────┐
	│  dispatch(run):                                     │
	│    acquire a DSCP code point (bounded wait)          │
	│    exec.Execute(run, routers, code, cancelCh)        │
	│    release the code point                            │
	│    queue.Complete(run)                               │
	└────────────────────────────────────────────────────┘

Concurrency is bounded twice over: a buffered channel sized to
max_concurrent_jobs caps how many dispatch goroutines run at once, and the
DSCP pool independently caps how many runs can hold a code point — a run
that clears the semaphore but finds the pool exhausted waits in its own
goroutine for up to dscpAcquireTimeout and then fails, without blocking
the dispatch loop for everyone behind it.

# Cancellation

CancelRun closes a per-run channel the Scheduler threads through to
Executor.Execute, which checks it between phases. A run that is still
queued (never dequeued) is not tracked here; callers cancel those directly
through the Queue.
*/
package scheduler
