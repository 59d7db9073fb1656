/*
Package metrics provides Prometheus metrics collection and exposition for
tsimd.

The metrics package defines and registers all tsimd metrics using the
Prometheus client library, providing observability into DSCP pool
utilization, queue depth, executor phase latency, reconciliation activity,
and API traffic. Metrics are exposed via HTTP for scraping by Prometheus.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                 │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Metric Groups                   │          │
	│  │  DSCP: pool capacity, in-use, allocations   │          │
	│  │  Queue: depth by state, runs by terminal    │          │
	│  │  Scheduler: scheduling latency              │          │
	│  │  Executor: phase duration, phase failures   │          │
	│  │  Reconciler: cycle duration, reclaimed      │          │
	│  │  API: request count, request duration       │          │
	│  │  SSE: subscriber count                      │          │
	│  │  Materializer: apply duration, failures     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint               │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └──────────────────────────────────────────────┘          │
	└────────────────────────────────────────────────────────────┘

# Collector

Collector samples gauge-style state (queue depth, DSCP pool in-use) on a
ticker, rather than relying on callers to keep gauges in sync on every
state transition. Counter and histogram metrics are instead updated inline
by the scheduler, executor, reconciler, and API packages at the point the
event occurs.
*/
package metrics
