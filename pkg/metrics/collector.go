package metrics

import "time"

// QueueStats is the minimal view pkg/queue exposes for gauge collection.
type QueueStats interface {
	// StateCounts returns the number of runs in each queue state
	// ("queued", "running", "done").
	StateCounts() map[string]int
}

// DSCPStats is the minimal view pkg/dscp exposes for gauge collection.
type DSCPStats interface {
	Capacity() int
	InUse() int
}

// Collector periodically samples Queue and DSCP pool state into gauges,
// the same periodic-sampling shape as a cluster collector polling node/
// service/task counts, retargeted to queue depth and DSCP pool
// utilization.
type Collector struct {
	queue  QueueStats
	dscp   DSCPStats
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(queue QueueStats, dscp DSCPStats) *Collector {
	return &Collector{queue: queue, dscp: dscp, stopCh: make(chan struct{})}
}

// Start begins collecting metrics in the background.
func (c *Collector) Start() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectQueueMetrics()
	c.collectDSCPMetrics()
}

func (c *Collector) collectQueueMetrics() {
	if c.queue == nil {
		return
	}
	for state, count := range c.queue.StateCounts() {
		QueueDepth.WithLabelValues(state).Set(float64(count))
	}
}

func (c *Collector) collectDSCPMetrics() {
	if c.dscp == nil {
		return
	}
	DSCPPoolCapacity.Set(float64(c.dscp.Capacity()))
	DSCPPoolInUse.Set(float64(c.dscp.InUse()))
}
