package manager

import (
	"time"

	"github.com/baton-sh/conductor/pkg/metrics"
)

// Collector periodically refreshes fleet gauges from the store
type Collector struct {
	manager *Manager
	stopCh  chan struct{}
}

// NewCollector creates a metrics collector
func NewCollector(mgr *Manager) *Collector {
	return &Collector{
		manager: mgr,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
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

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	workers, err := c.manager.ListWorkers()
	if err != nil {
		return
	}

	counts := make(map[string]int)
	for _, w := range workers {
		counts[string(w.Status)]++
	}
	for status, count := range counts {
		metrics.WorkersTotal.WithLabelValues(status).Set(float64(count))
	}

	metrics.ConnectionsTracked.Set(float64(c.manager.registry.ConnectionCount()))
}
