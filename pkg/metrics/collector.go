package metrics

import (
	"context"
	"time"

	"github.com/nimbusscm/rm/pkg/scm"
)

// Collector periodically samples container inventory state into the
// ContainersTotal gauge vec. It only reads; all other metrics are updated
// inline by the components that observe the underlying events.
type Collector struct {
	containers scm.ContainerManager
	interval   time.Duration
	stopCh     chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(containers scm.ContainerManager, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		containers: containers,
		interval:   interval,
		stopCh:     make(chan struct{}),
	}
}

// Start begins collecting metrics in a background goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
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
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	containers, err := c.containers.GetContainers(ctx)
	if err != nil {
		return
	}

	counts := make(map[scm.ContainerState]int)
	for _, ctr := range containers {
		counts[ctr.State]++
	}
	for _, state := range []scm.ContainerState{
		scm.ContainerOpen, scm.ContainerClosing, scm.ContainerQuasiClosed,
		scm.ContainerClosed, scm.ContainerDeleting, scm.ContainerDeleted,
	} {
		ContainersTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}
