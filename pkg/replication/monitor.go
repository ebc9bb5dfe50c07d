package replication

import (
	"context"
	"time"

	"github.com/nimbusscm/rm/pkg/log"
	"github.com/nimbusscm/rm/pkg/metrics"
	"github.com/nimbusscm/rm/pkg/scm"
)

// Monitor is a ticking loop that walks every container once per cycle
// and updates the inventory gauges: a ticker, a select against a stop
// channel, and "log error but continue" on a failed cycle.
type Monitor struct {
	containers scm.ContainerManager
	nodes      scm.NodeManager
	eval       *Evaluator
	processor  *Processor
	tracker    *Tracker

	interval                 time.Duration
	minHealthyForMaintenance int
	shouldRun                func() bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMonitor creates a Monitor. shouldRun gates whether a cycle actually
// processes containers or is skipped: leader-ready, out of safe mode,
// and past the post-safe-mode grace period.
func NewMonitor(
	containers scm.ContainerManager,
	nodes scm.NodeManager,
	eval *Evaluator,
	processor *Processor,
	tracker *Tracker,
	interval time.Duration,
	minHealthyForMaintenance int,
	shouldRun func() bool,
) *Monitor {
	return &Monitor{
		containers:               containers,
		nodes:                    nodes,
		eval:                     eval,
		processor:                processor,
		tracker:                  tracker,
		interval:                 interval,
		minHealthyForMaintenance: minHealthyForMaintenance,
		shouldRun:                shouldRun,
	}
}

// Start begins the ticking loop in a new goroutine.
func (m *Monitor) Start() {
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.run()
}

// Stop signals the loop to exit and waits for it to do so.
func (m *Monitor) Stop() {
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) run() {
	comp := log.WithComponent("replication.monitor")

	// A panic escaping the loop must not become a silent stall of
	// cluster-wide reconciliation: log and exit 1.
	defer func() {
		if r := recover(); r != nil {
			comp.Fatal().Interface("panic", r).Msg("replication monitor loop panicked")
		}
	}()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	comp.Info().Msg("replication monitor started")

	for {
		select {
		case <-ticker.C:
			if err := m.ProcessAllNow(context.Background()); err != nil {
				comp.Error().Err(err).Msg("replication cycle failed")
			}
		case <-m.stopCh:
			comp.Info().Msg("replication monitor stopped")
			close(m.doneCh)
			return
		}
	}
}

// ProcessAllNow runs one full cycle synchronously: every container is
// fetched and handed to the Container Processor, then the inventory
// gauges are recomputed. Exposed directly so tests can drive a cycle
// without waiting on the ticker.
func (m *Monitor) ProcessAllNow(ctx context.Context) error {
	if m.shouldRun != nil && !m.shouldRun() {
		return nil
	}

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	comp := log.WithComponent("replication.monitor")

	containers, err := m.containers.GetContainers(ctx)
	if err != nil {
		metrics.ReconciliationErrorsTotal.Inc()
		return err
	}

	stateCounts := make(map[scm.ContainerState]int)
	under, over, mis := 0, 0, 0

	for _, c := range containers {
		stateCounts[c.State]++

		if err := m.processor.Process(ctx, c.ID); err != nil {
			comp.Error().Err(err).Str("container_id", string(c.ID)).Msg("failed to process container")
			continue
		}

		replicas, err := m.containers.GetContainerReplicas(ctx, c.ID)
		if err != nil {
			comp.Warn().Err(err).Str("container_id", string(c.ID)).Msg("failed to fetch replicas for inventory metrics")
			continue
		}

		rc := AnalyzeReplicaCount(c, replicas, m.nodes, m.minHealthyForMaintenance,
			len(m.tracker.AddTargets(c.ID)), len(m.tracker.DelTargets(c.ID)))
		if rc.AdditionalReplicaNeeded(m.minHealthyForMaintenance) > 0 {
			under++
		}
		if rc.IsOverReplicated(m.minHealthyForMaintenance) {
			over++
		}

		dns := replicaDatanodes(replicas)
		if ps, err := m.eval.Validate(dns, c.ReplicationFactor); err == nil && !ps.IsPolicySatisfied {
			mis++
		}
	}

	for state, count := range stateCounts {
		metrics.ContainersTotal.WithLabelValues(string(state)).Set(float64(count))
	}
	metrics.ContainersUnderReplicated.Set(float64(under))
	metrics.ContainersOverReplicated.Set(float64(over))
	metrics.ContainersMisReplicated.Set(float64(mis))

	addCount, delCount := m.tracker.TotalCounts()
	metrics.InflightReplication.Set(float64(addCount))
	metrics.InflightDeletion.Set(float64(delCount))

	return nil
}
