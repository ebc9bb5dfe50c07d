package replication

import (
	"context"
	"sync"
	"time"

	"github.com/nimbusscm/rm/pkg/config"
	"github.com/nimbusscm/rm/pkg/keyedmutex"
	"github.com/nimbusscm/rm/pkg/log"
	"github.com/nimbusscm/rm/pkg/move"
	"github.com/nimbusscm/rm/pkg/scm"
)

// Manager wires the analyzer, tracker, dispatcher, processor, and
// monitor together with the move package's scheduler and orchestrator,
// and exposes the replication manager's whole surface:
// start/stop/processAll/shouldRun/notifyStatusChanged/move plus
// introspection.
type Manager struct {
	cfg        config.Config
	containers scm.ContainerManager
	nodes      scm.NodeManager
	sctx       scm.SCMContext
	scheduler  move.Scheduler

	eval         *Evaluator
	tracker      *Tracker
	dispatch     *Dispatcher
	processor    *Processor
	orchestrator *move.Orchestrator
	monitor      *Monitor

	stateMu       sync.Mutex
	running       bool
	wasReady      bool
	becameReadyAt time.Time
}

// New is RM's single construction entrypoint. containers, nodes,
// placement, bus, sctx and scheduler are all external collaborators;
// New wires its own internals around them.
func New(
	cfg config.Config,
	containers scm.ContainerManager,
	nodes scm.NodeManager,
	placement scm.PlacementPolicy,
	bus scm.EventBus,
	sctx scm.SCMContext,
	scheduler move.Scheduler,
) *Manager {
	mu := keyedmutex.New()
	tracker := NewTracker(nodes, cfg.EventTimeout)
	eval := NewEvaluator(placement)
	dispatch := NewDispatcher(bus, sctx, tracker)
	processor := NewProcessor(containers, nodes, eval, tracker, dispatch, mu, cfg.MaintenanceReplicaMinimum)

	mgr := &Manager{
		cfg:        cfg,
		containers: containers,
		nodes:      nodes,
		sctx:       sctx,
		scheduler:  scheduler,
		eval:       eval,
		tracker:    tracker,
		dispatch:   dispatch,
		processor:  processor,
	}

	orchestrator := move.New(containers, nodes, placement, tracker, dispatch, processor, mgr, sctx, scheduler, mu)
	tracker.SetHook(orchestrator)
	mgr.orchestrator = orchestrator

	mgr.monitor = NewMonitor(containers, nodes, eval, processor, tracker, cfg.ThreadInterval, cfg.MaintenanceReplicaMinimum, mgr.ShouldRun)

	return mgr
}

// Start begins the monitor's ticking loop. Calling Start while already
// running is a no-op.
func (m *Manager) Start() {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.monitor.Start()
	logger := log.WithComponent("replication.service")
	logger.Info().Msg("replication manager started")
}

// Stop halts the monitor's ticking loop and clears both inflight maps.
// In-flight move futures are left unresolved; they resolve when the
// next leader reinitializes and runs recovery.
func (m *Manager) Stop() {
	m.stateMu.Lock()
	if !m.running {
		m.stateMu.Unlock()
		return
	}
	m.running = false
	m.becameReadyAt = time.Time{}
	m.wasReady = false
	m.stateMu.Unlock()

	m.monitor.Stop()
	m.tracker.Clear()
	logger := log.WithComponent("replication.service")
	logger.Info().Msg("replication manager stopped")
}

// IsRunning implements move.RunningState.
func (m *Manager) IsRunning() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.running
}

// ShouldRun reports whether the monitor should actually process
// containers this cycle: started, this SCM is leader-ready, not in
// safe mode, and past the post-safe-mode grace period.
func (m *Manager) ShouldRun() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if !m.running {
		return false
	}
	if !m.sctx.IsLeaderReady() || m.sctx.IsInSafeMode() {
		return false
	}
	if m.becameReadyAt.IsZero() {
		return false
	}
	return time.Since(m.becameReadyAt) >= m.cfg.SafeModeExitGracePeriod
}

// NotifyStatusChanged is called by the SCM on every leader/safe-mode
// transition. Transitioning into leader-ready-and-not-safe-mode starts
// the grace-period clock and triggers move recovery; transitioning out
// resets the clock.
func (m *Manager) NotifyStatusChanged() {
	m.stateMu.Lock()
	ready := m.running && m.sctx.IsLeaderReady() && !m.sctx.IsInSafeMode()
	justBecameReady := ready && !m.wasReady
	if justBecameReady {
		m.becameReadyAt = time.Now()
	}
	if !ready {
		m.becameReadyAt = time.Time{}
	}
	m.wasReady = ready
	m.stateMu.Unlock()

	if !justBecameReady {
		return
	}

	comp := log.WithComponent("replication.service")
	if err := m.scheduler.Reinitialize(); err != nil {
		comp.Warn().Err(err).Msg("failed to reinitialize move scheduler on leader-ready transition")
	}
	m.orchestrator.LeaderRecoveryHook(context.Background())
}

// ProcessAll runs one reconciliation cycle synchronously, used by tests
// that don't want to wait on the monitor's ticker.
func (m *Manager) ProcessAll(ctx context.Context) error {
	return m.monitor.ProcessAllNow(ctx)
}

// Move requests a manual container move.
func (m *Manager) Move(ctx context.Context, id scm.ContainerID, src, tgt scm.DatanodeID) *move.Future {
	return m.orchestrator.Move(ctx, id, src, tgt)
}

// GetContainerReplicaCount returns the current replica-count analysis
// for one container, folding in its pending inflight actions.
func (m *Manager) GetContainerReplicaCount(ctx context.Context, id scm.ContainerID) (ReplicaCount, error) {
	c, err := m.containers.GetContainer(ctx, id)
	if err != nil {
		return ReplicaCount{}, err
	}
	r, err := m.containers.GetContainerReplicas(ctx, id)
	if err != nil {
		return ReplicaCount{}, err
	}
	return AnalyzeReplicaCount(c, r, m.nodes, m.cfg.MaintenanceReplicaMinimum,
		len(m.tracker.AddTargets(id)), len(m.tracker.DelTargets(id))), nil
}

// IsContainerReplicatingOrDeleting reports whether the container has a
// pending inflightAdd or inflightDel entry.
func (m *Manager) IsContainerReplicatingOrDeleting(id scm.ContainerID) bool {
	return m.tracker.HasInflightEntries(id)
}

// GetInflightReplication returns a snapshot of the pending replication
// actions per container.
func (m *Manager) GetInflightReplication() map[scm.ContainerID][]scm.InflightAction {
	return m.tracker.GetInflightReplication()
}

// GetInflightDeletion returns a snapshot of the pending deletion
// actions per container.
func (m *Manager) GetInflightDeletion() map[scm.ContainerID][]scm.InflightAction {
	return m.tracker.GetInflightDeletion()
}

// GetInflightMove returns the moves the scheduler currently tracks.
func (m *Manager) GetInflightMove() map[scm.ContainerID]scm.MovePair {
	return m.scheduler.GetInflightMoves()
}

// MetricsSnapshot is a point-in-time summary returned by GetMetrics, for
// callers that want counts without scraping /metrics.
type MetricsSnapshot struct {
	InflightReplication int
	InflightDeletion    int
	InflightMoves       int
}

// GetMetrics returns a point-in-time summary of the inflight work.
func (m *Manager) GetMetrics() MetricsSnapshot {
	add, del := m.tracker.TotalCounts()
	return MetricsSnapshot{
		InflightReplication: add,
		InflightDeletion:    del,
		InflightMoves:       len(m.scheduler.GetInflightMoves()),
	}
}
