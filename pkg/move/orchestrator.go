package move

import (
	"context"
	"sync"
	"time"

	"github.com/nimbusscm/rm/pkg/keyedmutex"
	"github.com/nimbusscm/rm/pkg/log"
	"github.com/nimbusscm/rm/pkg/metrics"
	"github.com/nimbusscm/rm/pkg/scm"
)

// InflightQuery answers whether a container currently has any inflight
// replication or deletion actions, so a move never starts on a
// container with work already pending.
type InflightQuery interface {
	HasInflightReplication(id scm.ContainerID) bool
	HasInflightDeletion(id scm.ContainerID) bool
}

// CommandDispatcher is the narrow slice of the replication dispatcher
// the orchestrator needs: issuing a Replicate or Delete command for one
// container/datanode pair.
type CommandDispatcher interface {
	DispatchReplicate(ctx context.Context, id scm.ContainerID, target scm.DatanodeID, sources []scm.DatanodeID) error
	DispatchDelete(ctx context.Context, id scm.ContainerID, target scm.DatanodeID, force bool) error
}

// ReplicaCounter answers whether a container is currently
// over-replicated, used by the delete-source decision.
type ReplicaCounter interface {
	IsOverReplicated(ctx context.Context, id scm.ContainerID) (bool, error)
}

// RunningState reports whether the replication manager service is
// currently started.
type RunningState interface {
	IsRunning() bool
}

// InflightRemovalEvent describes an inflight-action removal the
// inflight tracker observed. The tracker calls
// Orchestrator.OnInflightRemoved with this for every removal; removals
// for containers with no active move are ignored there.
type InflightRemovalEvent struct {
	ContainerID scm.ContainerID
	Datanode    scm.DatanodeID

	WasCompleted    bool
	WasTimeout      bool
	WasUnhealthy    bool
	WasNotInService bool

	// IsInflightReplication is true when the entry was removed from
	// inflightAdd (a replication action); false means inflightDel (a
	// deletion action). Whether Datanode is the move's source or target
	// is the orchestrator's to decide: only it knows the move pair.
	IsInflightReplication bool
}

// InflightHook is the interface the inflight tracker calls into. Only
// *Orchestrator implements it in this module, but it is kept narrow so
// the tracker depends on nothing else here.
type InflightHook interface {
	OnInflightRemoved(ctx context.Context, event InflightRemovalEvent)
}

// Orchestrator runs the user-facing move operation: validate, enroll
// the move in the scheduler, launch the replication, and later decide
// whether deleting the source is safe.
type Orchestrator struct {
	containers scm.ContainerManager
	nodes      scm.NodeManager
	placement  scm.PlacementPolicy
	inflight   InflightQuery
	dispatch   CommandDispatcher
	counter    ReplicaCounter
	running    RunningState
	sctx       scm.SCMContext
	scheduler  Scheduler

	mu      *keyedmutex.Map
	futures struct {
		mu sync.Mutex
		m  map[scm.ContainerID]*Future
	}
}

// New creates an Orchestrator. mu is the per-container keyedmutex.Map
// shared with the replication processor so Move() and a processing
// cycle for the same container never interleave; pass nil to let the
// Orchestrator own a private one (tests that never run alongside a
// processor can do this safely).
func New(
	containers scm.ContainerManager,
	nodes scm.NodeManager,
	placement scm.PlacementPolicy,
	inflight InflightQuery,
	dispatch CommandDispatcher,
	counter ReplicaCounter,
	running RunningState,
	sctx scm.SCMContext,
	scheduler Scheduler,
	mu *keyedmutex.Map,
) *Orchestrator {
	if mu == nil {
		mu = keyedmutex.New()
	}
	o := &Orchestrator{
		containers: containers,
		nodes:      nodes,
		placement:  placement,
		inflight:   inflight,
		dispatch:   dispatch,
		counter:    counter,
		running:    running,
		sctx:       sctx,
		scheduler:  scheduler,
		mu:         mu,
	}
	o.futures.m = make(map[scm.ContainerID]*Future)
	return o
}

// Future is a one-shot container for a move's terminal MoveResult.
type Future struct {
	ch      chan scm.MoveResult
	once    sync.Once
	started time.Time
}

func newFuture() *Future {
	return &Future{ch: make(chan scm.MoveResult, 1), started: time.Now()}
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) (scm.MoveResult, error) {
	select {
	case r := <-f.ch:
		return r, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (f *Future) resolve(result scm.MoveResult) {
	f.once.Do(func() {
		f.ch <- result
	})
}

func failedFuture(result scm.MoveResult) *Future {
	f := newFuture()
	f.resolve(result)
	return f
}

// Move validates the move's preconditions in order, failing fast with
// the matching result, then enrolls the move in the scheduler and
// dispatches the initial Replicate command. The replica-set checks run
// under the per-container mutex shared with the replication processor.
func (o *Orchestrator) Move(ctx context.Context, id scm.ContainerID, src, tgt scm.DatanodeID) *Future {
	comp := log.WithComponent("move.orchestrator")

	// Precondition 1: RM running and this SCM is leader.
	if o.running != nil && !o.running.IsRunning() {
		return failedFuture(scm.MoveFailNotRunning)
	}
	if !o.sctx.IsLeader() {
		return failedFuture(scm.MoveFailNotLeader)
	}

	// Precondition 2: both endpoints healthy and in service.
	for _, dn := range []scm.DatanodeID{src, tgt} {
		status, err := o.nodes.GetNodeStatus(dn)
		if err != nil {
			return failedFuture(scm.MoveReplicationFailNodeNotInService)
		}
		if status.Health != scm.HealthHealthy {
			return failedFuture(scm.MoveReplicationFailNodeUnhealthy)
		}
		if status.Operational != scm.OpInService {
			return failedFuture(scm.MoveReplicationFailNodeNotInService)
		}
	}

	unlock := o.mu.Lock(string(id))
	defer unlock()

	container, err := o.containers.GetContainer(ctx, id)
	if err != nil {
		return failedFuture(scm.MoveReplicationFailNotExistInSource)
	}

	replicas, err := o.containers.GetContainerReplicas(ctx, id)
	if err != nil {
		return failedFuture(scm.MoveReplicationFailNotExistInSource)
	}

	// Precondition 3: container exists, tgt absent, src present.
	srcPresent, tgtPresent := false, false
	datanodes := make([]scm.DatanodeID, 0, len(replicas))
	for _, r := range replicas {
		datanodes = append(datanodes, r.DatanodeID)
		if r.DatanodeID == src {
			srcPresent = true
		}
		if r.DatanodeID == tgt {
			tgtPresent = true
		}
	}
	if tgtPresent {
		return failedFuture(scm.MoveReplicationFailExistInTarget)
	}
	if !srcPresent {
		return failedFuture(scm.MoveReplicationFailNotExistInSource)
	}

	// Precondition 4: no existing inflight entries for this container.
	if o.inflight != nil {
		if o.inflight.HasInflightDeletion(id) {
			return failedFuture(scm.MoveReplicationFailInflightDeletion)
		}
		if o.inflight.HasInflightReplication(id) {
			return failedFuture(scm.MoveReplicationFailInflightReplication)
		}
	}

	// Precondition 5: container must be CLOSED.
	if container.State != scm.ContainerClosed {
		return failedFuture(scm.MoveReplicationFailContainerNotClosed)
	}

	// Precondition 6: placement policy satisfied after the synthetic swap.
	proposed := make([]scm.DatanodeID, 0, len(datanodes))
	for _, dn := range datanodes {
		if dn != src {
			proposed = append(proposed, dn)
		}
	}
	proposed = append(proposed, tgt)
	ps, err := o.placement.Validate(proposed, container.ReplicationFactor)
	if err != nil {
		comp.Warn().Err(err).Msg("placement validation failed during move precondition check")
		return failedFuture(scm.MovePlacementPolicyNotSatisfied)
	}
	if !ps.IsPolicySatisfied {
		return failedFuture(scm.MovePlacementPolicyNotSatisfied)
	}

	if err := o.scheduler.StartMove(id, scm.MovePair{Source: src, Target: tgt}); err != nil {
		comp.Warn().Err(err).Msg("failed to record move in scheduler")
		return failedFuture(scm.MoveFailCanNotRecordToDB)
	}

	future := newFuture()
	o.futures.mu.Lock()
	o.futures.m[id] = future
	o.futures.mu.Unlock()

	if err := o.dispatch.DispatchReplicate(ctx, id, tgt, []scm.DatanodeID{src}); err != nil {
		comp.Warn().Err(err).Msg("failed to dispatch initial replicate command for move")
	}

	metrics.MovesInflight.Set(float64(len(o.scheduler.GetInflightMoves())))
	return future
}

// resolve completes the move's future exactly once, removing it from the
// futures map atomically with resolution so any concurrent second caller
// sees absence and becomes a no-op.
func (o *Orchestrator) resolve(id scm.ContainerID, result scm.MoveResult) {
	o.futures.mu.Lock()
	future, ok := o.futures.m[id]
	if ok {
		delete(o.futures.m, id)
	}
	o.futures.mu.Unlock()

	if ok {
		future.resolve(result)
		metrics.MoveDuration.Observe(time.Since(future.started).Seconds())
	}

	if err := o.scheduler.CompleteMove(id); err != nil {
		logger := log.WithComponent("move.orchestrator")
		logger.Warn().Err(err).Msg("failed to complete move in scheduler")
	}
	metrics.MovesTotal.WithLabelValues(string(result)).Inc()
	metrics.MovesInflight.Set(float64(len(o.scheduler.GetInflightMoves())))
}

// OnInflightRemoved implements InflightHook: it maps what the tracker
// observed onto the move's next step or terminal result.
func (o *Orchestrator) OnInflightRemoved(ctx context.Context, event InflightRemovalEvent) {
	pair, ok := o.scheduler.GetMove(event.ContainerID)
	if !ok {
		return
	}

	isSource := event.Datanode == pair.Source
	isTarget := event.Datanode == pair.Target

	if event.IsInflightReplication {
		switch {
		case isSource:
			// A replication action should only ever target the move's
			// target; seeing the source leave inflightAdd means something
			// else has been driving this container.
			o.resolve(event.ContainerID, scm.MoveUnexpectedRemoveSourceAtInflightReplication)
		case isTarget:
			switch {
			case event.WasCompleted:
				o.deleteSourceDecision(ctx, event.ContainerID, pair)
			case event.WasUnhealthy:
				o.resolve(event.ContainerID, scm.MoveReplicationFailNodeUnhealthy)
			case event.WasNotInService:
				o.resolve(event.ContainerID, scm.MoveReplicationFailNodeNotInService)
			case event.WasTimeout:
				o.resolve(event.ContainerID, scm.MoveReplicationFailTimeOut)
			}
		}
		return
	}

	switch {
	case isTarget:
		o.resolve(event.ContainerID, scm.MoveUnexpectedRemoveTargetAtInflightDeletion)
	case isSource:
		switch {
		case event.WasCompleted:
			o.resolve(event.ContainerID, scm.MoveCompleted)
		case event.WasUnhealthy:
			o.resolve(event.ContainerID, scm.MoveDeletionFailNodeUnhealthy)
		case event.WasNotInService:
			o.resolve(event.ContainerID, scm.MoveDeletionFailNodeNotInService)
		case event.WasTimeout:
			o.resolve(event.ContainerID, scm.MoveDeletionFailTimeOut)
		}
	}
}

// deleteSourceDecision decides, after the target replica has appeared,
// whether removing the source is placement-safe. Replication was
// unconditional; deletion is the conservative half.
func (o *Orchestrator) deleteSourceDecision(ctx context.Context, id scm.ContainerID, pair scm.MovePair) {
	comp := log.WithComponent("move.orchestrator")

	container, err := o.containers.GetContainer(ctx, id)
	if err != nil {
		comp.Warn().Err(err).Msg("container lookup failed during delete-source decision")
		o.resolve(id, scm.MoveDeleteFailPolicy)
		return
	}

	replicas, err := o.containers.GetContainerReplicas(ctx, id)
	if err != nil {
		comp.Warn().Err(err).Msg("replica lookup failed during delete-source decision")
		o.resolve(id, scm.MoveDeleteFailPolicy)
		return
	}

	datanodes := make([]scm.DatanodeID, 0, len(replicas))
	srcPresent := false
	for _, r := range replicas {
		datanodes = append(datanodes, r.DatanodeID)
		if r.DatanodeID == pair.Source {
			srcPresent = true
		}
	}
	if !srcPresent {
		o.resolve(id, scm.MoveCompleted)
		return
	}

	overReplicated := false
	if o.counter != nil {
		overReplicated, err = o.counter.IsOverReplicated(ctx, id)
		if err != nil {
			comp.Warn().Err(err).Msg("replica count check failed during delete-source decision")
		}
	}

	psBefore, err := o.placement.Validate(datanodes, container.ReplicationFactor)
	if err != nil {
		o.resolve(id, scm.MoveDeleteFailPolicy)
		return
	}

	withoutSrc := make([]scm.DatanodeID, 0, len(datanodes))
	for _, dn := range datanodes {
		if dn != pair.Source {
			withoutSrc = append(withoutSrc, dn)
		}
	}
	psAfter, err := o.placement.Validate(withoutSrc, container.ReplicationFactor)
	if err != nil {
		o.resolve(id, scm.MoveDeleteFailPolicy)
		return
	}

	if overReplicated && psBefore.EquivalentTo(psAfter) {
		if err := o.dispatch.DispatchDelete(ctx, id, pair.Source, true); err != nil {
			comp.Warn().Err(err).Msg("failed to dispatch delete-source command")
		}
		return
	}

	o.resolve(id, scm.MoveDeleteFailPolicy)
}

// LeaderRecoveryHook is invoked once per leader-readiness transition:
// for every tracked move, decide whether it needs completing, a
// delete-source decision, or a re-dispatched Replicate.
func (o *Orchestrator) LeaderRecoveryHook(ctx context.Context) {
	for id, pair := range o.scheduler.GetInflightMoves() {
		if _, err := o.containers.GetContainer(ctx, id); err != nil {
			o.resolve(id, scm.MoveCompleted)
			continue
		}

		replicas, err := o.containers.GetContainerReplicas(ctx, id)
		if err != nil {
			o.resolve(id, scm.MoveCompleted)
			continue
		}

		srcPresent, tgtPresent := false, false
		for _, r := range replicas {
			if r.DatanodeID == pair.Source {
				srcPresent = true
			}
			if r.DatanodeID == pair.Target {
				tgtPresent = true
			}
		}

		switch {
		case srcPresent && tgtPresent:
			o.deleteSourceDecision(ctx, id, pair)
		case srcPresent && !tgtPresent:
			if err := o.dispatch.DispatchReplicate(ctx, id, pair.Target, []scm.DatanodeID{pair.Source}); err != nil {
				logger := log.WithComponent("move.orchestrator")
				logger.Warn().Err(err).Msg("failed to re-dispatch replicate during leader recovery")
			}
		case !srcPresent:
			o.resolve(id, scm.MoveCompleted)
		}
	}
}
