package replication

import (
	"context"
	"sort"
	"time"

	"github.com/nimbusscm/rm/pkg/keyedmutex"
	"github.com/nimbusscm/rm/pkg/log"
	"github.com/nimbusscm/rm/pkg/scm"
)

// Processor is the per-container decision procedure, run under a
// per-container mutex shared with the move orchestrator, dispatching to
// one handler per lifecycle branch.
type Processor struct {
	containers scm.ContainerManager
	nodes      scm.NodeManager
	eval       *Evaluator
	tracker    *Tracker
	dispatch   *Dispatcher
	mu         *keyedmutex.Map

	minHealthyForMaintenance int
}

// NewProcessor creates a Processor. mu is the keyedmutex.Map shared with
// the move.Orchestrator constructed alongside it.
func NewProcessor(
	containers scm.ContainerManager,
	nodes scm.NodeManager,
	eval *Evaluator,
	tracker *Tracker,
	dispatch *Dispatcher,
	mu *keyedmutex.Map,
	minHealthyForMaintenance int,
) *Processor {
	return &Processor{
		containers:               containers,
		nodes:                    nodes,
		eval:                     eval,
		tracker:                  tracker,
		dispatch:                 dispatch,
		mu:                       mu,
		minHealthyForMaintenance: minHealthyForMaintenance,
	}
}

// IsOverReplicated implements move.ReplicaCounter for the delete-source
// decision.
func (p *Processor) IsOverReplicated(ctx context.Context, id scm.ContainerID) (bool, error) {
	container, err := p.containers.GetContainer(ctx, id)
	if err != nil {
		return false, err
	}
	replicas, err := p.containers.GetContainerReplicas(ctx, id)
	if err != nil {
		return false, err
	}
	rc := AnalyzeReplicaCount(container, replicas, p.nodes, p.minHealthyForMaintenance,
		len(p.tracker.AddTargets(id)), len(p.tracker.DelTargets(id)))
	return rc.IsOverReplicated(p.minHealthyForMaintenance), nil
}

// Process runs one decision cycle for container id under its per-container
// mutex. Errors are the caller's (the Monitor's) to log and skip; a
// ContainerNotFound is warned and swallowed here.
func (p *Processor) Process(ctx context.Context, id scm.ContainerID) error {
	unlock := p.mu.Lock(string(id))
	defer unlock()

	comp := log.WithComponent("replication.processor")

	container, err := p.containers.GetContainer(ctx, id)
	if err != nil {
		if err == scm.ErrContainerNotFound {
			comp.Warn().Str("container_id", string(id)).Msg("container not found during processing, skipping")
			return nil
		}
		return err
	}

	replicas, err := p.containers.GetContainerReplicas(ctx, id)
	if err != nil {
		if err == scm.ErrContainerNotFound {
			comp.Warn().Str("container_id", string(id)).Msg("container not found fetching replicas, skipping")
			return nil
		}
		return err
	}

	switch container.State {
	case scm.ContainerOpen:
		return p.handleOpen(ctx, container, replicas)
	case scm.ContainerClosing:
		return p.handleClosing(ctx, container, replicas)
	case scm.ContainerQuasiClosed:
		if p.handleQuasiClosedForceClose(ctx, container, replicas) {
			return nil
		}
	}

	p.tracker.Reconcile(ctx, id, replicas, time.Now())

	switch container.State {
	case scm.ContainerDeleting:
		return p.handleDeleting(ctx, container, replicas)
	case scm.ContainerDeleted:
		return nil
	}

	// QUASI_CLOSED without a force-close majority and CLOSED both reach
	// the common classify path.
	return p.classifyAndAct(ctx, container, replicas)
}

// handleOpen requests a close only when some replica has already
// drifted off OPEN.
func (p *Processor) handleOpen(ctx context.Context, c *scm.Container, r []*scm.ContainerReplica) error {
	for _, replica := range r {
		if replica.State != scm.ReplicaOpen {
			p.dispatch.RequestClose(ctx, c.ID)
			return nil
		}
	}
	return nil
}

// handleClosing sends a non-force Close to every
// replica's datanode, every cycle, until the container manager observes
// the container has moved on.
func (p *Processor) handleClosing(ctx context.Context, c *scm.Container, r []*scm.ContainerReplica) error {
	for _, replica := range r {
		if err := p.dispatch.DispatchClose(ctx, c.ID, replica.DatanodeID, c.PipelineID, false); err != nil {
			logger := log.WithComponent("replication.processor")
			logger.Warn().Err(err).Str("container_id", string(c.ID)).Msg("failed to dispatch close command")
		}
	}
	return nil
}

// handleDeleting finishes the teardown: once no replicas remain the
// container becomes DELETED, otherwise deletion is re-requested for
// replicas with no pending delete.
func (p *Processor) handleDeleting(ctx context.Context, c *scm.Container, r []*scm.ContainerReplica) error {
	if len(r) == 0 {
		if err := p.containers.UpdateContainerState(ctx, c.ID, scm.ContainerEventDelete); err != nil {
			logger := log.WithComponent("replication.processor")
			logger.Warn().Err(err).Str("container_id", string(c.ID)).Msg("failed to transition deleting container to deleted")
		}
		return nil
	}

	delTargets := make(map[scm.DatanodeID]bool)
	for _, dn := range p.tracker.DelTargets(c.ID) {
		delTargets[dn] = true
	}
	for _, replica := range r {
		if delTargets[replica.DatanodeID] {
			continue
		}
		if err := p.dispatch.DispatchDelete(ctx, c.ID, replica.DatanodeID, false); err != nil {
			logger := log.WithComponent("replication.processor")
			logger.Warn().Err(err).Str("container_id", string(c.ID)).Msg("failed to dispatch delete command")
		}
	}
	return nil
}

// handleQuasiClosedForceClose implements the QUASI_CLOSED force-close
// majority rule: strictly more than floor(k/2) replicas with
// distinct origin datanode ids in QUASI_CLOSED triggers a force Close to
// every replica at the maximum observed sequence id. Returns whether the
// force close fired; when it did, the cycle is done for this container.
func (p *Processor) handleQuasiClosedForceClose(ctx context.Context, c *scm.Container, r []*scm.ContainerReplica) bool {
	origins := make(map[scm.DatanodeID]bool)
	maxSeq := int64(-1)
	for _, replica := range r {
		if replica.State != scm.ReplicaQuasiClosed {
			continue
		}
		origins[replica.OriginDatanodeID] = true
		if replica.SequenceID > maxSeq {
			maxSeq = replica.SequenceID
		}
	}

	if len(origins) <= c.ReplicationFactor/2 || maxSeq == -1 {
		return false
	}

	for _, replica := range r {
		if replica.State == scm.ReplicaQuasiClosed && replica.SequenceID == maxSeq {
			if err := p.dispatch.DispatchClose(ctx, c.ID, replica.DatanodeID, c.PipelineID, true); err != nil {
				logger := log.WithComponent("replication.processor")
				logger.Warn().Err(err).Str("container_id", string(c.ID)).Msg("failed to dispatch force-close command")
			}
		}
	}
	return true
}

// classifyAndAct covers the states with no short-circuit of their own:
// empty, under/mis-replicated, over-replicated, or unstable.
func (p *Processor) classifyAndAct(ctx context.Context, c *scm.Container, r []*scm.ContainerReplica) error {
	comp := log.WithComponent("replication.processor")

	if IsEmpty(c, r) {
		for _, replica := range r {
			if err := p.dispatch.DispatchDelete(ctx, c.ID, replica.DatanodeID, false); err != nil {
				comp.Warn().Err(err).Str("container_id", string(c.ID)).Msg("failed to dispatch delete for empty container")
			}
		}
		if err := p.containers.UpdateContainerState(ctx, c.ID, scm.ContainerEventDelete); err != nil {
			comp.Warn().Err(err).Str("container_id", string(c.ID)).Msg("failed to transition empty container to deleting")
		}
		return nil
	}

	addTargets := p.tracker.AddTargets(c.ID)
	delTargets := p.tracker.DelTargets(c.ID)

	rc := AnalyzeReplicaCount(c, r, p.nodes, p.minHealthyForMaintenance, len(addTargets), len(delTargets))
	repDelta := rc.AdditionalReplicaNeeded(p.minHealthyForMaintenance)
	if repDelta < 0 {
		repDelta = 0
	}

	datanodes := replicaDatanodes(r)
	union := dedupDatanodes(append(append([]scm.DatanodeID{}, datanodes...), addTargets...))

	misDelta := 0
	if ps, err := p.eval.Validate(union, c.ReplicationFactor); err == nil {
		misDelta = ps.MisReplicationCount
	}

	switch {
	case repDelta > 0 || misDelta > 0:
		return p.handleUnderOrMisReplicated(ctx, c, r, repDelta, misDelta, datanodes, addTargets)
	case rc.IsOverReplicated(p.minHealthyForMaintenance):
		return p.handleOverReplicated(ctx, c, r, rc)
	case !rc.IsHealthy(p.minHealthyForMaintenance):
		return p.handleUnstable(ctx, c, r)
	}
	return nil
}

// handleUnderOrMisReplicated repairs a container that is short of
// replicas or has them placed badly.
func (p *Processor) handleUnderOrMisReplicated(
	ctx context.Context,
	c *scm.Container,
	r []*scm.ContainerReplica,
	repDelta, misDelta int,
	existingDatanodes, addTargets []scm.DatanodeID,
) error {
	comp := log.WithComponent("replication.processor")

	replicasNeeded := repDelta
	if misDelta > replicasNeeded {
		replicasNeeded = misDelta
	}
	if replicasNeeded == 0 {
		return nil
	}

	delTargets := make(map[scm.DatanodeID]bool)
	for _, dn := range p.tracker.DelTargets(c.ID) {
		delTargets[dn] = true
	}

	sources := make([]*scm.ContainerReplica, 0, len(r))
	for _, replica := range r {
		if replica.State != scm.ReplicaQuasiClosed && replica.State != scm.ReplicaClosed {
			continue
		}
		if delTargets[replica.DatanodeID] {
			continue
		}
		status, err := p.nodes.GetNodeStatus(replica.DatanodeID)
		if err != nil || !status.IsHealthyInService() {
			continue
		}
		sources = append(sources, replica)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].SequenceID > sources[j].SequenceID })

	if len(sources) == 0 {
		comp.Warn().Str("container_id", string(c.ID)).Msg("no healthy source replica available for under/mis-replicated container")
		return nil
	}

	sourceDatanodes := make([]scm.DatanodeID, len(sources))
	for i, s := range sources {
		sourceDatanodes[i] = s.DatanodeID
	}

	exclude := dedupDatanodes(append(append([]scm.DatanodeID{}, existingDatanodes...), addTargets...))
	chosen, err := p.eval.Choose(exclude, replicasNeeded, c.UsedBytes)
	if err != nil {
		comp.Warn().Err(err).Str("container_id", string(c.ID)).Msg("placement choose failed for under/mis-replicated container")
		return nil
	}

	shouldDispatch := repDelta > 0
	if !shouldDispatch {
		union := dedupDatanodes(append(append([]scm.DatanodeID{}, exclude...), chosen...))
		if ps, err := p.eval.Validate(union, c.ReplicationFactor); err == nil && ps.MisReplicationCount < misDelta {
			shouldDispatch = true
		}
	}

	if !shouldDispatch {
		comp.Debug().Str("container_id", string(c.ID)).Msg("candidate targets do not improve mis-replication, skipping replicate")
		return nil
	}

	for _, target := range chosen {
		if err := p.dispatch.DispatchReplicate(ctx, c.ID, target, sourceDatanodes); err != nil {
			comp.Warn().Err(err).Str("container_id", string(c.ID)).Msg("failed to dispatch replicate command")
		}
	}
	return nil
}

// handleOverReplicated trims surplus replicas deterministically,
// keeping the placement status no worse than it already is.
func (p *Processor) handleOverReplicated(ctx context.Context, c *scm.Container, r []*scm.ContainerReplica, rc ReplicaCount) error {
	comp := log.WithComponent("replication.processor")

	excess := -rc.AdditionalReplicaNeeded(p.minHealthyForMaintenance)
	if excess <= 0 {
		return nil
	}

	candidates := make([]*scm.ContainerReplica, len(r))
	copy(candidates, r)
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ContainerID != candidates[j].ContainerID {
			return candidates[i].ContainerID < candidates[j].ContainerID
		}
		return candidates[i].DatanodeID < candidates[j].DatanodeID
	})

	if c.State != scm.ContainerClosed {
		protectedOrigin := make(map[scm.DatanodeID]bool)
		filtered := make([]*scm.ContainerReplica, 0, len(candidates))
		for _, replica := range candidates {
			if !protectedOrigin[replica.OriginDatanodeID] && replicaMatchesContainerState(c.State, replica.State) {
				protectedOrigin[replica.OriginDatanodeID] = true
				continue
			}
			filtered = append(filtered, replica)
		}
		candidates = filtered
	}

	inService := make([]*scm.ContainerReplica, 0, len(candidates))
	for _, replica := range candidates {
		status, err := p.nodes.GetNodeStatus(replica.DatanodeID)
		if err != nil || status.Operational != scm.OpInService {
			continue
		}
		inService = append(inService, replica)
	}
	candidates = inService

	var unhealthy, healthy []*scm.ContainerReplica
	for _, replica := range candidates {
		if replicaMatchesContainerState(c.State, replica.State) {
			healthy = append(healthy, replica)
		} else {
			unhealthy = append(unhealthy, replica)
		}
	}

	for _, replica := range unhealthy {
		if excess <= 0 {
			break
		}
		if err := p.dispatch.DispatchDelete(ctx, c.ID, replica.DatanodeID, true); err != nil {
			comp.Warn().Err(err).Str("container_id", string(c.ID)).Msg("failed to dispatch delete for unhealthy over-replicated replica")
		}
		excess--
	}

	if excess <= 0 {
		return nil
	}

	remaining := replicaDatanodes(r)
	for _, replica := range healthy {
		if excess <= 0 {
			break
		}
		before := remaining
		after := removeDatanode(remaining, replica.DatanodeID)

		psBefore, errBefore := p.eval.Validate(before, c.ReplicationFactor)
		psAfter, errAfter := p.eval.Validate(after, c.ReplicationFactor)
		if errBefore != nil || errAfter != nil {
			continue
		}

		if psBefore.EquivalentTo(psAfter) {
			if err := p.dispatch.DispatchDelete(ctx, c.ID, replica.DatanodeID, true); err != nil {
				comp.Warn().Err(err).Str("container_id", string(c.ID)).Msg("failed to dispatch delete for healthy over-replicated replica")
				continue
			}
			remaining = after
			excess--
		}
	}
	return nil
}

// handleUnstable drives the container briefly under-replicated by
// deleting exactly one unhealthy replica per cycle,
// after first closing any that can simply be closed into matching state.
func (p *Processor) handleUnstable(ctx context.Context, c *scm.Container, r []*scm.ContainerReplica) error {
	comp := log.WithComponent("replication.processor")

	var remaining []*scm.ContainerReplica
	for _, replica := range r {
		if replicaMatchesContainerState(c.State, replica.State) {
			continue
		}
		switch {
		case replica.State == scm.ReplicaOpen || replica.State == scm.ReplicaClosing:
			if err := p.dispatch.DispatchClose(ctx, c.ID, replica.DatanodeID, c.PipelineID, false); err != nil {
				comp.Warn().Err(err).Str("container_id", string(c.ID)).Msg("failed to dispatch close for unstable replica")
			}
		case replica.State == scm.ReplicaQuasiClosed && replica.SequenceID == c.SequenceID:
			if err := p.dispatch.DispatchClose(ctx, c.ID, replica.DatanodeID, c.PipelineID, true); err != nil {
				comp.Warn().Err(err).Str("container_id", string(c.ID)).Msg("failed to dispatch force-close for unstable replica")
			}
		default:
			remaining = append(remaining, replica)
		}
	}

	if len(remaining) > 0 {
		target := remaining[0]
		if err := p.dispatch.DispatchDelete(ctx, c.ID, target.DatanodeID, false); err != nil {
			comp.Warn().Err(err).Str("container_id", string(c.ID)).Msg("failed to dispatch delete for unstable replica")
		}
	}
	return nil
}

func replicaDatanodes(r []*scm.ContainerReplica) []scm.DatanodeID {
	out := make([]scm.DatanodeID, len(r))
	for i, replica := range r {
		out[i] = replica.DatanodeID
	}
	return out
}

func removeDatanode(dns []scm.DatanodeID, dn scm.DatanodeID) []scm.DatanodeID {
	out := make([]scm.DatanodeID, 0, len(dns))
	for _, d := range dns {
		if d != dn {
			out = append(out, d)
		}
	}
	return out
}

func dedupDatanodes(dns []scm.DatanodeID) []scm.DatanodeID {
	seen := make(map[scm.DatanodeID]bool, len(dns))
	out := make([]scm.DatanodeID, 0, len(dns))
	for _, d := range dns {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}
