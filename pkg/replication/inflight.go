package replication

import (
	"context"
	"sync"
	"time"

	"github.com/nimbusscm/rm/pkg/log"
	"github.com/nimbusscm/rm/pkg/metrics"
	"github.com/nimbusscm/rm/pkg/move"
	"github.com/nimbusscm/rm/pkg/scm"
)

// Tracker owns inflightAdd and inflightDel, keyed by container id, and
// reconciles each container's lists against a freshly fetched replica
// set once per processing cycle.
type Tracker struct {
	mu  sync.Mutex
	add map[scm.ContainerID][]scm.InflightAction
	del map[scm.ContainerID][]scm.InflightAction

	nodes        scm.NodeManager
	eventTimeout time.Duration

	hookMu sync.RWMutex
	hook   move.InflightHook
}

// NewTracker creates an empty Tracker. eventTimeout is the
// hdds.scm.replication.event.timeout config value.
func NewTracker(nodes scm.NodeManager, eventTimeout time.Duration) *Tracker {
	return &Tracker{
		add:          make(map[scm.ContainerID][]scm.InflightAction),
		del:          make(map[scm.ContainerID][]scm.InflightAction),
		nodes:        nodes,
		eventTimeout: eventTimeout,
	}
}

// SetHook wires the move orchestrator's hook in after construction. This
// breaks the natural construction cycle: the orchestrator needs the
// Tracker as a move.InflightQuery, and the Tracker needs the orchestrator
// as a move.InflightHook.
func (t *Tracker) SetHook(hook move.InflightHook) {
	t.hookMu.Lock()
	defer t.hookMu.Unlock()
	t.hook = hook
}

func (t *Tracker) callHook(ctx context.Context, event move.InflightRemovalEvent) {
	t.hookMu.RLock()
	hook := t.hook
	t.hookMu.RUnlock()
	if hook != nil {
		hook.OnInflightRemoved(ctx, event)
	}
}

// AddReplicateAction records a dispatched Replicate command as an
// inflightAdd entry. Called by the Dispatcher after a successful send.
func (t *Tracker) AddReplicateAction(id scm.ContainerID, dn scm.DatanodeID, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.add[id] = append(t.add[id], scm.InflightAction{Datanode: dn, IssuedAt: now})
}

// AddDeleteAction records a dispatched Delete command as an inflightDel
// entry.
func (t *Tracker) AddDeleteAction(id scm.ContainerID, dn scm.DatanodeID, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.del[id] = append(t.del[id], scm.InflightAction{Datanode: dn, IssuedAt: now})
}

// HasInflightEntries reports whether the container has any pending
// replication or deletion action.
func (t *Tracker) HasInflightEntries(id scm.ContainerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.add[id]) > 0 || len(t.del[id]) > 0
}

// HasInflightReplication implements move.InflightQuery.
func (t *Tracker) HasInflightReplication(id scm.ContainerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.add[id]) > 0
}

// HasInflightDeletion implements move.InflightQuery.
func (t *Tracker) HasInflightDeletion(id scm.ContainerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.del[id]) > 0
}

// AddTargets returns the datanodes with a pending inflightAdd entry for
// id, used to exclude them from placement-policy choosing.
func (t *Tracker) AddTargets(id scm.ContainerID) []scm.DatanodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]scm.DatanodeID, 0, len(t.add[id]))
	for _, a := range t.add[id] {
		out = append(out, a.Datanode)
	}
	return out
}

// DelTargets returns the datanodes with a pending inflightDel entry for
// id, used to exclude replicas already being deleted from source
// selection.
func (t *Tracker) DelTargets(id scm.ContainerID) []scm.DatanodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]scm.DatanodeID, 0, len(t.del[id]))
	for _, a := range t.del[id] {
		out = append(out, a.Datanode)
	}
	return out
}

// GetInflightReplication returns a snapshot of every container's
// inflightAdd list, for introspection.
func (t *Tracker) GetInflightReplication() map[scm.ContainerID][]scm.InflightAction {
	return t.snapshot(t.add)
}

// GetInflightDeletion returns a snapshot of every container's inflightDel
// list, for introspection.
func (t *Tracker) GetInflightDeletion() map[scm.ContainerID][]scm.InflightAction {
	return t.snapshot(t.del)
}

func (t *Tracker) snapshot(m map[scm.ContainerID][]scm.InflightAction) map[scm.ContainerID][]scm.InflightAction {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[scm.ContainerID][]scm.InflightAction, len(m))
	for id, actions := range m {
		cp := make([]scm.InflightAction, len(actions))
		copy(cp, actions)
		out[id] = cp
	}
	return out
}

// Clear drops every tracked inflightAdd and inflightDel entry, called by
// the Manager on Stop. In-flight move futures are not touched here;
// they resolve when the next leader reinitializes and runs recovery.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.add = make(map[scm.ContainerID][]scm.InflightAction)
	t.del = make(map[scm.ContainerID][]scm.InflightAction)
}

// TotalCounts returns the total number of tracked inflightAdd and
// inflightDel entries across every container, for the gauge metrics.
func (t *Tracker) TotalCounts() (add, del int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range t.add {
		add += len(a)
	}
	for _, d := range t.del {
		del += len(d)
	}
	return add, del
}

// Reconcile reconciles one container: every inflightAdd/inflightDel
// entry is checked against the freshly fetched replicas and current node
// statuses, removed entries update metrics and notify the move hook, and
// emptied lists are garbage-collected.
func (t *Tracker) Reconcile(ctx context.Context, id scm.ContainerID, replicas []*scm.ContainerReplica, now time.Time) {
	present := make(map[scm.DatanodeID]*scm.ContainerReplica, len(replicas))
	for _, r := range replicas {
		present[r.DatanodeID] = r
	}

	comp := log.WithComponent("replication.inflight")

	t.mu.Lock()
	addList := t.add[id]
	delList := t.del[id]
	t.mu.Unlock()

	keepAdd := make([]scm.InflightAction, 0, len(addList))
	var addEvents []move.InflightRemovalEvent
	for _, a := range addList {
		status, err := t.nodes.GetNodeStatus(a.Datanode)
		nodeMissing := err != nil
		_, completed := present[a.Datanode]
		timeout := now.Sub(a.IssuedAt) > t.eventTimeout
		unhealthy := !nodeMissing && status.Health != scm.HealthHealthy
		notInService := nodeMissing || status.Operational != scm.OpInService

		if !(completed || timeout || unhealthy || notInService) {
			keepAdd = append(keepAdd, a)
			continue
		}

		if nodeMissing {
			comp.Warn().Str("container_id", string(id)).Str("datanode_id", string(a.Datanode)).Msg("node not found during inflight reconciliation, dropping action")
		}

		switch {
		case timeout:
			metrics.ReplicationCmdsTimeout.Inc()
		case completed:
			metrics.ReplicationCmdsCompleted.Inc()
			if r, ok := present[a.Datanode]; ok {
				metrics.ReplicationBytesCompleted.Add(float64(r.UsedBytes))
			}
		}

		addEvents = append(addEvents, move.InflightRemovalEvent{
			ContainerID:           id,
			Datanode:              a.Datanode,
			WasCompleted:          completed,
			WasTimeout:            timeout,
			WasUnhealthy:          unhealthy,
			WasNotInService:       notInService,
			IsInflightReplication: true,
		})
	}

	keepDel := make([]scm.InflightAction, 0, len(delList))
	var delEvents []move.InflightRemovalEvent
	for _, a := range delList {
		status, err := t.nodes.GetNodeStatus(a.Datanode)
		nodeMissing := err != nil
		_, stillPresent := present[a.Datanode]
		completed := !stillPresent
		timeout := now.Sub(a.IssuedAt) > t.eventTimeout
		unhealthy := !nodeMissing && status.Health != scm.HealthHealthy
		notInService := nodeMissing || status.Operational != scm.OpInService

		if !(completed || timeout || unhealthy || notInService) {
			keepDel = append(keepDel, a)
			continue
		}

		if nodeMissing {
			comp.Warn().Str("container_id", string(id)).Str("datanode_id", string(a.Datanode)).Msg("node not found during inflight reconciliation, dropping action")
		}

		switch {
		case timeout:
			metrics.DeletionCmdsTimeout.Inc()
		case completed:
			metrics.DeletionCmdsCompleted.Inc()
		}

		delEvents = append(delEvents, move.InflightRemovalEvent{
			ContainerID:           id,
			Datanode:              a.Datanode,
			WasCompleted:          completed,
			WasTimeout:            timeout,
			WasUnhealthy:          unhealthy,
			WasNotInService:       notInService,
			IsInflightReplication: false,
		})
	}

	t.mu.Lock()
	if len(keepAdd) == 0 {
		delete(t.add, id)
	} else {
		t.add[id] = keepAdd
	}
	if len(keepDel) == 0 {
		delete(t.del, id)
	} else {
		t.del[id] = keepDel
	}
	t.mu.Unlock()

	for _, ev := range addEvents {
		t.callHook(ctx, ev)
	}
	for _, ev := range delEvents {
		t.callHook(ctx, ev)
	}
}
