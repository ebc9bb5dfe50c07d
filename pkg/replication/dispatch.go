package replication

import (
	"context"
	"time"

	"github.com/nimbusscm/rm/pkg/log"
	"github.com/nimbusscm/rm/pkg/metrics"
	"github.com/nimbusscm/rm/pkg/scm"
)

// Dispatcher builds and fires the outbound datanode commands. Every
// command carries the leader term observed at send time; if this SCM is
// not leader, every dispatch method short-circuits: no command, no
// inflight bookkeeping, a log line.
type Dispatcher struct {
	bus     scm.EventBus
	sctx    scm.SCMContext
	tracker *Tracker
}

// NewDispatcher creates a Dispatcher. tracker receives an inflight entry
// for every successful Replicate/Delete send.
func NewDispatcher(bus scm.EventBus, sctx scm.SCMContext, tracker *Tracker) *Dispatcher {
	return &Dispatcher{bus: bus, sctx: sctx, tracker: tracker}
}

// leaderTerm returns the current leader term and whether a send may
// proceed at all.
func (d *Dispatcher) leaderTerm() (int64, bool) {
	if !d.sctx.IsLeader() {
		return 0, false
	}
	term, err := d.sctx.GetTermOfLeader()
	if err != nil {
		return 0, false
	}
	return term, true
}

func (d *Dispatcher) fire(dn scm.DatanodeID, term int64, cmd any) {
	token := ""
	if gen := d.sctx.GetContainerTokenGenerator(); gen != nil {
		token = gen.NextToken()
	}
	d.bus.Fire(scm.TopicDatanodeCommand, scm.DatanodeCommandEnvelope{
		Datanode:   dn,
		LeaderTerm: term,
		Token:      token,
		Command:    cmd,
	})
}

// DispatchClose sends a Close command to dn for container id: one per
// CLOSING replica, or one per high-BCSID replica when force-closing a
// QUASI_CLOSED container.
func (d *Dispatcher) DispatchClose(ctx context.Context, id scm.ContainerID, dn scm.DatanodeID, pipelineID string, force bool) error {
	term, ok := d.leaderTerm()
	if !ok {
		logger := log.WithComponent("replication.dispatch")
		logger.Debug().Str("container_id", string(id)).Msg("skipping close dispatch: not leader")
		return nil
	}
	d.fire(dn, term, scm.CloseCommand{ContainerID: id, PipelineID: pipelineID, Force: force})
	metrics.CommandsDispatchedTotal.WithLabelValues("close").Inc()
	return nil
}

// DispatchReplicate sends a Replicate command to target with candidate
// sources, and records an inflightAdd entry. Implements
// move.CommandDispatcher.
func (d *Dispatcher) DispatchReplicate(ctx context.Context, id scm.ContainerID, target scm.DatanodeID, sources []scm.DatanodeID) error {
	term, ok := d.leaderTerm()
	if !ok {
		logger := log.WithComponent("replication.dispatch")
		logger.Debug().Str("container_id", string(id)).Msg("skipping replicate dispatch: not leader")
		return nil
	}
	d.fire(target, term, scm.ReplicateCommand{ContainerID: id, Sources: sources})
	d.tracker.AddReplicateAction(id, target, time.Now())
	metrics.CommandsDispatchedTotal.WithLabelValues("replicate").Inc()
	return nil
}

// DispatchDelete sends a Delete command to target, and records an
// inflightDel entry. Implements move.CommandDispatcher.
func (d *Dispatcher) DispatchDelete(ctx context.Context, id scm.ContainerID, target scm.DatanodeID, force bool) error {
	term, ok := d.leaderTerm()
	if !ok {
		logger := log.WithComponent("replication.dispatch")
		logger.Debug().Str("container_id", string(id)).Msg("skipping delete dispatch: not leader")
		return nil
	}
	d.fire(target, term, scm.DeleteCommand{ContainerID: id, Force: force})
	d.tracker.AddDeleteAction(id, target, time.Now())
	metrics.CommandsDispatchedTotal.WithLabelValues("delete").Inc()
	return nil
}

// RequestClose fires a CLOSE_CONTAINER event for an OPEN container with
// at least one non-OPEN replica. This is not a
// per-datanode datanode command, so it carries no leader term or inflight
// bookkeeping, but it still only fires while leader to avoid two SCMs
// racing to request the same close.
func (d *Dispatcher) RequestClose(ctx context.Context, id scm.ContainerID) {
	if !d.sctx.IsLeader() {
		return
	}
	d.bus.Fire(scm.TopicCloseContainer, id)
}
