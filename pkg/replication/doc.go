/*
Package replication implements the Replication Manager (RM): the control
loop inside a Storage Container Manager that drives every replicated
storage container toward its desired replication state.

# Components

ReplicaCount / Analyzer (replicacount.go):
  - Classifies a container's replica set as under/over/sufficiently
    replicated, honoring decommission and maintenance operational
    states (maintenance.replica.minimum, hdds.scm.replication config).

Evaluator (placement.go):
  - Thin wrapper over the external scm.PlacementPolicy, adding the
    logging every external collaborator call gets in this module.

Tracker (inflight.go):
  - Owns inflightAdd/inflightDel, reconciling them against freshly
    fetched replicas and node status once per container per cycle, and
    notifying the move orchestrator's InflightHook of every removal
    (the orchestrator ignores containers with no active move).

Dispatcher (dispatch.go) and Bus (eventbus.go):
  - Builds Close/Replicate/Delete commands, stamps them with the
    current leader term and a container token, and fires them at the
    external event bus. Skips (no command, no bookkeeping, only a
    debug log line) when this node is not leader.

Processor (processor.go):
  - The per-container decision procedure, one handler method per
    lifecycle branch.

Monitor (monitor.go):
  - The ticking driver: time.NewTicker(cfg.ThreadInterval), processing
    every container each cycle, plus a ProcessAllNow test-mode entry
    point.

Manager (service.go):
  - Start/Stop/IsRunning, safe-mode and leader-readiness gating, and
    the post-leader-election recovery of in-progress moves, wiring
    everything above together with the move package's scheduler and
    orchestrator.

# Avoiding an import cycle with pkg/move

pkg/move declares its own narrow interfaces (InflightQuery,
CommandDispatcher, ReplicaCounter, RunningState) for exactly what the
move orchestrator needs from this package, so pkg/move never imports
pkg/replication. This package imports pkg/move freely (to hold
*move.Orchestrator and a move.Scheduler, and to let *Tracker call a
move.InflightHook), so the dependency runs one way only.
*/
package replication
