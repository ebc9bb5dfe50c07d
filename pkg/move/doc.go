/*
Package move implements the replica move scheduler and orchestrator: the
pair of components responsible for migrating a container replica from one
datanode to another without ever losing track of an in-flight move,
including across a leader election.

# Components

RaftScheduler:
  - Maintains the container-to-move-pair table as a Raft-replicated log
    applied through MoveFSM onto a storage.MoveStore.
  - Runs its own dedicated single-node Raft group rooted at a data
    directory distinct from the SCM's own consensus group; this module
    never joins that group, only piggybacks its own HA record next to it.
  - Reinitialize reloads the in-memory cache from the persisted table,
    called once per leader-readiness transition so a newly-promoted
    leader starts from the durable table rather than an empty map.

Orchestrator:
  - Validates the six move preconditions (leadership, node health,
    replica membership, no conflicting inflight action, CLOSED state,
    placement policy), the last four under a per-container lock shared
    with the container processor, then records the move and dispatches the
    initial replicate command.
  - Resolves each move's Future exactly once, through the single
    resolve path that both external callbacks (OnInflightRemoved) and
    internal recovery logic (LeaderRecoveryHook) funnel through.
  - Decides whether to delete the source replica once the target
    replica appears, gated on the placement policy finding the removal
    placement-neutral (see deleteSourceDecision).

# Avoiding an import cycle

The orchestrator depends on replica counting, inflight tracking, and
command dispatch, all owned by the replication manager above it. Rather
than importing that package (which itself must import move to invoke
Move), this package declares its own narrow interfaces for exactly what
it needs (InflightQuery, CommandDispatcher, ReplicaCounter, RunningState)
and the replication package's concrete types satisfy them structurally.
Only InflightHook is handed the other way, so the inflight tracker can
notify the orchestrator without this package reaching back into it.
*/
package move
