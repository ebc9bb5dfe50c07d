// Package scm defines the data model and external collaborator interfaces
// that the replication manager consumes. Containers, replicas, datanode
// status, moves, and the narrow interfaces onto the container metadata
// store, node manager, placement policy, event bus, and SCM leadership
// context all live here so every consuming package (replication, move)
// depends on one small, stable surface instead of each other's internals.
package scm

import "time"

// ContainerID identifies a replicated storage container. It is opaque and
// totally ordered (string ordering) so it can be used as a deterministic
// sort key without understanding its internal structure.
type ContainerID string

// DatanodeID identifies a datanode that may host container replicas.
type DatanodeID string

// ContainerState is the lifecycle state of a container as a whole.
type ContainerState string

const (
	ContainerOpen        ContainerState = "OPEN"
	ContainerClosing      ContainerState = "CLOSING"
	ContainerQuasiClosed  ContainerState = "QUASI_CLOSED"
	ContainerClosed       ContainerState = "CLOSED"
	ContainerDeleting     ContainerState = "DELETING"
	ContainerDeleted      ContainerState = "DELETED"
)

// ReplicaState is the lifecycle state of a single replica instance.
type ReplicaState string

const (
	ReplicaOpen         ReplicaState = "OPEN"
	ReplicaClosing      ReplicaState = "CLOSING"
	ReplicaQuasiClosed  ReplicaState = "QUASI_CLOSED"
	ReplicaClosed       ReplicaState = "CLOSED"
	ReplicaUnhealthy    ReplicaState = "UNHEALTHY"
)

// OperationalState is a datanode's administrative state.
type OperationalState string

const (
	OpInService          OperationalState = "IN_SERVICE"
	OpDecommissioning     OperationalState = "DECOMMISSIONING"
	OpDecommissioned      OperationalState = "DECOMMISSIONED"
	OpEnteringMaintenance OperationalState = "ENTERING_MAINTENANCE"
	OpInMaintenance       OperationalState = "IN_MAINTENANCE"
)

// Health is a datanode's liveness as seen by heartbeat tracking.
type Health string

const (
	HealthHealthy Health = "HEALTHY"
	HealthStale   Health = "STALE"
	HealthDead    Health = "DEAD"
)

// Container is the immutable metadata plus mutable lifecycle state for one
// replicated storage container. RM reads and (for lifecycle transitions)
// writes these through ContainerManager; it never owns the backing store.
type Container struct {
	ID             ContainerID
	ReplicationFactor int // k, required healthy replicas
	UsedBytes      int64
	KeyCount       int64
	PipelineID     string
	SequenceID     int64 // last-known BCSID
	State          ContainerState
}

// ContainerReplica is one instance of a Container hosted on one datanode.
type ContainerReplica struct {
	ContainerID ContainerID
	DatanodeID  DatanodeID
	State       ReplicaState
	UsedBytes   int64
	KeyCount    int64
	SequenceID  int64
	// OriginDatanodeID is the datanode that originally hosted this replica's
	// lineage, distinct from DatanodeID which is its current location.
	OriginDatanodeID DatanodeID
}

// DatanodeStatus is the externally-owned operational state of a datanode.
type DatanodeStatus struct {
	Operational OperationalState
	Health      Health
}

// IsHealthyInService reports the common "safe to target" predicate used
// throughout replica selection and move preconditions.
func (s DatanodeStatus) IsHealthyInService() bool {
	return s.Health == HealthHealthy && s.Operational == OpInService
}

// InflightAction records one outstanding replicate or delete command RM has
// issued for a container, keyed externally by (ContainerID, DatanodeID).
type InflightAction struct {
	Datanode DatanodeID
	IssuedAt time.Time
}

// MovePair is the source/target datanode pair of an in-progress move.
type MovePair struct {
	Source DatanodeID
	Target DatanodeID
}

// MoveResult is the closed set of terminal outcomes for a move's future,
// enumerated in full so callers can switch exhaustively.
type MoveResult string

const (
	MoveCompleted                               MoveResult = "COMPLETED"
	MoveFailNotRunning                          MoveResult = "FAIL_NOT_RUNNING"
	MoveFailNotLeader                           MoveResult = "FAIL_NOT_LEADER"
	MoveReplicationFailNotExistInSource         MoveResult = "REPLICATION_FAIL_NOT_EXIST_IN_SOURCE"
	MoveReplicationFailExistInTarget            MoveResult = "REPLICATION_FAIL_EXIST_IN_TARGET"
	MoveReplicationFailContainerNotClosed       MoveResult = "REPLICATION_FAIL_CONTAINER_NOT_CLOSED"
	MoveReplicationFailInflightDeletion         MoveResult = "REPLICATION_FAIL_INFLIGHT_DELETION"
	MoveReplicationFailInflightReplication      MoveResult = "REPLICATION_FAIL_INFLIGHT_REPLICATION"
	MoveReplicationFailTimeOut                  MoveResult = "REPLICATION_FAIL_TIME_OUT"
	MoveReplicationFailNodeNotInService         MoveResult = "REPLICATION_FAIL_NODE_NOT_IN_SERVICE"
	MoveReplicationFailNodeUnhealthy            MoveResult = "REPLICATION_FAIL_NODE_UNHEALTHY"
	MoveDeletionFailNodeNotInService             MoveResult = "DELETION_FAIL_NODE_NOT_IN_SERVICE"
	MoveDeletionFailTimeOut                      MoveResult = "DELETION_FAIL_TIME_OUT"
	MoveDeletionFailNodeUnhealthy                MoveResult = "DELETION_FAIL_NODE_UNHEALTHY"
	MoveDeleteFailPolicy                         MoveResult = "DELETE_FAIL_POLICY"
	MovePlacementPolicyNotSatisfied              MoveResult = "PLACEMENT_POLICY_NOT_SATISFIED"
	MoveUnexpectedRemoveSourceAtInflightReplication MoveResult = "UNEXPECTED_REMOVE_SOURCE_AT_INFLIGHT_REPLICATION"
	MoveUnexpectedRemoveTargetAtInflightDeletion    MoveResult = "UNEXPECTED_REMOVE_TARGET_AT_INFLIGHT_DELETION"
	MoveFailCanNotRecordToDB                     MoveResult = "FAIL_CAN_NOT_RECORD_TO_DB"
)

// PlacementStatus is the external placement policy's verdict on a proposed
// replica set.
type PlacementStatus struct {
	IsPolicySatisfied     bool
	ActualPlacementCount  int
	MisReplicationCount   int
	Reason                string
}

// EquivalentTo is the placement-status equivalence relation: two
// statuses are "actually equal" when either both are satisfied, or
// both are unsatisfied with the same actual placement count. This is what
// lets RM delete an excess replica from an already mis-replicated
// container without making the mis-replication worse.
func (p PlacementStatus) EquivalentTo(o PlacementStatus) bool {
	if p.IsPolicySatisfied && o.IsPolicySatisfied {
		return true
	}
	if !p.IsPolicySatisfied && !o.IsPolicySatisfied {
		return p.ActualPlacementCount == o.ActualPlacementCount
	}
	return false
}
