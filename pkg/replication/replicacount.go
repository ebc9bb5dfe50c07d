package replication

import "github.com/nimbusscm/rm/pkg/scm"

// ReplicaCount is the analyzer's verdict on one container's replica
// set: how many more (or fewer) replicas it needs to reach its
// replication factor, honoring decommission and maintenance operational
// states.
type ReplicaCount struct {
	replicationFactor int
	healthy           int
	maintenance       int
	unhealthyInService int
	nonMatching       int
	inflightAdd       int
	inflightDel       int
}

// replicaMatchesContainerState applies the strict matching rule: a
// replica counts toward a container's lifecycle state only when its own
// state is the exact same string (so an
// OPEN container is only satisfied by OPEN replicas, never by replicas in
// any other state).
func replicaMatchesContainerState(cs scm.ContainerState, rs scm.ReplicaState) bool {
	return string(cs) == string(rs)
}

// AnalyzeReplicaCount computes the ReplicaCount for container c given
// its current replica set r, consulting nodes for each replica's
// operational/health state. minHealthyForMaintenance is the
// maintenance.replica.minimum config value.
// inflightAdd and inflightDel are the container's pending action counts:
// what RM compares against the replication factor is the matching replica
// count minus pending deletions plus pending additions, so a container
// with work already in flight is not re-repaired every cycle.
func AnalyzeReplicaCount(c *scm.Container, r []*scm.ContainerReplica, nodes scm.NodeManager, minHealthyForMaintenance, inflightAdd, inflightDel int) ReplicaCount {
	rc := ReplicaCount{
		replicationFactor: c.ReplicationFactor,
		inflightAdd:       inflightAdd,
		inflightDel:       inflightDel,
	}

	for _, replica := range r {
		if !replicaMatchesContainerState(c.State, replica.State) {
			rc.nonMatching++
			continue
		}

		status, err := nodes.GetNodeStatus(replica.DatanodeID)
		if err != nil {
			// Node unknown to the node manager: cannot vouch for it, so it
			// does not count toward sufficiency, the same treatment
			// node-not-found gets during inflight reconciliation.
			continue
		}

		switch status.Operational {
		case scm.OpDecommissioning, scm.OpDecommissioned:
			// Does not count toward sufficiency.
		case scm.OpEnteringMaintenance, scm.OpInMaintenance:
			rc.maintenance++
		default: // IN_SERVICE
			if status.Health == scm.HealthHealthy {
				rc.healthy++
			} else {
				rc.unhealthyInService++
			}
		}
	}

	return rc
}

// effectiveReplicas is the count RM compares against k: healthy in-service
// replicas, plus maintenance replicas only when enough healthy replicas
// already exist outside maintenance, minus pending deletions plus
// pending additions.
func (rc ReplicaCount) effectiveReplicas(minHealthyForMaintenance int) int {
	effective := rc.healthy
	if rc.healthy >= minHealthyForMaintenance {
		effective += rc.maintenance
	}
	return effective + rc.inflightAdd - rc.inflightDel
}

// AdditionalReplicaNeeded is the signed delta: positive means
// under-replicated by that many, negative means over-replicated by its
// magnitude.
func (rc ReplicaCount) AdditionalReplicaNeeded(minHealthyForMaintenance int) int {
	return rc.replicationFactor - rc.effectiveReplicas(minHealthyForMaintenance)
}

// IsSufficientlyReplicated reports whether at least k replicas count.
func (rc ReplicaCount) IsSufficientlyReplicated(minHealthyForMaintenance int) bool {
	return rc.AdditionalReplicaNeeded(minHealthyForMaintenance) <= 0
}

// IsOverReplicated reports whether more than k replicas count.
func (rc ReplicaCount) IsOverReplicated(minHealthyForMaintenance int) bool {
	return rc.AdditionalReplicaNeeded(minHealthyForMaintenance) < 0
}

// IsHealthy reports whether the container is exactly at k with no
// unhealthy-in-service or mismatched-state replicas dragging it down.
func (rc ReplicaCount) IsHealthy(minHealthyForMaintenance int) bool {
	return rc.AdditionalReplicaNeeded(minHealthyForMaintenance) == 0 &&
		rc.unhealthyInService == 0 &&
		rc.nonMatching == 0
}

// IsEmpty reports whether there is nothing left to keep: c is CLOSED, its used
// bytes and key count are zero, and every replica is CLOSED with zero
// bytes and zero keys.
func IsEmpty(c *scm.Container, r []*scm.ContainerReplica) bool {
	if c.State != scm.ContainerClosed || c.UsedBytes != 0 || c.KeyCount != 0 {
		return false
	}
	for _, replica := range r {
		if replica.State != scm.ReplicaClosed || replica.UsedBytes != 0 || replica.KeyCount != 0 {
			return false
		}
	}
	return true
}
