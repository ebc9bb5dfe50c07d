package scm

import "context"

// ContainerManager is the external owner of container and replica
// metadata. RM reads snapshots from it and requests the handful of
// lifecycle transitions it is allowed to drive directly.
type ContainerManager interface {
	GetContainers(ctx context.Context) ([]*Container, error)
	GetContainer(ctx context.Context, id ContainerID) (*Container, error)
	GetContainerReplicas(ctx context.Context, id ContainerID) ([]*ContainerReplica, error)
	UpdateContainerState(ctx context.Context, id ContainerID, event ContainerLifecycleEvent) error
}

// ContainerLifecycleEvent is a transition RM may request of the container
// manager. These are the only two a reconciler is allowed to request.
type ContainerLifecycleEvent string

const (
	ContainerEventDelete  ContainerLifecycleEvent = "DELETE"
	ContainerEventCleanup ContainerLifecycleEvent = "CLEANUP"
)

// NodeManager is the external source of datanode operational/health state.
type NodeManager interface {
	GetNodeStatus(dn DatanodeID) (DatanodeStatus, error)
}

// ErrNodeNotFound is returned by NodeManager when the datanode is unknown.
// RM treats this as "silently drop the action".
var ErrNodeNotFound = errNodeNotFound{}

type errNodeNotFound struct{}

func (errNodeNotFound) Error() string { return "scm: node not found" }

// ErrContainerNotFound is returned by ContainerManager when the container
// is unknown. RM warns and swallows it.
var ErrContainerNotFound = errContainerNotFound{}

type errContainerNotFound struct{}

func (errContainerNotFound) Error() string { return "scm: container not found" }

// PlacementPolicy is the external rack/zone/capacity placement predicate.
type PlacementPolicy interface {
	Validate(replicas []DatanodeID, requiredReplicationFactor int) (PlacementStatus, error)
	Choose(exclude []DatanodeID, required int, sizeHint int64) ([]DatanodeID, error)
}

// EventBus is the external delivery fabric RM fires commands into.
// Fire does not wait for delivery and nothing is acknowledged: ack
// detection is RM's own job, done by observing replica state on the next cycle.
type EventBus interface {
	Fire(topic string, payload any)
}

// Event bus topics RM publishes to.
const (
	TopicCloseContainer  = "CLOSE_CONTAINER"
	TopicDatanodeCommand = "DATANODE_COMMAND"
)

// ContainerTokenGenerator mints an opaque token stamped onto outbound
// datanode commands, analogous to a capability token proving the command
// came from a leader that held the container token authority at send time.
type ContainerTokenGenerator interface {
	NextToken() string
}

// SCMContext exposes the SCM's leadership and safe-mode state.
type SCMContext interface {
	IsLeader() bool
	IsLeaderReady() bool
	IsInSafeMode() bool
	// GetTermOfLeader returns the current leader term. It is only valid to
	// call when IsLeader() is true; implementations should error otherwise.
	GetTermOfLeader() (int64, error)
	GetContainerTokenGenerator() ContainerTokenGenerator
}
