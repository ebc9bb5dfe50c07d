package scm

// CloseCommand asks a datanode to close its replica of a container.
type CloseCommand struct {
	ContainerID ContainerID
	PipelineID  string
	Force       bool
}

// ReplicateCommand asks a datanode to pull a container replica from one of
// the listed candidate sources.
type ReplicateCommand struct {
	ContainerID ContainerID
	Sources     []DatanodeID
}

// DeleteCommand asks a datanode to remove its replica of a container.
type DeleteCommand struct {
	ContainerID ContainerID
	Force       bool
}

// DatanodeCommandEnvelope wraps an outbound command with the leader term
// observed at send time and the container token, so a datanode receiving a
// stale leader's command can recognize and discard it. Command is one of
// CloseCommand, ReplicateCommand, or DeleteCommand.
type DatanodeCommandEnvelope struct {
	Datanode    DatanodeID
	LeaderTerm  int64
	Token       string
	Command     any
}
