package replication

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusscm/rm/pkg/keyedmutex"
	"github.com/nimbusscm/rm/pkg/scm"
	"github.com/nimbusscm/rm/pkg/scm/scmtest"
)

func newTestProcessor(t *testing.T, placementNodes []scm.DatanodeID) (*Processor, *scmtest.ContainerManager, *scmtest.NodeManager, *scmtest.EventBus, *Tracker) {
	t.Helper()
	containers := scmtest.NewContainerManager()
	nodes := scmtest.NewNodeManager()
	placement := scmtest.NewPlacementPolicy(placementNodes)
	bus := scmtest.NewEventBus()
	sctx := scmtest.NewSCMContext()
	tracker := NewTracker(nodes, time.Hour)
	eval := NewEvaluator(placement)
	dispatch := NewDispatcher(bus, sctx, tracker)
	processor := NewProcessor(containers, nodes, eval, tracker, dispatch, keyedmutex.New(), 2)
	return processor, containers, nodes, bus, tracker
}

func envelopeCommand(t *testing.T, fired scmtest.FiredEvent) (scm.DatanodeID, any) {
	t.Helper()
	envelope, ok := fired.Payload.(scm.DatanodeCommandEnvelope)
	require.True(t, ok)
	return envelope.Datanode, envelope.Command
}

func TestProcessor_HandleOpen_RequestsCloseWhenReplicaDrifted(t *testing.T) {
	p, _, _, bus, _ := newTestProcessor(t, nil)
	c := &scm.Container{ID: "c1", State: scm.ContainerOpen}
	r := []*scm.ContainerReplica{
		{ContainerID: "c1", DatanodeID: "dn-1", State: scm.ReplicaOpen},
		{ContainerID: "c1", DatanodeID: "dn-2", State: scm.ReplicaClosing},
	}

	require.NoError(t, p.handleOpen(context.Background(), c, r))

	fired := bus.Snapshot()
	require.Len(t, fired, 1)
	assert.Equal(t, scm.TopicCloseContainer, fired[0].Topic)
	assert.Equal(t, scm.ContainerID("c1"), fired[0].Payload.(scm.ContainerID))
}

func TestProcessor_HandleOpen_NoOpWhenAllOpen(t *testing.T) {
	p, _, _, bus, _ := newTestProcessor(t, nil)
	c := &scm.Container{ID: "c1", State: scm.ContainerOpen}
	r := []*scm.ContainerReplica{{ContainerID: "c1", DatanodeID: "dn-1", State: scm.ReplicaOpen}}

	require.NoError(t, p.handleOpen(context.Background(), c, r))
	assert.Empty(t, bus.Snapshot())
}

func TestProcessor_HandleClosing_DispatchesCloseToEveryReplica(t *testing.T) {
	p, _, _, bus, _ := newTestProcessor(t, nil)
	c := &scm.Container{ID: "c1", State: scm.ContainerClosing, PipelineID: "p1"}
	r := []*scm.ContainerReplica{
		{ContainerID: "c1", DatanodeID: "dn-1", State: scm.ReplicaOpen},
		{ContainerID: "c1", DatanodeID: "dn-2", State: scm.ReplicaOpen},
	}

	require.NoError(t, p.handleClosing(context.Background(), c, r))

	fired := bus.Snapshot()
	require.Len(t, fired, 2)
	for _, f := range fired {
		_, cmdAny := envelopeCommand(t, f)
		cmd, ok := cmdAny.(scm.CloseCommand)
		require.True(t, ok)
		assert.False(t, cmd.Force)
	}
}

func TestProcessor_HandleDeleting_EmptyTransitionsToDeleted(t *testing.T) {
	p, containers, _, bus, _ := newTestProcessor(t, nil)
	containers.PutContainer(&scm.Container{ID: "c1", State: scm.ContainerDeleting})
	c, err := containers.GetContainer(context.Background(), "c1")
	require.NoError(t, err)

	require.NoError(t, p.handleDeleting(context.Background(), c, nil))

	updated, err := containers.GetContainer(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, scm.ContainerDeleted, updated.State)
	assert.Empty(t, bus.Snapshot())
}

func TestProcessor_HandleDeleting_NonEmptySkipsInflightDeleteTargets(t *testing.T) {
	p, containers, _, bus, tracker := newTestProcessor(t, nil)
	containers.PutContainer(&scm.Container{ID: "c1", State: scm.ContainerDeleting})
	c, err := containers.GetContainer(context.Background(), "c1")
	require.NoError(t, err)
	r := []*scm.ContainerReplica{
		{ContainerID: "c1", DatanodeID: "dn-1"},
		{ContainerID: "c1", DatanodeID: "dn-2"},
	}
	tracker.AddDeleteAction("c1", "dn-1", time.Now())

	require.NoError(t, p.handleDeleting(context.Background(), c, r))

	fired := bus.Snapshot()
	require.Len(t, fired, 1)
	dn, _ := envelopeCommand(t, fired[0])
	assert.Equal(t, scm.DatanodeID("dn-2"), dn)
}

func TestProcessor_HandleQuasiClosedForceClose_MajorityTriggers(t *testing.T) {
	p, _, _, bus, _ := newTestProcessor(t, nil)
	c := &scm.Container{ID: "c1", ReplicationFactor: 3, State: scm.ContainerQuasiClosed}
	r := []*scm.ContainerReplica{
		{ContainerID: "c1", DatanodeID: "dn-1", OriginDatanodeID: "dn-1", State: scm.ReplicaQuasiClosed, SequenceID: 5},
		{ContainerID: "c1", DatanodeID: "dn-2", OriginDatanodeID: "dn-2", State: scm.ReplicaQuasiClosed, SequenceID: 5},
		{ContainerID: "c1", DatanodeID: "dn-3", OriginDatanodeID: "dn-3", State: scm.ReplicaQuasiClosed, SequenceID: 5},
	}

	p.handleQuasiClosedForceClose(context.Background(), c, r)

	fired := bus.Snapshot()
	require.Len(t, fired, 3)
	for _, f := range fired {
		_, cmdAny := envelopeCommand(t, f)
		cmd, ok := cmdAny.(scm.CloseCommand)
		require.True(t, ok)
		assert.True(t, cmd.Force)
	}
}

func TestProcessor_HandleQuasiClosedForceClose_OnlyMaxSequenceReplicas(t *testing.T) {
	p, _, _, bus, _ := newTestProcessor(t, nil)
	c := &scm.Container{ID: "c1", ReplicationFactor: 3, State: scm.ContainerQuasiClosed}
	r := []*scm.ContainerReplica{
		{ContainerID: "c1", DatanodeID: "dn-1", OriginDatanodeID: "o-1", State: scm.ReplicaQuasiClosed, SequenceID: 5},
		{ContainerID: "c1", DatanodeID: "dn-2", OriginDatanodeID: "o-2", State: scm.ReplicaQuasiClosed, SequenceID: 7},
		{ContainerID: "c1", DatanodeID: "dn-3", OriginDatanodeID: "o-3", State: scm.ReplicaQuasiClosed, SequenceID: 7},
	}

	assert.True(t, p.handleQuasiClosedForceClose(context.Background(), c, r))

	fired := bus.Snapshot()
	require.Len(t, fired, 2)
	targets := map[scm.DatanodeID]bool{}
	for _, f := range fired {
		dn, cmdAny := envelopeCommand(t, f)
		cmd, ok := cmdAny.(scm.CloseCommand)
		require.True(t, ok)
		assert.True(t, cmd.Force)
		targets[dn] = true
	}
	assert.True(t, targets["dn-2"])
	assert.True(t, targets["dn-3"])
}

func TestProcessor_Process_QuasiClosedForceCloseEndsCycle(t *testing.T) {
	p, containers, nodes, bus, _ := newTestProcessor(t, []scm.DatanodeID{"dn-4"})
	containers.PutContainer(&scm.Container{ID: "c1", ReplicationFactor: 3, State: scm.ContainerQuasiClosed})
	containers.PutReplicas("c1", []*scm.ContainerReplica{
		{ContainerID: "c1", DatanodeID: "dn-1", OriginDatanodeID: "o-1", State: scm.ReplicaQuasiClosed, SequenceID: 5},
		{ContainerID: "c1", DatanodeID: "dn-2", OriginDatanodeID: "o-2", State: scm.ReplicaQuasiClosed, SequenceID: 5},
	})
	for _, dn := range []scm.DatanodeID{"dn-1", "dn-2"} {
		nodes.SetStatus(dn, scm.DatanodeStatus{Health: scm.HealthHealthy, Operational: scm.OpInService})
	}

	require.NoError(t, p.Process(context.Background(), "c1"))

	// Two force-closes and nothing else: the under-replication repair
	// waits for the next cycle.
	fired := bus.Snapshot()
	require.Len(t, fired, 2)
	for _, f := range fired {
		_, cmdAny := envelopeCommand(t, f)
		_, ok := cmdAny.(scm.CloseCommand)
		assert.True(t, ok)
	}
}

func TestProcessor_HandleQuasiClosedForceClose_MinorityNoOp(t *testing.T) {
	p, _, _, bus, _ := newTestProcessor(t, nil)
	c := &scm.Container{ID: "c1", ReplicationFactor: 5, State: scm.ContainerQuasiClosed}
	r := []*scm.ContainerReplica{
		{ContainerID: "c1", DatanodeID: "dn-1", OriginDatanodeID: "dn-1", State: scm.ReplicaQuasiClosed, SequenceID: 5},
		{ContainerID: "c1", DatanodeID: "dn-2", OriginDatanodeID: "dn-2", State: scm.ReplicaQuasiClosed, SequenceID: 5},
	}

	p.handleQuasiClosedForceClose(context.Background(), c, r)
	assert.Empty(t, bus.Snapshot())
}

func TestProcessor_ClassifyAndAct_EmptyDeletesAndTransitions(t *testing.T) {
	p, containers, nodes, bus, _ := newTestProcessor(t, nil)
	c := &scm.Container{ID: "c1", State: scm.ContainerClosed, ReplicationFactor: 1}
	containers.PutContainer(c)
	r := []*scm.ContainerReplica{{ContainerID: "c1", DatanodeID: "dn-1", State: scm.ReplicaClosed}}
	nodes.SetStatus("dn-1", scm.DatanodeStatus{Health: scm.HealthHealthy, Operational: scm.OpInService})

	require.NoError(t, p.classifyAndAct(context.Background(), c, r))

	fired := bus.Snapshot()
	require.Len(t, fired, 1)
	_, cmdAny := envelopeCommand(t, fired[0])
	_, ok := cmdAny.(scm.DeleteCommand)
	assert.True(t, ok)

	updated, err := containers.GetContainer(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, scm.ContainerDeleted, updated.State)
}

func TestProcessor_ClassifyAndAct_UnderReplicatedDispatchesReplicate(t *testing.T) {
	p, containers, nodes, bus, _ := newTestProcessor(t, []scm.DatanodeID{"dn-2", "dn-3"})
	c := &scm.Container{ID: "c1", State: scm.ContainerClosed, ReplicationFactor: 3, UsedBytes: 100}
	containers.PutContainer(c)
	r := []*scm.ContainerReplica{{ContainerID: "c1", DatanodeID: "dn-1", State: scm.ReplicaClosed}}
	nodes.SetStatus("dn-1", scm.DatanodeStatus{Health: scm.HealthHealthy, Operational: scm.OpInService})

	require.NoError(t, p.classifyAndAct(context.Background(), c, r))

	fired := bus.Snapshot()
	require.Len(t, fired, 2)
	targets := map[scm.DatanodeID]bool{}
	for _, f := range fired {
		dn, cmdAny := envelopeCommand(t, f)
		cmd, ok := cmdAny.(scm.ReplicateCommand)
		require.True(t, ok)
		assert.Equal(t, []scm.DatanodeID{"dn-1"}, cmd.Sources)
		targets[dn] = true
	}
	assert.True(t, targets["dn-2"])
	assert.True(t, targets["dn-3"])
}

func TestProcessor_UnderReplicated_SourcesSortedBySequenceDescending(t *testing.T) {
	p, containers, nodes, bus, _ := newTestProcessor(t, []scm.DatanodeID{"dn-4"})
	c := &scm.Container{ID: "c1", State: scm.ContainerClosed, ReplicationFactor: 3, UsedBytes: 100}
	containers.PutContainer(c)
	r := []*scm.ContainerReplica{
		{ContainerID: "c1", DatanodeID: "dn-1", State: scm.ReplicaClosed, SequenceID: 3},
		{ContainerID: "c1", DatanodeID: "dn-2", State: scm.ReplicaClosed, SequenceID: 9},
	}
	nodes.SetStatus("dn-1", scm.DatanodeStatus{Health: scm.HealthHealthy, Operational: scm.OpInService})
	nodes.SetStatus("dn-2", scm.DatanodeStatus{Health: scm.HealthHealthy, Operational: scm.OpInService})

	require.NoError(t, p.classifyAndAct(context.Background(), c, r))

	fired := bus.Snapshot()
	require.Len(t, fired, 1)
	dn, cmdAny := envelopeCommand(t, fired[0])
	assert.Equal(t, scm.DatanodeID("dn-4"), dn)
	cmd, ok := cmdAny.(scm.ReplicateCommand)
	require.True(t, ok)
	assert.Equal(t, []scm.DatanodeID{"dn-2", "dn-1"}, cmd.Sources)
}

func TestProcessor_ClassifyAndAct_OverReplicatedDispatchesDelete(t *testing.T) {
	p, containers, nodes, bus, _ := newTestProcessor(t, nil)
	c := &scm.Container{ID: "c1", State: scm.ContainerClosed, ReplicationFactor: 1, UsedBytes: 100}
	containers.PutContainer(c)
	r := []*scm.ContainerReplica{
		{ContainerID: "c1", DatanodeID: "dn-1", State: scm.ReplicaClosed},
		{ContainerID: "c1", DatanodeID: "dn-2", State: scm.ReplicaClosed},
		{ContainerID: "c1", DatanodeID: "dn-3", State: scm.ReplicaClosed},
	}
	for _, dn := range []scm.DatanodeID{"dn-1", "dn-2", "dn-3"} {
		nodes.SetStatus(dn, scm.DatanodeStatus{Health: scm.HealthHealthy, Operational: scm.OpInService})
	}

	require.NoError(t, p.classifyAndAct(context.Background(), c, r))

	fired := bus.Snapshot()
	require.Len(t, fired, 2)
	deleted := []scm.DatanodeID{}
	for _, f := range fired {
		dn, cmdAny := envelopeCommand(t, f)
		cmd, ok := cmdAny.(scm.DeleteCommand)
		require.True(t, ok)
		assert.True(t, cmd.Force)
		deleted = append(deleted, dn)
	}
	assert.Equal(t, []scm.DatanodeID{"dn-1", "dn-2"}, deleted)
}

func TestProcessor_Process_SecondCycleSuppressedByInflight(t *testing.T) {
	p, containers, nodes, bus, _ := newTestProcessor(t, []scm.DatanodeID{"dn-2", "dn-3"})
	containers.PutContainer(&scm.Container{ID: "c1", State: scm.ContainerClosed, ReplicationFactor: 3, UsedBytes: 100})
	containers.PutReplicas("c1", []*scm.ContainerReplica{{ContainerID: "c1", DatanodeID: "dn-1", State: scm.ReplicaClosed}})
	nodes.SetStatus("dn-1", scm.DatanodeStatus{Health: scm.HealthHealthy, Operational: scm.OpInService})
	nodes.SetStatus("dn-2", scm.DatanodeStatus{Health: scm.HealthHealthy, Operational: scm.OpInService})
	nodes.SetStatus("dn-3", scm.DatanodeStatus{Health: scm.HealthHealthy, Operational: scm.OpInService})

	require.NoError(t, p.Process(context.Background(), "c1"))
	require.Len(t, bus.Snapshot(), 2)

	// No replica state change: the pending inflight additions cover the
	// deficit and the second cycle is a no-op.
	bus.Reset()
	require.NoError(t, p.Process(context.Background(), "c1"))
	assert.Empty(t, bus.Snapshot())
}

func TestProcessor_OverReplicated_NeverTrimsBelowOneForNonClosed(t *testing.T) {
	p, containers, nodes, bus, _ := newTestProcessor(t, nil)
	c := &scm.Container{ID: "c1", State: scm.ContainerQuasiClosed, ReplicationFactor: 1}
	containers.PutContainer(c)
	// Two replicas of the same origin lineage: one is protected, the
	// other may be trimmed, so the count never drops below one.
	r := []*scm.ContainerReplica{
		{ContainerID: "c1", DatanodeID: "dn-1", OriginDatanodeID: "o-1", State: scm.ReplicaQuasiClosed},
		{ContainerID: "c1", DatanodeID: "dn-2", OriginDatanodeID: "o-1", State: scm.ReplicaQuasiClosed},
	}
	nodes.SetStatus("dn-1", scm.DatanodeStatus{Health: scm.HealthHealthy, Operational: scm.OpInService})
	nodes.SetStatus("dn-2", scm.DatanodeStatus{Health: scm.HealthHealthy, Operational: scm.OpInService})

	rc := AnalyzeReplicaCount(c, r, nodes, 2, 0, 0)
	require.NoError(t, p.handleOverReplicated(context.Background(), c, r, rc))

	fired := bus.Snapshot()
	require.Len(t, fired, 1)
	dn, cmdAny := envelopeCommand(t, fired[0])
	_, ok := cmdAny.(scm.DeleteCommand)
	require.True(t, ok)
	assert.Equal(t, scm.DatanodeID("dn-2"), dn)
}

func TestProcessor_OverReplicated_DistinctOriginsAllProtectedForNonClosed(t *testing.T) {
	p, containers, nodes, bus, _ := newTestProcessor(t, nil)
	c := &scm.Container{ID: "c1", State: scm.ContainerQuasiClosed, ReplicationFactor: 1}
	containers.PutContainer(c)
	r := []*scm.ContainerReplica{
		{ContainerID: "c1", DatanodeID: "dn-1", OriginDatanodeID: "o-1", State: scm.ReplicaQuasiClosed},
		{ContainerID: "c1", DatanodeID: "dn-2", OriginDatanodeID: "o-2", State: scm.ReplicaQuasiClosed},
	}
	nodes.SetStatus("dn-1", scm.DatanodeStatus{Health: scm.HealthHealthy, Operational: scm.OpInService})
	nodes.SetStatus("dn-2", scm.DatanodeStatus{Health: scm.HealthHealthy, Operational: scm.OpInService})

	rc := AnalyzeReplicaCount(c, r, nodes, 2, 0, 0)
	require.NoError(t, p.handleOverReplicated(context.Background(), c, r, rc))
	assert.Empty(t, bus.Snapshot())
}

func TestProcessor_HandleUnstable_ClosesThenDeletesOneRemaining(t *testing.T) {
	p, _, _, bus, _ := newTestProcessor(t, nil)
	c := &scm.Container{ID: "c1", State: scm.ContainerClosed, SequenceID: 5}
	r := []*scm.ContainerReplica{
		{ContainerID: "c1", DatanodeID: "dn-1", State: scm.ReplicaOpen},
		{ContainerID: "c1", DatanodeID: "dn-2", State: scm.ReplicaQuasiClosed, SequenceID: 5},
		{ContainerID: "c1", DatanodeID: "dn-3", State: scm.ReplicaUnhealthy},
	}

	require.NoError(t, p.handleUnstable(context.Background(), c, r))

	fired := bus.Snapshot()
	require.Len(t, fired, 3)

	dn1, cmd1 := envelopeCommand(t, fired[0])
	assert.Equal(t, scm.DatanodeID("dn-1"), dn1)
	close1, ok := cmd1.(scm.CloseCommand)
	require.True(t, ok)
	assert.False(t, close1.Force)

	dn2, cmd2 := envelopeCommand(t, fired[1])
	assert.Equal(t, scm.DatanodeID("dn-2"), dn2)
	close2, ok := cmd2.(scm.CloseCommand)
	require.True(t, ok)
	assert.True(t, close2.Force)

	dn3, cmd3 := envelopeCommand(t, fired[2])
	assert.Equal(t, scm.DatanodeID("dn-3"), dn3)
	del3, ok := cmd3.(scm.DeleteCommand)
	require.True(t, ok)
	assert.False(t, del3.Force)
}

func TestProcessor_Process_ContainerNotFoundIsSwallowed(t *testing.T) {
	p, _, _, _, _ := newTestProcessor(t, nil)
	assert.NoError(t, p.Process(context.Background(), "missing"))
}

func TestProcessor_IsOverReplicated(t *testing.T) {
	p, containers, nodes, _, _ := newTestProcessor(t, nil)
	c := &scm.Container{ID: "c1", State: scm.ContainerClosed, ReplicationFactor: 1}
	containers.PutContainer(c)
	r := []*scm.ContainerReplica{
		{ContainerID: "c1", DatanodeID: "dn-1", State: scm.ReplicaClosed},
		{ContainerID: "c1", DatanodeID: "dn-2", State: scm.ReplicaClosed},
	}
	containers.PutReplicas("c1", r)
	for _, dn := range []scm.DatanodeID{"dn-1", "dn-2"} {
		nodes.SetStatus(dn, scm.DatanodeStatus{Health: scm.HealthHealthy, Operational: scm.OpInService})
	}

	over, err := p.IsOverReplicated(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, over)
}
