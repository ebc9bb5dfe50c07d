package replication

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusscm/rm/pkg/config"
	"github.com/nimbusscm/rm/pkg/move"
	"github.com/nimbusscm/rm/pkg/scm"
	"github.com/nimbusscm/rm/pkg/scm/scmtest"
)

func newTestManager(t *testing.T, grace time.Duration) (*Manager, *scmtest.ContainerManager, *scmtest.NodeManager, *scmtest.SCMContext) {
	t.Helper()
	containers := scmtest.NewContainerManager()
	nodes := scmtest.NewNodeManager()
	placement := scmtest.NewPlacementPolicy(nil)
	bus := scmtest.NewEventBus()
	sctx := scmtest.NewSCMContext()
	scheduler := move.NewSingleNodeScheduler()

	cfg := config.Default()
	cfg.SafeModeExitGracePeriod = grace
	cfg.EventTimeout = time.Hour

	mgr := New(cfg, containers, nodes, placement, bus, sctx, scheduler)
	return mgr, containers, nodes, sctx
}

func TestManager_StartStopIsRunning(t *testing.T) {
	mgr, _, _, _ := newTestManager(t, 0)
	assert.False(t, mgr.IsRunning())

	mgr.Start()
	assert.True(t, mgr.IsRunning())

	mgr.Start() // no-op when already running
	assert.True(t, mgr.IsRunning())

	mgr.Stop()
	assert.False(t, mgr.IsRunning())
}

func TestManager_ShouldRun_GatesOnLeaderReadyAndGracePeriod(t *testing.T) {
	mgr, _, _, sctx := newTestManager(t, 10*time.Millisecond)
	mgr.Start()
	defer mgr.Stop()

	assert.False(t, mgr.ShouldRun(), "not ready until NotifyStatusChanged starts the grace clock")

	mgr.NotifyStatusChanged()
	assert.False(t, mgr.ShouldRun(), "grace period hasn't elapsed yet")

	time.Sleep(15 * time.Millisecond)
	assert.True(t, mgr.ShouldRun())

	sctx.SetSafeMode(true)
	assert.False(t, mgr.ShouldRun())
}

func TestManager_ShouldRun_FalseWhenNotRunning(t *testing.T) {
	mgr, _, _, _ := newTestManager(t, 0)
	mgr.NotifyStatusChanged()
	assert.False(t, mgr.ShouldRun())
}

func TestManager_NotifyStatusChanged_TriggersRecoveryOnlyOnTransition(t *testing.T) {
	mgr, _, _, _ := newTestManager(t, 0)
	mgr.Start()
	defer mgr.Stop()

	mgr.NotifyStatusChanged()
	assert.True(t, mgr.ShouldRun())

	// Second call with no actual state change should not re-arm the grace clock.
	readyAt := mgr.becameReadyAt
	mgr.NotifyStatusChanged()
	assert.Equal(t, readyAt, mgr.becameReadyAt)
}

func TestManager_ProcessAll_Delegates(t *testing.T) {
	mgr, containers, nodes, _ := newTestManager(t, 0)
	mgr.Start()
	defer mgr.Stop()
	mgr.NotifyStatusChanged()

	containers.PutContainer(&scm.Container{ID: "c1", State: scm.ContainerClosed, ReplicationFactor: 1})
	containers.PutReplicas("c1", []*scm.ContainerReplica{{ContainerID: "c1", DatanodeID: "dn-1", State: scm.ReplicaClosed}})
	nodes.SetStatus("dn-1", scm.DatanodeStatus{Health: scm.HealthHealthy, Operational: scm.OpInService})

	require.NoError(t, mgr.ProcessAll(context.Background()))

	updated, err := containers.GetContainer(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, scm.ContainerDeleted, updated.State)
}

func TestManager_GetContainerReplicaCount(t *testing.T) {
	mgr, containers, nodes, _ := newTestManager(t, 0)
	containers.PutContainer(&scm.Container{ID: "c1", State: scm.ContainerClosed, ReplicationFactor: 3})
	containers.PutReplicas("c1", []*scm.ContainerReplica{{ContainerID: "c1", DatanodeID: "dn-1", State: scm.ReplicaClosed}})
	nodes.SetStatus("dn-1", scm.DatanodeStatus{Health: scm.HealthHealthy, Operational: scm.OpInService})

	rc, err := mgr.GetContainerReplicaCount(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, rc.AdditionalReplicaNeeded(mgr.cfg.MaintenanceReplicaMinimum))
}

func TestManager_IsContainerReplicatingOrDeleting(t *testing.T) {
	mgr, _, _, _ := newTestManager(t, 0)
	assert.False(t, mgr.IsContainerReplicatingOrDeleting("c1"))

	mgr.tracker.AddReplicateAction("c1", "dn-1", time.Now())
	assert.True(t, mgr.IsContainerReplicatingOrDeleting("c1"))
}

func TestManager_IntrospectionGetters(t *testing.T) {
	mgr, _, _, _ := newTestManager(t, 0)
	mgr.tracker.AddReplicateAction("c1", "dn-1", time.Now())
	mgr.tracker.AddDeleteAction("c1", "dn-2", time.Now())

	assert.Len(t, mgr.GetInflightReplication()["c1"], 1)
	assert.Len(t, mgr.GetInflightDeletion()["c1"], 1)
	assert.Empty(t, mgr.GetInflightMove())

	snap := mgr.GetMetrics()
	assert.Equal(t, 1, snap.InflightReplication)
	assert.Equal(t, 1, snap.InflightDeletion)
	assert.Equal(t, 0, snap.InflightMoves)
}

func TestManager_Move_Delegates(t *testing.T) {
	mgr, containers, nodes, _ := newTestManager(t, 0)
	mgr.Start()
	defer mgr.Stop()
	mgr.NotifyStatusChanged()

	containers.PutContainer(&scm.Container{ID: "c1", State: scm.ContainerClosed, ReplicationFactor: 1})
	containers.PutReplicas("c1", []*scm.ContainerReplica{{ContainerID: "c1", DatanodeID: "dn-1", State: scm.ReplicaClosed}})
	nodes.SetStatus("dn-1", scm.DatanodeStatus{Health: scm.HealthHealthy, Operational: scm.OpInService})
	nodes.SetStatus("dn-2", scm.DatanodeStatus{Health: scm.HealthHealthy, Operational: scm.OpInService})

	fut := mgr.Move(context.Background(), "c1", "dn-1", "dn-2")
	require.NotNil(t, fut)
}
