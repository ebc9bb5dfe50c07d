package replication

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusscm/rm/pkg/scm"
	"github.com/nimbusscm/rm/pkg/scm/scmtest"
)

func TestContainerTokenGenerator_MintsDistinctTokens(t *testing.T) {
	gen := NewContainerTokenGenerator()

	a := gen.NextToken()
	b := gen.NextToken()
	assert.NotEmpty(t, a)
	assert.NotEmpty(t, b)
	assert.NotEqual(t, a, b)
}

func TestDispatcher_StampsGeneratedToken(t *testing.T) {
	nodes := scmtest.NewNodeManager()
	bus := scmtest.NewEventBus()
	sctx := scmtest.NewSCMContext()
	sctx.SetContainerTokenGenerator(NewContainerTokenGenerator())
	tracker := NewTracker(nodes, time.Hour)
	d := NewDispatcher(bus, sctx, tracker)

	require.NoError(t, d.DispatchReplicate(context.Background(), "c1", "dn-2", []scm.DatanodeID{"dn-1"}))

	fired := bus.Snapshot()
	require.Len(t, fired, 1)
	envelope, ok := fired[0].Payload.(scm.DatanodeCommandEnvelope)
	require.True(t, ok)
	assert.NotEmpty(t, envelope.Token)
}
