package move

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusscm/rm/pkg/scm"
)

type memMoveStore struct {
	moves map[scm.ContainerID]scm.MovePair
}

func newMemMoveStore() *memMoveStore {
	return &memMoveStore{moves: make(map[scm.ContainerID]scm.MovePair)}
}

func (s *memMoveStore) PutMove(id scm.ContainerID, pair scm.MovePair) error {
	s.moves[id] = pair
	return nil
}

func (s *memMoveStore) GetMove(id scm.ContainerID) (scm.MovePair, bool, error) {
	pair, ok := s.moves[id]
	return pair, ok, nil
}

func (s *memMoveStore) DeleteMove(id scm.ContainerID) error {
	delete(s.moves, id)
	return nil
}

func (s *memMoveStore) ListMoves() (map[scm.ContainerID]scm.MovePair, error) {
	out := make(map[scm.ContainerID]scm.MovePair, len(s.moves))
	for k, v := range s.moves {
		out[k] = v
	}
	return out, nil
}

func (s *memMoveStore) Close() error { return nil }

func applyCmd(t *testing.T, fsm *MoveFSM, op string, data interface{}) interface{} {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	cmd := Command{Op: op, Data: raw}
	encoded, err := json.Marshal(cmd)
	require.NoError(t, err)
	return fsm.Apply(&raft.Log{Data: encoded})
}

func TestMoveFSM_StartMoveIsIdempotent(t *testing.T) {
	store := newMemMoveStore()
	fsm := NewMoveFSM(store)

	res := applyCmd(t, fsm, opStartMove, startMoveData{ContainerID: "c1", Pair: scm.MovePair{Source: "dn-1", Target: "dn-2"}})
	assert.Nil(t, res)

	res = applyCmd(t, fsm, opStartMove, startMoveData{ContainerID: "c1", Pair: scm.MovePair{Source: "dn-9", Target: "dn-9"}})
	assert.Nil(t, res)

	pair, ok, err := store.GetMove("c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, scm.MovePair{Source: "dn-1", Target: "dn-2"}, pair)
}

func TestMoveFSM_CompleteMoveDeletes(t *testing.T) {
	store := newMemMoveStore()
	fsm := NewMoveFSM(store)

	applyCmd(t, fsm, opStartMove, startMoveData{ContainerID: "c1", Pair: scm.MovePair{Source: "dn-1", Target: "dn-2"}})
	res := applyCmd(t, fsm, opCompleteMove, completeMoveData{ContainerID: "c1"})
	assert.Nil(t, res)

	_, ok, err := store.GetMove("c1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMoveFSM_SnapshotRestoreRoundTrip(t *testing.T) {
	store := newMemMoveStore()
	fsm := NewMoveFSM(store)
	applyCmd(t, fsm, opStartMove, startMoveData{ContainerID: "c1", Pair: scm.MovePair{Source: "dn-1", Target: "dn-2"}})
	applyCmd(t, fsm, opStartMove, startMoveData{ContainerID: "c2", Pair: scm.MovePair{Source: "dn-3", Target: "dn-4"}})

	snap, err := fsm.Snapshot()
	require.NoError(t, err)

	var buf bytes.Buffer
	sink := &fakeSnapshotSink{Buffer: &buf}
	require.NoError(t, snap.Persist(sink))

	restoreStore := newMemMoveStore()
	restoreFSM := NewMoveFSM(restoreStore)
	require.NoError(t, restoreFSM.Restore(io.NopCloser(&buf)))

	moves, err := restoreStore.ListMoves()
	require.NoError(t, err)
	assert.Equal(t, map[scm.ContainerID]scm.MovePair{
		"c1": {Source: "dn-1", Target: "dn-2"},
		"c2": {Source: "dn-3", Target: "dn-4"},
	}, moves)
}

type fakeSnapshotSink struct {
	*bytes.Buffer
}

func (f *fakeSnapshotSink) ID() string   { return "test" }
func (f *fakeSnapshotSink) Cancel() error { return nil }
func (f *fakeSnapshotSink) Close() error  { return nil }
