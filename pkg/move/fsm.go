package move

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/nimbusscm/rm/pkg/scm"
	"github.com/nimbusscm/rm/pkg/storage"
)

// Command is a move-scheduler Raft log entry, applied by MoveFSM.Apply.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opStartMove    = "start_move"
	opCompleteMove = "complete_move"
	opReinitialize = "reinitialize"
)

type startMoveData struct {
	ContainerID scm.ContainerID `json:"container_id"`
	Pair        scm.MovePair    `json:"pair"`
}

type completeMoveData struct {
	ContainerID scm.ContainerID `json:"container_id"`
}

type reinitializeData struct {
	Moves map[scm.ContainerID]scm.MovePair `json:"moves"`
}

// MoveFSM implements raft.FSM over a storage.MoveStore: start_move and
// complete_move mutate the persisted MoveTable; reinitialize replaces it
// wholesale. This is the only place the table is written.
type MoveFSM struct {
	mu    sync.RWMutex
	store storage.MoveStore
}

// NewMoveFSM creates a new FSM instance backed by store.
func NewMoveFSM(store storage.MoveStore) *MoveFSM {
	return &MoveFSM{store: store}
}

// Apply applies a committed Raft log entry to the FSM.
func (f *MoveFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opStartMove:
		var d startMoveData
		if err := json.Unmarshal(cmd.Data, &d); err != nil {
			return err
		}
		if _, found, err := f.store.GetMove(d.ContainerID); err != nil {
			return err
		} else if found {
			return nil
		}
		return f.store.PutMove(d.ContainerID, d.Pair)

	case opCompleteMove:
		var d completeMoveData
		if err := json.Unmarshal(cmd.Data, &d); err != nil {
			return err
		}
		return f.store.DeleteMove(d.ContainerID)

	case opReinitialize:
		var d reinitializeData
		if err := json.Unmarshal(cmd.Data, &d); err != nil {
			return err
		}
		existing, err := f.store.ListMoves()
		if err != nil {
			return err
		}
		for id := range existing {
			if _, keep := d.Moves[id]; !keep {
				if err := f.store.DeleteMove(id); err != nil {
					return err
				}
			}
		}
		for id, pair := range d.Moves {
			if err := f.store.PutMove(id, pair); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot creates a point-in-time snapshot of the move table.
func (f *MoveFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	moves, err := f.store.ListMoves()
	if err != nil {
		return nil, fmt.Errorf("failed to list moves: %w", err)
	}

	return &MoveSnapshot{Moves: moves}, nil
}

// Restore replaces the FSM's state from a previously persisted snapshot.
func (f *MoveFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot MoveSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	existing, err := f.store.ListMoves()
	if err != nil {
		return err
	}
	for id := range existing {
		if err := f.store.DeleteMove(id); err != nil {
			return err
		}
	}
	for id, pair := range snapshot.Moves {
		if err := f.store.PutMove(id, pair); err != nil {
			return fmt.Errorf("failed to restore move %s: %w", id, err)
		}
	}

	return nil
}

// MoveSnapshot is the persisted form of the MoveTable used by Raft's
// snapshot/restore cycle.
type MoveSnapshot struct {
	Moves map[scm.ContainerID]scm.MovePair
}

// Persist writes the snapshot to sink.
func (s *MoveSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release releases snapshot resources. The snapshot is a value copy, so
// there is nothing to release.
func (s *MoveSnapshot) Release() {}
