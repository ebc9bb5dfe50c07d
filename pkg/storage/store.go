package storage

import "github.com/nimbusscm/rm/pkg/scm"

// MoveStore persists the move scheduler's container-to-move-pair table so
// it survives process restart and is replicated to followers via the
// move scheduler's Raft FSM snapshot/restore cycle.
type MoveStore interface {
	PutMove(id scm.ContainerID, pair scm.MovePair) error
	GetMove(id scm.ContainerID) (scm.MovePair, bool, error)
	DeleteMove(id scm.ContainerID) error
	ListMoves() (map[scm.ContainerID]scm.MovePair, error)

	// Close releases the underlying database handle.
	Close() error
}
