package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/nimbusscm/rm/pkg/scm"
	bolt "go.etcd.io/bbolt"
)

var bucketMoves = []byte("moves")

// BoltMoveStore implements MoveStore using BoltDB.
type BoltMoveStore struct {
	db *bolt.DB
}

// NewBoltMoveStore creates a new BoltDB-backed move store rooted at
// dataDir/moves.db.
func NewBoltMoveStore(dataDir string) (*BoltMoveStore, error) {
	dbPath := filepath.Join(dataDir, "moves.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open move database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMoves)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltMoveStore{db: db}, nil
}

// Close closes the database.
func (s *BoltMoveStore) Close() error {
	return s.db.Close()
}

func (s *BoltMoveStore) PutMove(id scm.ContainerID, pair scm.MovePair) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMoves)
		data, err := json.Marshal(pair)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

func (s *BoltMoveStore) GetMove(id scm.ContainerID) (scm.MovePair, bool, error) {
	var pair scm.MovePair
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMoves)
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &pair)
	})
	return pair, found, err
}

func (s *BoltMoveStore) DeleteMove(id scm.ContainerID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMoves)
		return b.Delete([]byte(id))
	})
}

func (s *BoltMoveStore) ListMoves() (map[scm.ContainerID]scm.MovePair, error) {
	out := make(map[scm.ContainerID]scm.MovePair)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMoves)
		return b.ForEach(func(k, v []byte) error {
			var pair scm.MovePair
			if err := json.Unmarshal(v, &pair); err != nil {
				return err
			}
			out[scm.ContainerID(k)] = pair
			return nil
		})
	})
	return out, err
}
