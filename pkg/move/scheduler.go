package move

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/nimbusscm/rm/pkg/log"
	"github.com/nimbusscm/rm/pkg/metrics"
	"github.com/nimbusscm/rm/pkg/scm"
	"github.com/nimbusscm/rm/pkg/storage"
)

// Scheduler is an HA-replicated record of active
// source→target moves. startMove and completeMove are replicated
// through consensus before the in-memory view is considered
// authoritative on a new leader.
type Scheduler interface {
	StartMove(id scm.ContainerID, pair scm.MovePair) error
	CompleteMove(id scm.ContainerID) error
	GetMove(id scm.ContainerID) (scm.MovePair, bool)
	GetInflightMoves() map[scm.ContainerID]scm.MovePair
	// Reinitialize reloads the in-memory map from the persisted table,
	// called once per leader-readiness transition.
	Reinitialize() error
}

// RaftScheduler is the production Scheduler: raft.Raft replicates
// start/complete through MoveFSM onto a storage.MoveStore, and an
// in-memory cache mirrors that table for fast reads.
type RaftScheduler struct {
	raft  *raft.Raft
	fsm   *MoveFSM
	store storage.MoveStore

	mu    sync.RWMutex
	cache map[scm.ContainerID]scm.MovePair
}

// RaftConfig configures a single-node-bootstrap RaftScheduler.
type RaftConfig struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// NewRaftScheduler creates a RaftScheduler backed by store, with its own
// dedicated single-node Raft group rooted at cfg.DataDir. Membership in
// the SCM's own consensus group belongs to the surrounding SCM; this
// bootstraps a fresh single-node group for the move table alone.
func NewRaftScheduler(cfg RaftConfig, store storage.MoveStore) (*RaftScheduler, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create move scheduler data dir: %w", err)
	}

	fsm := NewMoveFSM(store)

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "move-raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "move-raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raftCfg.LocalID, Address: transport.LocalAddr()},
		},
	}
	if err := r.BootstrapCluster(configuration).Error(); err != nil {
		return nil, fmt.Errorf("failed to bootstrap move scheduler raft: %w", err)
	}

	sched := &RaftScheduler{
		raft:  r,
		fsm:   fsm,
		store: store,
		cache: make(map[scm.ContainerID]scm.MovePair),
	}

	if err := sched.Reinitialize(); err != nil {
		return nil, err
	}

	return sched, nil
}

func (s *RaftScheduler) apply(cmd Command) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftCommitDuration)

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal move command: %w", err)
	}

	applyTimer := metrics.NewTimer()
	future := s.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to apply move command: %w", err)
	}
	applyTimer.ObserveDuration(metrics.RaftApplyDuration)

	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}

	if s.raft.State() == raft.Leader {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}

	return nil
}

// StartMove replicates a start_move command, then updates the local
// cache. It is idempotent per container id.
func (s *RaftScheduler) StartMove(id scm.ContainerID, pair scm.MovePair) error {
	data, err := json.Marshal(startMoveData{ContainerID: id, Pair: pair})
	if err != nil {
		return err
	}
	if err := s.apply(Command{Op: opStartMove, Data: data}); err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.cache[id]; !exists {
		s.cache[id] = pair
	}
	s.mu.Unlock()
	return nil
}

// CompleteMove replicates a complete_move command, then drops the entry
// from the local cache.
func (s *RaftScheduler) CompleteMove(id scm.ContainerID) error {
	data, err := json.Marshal(completeMoveData{ContainerID: id})
	if err != nil {
		return err
	}
	if err := s.apply(Command{Op: opCompleteMove, Data: data}); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
	return nil
}

func (s *RaftScheduler) GetMove(id scm.ContainerID) (scm.MovePair, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pair, ok := s.cache[id]
	return pair, ok
}

func (s *RaftScheduler) GetInflightMoves() map[scm.ContainerID]scm.MovePair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[scm.ContainerID]scm.MovePair, len(s.cache))
	for k, v := range s.cache {
		out[k] = v
	}
	return out
}

// Reinitialize reloads the in-memory cache from the persisted table,
// called once per leader-readiness transition.
func (s *RaftScheduler) Reinitialize() error {
	moves, err := s.store.ListMoves()
	if err != nil {
		return fmt.Errorf("failed to reinitialize move scheduler: %w", err)
	}

	s.mu.Lock()
	s.cache = moves
	s.mu.Unlock()

	logger := log.WithComponent("move.scheduler")
	logger.Info().Int("count", len(moves)).Msg("move scheduler reinitialized from persisted table")
	return nil
}

// IsLeader reports whether this node's Raft group currently believes
// itself leader.
func (s *RaftScheduler) IsLeader() bool {
	return s.raft.State() == raft.Leader
}

// Shutdown releases the underlying Raft and store resources.
func (s *RaftScheduler) Shutdown() error {
	if err := s.raft.Shutdown().Error(); err != nil {
		return err
	}
	return s.store.Close()
}

// singleNodeScheduler is a raft.FSM-free Scheduler for unit tests that
// want to exercise move logic without the cost of bootstrapping a Raft
// ring. It applies directly to an in-memory map guarded by a mutex.
type singleNodeScheduler struct {
	mu    sync.RWMutex
	moves map[scm.ContainerID]scm.MovePair
}

// NewSingleNodeScheduler creates a Scheduler with no Raft replication,
// intended for tests.
func NewSingleNodeScheduler() Scheduler {
	return &singleNodeScheduler{moves: make(map[scm.ContainerID]scm.MovePair)}
}

func (s *singleNodeScheduler) StartMove(id scm.ContainerID, pair scm.MovePair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.moves[id]; exists {
		return nil
	}
	s.moves[id] = pair
	return nil
}

func (s *singleNodeScheduler) CompleteMove(id scm.ContainerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.moves, id)
	return nil
}

func (s *singleNodeScheduler) GetMove(id scm.ContainerID) (scm.MovePair, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pair, ok := s.moves[id]
	return pair, ok
}

func (s *singleNodeScheduler) GetInflightMoves() map[scm.ContainerID]scm.MovePair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[scm.ContainerID]scm.MovePair, len(s.moves))
	for k, v := range s.moves {
		out[k] = v
	}
	return out
}

func (s *singleNodeScheduler) Reinitialize() error {
	return nil
}
