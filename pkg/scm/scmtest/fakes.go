// Package scmtest provides in-memory fakes of the external collaborators
// declared in pkg/scm, used by every replication/move unit test.
// Production adapters to a real container-metadata store, node manager,
// placement policy, and Raft-backed SCM live with those systems; only
// the interfaces and these fakes exist here.
package scmtest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nimbusscm/rm/pkg/scm"
)

// ContainerManager is an in-memory scm.ContainerManager.
type ContainerManager struct {
	mu         sync.RWMutex
	containers map[scm.ContainerID]*scm.Container
	replicas   map[scm.ContainerID][]*scm.ContainerReplica
}

func NewContainerManager() *ContainerManager {
	return &ContainerManager{
		containers: make(map[scm.ContainerID]*scm.Container),
		replicas:   make(map[scm.ContainerID][]*scm.ContainerReplica),
	}
}

func (m *ContainerManager) PutContainer(c *scm.Container) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.containers[c.ID] = &cp
}

func (m *ContainerManager) PutReplicas(id scm.ContainerID, replicas []*scm.ContainerReplica) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*scm.ContainerReplica, len(replicas))
	for i, r := range replicas {
		rr := *r
		cp[i] = &rr
	}
	m.replicas[id] = cp
}

func (m *ContainerManager) GetContainers(ctx context.Context) ([]*scm.Container, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*scm.Container, 0, len(m.containers))
	for _, c := range m.containers {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *ContainerManager) GetContainer(ctx context.Context, id scm.ContainerID) (*scm.Container, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.containers[id]
	if !ok {
		return nil, scm.ErrContainerNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *ContainerManager) GetContainerReplicas(ctx context.Context, id scm.ContainerID) ([]*scm.ContainerReplica, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.containers[id]; !ok {
		return nil, scm.ErrContainerNotFound
	}
	replicas := m.replicas[id]
	out := make([]*scm.ContainerReplica, len(replicas))
	for i, r := range replicas {
		rr := *r
		out[i] = &rr
	}
	return out, nil
}

func (m *ContainerManager) UpdateContainerState(ctx context.Context, id scm.ContainerID, event scm.ContainerLifecycleEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return scm.ErrContainerNotFound
	}
	switch event {
	case scm.ContainerEventDelete:
		c.State = scm.ContainerDeleted
	case scm.ContainerEventCleanup:
		delete(m.containers, id)
		delete(m.replicas, id)
	default:
		return fmt.Errorf("scmtest: unknown lifecycle event %q", event)
	}
	return nil
}

// NodeManager is an in-memory scm.NodeManager.
type NodeManager struct {
	mu     sync.RWMutex
	status map[scm.DatanodeID]scm.DatanodeStatus
}

func NewNodeManager() *NodeManager {
	return &NodeManager{status: make(map[scm.DatanodeID]scm.DatanodeStatus)}
}

func (m *NodeManager) SetStatus(dn scm.DatanodeID, status scm.DatanodeStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[dn] = status
}

func (m *NodeManager) GetNodeStatus(dn scm.DatanodeID) (scm.DatanodeStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.status[dn]
	if !ok {
		return scm.DatanodeStatus{}, scm.ErrNodeNotFound
	}
	return s, nil
}

// PlacementPolicy is a deterministic, least-loaded scm.PlacementPolicy
// fake. Choose ranks candidate datanodes by how many times they have
// already been returned so tests get reproducible target assignment.
type PlacementPolicy struct {
	mu        sync.Mutex
	Nodes     []scm.DatanodeID
	chosen    map[scm.DatanodeID]int
	Satisfied func(replicas []scm.DatanodeID, k int) scm.PlacementStatus
}

func NewPlacementPolicy(nodes []scm.DatanodeID) *PlacementPolicy {
	return &PlacementPolicy{Nodes: nodes, chosen: make(map[scm.DatanodeID]int)}
}

func (p *PlacementPolicy) Validate(replicas []scm.DatanodeID, k int) (scm.PlacementStatus, error) {
	if p.Satisfied != nil {
		return p.Satisfied(replicas, k), nil
	}
	satisfied := len(replicas) >= k
	return scm.PlacementStatus{
		IsPolicySatisfied:    satisfied,
		ActualPlacementCount: len(replicas),
		MisReplicationCount:  0,
	}, nil
}

func (p *PlacementPolicy) Choose(exclude []scm.DatanodeID, required int, sizeHint int64) ([]scm.DatanodeID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	excluded := make(map[scm.DatanodeID]bool, len(exclude))
	for _, e := range exclude {
		excluded[e] = true
	}

	candidates := make([]scm.DatanodeID, 0, len(p.Nodes))
	for _, n := range p.Nodes {
		if !excluded[n] {
			candidates = append(candidates, n)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := p.chosen[candidates[i]], p.chosen[candidates[j]]
		if ci != cj {
			return ci < cj
		}
		return candidates[i] < candidates[j]
	})

	if len(candidates) < required {
		return nil, fmt.Errorf("scmtest: not enough candidate datanodes: need %d, have %d", required, len(candidates))
	}

	out := candidates[:required]
	for _, n := range out {
		p.chosen[n]++
	}
	return out, nil
}

// EventBus is an in-memory scm.EventBus that records every fired payload
// for assertions instead of delivering it anywhere.
type EventBus struct {
	mu    sync.Mutex
	Fired []FiredEvent
}

type FiredEvent struct {
	Topic   string
	Payload any
}

func NewEventBus() *EventBus {
	return &EventBus{}
}

func (b *EventBus) Fire(topic string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Fired = append(b.Fired, FiredEvent{Topic: topic, Payload: payload})
}

func (b *EventBus) Snapshot() []FiredEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]FiredEvent, len(b.Fired))
	copy(out, b.Fired)
	return out
}

func (b *EventBus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Fired = nil
}

// SCMContext is an in-memory scm.SCMContext. The token generator
// defaults to a deterministic counter for tests; callers standing up a
// real deployment inject a production generator via
// SetContainerTokenGenerator.
type SCMContext struct {
	mu          sync.RWMutex
	leader      bool
	leaderReady bool
	safeMode    bool
	term        int64
	tokens      scm.ContainerTokenGenerator
}

func NewSCMContext() *SCMContext {
	return &SCMContext{leader: true, leaderReady: true, term: 1, tokens: &tokenGenerator{}}
}

func (c *SCMContext) SetContainerTokenGenerator(gen scm.ContainerTokenGenerator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = gen
}

func (c *SCMContext) SetLeader(leader bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leader = leader
}

func (c *SCMContext) SetLeaderReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaderReady = ready
}

func (c *SCMContext) SetSafeMode(safe bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.safeMode = safe
}

func (c *SCMContext) SetTerm(term int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.term = term
}

func (c *SCMContext) IsLeader() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.leader
}

func (c *SCMContext) IsLeaderReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.leaderReady
}

func (c *SCMContext) IsInSafeMode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.safeMode
}

func (c *SCMContext) GetTermOfLeader() (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.leader {
		return 0, fmt.Errorf("scmtest: not leader")
	}
	return c.term, nil
}

func (c *SCMContext) GetContainerTokenGenerator() scm.ContainerTokenGenerator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens
}

type tokenGenerator struct {
	mu  sync.Mutex
	n   int
}

func (t *tokenGenerator) NextToken() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.n++
	return fmt.Sprintf("token-%d", t.n)
}
