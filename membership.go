package shardring

import (
	"sort"
	"sync"
)

// membership tracks which nodes have a store attached and which of those are live.
// Liveness is independent of ring membership: a failed node keeps its ring positions.
type membership struct {
	mu     sync.RWMutex
	stores map[NodeID]RecordStore
	live   map[NodeID]bool
}

func newMembership() *membership {
	return &membership{
		stores: make(map[NodeID]RecordStore),
		live:   make(map[NodeID]bool),
	}
}

// Register attaches a store to a node and marks it live.
func (m *membership) Register(id NodeID, store RecordStore) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.stores[id]; exists {
		return &NodeError{Node: id, Err: ErrDuplicateNode}
	}
	m.stores[id] = store
	m.live[id] = true
	return nil
}

// Unregister detaches a node entirely.
func (m *membership) Unregister(id NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.stores, id)
	delete(m.live, id)
}

// Store returns the node's store regardless of liveness.
func (m *membership) Store(id NodeID) (RecordStore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var store, exists = m.stores[id]
	if !exists {
		return nil, &NodeError{Node: id, Err: ErrNodeNotFound}
	}
	return store, nil
}

// LiveStore returns the node's store only if the node is live.
func (m *membership) LiveStore(id NodeID) (RecordStore, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.live[id] {
		return nil, false
	}
	return m.stores[id], true
}

// IsLive reports whether the node is registered and live.
func (m *membership) IsLive(id NodeID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.live[id]
}

// SetLive records a liveness signal. It returns whether the state changed.
func (m *membership) SetLive(id NodeID, live bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.stores[id]; !exists {
		return false, &NodeError{Node: id, Err: ErrNodeNotFound}
	}
	var changed = m.live[id] != live
	m.live[id] = live
	return changed, nil
}

// Nodes returns every registered node, sorted.
func (m *membership) Nodes() []NodeID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var nodes = make([]NodeID, 0, len(m.stores))
	for id := range m.stores {
		nodes = append(nodes, id)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	return nodes
}

// LiveNodes returns every live node, sorted.
func (m *membership) LiveNodes() []NodeID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var nodes = make([]NodeID, 0, len(m.live))
	for id, live := range m.live {
		if live {
			nodes = append(nodes, id)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	return nodes
}
