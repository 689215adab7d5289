package shardring

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Ring is the set of active nodes placed on a hash circle.
// Lookups may run concurrently with each other but never interleave with a mutation.
type Ring struct {
	mu         sync.RWMutex
	nodes      map[NodeID]*node // Quick lookup for a node's vnodes
	vnodes     []vnode          // Sorted by (position, node id) for fast lookups
	ringSize   int
	vnodeCount int
	generation uint64 // bumped by every mutation
}

// NewRing creates an empty ring.
// Only WithRingSize and WithVNodeCount affect a ring.
func NewRing(opts ...Option) *Ring {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return newRing(options.ringSize, options.vnodeCount)
}

func newRing(ringSize, vnodeCount int) *Ring {
	return &Ring{
		nodes:      make(map[NodeID]*node),
		vnodes:     make([]vnode, 0),
		ringSize:   ringSize,
		vnodeCount: vnodeCount,
	}
}

// Add inserts the node's positions into the ring.
func (r *Ring) Add(id NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[id]; exists {
		return &NodeError{Node: id, Err: ErrDuplicateNode}
	}

	var n = &node{
		ID:     id,
		VNodes: make([]vnode, 0, r.vnodeCount),
	}
	for i := range r.vnodeCount {
		var v = vnode{
			NodeID:   id,
			Index:    i,
			Position: hashNodePosition(id, i, r.ringSize),
		}
		n.VNodes = append(n.VNodes, v)
		r.vnodes = append(r.vnodes, v)
	}
	r.nodes[id] = n
	r.sortLocked()
	r.generation++

	return nil
}

// Remove deletes the node's positions from the ring.
func (r *Ring) Remove(id NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[id]; !exists {
		return &NodeError{Node: id, Err: ErrNodeNotFound}
	}

	var filtered = r.vnodes[:0]
	for _, v := range r.vnodes {
		if v.NodeID != id {
			filtered = append(filtered, v)
		}
	}
	r.vnodes = filtered
	delete(r.nodes, id)
	r.generation++

	return nil
}

// gen returns a counter that changes whenever the membership does.
func (r *Ring) gen() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// Contains reports whether the node is a ring member.
func (r *Ring) Contains(id NodeID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var _, exists = r.nodes[id]
	return exists
}

// Len returns the number of member nodes.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Nodes returns the member nodes in clockwise order of their first position.
func (r *Ring) Nodes() []NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		seen   = make(map[NodeID]bool, len(r.nodes))
		result = make([]NodeID, 0, len(r.nodes))
	)
	for _, v := range r.vnodes {
		if v.Index != 0 || seen[v.NodeID] {
			continue
		}
		seen[v.NodeID] = true
		result = append(result, v.NodeID)
	}
	return result
}

// PrimaryFor returns the node owning the first position at or after hash(key), wrapping around.
func (r *Ring) PrimaryFor(key string) (NodeID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.primaryForLocked(key)
}

// SuccessorOf returns the next distinct node clockwise from the node's anchor position.
// On a single-node ring the node is its own successor.
func (r *Ring) SuccessorOf(id NodeID) (NodeID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.walkLocked(id, 1)
}

// PredecessorOf returns the next distinct node counter-clockwise from the node's anchor position.
func (r *Ring) PredecessorOf(id NodeID) (NodeID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.walkLocked(id, -1)
}

// PlacementFor computes primary and backup from a single consistent view of the ring.
func (r *Ring) PlacementFor(key string) (Placement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var primary, err = r.primaryForLocked(key)
	if err != nil {
		return Placement{}, err
	}
	if len(r.nodes) < 2 {
		return Placement{}, &KeyError{Key: key, Nodes: []NodeID{primary}, Err: ErrInsufficientNodes}
	}

	backup, err := r.walkLocked(primary, 1)
	if err != nil {
		return Placement{}, err
	}

	return Placement{Primary: primary, Backup: backup}, nil
}

// Clone returns an independent snapshot of the ring.
func (r *Ring) Clone() *Ring {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var clone = newRing(r.ringSize, r.vnodeCount)
	for id, n := range r.nodes {
		var copied = &node{ID: id, VNodes: append([]vnode(nil), n.VNodes...)}
		clone.nodes[id] = copied
	}
	clone.vnodes = append(clone.vnodes, r.vnodes...)
	return clone
}

func (r *Ring) primaryForLocked(key string) (NodeID, error) {
	if len(r.vnodes) == 0 {
		return "", &KeyError{Key: key, Err: ErrEmptyRing}
	}

	var (
		position = hashKeyPosition(key, r.ringSize)
		idx      = sort.Search(len(r.vnodes), func(i int) bool {
			return r.vnodes[i].Position >= position
		})
	)

	// Wrap around to the minimum position
	if idx == len(r.vnodes) {
		idx = 0
	}
	return r.vnodes[idx].NodeID, nil
}

// walkLocked steps around the ring from the node's anchor vnode until a different node is found.
// step is 1 for clockwise and -1 for counter-clockwise.
func (r *Ring) walkLocked(id NodeID, step int) (NodeID, error) {
	if len(r.vnodes) == 0 {
		return "", &NodeError{Node: id, Err: ErrEmptyRing}
	}

	var start = r.anchorIndexLocked(id)
	if start == -1 {
		return "", &NodeError{Node: id, Err: ErrNodeNotFound}
	}

	var count = len(r.vnodes)
	for i := 1; i < count; i++ {
		var candidate = r.vnodes[((start+step*i)%count+count)%count]
		if candidate.NodeID != id {
			return candidate.NodeID, nil
		}
	}

	return id, nil
}

// anchorIndexLocked returns the slice index of the node's vnode 0, or -1.
func (r *Ring) anchorIndexLocked(id NodeID) int {
	var n, exists = r.nodes[id]
	if !exists || len(n.VNodes) == 0 {
		return -1
	}

	var (
		anchor = n.VNodes[0]
		idx    = sort.Search(len(r.vnodes), func(i int) bool {
			return !vnodeLess(r.vnodes[i], anchor)
		})
	)
	if idx < len(r.vnodes) && r.vnodes[idx] == anchor {
		return idx
	}
	return -1
}

// sortLocked orders vnodes by position; equal positions fall back to node id, then vnode index.
func (r *Ring) sortLocked() {
	sort.Slice(r.vnodes, func(i, j int) bool {
		return vnodeLess(r.vnodes[i], r.vnodes[j])
	})
}

func vnodeLess(a, b vnode) bool {
	if a.Position != b.Position {
		return a.Position < b.Position
	}
	if a.NodeID != b.NodeID {
		return a.NodeID < b.NodeID
	}
	return a.Index < b.Index
}

// String returns a visual representation of the ring state.
func (r *Ring) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder

	b.WriteString(fmt.Sprintf("Size: %d | Nodes: %d | VNodes: %d\n", r.ringSize, len(r.nodes), len(r.vnodes)))

	if len(r.vnodes) == 0 {
		b.WriteString("\n[Empty Ring]\n")
		return b.String()
	}

	b.WriteString("\nRing Topology:\n")
	b.WriteString("┌─────────────────────────────────────────────────────────────┐\n")

	for i, v := range r.vnodes {
		var prevPos int
		if i == 0 {
			prevPos = r.vnodes[len(r.vnodes)-1].Position
		} else {
			prevPos = r.vnodes[i-1].Position
		}

		var rangeStr string
		if prevPos >= v.Position {
			rangeStr = fmt.Sprintf("(%d..%d,0..%d]", prevPos, r.ringSize-1, v.Position)
		} else {
			rangeStr = fmt.Sprintf("(%d..%d]", prevPos, v.Position)
		}

		b.WriteString(fmt.Sprintf("│ @%-11d  %-21s  #%-2d %s\n", v.Position, v.NodeID, v.Index, rangeStr))
	}

	b.WriteString("└─────────────────────────────────────────────────────────────┘\n")

	return b.String()
}
