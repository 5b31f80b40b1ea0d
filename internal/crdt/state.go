// Package crdt implements the merge engine that decides which scene-graph
// operations take effect on a replica.
//
// State is a plain store of per-node metadata and performs no conflict
// checks; Merger decides admissibility and mutates State on acceptance.
// Neither type is safe for concurrent use. Callers serialize access per
// document.
package crdt

import (
	"sort"

	"github.com/kilupskalvis/scenemerge/internal/clock"
	"github.com/kilupskalvis/scenemerge/internal/models"
)

// DefaultRoot is the node every document starts with.
const DefaultRoot models.NodeID = "root"

// NodeState is the merge metadata tracked for every node mentioned by an operation.
type NodeState struct {
	// Inserted is false for placeholder entries created by a delete or a
	// property write that arrived before the node's insert.
	Inserted        bool             `json:"inserted"`
	Deleted         bool             `json:"deleted"`
	DeleteTimestamp *clock.Timestamp `json:"deleteTimestamp,omitempty"`

	ParentID          models.NodeID    `json:"parentId,omitempty"`
	FractionalIndex   string           `json:"fractionalIndex,omitempty"`
	PositionTimestamp *clock.Timestamp `json:"positionTimestamp,omitempty"`

	PropertyTimestamps map[string]clock.Timestamp `json:"propertyTimestamps,omitempty"`
}

// Live reports whether the node has been inserted and not deleted.
func (n NodeState) Live() bool {
	return n.Inserted && !n.Deleted
}

func (n *NodeState) clone() NodeState {
	c := *n
	if n.DeleteTimestamp != nil {
		ts := *n.DeleteTimestamp
		c.DeleteTimestamp = &ts
	}
	if n.PositionTimestamp != nil {
		ts := *n.PositionTimestamp
		c.PositionTimestamp = &ts
	}
	if n.PropertyTimestamps != nil {
		c.PropertyTimestamps = make(map[string]clock.Timestamp, len(n.PropertyTimestamps))
		for k, v := range n.PropertyTimestamps {
			c.PropertyTimestamps[k] = v
		}
	}
	return c
}

// State holds the authoritative per-node metadata of one document replica.
type State struct {
	nodes map[models.NodeID]*NodeState
	roots map[models.NodeID]bool
}

// NewState returns a state with the given root nodes pre-registered as live.
// With no roots, DefaultRoot is used.
func NewState(roots ...models.NodeID) *State {
	if len(roots) == 0 {
		roots = []models.NodeID{DefaultRoot}
	}
	s := &State{
		nodes: make(map[models.NodeID]*NodeState),
		roots: make(map[models.NodeID]bool, len(roots)),
	}
	for _, r := range roots {
		s.roots[r] = true
		s.nodes[r] = &NodeState{Inserted: true}
	}
	return s
}

// entry returns the node's state, creating a placeholder when absent.
func (s *State) entry(id models.NodeID) *NodeState {
	n, ok := s.nodes[id]
	if !ok {
		n = &NodeState{}
		s.nodes[id] = n
	}
	return n
}

// InsertNode marks a node live at the given position. Any position from a
// previous entry is overwritten; property markers recorded on a placeholder
// are kept.
func (s *State) InsertNode(id, parentID models.NodeID, fractionalIndex string) {
	n := s.entry(id)
	n.Inserted = true
	n.Deleted = false
	n.DeleteTimestamp = nil
	n.ParentID = parentID
	n.FractionalIndex = fractionalIndex
	n.PositionTimestamp = nil
}

// DeleteNode tombstones a node, creating the entry if the node is unknown.
func (s *State) DeleteNode(id models.NodeID, ts clock.Timestamp) {
	n := s.entry(id)
	n.Deleted = true
	n.DeleteTimestamp = &ts
}

// UpdateProperty records ts as the last write to the property at key.
func (s *State) UpdateProperty(id models.NodeID, key string, ts clock.Timestamp) {
	n := s.entry(id)
	if n.PropertyTimestamps == nil {
		n.PropertyTimestamps = make(map[string]clock.Timestamp)
	}
	n.PropertyTimestamps[key] = ts
}

// MoveNode overwrites the node's parent and index.
func (s *State) MoveNode(id, parentID models.NodeID, fractionalIndex string) {
	n := s.entry(id)
	n.ParentID = parentID
	n.FractionalIndex = fractionalIndex
}

// Reorder overwrites the node's index only.
func (s *State) Reorder(id models.NodeID, fractionalIndex string) {
	s.entry(id).FractionalIndex = fractionalIndex
}

// SetPositionTimestamp records the stamp of the last accepted position change.
func (s *State) SetPositionTimestamp(id models.NodeID, ts clock.Timestamp) {
	s.entry(id).PositionTimestamp = &ts
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	c := &State{
		nodes: make(map[models.NodeID]*NodeState, len(s.nodes)),
		roots: make(map[models.NodeID]bool, len(s.roots)),
	}
	for id, n := range s.nodes {
		cp := n.clone()
		c.nodes[id] = &cp
	}
	for r := range s.roots {
		c.roots[r] = true
	}
	return c
}

// GetNodeState returns a copy of the node's state.
func (s *State) GetNodeState(id models.NodeID) (NodeState, bool) {
	n, ok := s.nodes[id]
	if !ok {
		return NodeState{}, false
	}
	return n.clone(), true
}

// IsDeleted reports whether the node is tombstoned.
func (s *State) IsDeleted(id models.NodeID) bool {
	n, ok := s.nodes[id]
	return ok && n.Deleted
}

// Exists reports whether the node has been inserted and not deleted.
func (s *State) Exists(id models.NodeID) bool {
	n, ok := s.nodes[id]
	return ok && n.Live()
}

// IsRoot reports whether id was registered as a document root.
func (s *State) IsRoot(id models.NodeID) bool {
	return s.roots[id]
}

// GetPropertyTimestamp returns the last write marker for a property path.
func (s *State) GetPropertyTimestamp(id models.NodeID, path models.PropertyPath) (clock.Timestamp, bool) {
	return s.propertyTimestamp(id, path.Key())
}

func (s *State) propertyTimestamp(id models.NodeID, key string) (clock.Timestamp, bool) {
	n, ok := s.nodes[id]
	if !ok {
		return clock.Timestamp{}, false
	}
	ts, ok := n.PropertyTimestamps[key]
	return ts, ok
}

// Len returns the number of tracked nodes, tombstones and roots included.
func (s *State) Len() int {
	return len(s.nodes)
}

// Roots returns the registered root ids, sorted.
func (s *State) Roots() []models.NodeID {
	roots := make([]models.NodeID, 0, len(s.roots))
	for r := range s.roots {
		roots = append(roots, r)
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i] < roots[j] })
	return roots
}

// Snapshot is a detached copy of a State, used for inspection and for
// comparing replicas.
type Snapshot map[models.NodeID]NodeState

// Snapshot copies the full state.
func (s *State) Snapshot() Snapshot {
	snap := make(Snapshot, len(s.nodes))
	for id, n := range s.nodes {
		snap[id] = n.clone()
	}
	return snap
}

// IDs returns the snapshot's node ids, sorted.
func (snap Snapshot) IDs() []models.NodeID {
	ids := make([]models.NodeID, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Equal reports whether two snapshots describe the same document. Live nodes
// are compared field by field; tombstones only by their delete stamp, since
// position and property markers of a deleted node depend on which concurrent
// edits arrived before the delete.
func (snap Snapshot) Equal(other Snapshot) bool {
	if len(snap) != len(other) {
		return false
	}
	for id, a := range snap {
		b, ok := other[id]
		if !ok || !a.equal(b) {
			return false
		}
	}
	return true
}

func (n NodeState) equal(o NodeState) bool {
	if n.Deleted && o.Deleted {
		return equalStamp(n.DeleteTimestamp, o.DeleteTimestamp)
	}
	if n.Inserted != o.Inserted || n.Deleted != o.Deleted ||
		n.ParentID != o.ParentID || n.FractionalIndex != o.FractionalIndex {
		return false
	}
	if !equalStamp(n.DeleteTimestamp, o.DeleteTimestamp) || !equalStamp(n.PositionTimestamp, o.PositionTimestamp) {
		return false
	}
	if len(n.PropertyTimestamps) != len(o.PropertyTimestamps) {
		return false
	}
	for k, v := range n.PropertyTimestamps {
		if ov, ok := o.PropertyTimestamps[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func equalStamp(a, b *clock.Timestamp) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
