package crdt

import (
	"fmt"
	"log/slog"

	"github.com/kilupskalvis/scenemerge/internal/models"
)

// PositionPolicy decides how concurrent MOVE/REORDER operations on the same
// node are resolved
type PositionPolicy string

const (
	// PositionArrival applies every admissible move in arrival order.
	PositionArrival PositionPolicy = "arrival"
	// PositionLWW keeps one position timestamp per node and rejects moves and
	// reorders that are not strictly newer.
	PositionLWW PositionPolicy = "lww"
)

// ParsePositionPolicy maps a config value to a policy. Empty means arrival.
func ParsePositionPolicy(s string) (PositionPolicy, error) {
	switch PositionPolicy(s) {
	case "", PositionArrival:
		return PositionArrival, nil
	case PositionLWW:
		return PositionLWW, nil
	}
	return "", fmt.Errorf("unknown position policy %q (want %q or %q)", s, PositionArrival, PositionLWW)
}

// Option configures a Merger.
type Option func(*Merger)

// WithPositionPolicy selects how moves and reorders conflict.
func WithPositionPolicy(p PositionPolicy) Option {
	return func(m *Merger) { m.policy = p }
}

// WithPlaceholderAdoption lets an INSERT take over the entry a property
// write created for a node that had not been inserted yet. Such entries then
// no longer satisfy parent gating. Off by default: any non-deleted entry
// blocks a later insert of the same id and counts as a known parent.
func WithPlaceholderAdoption(enabled bool) Option {
	return func(m *Merger) { m.adoptPlaceholders = enabled }
}

// WithLogger logs rejected operations at debug level.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Merger) { m.logger = logger }
}

// Merger decides whether incoming operations take effect and applies the
// accepted ones to its State.
type Merger struct {
	state             *State
	policy            PositionPolicy
	adoptPlaceholders bool
	logger            *slog.Logger
}

// NewMerger returns a merger over state.
func NewMerger(state *State, opts ...Option) *Merger {
	m := &Merger{state: state, policy: PositionArrival}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Fork returns a merger with the same options over a deep copy of the state.
// Merging into the fork leaves m untouched.
func (m *Merger) Fork() *Merger {
	f := *m
	f.state = m.state.Clone()
	return &f
}

// State returns the state the merger mutates.
func (m *Merger) State() *State {
	return m.state
}

// Policy returns the configured position policy.
func (m *Merger) Policy() PositionPolicy {
	return m.policy
}

// Merge decides a single operation and, if accepted, applies it to the state.
func (m *Merger) Merge(op models.Operation) models.MergeResult {
	var res models.MergeResult
	switch o := op.(type) {
	case *models.InsertNode:
		res = m.mergeInsert(o)
	case *models.DeleteNode:
		res = m.mergeDelete(o)
	case *models.SetProperty:
		res = m.mergeSetProperty(o)
	case *models.MoveNode:
		res = m.mergeMove(o)
	case *models.ReorderNode:
		res = m.mergeReorder(o)
	default:
		res = models.Rejected(models.RejectUnknown, "Unsupported operation %T", op)
	}

	if !res.Apply && m.logger != nil && op != nil {
		m.logger.Debug("operation rejected",
			"op_id", op.OpID(),
			"type", op.Type(),
			"node_id", op.Target(),
			"timestamp", op.Stamp().String(),
			"kind", res.Kind,
			"reason", res.Reason,
		)
	}
	return res
}

// MergeAll merges ops one at a time in the given order. Sorting, if wanted,
// is the caller's job.
func (m *Merger) MergeAll(ops []models.Operation) []models.MergeResult {
	results := make([]models.MergeResult, len(ops))
	for i, op := range ops {
		results[i] = m.Merge(op)
	}
	return results
}

func (m *Merger) mergeInsert(op *models.InsertNode) models.MergeResult {
	if n, ok := m.state.nodes[op.NodeID]; ok {
		if n.Deleted {
			return models.Rejected(models.RejectTombstone, "Node %s was deleted and cannot be re-inserted", op.NodeID)
		}
		if n.Inserted || !m.adoptPlaceholders {
			return models.Rejected(models.RejectIdentity, "Node %s already exists", op.NodeID)
		}
	}

	if op.ParentID != "" {
		parent, ok := m.state.nodes[op.ParentID]
		switch {
		case ok && parent.Deleted:
			return models.Rejected(models.RejectCausal, "Parent node %s is deleted", op.ParentID)
		case !ok || !m.canParent(parent):
			return models.Rejected(models.RejectCausal, "Parent node %s does not exist", op.ParentID)
		}
	}

	m.state.InsertNode(op.NodeID, op.ParentID, op.FractionalIndex)
	if m.policy == PositionLWW {
		m.state.SetPositionTimestamp(op.NodeID, op.Timestamp)
	}
	return models.Accepted()
}

func (m *Merger) mergeDelete(op *models.DeleteNode) models.MergeResult {
	n, ok := m.state.nodes[op.NodeID]
	if ok && n.DeleteTimestamp != nil && n.DeleteTimestamp.After(op.Timestamp) {
		return models.Rejected(models.RejectStale, "Node %s already deleted at %s", op.NodeID, n.DeleteTimestamp)
	}

	m.state.DeleteNode(op.NodeID, op.Timestamp)
	return models.Accepted()
}

func (m *Merger) mergeSetProperty(op *models.SetProperty) models.MergeResult {
	if m.state.IsDeleted(op.NodeID) {
		return models.Rejected(models.RejectTombstone, "Node %s is deleted", op.NodeID)
	}

	key := op.PathKey()
	if ts, ok := m.state.propertyTimestamp(op.NodeID, key); ok && ts.Compare(op.Timestamp) >= 0 {
		return models.Rejected(models.RejectStale, "Later update to %s on node %s already applied at %s", key, op.NodeID, ts)
	}

	m.state.UpdateProperty(op.NodeID, key, op.Timestamp)
	return models.Accepted()
}

func (m *Merger) mergeMove(op *models.MoveNode) models.MergeResult {
	if res, ok := m.checkPositioned(op.NodeID); !ok {
		return res
	}

	parent, ok := m.state.nodes[op.NewParentID]
	if !ok || parent.Deleted || !m.canParent(parent) {
		return models.Rejected(models.RejectCausal, "New parent %s does not exist or is deleted", op.NewParentID)
	}

	if res, ok := m.claimPosition(op); !ok {
		return res
	}

	m.state.MoveNode(op.NodeID, op.NewParentID, op.FractionalIndex)
	return models.Accepted()
}

func (m *Merger) mergeReorder(op *models.ReorderNode) models.MergeResult {
	if res, ok := m.checkPositioned(op.NodeID); !ok {
		return res
	}
	if res, ok := m.claimPosition(op); !ok {
		return res
	}

	m.state.Reorder(op.NodeID, op.FractionalIndex)
	return models.Accepted()
}

// canParent reports whether a non-deleted entry may hold children. Entries
// that only carry property markers qualify unless they are awaiting adoption.
func (m *Merger) canParent(n *NodeState) bool {
	return n.Inserted || !m.adoptPlaceholders
}

// checkPositioned rejects position changes on deleted or never-inserted nodes.
func (m *Merger) checkPositioned(id models.NodeID) (models.MergeResult, bool) {
	n, ok := m.state.nodes[id]
	switch {
	case ok && n.Deleted:
		return models.Rejected(models.RejectTombstone, "Node %s is deleted", id), false
	case !ok || !n.Inserted:
		return models.Rejected(models.RejectCausal, "Node %s does not exist", id), false
	}
	return models.MergeResult{}, true
}

// claimPosition applies the LWW position policy, recording the stamp when it wins.
func (m *Merger) claimPosition(op models.Operation) (models.MergeResult, bool) {
	if m.policy != PositionLWW {
		return models.MergeResult{}, true
	}

	n := m.state.nodes[op.Target()]
	if n.PositionTimestamp != nil && n.PositionTimestamp.Compare(op.Stamp()) >= 0 {
		return models.Rejected(models.RejectStale, "Later move of node %s already applied at %s", op.Target(), n.PositionTimestamp), false
	}
	m.state.SetPositionTimestamp(op.Target(), op.Stamp())
	return models.MergeResult{}, true
}
