// Package models defines the edit operations exchanged between replicas and
// the outcome types the merge engine reports for them.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kilupskalvis/scenemerge/internal/clock"
)

// NodeID identifies a scene-graph node. It is globally unique within a document.
type NodeID string

// PropertyPath addresses a (possibly nested) node property, e.g. ["fill", "color"].
type PropertyPath []string

// PathSeparator joins path segments into a key. Segments may not contain it,
// so distinct paths never share a key.
const PathSeparator = "."

// ParsePropertyPath splits a key produced by Key back into segments.
func ParsePropertyPath(key string) PropertyPath {
	return strings.Split(key, PathSeparator)
}

// Key joins the path into the stable string used for per-field timestamps.
func (p PropertyPath) Key() string {
	return strings.Join(p, PathSeparator)
}

// Validate rejects empty paths and segments that are empty or contain
// PathSeparator.
func (p PropertyPath) Validate() error {
	if len(p) == 0 {
		return errors.New("missing property path")
	}
	for i, seg := range p {
		if seg == "" {
			return fmt.Errorf("path segment %d is empty", i)
		}
		if strings.Contains(seg, PathSeparator) {
			return fmt.Errorf("path segment %q contains %q", seg, PathSeparator)
		}
	}
	return nil
}

// OperationType represents the kind of edit carried by an operation
type OperationType string

const (
	OperationInsertNode  OperationType = "insert_node"
	OperationDeleteNode  OperationType = "delete_node"
	OperationSetProperty OperationType = "set_property"
	OperationMoveNode    OperationType = "move_node"
	OperationReorderNode OperationType = "reorder_node"
)

// Valid reports whether t is one of the known operation kinds.
func (t OperationType) Valid() bool {
	switch t {
	case OperationInsertNode, OperationDeleteNode, OperationSetProperty, OperationMoveNode, OperationReorderNode:
		return true
	}
	return false
}

// Operation is a single timestamped edit. The set of implementations is closed:
// InsertNode, DeleteNode, SetProperty, MoveNode and ReorderNode.
type Operation interface {
	OpID() string
	Type() OperationType
	Stamp() clock.Timestamp
	Target() NodeID
	isOperation()
}

// Header carries the fields shared by every operation.
type Header struct {
	ID        string          `json:"id"`
	Timestamp clock.Timestamp `json:"timestamp"`
}

func (h Header) OpID() string           { return h.ID }
func (h Header) Stamp() clock.Timestamp { return h.Timestamp }
func (Header) isOperation()             {}

// InsertNode creates a node under ParentID. An empty ParentID places the
// node at the top level of the document.
type InsertNode struct {
	Header
	NodeID          NodeID          `json:"nodeId"`
	NodeType        string          `json:"nodeType"`
	ParentID        NodeID          `json:"parentId,omitempty"`
	FractionalIndex string          `json:"fractionalIndex"`
	Data            json.RawMessage `json:"data,omitempty"`
}

func (*InsertNode) Type() OperationType { return OperationInsertNode }
func (o *InsertNode) Target() NodeID    { return o.NodeID }

// DeleteNode tombstones a node.
type DeleteNode struct {
	Header
	NodeID NodeID `json:"nodeId"`
}

func (*DeleteNode) Type() OperationType { return OperationDeleteNode }
func (o *DeleteNode) Target() NodeID    { return o.NodeID }

// SetProperty writes one property of a node.
type SetProperty struct {
	Header
	NodeID   NodeID          `json:"nodeId"`
	Path     PropertyPath    `json:"path"`
	OldValue json.RawMessage `json:"oldValue,omitempty"`
	NewValue json.RawMessage `json:"newValue,omitempty"`
}

func (*SetProperty) Type() OperationType { return OperationSetProperty }
func (o *SetProperty) Target() NodeID    { return o.NodeID }

// PathKey returns the joined property path.
func (o *SetProperty) PathKey() string { return o.Path.Key() }

// MoveNode reparents a node.
type MoveNode struct {
	Header
	NodeID          NodeID `json:"nodeId"`
	OldParentID     NodeID `json:"oldParentId,omitempty"`
	NewParentID     NodeID `json:"newParentId"`
	FractionalIndex string `json:"fractionalIndex"`
}

func (*MoveNode) Type() OperationType { return OperationMoveNode }
func (o *MoveNode) Target() NodeID    { return o.NodeID }

// ReorderNode changes a node's position among its siblings.
type ReorderNode struct {
	Header
	NodeID          NodeID `json:"nodeId"`
	ParentID        NodeID `json:"parentId,omitempty"`
	FractionalIndex string `json:"fractionalIndex"`
}

func (*ReorderNode) Type() OperationType { return OperationReorderNode }
func (o *ReorderNode) Target() NodeID    { return o.NodeID }
