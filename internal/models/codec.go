package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kilupskalvis/scenemerge/internal/clock"
)

// ErrMalformed is returned for operations that are missing required fields.
var ErrMalformed = errors.New("malformed operation")

// Envelope is the flat wire form of an operation. Only the fields relevant to
// Type are populated.
type Envelope struct {
	ID              string          `json:"id"`
	Type            OperationType   `json:"type"`
	Timestamp       clock.Timestamp `json:"timestamp"`
	NodeID          NodeID          `json:"nodeId"`
	NodeType        string          `json:"nodeType,omitempty"`
	ParentID        NodeID          `json:"parentId,omitempty"`
	OldParentID     NodeID          `json:"oldParentId,omitempty"`
	NewParentID     NodeID          `json:"newParentId,omitempty"`
	FractionalIndex string          `json:"fractionalIndex,omitempty"`
	Path            PropertyPath    `json:"path,omitempty"`
	OldValue        json.RawMessage `json:"oldValue,omitempty"`
	NewValue        json.RawMessage `json:"newValue,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// ToEnvelope flattens an operation for the wire.
func ToEnvelope(op Operation) Envelope {
	env := Envelope{
		ID:        op.OpID(),
		Type:      op.Type(),
		Timestamp: op.Stamp(),
		NodeID:    op.Target(),
	}

	switch o := op.(type) {
	case *InsertNode:
		env.NodeType = o.NodeType
		env.ParentID = o.ParentID
		env.FractionalIndex = o.FractionalIndex
		env.Data = o.Data
	case *DeleteNode:
	case *SetProperty:
		env.Path = o.Path
		env.OldValue = o.OldValue
		env.NewValue = o.NewValue
	case *MoveNode:
		env.OldParentID = o.OldParentID
		env.NewParentID = o.NewParentID
		env.FractionalIndex = o.FractionalIndex
	case *ReorderNode:
		env.ParentID = o.ParentID
		env.FractionalIndex = o.FractionalIndex
	}
	return env
}

// Operation converts the envelope into its typed operation.
func (e Envelope) Operation() (Operation, error) {
	h := Header{ID: e.ID, Timestamp: e.Timestamp}

	switch e.Type {
	case OperationInsertNode:
		return &InsertNode{
			Header:          h,
			NodeID:          e.NodeID,
			NodeType:        e.NodeType,
			ParentID:        e.ParentID,
			FractionalIndex: e.FractionalIndex,
			Data:            e.Data,
		}, nil
	case OperationDeleteNode:
		return &DeleteNode{Header: h, NodeID: e.NodeID}, nil
	case OperationSetProperty:
		return &SetProperty{
			Header:   h,
			NodeID:   e.NodeID,
			Path:     e.Path,
			OldValue: e.OldValue,
			NewValue: e.NewValue,
		}, nil
	case OperationMoveNode:
		return &MoveNode{
			Header:          h,
			NodeID:          e.NodeID,
			OldParentID:     e.OldParentID,
			NewParentID:     e.NewParentID,
			FractionalIndex: e.FractionalIndex,
		}, nil
	case OperationReorderNode:
		return &ReorderNode{
			Header:          h,
			NodeID:          e.NodeID,
			ParentID:        e.ParentID,
			FractionalIndex: e.FractionalIndex,
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, e.Type)
}

// EncodeOperation marshals an operation to its JSON envelope.
func EncodeOperation(op Operation) ([]byte, error) {
	return json.Marshal(ToEnvelope(op))
}

// DecodeOperation parses a single JSON envelope and validates the result.
func DecodeOperation(data []byte) (Operation, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode operation: %w", err)
	}
	op, err := env.Operation()
	if err != nil {
		return nil, err
	}
	if err := Validate(op); err != nil {
		return nil, err
	}
	return op, nil
}

// DecodeOperations parses a JSON array of envelopes. The whole batch fails if
// any element is malformed.
func DecodeOperations(data []byte) ([]Operation, error) {
	var raw []json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode operations: %w", err)
	}

	ops := make([]Operation, 0, len(raw))
	for i, r := range raw {
		op, err := DecodeOperation(r)
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// EncodeOperations marshals a batch as a JSON array of envelopes.
func EncodeOperations(ops []Operation) ([]byte, error) {
	envs := make([]Envelope, len(ops))
	for i, op := range ops {
		envs[i] = ToEnvelope(op)
	}
	return json.Marshal(envs)
}

// Validate checks that an operation carries every field its type requires.
// The merge engine assumes operations have passed this check.
func Validate(op Operation) error {
	if op == nil {
		return fmt.Errorf("%w: nil operation", ErrMalformed)
	}
	if op.OpID() == "" {
		return fmt.Errorf("%w: missing id", ErrMalformed)
	}
	if op.Stamp().ClientID == "" {
		return fmt.Errorf("%w: %s missing timestamp client id", ErrMalformed, op.OpID())
	}
	if op.Target() == "" {
		return fmt.Errorf("%w: %s missing node id", ErrMalformed, op.OpID())
	}

	switch o := op.(type) {
	case *SetProperty:
		if err := o.Path.Validate(); err != nil {
			return fmt.Errorf("%w: %s %v", ErrMalformed, op.OpID(), err)
		}
	case *MoveNode:
		if o.NewParentID == "" {
			return fmt.Errorf("%w: %s missing new parent id", ErrMalformed, op.OpID())
		}
		if o.NewParentID == o.NodeID {
			return fmt.Errorf("%w: %s moves node under itself", ErrMalformed, op.OpID())
		}
	case *InsertNode:
		if o.ParentID == o.NodeID {
			return fmt.Errorf("%w: %s inserts node under itself", ErrMalformed, op.OpID())
		}
	}
	return nil
}
