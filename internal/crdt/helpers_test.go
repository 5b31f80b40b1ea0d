package crdt

import (
	"fmt"

	"github.com/kilupskalvis/scenemerge/internal/clock"
	"github.com/kilupskalvis/scenemerge/internal/models"
)

var opSeq int

func hdr(counter uint64, client string) models.Header {
	opSeq++
	return models.Header{ID: fmt.Sprintf("op-%d", opSeq), Timestamp: clock.New(counter, client)}
}

func insertOp(id, parent, idx string, counter uint64, client string) *models.InsertNode {
	return &models.InsertNode{
		Header:          hdr(counter, client),
		NodeID:          models.NodeID(id),
		NodeType:        "frame",
		ParentID:        models.NodeID(parent),
		FractionalIndex: idx,
	}
}

func deleteOp(id string, counter uint64, client string) *models.DeleteNode {
	return &models.DeleteNode{Header: hdr(counter, client), NodeID: models.NodeID(id)}
}

func setOp(id string, path []string, value string, counter uint64, client string) *models.SetProperty {
	return &models.SetProperty{
		Header:   hdr(counter, client),
		NodeID:   models.NodeID(id),
		Path:     path,
		NewValue: []byte(fmt.Sprintf("%q", value)),
	}
}

func moveOp(id, oldParent, newParent, idx string, counter uint64, client string) *models.MoveNode {
	return &models.MoveNode{
		Header:          hdr(counter, client),
		NodeID:          models.NodeID(id),
		OldParentID:     models.NodeID(oldParent),
		NewParentID:     models.NodeID(newParent),
		FractionalIndex: idx,
	}
}

func reorderOp(id, parent, idx string, counter uint64, client string) *models.ReorderNode {
	return &models.ReorderNode{
		Header:          hdr(counter, client),
		NodeID:          models.NodeID(id),
		ParentID:        models.NodeID(parent),
		FractionalIndex: idx,
	}
}
