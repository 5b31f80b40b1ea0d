// Package remote defines the protocol types and clients for scenemerge server communication.
package remote

import (
	"time"

	"github.com/kilupskalvis/scenemerge/internal/clock"
	"github.com/kilupskalvis/scenemerge/internal/crdt"
	"github.com/kilupskalvis/scenemerge/internal/models"
)

// SubmitOpsResponse carries one merge result per submitted operation, in order.
type SubmitOpsResponse struct {
	Results  []models.MergeResult `json:"results"`
	Accepted int                  `json:"accepted"`
	Rejected int                  `json:"rejected"`
}

// NodeInfo is the merge metadata of one node.
type NodeInfo struct {
	ID    models.NodeID  `json:"id"`
	Live  bool           `json:"live"`
	State crdt.NodeState `json:"state"`
}

// PropertyInfo is the last accepted write marker of one property.
type PropertyInfo struct {
	NodeID    models.NodeID   `json:"node_id"`
	Path      string          `json:"path"`
	Timestamp clock.Timestamp `json:"timestamp"`
}

// ClockInfo reports the stamps a document has observed. NextCounter is the
// lowest counter a client can stamp with and still sort after everything seen.
type ClockInfo struct {
	Vector      map[string]uint64 `json:"vector"`
	NextCounter uint64            `json:"next_counter"`
	LastSeq     uint64            `json:"last_seq"`
}

// SnapshotResponse is the full state of a document.
type SnapshotResponse struct {
	Doc   string        `json:"doc"`
	Nodes crdt.Snapshot `json:"nodes"`
	Clock ClockInfo     `json:"clock"`
}

// LogEntry is one accepted operation from the document log.
type LogEntry struct {
	Seq        uint64          `json:"seq"`
	AppendedAt time.Time       `json:"appended_at"`
	Op         models.Envelope `json:"op"`
}

// LogResponse lists log entries after a sequence number.
type LogResponse struct {
	Entries []LogEntry `json:"entries"`
}

// Stream message types.
const (
	StreamChange  = "change"
	StreamResults = "results"
	StreamError   = "error"
)

// StreamRequest is an operation batch sent over the stream. ID is echoed
// back on the matching results message.
type StreamRequest struct {
	ID  string            `json:"id"`
	Ops []models.Envelope `json:"ops"`
}

// StreamMessage is a server-to-client stream frame.
type StreamMessage struct {
	Type    string             `json:"type"`
	ID      string             `json:"id,omitempty"`
	Change  *models.Change     `json:"change,omitempty"`
	Results *SubmitOpsResponse `json:"results,omitempty"`
	Error   *ErrorResponse     `json:"error,omitempty"`
}

// ErrorResponse is the structured error format returned by the server.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Detail  map[string]string `json:"detail,omitempty"`
}
