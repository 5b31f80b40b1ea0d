package models

import "fmt"

// RejectKind classifies why an operation was not applied
type RejectKind string

const (
	RejectIdentity  RejectKind = "identity"  // insert of an id that already exists
	RejectTombstone RejectKind = "tombstone" // target (or re-inserted id) is deleted
	RejectCausal    RejectKind = "causal"    // a prerequisite node is missing or deleted
	RejectStale     RejectKind = "stale"     // a newer write already won
	RejectUnknown   RejectKind = "unknown"   // operation type the engine does not handle
)

// MergeResult is the outcome of merging one operation. Rejection is a normal
// outcome, not an error.
type MergeResult struct {
	Apply  bool       `json:"apply"`
	Reason string     `json:"reason,omitempty"`
	Kind   RejectKind `json:"kind,omitempty"`
}

// Accepted returns a result that applies the operation.
func Accepted() MergeResult {
	return MergeResult{Apply: true}
}

// Rejected returns a result that drops the operation with a reason.
func Rejected(kind RejectKind, format string, args ...interface{}) MergeResult {
	return MergeResult{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

func (r MergeResult) String() string {
	if r.Apply {
		return "applied"
	}
	return fmt.Sprintf("rejected (%s): %s", r.Kind, r.Reason)
}
