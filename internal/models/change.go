package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Change reports the decision for one merged operation of a document. Seq is
// the operation's position in the document log, or 0 if it was rejected.
type Change struct {
	DocID  string
	Seq    uint64
	Op     Operation
	Result MergeResult
	At     time.Time
}

type changeJSON struct {
	DocID  string      `json:"doc_id"`
	Seq    uint64      `json:"seq,omitempty"`
	Op     Envelope    `json:"op"`
	Result MergeResult `json:"result"`
	At     time.Time   `json:"at"`
}

// MarshalJSON encodes the operation in its envelope form.
func (c Change) MarshalJSON() ([]byte, error) {
	if c.Op == nil {
		return nil, fmt.Errorf("change for %s has no operation", c.DocID)
	}
	return json.Marshal(changeJSON{
		DocID:  c.DocID,
		Seq:    c.Seq,
		Op:     ToEnvelope(c.Op),
		Result: c.Result,
		At:     c.At,
	})
}

// UnmarshalJSON decodes a change produced by MarshalJSON.
func (c *Change) UnmarshalJSON(data []byte) error {
	var raw changeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	op, err := raw.Op.Operation()
	if err != nil {
		return err
	}
	*c = Change{DocID: raw.DocID, Seq: raw.Seq, Op: op, Result: raw.Result, At: raw.At}
	return nil
}
