// Package clock provides the logical clocks used to order and relate edits:
// Lamport timestamps for a total order across replicas and vector clocks for
// causal bookkeeping.
package clock

import (
	"fmt"
	"strings"
)

// Timestamp is a Lamport timestamp. Counter is compared first and ClientID
// breaks ties, so two stamps from different clients are never equal.
type Timestamp struct {
	Counter  uint64 `json:"counter"`
	ClientID string `json:"clientId"`
}

// New returns a timestamp for the given counter and client.
func New(counter uint64, clientID string) Timestamp {
	return Timestamp{Counter: counter, ClientID: clientID}
}

// Compare returns -1, 0 or 1 when t sorts before, equal to or after other.
func (t Timestamp) Compare(other Timestamp) int {
	switch {
	case t.Counter < other.Counter:
		return -1
	case t.Counter > other.Counter:
		return 1
	}
	return strings.Compare(t.ClientID, other.ClientID)
}

// Less reports whether t sorts strictly before other.
func (t Timestamp) Less(other Timestamp) bool {
	return t.Compare(other) < 0
}

// After reports whether t sorts strictly after other.
func (t Timestamp) After(other Timestamp) bool {
	return t.Compare(other) > 0
}

// IsZero reports whether t is the zero value.
func (t Timestamp) IsZero() bool {
	return t.Counter == 0 && t.ClientID == ""
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d@%s", t.Counter, t.ClientID)
}
