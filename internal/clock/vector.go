package clock

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// VectorClock maps client IDs to the highest counter seen from that client.
// Clients that are absent count as 0. The zero value is an empty clock, and a
// nil *VectorClock reads as one.
type VectorClock struct {
	entries map[string]uint64
}

// NewVectorClock returns an empty vector clock.
func NewVectorClock() *VectorClock {
	return &VectorClock{entries: make(map[string]uint64)}
}

// FromMap builds a vector clock from a plain counter map. Zero entries are dropped.
func FromMap(m map[string]uint64) *VectorClock {
	vc := NewVectorClock()
	for client, n := range m {
		if n > 0 {
			vc.entries[client] = n
		}
	}
	return vc
}

// counters returns the entries for reading; nil for a nil clock.
func (vc *VectorClock) counters() map[string]uint64 {
	if vc == nil {
		return nil
	}
	return vc.entries
}

// writable returns the entries for writing, allocating them on first use.
func (vc *VectorClock) writable() map[string]uint64 {
	if vc.entries == nil {
		vc.entries = make(map[string]uint64)
	}
	return vc.entries
}

// Get returns the counter for a client.
func (vc *VectorClock) Get(clientID string) uint64 {
	return vc.counters()[clientID]
}

// Set overwrites the counter for a client.
func (vc *VectorClock) Set(clientID string, n uint64) {
	if n == 0 {
		delete(vc.entries, clientID)
		return
	}
	vc.writable()[clientID] = n
}

// Increment bumps the counter for a client and returns the new value.
func (vc *VectorClock) Increment(clientID string) uint64 {
	entries := vc.writable()
	entries[clientID]++
	return entries[clientID]
}

// Observe raises the entry for ts.ClientID to at least ts.Counter.
func (vc *VectorClock) Observe(ts Timestamp) {
	if ts.Counter > vc.entries[ts.ClientID] {
		vc.writable()[ts.ClientID] = ts.Counter
	}
}

// Merge takes the pointwise maximum of vc and other into vc. other is not modified.
func (vc *VectorClock) Merge(other *VectorClock) {
	for client, n := range other.counters() {
		if n > vc.entries[client] {
			vc.writable()[client] = n
		}
	}
}

// HappenedBefore reports whether vc is causally before other: every entry is
// less than or equal to other's and at least one is strictly less.
func (vc *VectorClock) HappenedBefore(other *VectorClock) bool {
	mine, theirs := vc.counters(), other.counters()
	for client, n := range mine {
		if n > theirs[client] {
			return false
		}
	}
	for client, n := range theirs {
		if mine[client] < n {
			return true
		}
	}
	return false
}

// IsConcurrent reports whether neither clock happened before the other.
// Equal clocks are concurrent.
func (vc *VectorClock) IsConcurrent(other *VectorClock) bool {
	return !vc.HappenedBefore(other) && !other.HappenedBefore(vc)
}

// Equals reports whether both clocks hold the same counters.
func (vc *VectorClock) Equals(other *VectorClock) bool {
	mine, theirs := vc.counters(), other.counters()
	if len(mine) != len(theirs) {
		return false
	}
	for client, n := range mine {
		if theirs[client] != n {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (vc *VectorClock) Clone() *VectorClock {
	return FromMap(vc.counters())
}

// ToMap returns a copy of the counters as a plain map.
func (vc *VectorClock) ToMap() map[string]uint64 {
	entries := vc.counters()
	m := make(map[string]uint64, len(entries))
	for client, n := range entries {
		m[client] = n
	}
	return m
}

// Clients returns the client IDs with a non-zero counter, sorted.
func (vc *VectorClock) Clients() []string {
	entries := vc.counters()
	clients := make([]string, 0, len(entries))
	for client := range entries {
		clients = append(clients, client)
	}
	sort.Strings(clients)
	return clients
}

func (vc *VectorClock) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, client := range vc.Clients() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(client)
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(vc.Get(client), 10))
	}
	b.WriteByte('}')
	return b.String()
}

// MarshalJSON encodes the clock as a plain counter map.
func (vc *VectorClock) MarshalJSON() ([]byte, error) {
	return json.Marshal(vc.ToMap())
}

// UnmarshalJSON decodes a plain counter map.
func (vc *VectorClock) UnmarshalJSON(data []byte) error {
	var m map[string]uint64
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*vc = *FromMap(m)
	return nil
}
