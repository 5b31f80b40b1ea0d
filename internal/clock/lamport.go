package clock

// Lamport issues timestamps for a single client. It is not safe for
// concurrent use; owners serialize access.
type Lamport struct {
	clientID string
	counter  uint64
}

// NewLamport returns a clock for clientID starting at zero.
func NewLamport(clientID string) *Lamport {
	return &Lamport{clientID: clientID}
}

// Tick advances the clock and returns the new timestamp.
func (l *Lamport) Tick() Timestamp {
	l.counter++
	return Timestamp{Counter: l.counter, ClientID: l.clientID}
}

// Observe moves the clock forward past a timestamp seen from another replica.
func (l *Lamport) Observe(ts Timestamp) {
	if ts.Counter > l.counter {
		l.counter = ts.Counter
	}
}

// Current returns the highest counter issued or observed.
func (l *Lamport) Current() uint64 {
	return l.counter
}

// ClientID returns the client this clock stamps for.
func (l *Lamport) ClientID() string {
	return l.clientID
}
