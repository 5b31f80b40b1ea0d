package store

import (
	"context"
	"sync"
	"time"

	"github.com/kilupskalvis/scenemerge/internal/models"
)

// MemoryLog is an in-memory OpLog for tests and offline replay.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []Entry
	meta    map[string]string
	closed  bool
}

// NewMemoryLog returns an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{meta: make(map[string]string)}
}

func (m *MemoryLog) Append(_ context.Context, ops []models.Operation) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	if len(ops) == 0 {
		return 0, nil
	}

	first := uint64(len(m.entries)) + 1
	now := time.Now().UTC()
	for i, op := range ops {
		m.entries = append(m.entries, Entry{Seq: first + uint64(i), AppendedAt: now, Op: op})
	}
	return first, nil
}

func (m *MemoryLog) Load(_ context.Context, afterSeq uint64) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	if afterSeq >= uint64(len(m.entries)) {
		return nil, nil
	}
	out := make([]Entry, len(m.entries)-int(afterSeq))
	copy(out, m.entries[afterSeq:])
	return out, nil
}

func (m *MemoryLog) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

func (m *MemoryLog) GetValue(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.meta[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryLog) SetValue(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[key] = value
	return nil
}

func (m *MemoryLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
