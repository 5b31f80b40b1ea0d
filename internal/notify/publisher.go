// Package notify delivers merge decisions to interested parties outside the
// replica, such as other server instances.
package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/kilupskalvis/scenemerge/internal/models"
)

// Publisher sends changes somewhere. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, change models.Change) error
	Close() error
}

// Nop discards every change.
type Nop struct{}

func (Nop) Publish(context.Context, models.Change) error { return nil }
func (Nop) Close() error                                 { return nil }

// MemoryPublisher records published changes.
type MemoryPublisher struct {
	mu      sync.Mutex
	changes []models.Change
	closed  bool
}

// NewMemoryPublisher returns an empty recorder.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (m *MemoryPublisher) Publish(_ context.Context, change models.Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("publisher is closed")
	}
	m.changes = append(m.changes, change)
	return nil
}

// Changes returns a copy of everything published so far.
func (m *MemoryPublisher) Changes() []models.Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Change, len(m.changes))
	copy(out, m.changes)
	return out
}

func (m *MemoryPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, change models.Change) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, change); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
