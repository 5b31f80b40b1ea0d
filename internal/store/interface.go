// Package store persists the accepted operations of each document so a
// replica can be rebuilt by replaying them.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kilupskalvis/scenemerge/internal/models"
)

// Sentinel errors for expected conditions.
var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store closed")
)

// Entry is one logged operation with its position in the log.
type Entry struct {
	Seq        uint64
	AppendedAt time.Time
	Op         models.Operation
}

// OpLog is an append-only log of accepted operations for one document.
type OpLog interface {
	// Append stores ops in order and returns the sequence number of the first one.
	// Sequence numbers start at 1.
	Append(ctx context.Context, ops []models.Operation) (uint64, error)

	// Load returns entries with a sequence number greater than afterSeq, oldest first.
	Load(ctx context.Context, afterSeq uint64) ([]Entry, error)

	// Count returns the number of logged operations.
	Count(ctx context.Context) (int, error)

	// GetValue and SetValue manage document metadata.
	GetValue(ctx context.Context, key string) (string, error)
	SetValue(ctx context.Context, key, value string) error

	// Close releases resources.
	Close() error
}
