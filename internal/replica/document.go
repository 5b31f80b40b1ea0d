// Package replica hosts the merge engine for live documents. Each Document
// owns one CRDT state and serializes every merge against it; different
// documents are independent and may be merged in parallel.
package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kilupskalvis/scenemerge/internal/clock"
	"github.com/kilupskalvis/scenemerge/internal/crdt"
	"github.com/kilupskalvis/scenemerge/internal/models"
	"github.com/kilupskalvis/scenemerge/internal/store"
)

// DefaultChangeBuffer is the capacity of a document's outbound change channel.
const DefaultChangeBuffer = 256

// Options configures a Document.
type Options struct {
	Roots             []models.NodeID
	Policy            crdt.PositionPolicy
	AdoptPlaceholders bool
	ChangeBuffer      int
	Logger            *slog.Logger
}

// Document is one replica of a shared scene document.
type Document struct {
	id     string
	log    store.OpLog
	logger *slog.Logger

	mu      sync.Mutex
	merger  *crdt.Merger
	vector  *clock.VectorClock
	lamport *clock.Lamport
	lastSeq uint64

	changes chan models.Change
	dropped atomic.Uint64
	closed  bool
}

// OpenDocument builds a document and replays its log into a fresh state.
func OpenDocument(ctx context.Context, id string, log store.OpLog, opts Options) (*Document, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ChangeBuffer <= 0 {
		opts.ChangeBuffer = DefaultChangeBuffer
	}
	logger := opts.Logger.With("doc", id)

	d := &Document{
		id:     id,
		log:    log,
		logger: logger,
		merger: crdt.NewMerger(crdt.NewState(opts.Roots...),
			crdt.WithPositionPolicy(opts.Policy),
			crdt.WithPlaceholderAdoption(opts.AdoptPlaceholders),
			crdt.WithLogger(logger)),
		vector:  clock.NewVectorClock(),
		lamport: clock.NewLamport(id),
		changes: make(chan models.Change, opts.ChangeBuffer),
	}

	if err := d.initMeta(ctx, opts); err != nil {
		return nil, err
	}

	entries, err := log.Load(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("load log for %s: %w", id, err)
	}

	var diverged int
	for _, e := range entries {
		if res := d.merger.Merge(e.Op); !res.Apply {
			// Logged ops were accepted once; a rejection here means the log
			// was written under different roots or policy.
			diverged++
		}
		d.observe(e.Op)
		d.lastSeq = e.Seq
	}
	if diverged > 0 {
		logger.Warn("replayed operations were rejected", "count", diverged)
	}
	logger.Debug("document opened", "replayed", len(entries), "nodes", d.merger.State().Len())

	return d, nil
}

// Metadata keys recorded in the op log.
const (
	metaDocID     = "doc_id"
	metaCreatedAt = "created_at"
	metaPolicy    = "position_policy"
	metaAdoption  = "placeholder_adoption"
)

// initMeta stamps a new log with its document id and merge options, and warns
// when an existing log was written under other options.
func (d *Document) initMeta(ctx context.Context, opts Options) error {
	policy := opts.Policy
	if policy == "" {
		policy = crdt.PositionArrival
	}
	adoption := strconv.FormatBool(opts.AdoptPlaceholders)

	stored, err := d.log.GetValue(ctx, metaPolicy)
	switch {
	case errors.Is(err, store.ErrNotFound):
		meta := []struct{ key, value string }{
			{metaDocID, d.id},
			{metaCreatedAt, time.Now().UTC().Format(time.RFC3339)},
			{metaPolicy, string(policy)},
			{metaAdoption, adoption},
		}
		for _, m := range meta {
			if err := d.log.SetValue(ctx, m.key, m.value); err != nil {
				return fmt.Errorf("record %s: %w", m.key, err)
			}
		}
		return nil
	case err != nil:
		return fmt.Errorf("read metadata for %s: %w", d.id, err)
	case stored != string(policy):
		d.logger.Warn("document log was written under another position policy",
			"stored", stored, "configured", policy)
	}

	// logs created before the adoption flag was recorded have no value
	storedAdoption, err := d.log.GetValue(ctx, metaAdoption)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return fmt.Errorf("read metadata for %s: %w", d.id, err)
	case storedAdoption != adoption:
		d.logger.Warn("document log was written with another placeholder adoption setting",
			"stored", storedAdoption, "configured", adoption)
	}
	return nil
}

// ID returns the document id.
func (d *Document) ID() string {
	return d.id
}

func (d *Document) observe(op models.Operation) {
	d.vector.Observe(op.Stamp())
	d.lamport.Observe(op.Stamp())
}

// Merge merges ops in order, persists the accepted ones and emits one change
// per op. The returned results line up with ops. Decisions are made against a
// fork of the state that replaces it only once the accepted ops are in the
// log, so a failed Append leaves the document as it was and the batch can be
// resubmitted.
func (d *Document) Merge(ctx context.Context, ops []models.Operation) ([]models.MergeResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}

	next := d.merger.Fork()
	results := next.MergeAll(ops)

	var accepted []models.Operation
	for i, op := range ops {
		if results[i].Apply {
			accepted = append(accepted, op)
		}
	}

	var first uint64
	if len(accepted) > 0 {
		var err error
		first, err = d.log.Append(ctx, accepted)
		if err != nil {
			return nil, fmt.Errorf("persist %d operations: %w", len(accepted), err)
		}
		d.lastSeq = first + uint64(len(accepted)) - 1
	}
	d.merger = next

	now := time.Now().UTC()
	seq := first
	for i, op := range ops {
		d.observe(op)
		change := models.Change{DocID: d.id, Op: op, Result: results[i], At: now}
		if results[i].Apply {
			change.Seq = seq
			seq++
		}
		d.emit(change)
	}

	return results, nil
}

// emit sends without blocking; a full channel drops the change.
func (d *Document) emit(change models.Change) {
	select {
	case d.changes <- change:
	default:
		if d.dropped.Add(1) == 1 {
			d.logger.Warn("change channel full, dropping changes")
		}
	}
}

// Changes returns the document's outbound change channel. It is closed by Close.
func (d *Document) Changes() <-chan models.Change {
	return d.changes
}

// Dropped returns how many changes were dropped because nobody drained Changes.
func (d *Document) Dropped() uint64 {
	return d.dropped.Load()
}

// NodeState returns the merge metadata for a node.
func (d *Document) NodeState(id models.NodeID) (crdt.NodeState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.merger.State().GetNodeState(id)
}

// IsDeleted reports whether a node is tombstoned.
func (d *Document) IsDeleted(id models.NodeID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.merger.State().IsDeleted(id)
}

// PropertyTimestamp returns the last write marker for a node property.
func (d *Document) PropertyTimestamp(id models.NodeID, path models.PropertyPath) (clock.Timestamp, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.merger.State().GetPropertyTimestamp(id, path)
}

// Snapshot copies the document state.
func (d *Document) Snapshot() crdt.Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.merger.State().Snapshot()
}

// SnapshotWithClock copies the state and the clock it corresponds to.
func (d *Document) SnapshotWithClock() (crdt.Snapshot, ClockInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.merger.State().Snapshot(), d.clockLocked()
}

// ClockInfo summarizes the stamps a document has seen.
type ClockInfo struct {
	Vector      map[string]uint64 `json:"vector"`
	NextCounter uint64            `json:"next_counter"`
	LastSeq     uint64            `json:"last_seq"`
}

// Clock returns the vector of observed stamps and the lowest counter a client
// can use to stamp an op that sorts after everything seen so far.
func (d *Document) Clock() ClockInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clockLocked()
}

func (d *Document) clockLocked() ClockInfo {
	return ClockInfo{
		Vector:      d.vector.ToMap(),
		NextCounter: d.lamport.Current() + 1,
		LastSeq:     d.lastSeq,
	}
}

// Log returns entries after afterSeq.
func (d *Document) Log(ctx context.Context, afterSeq uint64) ([]store.Entry, error) {
	return d.log.Load(ctx, afterSeq)
}

// Close closes the change channel and the op log.
func (d *Document) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	close(d.changes)
	return d.log.Close()
}
