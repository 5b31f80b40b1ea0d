package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kilupskalvis/scenemerge/internal/models"
	"github.com/kilupskalvis/scenemerge/internal/notify"
	"github.com/kilupskalvis/scenemerge/internal/replica"
)

const (
	subscriberBuffer = 64
	publishTimeout   = 5 * time.Second
)

// Hub drains the change channel of every attached document and fans each
// change out to the document's stream subscribers and to a publisher.
type Hub struct {
	publisher notify.Publisher
	logger    *slog.Logger

	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
	wg   sync.WaitGroup
}

// Subscription receives the changes of one document. C is closed when the
// document closes or the subscriber falls too far behind.
type Subscription struct {
	docID string
	C     chan models.Change
}

// NewHub creates a hub. A nil publisher discards changes.
func NewHub(publisher notify.Publisher, logger *slog.Logger) *Hub {
	if publisher == nil {
		publisher = notify.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		publisher: publisher,
		logger:    logger,
		subs:      make(map[string]map[*Subscription]struct{}),
	}
}

// Attach starts draining doc. It returns immediately; the drain ends when
// the document is closed.
func (h *Hub) Attach(doc *replica.Document) {
	h.wg.Add(1)
	go h.run(doc)
}

func (h *Hub) run(doc *replica.Document) {
	defer h.wg.Done()

	for change := range doc.Changes() {
		h.broadcast(change)

		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := h.publisher.Publish(ctx, change); err != nil {
			h.logger.Warn("publish change", "doc", change.DocID, "op_id", change.Op.OpID(), "error", err)
		}
		cancel()
	}

	h.mu.Lock()
	for sub := range h.subs[doc.ID()] {
		close(sub.C)
	}
	delete(h.subs, doc.ID())
	h.mu.Unlock()
}

func (h *Hub) broadcast(change models.Change) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[change.DocID] {
		select {
		case sub.C <- change:
		default:
			h.logger.Warn("dropping slow stream subscriber", "doc", change.DocID)
			close(sub.C)
			delete(h.subs[change.DocID], sub)
		}
	}
}

// Subscribe registers a subscriber for docID.
func (h *Hub) Subscribe(docID string) *Subscription {
	sub := &Subscription{docID: docID, C: make(chan models.Change, subscriberBuffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[docID] == nil {
		h.subs[docID] = make(map[*Subscription]struct{})
	}
	h.subs[docID][sub] = struct{}{}
	return sub
}

// Unsubscribe removes sub. It is safe to call after the hub dropped it.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.docID][sub]; ok {
		close(sub.C)
		delete(h.subs[sub.docID], sub)
	}
}

// Subscribers returns the number of live subscribers of docID.
func (h *Hub) Subscribers(docID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[docID])
}

// Wait blocks until every attached document has been closed and drained.
func (h *Hub) Wait() {
	h.wg.Wait()
}

// Close waits for the drains and closes the publisher.
func (h *Hub) Close() error {
	h.Wait()
	return h.publisher.Close()
}
