package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kilupskalvis/scenemerge/internal/models"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is set.
const SignatureHeader = "X-Scenemerge-Signature"

// WebhookEvent is the payload posted for each change.
type WebhookEvent struct {
	Event     string               `json:"event"`
	Doc       string               `json:"doc"`
	Seq       uint64               `json:"seq,omitempty"`
	OpID      string               `json:"op_id"`
	Type      models.OperationType `json:"type"`
	NodeID    models.NodeID        `json:"node_id"`
	Applied   bool                 `json:"applied"`
	Kind      models.RejectKind    `json:"kind,omitempty"`
	Reason    string               `json:"reason,omitempty"`
	Timestamp string               `json:"timestamp"`
}

// WebhookConfig holds the webhook targets.
type WebhookConfig struct {
	URLs         []string
	Secret       string
	AcceptedOnly bool // skip rejected operations
}

// WebhookPublisher posts changes to configured URLs in the background.
type WebhookPublisher struct {
	config *WebhookConfig
	client *http.Client
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewWebhookPublisher creates a webhook publisher. Returns nil if no URLs are configured.
func NewWebhookPublisher(cfg *WebhookConfig, logger *slog.Logger) *WebhookPublisher {
	if cfg == nil || len(cfg.URLs) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookPublisher{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Publish queues delivery of the change and returns without waiting for it.
func (wp *WebhookPublisher) Publish(_ context.Context, change models.Change) error {
	if change.Op == nil {
		return fmt.Errorf("change for %s has no operation", change.DocID)
	}
	if wp.config.AcceptedOnly && !change.Result.Apply {
		return nil
	}

	event := &WebhookEvent{
		Event:     "change",
		Doc:       change.DocID,
		Seq:       change.Seq,
		OpID:      change.Op.OpID(),
		Type:      change.Op.Type(),
		NodeID:    change.Op.Target(),
		Applied:   change.Result.Apply,
		Kind:      change.Result.Kind,
		Reason:    change.Result.Reason,
		Timestamp: change.At.UTC().Format(time.RFC3339Nano),
	}

	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.closed {
		return fmt.Errorf("webhook publisher is closed")
	}
	wp.wg.Add(1)
	go func() {
		defer wp.wg.Done()
		wp.send(event)
	}()
	return nil
}

// Close waits for queued deliveries to finish.
func (wp *WebhookPublisher) Close() error {
	wp.mu.Lock()
	wp.closed = true
	wp.mu.Unlock()
	wp.wg.Wait()
	return nil
}

// send delivers the event to all configured URLs.
func (wp *WebhookPublisher) send(event *WebhookEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		wp.logger.Error("webhook: marshal event", "error", err)
		return
	}

	for _, url := range wp.config.URLs {
		if err := wp.post(url, data); err != nil {
			wp.logger.Warn("webhook: delivery failed", "url", url, "doc", event.Doc, "error", err)
		} else {
			wp.logger.Debug("webhook: delivered", "url", url, "doc", event.Doc, "op_id", event.OpID)
		}
	}
}

// post sends a single webhook POST with retry (up to 2 retries).
func (wp *WebhookPublisher) post(url string, data []byte) error {
	const maxRetries = 2

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "scenemerge/1.0")
		if wp.config.Secret != "" {
			req.Header.Set(SignatureHeader, Sign(wp.config.Secret, data))
		}

		resp, err := wp.client.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(time.Duration(attempt+1) * time.Second)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
		if resp.StatusCode < 500 {
			return lastErr // don't retry 4xx
		}
		time.Sleep(time.Duration(attempt+1) * time.Second)
	}

	return lastErr
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
