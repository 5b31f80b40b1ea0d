package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/kilupskalvis/scenemerge/internal/clock"
	"github.com/kilupskalvis/scenemerge/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func webhookChange(seq uint64, apply bool) models.Change {
	result := models.Accepted()
	if !apply {
		result = models.Rejected(models.RejectStale, "older write")
	}
	return models.Change{
		DocID:  "design",
		Seq:    seq,
		Op:     &models.DeleteNode{Header: models.Header{ID: "op-1", Timestamp: clock.New(3, "c1")}, NodeID: "rect"},
		Result: result,
		At:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestNewWebhookPublisher_NilConfig(t *testing.T) {
	assert.Nil(t, NewWebhookPublisher(nil, slog.Default()))
}

func TestNewWebhookPublisher_EmptyURLs(t *testing.T) {
	assert.Nil(t, NewWebhookPublisher(&WebhookConfig{URLs: nil}, slog.Default()))
}

func TestWebhookPublisher_Publish(t *testing.T) {
	var mu sync.Mutex
	var received []WebhookEvent
	var signatures []string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var event WebhookEvent
		if err := json.Unmarshal(body, &event); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, event)
		signatures = append(signatures, r.Header.Get(SignatureHeader))
		mu.Unlock()
		assert.Equal(t, Sign("s3cret", body), r.Header.Get(SignatureHeader))
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	wp := NewWebhookPublisher(&WebhookConfig{URLs: []string{ts.URL}, Secret: "s3cret"}, slog.Default())
	require.NotNil(t, wp)

	require.NoError(t, wp.Publish(context.Background(), webhookChange(7, true)))
	require.NoError(t, wp.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	ev := received[0]
	assert.Equal(t, "change", ev.Event)
	assert.Equal(t, "design", ev.Doc)
	assert.Equal(t, uint64(7), ev.Seq)
	assert.Equal(t, "op-1", ev.OpID)
	assert.Equal(t, models.OperationDeleteNode, ev.Type)
	assert.Equal(t, models.NodeID("rect"), ev.NodeID)
	assert.True(t, ev.Applied)
	assert.Equal(t, "2026-01-02T03:04:05Z", ev.Timestamp)
	assert.NotEmpty(t, signatures[0])
}

func TestWebhookPublisher_MultipleURLs(t *testing.T) {
	var mu sync.Mutex
	callCount := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		callCount++
		mu.Unlock()
		assert.Empty(t, r.Header.Get(SignatureHeader))
		w.WriteHeader(http.StatusOK)
	})

	ts1 := httptest.NewServer(handler)
	defer ts1.Close()
	ts2 := httptest.NewServer(handler)
	defer ts2.Close()

	wp := NewWebhookPublisher(&WebhookConfig{URLs: []string{ts1.URL, ts2.URL}}, slog.Default())
	require.NotNil(t, wp)

	require.NoError(t, wp.Publish(context.Background(), webhookChange(1, true)))
	require.NoError(t, wp.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, callCount)
}

func TestWebhookPublisher_AcceptedOnly(t *testing.T) {
	var mu sync.Mutex
	var received []WebhookEvent
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event WebhookEvent
		if err := json.NewDecoder(r.Body).Decode(&event); err == nil {
			mu.Lock()
			received = append(received, event)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	wp := NewWebhookPublisher(&WebhookConfig{URLs: []string{ts.URL}, AcceptedOnly: true}, slog.Default())
	require.NoError(t, wp.Publish(context.Background(), webhookChange(0, false)))
	require.NoError(t, wp.Publish(context.Background(), webhookChange(2, true)))
	require.NoError(t, wp.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, uint64(2), received[0].Seq)
}

func TestWebhookPublisher_ClosedRejectsPublish(t *testing.T) {
	wp := NewWebhookPublisher(&WebhookConfig{URLs: []string{"http://127.0.0.1:1"}}, slog.Default())
	require.NoError(t, wp.Close())
	assert.Error(t, wp.Publish(context.Background(), webhookChange(1, true)))
}

func TestWebhookPublisher_Post_4xxNoRetry(t *testing.T) {
	callCount := 0

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	wp := NewWebhookPublisher(&WebhookConfig{URLs: []string{ts.URL}}, slog.Default())
	require.NotNil(t, wp)

	err := wp.post(ts.URL, []byte(`{}`))
	assert.Error(t, err)
	assert.Equal(t, 1, callCount) // no retry for 4xx
}

func TestSign(t *testing.T) {
	assert.Equal(t, Sign("k", []byte("body")), Sign("k", []byte("body")))
	assert.NotEqual(t, Sign("k", []byte("body")), Sign("other", []byte("body")))
	assert.Len(t, Sign("k", nil), 64)
}
