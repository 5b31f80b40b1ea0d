package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/kilupskalvis/scenemerge/internal/models"
)

// Stream is a live connection to a document's change stream. Next must be
// called from a single goroutine; Submit may be called from any.
type Stream struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

// streamURL turns an http(s) base URL into the document's ws(s) stream URL.
func streamURL(baseURL, docID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/docs/" + docID + "/stream"
	return u.String(), nil
}

// DialStream connects to the change stream of docID.
func DialStream(ctx context.Context, baseURL, docID, token string) (*Stream, error) {
	target, err := streamURL(baseURL, docID)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode >= 400 {
				return nil, fmt.Errorf("dial stream: %w", decodeError(resp))
			}
		}
		return nil, fmt.Errorf("dial stream: %w", err)
	}

	return &Stream{conn: conn}, nil
}

// Next blocks until the next message arrives.
func (s *Stream) Next() (*StreamMessage, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var msg StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode stream message: %w", err)
	}
	return &msg, nil
}

// Submit sends an operation batch. The results arrive through Next as a
// message with the same id.
func (s *Stream) Submit(id string, ops []models.Operation) error {
	req := StreamRequest{ID: id, Ops: make([]models.Envelope, len(ops))}
	for i, op := range ops {
		req.Ops[i] = models.ToEnvelope(op)
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode stream request: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream is closed")
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and closes the connection.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.conn.Close()
}

// IsClosed reports whether err is a normal end of the stream.
func IsClosed(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
