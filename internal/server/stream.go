package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kilupskalvis/scenemerge/internal/models"
	"github.com/kilupskalvis/scenemerge/internal/remote"
	"github.com/kilupskalvis/scenemerge/internal/replica"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// makeStreamHandler upgrades to a WebSocket that carries the document's
// changes to the client and accepts op batches from it.
func makeStreamHandler(hub *Hub, logger *slog.Logger) docHandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, doc *replica.Document, cfg *ServerConfig) {
		writable := canWrite(r.Context())
		reqID, _ := r.Context().Value(contextKeyRequestID).(string)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already replied with an HTTP error.
			logger.Debug("stream upgrade failed", "doc", doc.ID(), "error", err)
			return
		}

		sub := hub.Subscribe(doc.ID())
		c := &streamConn{
			ctx:      r.Context(),
			conn:     conn,
			doc:      doc,
			sub:      sub,
			writable: writable,
			out:      make(chan remote.StreamMessage, 16),
			done:     make(chan struct{}),
			stopped:  make(chan struct{}),
			logger:   logger.With("doc", doc.ID(), "request_id", reqID),
		}
		c.logger.Debug("stream opened")

		go c.writeLoop()
		c.readLoop(cfg.MaxRequestBody)

		hub.Unsubscribe(sub)
		close(c.done)
		c.logger.Debug("stream closed")
	}
}

type streamConn struct {
	ctx      context.Context
	conn     *websocket.Conn
	doc      *replica.Document
	sub      *Subscription
	writable bool
	out      chan remote.StreamMessage
	done     chan struct{} // reader finished
	stopped  chan struct{} // writer finished
	logger   *slog.Logger
}

// readLoop handles client frames until the connection fails.
func (c *streamConn) readLoop(limit int64) {
	if limit > 0 {
		c.conn.SetReadLimit(limit)
	}
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("stream read error", "error", err)
			}
			return
		}

		msg := c.handleFrame(data)
		select {
		case c.out <- msg:
		case <-c.stopped:
			return
		}
	}
}

func (c *streamConn) handleFrame(data []byte) remote.StreamMessage {
	var req remote.StreamRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return streamError("", "bad_request", fmt.Sprintf("invalid JSON: %v", err))
	}
	if !c.writable {
		return streamError(req.ID, "forbidden", "read-only token cannot perform write operations")
	}

	ops := make([]models.Operation, len(req.Ops))
	for i, env := range req.Ops {
		op, err := env.Operation()
		if err == nil {
			err = models.Validate(op)
		}
		if err != nil {
			return streamError(req.ID, "bad_request", fmt.Sprintf("operation %d: %v", i, err))
		}
		ops[i] = op
	}

	resp, err := mergeBatch(c.ctx, c.doc, ops)
	if err != nil {
		c.logger.Error("stream merge failed", "error", err)
		return streamError(req.ID, "internal_error", err.Error())
	}
	return remote.StreamMessage{Type: remote.StreamResults, ID: req.ID, Results: resp}
}

// writeLoop is the only writer of conn.
func (c *streamConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.stopped)
	}()

	for {
		select {
		case change, ok := <-c.sub.C:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream ended"))
				return
			}
			if err := c.write(remote.StreamMessage{Type: remote.StreamChange, Change: &change}); err != nil {
				return
			}
		case msg := <-c.out:
			if err := c.write(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *streamConn) write(msg remote.StreamMessage) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.logger.Debug("stream write failed", "error", err)
		return err
	}
	return nil
}

func streamError(id, code, message string) remote.StreamMessage {
	return remote.StreamMessage{
		Type:  remote.StreamError,
		ID:    id,
		Error: &remote.ErrorResponse{Error: code, Message: message},
	}
}
