// Package server implements the scenemerge HTTP API, the WebSocket change
// stream and their middleware.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/kilupskalvis/scenemerge/internal/models"
	"github.com/kilupskalvis/scenemerge/internal/remote"
	"github.com/kilupskalvis/scenemerge/internal/replica"
)

// DocumentOpener returns the live document for an id.
type DocumentOpener interface {
	Open(ctx context.Context, id string) (*replica.Document, error)
	List() ([]string, error)
}

// ServerConfig holds configurable limits for the server.
type ServerConfig struct {
	MaxRequestBody    int64 // bytes, for op batches and stream frames
	RequestsPerMinute int   // per-token rate limit
}

// DefaultServerConfig returns reasonable defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		MaxRequestBody:    8 * 1024 * 1024, // 8MB
		RequestsPerMinute: 600,
	}
}

// Handler creates the HTTP handler with all routes and middleware. A nil
// token store disables authentication. The returned cleanup function stops
// background goroutines and should be called on server shutdown.
func Handler(docs DocumentOpener, hub *Hub, tokens TokenStore, cfg *ServerConfig, logger *slog.Logger) (http.Handler, func()) {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if hub == nil {
		hub = NewHub(nil, logger)
	}

	rl := newRateLimiter(cfg.RequestsPerMinute)
	auth := openAccess
	if tokens != nil {
		auth = authMiddleware(tokens)
	}

	// applyMiddleware reverses the list, so the last item runs outermost (first).
	// Execution order: auth -> rl -> handler
	withAuthOnly := func(h http.HandlerFunc) http.Handler {
		return applyMiddleware(h, auth, rl.middleware)
	}
	// Execution order: auth -> requireDoc -> rl -> handler
	withAuth := func(h http.HandlerFunc) http.Handler {
		return applyMiddleware(h, auth, requireDoc, rl.middleware)
	}
	// Execution order: auth -> requireDoc -> requireWrite -> rl -> handler
	withAuthWrite := func(h http.HandlerFunc) http.Handler {
		return applyMiddleware(h, auth, requireDoc, requireWrite, rl.middleware)
	}

	mux := http.NewServeMux()

	// Health endpoints (no auth)
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := docs.List(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready: document store unavailable"))
			return
		}
		if tokens != nil {
			if _, err := tokens.ListTokens(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte("not ready: token store unavailable"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.Handle("GET /api/v1/docs", withAuthOnly(makeListHandler(docs)))

	// Operations
	mux.Handle("POST /api/v1/docs/{doc}/ops", withAuthWrite(makeDocHandler(docs, cfg, handleSubmitOps)))
	mux.Handle("GET /api/v1/docs/{doc}/ops", withAuth(makeDocHandler(docs, cfg, handleListOps)))

	// State queries
	mux.Handle("GET /api/v1/docs/{doc}/nodes/{id}", withAuth(makeDocHandler(docs, cfg, handleGetNode)))
	mux.Handle("GET /api/v1/docs/{doc}/nodes/{id}/properties", withAuth(makeDocHandler(docs, cfg, handleGetProperty)))
	mux.Handle("GET /api/v1/docs/{doc}/snapshot", withAuth(makeDocHandler(docs, cfg, handleSnapshot)))
	mux.Handle("GET /api/v1/docs/{doc}/clock", withAuth(makeDocHandler(docs, cfg, handleClock)))

	// Change stream
	mux.Handle("GET /api/v1/docs/{doc}/stream", withAuth(makeDocHandler(docs, cfg, makeStreamHandler(hub, logger))))

	// Apply global middleware
	handler := applyMiddleware(mux,
		recoveryMiddleware(logger),
		loggingMiddleware(logger),
		requestIDMiddleware,
	)

	cleanup := func() {
		rl.Stop()
	}

	return handler, cleanup
}

// applyMiddleware applies middleware in reverse order so the first in the list runs first.
func applyMiddleware(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

type docHandlerFunc func(w http.ResponseWriter, r *http.Request, doc *replica.Document, cfg *ServerConfig)

// makeDocHandler resolves the document and calls the handler with it.
// Documents are created on first access.
func makeDocHandler(docs DocumentOpener, cfg *ServerConfig, fn docHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docID := r.PathValue("doc")
		doc, err := docs.Open(r.Context(), docID)
		if err != nil {
			if errors.Is(err, replica.ErrInvalidDocument) {
				writeError(w, http.StatusBadRequest, "bad_request", err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", fmt.Sprintf("open document '%s': %v", docID, err))
			return
		}
		fn(w, r, doc, cfg)
	}
}

func makeListHandler(docs DocumentOpener) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := docs.List()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		visible := make([]string, 0, len(ids))
		for _, id := range ids {
			if canAccess(r.Context(), id) {
				visible = append(visible, id)
			}
		}
		writeJSON(w, http.StatusOK, map[string][]string{"docs": visible})
	}
}

// --- Operation Handlers ---

// mergeBatch merges ops and summarizes the results.
func mergeBatch(ctx context.Context, doc *replica.Document, ops []models.Operation) (*remote.SubmitOpsResponse, error) {
	results, err := doc.Merge(ctx, ops)
	if err != nil {
		return nil, err
	}
	resp := &remote.SubmitOpsResponse{Results: results}
	for _, res := range results {
		if res.Apply {
			resp.Accepted++
		} else {
			resp.Rejected++
		}
	}
	return resp, nil
}

func handleSubmitOps(w http.ResponseWriter, r *http.Request, doc *replica.Document, cfg *ServerConfig) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, cfg.MaxRequestBody))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	// A malformed op rejects the whole batch before anything is merged.
	ops, err := models.DecodeOperations(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	resp, err := mergeBatch(r.Context(), doc, ops)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func handleListOps(w http.ResponseWriter, r *http.Request, doc *replica.Document, _ *ServerConfig) {
	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "after must be a non-negative integer")
			return
		}
		after = n
	}

	entries, err := doc.Log(r.Context(), after)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	resp := remote.LogResponse{Entries: make([]remote.LogEntry, len(entries))}
	for i, e := range entries {
		resp.Entries[i] = remote.LogEntry{Seq: e.Seq, AppendedAt: e.AppendedAt, Op: models.ToEnvelope(e.Op)}
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- State Handlers ---

func handleGetNode(w http.ResponseWriter, r *http.Request, doc *replica.Document, _ *ServerConfig) {
	id := models.NodeID(r.PathValue("id"))
	ns, ok := doc.NodeState(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("node '%s' not found", id))
		return
	}
	writeJSON(w, http.StatusOK, remote.NodeInfo{ID: id, Live: ns.Live(), State: ns})
}

func handleGetProperty(w http.ResponseWriter, r *http.Request, doc *replica.Document, _ *ServerConfig) {
	id := models.NodeID(r.PathValue("id"))
	raw := r.URL.Query().Get("path")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "path query parameter is required")
		return
	}
	path := models.ParsePropertyPath(raw)
	if err := path.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid path '%s': %v", raw, err))
		return
	}

	ts, ok := doc.PropertyTimestamp(id, path)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("no write recorded for '%s' on node '%s'", raw, id))
		return
	}
	writeJSON(w, http.StatusOK, remote.PropertyInfo{NodeID: id, Path: path.Key(), Timestamp: ts})
}

func handleSnapshot(w http.ResponseWriter, _ *http.Request, doc *replica.Document, _ *ServerConfig) {
	snap, info := doc.SnapshotWithClock()
	writeJSON(w, http.StatusOK, remote.SnapshotResponse{
		Doc:   doc.ID(),
		Nodes: snap,
		Clock: clockInfo(info),
	})
}

func handleClock(w http.ResponseWriter, _ *http.Request, doc *replica.Document, _ *ServerConfig) {
	writeJSON(w, http.StatusOK, clockInfo(doc.Clock()))
}

func clockInfo(info replica.ClockInfo) remote.ClockInfo {
	return remote.ClockInfo{Vector: info.Vector, NextCounter: info.NextCounter, LastSeq: info.LastSeq}
}

// --- Health Handlers ---

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, remote.ErrorResponse{Error: code, Message: message})
}
