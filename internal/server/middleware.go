package server

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const (
	contextKeyRequestID  contextKey = "request_id"
	contextKeyTokenID    contextKey = "token_id"
	contextKeyDocs       contextKey = "docs"
	contextKeyPermission contextKey = "permission"
)

// Token permissions.
const (
	PermissionRead      = "ro"
	PermissionReadWrite = "rw"
)

// TokenInfo holds the metadata for an authenticated token.
type TokenInfo struct {
	ID         string   `json:"id"`
	TokenHash  string   `json:"token_hash"`
	Desc       string   `json:"description"`
	Docs       []string `json:"docs"`
	Permission string   `json:"permission"` // "ro" or "rw"
}

// TokenStore looks up tokens by the SHA256 of their raw value.
type TokenStore interface {
	GetByHash(hash string) (*TokenInfo, error)
	ListTokens() ([]*TokenInfo, error)
}

// StaticTokenStore is an in-memory token store, usually loaded from config.
type StaticTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]*TokenInfo // keyed by token_hash
}

// NewStaticTokenStore indexes tokens by hash. Tokens without a valid
// permission are rejected.
func NewStaticTokenStore(tokens []*TokenInfo) (*StaticTokenStore, error) {
	s := &StaticTokenStore{tokens: make(map[string]*TokenInfo, len(tokens))}
	for _, t := range tokens {
		if t.TokenHash == "" {
			return nil, fmt.Errorf("token %q has no hash", t.ID)
		}
		if t.Permission != PermissionRead && t.Permission != PermissionReadWrite {
			return nil, fmt.Errorf("token %q: permission must be %q or %q", t.ID, PermissionRead, PermissionReadWrite)
		}
		s.tokens[t.TokenHash] = t
	}
	return s, nil
}

func (s *StaticTokenStore) GetByHash(hash string) (*TokenInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens[hash], nil
}

func (s *StaticTokenStore) ListTokens() ([]*TokenInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tokens := make([]*TokenInfo, 0, len(s.tokens))
	for _, t := range s.tokens {
		tokens = append(tokens, t)
	}
	return tokens, nil
}

// requestIDMiddleware generates a UUID per request and adds it to the context.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.New().String()
		ctx := context.WithValue(r.Context(), contextKeyRequestID, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs request method, path, status, and latency.
func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			reqID, _ := r.Context().Value(contextKeyRequestID).(string)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.statusCode,
				"latency_ms", time.Since(start).Milliseconds(),
				"request_id", reqID,
			)
		})
	}
}

// recoveryMiddleware catches panics and returns 500.
func recoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &responseWriter{ResponseWriter: w, statusCode: 0}
			defer func() {
				if rec := recover(); rec != nil {
					reqID, _ := r.Context().Value(contextKeyRequestID).(string)
					logger.Error("panic recovered", "error", rec, "request_id", reqID)
					if rw.statusCode == 0 {
						http.Error(rw, `{"error":"internal_error","message":"internal server error"}`, http.StatusInternalServerError)
					}
				}
			}()
			next.ServeHTTP(rw, r)
		})
	}
}

// bearerToken reads the token from the Authorization header. Browsers cannot
// set headers on WebSocket handshakes, so the access_token query parameter is
// accepted as well.
func bearerToken(r *http.Request) (string, bool) {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer "), true
	}
	if tok := r.URL.Query().Get("access_token"); tok != "" {
		return tok, true
	}
	return "", false
}

// authMiddleware validates bearer tokens and sets permissions in context.
func authMiddleware(tokens TokenStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawToken, ok := bearerToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "auth_failed", "missing or invalid Authorization header")
				return
			}

			info, err := tokens.GetByHash(HashToken(rawToken))
			if err != nil || info == nil {
				writeError(w, http.StatusUnauthorized, "auth_failed", "invalid token")
				return
			}

			ctx := r.Context()
			ctx = context.WithValue(ctx, contextKeyTokenID, info.ID)
			ctx = context.WithValue(ctx, contextKeyDocs, info.Docs)
			ctx = context.WithValue(ctx, contextKeyPermission, info.Permission)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// openAccess grants every request read-write access to all documents. It
// replaces authMiddleware when no tokens are configured.
func openAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = context.WithValue(ctx, contextKeyDocs, []string{"*"})
		ctx = context.WithValue(ctx, contextKeyPermission, PermissionReadWrite)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func canAccess(ctx context.Context, doc string) bool {
	docs, _ := ctx.Value(contextKeyDocs).([]string)
	for _, d := range docs {
		if d == "*" || d == doc {
			return true
		}
	}
	return false
}

func canWrite(ctx context.Context) bool {
	perm, _ := ctx.Value(contextKeyPermission).(string)
	return perm == PermissionReadWrite
}

// requireDoc checks that the token has access to the requested document.
func requireDoc(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc := r.PathValue("doc")
		if doc == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "missing document id in path")
			return
		}

		if !canAccess(r.Context(), doc) {
			writeError(w, http.StatusForbidden, "forbidden", "token does not have access to document '"+doc+"'")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireWrite checks that the token has "rw" permission.
func requireWrite(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !canWrite(r.Context()) {
			writeError(w, http.StatusForbidden, "forbidden", "read-only token cannot perform write operations")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimiter implements a per-token fixed window rate limiter.
type rateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	done    chan struct{}
}

type window struct {
	count   int
	resetAt time.Time
}

func newRateLimiter(requestsPerMinute int) *rateLimiter {
	rl := &rateLimiter{
		windows: make(map[string]*window),
		limit:   requestsPerMinute,
		done:    make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

func (rl *rateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for k, w := range rl.windows {
				if now.After(w.resetAt) {
					delete(rl.windows, k)
				}
			}
			rl.mu.Unlock()
		case <-rl.done:
			return
		}
	}
}

func (rl *rateLimiter) Stop() {
	close(rl.done)
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		key, _ := r.Context().Value(contextKeyTokenID).(string)
		if key == "" {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			key = host
		}

		rl.mu.Lock()
		win, ok := rl.windows[key]
		now := time.Now()
		if !ok || now.After(win.resetAt) {
			win = &window{count: 0, resetAt: now.Add(time.Minute)}
			rl.windows[key] = win
		}
		win.count++
		count := win.count
		rl.mu.Unlock()

		if count > rl.limit {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the stream endpoint take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// HashToken returns the SHA256 hex digest of a raw token string.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
