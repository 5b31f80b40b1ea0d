package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kilupskalvis/scenemerge/internal/clock"
	"github.com/kilupskalvis/scenemerge/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeServer(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewHTTPClient(ts.URL, "design 1", "secret")
}

func TestHTTPClient_SubmitOps(t *testing.T) {
	c := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/docs/design%201/ops", r.URL.EscapedPath())
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var envs []models.Envelope
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&envs))
		if assert.Len(t, envs, 1) {
			assert.Equal(t, models.OperationInsertNode, envs[0].Type)
		}

		json.NewEncoder(w).Encode(SubmitOpsResponse{Results: []models.MergeResult{models.Accepted()}, Accepted: 1})
	})

	resp, err := c.SubmitOps(context.Background(), []models.Operation{
		&models.InsertNode{Header: models.Header{ID: "op-1", Timestamp: clock.New(1, "c1")}, NodeID: "a", ParentID: "root"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Accepted)
	assert.True(t, resp.Results[0].Apply)
}

func TestHTTPClient_GetPropertyEscapesPath(t *testing.T) {
	c := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/docs/design 1/nodes/rect/properties", r.URL.Path)
		assert.Equal(t, "style.fill", r.URL.Query().Get("path"))
		json.NewEncoder(w).Encode(PropertyInfo{NodeID: "rect", Path: "style.fill", Timestamp: clock.New(3, "c2")})
	})

	info, err := c.GetProperty(context.Background(), "rect", models.PropertyPath{"style", "fill"})
	require.NoError(t, err)
	assert.Equal(t, clock.New(3, "c2"), info.Timestamp)
}

func TestHTTPClient_GetOpsAfter(t *testing.T) {
	c := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "12", r.URL.Query().Get("after"))
		json.NewEncoder(w).Encode(LogResponse{})
	})

	log, err := c.GetOps(context.Background(), 12)
	require.NoError(t, err)
	assert.Empty(t, log.Entries)
}

func TestHTTPClient_DecodesErrors(t *testing.T) {
	c := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "not_found", Message: "node 'x' not found"})
	})

	_, err := c.GetNode(context.Background(), "x")
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusNotFound, re.Status)
	assert.Equal(t, "not_found", re.Code)
	assert.False(t, isTransient(err))
}

func TestHTTPClient_NonJSONError(t *testing.T) {
	c := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})

	_, err := c.GetClock(context.Background())
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "unknown", re.Code)
	assert.True(t, isTransient(err))
}

func TestStreamURL(t *testing.T) {
	u, err := streamURL("http://localhost:8740", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8740/api/v1/docs/doc-1/stream", u)

	u, err = streamURL("https://edit.example.com/base/", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "wss://edit.example.com/base/api/v1/docs/doc-1/stream", u)

	_, err = streamURL("ftp://host", "doc-1")
	assert.Error(t, err)
}
