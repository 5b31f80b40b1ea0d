package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/kilupskalvis/scenemerge/internal/models"
)

// Client defines the contract for talking to a scenemerge server about one document.
type Client interface {
	SubmitOps(ctx context.Context, ops []models.Operation) (*SubmitOpsResponse, error)

	GetNode(ctx context.Context, id models.NodeID) (*NodeInfo, error)
	GetProperty(ctx context.Context, id models.NodeID, path models.PropertyPath) (*PropertyInfo, error)
	GetSnapshot(ctx context.Context) (*SnapshotResponse, error)
	GetClock(ctx context.Context) (*ClockInfo, error)
	GetOps(ctx context.Context, afterSeq uint64) (*LogResponse, error)
}

// HTTPClient implements Client over HTTP.
type HTTPClient struct {
	baseURL    string
	docID      string
	token      string
	httpClient *http.Client
}

// NewHTTPClient creates an HTTP-based client for one document.
func NewHTTPClient(baseURL, docID, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		docID:      docID,
		token:      token,
		httpClient: &http.Client{},
	}
}

func (c *HTTPClient) docURL(path string) string {
	return fmt.Sprintf("%s/api/v1/docs/%s%s", c.baseURL, url.PathEscape(c.docID), path)
}

func (c *HTTPClient) do(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	return resp, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, url string, reqBody, respBody interface{}) error {
	var body io.Reader
	headers := map[string]string{"Content-Type": "application/json"}

	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	resp, err := c.do(ctx, method, url, body, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// SubmitOps sends a batch of operations and returns the merge decisions.
func (c *HTTPClient) SubmitOps(ctx context.Context, ops []models.Operation) (*SubmitOpsResponse, error) {
	envs := make([]models.Envelope, len(ops))
	for i, op := range ops {
		envs[i] = models.ToEnvelope(op)
	}
	var resp SubmitOpsResponse
	if err := c.doJSON(ctx, "POST", c.docURL("/ops"), envs, &resp); err != nil {
		return nil, fmt.Errorf("submit ops: %w", err)
	}
	return &resp, nil
}

// GetNode returns the merge metadata for a node.
func (c *HTTPClient) GetNode(ctx context.Context, id models.NodeID) (*NodeInfo, error) {
	var info NodeInfo
	if err := c.doJSON(ctx, "GET", c.docURL("/nodes/"+url.PathEscape(string(id))), nil, &info); err != nil {
		return nil, fmt.Errorf("get node %s: %w", id, err)
	}
	return &info, nil
}

// GetProperty returns the write marker of a node property.
func (c *HTTPClient) GetProperty(ctx context.Context, id models.NodeID, path models.PropertyPath) (*PropertyInfo, error) {
	u := c.docURL("/nodes/"+url.PathEscape(string(id))+"/properties") + "?path=" + url.QueryEscape(path.Key())
	var info PropertyInfo
	if err := c.doJSON(ctx, "GET", u, nil, &info); err != nil {
		return nil, fmt.Errorf("get property %s of %s: %w", path.Key(), id, err)
	}
	return &info, nil
}

// GetSnapshot returns the full document state.
func (c *HTTPClient) GetSnapshot(ctx context.Context) (*SnapshotResponse, error) {
	var snap SnapshotResponse
	if err := c.doJSON(ctx, "GET", c.docURL("/snapshot"), nil, &snap); err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return &snap, nil
}

// GetClock returns the document clock.
func (c *HTTPClient) GetClock(ctx context.Context) (*ClockInfo, error) {
	var info ClockInfo
	if err := c.doJSON(ctx, "GET", c.docURL("/clock"), nil, &info); err != nil {
		return nil, fmt.Errorf("get clock: %w", err)
	}
	return &info, nil
}

// GetOps returns logged operations after afterSeq.
func (c *HTTPClient) GetOps(ctx context.Context, afterSeq uint64) (*LogResponse, error) {
	u := c.docURL("/ops") + "?after=" + strconv.FormatUint(afterSeq, 10)
	var log LogResponse
	if err := c.doJSON(ctx, "GET", u, nil, &log); err != nil {
		return nil, fmt.Errorf("get ops: %w", err)
	}
	return &log, nil
}

// RemoteError represents a structured error from the server.
type RemoteError struct {
	Code    string
	Message string
	Status  int
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (%d): %s: %s", e.Status, e.Code, e.Message)
}

func decodeError(resp *http.Response) error {
	var errResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		return &RemoteError{
			Code:    "unknown",
			Message: fmt.Sprintf("HTTP %d", resp.StatusCode),
			Status:  resp.StatusCode,
		}
	}

	return &RemoteError{
		Code:    errResp.Error,
		Message: errResp.Message,
		Status:  resp.StatusCode,
	}
}
