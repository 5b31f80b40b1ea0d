package remote

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/kilupskalvis/scenemerge/internal/models"
)

// RetryConfig configures retry behavior for transient errors.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64 // 0.0 to 1.0
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		JitterFraction: 0.25,
	}
}

// RetryClient wraps a Client with automatic retry on transient errors.
type RetryClient struct {
	inner  Client
	config *RetryConfig
}

// NewRetryClient creates a RetryClient that wraps the given Client.
func NewRetryClient(inner Client, cfg *RetryConfig) *RetryClient {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	return &RetryClient{inner: inner, config: cfg}
}

// isTransient returns true for errors that are worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Status >= 500 || re.Status == http.StatusTooManyRequests
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true // network errors are transient
}

// backoff computes the delay for the given attempt with jitter.
func (rc *RetryClient) backoff(attempt int) time.Duration {
	base := float64(rc.config.InitialBackoff) * math.Pow(2, float64(attempt))
	if base > float64(rc.config.MaxBackoff) {
		base = float64(rc.config.MaxBackoff)
	}
	jitter := base * rc.config.JitterFraction * (rand.Float64()*2 - 1) // +/- jitter
	d := time.Duration(base + jitter)
	if d < 0 {
		d = 0
	}
	return d
}

// sleep waits for the given duration or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retry executes fn with retry logic. Only retries transient errors.
func (rc *RetryClient) retry(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= rc.config.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
		if attempt < rc.config.MaxRetries {
			d := rc.backoff(attempt)
			if err := sleep(ctx, d); err != nil {
				return fmt.Errorf("%s: %w (retry cancelled)", operation, lastErr)
			}
		}
	}
	return fmt.Errorf("%s: %w (after %d retries)", operation, lastErr, rc.config.MaxRetries)
}

// --- Delegate all Client methods through retry logic ---

// SubmitOps retries the whole batch. Operations that reached the server on a
// failed attempt come back rejected as duplicates on the next one.
func (rc *RetryClient) SubmitOps(ctx context.Context, ops []models.Operation) (resp *SubmitOpsResponse, err error) {
	err = rc.retry(ctx, "submit ops", func() error {
		resp, err = rc.inner.SubmitOps(ctx, ops)
		return err
	})
	return
}

func (rc *RetryClient) GetNode(ctx context.Context, id models.NodeID) (info *NodeInfo, err error) {
	err = rc.retry(ctx, "get node", func() error {
		info, err = rc.inner.GetNode(ctx, id)
		return err
	})
	return
}

func (rc *RetryClient) GetProperty(ctx context.Context, id models.NodeID, path models.PropertyPath) (info *PropertyInfo, err error) {
	err = rc.retry(ctx, "get property", func() error {
		info, err = rc.inner.GetProperty(ctx, id, path)
		return err
	})
	return
}

func (rc *RetryClient) GetSnapshot(ctx context.Context) (snap *SnapshotResponse, err error) {
	err = rc.retry(ctx, "get snapshot", func() error {
		snap, err = rc.inner.GetSnapshot(ctx)
		return err
	})
	return
}

func (rc *RetryClient) GetClock(ctx context.Context) (info *ClockInfo, err error) {
	err = rc.retry(ctx, "get clock", func() error {
		info, err = rc.inner.GetClock(ctx)
		return err
	})
	return
}

func (rc *RetryClient) GetOps(ctx context.Context, afterSeq uint64) (log *LogResponse, err error) {
	err = rc.retry(ctx, "get ops", func() error {
		log, err = rc.inner.GetOps(ctx, afterSeq)
		return err
	})
	return
}
