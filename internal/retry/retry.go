// Package retry runs external calls with exponential backoff and a fixed
// retry budget. Retries are always scoped to a single call.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

// Policy bounds the retries of one external call.
type Policy struct {
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration // delay before the first retry, doubled each time
	MaxDelay   time.Duration // 0 means no cap
}

// DefaultPolicy retries twice starting at 500ms.
var DefaultPolicy = Policy{MaxRetries: 2, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether the status is worth retrying (5xx, 429, 408).
func (e *StatusError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable classifies err. Unknown errors are treated as transient
// (network failures, per-attempt timeouts).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	return true
}

// Backoff returns the delay before retry number attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	base := p.BaseDelay << (attempt - 1)
	if p.MaxDelay > 0 && base > p.MaxDelay {
		base = p.MaxDelay
	}
	jitter := time.Duration(rand.Int64N(int64(base/2 + 1)))
	return base + jitter
}

// Do calls fn until it succeeds, returns a non-retryable error, the budget
// is exhausted or ctx ends. The last error is returned wrapped.
func Do(ctx context.Context, p Policy, logger *slog.Logger, op string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := p.Backoff(attempt)
			logger.Warn("retrying", "op", op, "attempt", attempt+1, "backoff", backoff, "err", lastErr)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: %w (last error: %v)", op, ctx.Err(), lastErr)
			case <-time.After(backoff):
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return fmt.Errorf("%s: %w", op, err)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, p.MaxRetries+1, lastErr)
}

// DoHTTP sends the request built by buildReq under policy p. Responses with
// status < 400 are returned to the caller, who owns the body. Error statuses
// are drained into a *StatusError; 4xx other than 408/429 are not retried.
func DoHTTP(ctx context.Context, client *http.Client, p Policy, logger *slog.Logger, op string, buildReq func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	var resp *http.Response
	err := Do(ctx, p, logger, op, func(ctx context.Context) error {
		req, err := buildReq(ctx)
		if err != nil {
			return Permanent(fmt.Errorf("build request: %w", err))
		}
		r, err := client.Do(req)
		if err != nil {
			return err
		}
		if r.StatusCode >= 400 {
			body, _ := io.ReadAll(io.LimitReader(r.Body, 4096))
			r.Body.Close()
			se := &StatusError{StatusCode: r.StatusCode, Body: string(body)}
			if !se.Transient() {
				return Permanent(se)
			}
			return se
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
