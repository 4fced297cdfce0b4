package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

// StatusError is a non-2xx answer from a dependency. It means the dependency
// was reachable and refused the request.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// retryPolicy bounds doWithRetry. retries is the number of extra attempts.
type retryPolicy struct {
	retries int
	base    time.Duration
}

func (p retryPolicy) backoff(attempt int) time.Duration {
	base := p.base
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	d := time.Duration(attempt*attempt) * base
	return d + time.Duration(rand.Int64N(int64(d/2+1)))
}

// doWithRetry executes an HTTP request with exponential backoff for transient
// failures (network errors, 5xx, 429). It stops early when ctx is done. A 5xx
// that survives every attempt is returned as *StatusError.
func doWithRetry(ctx context.Context, client *http.Client, policy retryPolicy, op string, buildReq func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= policy.retries; attempt++ {
		if attempt > 0 {
			backoff := policy.backoff(attempt)
			logger.Warn("retrying request", "op", op, "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				if lastErr != nil {
					return nil, fmt.Errorf("%s: %w (last error: %v)", op, ctx.Err(), lastErr)
				}
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			if attempt < policy.retries && ctx.Err() == nil {
				logger.Warn("request failed, will retry", "op", op, "err", err)
				continue
			}
			return nil, fmt.Errorf("%s: request failed after %d attempts: %w", op, attempt+1, err)
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			lastErr = &StatusError{Op: op, StatusCode: resp.StatusCode, Body: string(body)}
			if attempt < policy.retries {
				logger.Warn("server error, will retry", "op", op, "status", resp.StatusCode)
				continue
			}
			return nil, lastErr
		}

		return resp, nil
	}

	return nil, lastErr
}

// readStatusError drains a non-2xx response into a *StatusError.
func readStatusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: string(body)}
}
