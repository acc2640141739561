package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

const (
	maxRetries = 3

	// maxBackoffWait caps every wait, including server-supplied
	// Retry-After values, so a throttling backend cannot stall a turn far
	// past the quiet window.
	maxBackoffWait = 30 * time.Second
)

// retryableError indicates a transient failure that can be retried.
type retryableError struct {
	statusCode int
	body       string
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.statusCode, e.body)
}

// backoffDelay picks the wait before retry number attempt. A Retry-After
// header from the previous 429 wins over the computed backoff; both forms
// of the header (delta-seconds and HTTP-date) are honored.
func backoffDelay(attempt int, retryAfter string) time.Duration {
	if retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
			return min(time.Duration(secs)*time.Second, maxBackoffWait)
		}
		if at, err := http.ParseTime(retryAfter); err == nil {
			if d := time.Until(at); d > 0 {
				return min(d, maxBackoffWait)
			}
		}
	}
	// Exponential backoff with jitter to prevent thundering herd.
	base := time.Duration(attempt*attempt) * time.Second
	jitter := time.Duration(rand.Int64N(int64(base/2 + 1)))
	return min(base+jitter, maxBackoffWait)
}

// doWithRetry executes an HTTP request with backoff retry for transient
// errors (network failures, 5xx, 429). Rate-limit responses are waited out
// per their Retry-After header when the server sends one.
func doWithRetry(ctx context.Context, client *http.Client, buildReq func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	var lastErr error
	retryAfter := ""

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := backoffDelay(attempt, retryAfter)
			logger.Warn("retrying request", "attempt", attempt+1, "wait", wait)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		retryAfter = ""

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			logger.Warn("request failed", "attempt", attempt+1, "error", err)
			continue
		}

		// Retry on 5xx server errors and 429 rate-limit.
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			if resp.StatusCode == http.StatusTooManyRequests {
				retryAfter = resp.Header.Get("Retry-After")
			}
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			resp.Body.Close()
			lastErr = &retryableError{statusCode: resp.StatusCode, body: string(body)}
			logger.Warn("server error",
				"attempt", attempt+1, "status", resp.StatusCode, "retry_after", retryAfter)
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("request failed after %d retries: %w", maxRetries, lastErr)
}
