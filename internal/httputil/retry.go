// Package httputil provides a retrying HTTP client for outbound
// delivery (webhooks, Slack). Transient failures are retried with
// exponential backoff; Retry-After is honored when present.
package httputil

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryConfig controls the retry behavior.
type RetryConfig struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64 // fraction of delay to randomize (0..1)
}

// DefaultRetryConfig returns defaults suited to notification delivery:
// a few quick attempts, never more than half a minute of backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}
}

// NewClient returns an *http.Client whose transport retries network
// errors, HTTP 429 and HTTP 5xx. Other statuses are returned as-is.
// Request bodies are replayed via GetBody, which net/http sets for the
// common in-memory reader types; a request without a replayable body is
// sent at most once.
func NewClient(timeout time.Duration, cfg RetryConfig) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &retryTransport{base: http.DefaultTransport, cfg: cfg},
	}
}

type retryTransport struct {
	base http.RoundTripper
	cfg  RetryConfig
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt < t.cfg.MaxAttempts; attempt++ {
		if attempt > 0 && req.Body != nil {
			if req.GetBody == nil {
				break
			}
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("rewind request body: %w", err)
			}
			req.Body = body
		}

		resp, err := t.base.RoundTrip(req)
		if err != nil {
			lastErr = err
			if attempt == t.cfg.MaxAttempts-1 {
				break
			}
			delay := backoff(t.cfg, attempt, nil)
			slog.Warn("httputil: retrying after network error",
				"attempt", attempt+1, "max", t.cfg.MaxAttempts, "err", err)
			if sleepErr := sleepWithContext(req, delay); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}

		// Non-retryable statuses and the final attempt go straight to
		// the caller, body intact.
		if !retryableStatus(resp.StatusCode) || attempt == t.cfg.MaxAttempts-1 {
			return resp, nil
		}

		lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
		delay := backoff(t.cfg, attempt, resp)
		drainAndClose(resp.Body)
		slog.Warn("httputil: retrying after server response",
			"attempt", attempt+1, "max", t.cfg.MaxAttempts,
			"status", resp.StatusCode, "delay", delay)
		if sleepErr := sleepWithContext(req, delay); sleepErr != nil {
			return nil, sleepErr
		}
	}

	return nil, fmt.Errorf("all %d attempts exhausted: %w", t.cfg.MaxAttempts, lastErr)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// backoff computes the sleep before the next attempt. A Retry-After
// header on the previous response takes precedence.
func backoff(cfg RetryConfig, attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if ra := parseRetryAfter(resp.Header.Get("Retry-After")); ra > 0 {
			return ra
		}
	}

	delay := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	jitter := delay * cfg.JitterFactor * (rand.Float64()*2 - 1) // ±jitter
	delay += jitter
	if delay < 0 {
		delay = float64(cfg.BaseDelay)
	}

	return time.Duration(delay)
}

// parseRetryAfter accepts both forms the header allows: delay seconds
// ("120") and an HTTP-date. Unparseable or non-positive values yield 0.
func parseRetryAfter(val string) time.Duration {
	val = strings.TrimSpace(val)
	if val == "" {
		return 0
	}

	if secs, err := strconv.Atoi(val); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}

	if t, err := time.Parse(time.RFC1123, val); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}

	return 0
}

// drainAndClose empties the body so the underlying connection can be
// reused for the retry.
func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4*1024))
	_ = body.Close()
}

func sleepWithContext(req *http.Request, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-req.Context().Done():
		return req.Context().Err()
	case <-timer.C:
		return nil
	}
}
