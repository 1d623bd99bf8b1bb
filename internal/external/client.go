// Package external talks to the delivery provider's HTTP APIs. All outbound
// calls go through the BaseClient, which enforces the same resilience
// behavior everywhere: circuit breaking, retries with exponential backoff,
// request ID propagation, and error mapping into the AppError taxonomy.
package external

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"schemealert/internal/types"

	"github.com/sony/gobreaker/v2"
)

// RetryPolicy configures the in-call retry behavior of the BaseClient. This
// is independent of the queue's retry scheduling: the client retries a single
// send a few times over seconds, the queue retries a failed message over
// minutes.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy returns sensible defaults for provider API calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		MinWait:    250 * time.Millisecond,
		MaxWait:    5 * time.Second,
	}
}

// BaseClient wraps an *http.Client and a circuit breaker so every outbound
// provider call behaves the same way. Channel gateways embed it.
type BaseClient struct {
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker[*http.Response]
	retryPolicy RetryPolicy
	userAgent   string
	sleepFn     func(time.Duration) // for testability; defaults to time.Sleep
}

// BaseClientOption is a functional option for configuring a BaseClient.
type BaseClientOption func(*BaseClient)

// WithSleepFunc overrides the sleep function used between retries.
// Intended for tests to avoid real delays.
func WithSleepFunc(fn func(time.Duration)) BaseClientOption {
	return func(c *BaseClient) {
		c.sleepFn = fn
	}
}

// NewBaseClient creates a BaseClient with the given http client, breaker
// name, retry policy, and user agent string. Each channel gets its own named
// breaker so a chat provider outage does not trip text sends.
func NewBaseClient(
	httpClient *http.Client,
	breakerName string,
	retryPolicy RetryPolicy,
	userAgent string,
	opts ...BaseClientOption,
) *BaseClient {
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	bc := &BaseClient{
		client:      httpClient,
		breaker:     cb,
		retryPolicy: retryPolicy,
		userAgent:   userAgent,
		sleepFn:     time.Sleep,
	}

	for _, opt := range opts {
		opt(bc)
	}

	return bc
}

// Do executes the HTTP request with:
//  1. Request ID injection (X-Request-Id from context)
//  2. User-Agent header injection
//  3. Circuit breaker wrapping
//  4. Retry on 429/5xx (respecting Retry-After headers)
//  5. Error mapping to types.AppError
//
// On success (2xx/3xx/4xx other than 429), Do returns the response as-is.
// The caller is responsible for closing the response body.
//
// On exhausted retries or an open circuit breaker, Do returns a
// types.AppError with the appropriate upstream error code.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	if reqID := types.GetRequestID(req.Context()); reqID != "" {
		req.Header.Set("X-Request-Id", reqID)
	}

	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	// Snapshot the request body so it can be replayed on retries.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, types.NewAppError(
				types.ErrCodeInternalUnexpected,
				"failed to read request body for retry support",
				err,
			)
		}
		req.Body.Close()
	}

	var lastResp *http.Response
	var lastErr error

	maxAttempts := 1 + c.retryPolicy.MaxRetries
	for attempt := 0; attempt < maxAttempts; attempt++ {
		// Restore the request body for each attempt.
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			req.ContentLength = int64(len(bodyBytes))
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			r, doErr := c.client.Do(req)
			if doErr != nil {
				return nil, doErr
			}
			// 5xx and 429 count as failures for the circuit breaker.
			if r.StatusCode >= 500 {
				return r, fmt.Errorf("provider returned %d", r.StatusCode)
			}
			if r.StatusCode == http.StatusTooManyRequests {
				return r, fmt.Errorf("provider returned 429")
			}
			return r, nil
		})

		if err == nil {
			// 2xx/3xx/4xx (not 429).
			return resp, nil
		}

		lastErr = err
		if resp != nil {
			// Close previous response body before retry, unless this is the
			// last attempt.
			if attempt < maxAttempts-1 {
				resp.Body.Close()
			} else {
				lastResp = resp
			}
		}

		// If the circuit breaker is open, do not retry.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}

		// Only retry on 429 and 5xx.
		if resp != nil && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
			return resp, nil
		}

		if attempt < maxAttempts-1 {
			wait := c.computeBackoff(attempt, resp)
			c.sleepFn(wait)
		}
	}

	if lastResp != nil {
		lastResp.Body.Close()
	}

	return nil, c.mapError(lastResp, lastErr)
}

// computeBackoff determines the wait before the next retry attempt. It
// respects the Retry-After header if present, otherwise uses exponential
// backoff with full jitter clamped to [MinWait, MaxWait].
func (c *BaseClient) computeBackoff(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
				wait := time.Duration(seconds) * time.Second
				if wait > c.retryPolicy.MaxWait {
					wait = c.retryPolicy.MaxWait
				}
				return wait
			}
			// Try parsing as HTTP-date.
			if t, err := http.ParseTime(retryAfter); err == nil {
				wait := time.Until(t)
				if wait <= 0 {
					return c.retryPolicy.MinWait
				}
				if wait > c.retryPolicy.MaxWait {
					wait = c.retryPolicy.MaxWait
				}
				return wait
			}
		}
	}

	base := float64(c.retryPolicy.MinWait) * math.Pow(2, float64(attempt))
	maxWait := float64(c.retryPolicy.MaxWait)
	if base > maxWait {
		base = maxWait
	}

	minWait := float64(c.retryPolicy.MinWait)
	if base <= minWait {
		return c.retryPolicy.MinWait
	}
	jittered := minWait + rand.Float64()*(base-minWait)
	return time.Duration(jittered)
}

// mapError translates HTTP-level failures into domain-level AppErrors.
func (c *BaseClient) mapError(resp *http.Response, err error) *types.AppError {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			"circuit breaker is open; provider unavailable",
			err,
		)
	}

	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return types.NewAppError(
				types.ErrCodeUpstreamRateLimited,
				"provider rate limit exceeded",
				err,
			)
		case resp.StatusCode >= 500:
			return types.NewAppError(
				types.ErrCodeUpstreamGateway,
				fmt.Sprintf("provider returned %d after retries", resp.StatusCode),
				err,
			)
		}
	}

	// Network error, DNS failure, timeouts.
	return types.NewAppError(
		types.ErrCodeUpstreamGateway,
		"provider request failed",
		err,
	)
}
