package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/gocolly/colly/v2"
)

// StaticTransport fetches pages over plain HTTP using Colly.
type StaticTransport struct {
	userAgent string
	timeout   time.Duration
}

// NewStaticTransport creates a static transport.
func NewStaticTransport(userAgent string, timeout time.Duration) *StaticTransport {
	if userAgent == "" {
		userAgent = DefaultConfig().UserAgent
	}
	if timeout == 0 {
		timeout = DefaultConfig().Timeout
	}
	return &StaticTransport{userAgent: userAgent, timeout: timeout}
}

// RoundTrip performs a single GET. HTTP error statuses are returned in the
// Response, not as an error; only network-level failures produce an error.
// Cancellation is checked between requests by the caller, never mid-request.
func (t *StaticTransport) RoundTrip(ctx context.Context, targetURL string) (Response, error) {
	result := Response{URL: targetURL}

	if err := ctx.Err(); err != nil {
		return result, err
	}

	// A fresh collector per request: Colly tracks visited URLs per
	// collector, and pipelines legitimately re-fetch the same URL across
	// retry attempts.
	c := colly.NewCollector(colly.UserAgent(t.userAgent))
	c.SetRequestTimeout(t.timeout)

	headers := browserHeaders(t.userAgent)
	c.OnRequest(func(r *colly.Request) {
		for k, v := range headers {
			r.Headers.Set(k, v)
		}
	})

	var netErr error

	c.OnResponse(func(r *colly.Response) {
		result.StatusCode = r.StatusCode
		result.ContentType = r.Headers.Get("Content-Type")
		result.Body = r.Body
	})

	// Colly reports non-2xx statuses here; the response body is still
	// available and may carry a challenge page worth inspecting.
	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			result.StatusCode = r.StatusCode
			result.Body = r.Body
			if r.Headers != nil {
				result.ContentType = r.Headers.Get("Content-Type")
			}
			return
		}
		netErr = err
	})

	if err := c.Visit(targetURL); err != nil && netErr == nil && result.StatusCode == 0 {
		netErr = err
	}
	c.Wait()

	if netErr != nil {
		return result, fmt.Errorf("request failed: %w", netErr)
	}
	return result, nil
}

// Close releases resources.
func (t *StaticTransport) Close() error { return nil }
