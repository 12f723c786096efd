// Package fetch issues HTTP requests against listing sources with a
// browser-like fingerprint, detects anti-bot challenge responses, and
// retries transient failures with bounded backoff.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Mode selects the transport used to fetch pages.
type Mode string

const (
	ModeStatic  Mode = "static"
	ModeDynamic Mode = "dynamic"
)

// Response is the raw result of a single fetch attempt.
type Response struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
}

// Transport performs one HTTP round trip without retry semantics.
type Transport interface {
	RoundTrip(ctx context.Context, url string) (Response, error)

	// Close releases any resources (browser instances, etc.).
	Close() error
}

// Config holds client configuration. Zero values fall back to DefaultConfig.
type Config struct {
	UserAgent        string
	Timeout          time.Duration
	MinDelay         time.Duration // lower bound of the jittered inter-request pause
	MaxDelay         time.Duration // upper bound of the jittered inter-request pause
	RetryCount       int           // attempts for transient network/5xx failures
	ChallengeRetries int           // attempts before a challenge is declared blocking
	ChallengeBackoff time.Duration // base backoff after a challenge, doubled per attempt
	Markers          []string      // extra challenge markers for this source
}

// DefaultConfig returns the defaults used by the dataset pipelines.
func DefaultConfig() Config {
	return Config{
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) " +
			"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		Timeout:          30 * time.Second,
		MinDelay:         1500 * time.Millisecond,
		MaxDelay:         4 * time.Second,
		RetryCount:       3,
		ChallengeRetries: 3,
		ChallengeBackoff: 30 * time.Second,
	}
}

// browserHeaders is sent with every request so the client looks like a
// regular browser session rather than a script.
func browserHeaders(userAgent string) map[string]string {
	return map[string]string{
		"User-Agent":      userAgent,
		"Accept":          "text/html,application/json,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"Accept-Language": "en-US,en;q=0.9",
		"Cache-Control":   "no-cache",
		"Pragma":          "no-cache",
		"Connection":      "keep-alive",
	}
}

// ErrChallengeBlocked is returned when a source keeps serving an anti-bot
// challenge after all backoff attempts. Callers must surface it: a blocked
// source means the dataset is going stale.
var ErrChallengeBlocked = errors.New("blocked by anti-bot challenge")

// PermanentError is a 4xx response. It applies to the single requested URL
// and must not abort the surrounding page loop.
type PermanentError struct {
	URL        string
	StatusCode int
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent failure fetching %s: status %d", e.URL, e.StatusCode)
}

// TransientError is a network or 5xx failure that survived all retries.
type TransientError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure fetching %s after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }
