package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// Client wraps a Transport with the retry state machine the pipelines rely
// on: Requesting -> Backoff -> Requesting until Ok, Blocked, or the retry
// budget is spent.
type Client struct {
	transport Transport
	cfg       Config
	log       *slog.Logger

	// sleep is replaceable in tests so backoff paths run instantly.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a client for the given mode.
func New(mode Mode, cfg Config, log *slog.Logger) (*Client, error) {
	var transport Transport
	var err error
	switch mode {
	case ModeDynamic:
		transport, err = NewDynamicTransport(cfg.UserAgent, cfg.Timeout)
		if err != nil {
			return nil, err
		}
	default:
		transport = NewStaticTransport(cfg.UserAgent, cfg.Timeout)
	}
	return NewClient(transport, cfg, log), nil
}

// NewClient creates a client over an existing transport.
func NewClient(transport Transport, cfg Config, log *slog.Logger) *Client {
	def := DefaultConfig()
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MinDelay == 0 {
		cfg.MinDelay = def.MinDelay
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = def.RetryCount
	}
	if cfg.ChallengeRetries <= 0 {
		cfg.ChallengeRetries = def.ChallengeRetries
	}
	if cfg.ChallengeBackoff <= 0 {
		cfg.ChallengeBackoff = def.ChallengeBackoff
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		transport: transport,
		cfg:       cfg,
		log:       log,
		sleep:     sleepCtx,
	}
}

// Get fetches a URL, retrying transient failures and challenge responses.
// It returns the response body on success; failures are classified as
// *PermanentError, *TransientError, or ErrChallengeBlocked.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	var (
		challengeAttempts int
		transientAttempts int
		lastErr           error
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := c.transport.RoundTrip(ctx, url)

		switch {
		case err != nil:
			lastErr = err
		case isChallenge(resp, c.cfg.Markers):
			challengeAttempts++
			if challengeAttempts >= c.cfg.ChallengeRetries {
				c.log.Error("challenge persisted through all retries", "url", url, "attempts", challengeAttempts)
				return nil, ErrChallengeBlocked
			}
			backoff := c.cfg.ChallengeBackoff << (challengeAttempts - 1)
			c.log.Warn("challenge response detected, backing off",
				"url", url, "attempt", challengeAttempts, "max", c.cfg.ChallengeRetries, "backoff", backoff)
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, err
			}
			continue
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp.Body, nil
		case resp.StatusCode == 429 || resp.StatusCode >= 500:
			lastErr = fmt.Errorf("status %d from %s", resp.StatusCode, url)
		case resp.StatusCode >= 400:
			// Permanent for this URL; the caller skips the record.
			return nil, &PermanentError{URL: url, StatusCode: resp.StatusCode}
		default:
			lastErr = fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
		}

		transientAttempts++
		if transientAttempts >= c.cfg.RetryCount {
			return nil, &TransientError{URL: url, Attempts: transientAttempts, Err: lastErr}
		}
		backoff := c.cfg.MinDelay * time.Duration(transientAttempts)
		c.log.Warn("request failed, retrying",
			"url", url, "attempt", transientAttempts, "max", c.cfg.RetryCount, "backoff", backoff, "error", lastErr)
		if err := c.sleep(ctx, backoff); err != nil {
			return nil, err
		}
	}
}

// Pause sleeps a jittered duration between MinDelay and MaxDelay. The
// pipelines call it between consecutive requests to a source so request
// timing does not look mechanical.
func (c *Client) Pause(ctx context.Context) error {
	d := c.cfg.MinDelay
	if span := c.cfg.MaxDelay - c.cfg.MinDelay; span > 0 {
		d += time.Duration(rand.Int63n(int64(span)))
	}
	return c.sleep(ctx, d)
}

// Close releases the underlying transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
