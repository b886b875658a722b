package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

const (
	DefaultMaxAuthRetries = 4
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxBackoff     = 60 * time.Second
	DefaultMaxElapsed     = 5 * time.Minute
)

// RetryPolicy bounds the client's retry behavior. Server-mandated waits
// (Retry-After) are always honored and never consume retry budget.
type RetryPolicy struct {
	MaxAuthRetries int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxElapsed     time.Duration
}

// DefaultRetryPolicy returns the policy used when the config does not
// override it.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAuthRetries: DefaultMaxAuthRetries,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		MaxElapsed:     DefaultMaxElapsed,
	}
}

// Client executes single remote calls against the platform, honoring
// Retry-After directives, re-authenticating through the session on 401,
// and retrying transient failures with exponential backoff. It decides
// nothing at the candidate level; it is a transport abstraction shared by
// the scheduler and the pipeline.
type Client struct {
	base    string
	session *Session
	httpc   *http.Client
	logger  *zap.Logger
	policy  RetryPolicy

	// sleep is injectable so tests can run against a fake clock.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a client bound to a session.
func NewClient(base string, session *Session, policy RetryPolicy, logger *zap.Logger) *Client {
	return &Client{
		base:    base,
		session: session,
		httpc:   &http.Client{Timeout: 2 * time.Minute},
		logger:  logger,
		policy:  policy,
		sleep:   sleepContext,
	}
}

// response is the raw outcome of one successful exchange.
type response struct {
	status int
	header http.Header
	body   []byte
}

// do runs one logical request to completion: it loops over server waits,
// auth refreshes and transient retries until the request either succeeds
// (2xx) or fails in a way worth surfacing.
func (c *Client) do(ctx context.Context, op, method, path string, payload interface{}) (*response, error) {
	var reqBody []byte
	if payload != nil {
		var err error
		reqBody, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal request: %w", op, err)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.policy.InitialBackoff
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = c.policy.MaxBackoff
	bo.MaxElapsedTime = c.policy.MaxElapsed
	bo.Reset()

	authRetries := 0
	transientAttempts := 0
	var lastErr error

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		tok, err := c.session.Acquire(ctx)
		if err != nil {
			if IsAuth(err) {
				return nil, err
			}
			// A login failure that is not a credential rejection is
			// transient like any other network failure.
			lastErr = err
		} else if resp, err := c.send(ctx, method, path, reqBody, tok); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
		} else {
			if wait := retryAfter(resp.header); wait > 0 {
				// Server-mandated wait: sleep exactly the requested amount
				// and retry the same call without consuming retry budget.
				c.logger.Debug("honoring server wait directive",
					zap.String("op", op),
					zap.Duration("wait", wait))
				if err := c.sleep(ctx, wait); err != nil {
					return nil, err
				}
				continue
			}

			switch {
			case resp.status >= 200 && resp.status < 300:
				return resp, nil
			case resp.status == http.StatusUnauthorized:
				authRetries++
				if authRetries > c.policy.MaxAuthRetries {
					return nil, &AuthError{Detail: fmt.Sprintf("%s: still unauthorized after %d refreshes", op, c.policy.MaxAuthRetries)}
				}
				if _, rerr := c.session.RefreshOnFailure(ctx, tok.Gen); rerr != nil {
					if IsAuth(rerr) {
						return nil, rerr
					}
					lastErr = rerr
					break
				}
				continue
			case resp.status >= 500, resp.status == http.StatusTooManyRequests:
				lastErr = fmt.Errorf("%s: status %d", op, resp.status)
			default:
				return nil, &FatalError{Op: op, Status: resp.status, Body: truncate(string(resp.body), 512)}
			}
		}

		transientAttempts++
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			return nil, &TransientError{Attempts: transientAttempts, Last: lastErr}
		}
		c.logger.Warn("transient failure, backing off",
			zap.String("op", op),
			zap.Int("attempt", transientAttempts),
			zap.Duration("delay", delay),
			zap.Error(lastErr))
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// send performs one HTTP exchange and drains the body.
func (c *Client) send(ctx context.Context, method, path string, body []byte, tok Token) (*response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if tok.Value != "" {
		req.Header.Set("Authorization", "Bearer "+tok.Value)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

// decode unmarshals a response body, mapping failures to MalformedError so
// callers can mark the candidate instead of crashing.
func decode(op string, body []byte, out interface{}) error {
	if err := json.Unmarshal(body, out); err != nil {
		return &MalformedError{Op: op, Err: err}
	}
	return nil
}

// retryAfter reads the server wait directive, either seconds or an HTTP
// date. Zero means "decide from the status code".
func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
