// Package httpclient wraps net/http with the retry, backoff and error
// classification behavior pull sources need when calling a provider API.
// It runs its own attempt loop rather than resilience.Retry: that helper
// has no hook to short-circuit a non-retryable classified error (a 4xx, or
// a sync-token invalidation that must propagate immediately), so it would
// burn the retry budget sleeping before returning an error the caller
// needed instantly.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/virtues-os/core/auth"
	"github.com/virtues-os/core/infrastructure/httputil"
	"github.com/virtues-os/core/infrastructure/ratelimit"
)

// ErrorClass is the taxonomy a Client uses to decide whether a non-2xx
// response is worth retrying.
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	ClassAuthError
	ClassRateLimit
	ClassServerError
	ClassSyncTokenError
	ClassClientError
	ClassNetworkError
)

// ResponseError wraps a classified non-2xx HTTP response.
type ResponseError struct {
	Class      ErrorClass
	StatusCode int
	Body       string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("httpclient: status %d: %s", e.StatusCode, e.Body)
}

// ErrorClassifier maps a provider's non-2xx response to an ErrorClass.
// Provider-specific classifiers (Google's 410+fullSyncRequired, Plaid's
// ITEM_LOGIN_REQUIRED) wrap DefaultClassifier for the cases generic HTTP
// status mapping gets wrong.
type ErrorClassifier func(statusCode int, body []byte) ErrorClass

// DefaultClassifier applies the generic HTTP-status mapping used when no
// provider-specific rule matches.
func DefaultClassifier(statusCode int, _ []byte) ErrorClass {
	switch {
	case statusCode == http.StatusUnauthorized:
		return ClassAuthError
	case statusCode == http.StatusTooManyRequests:
		return ClassRateLimit
	case statusCode >= 500:
		return ClassServerError
	case statusCode >= 400:
		return ClassClientError
	default:
		return ClassNone
	}
}

// RetryPolicy configures which ErrorClasses are retried and how many times.
type RetryPolicy struct {
	MaxRetries     int
	RetryOn401     bool
	RetryOn429     bool
	RetryOn5xx     bool
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		RetryOn401:     true,
		RetryOn429:     true,
		RetryOn5xx:     true,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// NoRetryPolicy disables retries, for write/side-effecting calls a caller
// wants to retry itself rather than blindly.
func NoRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 0}
}

func (p RetryPolicy) shouldRetry(class ErrorClass) bool {
	switch class {
	case ClassAuthError:
		return p.RetryOn401
	case ClassRateLimit:
		return p.RetryOn429
	case ClassServerError:
		return p.RetryOn5xx
	default:
		return false
	}
}

// Client is a bearer-authenticated HTTP client for one source: it fetches a
// fresh token before every attempt (so a mid-retry refresh is always picked
// up), classifies failures, and retries per RetryPolicy.
type Client struct {
	sourceID    string
	provider    string
	tokens      *auth.TokenManager
	baseURL     string
	http        *http.Client
	policy      RetryPolicy
	classify    ErrorClassifier
	extraHeader map[string]string
	limiter     *ratelimit.RateLimiter
	maxBody     int64
}

type Option func(*Client)

func WithBaseURL(base string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(base, "/") }
}
func WithRetryPolicy(p RetryPolicy) Option     { return func(c *Client) { c.policy = p } }
func WithClassifier(fn ErrorClassifier) Option { return func(c *Client) { c.classify = fn } }
func WithHeader(key, value string) Option {
	return func(c *Client) {
		if c.extraHeader == nil {
			c.extraHeader = make(map[string]string)
		}
		c.extraHeader[key] = value
	}
}

// WithRateLimiter throttles every outbound attempt through limiter before it
// is sent, so a provider's own quota is respected even before it has a
// chance to answer with a 429.
func WithRateLimiter(limiter *ratelimit.RateLimiter) Option {
	return func(c *Client) { c.limiter = limiter }
}

func New(sourceID, provider string, tokens *auth.TokenManager, opts ...Option) *Client {
	defaults := httputil.DefaultClientDefaults()
	httpClient, _ := httputil.NewClient(httputil.ClientConfig{Timeout: 60 * time.Second}, defaults)
	c := &Client{
		sourceID: sourceID,
		provider: provider,
		tokens:   tokens,
		http:     httpClient,
		policy:   DefaultRetryPolicy(),
		classify: DefaultClassifier,
		maxBody:  defaults.MaxBodyBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	u := c.buildURL(path, params)
	return c.do(ctx, http.MethodGet, u, nil)
}

func (c *Client) Post(ctx context.Context, path string, body []byte) ([]byte, error) {
	return c.do(ctx, http.MethodPost, c.buildURL(path, nil), body)
}

func (c *Client) Put(ctx context.Context, path string, body []byte) ([]byte, error) {
	return c.do(ctx, http.MethodPut, c.buildURL(path, nil), body)
}

func (c *Client) Delete(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodDelete, c.buildURL(path, nil), nil)
}

func (c *Client) buildURL(path string, params url.Values) string {
	u := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// do attempts the request up to policy.MaxRetries+1 times, re-fetching the
// token each attempt so a refresh mid-retry is always picked up. It returns
// immediately on success, on a SyncTokenError (the caller must handle those,
// not retry blindly), or on a non-retryable class; otherwise it backs off
// exponentially and tries again.
func (c *Client) do(ctx context.Context, method, rawURL string, body []byte) ([]byte, error) {
	backoff := c.policy.InitialBackoff
	var lastErr error
	forceRefresh := false

	for attempt := 0; attempt <= c.policy.MaxRetries; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		// A 401 on the previous attempt forces a refresh next attempt
		// regardless of the cached token's expiry, in case the provider
		// revoked it before it was due to expire.
		var token string
		var err error
		if forceRefresh {
			token, err = c.tokens.ForceRefresh(ctx, c.sourceID, c.provider)
		} else {
			token, err = c.tokens.GetValidToken(ctx, c.sourceID, c.provider)
		}
		if err != nil {
			return nil, err
		}
		forceRefresh = false

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range c.extraHeader {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
		} else {
			respBody, readErr := httputil.ReadAllStrict(resp.Body, c.maxBody)
			resp.Body.Close()
			if readErr != nil {
				lastErr = readErr
			} else if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return respBody, nil
			} else {
				class := c.classify(resp.StatusCode, respBody)
				classified := &ResponseError{Class: class, StatusCode: resp.StatusCode, Body: string(respBody)}
				if class == ClassSyncTokenError {
					return nil, classified
				}
				if !c.policy.shouldRetry(class) {
					return nil, classified
				}
				if class == ClassAuthError {
					forceRefresh = true
				}
				lastErr = classified
			}
		}

		if attempt == c.policy.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.policy.MaxBackoff {
			backoff = c.policy.MaxBackoff
		}
	}
	return nil, lastErr
}
