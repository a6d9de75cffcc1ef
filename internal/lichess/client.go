// Package lichess talks to the server's Bot API: authenticated REST actions
// and the newline delimited JSON event streams.
package lichess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/park285/cheese-lichess-bot/internal/retry"
)

const DefaultBaseURL = "https://lichess.org"

// Decline reasons understood by the server.
const (
	DeclineGeneric = "generic"
	DeclineLater   = "later"
	DeclineVariant = "variant"
)

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("lichess api error: status=%d body=%s", e.Code, e.Body)
}

// Retryable is true for rate limiting and server errors. Other client errors
// will not change on a second try.
func (e *StatusError) Retryable() bool {
	return e.Code == fasthttp.StatusTooManyRequests || e.Code >= 500
}

type Client struct {
	baseURL string
	token   string
	http    *fasthttp.Client
	logger  *zap.Logger

	defaultTimeout time.Duration
	policy         retry.Policy
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

func WithRetry(attempts int) Option {
	return func(c *Client) { c.policy.Attempts = attempts }
}

func WithBackoff(b func(int) time.Duration) Option {
	return func(c *Client) { c.policy.Backoff = b }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDial replaces the network dialer, mostly for in-memory tests.
func WithDial(d fasthttp.DialFunc) Option {
	return func(c *Client) { c.http.Dial = d }
}

func NewClient(baseURL, token string, opts ...Option) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		token:          token,
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 64},
		logger:         zap.NewNop(),
		defaultTimeout: 10 * time.Second,
		policy:         retry.Policy{Attempts: retry.DefaultAttempts},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.policy.OnRetry = func(attempt int, err error) {
		c.logger.Warn("lichess_retry", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return c
}

// Send performs an authenticated call and reports success. Failures are
// logged, never returned.
func (c *Client) Send(ctx context.Context, method, path string) bool {
	if err := c.do(ctx, method, path, nil, nil); err != nil {
		c.logger.Error("lichess_call_failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return false
	}
	return true
}

func (c *Client) AcceptChallenge(ctx context.Context, id string) error {
	return c.do(ctx, fasthttp.MethodPost, "/api/challenge/"+url.PathEscape(id)+"/accept", nil, nil)
}

func (c *Client) DeclineChallenge(ctx context.Context, id, reason string) error {
	var form url.Values
	if reason != "" {
		form = url.Values{"reason": {reason}}
	}
	return c.do(ctx, fasthttp.MethodPost, "/api/challenge/"+url.PathEscape(id)+"/decline", form, nil)
}

func (c *Client) MakeMove(ctx context.Context, gameID, move string) error {
	return c.do(ctx, fasthttp.MethodPost, "/api/bot/game/"+url.PathEscape(gameID)+"/move/"+url.PathEscape(move), nil, nil)
}

// Account fetches the profile the token belongs to.
func (c *Client) Account(ctx context.Context) (*Account, error) {
	var acc Account
	if err := c.do(ctx, fasthttp.MethodGet, "/api/account", nil, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+c.token)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")
	if form != nil {
		req.Header.SetContentType("application/x-www-form-urlencoded")
		req.SetBodyString(form.Encode())
	}

	return retry.Do(ctx, c.policy, func(ctx context.Context, attempt int) error {
		c.logger.Debug("lichess_call", zap.String("method", method), zap.String("path", path), zap.Int("attempt", attempt))
		resp.Reset()
		if err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx)); err != nil {
			if ctx.Err() != nil {
				return retry.Permanent(ctx.Err())
			}
			return fmt.Errorf("request failed: %w", err)
		}

		status := resp.StatusCode()
		if status < 200 || status >= 300 {
			serr := &StatusError{Code: status, Body: truncate(string(resp.Body()), 512)}
			if !serr.Retryable() {
				return retry.Permanent(serr)
			}
			return serr
		}

		if out != nil {
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return retry.Permanent(fmt.Errorf("decode response: %w", err))
			}
		}
		return nil
	})
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

// IsStatus reports whether err carries the given HTTP status.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
