package lichess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/park285/cheese-lichess-bot/internal/retry"
)

// ErrStreamClosed is reported when the server ends a stream that was open.
var ErrStreamClosed = errors.New("event stream closed by server")

const (
	streamChunk  = 4096
	eventBacklog = 64

	defaultIdleTimeout = 30 * time.Second
)

// Event is one decoded stream line. Raw keeps the full object.
type Event struct {
	Type string
	Raw  json.RawMessage
}

// Streamer opens long-lived authenticated GET streams.
type Streamer struct {
	baseURL     string
	token       string
	dial        fasthttp.DialFunc
	dialTimeout time.Duration
	idleTimeout time.Duration
	policy      retry.Policy
	logger      *zap.Logger
}

type StreamerOption func(*Streamer)

func WithStreamDial(d fasthttp.DialFunc) StreamerOption {
	return func(s *Streamer) { s.dial = d }
}

func WithStreamRetry(attempts int, backoff func(int) time.Duration) StreamerOption {
	return func(s *Streamer) {
		s.policy.Attempts = attempts
		s.policy.Backoff = backoff
	}
}

func WithStreamLogger(l *zap.Logger) StreamerOption {
	return func(s *Streamer) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithDialTimeout(d time.Duration) StreamerOption {
	return func(s *Streamer) {
		if d > 0 {
			s.dialTimeout = d
		}
	}
}

// WithIdleTimeout bounds how long a connection may stay silent. The server
// sends a keep-alive newline every few seconds; zero disables the bound.
func WithIdleTimeout(d time.Duration) StreamerOption {
	return func(s *Streamer) { s.idleTimeout = d }
}

func NewStreamer(baseURL, token string, opts ...StreamerOption) *Streamer {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	s := &Streamer{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		dialTimeout: 10 * time.Second,
		idleTimeout: defaultIdleTimeout,
		policy:      retry.Policy{Attempts: retry.DefaultAttempts},
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dial == nil {
		timeout := s.dialTimeout
		s.dial = func(addr string) (net.Conn, error) { return fasthttp.DialTimeout(addr, timeout) }
	}
	return s
}

// StreamAccount follows the account event stream.
func (s *Streamer) StreamAccount(ctx context.Context) (<-chan AccountEvent, <-chan error) {
	return openAs[AccountEvent](ctx, s, "/api/stream/event")
}

// StreamGame follows one game's state stream.
func (s *Streamer) StreamGame(ctx context.Context, gameID string) (<-chan GameEvent, <-chan error) {
	return openAs[GameEvent](ctx, s, "/api/bot/game/stream/"+gameID)
}

// Open connects to path and delivers every JSON line in arrival order,
// reconnecting when the server drops the connection. The event channel
// closes when the stream ends; a terminal error, if any, is sent on the
// error channel first. Cancelling ctx ends the stream quietly.
func (s *Streamer) Open(ctx context.Context, path string) (<-chan Event, <-chan error) {
	return openAs[Event](ctx, s, path)
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return err
	}
	e.Type = head.Type
	e.Raw = append(json.RawMessage(nil), b...)
	return nil
}

func openAs[T any](ctx context.Context, s *Streamer, path string) (<-chan T, <-chan error) {
	events := make(chan T, eventBacklog)
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		defer close(events)
		if err := s.run(ctx, path, func(line []byte) bool {
			var v T
			if err := json.Unmarshal(line, &v); err != nil {
				s.logger.Debug("stream_bad_line", zap.String("path", path), zap.ByteString("line", line), zap.Error(err))
				return true
			}
			select {
			case events <- v:
				return true
			case <-ctx.Done():
				return false
			}
		}); err != nil && ctx.Err() == nil {
			errc <- err
		}
	}()
	return events, errc
}

// conn remembers the connection a stream is reading from so cancellation
// can close it under a blocked read.
type conn struct {
	mu     sync.Mutex
	c      net.Conn
	closed bool
}

func (c *conn) set(nc net.Conn) {
	c.mu.Lock()
	c.c = nc
	if c.closed {
		_ = nc.Close()
	}
	c.mu.Unlock()
}

func (c *conn) close() {
	c.mu.Lock()
	c.closed = true
	if c.c != nil {
		_ = c.c.Close()
	}
	c.mu.Unlock()
}

// drop closes the current connection but lets a later dial through.
func (c *conn) drop() {
	c.mu.Lock()
	if c.c != nil {
		_ = c.c.Close()
		c.c = nil
	}
	c.mu.Unlock()
}

func (c *conn) deadline(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	if c.c != nil {
		_ = c.c.SetReadDeadline(time.Now().Add(d))
	}
	c.mu.Unlock()
}

// openError is a connect that failed after every retry.
type openError struct{ err error }

func (e *openError) Error() string { return e.err.Error() }
func (e *openError) Unwrap() error { return e.err }

// run keeps a stream open. A drop after a successful connect is reopened
// with a fresh retry budget; the stream fails only when reopening is
// exhausted or too many connections in a row deliver nothing.
func (s *Streamer) run(ctx context.Context, path string, emit func([]byte) bool) error {
	var held conn
	stop := context.AfterFunc(ctx, held.close)
	defer stop()

	attempts := s.policy.Attempts
	if attempts <= 0 {
		attempts = retry.DefaultAttempts
	}
	backoff := s.policy.Backoff
	if backoff == nil {
		backoff = retry.Backoff
	}

	quiet := 0
	for reconnects := 0; ; reconnects++ {
		read, err := s.follow(ctx, &held, path, emit)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var open *openError
		if errors.As(err, &open) {
			if reconnects == 0 {
				return fmt.Errorf("open stream %s: %w", path, open.err)
			}
			return fmt.Errorf("%w: reopen %s: %w", ErrStreamClosed, path, open.err)
		}
		if read > 0 {
			quiet = 0
		} else {
			quiet++
		}
		if quiet >= attempts {
			return err
		}
		s.logger.Warn("stream_dropped", zap.String("path", path), zap.Int64("bytes", read), zap.Int("reconnects", reconnects+1), zap.Error(err))
		if err := retry.Sleep(ctx, backoff(quiet)); err != nil {
			return err
		}
	}
}

// follow connects once (with retries) and reads until the connection ends.
// It reports how many bytes the connection delivered.
func (s *Streamer) follow(ctx context.Context, held *conn, path string, emit func([]byte) bool) (int64, error) {
	client := &fasthttp.Client{
		StreamResponseBody: true,
		MaxConnsPerHost:    1,
		Dial: func(addr string) (net.Conn, error) {
			nc, err := s.dial(addr)
			if err == nil {
				held.set(nc)
			}
			return nc, err
		},
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
		client.CloseIdleConnections()
	}()
	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI(s.baseURL + path)
	req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+s.token)
	req.Header.Set(fasthttp.HeaderAccept, "application/x-ndjson")

	policy := s.policy
	policy.OnRetry = func(attempt int, err error) {
		s.logger.Warn("stream_retry", zap.String("path", path), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		s.logger.Info("stream_connect", zap.String("path", path), zap.Int("attempt", attempt))
		resp.Reset()
		if err := client.Do(req, resp); err != nil {
			if ctx.Err() != nil {
				return retry.Permanent(ctx.Err())
			}
			return fmt.Errorf("connect: %w", err)
		}
		if code := resp.StatusCode(); code < 200 || code >= 300 {
			body := resp.Body()
			_ = resp.CloseBodyStream()
			return &StatusError{Code: code, Body: truncate(string(body), 512)}
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, &openError{err: err}
	}
	s.logger.Info("stream_connected", zap.String("path", path))
	defer func() {
		held.drop()
		_ = resp.CloseBodyStream()
	}()

	body := resp.BodyStream()
	if body == nil {
		// the server answered with a fully buffered body
		body = strings.NewReader(string(resp.Body()))
	}
	return s.pump(ctx, path, body, func() { held.deadline(s.idleTimeout) }, emit)
}

// pump reads lines until the body ends. arm runs before every read so a
// silent connection times out instead of blocking forever.
func (s *Streamer) pump(ctx context.Context, path string, body io.Reader, arm func(), emit func([]byte) bool) (int64, error) {
	var lb LineBuffer
	var read int64
	buf := make([]byte, streamChunk)
	for {
		arm()
		n, err := body.Read(buf)
		if n > 0 {
			read += int64(n)
			for _, line := range lb.Feed(buf[:n]) {
				if !emit(line) {
					return read, ctx.Err()
				}
			}
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return read, ctx.Err()
		}
		if tail := lb.Flush(); tail != nil {
			emit(tail)
		}
		if errors.Is(err, io.EOF) {
			s.logger.Info("stream_eof", zap.String("path", path))
			return read, ErrStreamClosed
		}
		return read, fmt.Errorf("read stream %s: %w", path, err)
	}
}
