package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const DefaultAttempts = 5

// Policy bounds a retried operation.
type Policy struct {
	Attempts int
	Backoff  func(attempt int) time.Duration
	// OnRetry is called before sleeping after a failed attempt.
	OnRetry func(attempt int, err error)
}

// Op performs one attempt. attempt starts at 1.
type Op func(ctx context.Context, attempt int) error

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("maximum attempts (%d) reached: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error as-is.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do runs op until it succeeds, returns a permanent error, the context ends,
// or the attempt ceiling is reached.
func Do(ctx context.Context, p Policy, op Op) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	backoff := p.Backoff
	if backoff == nil {
		backoff = Backoff
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		if sleepErr := Sleep(ctx, backoff(attempt)); sleepErr != nil {
			return lastErr
		}
	}
	return &ExhaustedError{Attempts: attempts, Last: lastErr}
}

// Backoff doubles from 100ms and stops growing after six attempts.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	base := 100 * time.Millisecond
	return time.Duration(1<<uint(attempt-1)) * base
}

// NoBackoff retries immediately.
func NoBackoff(int) time.Duration { return 0 }

func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
