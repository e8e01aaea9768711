package xenvelope

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/trickstertwo/xclock"
)

// RetryConfig controls handler retries. Sends are never retried by the client.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first execution.
	MaxAttempts int
	// Backoff computes the base wait before the next attempt (e.g., exponential backoff).
	Backoff func(attempt int) time.Duration
	// RetryIf decides whether err is worth another attempt.
	// If nil, Retryable is used.
	RetryIf func(err error) bool
	// Jitter adds up to [0, Jitter] random delay to the base backoff.
	Jitter time.Duration
	// Clock decides when the delivered message has expired; defaults to xclock.Default().
	Clock Clock
}

// Retryable reports whether err may succeed on a later attempt.
//
// Codec rejections are permanent: re-running the handler encodes the same
// reply again and fails the same way. Handler panics are treated as permanent
// too, so a poison message is nacked after one attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		tooLarge  *ErrPayloadTooLarge
		reserved  *ErrReservedProperty
		invalidP  *ErrInvalidProperty
		invalidM  *ErrInvalidMessage
		malformed *ErrMalformedMessage
	)
	switch {
	case errors.As(err, &tooLarge),
		errors.As(err, &reserved),
		errors.As(err, &invalidP),
		errors.As(err, &invalidM),
		errors.As(err, &malformed),
		errors.Is(err, ErrNoLargeBodyStore),
		errors.Is(err, ErrHandlerPanic):
		return false
	}
	return true
}

// RetryMiddleware retries a failing handler in-process before the delivery is nacked.
//
// Retries stop early when the context ends, when RetryIf rejects the error, or
// once the delivered message is past its ExpiresAt; a backoff never sleeps past
// that expiry either.
func RetryMiddleware(cfg RetryConfig) Middleware {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	shouldRetry := cfg.RetryIf
	if shouldRetry == nil {
		shouldRetry = Retryable
	}
	var clk Clock = cfg.Clock
	if clk == nil {
		clk = xclock.Default()
	}

	return func(next Handler) Handler {
		return func(ctx context.Context, in *Incoming) error {
			var lastErr error
			for i := 1; i <= attempts; i++ {
				lastErr = next(ctx, in)
				if lastErr == nil {
					return nil
				}
				if ctx.Err() != nil || i == attempts || !shouldRetry(lastErr) {
					return lastErr
				}

				remaining, ok := timeLeft(clk, in)
				if ok && remaining <= 0 {
					return lastErr
				}
				if cfg.Backoff == nil {
					continue
				}
				wait := cfg.Backoff(i)
				if cfg.Jitter > 0 {
					wait += time.Duration(rand.Int64N(int64(cfg.Jitter)))
				}
				if ok && wait >= remaining {
					return lastErr
				}
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return lastErr
				case <-timer.C:
				}
			}
			return lastErr
		}
	}
}

// timeLeft is the time until the delivered message expires. ok is false when
// the delivery carries no decoded message.
func timeLeft(clk Clock, in *Incoming) (time.Duration, bool) {
	if in == nil || in.Message == nil || in.Message.ExpiresAt.IsZero() {
		return 0, false
	}
	return in.Message.ExpiresAt.Sub(clk.Now()), true
}

// TimeoutMiddleware bounds handler processing time. On expiry it returns
// context.DeadlineExceeded and the delivery is nacked.
// The handler keeps running in its goroutine until it observes ctx.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, in *Incoming) error {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						errCh <- fmt.Errorf("%w: %v", ErrHandlerPanic, r)
					}
				}()
				errCh <- next(tctx, in)
			}()

			select {
			case <-tctx.Done():
				return tctx.Err()
			case err := <-errCh:
				return err
			}
		}
	}
}

// RecoveryMiddleware converts handler panics into errors wrapping ErrHandlerPanic.
// The client installs it innermost on every subscription.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, in *Incoming) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next(ctx, in)
		}
	}
}

// Chain composes middlewares around a handler; the first middleware is outermost.
// Nil entries are skipped.
func Chain(h Handler, mws ...Middleware) Handler {
	wrapped := h
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}
