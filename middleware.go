package xenvelope

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// RetryConfig controls retry behavior for processing middleware.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first execution.
	MaxAttempts int
	// Backoff computes the base wait before the next attempt.
	Backoff func(attempt int) time.Duration
	// RetryIf, when provided, returns true if the error should be retried.
	// If nil, all errors are retried (bounded by MaxAttempts).
	RetryIf func(err error) bool
	// Jitter adds up to [0, Jitter] random delay to the base backoff.
	Jitter time.Duration
}

// RetryMiddleware provides bounded, selective retries around a handler.
func RetryMiddleware(cfg RetryConfig) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, env *Envelope) error {
			var lastErr error
			attempts := cfg.MaxAttempts
			if attempts < 1 {
				attempts = 1
			}
			shouldRetry := cfg.RetryIf
			if shouldRetry == nil {
				shouldRetry = func(error) bool { return true }
			}
			for i := 1; i <= attempts; i++ {
				lastErr = next(ctx, env)
				if lastErr == nil {
					return nil
				}
				if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return lastErr
				}
				if i == attempts || !shouldRetry(lastErr) {
					return lastErr
				}
				if cfg.Backoff != nil {
					wait := cfg.Backoff(i)
					if cfg.Jitter > 0 {
						wait += time.Duration(rand.Int63n(int64(cfg.Jitter)))
					}
					select {
					case <-ctx.Done():
						return lastErr
					case <-time.After(wait):
					}
				}
			}
			return lastErr
		}
	}
}

// TimeoutMiddleware enforces a maximum processing time for a handler.
// When exceeded, it returns context.DeadlineExceeded and lets the bus Nack.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, env *Envelope) error {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						errCh <- fmt.Errorf("%w: %v", ErrHandlerPanic, r)
					}
				}()
				errCh <- next(tctx, env)
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

// RecoveryMiddleware prevents panics from crashing consumers and converts them into errors.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, env *Envelope) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next(ctx, env)
		}
	}
}

// Chain composes middlewares around a handler in order.
func Chain(h Handler, mws ...Middleware) Handler {
	if len(mws) == 0 {
		return h
	}
	wrapped := h
	// Apply in reverse so that first middleware wraps last.
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}

// LoggingMiddleware logs handler start and completion with the envelope fields
// carried by the handler context logger.
func LoggingMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, env *Envelope) error {
			l, ok := LoggerFromContext(ctx)
			if !ok {
				return next(ctx, env)
			}
			clock := clockOrDefault(ctx)
			start := clock.Now()
			l.Debug().Msg("handler start")
			err := next(ctx, env)
			if err != nil {
				l.Warn().Err(err).Dur("dur", clock.Since(start)).Msg("handler failed")
			} else {
				l.Debug().Dur("dur", clock.Since(start)).Msg("handler done")
			}
			return err
		}
	}
}

// ReplayGuardMiddleware drops envelopes whose (sender, session, nonce) was
// already handled within window. Dropped envelopes are acknowledged. Envelopes
// without a nonce pass through. Window should be at least the envelope TTL.
func ReplayGuardMiddleware(window time.Duration) Middleware {
	g := &replayGuard{window: window, seen: make(map[replayKey]time.Time)}
	return func(next Handler) Handler {
		return func(ctx context.Context, env *Envelope) error {
			if env.Nonce == nil {
				return next(ctx, env)
			}
			now := clockOrDefault(ctx).Now()
			key := replayKey{sender: env.Sender, session: env.Session.String(), nonce: *env.Nonce}
			if !g.claim(key, now) {
				if l, ok := LoggerFromContext(ctx); ok {
					l.Warn().Err(ErrReplayed).Msg("xenvelope: dropping replayed envelope")
				}
				return nil
			}
			err := next(ctx, env)
			if err != nil {
				// allow the redelivery through
				g.release(key)
			}
			return err
		}
	}
}

type replayKey struct {
	sender  string
	session string
	nonce   uint64
}

type replayGuard struct {
	mu        sync.Mutex
	window    time.Duration
	seen      map[replayKey]time.Time
	lastSweep time.Time
}

func (g *replayGuard) claim(k replayKey, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if now.Sub(g.lastSweep) > g.window {
		for key, at := range g.seen {
			if now.Sub(at) > g.window {
				delete(g.seen, key)
			}
		}
		g.lastSweep = now
	}
	if at, ok := g.seen[k]; ok && now.Sub(at) <= g.window {
		return false
	}
	g.seen[k] = now
	return true
}

func (g *replayGuard) release(k replayKey) {
	g.mu.Lock()
	delete(g.seen, k)
	g.mu.Unlock()
}
