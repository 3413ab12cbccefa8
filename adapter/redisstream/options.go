package redisstream

import (
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xenvelope"
	"github.com/trickstertwo/xlog"
)

// Option configures the xenvelope.Bus construction when calling Use.
type Option func(*xenvelope.BusBuilder)

// WithSigner sets the identity that signs outgoing envelopes.
func WithSigner(s xenvelope.Signer) Option {
	return func(b *xenvelope.BusBuilder) { b.WithSigner(s) }
}

// WithVerifier sets the capability that checks incoming signatures.
func WithVerifier(v xenvelope.Verifier) Option {
	return func(b *xenvelope.BusBuilder) { b.WithVerifier(v) }
}

func WithEnvelopeTTL(d time.Duration) Option {
	return func(b *xenvelope.BusBuilder) { b.WithEnvelopeTTL(d) }
}

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xenvelope.BusBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xenvelope.BusBuilder) { b.WithClock(c) }
}

func WithCodec(name string) Option {
	return func(b *xenvelope.BusBuilder) { b.WithCodec(name) }
}

func WithMiddleware(mw ...xenvelope.Middleware) Option {
	return func(b *xenvelope.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithAckTimeout bounds XACK and dead-letter writes.
func WithAckTimeout(d time.Duration) Option {
	return func(b *xenvelope.BusBuilder) { b.WithAckTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xenvelope.Observer) Option {
	return func(b *xenvelope.BusBuilder) { b.WithObserver(obs...) }
}
