package memory

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xenvelope"
	"github.com/trickstertwo/xlog"
)

// Use builds a Bus on the in-memory transport and installs it as the
// process-wide default.
//
// Example:
//
//	id, _ := identity.FromSeed("alice secret", 0)
//	bus := memory.Use(memory.Config{BufferSize: 4096, Concurrency: 8, AssignIDs: true},
//	    memory.WithSigner(id),
//	    memory.WithVerifier(identity.Verifier{}),
//	    memory.WithLogger(logger),
//	)
func Use(cfg Config, opts ...Option) *xenvelope.Bus {
	bb := xenvelope.NewBusBuilder().
		WithTransport(TransportName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}

	bus, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}

	xenvelope.SetDefault(bus)
	return bus
}

// toMap converts Config to the generic map expected by the transport factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"buffer_size":      c.BufferSize,
		"concurrency":      c.Concurrency,
		"redelivery_delay": c.RedeliveryDelay,
		"max_redeliveries": c.MaxRedeliveries,
		"assign_ids":       c.AssignIDs,
	}
}

// Option configures the xenvelope.Bus when calling Use.
type Option func(*xenvelope.BusBuilder)

// WithSigner sets the identity that signs outgoing envelopes.
func WithSigner(s xenvelope.Signer) Option {
	return func(b *xenvelope.BusBuilder) { b.WithSigner(s) }
}

// WithVerifier sets the capability that checks incoming signatures.
func WithVerifier(v xenvelope.Verifier) Option {
	return func(b *xenvelope.BusBuilder) { b.WithVerifier(v) }
}

// WithEnvelopeTTL sets the expiry stamped on sent envelopes.
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

// WithCodec selects a codec by name (default: "json").
func WithCodec(name string) Option {
	return func(b *xenvelope.BusBuilder) { b.WithCodec(name) }
}

// WithMiddleware adds processing middlewares (retry, timeout, etc).
func WithMiddleware(mw ...xenvelope.Middleware) Option {
	return func(b *xenvelope.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithAckTimeout sets acks/nacks timeout (default: 5s).
func WithAckTimeout(d time.Duration) Option {
	return func(b *xenvelope.BusBuilder) { b.WithAckTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xenvelope.Observer) Option {
	return func(b *xenvelope.BusBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool configures async observer pool for non-blocking notifications.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *xenvelope.BusBuilder) { b.WithObserverPool(workers, bufferSize) }
}
