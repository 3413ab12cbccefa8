package xenvelope

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Bus signs and publishes envelopes on send and verifies them on receipt.
// Topics are target addresses.
type Bus struct {
	transport    Transport
	codec        Codec
	signer       Signer
	verifier     Verifier
	ttl          time.Duration
	nonces       NonceSource
	clock        xclock.Clock
	logger       *xlog.Logger
	middlewares  []Middleware
	ackTimeout   time.Duration
	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer
	baseCtx      context.Context
	metrics      *busMetrics
	closed       atomic.Bool
	closeOnce    sync.Once
}

type busMetrics struct {
	sendCount     atomic.Uint64
	receiveCount  atomic.Uint64
	ackCount      atomic.Uint64
	nackCount     atomic.Uint64
	rejectedCount atomic.Uint64
	errorCount    atomic.Uint64
	processingNs  atomic.Int64
}

// Codec returns the configured codec (Strategy).
func (b *Bus) Codec() Codec { return b.codec }

// Address returns the signer's address, or "" when the bus cannot sign.
func (b *Bus) Address() string {
	if b.signer == nil {
		return ""
	}
	return b.signer.Address()
}

// Subscribe consumes envelopes addressed to address under a consumer group.
// Each frame is decoded, checked for target, expiry and signature, and only
// then passed through the middleware chain to handler. Rejected envelopes are
// acknowledged and dropped; handler errors Nack.
func (b *Bus) Subscribe(ctx context.Context, address, group string, handler Handler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if err := checkAddress("address", address); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if group == "" {
		return nil, ErrInvalidGroup
	}
	if handler == nil {
		return nil, ErrInvalidHandler
	}
	if b.verifier == nil {
		return nil, ErrNoVerifier
	}

	base := RecoveryMiddleware()(handler)
	wh := Chain(base, b.middlewares...)

	return b.transport.Subscribe(ctx, address, group, func(d Delivery) {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Warn().Msg("xenvelope: handler panic (recovered)")
				b.metrics.errorCount.Add(1)
				_ = d.Nack(context.Background(), ErrHandlerPanic)
			}
		}()

		b.metrics.receiveCount.Add(1)
		hctx := b.baseCtx
		msg := d.Message()

		env, err := b.admit(address, msg)
		if err != nil {
			b.metrics.rejectedCount.Add(1)
			ev := envelopeEvent(Rejected, env)
			ev.Address, ev.Group, ev.MessageID, ev.Err = address, group, msg.ID, err
			b.notify(ev)
			b.ackWithTimeout(hctx, d, true, nil)
			return
		}

		start := b.clock.Now()
		ev := envelopeEvent(ReceiveStart, env)
		ev.Group, ev.MessageID = group, msg.ID
		b.notify(ev)

		err = wh(handlerContext(hctx, b.logger, env, Receipt{
			Address:   address,
			Group:     group,
			MessageID: msg.ID,
			Metadata:  msg.Metadata,
		}), env)

		duration := b.clock.Since(start)
		b.recordProcessingTime(duration.Nanoseconds())

		done := envelopeEvent(ReceiveDone, env)
		done.Group, done.MessageID, done.Duration, done.Err = group, msg.ID, duration, err
		ack := envelopeEvent(Ack, env)
		ack.Group, ack.MessageID = group, msg.ID

		if err == nil {
			b.metrics.ackCount.Add(1)
			b.ackWithTimeout(hctx, d, true, nil)
			b.notify(done)
			b.notify(ack)
			return
		}

		b.metrics.nackCount.Add(1)
		b.ackWithTimeout(hctx, d, false, err)
		ack.Type, ack.Err = Nack, err
		b.notify(done)
		b.notify(ack)
	})
}

// admit decodes a frame and applies the receive checks. The returned envelope
// may be non-nil alongside an error, for telemetry.
func (b *Bus) admit(address string, msg *Message) (*Envelope, error) {
	if msg == nil {
		return nil, ErrInvalidFrame
	}
	env, err := DecodeEnvelope(b.codec, msg.Payload)
	if err != nil {
		return nil, err
	}
	if env.Target != address {
		return env, ErrTargetMismatch
	}
	if b.expired(env) {
		return env, ErrEnvelopeExpired
	}
	if !env.IsSigned() {
		return env, ErrUnsigned
	}
	ok, err := env.Verify(b.verifier)
	if err != nil {
		return env, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !ok {
		return env, ErrInvalidSignature
	}
	return env, nil
}

func (b *Bus) expired(env *Envelope) bool {
	if env.Expires == nil {
		return false
	}
	now := b.clock.Now().Unix()
	return now > 0 && uint64(now) > *env.Expires
}

// ackWithTimeout handles ack/nack with configurable timeout.
func (b *Bus) ackWithTimeout(ctx context.Context, d Delivery, ack bool, reason error) {
	actx := ctx
	cancel := func() {}
	if b.ackTimeout > 0 {
		actx, cancel = context.WithTimeout(ctx, b.ackTimeout)
	}
	defer cancel()

	if ack {
		if err := d.Ack(actx); err != nil {
			b.metrics.errorCount.Add(1)
			b.notify(Event{Type: Error, Err: err})
			b.logger.Warn().Err(err).Msg("xenvelope: ack failed")
		}
		return
	}

	if err := d.Nack(actx, reason); err != nil {
		b.metrics.errorCount.Add(1)
		b.notify(Event{Type: Error, Err: err})
		b.logger.Warn().Err(err).Msg("xenvelope: nack failed")
	}
}

// GetMetrics returns current bus metrics.
func (b *Bus) GetMetrics() Metrics {
	m := Metrics{
		Sent:                b.metrics.sendCount.Load(),
		Received:            b.metrics.receiveCount.Load(),
		Acked:               b.metrics.ackCount.Load(),
		Nacked:              b.metrics.nackCount.Load(),
		Rejected:            b.metrics.rejectedCount.Load(),
		Errors:              b.metrics.errorCount.Load(),
		AvgProcessingTimeMs: float64(b.metrics.processingNs.Load()) / 1e6,
	}
	if b.observerPool != nil {
		m.EventsDropped = b.observerPool.Stats().Dropped
	}
	return m
}

// Health reports "unhealthy" once closed and "degraded" when more than 5% of
// traffic errored.
func (b *Bus) Health(ctx context.Context) HealthStatus {
	if b.closed.Load() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: b.clock.Now(),
			Message:   "bus is closed",
		}
	}

	metrics := b.GetMetrics()
	status := "healthy"

	traffic := metrics.Sent + metrics.Received
	if metrics.Errors > 0 && traffic > 0 {
		if float64(metrics.Errors)/float64(traffic) > 0.05 {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Timestamp: b.clock.Now(),
	}
}

// Close gracefully shuts down the bus. It is idempotent.
func (b *Bus) Close(ctx context.Context) error {
	var closeErr error

	b.closeOnce.Do(func() {
		b.closed.Store(true)

		if b.observerPool != nil {
			if err := b.observerPool.Close(5 * time.Second); err != nil {
				b.logger.Warn().Err(err).Msg("xenvelope: observer pool shutdown timeout")
				closeErr = err
			}
		}

		if err := b.transport.Close(ctx); err != nil {
			b.logger.Error().Err(err).Msg("xenvelope: transport close failed")
			closeErr = err
		}
	})

	return closeErr
}

// AddObserver registers an observer (thread-safe).
func (b *Bus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (b *Bus) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()

	for i, o := range b.observers {
		if sameObserver(o, obs) {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			break
		}
	}
}

// sameObserver compares observers without panicking on uncomparable
// dynamic types such as ObserverFunc.
func sameObserver(a, b Observer) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}

// notify dispatches through the observer pool when configured, inline otherwise.
func (b *Bus) notify(e Event) {
	if b.closed.Load() {
		return
	}

	b.observersMu.RLock()
	if len(b.observers) == 0 {
		b.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.observersMu.RUnlock()

	if b.observerPool != nil {
		b.observerPool.Notify(e, observers)
		return
	}
	for _, o := range observers {
		o.OnEvent(e)
	}
}

// recordProcessingTime keeps an exponential moving average (alpha 0.2).
func (b *Bus) recordProcessingTime(ns int64) {
	const alpha = 0.2
	current := b.metrics.processingNs.Load()
	if current == 0 {
		b.metrics.processingNs.Store(ns)
		return
	}
	newAvg := int64(float64(ns)*alpha + float64(current)*(1-alpha))
	b.metrics.processingNs.Store(newAvg)
}
