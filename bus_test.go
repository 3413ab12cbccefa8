package xenvelope_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xenvelope"
	"github.com/trickstertwo/xenvelope/adapter/memory"
	"github.com/trickstertwo/xenvelope/identity"
)

type fixture struct {
	tr         *memory.Transport
	alice, bob *identity.Identity
	aliceBus   *xenvelope.Bus
	bobBus     *xenvelope.Bus
	events     *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []xenvelope.Event
}

func (l *eventLog) OnEvent(e xenvelope.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) ofType(t xenvelope.EventType) []xenvelope.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []xenvelope.Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newFixture(t *testing.T, cfg memory.Config) *fixture {
	t.Helper()
	f := &fixture{tr: memory.NewTransport(cfg), events: &eventLog{}}

	var err error
	f.alice, err = identity.FromSeed("alice test seed", 0)
	require.NoError(t, err)
	f.bob, err = identity.FromSeed("bob test seed", 0)
	require.NoError(t, err)

	f.aliceBus, err = xenvelope.NewBusBuilder().
		WithTransportInstance(f.tr).
		WithSigner(f.alice).
		WithVerifier(identity.Verifier{}).
		Build()
	require.NoError(t, err)

	f.bobBus, err = xenvelope.NewBusBuilder().
		WithTransportInstance(f.tr).
		WithSigner(f.bob).
		WithVerifier(identity.Verifier{}).
		WithObserver(f.events).
		Build()
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = f.aliceBus.Close(context.Background())
		_ = f.bobBus.Close(context.Background())
	})
	return f
}

// inbox subscribes bob and returns a channel of delivered envelopes.
func (f *fixture) inbox(t *testing.T, handler xenvelope.Handler) <-chan *xenvelope.Envelope {
	t.Helper()
	ch := make(chan *xenvelope.Envelope, 16)
	sub, err := f.bobBus.Subscribe(context.Background(), f.bob.Address(), "inbox", func(ctx context.Context, env *xenvelope.Envelope) error {
		ch <- env
		if handler != nil {
			return handler(ctx, env)
		}
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return ch
}

func receive(t *testing.T, ch <-chan *xenvelope.Envelope) *xenvelope.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

// publishRaw bypasses the sending bus so tests can inject arbitrary envelopes.
func (f *fixture) publishRaw(t *testing.T, env *xenvelope.Envelope) {
	t.Helper()
	data, err := xenvelope.EncodeEnvelope(nil, env)
	require.NoError(t, err)
	require.NoError(t, f.tr.Publish(context.Background(), f.bob.Address(), &xenvelope.Message{Name: env.SchemaDigest, Payload: data}))
}

func (f *fixture) signedEnvelope(t *testing.T, opts ...xenvelope.Option) *xenvelope.Envelope {
	t.Helper()
	env, err := xenvelope.New(xenvelope.CurrentVersion, f.alice.Address(), f.bob.Address(), xenvelope.NewSession(), "proto-v1", opts...)
	require.NoError(t, err)
	require.NoError(t, env.Sign(f.alice))
	return env
}

func TestSendDeliversVerifiedEnvelope(t *testing.T) {
	f := newFixture(t, memory.Config{})
	ch := f.inbox(t, nil)

	sent, err := f.aliceBus.Send(context.Background(), f.bob.Address(), "proto-v1", `{"text":"hello bob"}`)
	require.NoError(t, err)
	require.True(t, sent.IsSigned())
	require.NotNil(t, sent.Expires)
	require.NotNil(t, sent.Nonce)

	got := receive(t, ch)
	assert.Equal(t, sent, got)
	text, ok, err := got.DecodePayload()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"text":"hello bob"}`, text)

	require.Eventually(t, func() bool { return f.bobBus.GetMetrics().Acked == 1 }, time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, f.aliceBus.GetMetrics().Sent)
	assert.Zero(t, f.bobBus.GetMetrics().Rejected)
}

func TestSendContinuesSession(t *testing.T) {
	f := newFixture(t, memory.Config{})
	ch := f.inbox(t, nil)
	session := xenvelope.NewSession()

	_, err := f.aliceBus.Send(context.Background(), f.bob.Address(), "proto-v1", "one",
		xenvelope.WithSession(session), xenvelope.WithTTL(0))
	require.NoError(t, err)

	got := receive(t, ch)
	assert.Equal(t, session, got.Session)
	assert.Nil(t, got.Expires)
}

func TestReplyRoundTrip(t *testing.T) {
	f := newFixture(t, memory.Config{})

	replies := make(chan *xenvelope.Envelope, 1)
	sub, err := f.aliceBus.Subscribe(context.Background(), f.alice.Address(), "inbox", func(_ context.Context, env *xenvelope.Envelope) error {
		replies <- env
		return nil
	})
	require.NoError(t, err)
	defer sub.Close()

	f.inbox(t, func(ctx context.Context, env *xenvelope.Envelope) error {
		_, err := f.bobBus.Send(ctx, env.Sender, "proto-v1", "pong", xenvelope.WithSession(env.Session))
		return err
	})

	req, err := f.aliceBus.Send(context.Background(), f.bob.Address(), "proto-v1", "ping")
	require.NoError(t, err)

	reply := receive(t, replies)
	assert.Equal(t, req.Session, reply.Session)
	assert.Equal(t, f.bob.Address(), reply.Sender)
}

func TestRejectsTamperedEnvelope(t *testing.T) {
	f := newFixture(t, memory.Config{})
	ch := f.inbox(t, nil)

	env := f.signedEnvelope(t, xenvelope.WithPayload("pay alice 1"))
	env.EncodePayload("pay alice 1000")
	f.publishRaw(t, env)

	require.Eventually(t, func() bool { return f.bobBus.GetMetrics().Rejected == 1 }, time.Second, 10*time.Millisecond)
	assert.Empty(t, ch)
	rejected := f.events.ofType(xenvelope.Rejected)
	require.Len(t, rejected, 1)
	assert.ErrorIs(t, rejected[0].Err, xenvelope.ErrInvalidSignature)
	assert.Equal(t, f.alice.Address(), rejected[0].Sender)
}

func TestRejectsExpiredEnvelope(t *testing.T) {
	f := newFixture(t, memory.Config{})
	ch := f.inbox(t, nil)

	past := uint64(time.Now().Add(-time.Minute).Unix())
	f.publishRaw(t, f.signedEnvelope(t, xenvelope.WithExpires(past)))

	require.Eventually(t, func() bool { return len(f.events.ofType(xenvelope.Rejected)) == 1 }, time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, f.events.ofType(xenvelope.Rejected)[0].Err, xenvelope.ErrEnvelopeExpired)
	assert.Empty(t, ch)
}

func TestRejectsUnsignedAndMisaddressed(t *testing.T) {
	f := newFixture(t, memory.Config{})
	ch := f.inbox(t, nil)

	unsigned, err := xenvelope.New(1, f.alice.Address(), f.bob.Address(), xenvelope.NewSession(), "proto-v1")
	require.NoError(t, err)
	f.publishRaw(t, unsigned)

	carol, err := identity.Generate()
	require.NoError(t, err)
	misaddressed, err := xenvelope.New(1, f.alice.Address(), carol.Address(), xenvelope.NewSession(), "proto-v1")
	require.NoError(t, err)
	require.NoError(t, misaddressed.Sign(f.alice))
	f.publishRaw(t, misaddressed)

	require.Eventually(t, func() bool { return len(f.events.ofType(xenvelope.Rejected)) == 2 }, time.Second, 10*time.Millisecond)
	var reasons []error
	for _, e := range f.events.ofType(xenvelope.Rejected) {
		reasons = append(reasons, e.Err)
	}
	assert.ErrorIs(t, reasons[0], xenvelope.ErrUnsigned)
	assert.ErrorIs(t, reasons[1], xenvelope.ErrTargetMismatch)
	assert.Empty(t, ch)
}

func TestRejectsGarbageFrame(t *testing.T) {
	f := newFixture(t, memory.Config{})
	f.inbox(t, nil)

	require.NoError(t, f.tr.Publish(context.Background(), f.bob.Address(), &xenvelope.Message{Payload: []byte("{")}))
	require.Eventually(t, func() bool { return f.bobBus.GetMetrics().Rejected == 1 }, time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, f.tr.Stats().Acked)
}

func TestHandlerErrorNacks(t *testing.T) {
	f := newFixture(t, memory.Config{MaxRedeliveries: 1})
	boom := errors.New("downstream unavailable")
	ch := f.inbox(t, func(context.Context, *xenvelope.Envelope) error { return boom })

	_, err := f.aliceBus.Send(context.Background(), f.bob.Address(), "proto-v1", "x")
	require.NoError(t, err)

	receive(t, ch)
	receive(t, ch)
	require.Eventually(t, func() bool { return f.bobBus.GetMetrics().Nacked == 2 }, time.Second, 10*time.Millisecond)
	nacks := f.events.ofType(xenvelope.Nack)
	require.NotEmpty(t, nacks)
	assert.ErrorIs(t, nacks[0].Err, boom)
}

func TestRetryMiddleware(t *testing.T) {
	f := newFixture(t, memory.Config{})
	var mu sync.Mutex
	attempts := 0
	bus, err := xenvelope.NewBusBuilder().
		WithTransportInstance(f.tr).
		WithVerifier(identity.Verifier{}).
		WithMiddleware(xenvelope.RetryMiddleware(xenvelope.RetryConfig{MaxAttempts: 3})).
		Build()
	require.NoError(t, err)
	defer bus.Close(context.Background())

	done := make(chan struct{})
	sub, err := bus.Subscribe(context.Background(), f.bob.Address(), "retry", func(context.Context, *xenvelope.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})
	require.NoError(t, err)
	defer sub.Close()

	_, err = f.aliceBus.Send(context.Background(), f.bob.Address(), "proto-v1", "x")
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never succeeded")
	}
	require.Eventually(t, func() bool { return bus.GetMetrics().Acked == 1 }, time.Second, 10*time.Millisecond)
}

func TestRouterDispatchesBySchema(t *testing.T) {
	f := newFixture(t, memory.Config{})

	router := xenvelope.NewRouter()
	got := make(chan string, 2)
	require.NoError(t, router.Handle("proto-a", func(_ context.Context, env *xenvelope.Envelope) error {
		got <- "a:" + env.SchemaDigest
		return nil
	}))
	require.ErrorIs(t, router.Handle("", func(context.Context, *xenvelope.Envelope) error { return nil }), xenvelope.ErrInvalidSchema)
	require.ErrorIs(t, router.Handle("proto-b", nil), xenvelope.ErrInvalidHandler)

	sub, err := f.bobBus.Subscribe(context.Background(), f.bob.Address(), "router", router.Handler())
	require.NoError(t, err)
	defer sub.Close()

	_, err = f.aliceBus.Send(context.Background(), f.bob.Address(), "proto-unknown", "x")
	require.NoError(t, err)
	_, err = f.aliceBus.Send(context.Background(), f.bob.Address(), "proto-a", "y")
	require.NoError(t, err)

	select {
	case v := <-got:
		assert.Equal(t, "a:proto-a", v)
	case <-time.After(2 * time.Second):
		t.Fatal("router did not dispatch")
	}
	require.Eventually(t, func() bool { return f.bobBus.GetMetrics().Acked == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"proto-a"}, router.Schemas())
}

func TestSendEnvelope(t *testing.T) {
	f := newFixture(t, memory.Config{})
	ch := f.inbox(t, nil)

	env, err := xenvelope.New(1, f.alice.Address(), f.bob.Address(), xenvelope.NewSession(), "proto-v1", xenvelope.WithPayload("z"))
	require.NoError(t, err)

	out, err := f.aliceBus.SendEnvelope(context.Background(), env, map[string]string{"trace": "t1"})
	require.NoError(t, err)
	assert.False(t, env.IsSigned(), "caller's envelope is not mutated")
	assert.True(t, out.IsSigned())
	assert.Equal(t, out, receive(t, ch))

	forged, err := xenvelope.New(1, f.bob.Address(), f.bob.Address(), xenvelope.NewSession(), "proto-v1")
	require.NoError(t, err)
	_, err = f.aliceBus.SendEnvelope(context.Background(), forged, nil)
	require.ErrorIs(t, err, xenvelope.ErrSenderMismatch)
}

func TestSendBatchSignsAllBeforePublishing(t *testing.T) {
	f := newFixture(t, memory.Config{})
	ch := f.inbox(t, nil)

	a := f.signedEnvelope(t, xenvelope.WithPayload("1"))
	b := f.signedEnvelope(t, xenvelope.WithPayload("2"))
	require.NoError(t, f.aliceBus.SendBatch(context.Background(), a, b))
	receive(t, ch)
	receive(t, ch)

	bad := &xenvelope.Envelope{Version: 1}
	err := f.aliceBus.SendBatch(context.Background(), f.signedEnvelope(t), bad)
	var verr *xenvelope.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.EqualValues(t, 2, f.aliceBus.GetMetrics().Sent)
}

func TestBusConfigurationErrors(t *testing.T) {
	tr := memory.NewTransport(memory.Config{})

	_, err := xenvelope.NewBusBuilder().Build()
	require.ErrorIs(t, err, xenvelope.ErrNoTransportConfigured)

	_, err = xenvelope.NewBusBuilder().WithTransport("carrier-pigeon", nil).Build()
	require.Error(t, err)

	bus, err := xenvelope.NewBusBuilder().WithTransportInstance(tr).Build()
	require.NoError(t, err)

	_, err = bus.Send(context.Background(), "agent1x", "proto", "x")
	require.ErrorIs(t, err, xenvelope.ErrNoSigner)

	noop := func(context.Context, *xenvelope.Envelope) error { return nil }
	_, err = bus.Subscribe(context.Background(), "agent1x", "g", noop)
	require.ErrorIs(t, err, xenvelope.ErrNoVerifier)
	_, err = bus.Subscribe(context.Background(), "", "g", noop)
	require.ErrorIs(t, err, xenvelope.ErrInvalidAddress)
	_, err = bus.Subscribe(context.Background(), "agent1x", "", noop)
	require.ErrorIs(t, err, xenvelope.ErrInvalidGroup)

	unsigned, err := xenvelope.New(1, "agent1x", "agent1y", xenvelope.NewSession(), "proto")
	require.NoError(t, err)
	_, err = bus.SendEnvelope(context.Background(), unsigned, nil)
	require.ErrorIs(t, err, xenvelope.ErrUnsigned)

	require.NoError(t, bus.Close(context.Background()))
	require.NoError(t, bus.Close(context.Background()))
	assert.Equal(t, "unhealthy", bus.Health(context.Background()).Status)
	_, err = bus.SendEnvelope(context.Background(), unsigned, nil)
	require.ErrorIs(t, err, xenvelope.ErrBusClosed)
}

func TestDefaultBusFacade(t *testing.T) {
	alice, err := identity.FromSeed("facade", 0)
	require.NoError(t, err)

	bus := memory.Use(memory.Config{},
		memory.WithSigner(alice),
		memory.WithVerifier(identity.Verifier{}),
		memory.WithEnvelopeTTL(time.Minute),
	)
	defer bus.Close(context.Background())

	def, err := xenvelope.Default()
	require.NoError(t, err)
	assert.Same(t, bus, def)

	got := make(chan *xenvelope.Envelope, 1)
	sub, err := xenvelope.Subscribe(context.Background(), alice.Address(), "self", func(_ context.Context, env *xenvelope.Envelope) error {
		got <- env
		return nil
	})
	require.NoError(t, err)
	defer sub.Close()

	sent, err := xenvelope.Send(context.Background(), alice.Address(), "note-to-self", "remember")
	require.NoError(t, err)
	assert.Equal(t, sent, receive(t, got))
	assert.Equal(t, "healthy", bus.Health(context.Background()).Status)
}
