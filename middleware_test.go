package xenvelope

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// stepClock reports a fixed time and counts reads; other xclock methods are
// not used by the middlewares under test.
type stepClock struct {
	xclock.Clock
	now          time.Time
	nows, sinces int
}

func (c *stepClock) Now() time.Time { c.nows++; return c.now }

func (c *stepClock) Since(t time.Time) time.Duration { c.sinces++; return c.now.Sub(t) }

func TestChainOrder(t *testing.T) {
	var trace []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, env *Envelope) error {
				trace = append(trace, name)
				return next(ctx, env)
			}
		}
	}
	h := Chain(func(context.Context, *Envelope) error {
		trace = append(trace, "handler")
		return nil
	}, mw("outer"), nil, mw("inner"))

	require.NoError(t, h(context.Background(), sample()))
	assert.Equal(t, []string{"outer", "inner", "handler"}, trace)
}

func TestRetryMiddlewareStopsOnNonRetryable(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	h := RetryMiddleware(RetryConfig{
		MaxAttempts: 5,
		RetryIf:     func(err error) bool { return !errors.Is(err, permanent) },
	})(func(context.Context, *Envelope) error {
		calls++
		return permanent
	})

	assert.ErrorIs(t, h(context.Background(), sample()), permanent)
	assert.Equal(t, 1, calls)
}

func TestTimeoutMiddleware(t *testing.T) {
	h := TimeoutMiddleware(20 * time.Millisecond)(func(ctx context.Context, _ *Envelope) error {
		<-ctx.Done()
		return nil
	})
	assert.ErrorIs(t, h(context.Background(), sample()), context.DeadlineExceeded)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware()(func(context.Context, *Envelope) error { panic("boom") })
	err := h(context.Background(), sample())
	assert.ErrorIs(t, err, ErrHandlerPanic)
	assert.Contains(t, err.Error(), "boom")
}

func TestReplayGuardMiddleware(t *testing.T) {
	calls := 0
	fail := false
	h := ReplayGuardMiddleware(time.Minute)(func(context.Context, *Envelope) error {
		calls++
		if fail {
			return errors.New("retry me")
		}
		return nil
	})
	ctx := context.Background()

	env := sample()
	env.Nonce = ptr(uint64(7))
	require.NoError(t, h(ctx, env))
	require.NoError(t, h(ctx, env.Clone()))
	assert.Equal(t, 1, calls, "replay is dropped")

	other := env.Clone()
	other.Nonce = ptr(uint64(8))
	fail = true
	require.Error(t, h(ctx, other))
	fail = false
	require.NoError(t, h(ctx, other))
	assert.Equal(t, 3, calls, "failed attempts may be redelivered")

	noNonce := sample()
	require.NoError(t, h(ctx, noNonce))
	require.NoError(t, h(ctx, noNonce))
	assert.Equal(t, 5, calls)
}

func TestLoggingMiddlewareUsesContextClock(t *testing.T) {
	clock := &stepClock{now: time.Unix(1700000000, 0)}
	ctx := InjectAll(context.Background(), nil, xlog.New(), clock)

	h := LoggingMiddleware()(func(context.Context, *Envelope) error {
		clock.now = clock.now.Add(250 * time.Millisecond)
		return nil
	})
	require.NoError(t, h(ctx, sample()))
	assert.Equal(t, 1, clock.nows)
	assert.Equal(t, 1, clock.sinces)

	failing := LoggingMiddleware()(func(context.Context, *Envelope) error { return errors.New("nope") })
	require.Error(t, failing(ctx, sample()))
	assert.Equal(t, 2, clock.sinces)
}

func TestReplayGuardWindowFollowsContextClock(t *testing.T) {
	clock := &stepClock{now: time.Unix(1700000000, 0)}
	ctx := InjectAll(context.Background(), nil, nil, clock)

	calls := 0
	h := ReplayGuardMiddleware(time.Minute)(func(context.Context, *Envelope) error {
		calls++
		return nil
	})
	env := sample()
	env.Nonce = ptr(uint64(9))

	require.NoError(t, h(ctx, env))
	clock.now = clock.now.Add(30 * time.Second)
	require.NoError(t, h(ctx, env))
	assert.Equal(t, 1, calls)

	clock.now = clock.now.Add(2 * time.Minute)
	require.NoError(t, h(ctx, env))
	assert.Equal(t, 2, calls, "window elapsed on the injected clock")
}

func TestHandlerContext(t *testing.T) {
	base := InjectAll(context.Background(), JSONCodec{}, nil, nil)
	ctx := handlerContext(base, nil, sample(), Receipt{Address: "agent2abc", Group: "g", MessageID: "m1"})

	r, ok := ReceiptFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "m1", r.MessageID)

	c, ok := CodecFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "json", c.Name())

	_, ok = LoggerFromContext(ctx)
	assert.False(t, ok)
	_, ok = ClockFromContext(ctx)
	assert.False(t, ok)
}
