package xenvelope

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

type ctxKey string

const (
	codecCtxKey   ctxKey = "xenvelope:codec"
	loggerCtxKey  ctxKey = "xenvelope:logger"
	clockCtxKey   ctxKey = "xenvelope:clock"
	receiptCtxKey ctxKey = "xenvelope:receipt"
)

// Receipt describes how a verified envelope reached the handler.
type Receipt struct {
	Address   string // subscribed address, equal to the envelope target
	Group     string
	MessageID string
	Metadata  map[string]string // unsigned frame metadata
}

func withValue[T comparable](ctx context.Context, key ctxKey, v T) context.Context {
	var zero T
	if v == zero {
		return ctx
	}
	return context.WithValue(ctx, key, v)
}

func value[T any](ctx context.Context, key ctxKey) (T, bool) {
	v, ok := ctx.Value(key).(T)
	return v, ok
}

// CodecFromContext returns the bus codec in handler contexts.
func CodecFromContext(ctx context.Context) (Codec, bool) {
	c, ok := value[Codec](ctx, codecCtxKey)
	return c, ok && c != nil
}

// LoggerFromContext returns the bus logger. In handler contexts it carries
// the sender, schema and session of the envelope being handled.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	l, ok := value[*xlog.Logger](ctx, loggerCtxKey)
	return l, ok && l != nil
}

func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	c, ok := value[xclock.Clock](ctx, clockCtxKey)
	return c, ok && c != nil
}

// clockOrDefault returns the context clock, falling back to xclock.Default.
func clockOrDefault(ctx context.Context) xclock.Clock {
	if c, ok := ClockFromContext(ctx); ok {
		return c
	}
	return xclock.Default()
}

// ReceiptFromContext returns delivery details in handler contexts.
func ReceiptFromContext(ctx context.Context) (Receipt, bool) {
	return value[Receipt](ctx, receiptCtxKey)
}

// InjectAll attaches codec, logger and clock for downstream handlers.
func InjectAll(ctx context.Context, codec Codec, logger *xlog.Logger, clock xclock.Clock) context.Context {
	if codec != nil {
		ctx = context.WithValue(ctx, codecCtxKey, codec)
	}
	ctx = withValue(ctx, loggerCtxKey, logger)
	if clock != nil {
		ctx = context.WithValue(ctx, clockCtxKey, clock)
	}
	return ctx
}

// handlerContext derives the per-envelope context passed to handlers.
func handlerContext(base context.Context, logger *xlog.Logger, env *Envelope, r Receipt) context.Context {
	ctx := context.WithValue(base, receiptCtxKey, r)
	if logger != nil {
		ctx = context.WithValue(ctx, loggerCtxKey, logger.With(
			xlog.Str("sender", env.Sender),
			xlog.Str("schema", env.SchemaDigest),
			xlog.Str("session", env.Session.String()),
		))
	}
	return ctx
}
