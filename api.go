package xenvelope

import (
	"context"
)

// Handler processes a verified envelope. Return error to trigger Nack/Retry.
type Handler func(ctx context.Context, env *Envelope) error

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// Subscription represents an active subscription that can be closed.
type Subscription interface {
	Close() error
}

// Delivery encapsulates a received frame with Ack/Nack semantics.
type Delivery interface {
	Message() *Message
	Ack(ctx context.Context) error
	Nack(ctx context.Context, reason error) error
}

// Transport is the Strategy interface for message brokers/backends. Topics are
// agent addresses.
type Transport interface {
	// Publish sends frames to a topic/stream.
	Publish(ctx context.Context, topic string, msgs ...*Message) error
	// Subscribe binds a handler to a topic/stream within a consumer group.
	// The transport should drive delivery in background and honor ctx.
	Subscribe(ctx context.Context, topic, group string, handler func(Delivery)) (Subscription, error)
	// Close releases resources.
	Close(ctx context.Context) error
}

// Codec is the Strategy for encoding/decoding envelopes and JSON payloads.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// Observer receives bus lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API is the complete envelope bus surface.
type API interface {
	Send(ctx context.Context, target, schemaDigest, payload string, opts ...SendOption) (*Envelope, error)
	SendEnvelope(ctx context.Context, env *Envelope, meta map[string]string) (*Envelope, error)
	SendBatch(ctx context.Context, envs ...*Envelope) error
	Subscribe(ctx context.Context, address, group string, handler Handler) (Subscription, error)
	Close(ctx context.Context) error
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}

var _ API = (*Bus)(nil)
var _ HealthChecker = (*Bus)(nil)
