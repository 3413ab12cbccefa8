package xenvelope

import (
	"context"
	"sync"
)

var (
	defaultBus   *Bus
	defaultBusMu sync.Mutex
)

// Default returns the process-wide bus installed with SetDefault or an
// adapter's Use.
func Default() (*Bus, error) {
	defaultBusMu.Lock()
	defer defaultBusMu.Unlock()
	if defaultBus == nil {
		return nil, ErrDefaultBusNotInitialized
	}
	return defaultBus, nil
}

// SetDefault replaces the process-wide default Bus.
func SetDefault(b *Bus) {
	if b == nil {
		panic("xenvelope: SetDefault called with nil Bus")
	}
	defaultBusMu.Lock()
	defaultBus = b
	defaultBusMu.Unlock()
}

// Send is the Facade using the default bus.
func Send(ctx context.Context, target, schemaDigest, payload string, opts ...SendOption) (*Envelope, error) {
	b, err := Default()
	if err != nil {
		return nil, err
	}
	return b.Send(ctx, target, schemaDigest, payload, opts...)
}

// SendBatch is the Facade using the default bus for batch sends.
func SendBatch(ctx context.Context, envs ...*Envelope) error {
	b, err := Default()
	if err != nil {
		return err
	}
	return b.SendBatch(ctx, envs...)
}

// Subscribe is the Facade using the default bus.
func Subscribe(ctx context.Context, address, group string, handler Handler) (Subscription, error) {
	b, err := Default()
	if err != nil {
		return nil, err
	}
	return b.Subscribe(ctx, address, group, handler)
}
