package redisstream

import (
	"fmt"

	"github.com/trickstertwo/xenvelope"
)

const TransportName = "redis-streams"

func init() {
	if err := xenvelope.RegisterTransport(TransportName, func(cfg map[string]any) (xenvelope.Transport, error) {
		return NewTransport(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xenvelope: failed to register transport %q: %w", TransportName, err))
	}
}

// Use builds a Bus on Redis Streams and installs it as the process-wide
// default, then returns it.
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
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}

	xenvelope.SetDefault(bus)
	return bus
}
