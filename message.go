package xenvelope

import (
	"time"
)

// Message is the transport frame carrying one encoded envelope.
type Message struct {
	// ID is a unique frame identifier (transport may assign if empty).
	ID string
	// Name is the envelope's schema digest, useful for routing/metrics.
	Name string
	// Payload is the codec-encoded envelope.
	Payload []byte
	// Metadata is a bag for headers/tracing/tenancy/etc.
	Metadata map[string]string
	// ProducedAt is the production timestamp (from injected clock).
	ProducedAt time.Time
}

// Metadata keys set by the bus on every frame.
const (
	MetaSender  = "sender"
	MetaSession = "session"
)
