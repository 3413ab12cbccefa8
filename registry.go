package xenvelope

import (
	"fmt"
	"sort"
	"sync"
)

// TransportFactory constructs transports from a config blob.
type TransportFactory func(cfg map[string]any) (Transport, error)

// CodecFactory constructs codecs.
type CodecFactory func() Codec

// registry maps names to factories. Adapters register in init.
type registry[F any] struct {
	kind string
	mu   sync.RWMutex
	m    map[string]F
}

func (r *registry[F]) register(name string, f F, isNil bool) error {
	if name == "" {
		return fmt.Errorf("%s name must not be empty", r.kind)
	}
	if isNil {
		return fmt.Errorf("%s factory must not be nil", r.kind)
	}
	r.mu.Lock()
	r.m[name] = f
	r.mu.Unlock()
	return nil
}

func (r *registry[F]) lookup(name string) (F, bool) {
	r.mu.RLock()
	f, ok := r.m[name]
	r.mu.RUnlock()
	return f, ok
}

func (r *registry[F]) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for n := range r.m {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

var (
	transports = &registry[TransportFactory]{kind: "transport", m: map[string]TransportFactory{}}
	codecs     = &registry[CodecFactory]{kind: "codec", m: map[string]CodecFactory{
		"json": func() Codec { return JSONCodec{} },
	}}
)

// RegisterTransport registers a backend adapter under name, replacing any
// previous registration.
func RegisterTransport(name string, factory TransportFactory) error {
	return transports.register(name, factory, factory == nil)
}

// NewTransport constructs a registered transport with cfg.
func NewTransport(name string, cfg map[string]any) (Transport, error) {
	f, ok := transports.lookup(name)
	if !ok {
		return nil, ErrUnknownTransport{name: name}
	}
	return f(cfg)
}

// Transports lists the registered transport names in sorted order.
func Transports() []string { return transports.names() }

// RegisterCodec registers a codec factory by name.
func RegisterCodec(name string, factory CodecFactory) error {
	return codecs.register(name, factory, factory == nil)
}

// NewCodec constructs a registered codec.
func NewCodec(name string) (Codec, error) {
	f, ok := codecs.lookup(name)
	if !ok {
		return nil, fmt.Errorf("codec %q not registered", name)
	}
	return f(), nil
}

// Codecs lists the registered codec names in sorted order.
func Codecs() []string { return codecs.names() }
