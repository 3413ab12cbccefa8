package xenvelope

import (
	"context"
	"sync"
)

// Router dispatches envelopes to handlers keyed by schema digest. Envelopes
// with an unknown schema are acknowledged and dropped unless a fallback is
// set.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Handle registers h for schemaDigest, replacing any previous handler.
func (r *Router) Handle(schemaDigest string, h Handler) error {
	if schemaDigest == "" {
		return ErrInvalidSchema
	}
	if h == nil {
		return ErrInvalidHandler
	}
	r.mu.Lock()
	r.handlers[schemaDigest] = h
	r.mu.Unlock()
	return nil
}

// Fallback sets the handler for unregistered schemas.
func (r *Router) Fallback(h Handler) {
	r.mu.Lock()
	r.fallback = h
	r.mu.Unlock()
}

// Schemas lists the registered schema digests.
func (r *Router) Schemas() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for s := range r.handlers {
		out = append(out, s)
	}
	return out
}

// Handler returns the dispatching Handler.
func (r *Router) Handler() Handler {
	return func(ctx context.Context, env *Envelope) error {
		r.mu.RLock()
		h, ok := r.handlers[env.SchemaDigest]
		fb := r.fallback
		r.mu.RUnlock()
		if !ok {
			if fb == nil {
				return nil
			}
			h = fb
		}
		return h(ctx, env)
	}
}
