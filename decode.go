package xenvelope

import (
	"context"
	"fmt"
)

// EncodeEnvelope serialises env with c (JSON when nil).
func EncodeEnvelope(c Codec, env *Envelope) ([]byte, error) {
	if c == nil {
		c = JSONCodec{}
	}
	if env == nil {
		return nil, ErrInvalidFrame
	}
	return c.Marshal(env)
}

// DecodeEnvelope parses and validates an envelope with c (JSON when nil).
func DecodeEnvelope(c Codec, data []byte) (*Envelope, error) {
	if c == nil {
		c = JSONCodec{}
	}
	if len(data) == 0 {
		return nil, ErrInvalidFrame
	}
	var env Envelope
	if err := c.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Decode unmarshals the envelope's JSON payload into T using a Codec found in
// ctx, falling back to JSON.
func Decode[T any](ctx context.Context, env *Envelope) (T, error) {
	var v T
	c, ok := CodecFromContext(ctx)
	if !ok {
		c = JSONCodec{}
	}
	found, err := env.DecodeJSONPayload(c, &v)
	if err != nil {
		return v, err
	}
	if !found {
		return v, fmt.Errorf("xenvelope: decode %T: envelope has no payload", v)
	}
	return v, nil
}
