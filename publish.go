package xenvelope

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type sendOptions struct {
	session  uuid.UUID
	ttl      *time.Duration
	protocol *string
	meta     map[string]string
}

// SendOption customises a single Send.
type SendOption func(*sendOptions)

// WithSession continues an existing session instead of starting a new one.
func WithSession(id uuid.UUID) SendOption {
	return func(o *sendOptions) { o.session = id }
}

// WithTTL overrides the bus envelope TTL for one send. Zero omits expires.
func WithTTL(d time.Duration) SendOption {
	return func(o *sendOptions) {
		if d >= 0 {
			o.ttl = &d
		}
	}
}

// WithSendProtocolDigest sets protocol_digest on the built envelope.
func WithSendProtocolDigest(d string) SendOption {
	return func(o *sendOptions) { o.protocol = &d }
}

// WithMetadata attaches frame metadata; it is not covered by the signature.
func WithMetadata(meta map[string]string) SendOption {
	return func(o *sendOptions) { o.meta = meta }
}

// Send builds an envelope from the bus identity to target, encodes payload,
// stamps expiry and nonce, signs it and publishes it on the target's topic.
// It returns the envelope as sent.
func (b *Bus) Send(ctx context.Context, target, schemaDigest, payload string, opts ...SendOption) (*Envelope, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if b.signer == nil {
		return nil, ErrNoSigner
	}

	o := sendOptions{}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	if o.session == uuid.Nil {
		o.session = NewSession()
	}

	env, err := New(CurrentVersion, b.signer.Address(), target, o.session, schemaDigest, WithPayload(payload))
	if err != nil {
		return nil, err
	}
	if o.protocol != nil {
		env.ProtocolDigest = o.protocol
	}

	ttl := b.ttl
	if o.ttl != nil {
		ttl = *o.ttl
	}
	if ttl > 0 {
		exp := uint64(b.clock.Now().Add(ttl).Unix())
		env.Expires = &exp
	}
	if b.nonces != nil {
		n, err := b.nonces()
		if err != nil {
			b.metrics.errorCount.Add(1)
			return nil, err
		}
		env.Nonce = &n
	}

	if err := env.Sign(b.signer); err != nil {
		b.metrics.errorCount.Add(1)
		return nil, err
	}
	if err := b.publish(ctx, env.Target, o.meta, env); err != nil {
		return nil, err
	}
	return env, nil
}

// SendEnvelope publishes a caller-built envelope. When the bus has a signer a
// copy is signed (the sender must match the signer's address); otherwise the
// envelope is published as is and must already be signed.
func (b *Bus) SendEnvelope(ctx context.Context, env *Envelope, meta map[string]string) (*Envelope, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	out, err := b.prepare(env)
	if err != nil {
		return nil, err
	}
	if err := b.publish(ctx, out.Target, meta, out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendBatch validates and signs every envelope before publishing any, then
// publishes one transport call per target.
func (b *Bus) SendBatch(ctx context.Context, envs ...*Envelope) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if len(envs) == 0 {
		return nil
	}

	prepared := make([]*Envelope, len(envs))
	for i, env := range envs {
		out, err := b.prepare(env)
		if err != nil {
			return err
		}
		prepared[i] = out
	}

	byTarget := make(map[string][]*Envelope)
	var order []string
	for _, env := range prepared {
		if _, ok := byTarget[env.Target]; !ok {
			order = append(order, env.Target)
		}
		byTarget[env.Target] = append(byTarget[env.Target], env)
	}
	for _, target := range order {
		if err := b.publish(ctx, target, nil, byTarget[target]...); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) prepare(env *Envelope) (*Envelope, error) {
	if env == nil {
		return nil, ErrInvalidFrame
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if b.signer == nil {
		if !env.IsSigned() {
			return nil, ErrUnsigned
		}
		return env.Clone(), nil
	}
	if env.Sender != b.signer.Address() {
		return nil, ErrSenderMismatch
	}
	out := env.Clone()
	if err := out.Sign(b.signer); err != nil {
		b.metrics.errorCount.Add(1)
		return nil, err
	}
	return out, nil
}

func (b *Bus) publish(ctx context.Context, topic string, meta map[string]string, envs ...*Envelope) error {
	msgs := make([]*Message, len(envs))
	for i, env := range envs {
		data, err := EncodeEnvelope(b.codec, env)
		if err != nil {
			b.metrics.errorCount.Add(1)
			return err
		}
		md := make(map[string]string, len(meta)+2)
		for k, v := range meta {
			md[k] = v
		}
		md[MetaSender] = env.Sender
		md[MetaSession] = env.Session.String()
		msgs[i] = &Message{
			Name:       env.SchemaDigest,
			Payload:    data,
			Metadata:   md,
			ProducedAt: b.clock.Now(),
		}
	}

	b.metrics.sendCount.Add(uint64(len(envs)))
	for _, env := range envs {
		b.notify(envelopeEvent(SendStart, env))
	}

	start := b.clock.Now()
	err := b.transport.Publish(ctx, topic, msgs...)
	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())

	for i, env := range envs {
		ev := envelopeEvent(SendDone, env)
		ev.MessageID, ev.Duration, ev.Err = msgs[i].ID, duration, err
		b.notify(ev)
	}
	if err != nil {
		b.metrics.errorCount.Add(1)
	}
	return err
}
