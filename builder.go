package xenvelope

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// DefaultEnvelopeTTL is how long a sent envelope stays valid.
const DefaultEnvelopeTTL = 30 * time.Second

// NonceSource yields the nonce stamped on envelopes the bus builds.
type NonceSource func() (uint64, error)

// RandomNonce reads a nonce from crypto/rand.
func RandomNonce() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// BusBuilder constructs Bus instances (Builder pattern).
type BusBuilder struct {
	transportName string
	transportCfg  map[string]any
	transportInst Transport

	codecName string
	codecInst Codec

	signer   Signer
	verifier Verifier
	ttl      time.Duration
	nonces   NonceSource

	middlewares []Middleware
	observers   []Observer
	logger      *xlog.Logger
	clock       xclock.Clock
	ackTimeout  time.Duration

	poolWorkers int
	poolBuffer  int
}

// NewBusBuilder returns a new builder with sensible defaults.
func NewBusBuilder() *BusBuilder {
	return &BusBuilder{
		codecName:  "json",
		ttl:        DefaultEnvelopeTTL,
		nonces:     RandomNonce,
		ackTimeout: 5 * time.Second,
	}
}

func (bb *BusBuilder) WithTransport(name string, cfg map[string]any) *BusBuilder {
	bb.transportName = name
	bb.transportCfg = cfg
	return bb
}

// WithTransportInstance accepts a ready Transport instance (e.g., from adapter Use()).
func (bb *BusBuilder) WithTransportInstance(t Transport) *BusBuilder {
	bb.transportInst = t
	return bb
}

func (bb *BusBuilder) WithCodec(name string) *BusBuilder {
	bb.codecName = name
	return bb
}

// WithCodecInstance accepts a ready Codec instance.
func (bb *BusBuilder) WithCodecInstance(c Codec) *BusBuilder {
	bb.codecInst = c
	return bb
}

// WithSigner sets the identity that signs outgoing envelopes.
func (bb *BusBuilder) WithSigner(s Signer) *BusBuilder {
	bb.signer = s
	return bb
}

// WithVerifier sets the capability that checks incoming signatures.
func (bb *BusBuilder) WithVerifier(v Verifier) *BusBuilder {
	bb.verifier = v
	return bb
}

// WithEnvelopeTTL sets the expiry stamped on sent envelopes. Zero disables it.
func (bb *BusBuilder) WithEnvelopeTTL(d time.Duration) *BusBuilder {
	if d >= 0 {
		bb.ttl = d
	}
	return bb
}

// WithNonceSource replaces the default crypto/rand nonces. A nil source
// leaves the nonce unset.
func (bb *BusBuilder) WithNonceSource(ns NonceSource) *BusBuilder {
	bb.nonces = ns
	return bb
}

func (bb *BusBuilder) WithMiddleware(mw ...Middleware) *BusBuilder {
	if len(mw) == 0 {
		return bb
	}
	bb.middlewares = append(bb.middlewares, mw...)
	return bb
}

func (bb *BusBuilder) WithObserver(obs ...Observer) *BusBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

// WithObserverPool dispatches observer events asynchronously.
func (bb *BusBuilder) WithObserverPool(workers, bufferSize int) *BusBuilder {
	if workers < 1 {
		workers = 4
	}
	bb.poolWorkers = workers
	bb.poolBuffer = bufferSize
	return bb
}

func (bb *BusBuilder) WithLogger(l *xlog.Logger) *BusBuilder {
	bb.logger = l
	return bb
}

func (bb *BusBuilder) WithClock(c xclock.Clock) *BusBuilder {
	bb.clock = c
	return bb
}

func (bb *BusBuilder) WithAckTimeout(d time.Duration) *BusBuilder {
	if d > 0 {
		bb.ackTimeout = d
	}
	return bb
}

func (bb *BusBuilder) Build() (*Bus, error) {
	var tr Transport
	var err error

	switch {
	case bb.transportInst != nil:
		tr = bb.transportInst
	case bb.transportName != "":
		tr, err = NewTransport(bb.transportName, bb.transportCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoTransportConfigured
	}

	var cd Codec
	if bb.codecInst != nil {
		cd = bb.codecInst
	} else {
		cd, err = NewCodec(bb.codecName)
		if err != nil {
			return nil, err
		}
	}

	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := bb.logger
	if lg == nil {
		lg = xlog.Default()
	}

	b := &Bus{
		transport:   tr,
		codec:       cd,
		signer:      bb.signer,
		verifier:    bb.verifier,
		ttl:         bb.ttl,
		nonces:      bb.nonces,
		clock:       clk,
		logger:      lg,
		middlewares: bb.middlewares,
		ackTimeout:  bb.ackTimeout,
		metrics:     &busMetrics{},
	}
	b.baseCtx = InjectAll(context.Background(), cd, lg, clk)
	if bb.poolWorkers > 0 {
		b.observerPool = NewObserverPool(context.Background(), bb.poolWorkers, bb.poolBuffer)
	}

	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver && lg != nil {
		b.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range bb.observers {
		b.AddObserver(o)
	}

	return b, nil
}

// NewBus constructs a Bus via Builder and returns a close func for convenience.
func NewBus(init func(b *BusBuilder)) (*Bus, func() error, error) {
	b := NewBusBuilder()
	if init != nil {
		init(b)
	}
	bus, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return bus.Close(context.Background()) }
	return bus, closeFn, nil
}
