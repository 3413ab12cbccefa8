package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xenvelope"
)

const TransportName = "memory"

func init() {
	if err := xenvelope.RegisterTransport(TransportName, func(cfg map[string]any) (xenvelope.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xenvelope/memory: failed to register transport: %w", err))
	}
}

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("memory transport is closed")

// Config controls memory transport behavior.
type Config struct {
	// BufferSize is the per-group queue size (default: 1024).
	BufferSize int
	// Concurrency is the number of worker goroutines per subscription (default: 1).
	Concurrency int
	// RedeliveryDelay is the delay before re-enqueuing a frame on Nack (default: 0 = immediate).
	RedeliveryDelay time.Duration
	// MaxRedeliveries bounds Nack requeues per frame; 0 means unbounded.
	MaxRedeliveries int
	// AssignIDs instructs the transport to assign IDs for frames with empty ID (default: true).
	AssignIDs bool
}

func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}

	getBool := func(k string, d bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
		}
		return d
	}

	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}

	// zero values coming from an unset Config fall back to the defaults
	orDefault := func(v, d int) int {
		if v < 1 {
			return d
		}
		return v
	}

	return Config{
		BufferSize:      orDefault(getInt("buffer_size", 1024), 1024),
		Concurrency:     orDefault(getInt("concurrency", 1), 1),
		RedeliveryDelay: getDur("redelivery_delay", 0),
		MaxRedeliveries: max(0, getInt("max_redeliveries", 0)),
		AssignIDs:       getBool("assign_ids", true),
	}
}

// Transport implements xenvelope.Transport with in-process mailboxes, one per
// agent address, each fanning out to its consumer groups. Intended for tests
// and single-process deployments (several agents in one binary).
type Transport struct {
	cfg Config

	mu        sync.RWMutex
	mailboxes map[string]*mailbox

	closed atomic.Bool

	metrics *transportMetrics
}

type transportMetrics struct {
	published     atomic.Uint64
	undeliverable atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	redelivered   atomic.Uint64
	discarded     atomic.Uint64
}

var _ xenvelope.Transport = (*Transport)(nil)

// NewTransport creates a new in-memory transport.
func NewTransport(cfg Config) *Transport {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	return &Transport{
		cfg:       cfg,
		mailboxes: make(map[string]*mailbox),
		metrics:   &transportMetrics{},
	}
}

// Publish fans frames out to every consumer group of the address. Frames for
// an address nobody has subscribed to are dropped and counted as undeliverable.
func (t *Transport) Publish(ctx context.Context, address string, msgs ...*xenvelope.Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if len(msgs) == 0 {
		return nil
	}

	t.mu.RLock()
	mb, ok := t.mailboxes[address]
	t.mu.RUnlock()

	for _, m := range msgs {
		if m == nil {
			continue
		}
		if t.cfg.AssignIDs && m.ID == "" {
			m.ID = nextID()
		}
		if !ok {
			t.metrics.undeliverable.Add(1)
			continue
		}

		mb.mu.RLock()
		for _, g := range mb.groups {
			task := &deliveryTask{address: address, group: g, msg: m, tr: t}
			select {
			case g.queue <- task:
			case <-ctx.Done():
				mb.mu.RUnlock()
				return ctx.Err()
			}
		}
		mb.mu.RUnlock()

		t.metrics.published.Add(1)
	}

	return nil
}

// Subscribe starts Concurrency workers on the group's queue for address.
func (t *Transport) Subscribe(ctx context.Context, address, group string, handler func(xenvelope.Delivery)) (xenvelope.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	g := t.ensureMailbox(address).ensureGroup(group, t.cfg.BufferSize)

	innerCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}

	for i := 0; i < t.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.worker(innerCtx, g, handler)
		}()
	}

	return &subscription{
		close: func() error {
			cancel()
			wg.Wait()
			// group queue stays alive for other subscribers
			return nil
		},
	}, nil
}

func (t *Transport) worker(ctx context.Context, g *group, handler func(xenvelope.Delivery)) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-g.queue:
			if task == nil {
				continue
			}
			t.metrics.consumed.Add(1)
			handler(&memDelivery{task: task})
		}
	}
}

// Close gracefully shuts down the transport.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}

	t.mu.Lock()
	t.mailboxes = make(map[string]*mailbox)
	t.mu.Unlock()

	return nil
}

// Stats returns transport telemetry.
type Stats struct {
	Published     uint64
	Undeliverable uint64
	Consumed      uint64
	Acked         uint64
	Nacked        uint64
	Redelivered   uint64
	Discarded     uint64
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Published:     t.metrics.published.Load(),
		Undeliverable: t.metrics.undeliverable.Load(),
		Consumed:      t.metrics.consumed.Load(),
		Acked:         t.metrics.acked.Load(),
		Nacked:        t.metrics.nacked.Load(),
		Redelivered:   t.metrics.redelivered.Load(),
		Discarded:     t.metrics.discarded.Load(),
	}
}

type subscription struct {
	close func() error
}

func (s *subscription) Close() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}

type mailbox struct {
	mu     sync.RWMutex
	groups map[string]*group
}

type group struct {
	name  string
	queue chan *deliveryTask
}

type deliveryTask struct {
	tr       *Transport
	address  string
	group    *group
	msg      *xenvelope.Message
	attempts int
}

type memDelivery struct {
	task    *deliveryTask
	ackOnce sync.Once
}

func (d *memDelivery) Message() *xenvelope.Message {
	return d.task.msg
}

// Ack marks the frame as processed.
func (d *memDelivery) Ack(_ context.Context) error {
	d.ackOnce.Do(func() {
		d.task.tr.metrics.acked.Add(1)
	})
	return nil
}

// Nack requeues the frame after RedeliveryDelay, or discards it once
// MaxRedeliveries is reached. An immediate requeue waits for room in the
// group queue until ctx ends; a frame that cannot be requeued is counted as
// discarded.
func (d *memDelivery) Nack(ctx context.Context, _ error) error {
	var err error
	d.ackOnce.Do(func() {
		tr := d.task.tr
		tr.metrics.nacked.Add(1)

		if tr.cfg.MaxRedeliveries > 0 && d.task.attempts >= tr.cfg.MaxRedeliveries {
			tr.metrics.discarded.Add(1)
			return
		}
		d.task.attempts++

		delay := tr.cfg.RedeliveryDelay
		if delay <= 0 {
			select {
			case d.task.group.queue <- d.task:
				tr.metrics.redelivered.Add(1)
			case <-ctx.Done():
				tr.metrics.discarded.Add(1)
				err = ctx.Err()
			}
			return
		}

		// ctx is the ack-timeout context and ends before the delay; the
		// delayed requeue is best effort.
		task := d.task
		time.AfterFunc(delay, func() {
			if tr.closed.Load() {
				return
			}
			select {
			case task.group.queue <- task:
				tr.metrics.redelivered.Add(1)
			default:
				tr.metrics.discarded.Add(1)
			}
		})
	})
	return err
}

func (t *Transport) ensureMailbox(address string) *mailbox {
	t.mu.Lock()
	defer t.mu.Unlock()

	if mb, ok := t.mailboxes[address]; ok {
		return mb
	}
	mb := &mailbox{groups: make(map[string]*group)}
	t.mailboxes[address] = mb
	return mb
}

func (mb *mailbox) ensureGroup(name string, bufferSize int) *group {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if g, ok := mb.groups[name]; ok {
		return g
	}
	g := &group{
		name:  name,
		queue: make(chan *deliveryTask, bufferSize),
	}
	mb.groups[name] = g
	return g
}

// Simple monotonic ID generator (not distributed; dev/testing only).
var idSeq atomic.Uint64

func nextID() string {
	return fmt.Sprintf("mem-%d", idSeq.Add(1))
}
