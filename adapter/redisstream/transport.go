package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xenvelope"
)

// Transport is the Redis Streams transport. Every agent address maps onto
// its own stream.
type Transport struct {
	cfg    Config
	client *redis.Client

	closed atomic.Bool

	dpool sync.Pool
	stats streamStats
}

type streamStats struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	deadLettered  atomic.Uint64
	claimed       atomic.Uint64
	publishErrors atomic.Uint64
	consumeErrors atomic.Uint64
}

// Stats is a snapshot of transport counters.
type Stats struct {
	Published     uint64
	Consumed      uint64
	Acked         uint64
	Nacked        uint64
	DeadLettered  uint64
	Claimed       uint64
	PublishErrors uint64
	ConsumeErrors uint64
}

// NewTransport validates cfg, dials Redis and checks the connection.
func NewTransport(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: cfg.TLSServerName,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &Transport{
		cfg:    cfg,
		client: client,
		dpool: sync.Pool{
			New: func() any { return new(delivery) },
		},
	}, nil
}

// Stats returns a snapshot of the transport counters.
func (t *Transport) Stats() Stats {
	return Stats{
		Published:     t.stats.published.Load(),
		Consumed:      t.stats.consumed.Load(),
		Acked:         t.stats.acked.Load(),
		Nacked:        t.stats.nacked.Load(),
		DeadLettered:  t.stats.deadLettered.Load(),
		Claimed:       t.stats.claimed.Load(),
		PublishErrors: t.stats.publishErrors.Load(),
		ConsumeErrors: t.stats.consumeErrors.Load(),
	}
}

// Publish appends frames to the address stream with one pipelined XADD per frame.
func (t *Transport) Publish(ctx context.Context, address string, msgs ...*xenvelope.Message) error {
	if t.closed.Load() {
		return xenvelope.ErrBusClosed
	}
	if len(msgs) == 0 {
		return nil
	}

	stream := t.cfg.StreamFor(address)
	pipe := t.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(msgs))
	for i, m := range msgs {
		args := &redis.XAddArgs{
			Stream: stream,
			ID:     "*",
			Values: encodeMessage(m),
		}
		if t.cfg.MaxLenApprox > 0 {
			args.MaxLen = t.cfg.MaxLenApprox
			args.Approx = true
		}
		cmds[i] = pipe.XAdd(ctx, args)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		t.stats.publishErrors.Add(uint64(len(msgs)))
		return fmt.Errorf("redisstream: publish to %s: %w", stream, err)
	}
	for i, m := range msgs {
		if m.ID == "" {
			m.ID = cmds[i].Val()
		}
	}
	t.stats.published.Add(uint64(len(msgs)))
	return nil
}

type subscription struct {
	once  sync.Once
	close func()
}

func (s *subscription) Close() error {
	s.once.Do(s.close)
	return nil
}

// Subscribe consumes the address stream within group. A poller reads batches
// with XREADGROUP and hands them to Concurrency workers.
func (t *Transport) Subscribe(ctx context.Context, address, group string, handler func(xenvelope.Delivery)) (xenvelope.Subscription, error) {
	if t.closed.Load() {
		return nil, xenvelope.ErrBusClosed
	}
	stream := t.cfg.StreamFor(address)
	if t.cfg.AutoCreate {
		// "0" so envelopes sent before the first subscriber are not skipped.
		err := t.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("redisstream: create group %s on %s: %w", group, stream, err)
		}
	}

	innerCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	workers := max(1, t.cfg.Concurrency)
	workCh := make(chan *delivery, workers*2)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range workCh {
				handler(d)
				t.releaseDelivery(d)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(workCh)
		t.pollerLoop(innerCtx, stream, group, workCh)
	}()

	if t.cfg.ClaimMinIdle > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.claimLoop(innerCtx, stream, group, handler)
		}()
	}

	return &subscription{close: func() {
		cancel()
		wg.Wait()
	}}, nil
}

func (t *Transport) pollerLoop(ctx context.Context, stream, group string, workCh chan<- *delivery) {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: t.cfg.Consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(max(1, t.cfg.BatchSize)),
		Block:    t.cfg.Block,
	}

	const minBackoff, maxBackoff = 100 * time.Millisecond, 5 * time.Second
	backoff := minBackoff

	for ctx.Err() == nil {
		res, err := t.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				backoff = minBackoff
				continue
			}
			t.stats.consumeErrors.Add(1)
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			}
			continue
		}
		backoff = minBackoff

		for _, s := range res {
			for _, entry := range s.Messages {
				d := t.newDelivery(stream, group, entry)
				t.stats.consumed.Add(1)
				select {
				case workCh <- d:
				case <-ctx.Done():
					t.releaseDelivery(d)
					return
				}
			}
		}
	}
}

func (t *Transport) newDelivery(stream, group string, entry redis.XMessage) *delivery {
	d := t.dpool.Get().(*delivery)
	d.t = t
	d.stream = stream
	d.group = group
	d.id = entry.ID
	d.msg = decodeMessage(entry.ID, entry.Values)
	d.once = sync.Once{}
	return d
}

func (t *Transport) releaseDelivery(d *delivery) {
	*d = delivery{}
	t.dpool.Put(d)
}

// claimLoop redelivers entries idle for at least ClaimMinIdle: frames this
// consumer nacked without a dead-letter stream, and frames left pending by
// consumers that died. Claimed entries run through handler on this goroutine.
func (t *Transport) claimLoop(ctx context.Context, stream, group string, handler func(xenvelope.Delivery)) {
	ticker := time.NewTicker(t.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pending, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  group,
			Start:  "-",
			End:    "+",
			Count:  int64(max(1, t.cfg.ClaimBatch)),
			Idle:   t.cfg.ClaimMinIdle,
		}).Result()
		if err != nil || len(pending) == 0 {
			continue
		}

		ids := make([]string, len(pending))
		for i, p := range pending {
			ids[i] = p.ID
		}
		claimed, err := t.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: t.cfg.Consumer,
			MinIdle:  t.cfg.ClaimMinIdle,
			Messages: ids,
		}).Result()
		if err != nil {
			continue
		}
		t.stats.claimed.Add(uint64(len(claimed)))
		for _, entry := range claimed {
			if ctx.Err() != nil {
				return
			}
			d := t.newDelivery(stream, group, entry)
			handler(d)
			t.releaseDelivery(d)
		}
	}
}

// Close releases the Redis client. Active subscriptions should be closed first.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.client.Close()
}

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if !strings.EqualFold(res, "PONG") {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}
