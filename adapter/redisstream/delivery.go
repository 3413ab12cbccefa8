package redisstream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xenvelope"
)

// delivery implements xenvelope.Delivery for one stream entry.
type delivery struct {
	t      *Transport
	stream string
	group  string
	id     string
	msg    *xenvelope.Message

	once sync.Once
}

func (d *delivery) Message() *xenvelope.Message { return d.msg }

// Ack acknowledges the entry in the consumer group.
func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.once.Do(func() { err = d.ack(ctx) })
	return err
}

func (d *delivery) ack(ctx context.Context) error {
	if err := d.t.client.XAck(ctx, d.stream, d.group, d.id).Err(); err != nil {
		return err
	}
	d.t.stats.acked.Add(1)
	if d.t.cfg.AutoDeleteOnAck {
		_ = d.t.client.XDel(ctx, d.stream, d.id).Err()
	}
	return nil
}

// Nack records a processing failure. With a dead-letter stream configured the
// frame is copied there and the original acknowledged; otherwise the entry
// stays pending and the claim loop redelivers it once it has been idle for
// ClaimMinIdle. With ClaimMinIdle zero a nack without dead letter is final
// until the consumer restarts under a new name.
func (d *delivery) Nack(ctx context.Context, reason error) error {
	var err error
	d.once.Do(func() {
		d.t.stats.nacked.Add(1)
		dl := d.t.cfg.DeadLetter
		if dl == "" {
			return
		}
		values := encodeMessage(d.msg)
		values[fieldOrigStream] = d.stream
		values[fieldOrigID] = d.id
		values[fieldError] = fmt.Sprint(reason)
		if err = d.t.client.XAdd(ctx, &redis.XAddArgs{Stream: dl, ID: "*", Values: values}).Err(); err != nil {
			return
		}
		d.t.stats.deadLettered.Add(1)
		err = d.ack(ctx)
	})
	return err
}

// encodeMessage flattens a frame into stream entry values.
func encodeMessage(m *xenvelope.Message) map[string]any {
	vals := make(map[string]any, 4+len(m.Metadata))
	if m.ID != "" {
		vals[fieldID] = m.ID
	}
	vals[fieldName] = m.Name
	vals[fieldEnvelope] = m.Payload
	vals[fieldProducedAt] = m.ProducedAt.UnixNano()
	for k, v := range m.Metadata {
		vals[fieldMetaPrefix+k] = v
	}
	return vals
}

// decodeMessage rebuilds a frame from stream entry values. The stream entry
// ID is used unless the producer assigned one.
func decodeMessage(id string, vals map[string]any) *xenvelope.Message {
	msg := &xenvelope.Message{
		ID:       id,
		Metadata: make(map[string]string, 2),
	}
	if v, ok := vals[fieldID]; ok {
		if s := asString(v); s != "" {
			msg.ID = s
		}
	}
	if v, ok := vals[fieldName]; ok {
		msg.Name = asString(v)
	}
	switch p := vals[fieldEnvelope].(type) {
	case []byte:
		msg.Payload = p
	case string:
		msg.Payload = []byte(p)
	}
	if ns, ok := toInt64(vals[fieldProducedAt]); ok && ns > 0 {
		msg.ProducedAt = time.Unix(0, ns)
	}
	for k, v := range vals {
		if key, ok := strings.CutPrefix(k, fieldMetaPrefix); ok {
			msg.Metadata[key] = asString(v)
		}
	}
	return msg
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}
