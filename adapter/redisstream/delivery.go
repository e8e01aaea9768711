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

// delivery implements xenvelope.Delivery for Redis Streams.
type delivery struct {
	t     *Transport
	topic string
	group string
	id    string
	env   *xenvelope.Envelope

	// Ensures Ack/Nack happens exactly once
	onceAck *sync.Once
}

func (d *delivery) Envelope() *xenvelope.Envelope {
	return d.env
}

// Ack acknowledges an entry, marking it as processed.
func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.onceAck.Do(func() {
		err = d.ack(ctx)
	})
	return err
}

func (d *delivery) ack(ctx context.Context) error {
	if err := d.t.client.XAck(ctx, d.topic, d.group, d.id).Err(); err != nil {
		return err
	}
	d.t.metrics.acked.Add(1)
	// Optionally delete from stream after ack (saves memory)
	if d.t.cfg.AutoDeleteOnAck {
		_ = d.t.client.XDel(ctx, d.topic, d.id).Err()
	}
	return nil
}

// Nack negative-acknowledges an entry (redelivery or dead-letter).
// Redis Streams has no explicit NACK; instead we:
// 1. Optionally write the envelope to the dead-letter stream with the reason
// 2. Acknowledge the original to prevent poison loops
//
// Without a dead-letter stream the entry stays pending for the claim loop.
func (d *delivery) Nack(ctx context.Context, reason error) error {
	var err error
	d.onceAck.Do(func() {
		d.t.metrics.nacked.Add(1)

		dl := d.t.cfg.DeadLetter
		if dl == "" {
			return
		}
		values, encErr := encodeEnvelope(d.env)
		if encErr != nil {
			values = map[string]any{fieldID: d.env.ID}
		}
		values[fieldOrigTopic] = d.topic
		values[fieldOrigID] = d.id
		values[fieldError] = fmt.Sprintf("%v", reason)

		if err = d.t.client.XAdd(ctx, &redis.XAddArgs{
			Stream: dl,
			ID:     "*",
			Values: values,
		}).Err(); err != nil {
			return
		}
		d.t.metrics.deadLettered.Add(1)

		// Acknowledge original to avoid infinite retry loops
		err = d.ack(ctx)
	})
	return err
}

func (d *delivery) reset() {
	d.t = nil
	d.topic = ""
	d.group = ""
	d.id = ""
	d.env = nil
	d.onceAck = nil
}

// encodeEnvelope flattens env into stream entry fields.
func encodeEnvelope(env *xenvelope.Envelope) (map[string]any, error) {
	// Pre-size map to reduce rehashing: fixed fields + properties
	vals := make(map[string]any, 6+len(env.Properties))

	vals[fieldID] = env.ID
	vals[fieldCorrelationID] = env.CorrelationID
	if env.ReplyTo != "" {
		vals[fieldReplyTo] = env.ReplyTo
	}
	vals[fieldTTL] = int64(env.TimeToLive)
	if !env.ScheduledEnqueueTime.IsZero() {
		vals[fieldScheduled] = env.ScheduledEnqueueTime.UnixNano()
	}
	if len(env.Body) > 0 {
		// raw body bytes (binary-safe, no base64 encoding overhead)
		vals[fieldBody] = env.Body
	}

	// Flatten properties to avoid nested map allocations
	for k, v := range env.Properties {
		s, err := xenvelope.EncodeProperty(v)
		if err != nil {
			return nil, fmt.Errorf("redisstream: envelope %s property %q: %w", env.ID, k, err)
		}
		vals[fieldPropPrefix+k] = s
	}
	return vals, nil
}

// decodeEnvelope reconstructs an envelope from stream entry values.
// A property that does not decode is kept as its raw string.
func decodeEnvelope(vals map[string]any) *xenvelope.Envelope {
	env := &xenvelope.Envelope{}

	if v, ok := vals[fieldID]; ok {
		env.ID = asString(v)
	}
	if v, ok := vals[fieldCorrelationID]; ok {
		env.CorrelationID = asString(v)
	}
	if v, ok := vals[fieldReplyTo]; ok {
		env.ReplyTo = asString(v)
	}
	if ns, ok := toInt64(vals[fieldTTL]); ok {
		env.TimeToLive = time.Duration(ns)
	}
	if ns, ok := toInt64(vals[fieldScheduled]); ok && ns > 0 {
		env.ScheduledEnqueueTime = time.Unix(0, ns)
	}
	if v, ok := vals[fieldBody]; ok {
		switch b := v.(type) {
		case []byte:
			env.Body = b
		case string:
			if b != "" {
				env.Body = []byte(b)
			}
		}
	}

	for k, v := range vals {
		key, ok := strings.CutPrefix(k, fieldPropPrefix)
		if !ok {
			continue
		}
		if env.Properties == nil {
			env.Properties = make(map[string]any, 8)
		}
		raw := asString(v)
		if p, err := xenvelope.DecodeProperty(raw); err == nil {
			env.Properties[key] = p
		} else {
			env.Properties[key] = raw
		}
	}

	return env
}

// Helper functions for type conversion

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
		if n == "" {
			return 0, false
		}
		// Try integer parsing first (faster)
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
		// Fall back to float parsing for scientific notation
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return int64(f), true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}
