package xenvelope

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Message is the application-level unit of communication. Treat it as immutable
// once built; the With* helpers return modified copies.
type Message struct {
	// ID is the unique message identifier, stable across retries.
	ID uuid.UUID
	// From is the sender address.
	From string
	// ReplyTo is an optional address replies should go to.
	ReplyTo string
	// ExpiresAt is the absolute expiry of the message.
	ExpiresAt time.Time
	// ScheduledEnqueueTime requests future delivery. Zero means immediate.
	ScheduledEnqueueTime time.Time
	// Properties holds scalar application headers (see EncodeProperty for the accepted kinds).
	Properties map[string]any
	// Payload is the structured business content.
	Payload any
}

// NewMessage builds a message with a fresh identifier that expires ttl after clk.Now().
func NewMessage(clk Clock, from string, payload any, ttl time.Duration) *Message {
	return &Message{
		ID:        uuid.New(),
		From:      from,
		ExpiresAt: clk.Now().Add(ttl),
		Payload:   payload,
	}
}

// WithProperty returns a copy of m with key set to value.
// Time values are kept in UTC without a monotonic reading, the form they
// decode to.
func (m *Message) WithProperty(key string, value any) *Message {
	c := m.clone()
	if c.Properties == nil {
		c.Properties = make(map[string]any, 1)
	}
	if t, ok := value.(time.Time); ok {
		value = t.UTC().Round(0)
	}
	c.Properties[key] = value
	return c
}

// WithReplyTo returns a copy of m with the reply-to address set.
func (m *Message) WithReplyTo(addr string) *Message {
	c := m.clone()
	c.ReplyTo = addr
	return c
}

// WithSchedule returns a copy of m scheduled for enqueue at t.
func (m *Message) WithSchedule(t time.Time) *Message {
	c := m.clone()
	c.ScheduledEnqueueTime = t
	return c
}

func (m *Message) clone() *Message {
	c := *m
	c.Properties = maps.Clone(m.Properties)
	return &c
}

// validate checks the fields the encoder cannot work without, and rejects
// properties that collide with reserved keys or carry non-scalar values.
func (m *Message) validate() error {
	if m == nil {
		return NewErrInvalidMessage("message is nil")
	}
	if m.ID == uuid.Nil {
		return NewErrInvalidMessage("message id is empty")
	}
	if m.ExpiresAt.IsZero() {
		return NewErrInvalidMessage("message expiry is not set")
	}
	for k, v := range m.Properties {
		if IsReservedProperty(k) {
			return NewErrReservedProperty(k)
		}
		if !IsScalar(v) {
			return NewErrInvalidProperty(k, v)
		}
	}
	return nil
}

// PayloadAs returns the payload as T when it holds exactly that type.
func PayloadAs[T any](m *Message) (T, bool) {
	var zero T
	if m == nil {
		return zero, false
	}
	v, ok := m.Payload.(T)
	return v, ok
}
