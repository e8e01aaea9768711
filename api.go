package xenvelope

import (
	"context"
	"time"
)

// Serializer is the Strategy for turning a structured value into bytes and back.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// Compressor is the Strategy applied to serialized bytes before they hit the wire.
// Compress and Decompress must round-trip exactly.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Name() string
}

// LargeBodyStore persists wire payloads that are too large to travel inline.
//
// Store returns the blob identifier that Retrieve later resolves. Retrieve must
// return an *ErrBlobNotFound when the blob is absent or expired.
type LargeBodyStore interface {
	Store(ctx context.Context, id string, data []byte, expiresAt time.Time) (string, error)
	Retrieve(ctx context.Context, blobID string) ([]byte, error)
}

// Clock is the subset of xclock.Clock the codec needs.
type Clock interface {
	Now() time.Time
}

// Observer receives codec and client lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// Handler processes a single decoded message. Return error to trigger Nack.
type Handler func(ctx context.Context, in *Incoming) error

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// Subscription represents an active subscription that can be closed.
type Subscription interface {
	Close() error
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API represents the complete client surface.
type API interface {
	Send(ctx context.Context, topic string, dc DispatchContext, msg *Message) (*Envelope, error)
	SendBatch(ctx context.Context, topic string, dc DispatchContext, msgs ...*Message) ([]*Envelope, error)
	Subscribe(ctx context.Context, topic, group string, handler Handler) (Subscription, error)
	Close(ctx context.Context) error
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}

var _ API = (*Client)(nil)
var _ HealthChecker = (*Client)(nil)
