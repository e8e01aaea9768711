package redisstream

import (
	"context"
	"fmt"
	"time"

	"github.com/trickstertwo/xenvelope"
	"github.com/trickstertwo/xlog"
)

// Adapter: Redis Streams Transport (Strategy + Adapter patterns)

const TransportName = "redis-streams"

func init() {
	if err := xenvelope.RegisterTransport(TransportName, func(cfg map[string]any) (xenvelope.Transport, error) {
		return NewTransport(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xenvelope: failed to register transport %q: %w", TransportName, err))
	}
}

// Use builds a Client over Redis Streams, installs its codec as the default
// codec, then returns it.
// Mirrors xlog/xclock "Use" behavior: explicit construction and global install.
func Use(cfg Config, opts ...Option) *xenvelope.Client {
	tr, err := NewTransport(cfg)
	if err != nil {
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}
	cb := xenvelope.NewClientBuilder().WithTransportInstance(tr)
	if cfg.Clock != nil {
		cb.WithClock(cfg.Clock)
	}

	for _, o := range opts {
		if o != nil {
			o(cb)
		}
	}
	client, err := cb.Build()
	if err != nil {
		_ = tr.Close(context.Background())
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}

	// Install as process-wide default (replaces any existing default).
	xenvelope.SetDefault(client.Codec())
	return client
}

// Option configures the xenvelope.Client construction when calling Use.
type Option func(*xenvelope.ClientBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xenvelope.ClientBuilder) { b.WithLogger(l) }
}

// WithStore selects a registered large-body store, e.g. redisstore.StoreName.
func WithStore(name string, cfg map[string]any) Option {
	return func(b *xenvelope.ClientBuilder) { b.WithStore(name, cfg) }
}

// WithCodec adjusts the codec (serializer, compressor, thresholds, registry).
func WithCodec(fn func(cb *xenvelope.CodecBuilder)) Option {
	return func(b *xenvelope.ClientBuilder) { b.WithCodec(fn) }
}

// WithMiddleware adds processing middlewares.
func WithMiddleware(mw ...xenvelope.Middleware) Option {
	return func(b *xenvelope.ClientBuilder) { b.WithMiddleware(mw...) }
}

// WithAckTimeout sets acks/nacks timeout.
func WithAckTimeout(d time.Duration) Option {
	return func(b *xenvelope.ClientBuilder) { b.WithAckTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xenvelope.Observer) Option {
	return func(b *xenvelope.ClientBuilder) { b.WithObserver(obs...) }
}
