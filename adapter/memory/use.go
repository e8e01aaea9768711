package memory

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xenvelope"
	"github.com/trickstertwo/xlog"
)

// Use builds a Client over the in-memory transport and store, and installs its
// codec as the process-wide default.
//
// Example:
//
//	client := memory.Use(memory.Config{
//	    BufferSize:  4096,
//	    Concurrency: 8,
//	},
//	    memory.WithLogger(logger),
//	    memory.WithObserver(observer),
//	)
func Use(cfg Config, opts ...Option) *xenvelope.Client {
	b := xenvelope.NewClientBuilder().
		WithTransportInstance(NewTransport(cfg)).
		WithStoreInstance(NewStore(cfg.Clock))
	if cfg.Clock != nil {
		b.WithClock(cfg.Clock)
	}

	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}

	client, err := b.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}

	xenvelope.SetDefault(client.Codec())
	return client
}

// Option configures the xenvelope.Client when calling Use.
type Option func(*xenvelope.ClientBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xenvelope.ClientBuilder) { b.WithLogger(l) }
}

// WithCodec adjusts the codec (serializer, compressor, thresholds, registry).
func WithCodec(fn func(cb *xenvelope.CodecBuilder)) Option {
	return func(b *xenvelope.ClientBuilder) { b.WithCodec(fn) }
}

// WithMiddleware adds processing middlewares (retry, timeout, etc).
func WithMiddleware(mw ...xenvelope.Middleware) Option {
	return func(b *xenvelope.ClientBuilder) { b.WithMiddleware(mw...) }
}

// WithAckTimeout sets acks/nacks timeout (default: 5s).
func WithAckTimeout(d time.Duration) Option {
	return func(b *xenvelope.ClientBuilder) { b.WithAckTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xenvelope.Observer) Option {
	return func(b *xenvelope.ClientBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool configures async observer pool for non-blocking notifications.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *xenvelope.ClientBuilder) { b.WithObserverPool(workers, bufferSize) }
}
