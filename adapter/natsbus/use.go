package natsbus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/trickstertwo/xenvelope"
	"github.com/trickstertwo/xlog"
)

// Use builds a Client that publishes over NATS and externalizes large bodies
// into the JetStream object store, sharing one connection. Its codec becomes
// the default codec. Closing the client closes the connection.
func Use(cfg Config, opts ...Option) *xenvelope.Client {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Errorf("natsbus.Use: %w", err))
	}
	nc, err := connect(cfg)
	if err != nil {
		panic(fmt.Errorf("natsbus.Use: %w", err))
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		panic(fmt.Errorf("natsbus.Use: %w", err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store, err := NewObjectStore(ctx, js, cfg)
	if err != nil {
		nc.Close()
		panic(fmt.Errorf("natsbus.Use: %w", err))
	}

	tr := NewTransportWithConn(nc, cfg)
	tr.owned = true

	cb := xenvelope.NewClientBuilder().
		WithTransportInstance(tr).
		WithStoreInstance(store)
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
		panic(fmt.Errorf("natsbus.Use: %w", err))
	}

	xenvelope.SetDefault(client.Codec())
	return client
}

// Option configures the xenvelope.Client construction when calling Use.
type Option func(*xenvelope.ClientBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xenvelope.ClientBuilder) { b.WithLogger(l) }
}

// WithCodec adjusts the codec (serializer, compressor, thresholds, registry).
func WithCodec(fn func(cb *xenvelope.CodecBuilder)) Option {
	return func(b *xenvelope.ClientBuilder) { b.WithCodec(fn) }
}

// WithMiddleware adds processing middlewares.
func WithMiddleware(mw ...xenvelope.Middleware) Option {
	return func(b *xenvelope.ClientBuilder) { b.WithMiddleware(mw...) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xenvelope.Observer) Option {
	return func(b *xenvelope.ClientBuilder) { b.WithObserver(obs...) }
}
