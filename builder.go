package xenvelope

import (
	"context"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// CodecBuilder constructs Codec instances (Builder pattern).
type CodecBuilder struct {
	cfg Config

	serializerName string
	serializerInst Serializer

	compressorName string
	compressorInst Compressor

	store     LargeBodyStore
	registry  *PayloadRegistry
	clock     Clock
	logger    *xlog.Logger
	observers []Observer
	// quiet skips the default LoggingObserver; the client logs codec events itself.
	quiet bool
}

// NewCodecBuilder returns a builder with json serialization, gzip compression
// and Defaults() thresholds.
func NewCodecBuilder() *CodecBuilder {
	return &CodecBuilder{
		cfg:            Defaults(),
		serializerName: "json",
		compressorName: CompressionGzip,
	}
}

func (cb *CodecBuilder) WithConfig(cfg Config) *CodecBuilder {
	cb.cfg = cfg
	return cb
}

func (cb *CodecBuilder) WithSerializer(name string) *CodecBuilder {
	cb.serializerName = name
	return cb
}

// WithSerializerInstance accepts a ready Serializer instance.
func (cb *CodecBuilder) WithSerializerInstance(s Serializer) *CodecBuilder {
	cb.serializerInst = s
	return cb
}

func (cb *CodecBuilder) WithCompressor(name string) *CodecBuilder {
	cb.compressorName = name
	return cb
}

// WithCompressorInstance accepts a ready Compressor instance.
func (cb *CodecBuilder) WithCompressorInstance(c Compressor) *CodecBuilder {
	cb.compressorInst = c
	return cb
}

// WithStore sets the large-body store. Without one, payloads above
// MaxSmallMessageSize fail with ErrNoLargeBodyStore.
func (cb *CodecBuilder) WithStore(s LargeBodyStore) *CodecBuilder {
	cb.store = s
	return cb
}

func (cb *CodecBuilder) WithRegistry(r *PayloadRegistry) *CodecBuilder {
	cb.registry = r
	return cb
}

func (cb *CodecBuilder) WithClock(c Clock) *CodecBuilder {
	cb.clock = c
	return cb
}

func (cb *CodecBuilder) WithLogger(l *xlog.Logger) *CodecBuilder {
	cb.logger = l
	return cb
}

// WithObserver attaches observers called synchronously from Encode and Decode.
func (cb *CodecBuilder) WithObserver(obs ...Observer) *CodecBuilder {
	for _, o := range obs {
		if o != nil {
			cb.observers = append(cb.observers, o)
		}
	}
	return cb
}

func (cb *CodecBuilder) Build() (*Codec, error) {
	if err := cb.cfg.Validate(); err != nil {
		return nil, err
	}

	var err error
	ser := cb.serializerInst
	if ser == nil {
		if ser, err = NewSerializer(cb.serializerName); err != nil {
			return nil, err
		}
	}
	comp := cb.compressorInst
	if comp == nil {
		if comp, err = NewCompressor(cb.compressorName); err != nil {
			return nil, err
		}
	}

	var clk Clock = cb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	reg := cb.registry
	if reg == nil {
		reg = NewPayloadRegistry()
	}
	lg := cb.logger
	if lg == nil {
		lg = xlog.Default()
	}

	c := &Codec{
		cfg:        cb.cfg,
		serializer: ser,
		compressor: comp,
		store:      cb.store,
		clock:      clk,
		registry:   reg,
	}
	if !cb.quiet && !hasLoggingObserver(cb.observers) {
		c.observers = append(c.observers, LoggingObserver{Logger: lg})
	}
	c.observers = append(c.observers, cb.observers...)
	return c, nil
}

// ClientBuilder constructs Client instances (Builder pattern).
type ClientBuilder struct {
	transportName string
	transportCfg  map[string]any
	transportInst Transport

	codec     *CodecBuilder
	codecInst *Codec
	storeName string
	storeCfg  map[string]any

	middlewares []Middleware
	observers   []Observer
	logger      *xlog.Logger
	clock       Clock
	ackTimeout  time.Duration

	poolWorkers int
	poolBuffer  int
}

// NewClientBuilder returns a new builder with sensible defaults.
func NewClientBuilder() *ClientBuilder {
	return &ClientBuilder{
		codec:       NewCodecBuilder(),
		ackTimeout:  5 * time.Second,
		poolWorkers: 4,
		poolBuffer:  1000,
	}
}

func (b *ClientBuilder) WithTransport(name string, cfg map[string]any) *ClientBuilder {
	b.transportName = name
	b.transportCfg = cfg
	return b
}

// WithTransportInstance accepts a ready Transport instance.
func (b *ClientBuilder) WithTransportInstance(t Transport) *ClientBuilder {
	b.transportInst = t
	return b
}

// WithStore selects a registered large-body store by name.
func (b *ClientBuilder) WithStore(name string, cfg map[string]any) *ClientBuilder {
	b.storeName = name
	b.storeCfg = cfg
	return b
}

// WithStoreInstance accepts a ready large-body store.
func (b *ClientBuilder) WithStoreInstance(s LargeBodyStore) *ClientBuilder {
	b.codec.WithStore(s)
	return b
}

// WithCodec configures the codec the client builds.
func (b *ClientBuilder) WithCodec(fn func(cb *CodecBuilder)) *ClientBuilder {
	if fn != nil {
		fn(b.codec)
	}
	return b
}

// WithCodecInstance accepts a ready Codec; codec options are then ignored.
func (b *ClientBuilder) WithCodecInstance(c *Codec) *ClientBuilder {
	b.codecInst = c
	return b
}

func (b *ClientBuilder) WithMiddleware(mw ...Middleware) *ClientBuilder {
	b.middlewares = append(b.middlewares, mw...)
	return b
}

func (b *ClientBuilder) WithObserver(obs ...Observer) *ClientBuilder {
	for _, o := range obs {
		if o != nil {
			b.observers = append(b.observers, o)
		}
	}
	return b
}

func (b *ClientBuilder) WithLogger(l *xlog.Logger) *ClientBuilder {
	b.logger = l
	return b
}

func (b *ClientBuilder) WithClock(c Clock) *ClientBuilder {
	b.clock = c
	return b
}

func (b *ClientBuilder) WithAckTimeout(d time.Duration) *ClientBuilder {
	if d > 0 {
		b.ackTimeout = d
	}
	return b
}

// WithObserverPool sizes the async observer pool.
func (b *ClientBuilder) WithObserverPool(workers, buffer int) *ClientBuilder {
	b.poolWorkers = workers
	b.poolBuffer = buffer
	return b
}

func (b *ClientBuilder) Build() (*Client, error) {
	var tr Transport
	var err error
	switch {
	case b.transportInst != nil:
		tr = b.transportInst
	case b.transportName != "":
		if tr, err = NewTransport(b.transportName, b.transportCfg); err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoTransportConfigured
	}

	var clk Clock = b.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := b.logger
	if lg == nil {
		lg = xlog.Default()
	}

	c := &Client{
		transport:    tr,
		clock:        clk,
		logger:       lg,
		middlewares:  b.middlewares,
		ackTimeout:   b.ackTimeout,
		observerPool: NewObserverPool(context.Background(), b.poolWorkers, b.poolBuffer).WithLogger(lg),
		metrics:      &clientMetrics{},
	}

	if b.codecInst != nil {
		c.codec = b.codecInst
	} else {
		if b.storeName != "" {
			store, err := NewStore(b.storeName, b.storeCfg)
			if err != nil {
				_ = c.observerPool.Close(time.Second)
				return nil, err
			}
			b.codec.WithStore(store)
		}
		b.codec.quiet = true
		b.codec.WithClock(clk).WithObserver(ObserverFunc(c.notifyAsync))
		if c.codec, err = b.codec.Build(); err != nil {
			_ = c.observerPool.Close(time.Second)
			return nil, err
		}
	}

	if !hasLoggingObserver(b.observers) {
		c.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range b.observers {
		c.AddObserver(o)
	}
	return c, nil
}

// New constructs a Client via Builder and returns a close func for convenience.
func New(init func(b *ClientBuilder)) (*Client, func() error, error) {
	b := NewClientBuilder()
	if init != nil {
		init(b)
	}
	c, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return c.Close(context.Background()) }
	return c, closeFn, nil
}

func hasLoggingObserver(obs []Observer) bool {
	for _, o := range obs {
		if _, ok := o.(LoggingObserver); ok {
			return true
		}
	}
	return false
}
