package xenvelope

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xlog"
)

// Incoming is what a Handler receives for each delivery.
type Incoming struct {
	// Message is the decoded domain message.
	Message *Message
	// Envelope is the transport envelope as delivered.
	Envelope *Envelope
	// Dispatch continues the envelope's correlation with the envelope as cause.
	// Pass it to Send for replies and follow-ups.
	Dispatch DispatchContext
}

// Client is the Facade pairing a Codec with a Transport.
type Client struct {
	transport    Transport
	codec        *Codec
	clock        Clock
	logger       *xlog.Logger
	middlewares  []Middleware
	ackTimeout   time.Duration
	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer
	metrics      *clientMetrics
	closed       atomic.Bool
	closeOnce    sync.Once
}

type clientMetrics struct {
	sendCount    atomic.Uint64
	consumeCount atomic.Uint64
	ackCount     atomic.Uint64
	nackCount    atomic.Uint64
	errorCount   atomic.Uint64
	processingNs atomic.Int64
}

// Codec returns the codec used for every send and delivery.
func (c *Client) Codec() *Codec { return c.codec }

// Send encodes msg with dc and publishes the envelope to topic.
// A failed publish is returned as is; the client never retries sends.
func (c *Client) Send(ctx context.Context, topic string, dc DispatchContext, msg *Message) (*Envelope, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if topic == "" {
		return nil, ErrInvalidTopic
	}

	start := c.clock.Now()
	env, err := c.codec.Encode(ctx, dc, msg)
	if err != nil {
		c.metrics.errorCount.Add(1)
		return nil, err
	}

	err = c.transport.Publish(ctx, topic, env)
	duration := c.clock.Now().Sub(start)
	c.recordProcessingTime(duration.Nanoseconds())
	c.notifyAsync(Event{
		Type:      SendDone,
		Topic:     topic,
		MessageID: env.ID,
		Size:      len(env.Body),
		Duration:  duration,
		Err:       err,
	})
	if err != nil {
		c.metrics.errorCount.Add(1)
		return nil, err
	}
	c.metrics.sendCount.Add(1)
	return env, nil
}

// SendBatch encodes every message before publishing any; the first encode
// failure aborts the batch. Envelopes go out in one transport call.
func (c *Client) SendBatch(ctx context.Context, topic string, dc DispatchContext, msgs ...*Message) ([]*Envelope, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	if topic == "" {
		return nil, ErrInvalidTopic
	}

	start := c.clock.Now()
	envs := make([]*Envelope, len(msgs))
	for i, m := range msgs {
		env, err := c.codec.Encode(ctx, dc, m)
		if err != nil {
			c.metrics.errorCount.Add(1)
			return nil, err
		}
		envs[i] = env
	}

	err := c.transport.Publish(ctx, topic, envs...)
	duration := c.clock.Now().Sub(start)
	c.recordProcessingTime(duration.Nanoseconds())
	c.notifyAsync(Event{
		Type:     SendDone,
		Topic:    topic,
		Size:     len(envs),
		Duration: duration,
		Err:      err,
	})
	if err != nil {
		c.metrics.errorCount.Add(1)
		return nil, err
	}
	c.metrics.sendCount.Add(uint64(len(envs)))
	return envs, nil
}

// Subscribe registers handler under a consumer group for topic.
//
// Each delivery is decoded first; decode failures nack the delivery with the
// typed error and never reach the handler. The handler context carries the
// delivery's DispatchContext and the client logger.
func (c *Client) Subscribe(ctx context.Context, topic, group string, handler Handler) (Subscription, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if topic == "" || group == "" || handler == nil {
		return nil, ErrInvalidSubscription
	}

	base := RecoveryMiddleware()(handler)
	wh := Chain(base, c.middlewares...)
	baseCtx := injectLogger(ctx, c.logger)

	return c.transport.Subscribe(ctx, topic, group, func(d Delivery) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Warn().Msg("xenvelope: delivery panic (recovered)")
				c.metrics.errorCount.Add(1)
				_ = d.Nack(context.Background(), ErrHandlerPanic)
			}
		}()

		c.metrics.consumeCount.Add(1)
		env := d.Envelope()
		start := c.clock.Now()

		msg, err := c.codec.Decode(baseCtx, env)
		if err == nil {
			dc := DispatchContextFromEnvelope(env)
			hctx := WithDispatchContext(baseCtx, dc)
			err = wh(hctx, &Incoming{Message: msg, Envelope: env, Dispatch: dc})
		}

		duration := c.clock.Now().Sub(start)
		c.recordProcessingTime(duration.Nanoseconds())
		c.notifyAsync(Event{
			Type:      ConsumeDone,
			Topic:     topic,
			Group:     group,
			MessageID: env.ID,
			Duration:  duration,
			Err:       err,
		})

		if err == nil {
			c.metrics.ackCount.Add(1)
			c.ackWithTimeout(baseCtx, d, true, nil)
			c.notifyAsync(Event{Type: Ack, Topic: topic, Group: group, MessageID: env.ID})
			return
		}
		c.metrics.nackCount.Add(1)
		c.ackWithTimeout(baseCtx, d, false, err)
		c.notifyAsync(Event{Type: Nack, Topic: topic, Group: group, MessageID: env.ID, Err: err})
	})
}

func (c *Client) ackWithTimeout(ctx context.Context, d Delivery, ack bool, reason error) {
	actx := ctx
	cancel := func() {}
	if c.ackTimeout > 0 {
		actx, cancel = context.WithTimeout(ctx, c.ackTimeout)
	}
	defer cancel()

	if ack {
		if err := d.Ack(actx); err != nil {
			c.metrics.errorCount.Add(1)
			c.notifyAsync(Event{Type: Error, MessageID: d.Envelope().ID, Err: err})
			c.logger.Warn().Err(err).Msg("xenvelope: ack failed")
		}
		return
	}

	if err := d.Nack(actx, reason); err != nil {
		c.metrics.errorCount.Add(1)
		c.notifyAsync(Event{Type: Error, MessageID: d.Envelope().ID, Err: err})
		c.logger.Warn().Err(err).Msg("xenvelope: nack failed")
	}
}

// GetMetrics returns current client and codec metrics.
func (c *Client) GetMetrics() Metrics {
	m := Metrics{
		Sent:                c.metrics.sendCount.Load(),
		Consumed:            c.metrics.consumeCount.Load(),
		Acked:               c.metrics.ackCount.Load(),
		Nacked:              c.metrics.nackCount.Load(),
		Errors:              c.metrics.errorCount.Load(),
		AvgProcessingTimeMs: float64(c.metrics.processingNs.Load()) / 1e6,
		Codec:               c.codec.Stats(),
	}
	if c.observerPool != nil {
		m.EventsDropped = c.observerPool.Stats().Dropped
	}
	return m
}

// Health reports "degraded" once more than 5% of operations failed.
func (c *Client) Health(ctx context.Context) HealthStatus {
	if c.closed.Load() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: c.clock.Now(),
			Message:   "client is closed",
		}
	}

	metrics := c.GetMetrics()
	status := "healthy"
	if ops := metrics.Sent + metrics.Consumed; metrics.Errors > 0 && ops > 0 {
		if float64(metrics.Errors)/float64(ops) > 0.05 {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Timestamp: c.clock.Now(),
	}
}

// Close drains the observer pool and closes the transport. Safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	var closeErr error

	c.closeOnce.Do(func() {
		c.closed.Store(true)

		if c.observerPool != nil {
			if err := c.observerPool.Close(5 * time.Second); err != nil {
				c.logger.Warn().Err(err).Msg("xenvelope: observer pool shutdown timeout")
				closeErr = err
			}
		}

		if err := c.transport.Close(ctx); err != nil {
			c.logger.Error().Err(err).Msg("xenvelope: transport close failed")
			closeErr = err
		}
	})

	return closeErr
}

// AddObserver registers an observer (thread-safe).
func (c *Client) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	c.observersMu.Lock()
	c.observers = append(c.observers, obs)
	c.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (c *Client) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	c.observersMu.Lock()
	defer c.observersMu.Unlock()

	for i, o := range c.observers {
		if o == obs {
			c.observers = append(c.observers[:i], c.observers[i+1:]...)
			break
		}
	}
}

// notifyAsync hands e to the observer pool. Dropped silently once closed.
func (c *Client) notifyAsync(e Event) {
	if c.observerPool == nil || c.closed.Load() {
		return
	}

	c.observersMu.RLock()
	if len(c.observers) == 0 {
		c.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(c.observers))
	copy(observers, c.observers)
	c.observersMu.RUnlock()

	c.observerPool.Notify(e, observers)
}

// recordProcessingTime keeps an exponential moving average of processing time.
func (c *Client) recordProcessingTime(ns int64) {
	const alpha = 0.2
	current := c.metrics.processingNs.Load()
	if current == 0 {
		c.metrics.processingNs.Store(ns)
		return
	}
	newAvg := int64(float64(ns)*alpha + float64(current)*(1-alpha))
	c.metrics.processingNs.Store(newAvg)
}
