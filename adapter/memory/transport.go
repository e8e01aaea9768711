package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xenvelope"
)

const TransportName = "memory"

var ErrTransportClosed = errors.New("memory transport is closed")

func init() {
	if err := xenvelope.RegisterTransport(TransportName, func(cfg map[string]any) (xenvelope.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xenvelope/memory: failed to register transport: %w", err))
	}
}

// Config controls memory transport behavior.
type Config struct {
	// BufferSize is the per-group queue size (default: 1024).
	BufferSize int
	// Concurrency is the default number of worker goroutines per subscription (default: 1).
	Concurrency int
	// RedeliveryDelay is the delay before re-enqueuing an envelope on Nack (default: 0 = immediate).
	RedeliveryDelay time.Duration
	// Clock decides schedule and expiry; defaults to xclock.Default().
	Clock xenvelope.Clock
}

func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}

	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}

	return Config{
		BufferSize:      max(1, getInt("buffer_size", 1024)),
		Concurrency:     max(1, getInt("concurrency", 1)),
		RedeliveryDelay: getDur("redelivery_delay", 0),
	}
}

// Transport implements xenvelope.Transport using in-memory channels (dev/testing).
//
// Envelopes with a future ScheduledEnqueueTime are held back until then.
// TimeToLive runs from Publish, so a schedule delay counts against it: envelopes
// that would expire before their ScheduledEnqueueTime are dropped at publish, and
// the rest are dropped at delivery once their TimeToLive has elapsed.
type Transport struct {
	cfg   Config
	clock xenvelope.Clock

	mu     sync.RWMutex
	topics map[string]*topic

	closed atomic.Bool
	done   chan struct{}

	metrics *transportMetrics
}

type transportMetrics struct {
	published   atomic.Uint64
	scheduled   atomic.Uint64
	consumed    atomic.Uint64
	acked       atomic.Uint64
	nacked      atomic.Uint64
	redelivered atomic.Uint64
	expired     atomic.Uint64
}

var _ xenvelope.Transport = (*Transport)(nil)

// NewTransport creates a new in-memory transport.
func NewTransport(cfg Config) *Transport {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	var clk xenvelope.Clock = cfg.Clock
	if clk == nil {
		clk = xclock.Default()
	}

	return &Transport{
		cfg:     cfg,
		clock:   clk,
		topics:  make(map[string]*topic),
		done:    make(chan struct{}),
		metrics: &transportMetrics{},
	}
}

// Publish fans out envelopes to all consumer groups for the topic.
// Topics without subscribers drop envelopes.
func (t *Transport) Publish(ctx context.Context, topic string, envs ...*xenvelope.Envelope) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}

	t.mu.RLock()
	top, ok := t.topics[topic]
	t.mu.RUnlock()
	if !ok {
		return nil
	}

	now := t.clock.Now()
	for _, env := range envs {
		if env == nil {
			continue
		}
		top.mu.RLock()
		groups := make([]*group, 0, len(top.groups))
		for _, g := range top.groups {
			groups = append(groups, g)
		}
		top.mu.RUnlock()

		for _, g := range groups {
			task := &deliveryTask{topic: topic, group: g, env: env, tr: t, publishedAt: now}
			if delay := env.ScheduledEnqueueTime.Sub(now); delay > 0 {
				if task.expired(env.ScheduledEnqueueTime) {
					t.metrics.expired.Add(1)
					continue
				}
				t.metrics.scheduled.Add(1)
				t.enqueueAfter(task, delay)
				continue
			}
			select {
			case g.queue <- task:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		t.metrics.published.Add(1)
	}
	return nil
}

func (t *Transport) enqueueAfter(task *deliveryTask, delay time.Duration) {
	timer := time.NewTimer(delay)
	go func() {
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case task.group.queue <- task:
			case <-t.done:
			}
		case <-t.done:
		}
	}()
}

// Subscribe registers a handler for a topic/group with configurable concurrency.
func (t *Transport) Subscribe(ctx context.Context, topic, group string, handler func(xenvelope.Delivery)) (xenvelope.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}

	top := t.ensureTopic(topic)
	g := top.ensureGroup(group, t.cfg.BufferSize)

	innerCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}

	wg.Add(t.cfg.Concurrency)
	for range t.cfg.Concurrency {
		go func() {
			defer wg.Done()
			t.worker(innerCtx, g, handler)
		}()
	}

	return &subscription{
		close: func() error {
			cancel()
			wg.Wait()
			return nil
		},
	}, nil
}

func (t *Transport) worker(ctx context.Context, g *group, handler func(xenvelope.Delivery)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case task := <-g.queue:
			if task == nil {
				continue
			}
			if task.expired(t.clock.Now()) {
				t.metrics.expired.Add(1)
				continue
			}
			t.metrics.consumed.Add(1)
			handler(&memDelivery{task: task, tr: t})
		}
	}
}

// Close stops workers and pending scheduled envelopes.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	close(t.done)

	t.mu.Lock()
	t.topics = make(map[string]*topic)
	t.mu.Unlock()
	return nil
}

// Stats returns transport telemetry.
type Stats struct {
	Published   uint64
	Scheduled   uint64
	Consumed    uint64
	Acked       uint64
	Nacked      uint64
	Redelivered uint64
	Expired     uint64
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Published:   t.metrics.published.Load(),
		Scheduled:   t.metrics.scheduled.Load(),
		Consumed:    t.metrics.consumed.Load(),
		Acked:       t.metrics.acked.Load(),
		Nacked:      t.metrics.nacked.Load(),
		Redelivered: t.metrics.redelivered.Load(),
		Expired:     t.metrics.expired.Load(),
	}
}

type subscription struct {
	close func() error
}

func (s *subscription) Close() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}

type topic struct {
	mu     sync.RWMutex
	groups map[string]*group
}

type group struct {
	name  string
	queue chan *deliveryTask
}

type deliveryTask struct {
	tr         *Transport
	topic      string
	group      *group
	env        *xenvelope.Envelope
	publishedAt time.Time
}

// expired reports whether the envelope's time to live ran out since it was published.
func (task *deliveryTask) expired(now time.Time) bool {
	return !now.Before(task.publishedAt.Add(task.env.TimeToLive))
}

type memDelivery struct {
	task    *deliveryTask
	ackOnce sync.Once
	tr      *Transport
}

func (d *memDelivery) Envelope() *xenvelope.Envelope {
	return d.task.env
}

// Ack marks the envelope as processed.
func (d *memDelivery) Ack(_ context.Context) error {
	d.ackOnce.Do(func() {
		d.tr.metrics.acked.Add(1)
	})
	return nil
}

// Nack re-enqueues the envelope for redelivery after RedeliveryDelay.
func (d *memDelivery) Nack(ctx context.Context, _ error) error {
	d.ackOnce.Do(func() {
		d.tr.metrics.nacked.Add(1)
		d.tr.metrics.redelivered.Add(1)

		delay := d.tr.cfg.RedeliveryDelay
		if delay <= 0 {
			select {
			case d.task.group.queue <- d.task:
			case <-ctx.Done():
			case <-d.tr.done:
			}
			return
		}
		timer := time.NewTimer(delay)
		go func() {
			defer timer.Stop()
			select {
			case <-timer.C:
				select {
				case d.task.group.queue <- d.task:
				case <-d.tr.done:
				}
			case <-d.tr.done:
			}
		}()
	})
	return nil
}

func (t *Transport) ensureTopic(name string) *topic {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tp, ok := t.topics[name]; ok {
		return tp
	}
	tp := &topic{groups: make(map[string]*group)}
	t.topics[name] = tp
	return tp
}

func (tp *topic) ensureGroup(name string, bufferSize int) *group {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if g, ok := tp.groups[name]; ok {
		return g
	}
	g := &group{
		name:  name,
		queue: make(chan *deliveryTask, bufferSize),
	}
	tp.groups[name] = g
	return g
}
