// Package natsbus carries envelopes over NATS and keeps externalized bodies in
// a JetStream object store.
//
// Transport name: "nats". Store name: "nats-object".
//
// Envelope metadata travels in message headers ("Xe-Id", "Xe-Correlation-Id",
// "Xe-Reply-To", "Xe-Ttl", "Xe-Scheduled", "Xe-Enqueued" and one
// "Xe-Prop-<key>" per property holding xenvelope.EncodeProperty output); the
// body is the message data. Core NATS is at-most-once: Ack is bookkeeping and
// Nack either publishes to the dead-letter subject or drops the envelope.
// Scheduled envelopes are held by the publishing process until due.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/trickstertwo/xclock"

	"github.com/trickstertwo/xenvelope"
)

const TransportName = "nats"

// Header names.
const (
	hdrID            = "Xe-Id"
	hdrCorrelationID = "Xe-Correlation-Id"
	hdrReplyTo       = "Xe-Reply-To"
	hdrTTL           = "Xe-Ttl"       // int64 ns
	hdrScheduled     = "Xe-Scheduled" // int64 unix ns
	hdrEnqueued      = "Xe-Enqueued"  // int64 unix ns, set when actually published
	hdrPropPrefix    = "Xe-Prop-"
	hdrError         = "Xe-Error"
	hdrOrigSubject   = "Xe-Orig-Subject"
)

var ErrTransportClosed = errors.New("natsbus: transport is closed")

func init() {
	if err := xenvelope.RegisterTransport(TransportName, func(cfg map[string]any) (xenvelope.Transport, error) {
		return NewTransport(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xenvelope: failed to register transport %q: %w", TransportName, err))
	}
}

// Transport implements xenvelope.Transport over core NATS publish and queue subscribe.
type Transport struct {
	cfg   Config
	clock xenvelope.Clock
	nc    *nats.Conn
	owned bool

	closed  atomic.Bool
	done    chan struct{}
	pending sync.WaitGroup

	metrics *transportMetrics
}

type transportMetrics struct {
	published    atomic.Uint64
	scheduled    atomic.Uint64
	consumed     atomic.Uint64
	acked        atomic.Uint64
	nacked       atomic.Uint64
	deadLettered atomic.Uint64
	expired      atomic.Uint64
	dropped      atomic.Uint64
}

var _ xenvelope.Transport = (*Transport)(nil)

// NewTransport connects to NATS per cfg. The transport owns the connection.
func NewTransport(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	nc, err := connect(cfg)
	if err != nil {
		return nil, err
	}
	t := NewTransportWithConn(nc, cfg)
	t.owned = true
	return t, nil
}

// NewTransportWithConn wraps an existing connection; Close leaves it open.
func NewTransportWithConn(nc *nats.Conn, cfg Config) *Transport {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 2 * time.Second
	}
	var clk xenvelope.Clock = cfg.Clock
	if clk == nil {
		clk = xclock.Default()
	}
	return &Transport{
		cfg:     cfg,
		clock:   clk,
		nc:      nc,
		done:    make(chan struct{}),
		metrics: &transportMetrics{},
	}
}

func (t *Transport) subject(topic string) string {
	return t.cfg.SubjectPrefix + topic
}

// Publish sends envelopes and flushes so the server has them on return.
// Envelopes scheduled in the future are published by a timer in this process.
func (t *Transport) Publish(ctx context.Context, topic string, envs ...*xenvelope.Envelope) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}

	now := t.clock.Now()
	msgs := make([]*nats.Msg, 0, len(envs))
	delays := make([]time.Duration, 0, len(envs))
	for _, env := range envs {
		if env == nil {
			continue
		}
		m, err := encodeMsg(t.subject(topic), env)
		if err != nil {
			return err
		}
		msgs = append(msgs, m)
		delays = append(delays, env.ScheduledEnqueueTime.Sub(now))
	}

	immediate := 0
	for i, m := range msgs {
		if delays[i] > 0 {
			t.metrics.scheduled.Add(1)
			t.publishAfter(m, delays[i])
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		m.Header.Set(hdrEnqueued, strconv.FormatInt(now.UnixNano(), 10))
		if err := t.nc.PublishMsg(m); err != nil {
			return err
		}
		immediate++
	}
	if immediate == 0 {
		return nil
	}
	if err := t.nc.FlushTimeout(t.cfg.FlushTimeout); err != nil {
		return err
	}
	t.metrics.published.Add(uint64(immediate))
	return nil
}

func (t *Transport) publishAfter(m *nats.Msg, delay time.Duration) {
	t.pending.Add(1)
	timer := time.NewTimer(delay)
	go func() {
		defer t.pending.Done()
		defer timer.Stop()
		select {
		case <-timer.C:
			m.Header.Set(hdrEnqueued, strconv.FormatInt(t.clock.Now().UnixNano(), 10))
			if err := t.nc.PublishMsg(m); err == nil {
				t.metrics.published.Add(1)
			}
		case <-t.done:
		}
	}()
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

// Subscribe joins the queue group for topic and fans deliveries out to
// cfg.Concurrency workers.
func (t *Transport) Subscribe(ctx context.Context, topic, group string, handler func(xenvelope.Delivery)) (xenvelope.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}

	innerCtx, cancel := context.WithCancel(ctx)
	workCh := make(chan *delivery, t.cfg.Concurrency*2)

	sub, err := t.nc.QueueSubscribe(t.subject(topic), group, func(m *nats.Msg) {
		env := decodeMsg(m)
		if t.expired(m, env) {
			t.metrics.expired.Add(1)
			return
		}
		t.metrics.consumed.Add(1)
		select {
		case workCh <- &delivery{t: t, msg: m, env: env}:
		case <-innerCtx.Done():
		}
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("natsbus: subscribe %q/%q: %w", topic, group, err)
	}

	wg := &sync.WaitGroup{}
	wg.Add(t.cfg.Concurrency)
	for range t.cfg.Concurrency {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-innerCtx.Done():
					return
				case d := <-workCh:
					handler(d)
				}
			}
		}()
	}

	var once sync.Once
	return &subscription{
		close: func() error {
			var err error
			once.Do(func() {
				if !t.nc.IsClosed() {
					err = sub.Unsubscribe()
				}
				cancel()
				wg.Wait()
			})
			return err
		},
	}, nil
}

// expired reports whether env's time to live ran out since it was published.
func (t *Transport) expired(m *nats.Msg, env *xenvelope.Envelope) bool {
	ns, err := strconv.ParseInt(m.Header.Get(hdrEnqueued), 10, 64)
	if err != nil {
		return false
	}
	return !t.clock.Now().Before(time.Unix(0, ns).Add(env.TimeToLive))
}

// Close cancels scheduled publishes and closes the connection when owned.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	close(t.done)
	t.pending.Wait()
	if t.owned {
		t.nc.Close()
	}
	return nil
}

// Stats returns transport telemetry.
type Stats struct {
	Published    uint64
	Scheduled    uint64
	Consumed     uint64
	Acked        uint64
	Nacked       uint64
	DeadLettered uint64
	Expired      uint64
	Dropped      uint64
}

func (t *Transport) Stats() Stats {
	return Stats{
		Published:    t.metrics.published.Load(),
		Scheduled:    t.metrics.scheduled.Load(),
		Consumed:     t.metrics.consumed.Load(),
		Acked:        t.metrics.acked.Load(),
		Nacked:       t.metrics.nacked.Load(),
		DeadLettered: t.metrics.deadLettered.Load(),
		Expired:      t.metrics.expired.Load(),
		Dropped:      t.metrics.dropped.Load(),
	}
}

type delivery struct {
	t       *Transport
	msg     *nats.Msg
	env     *xenvelope.Envelope
	onceAck sync.Once
}

func (d *delivery) Envelope() *xenvelope.Envelope { return d.env }

func (d *delivery) Ack(_ context.Context) error {
	d.onceAck.Do(func() { d.t.metrics.acked.Add(1) })
	return nil
}

// Nack publishes the original message to the dead-letter subject with the
// reason, or drops it when none is configured.
func (d *delivery) Nack(_ context.Context, reason error) error {
	var err error
	d.onceAck.Do(func() {
		d.t.metrics.nacked.Add(1)
		if d.t.cfg.DeadLetter == "" {
			d.t.metrics.dropped.Add(1)
			return
		}
		dl := &nats.Msg{
			Subject: d.t.cfg.DeadLetter,
			Header:  nats.Header{},
			Data:    d.msg.Data,
		}
		for k, vs := range d.msg.Header {
			for _, v := range vs {
				dl.Header.Add(k, v)
			}
		}
		dl.Header.Set(hdrOrigSubject, d.msg.Subject)
		dl.Header.Set(hdrError, headerSafe(fmt.Sprintf("%v", reason)))
		if err = d.t.nc.PublishMsg(dl); err == nil {
			d.t.metrics.deadLettered.Add(1)
		}
	})
	return err
}

func encodeMsg(subject string, env *xenvelope.Envelope) (*nats.Msg, error) {
	m := &nats.Msg{
		Subject: subject,
		Header:  nats.Header{},
		Data:    env.Body,
	}
	m.Header.Set(hdrID, env.ID)
	m.Header.Set(hdrCorrelationID, env.CorrelationID)
	if env.ReplyTo != "" {
		m.Header.Set(hdrReplyTo, env.ReplyTo)
	}
	m.Header.Set(hdrTTL, strconv.FormatInt(int64(env.TimeToLive), 10))
	if !env.ScheduledEnqueueTime.IsZero() {
		m.Header.Set(hdrScheduled, strconv.FormatInt(env.ScheduledEnqueueTime.UnixNano(), 10))
	}
	for k, v := range env.Properties {
		s, err := xenvelope.EncodeProperty(v)
		if err != nil {
			return nil, fmt.Errorf("natsbus: envelope %s property %q: %w", env.ID, k, err)
		}
		if !validHeaderKey(k) || headerSafe(s) != s {
			return nil, fmt.Errorf("natsbus: envelope %s property %q cannot travel as a header", env.ID, k)
		}
		m.Header.Set(hdrPropPrefix+k, s)
	}
	return m, nil
}

// decodeMsg rebuilds the envelope; a property that does not decode is kept as its raw string.
func decodeMsg(m *nats.Msg) *xenvelope.Envelope {
	env := &xenvelope.Envelope{
		ID:            m.Header.Get(hdrID),
		CorrelationID: m.Header.Get(hdrCorrelationID),
		ReplyTo:       m.Header.Get(hdrReplyTo),
	}
	if len(m.Data) > 0 {
		env.Body = m.Data
	}
	if ns, err := strconv.ParseInt(m.Header.Get(hdrTTL), 10, 64); err == nil {
		env.TimeToLive = time.Duration(ns)
	}
	if ns, err := strconv.ParseInt(m.Header.Get(hdrScheduled), 10, 64); err == nil && ns > 0 {
		env.ScheduledEnqueueTime = time.Unix(0, ns)
	}
	for k, vs := range m.Header {
		key, ok := strings.CutPrefix(k, hdrPropPrefix)
		if !ok || len(vs) == 0 {
			continue
		}
		if env.Properties == nil {
			env.Properties = make(map[string]any, len(m.Header))
		}
		if p, err := xenvelope.DecodeProperty(vs[0]); err == nil {
			env.Properties[key] = p
		} else {
			env.Properties[key] = vs[0]
		}
	}
	return env
}

func validHeaderKey(k string) bool {
	return k != "" && !strings.ContainsAny(k, ": \t\r\n")
}

func headerSafe(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
