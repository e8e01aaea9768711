package natsbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/suite"
	"github.com/trickstertwo/xclock"

	"github.com/trickstertwo/xenvelope"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type telemetrySample struct {
	Sensor   string    `json:"sensor"`
	Readings []float64 `json:"readings"`
}

type NatsSuite struct {
	suite.Suite
	srv     *server.Server
	nc      *nats.Conn
	js      jetstream.JetStream
	buckets atomic.Int32
}

func TestNatsSuite(t *testing.T) {
	suite.Run(t, new(NatsSuite))
}

func (s *NatsSuite) SetupSuite() {
	srv, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      server.RANDOM_PORT,
		JetStream: true,
		StoreDir:  s.T().TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	s.Require().NoError(err)
	go srv.Start()
	s.Require().True(srv.ReadyForConnections(5*time.Second), "nats server did not start")
	s.srv = srv
}

func (s *NatsSuite) TearDownSuite() {
	if s.srv != nil {
		s.srv.Shutdown()
		s.srv.WaitForShutdown()
	}
}

func (s *NatsSuite) SetupTest() {
	nc, err := nats.Connect(s.srv.ClientURL())
	s.Require().NoError(err)
	js, err := jetstream.New(nc)
	s.Require().NoError(err)
	s.nc = nc
	s.js = js
}

func (s *NatsSuite) TearDownTest() {
	s.nc.Close()
}

func (s *NatsSuite) config() Config {
	cfg := Defaults()
	cfg.URL = s.srv.ClientURL()
	cfg.Concurrency = 2
	cfg.Storage = "memory"
	cfg.Bucket = fmt.Sprintf("bodies-%d", s.buckets.Add(1))
	return cfg
}

func (s *NatsSuite) transport(mutate func(*Config)) *Transport {
	cfg := s.config()
	if mutate != nil {
		mutate(&cfg)
	}
	tr := NewTransportWithConn(s.nc, cfg)
	s.T().Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr
}

func envelope(id string, ttl time.Duration) *xenvelope.Envelope {
	return &xenvelope.Envelope{
		ID:            id,
		CorrelationID: "corr-" + id,
		TimeToLive:    ttl,
		Body:          []byte(`{"sensor":"t1"}`),
		Properties:    map[string]any{xenvelope.PropContentType: "json"},
	}
}

func (s *NatsSuite) TestTransport_HeadersCarryEnvelope() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr := s.transport(func(c *Config) { c.SubjectPrefix = "env." })

	got := make(chan *xenvelope.Envelope, 1)
	sub, err := tr.Subscribe(ctx, "telemetry", "ingest", func(d xenvelope.Delivery) {
		_ = d.Ack(ctx)
		got <- d.Envelope()
	})
	s.Require().NoError(err)
	defer func() { _ = sub.Close() }()

	sent := envelope("t-1", time.Minute)
	sent.ReplyTo = "ingest-replies"
	sent.Properties["site"] = "plant-7"
	sent.Properties["batch"] = int32(12)
	sent.Properties["calibrated"] = false
	s.Require().NoError(tr.Publish(ctx, "telemetry", sent))

	select {
	case env := <-got:
		s.Equal("t-1", env.ID)
		s.Equal("corr-t-1", env.CorrelationID)
		s.Equal("ingest-replies", env.ReplyTo)
		s.Equal(time.Minute, env.TimeToLive)
		s.Equal(sent.Body, env.Body)
		s.Equal("plant-7", env.Properties["site"])
		s.Equal(int32(12), env.Properties["batch"])
		s.Equal(false, env.Properties["calibrated"])
		s.Equal("json", env.Property(xenvelope.PropContentType))
	case <-ctx.Done():
		s.FailNow("timeout waiting for delivery")
	}
	s.Eventually(func() bool { return tr.Stats().Acked == 1 }, time.Second, 10*time.Millisecond)
}

func (s *NatsSuite) TestTransport_QueueGroupSplitsWork() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr := s.transport(nil)

	var a, b atomic.Int32
	subA, err := tr.Subscribe(ctx, "jobs", "workers", func(d xenvelope.Delivery) { a.Add(1); _ = d.Ack(ctx) })
	s.Require().NoError(err)
	defer func() { _ = subA.Close() }()
	subB, err := tr.Subscribe(ctx, "jobs", "workers", func(d xenvelope.Delivery) { b.Add(1); _ = d.Ack(ctx) })
	s.Require().NoError(err)
	defer func() { _ = subB.Close() }()

	const total = 40
	envs := make([]*xenvelope.Envelope, total)
	for i := range envs {
		envs[i] = envelope(fmt.Sprintf("j-%d", i), time.Minute)
	}
	s.Require().NoError(tr.Publish(ctx, "jobs", envs...))

	s.Eventually(func() bool { return a.Load()+b.Load() == total }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	s.Equal(int32(total), a.Load()+b.Load(), "each envelope goes to one group member")
}

func (s *NatsSuite) TestTransport_DropsExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr := s.transport(nil)

	var delivered atomic.Int32
	sub, err := tr.Subscribe(ctx, "telemetry", "ingest", func(d xenvelope.Delivery) {
		delivered.Add(1)
		_ = d.Ack(ctx)
	})
	s.Require().NoError(err)
	defer func() { _ = sub.Close() }()

	s.Require().NoError(tr.Publish(ctx, "telemetry", envelope("stale", -time.Second), envelope("fresh", time.Minute)))

	s.Eventually(func() bool {
		st := tr.Stats()
		return st.Expired == 1 && st.Acked == 1
	}, 2*time.Second, 10*time.Millisecond)
	s.Equal(int32(1), delivered.Load())
}

func (s *NatsSuite) TestTransport_HoldsScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr := s.transport(nil)

	got := make(chan time.Time, 1)
	sub, err := tr.Subscribe(ctx, "reminders", "mailer", func(d xenvelope.Delivery) {
		_ = d.Ack(ctx)
		got <- time.Now()
	})
	s.Require().NoError(err)
	defer func() { _ = sub.Close() }()

	delay := 150 * time.Millisecond
	start := time.Now()
	env := envelope("later", time.Minute)
	env.ScheduledEnqueueTime = start.Add(delay)
	s.Require().NoError(tr.Publish(ctx, "reminders", env))

	select {
	case at := <-got:
		s.GreaterOrEqual(at.Sub(start), delay-10*time.Millisecond)
	case <-ctx.Done():
		s.FailNow("scheduled envelope never delivered")
	}
	s.Equal(uint64(1), tr.Stats().Scheduled)
}

func (s *NatsSuite) TestTransport_NackPublishesDeadLetter() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr := s.transport(func(c *Config) { c.DeadLetter = "telemetry.dlq" })

	dlq, err := s.nc.SubscribeSync("telemetry.dlq")
	s.Require().NoError(err)
	defer func() { _ = dlq.Unsubscribe() }()

	sub, err := tr.Subscribe(ctx, "telemetry", "ingest", func(d xenvelope.Delivery) {
		_ = d.Nack(ctx, errors.New("sensor unknown\r\nsecond line"))
	})
	s.Require().NoError(err)
	defer func() { _ = sub.Close() }()

	s.Require().NoError(tr.Publish(ctx, "telemetry", envelope("poison", time.Minute)))

	m, err := dlq.NextMsg(3 * time.Second)
	s.Require().NoError(err)
	s.Equal("poison", m.Header.Get(hdrID))
	s.Equal("telemetry", m.Header.Get(hdrOrigSubject))
	s.Equal("sensor unknown  second line", m.Header.Get(hdrError))
	s.Equal(`{"sensor":"t1"}`, string(m.Data))
	s.Eventually(func() bool { return tr.Stats().DeadLettered == 1 }, time.Second, 10*time.Millisecond)
}

func (s *NatsSuite) TestTransport_RejectsHeaderUnsafeProperty() {
	tr := s.transport(nil)
	env := envelope("bad", time.Minute)
	env.Properties["note"] = "line one\nline two"
	err := tr.Publish(context.Background(), "telemetry", env)
	s.Require().Error(err)
	s.True(strings.Contains(err.Error(), "note"))
}

func (s *NatsSuite) TestObjectStore_ExpiryOnReadAndSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	clk := &manualClock{now: time.Date(2025, 4, 5, 6, 7, 8, 0, time.UTC)}
	cfg := s.config()
	cfg.Clock = clk
	store, err := NewObjectStore(ctx, s.js, cfg)
	s.Require().NoError(err)

	data := []byte(strings.Repeat("r", 4096))
	blobID, err := store.Store(ctx, "m-1", data, clk.Now().Add(time.Minute))
	s.Require().NoError(err)
	s.Equal(xenvelope.BlobKey("m-1", data), blobID)

	got, err := store.Retrieve(ctx, blobID)
	s.Require().NoError(err)
	s.Equal(data, got)

	_, err = store.Retrieve(ctx, "m-404.0")
	var nf *xenvelope.ErrBlobNotFound
	s.Require().ErrorAs(err, &nf)

	clk.Advance(time.Minute)
	_, err = store.Retrieve(ctx, blobID)
	s.Require().ErrorAs(err, &nf)
	s.Equal(blobID, nf.BlobID)

	n, err := store.Sweep(ctx)
	s.Require().NoError(err)
	s.Equal(1, n)
	n, err = store.Sweep(ctx)
	s.Require().NoError(err)
	s.Zero(n)

	st := store.Stats()
	s.Equal(uint64(1), st.Stored)
	s.Equal(uint64(1), st.Retrieved)
	s.Equal(uint64(2), st.Misses)
	s.Equal(uint64(1), st.Swept)
}

func (s *NatsSuite) TestUse_ExternalizedRoundTrip() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reg := xenvelope.NewPayloadRegistry()
	xenvelope.MustRegister[telemetrySample](reg, "telemetry.sample")

	client := Use(s.config(), WithCodec(func(cb *xenvelope.CodecBuilder) {
		cb.WithRegistry(reg).
			WithCompressor(xenvelope.CompressionNone).
			WithConfig(xenvelope.Config{MaxSmallMessageSize: 256, MaxLargeMessageSize: 1 << 20})
	}))
	defer func() { _ = client.Close(context.Background()) }()

	got := make(chan telemetrySample, 1)
	sub, err := client.Subscribe(ctx, "telemetry", "ingest", func(_ context.Context, in *xenvelope.Incoming) error {
		ts, ok := xenvelope.PayloadAs[telemetrySample](in.Message)
		if !ok {
			return errors.New("unexpected payload")
		}
		got <- ts
		return nil
	})
	s.Require().NoError(err)
	defer func() { _ = sub.Close() }()

	readings := make([]float64, 200)
	for i := range readings {
		readings[i] = float64(i) * 0.25
	}
	msg := xenvelope.NewMessage(xclock.Default(), "sensor-gw", telemetrySample{Sensor: "t1", Readings: readings}, time.Minute)
	env, err := client.Send(ctx, "telemetry", xenvelope.NewDispatchContext(), msg)
	s.Require().NoError(err)
	s.True(env.IsExternalized())

	select {
	case ts := <-got:
		s.Equal("t1", ts.Sensor)
		s.Equal(readings, ts.Readings)
	case <-ctx.Done():
		s.FailNow("timeout waiting for delivery")
	}
}

func (s *NatsSuite) TestConfigFromMap() {
	cfg := ConfigFromMap(map[string]any{
		"url":            "nats://bus:4222",
		"subject_prefix": "prod.",
		"concurrency":    6,
		"flush_timeout":  "500ms",
		"bucket_max_age": 48 * time.Hour,
		"storage":        "memory",
	})
	s.Equal("nats://bus:4222", cfg.URL)
	s.Equal("prod.", cfg.SubjectPrefix)
	s.Equal(6, cfg.Concurrency)
	s.Equal(500*time.Millisecond, cfg.FlushTimeout)
	s.Equal(48*time.Hour, cfg.BucketMaxAge)
	s.Equal(jetstream.MemoryStorage, cfg.storageType())
	s.NoError(cfg.Validate())

	cfg.Storage = "tape"
	s.Error(cfg.Validate())
}
