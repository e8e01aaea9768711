package redisstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xenvelope"
)

// shipmentBooked is a sample domain message for testing.
type shipmentBooked struct {
	ShipmentID string `json:"shipment_id"`
	Carrier    string `json:"carrier"`
	Parcels    int    `json:"parcels"`
}

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

// testTransport starts a miniredis server and a transport bound to it.
func testTransport(t *testing.T, mutate func(*Config)) (*Transport, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := Defaults()
	cfg.Addr = mr.Addr()
	cfg.Consumer = "test-consumer"
	cfg.Concurrency = 2
	cfg.Block = 50 * time.Millisecond
	cfg.ScheduleInterval = 20 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	tr, err := NewTransport(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close(context.Background()) })

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return tr, client, mr
}

func testEnvelope(id string, ttl time.Duration) *xenvelope.Envelope {
	return &xenvelope.Envelope{
		ID:            id,
		CorrelationID: "corr-" + id,
		TimeToLive:    ttl,
		Properties: map[string]any{
			xenvelope.PropContentType: "json",
		},
		Body: []byte(fmt.Sprintf(`{"id":%q}`, id)),
	}
}

func TestPublish_EnvelopeFieldsSurviveRedis(t *testing.T) {
	tr, client, _ := testTransport(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	issued := time.Date(2025, 6, 1, 12, 30, 0, 123456789, time.UTC)
	env := &xenvelope.Envelope{
		ID:                   "env-1",
		CorrelationID:        "corr-1",
		ReplyTo:              "dispatch-svc",
		TimeToLive:           90 * time.Second,
		ScheduledEnqueueTime: time.Now().Add(-time.Second),
		Properties: map[string]any{
			"tenant":    "acme",
			"attempt":   int64(3),
			"priority":  uint8(7),
			"urgent":    true,
			"issued_at": issued,
			"grace":     1500 * time.Millisecond,
		},
	}
	env.Properties[xenvelope.PropLargeBodyBlobIdentifier] = "env-1.abc"
	require.NoError(t, tr.Publish(ctx, "shipments", env))

	entries, err := client.XRange(ctx, "shipments", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	got := decodeEnvelope(entries[0].Values)
	assert.Equal(t, "env-1", got.ID)
	assert.Equal(t, "corr-1", got.CorrelationID)
	assert.Equal(t, "dispatch-svc", got.ReplyTo)
	assert.Equal(t, 90*time.Second, got.TimeToLive)
	assert.True(t, env.ScheduledEnqueueTime.Equal(got.ScheduledEnqueueTime))
	assert.Nil(t, got.Body)
	assert.Equal(t, "acme", got.Properties["tenant"])
	assert.Equal(t, int64(3), got.Properties["attempt"])
	assert.Equal(t, uint8(7), got.Properties["priority"])
	assert.Equal(t, true, got.Properties["urgent"])
	assert.Equal(t, 1500*time.Millisecond, got.Properties["grace"])
	assert.True(t, issued.Equal(got.Properties["issued_at"].(time.Time)))
	blobID, ok := got.BlobID()
	assert.True(t, ok)
	assert.Equal(t, "env-1.abc", blobID)
}

func TestPublish_RejectsNonScalarProperty(t *testing.T) {
	tr, client, _ := testTransport(t, nil)
	ctx := context.Background()

	env := testEnvelope("bad", time.Minute)
	env.Properties["nested"] = map[string]string{"a": "b"}
	require.Error(t, tr.Publish(ctx, "shipments", testEnvelope("ok", time.Minute), env))

	n, err := client.Exists(ctx, "shipments").Result()
	require.NoError(t, err)
	assert.Zero(t, n, "nothing is written when any envelope fails to encode")
	assert.Equal(t, uint64(1), tr.Stats().PublishErrors)
}

func TestPublish_BatchIsPipelined(t *testing.T) {
	tr, client, _ := testTransport(t, func(c *Config) { c.MaxLenApprox = 1000 })
	ctx := context.Background()

	const batchSize = 100
	envs := make([]*xenvelope.Envelope, batchSize)
	for i := range envs {
		envs[i] = testEnvelope(fmt.Sprintf("b-%d", i), time.Minute)
	}
	require.NoError(t, tr.Publish(ctx, "shipments", envs...))

	n, err := client.XLen(ctx, "shipments").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(batchSize), n)
	assert.Equal(t, uint64(batchSize), tr.Stats().Published)
}

func TestSubscribe_ConsumesAllEnvelopes(t *testing.T) {
	tr, _, _ := testTransport(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const total = 50
	var mu sync.Mutex
	seen := make(map[string]bool, total)
	done := make(chan struct{})
	var once sync.Once

	sub, err := tr.Subscribe(ctx, "shipments", "dispatch", func(d xenvelope.Delivery) {
		assert.NoError(t, d.Ack(ctx))
		mu.Lock()
		seen[d.Envelope().ID] = true
		n := len(seen)
		mu.Unlock()
		if n == total {
			once.Do(func() { close(done) })
		}
	})
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	for i := range total {
		require.NoError(t, tr.Publish(ctx, "shipments", testEnvelope(fmt.Sprintf("s-%d", i), time.Minute)))
	}

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatalf("timeout: consumed %d/%d", len(seen), total)
	}
	assert.Eventually(t, func() bool { return tr.Stats().Acked == total }, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribe_AcksExpiredWithoutDelivery(t *testing.T) {
	tr, _, _ := testTransport(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var delivered atomic.Int32
	sub, err := tr.Subscribe(ctx, "shipments", "dispatch", func(d xenvelope.Delivery) {
		delivered.Add(1)
		_ = d.Ack(ctx)
	})
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	require.NoError(t, tr.Publish(ctx, "shipments",
		testEnvelope("stale", -time.Second),
		testEnvelope("fresh", time.Minute),
	))

	assert.Eventually(t, func() bool {
		s := tr.Stats()
		return s.Expired == 1 && s.Acked == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), delivered.Load())
}

func TestScheduled_ParkedUntilDue(t *testing.T) {
	clk := &manualClock{now: time.Now()}
	tr, client, mr := testTransport(t, func(c *Config) { c.Clock = clk })
	ctx := context.Background()

	env := testEnvelope("later", time.Hour)
	env.ScheduledEnqueueTime = clk.Now().Add(time.Minute)
	require.NoError(t, tr.Publish(ctx, "shipments", env))

	assert.False(t, mr.Exists("shipments"))
	assert.True(t, mr.Exists("shipments"+scheduledEntryPrefix+"later"))
	assert.Equal(t, uint64(1), tr.Stats().Scheduled)

	moved, err := tr.promoteDue(ctx, "shipments")
	require.NoError(t, err)
	assert.Zero(t, moved)

	clk.Advance(time.Minute)
	moved, err = tr.promoteDue(ctx, "shipments")
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	entries, err := client.XRange(ctx, "shipments", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	got := decodeEnvelope(entries[0].Values)
	assert.Equal(t, "later", got.ID)
	assert.Equal(t, env.Body, got.Body)
	assert.False(t, mr.Exists("shipments"+scheduledEntryPrefix+"later"))

	moved, err = tr.promoteDue(ctx, "shipments")
	require.NoError(t, err)
	assert.Zero(t, moved, "promotion happens once")
}

func TestScheduled_DeliveredBySubscription(t *testing.T) {
	tr, _, _ := testTransport(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan time.Time, 1)
	sub, err := tr.Subscribe(ctx, "reminders", "mailer", func(d xenvelope.Delivery) {
		_ = d.Ack(ctx)
		got <- time.Now()
	})
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	delay := 150 * time.Millisecond
	start := time.Now()
	env := testEnvelope("remind-1", time.Minute)
	env.ScheduledEnqueueTime = start.Add(delay)
	require.NoError(t, tr.Publish(ctx, "reminders", env))

	select {
	case at := <-got:
		assert.GreaterOrEqual(t, at.Sub(start), delay-10*time.Millisecond)
	case <-ctx.Done():
		t.Fatal("scheduled envelope never delivered")
	}
	assert.Equal(t, uint64(1), tr.Stats().Promoted)
}

func TestNack_WritesToDeadLetter(t *testing.T) {
	tr, client, _ := testTransport(t, func(c *Config) { c.DeadLetter = "shipments-dlq" })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := tr.Subscribe(ctx, "shipments", "dispatch", func(d xenvelope.Delivery) {
		_ = d.Nack(ctx, errors.New("carrier rejected"))
	})
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	require.NoError(t, tr.Publish(ctx, "shipments", testEnvelope("poison", time.Minute)))

	assert.Eventually(t, func() bool {
		n, err := client.XLen(ctx, "shipments-dlq").Result()
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	entries, err := client.XRange(ctx, "shipments-dlq", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "carrier rejected", entries[0].Values[fieldError])
	assert.Equal(t, "shipments", entries[0].Values[fieldOrigTopic])
	assert.Equal(t, "poison", decodeEnvelope(entries[0].Values).ID)

	assert.Eventually(t, func() bool {
		s := tr.Stats()
		return s.Nacked == 1 && s.DeadLettered == 1 && s.Acked == 1
	}, time.Second, 10*time.Millisecond)
}

func TestNack_WithoutDeadLetterLeavesPending(t *testing.T) {
	tr, _, _ := testTransport(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := tr.Subscribe(ctx, "shipments", "dispatch", func(d xenvelope.Delivery) {
		_ = d.Nack(ctx, errors.New("retry later"))
	})
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	require.NoError(t, tr.Publish(ctx, "shipments", testEnvelope("retry", time.Minute)))

	assert.Eventually(t, func() bool { return tr.Stats().Nacked == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, tr.Stats().Acked)
}

func TestClient_SendAndConsumeOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reg := xenvelope.NewPayloadRegistry()
	xenvelope.MustRegister[shipmentBooked](reg, "logistics.shipment-booked")

	cfg := Defaults()
	cfg.Addr = mr.Addr()
	cfg.Block = 50 * time.Millisecond
	client := Use(cfg, WithCodec(func(cb *xenvelope.CodecBuilder) {
		cb.WithRegistry(reg)
	}))
	defer func() { _ = client.Close(context.Background()) }()

	got := make(chan *xenvelope.Incoming, 1)
	sub, err := client.Subscribe(ctx, "shipments", "dispatch", func(_ context.Context, in *xenvelope.Incoming) error {
		got <- in
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	msg := xenvelope.NewMessage(xclock.Default(), "booking-svc", shipmentBooked{ShipmentID: "sh-9", Carrier: "dhl", Parcels: 2}, time.Minute).
		WithProperty("region", "eu-west").
		WithReplyTo("booking-replies")
	dc := xenvelope.NewDispatchContext()
	_, err = client.Send(ctx, "shipments", dc, msg)
	require.NoError(t, err)

	select {
	case in := <-got:
		sb, ok := xenvelope.PayloadAs[shipmentBooked](in.Message)
		require.True(t, ok)
		assert.Equal(t, "sh-9", sb.ShipmentID)
		assert.Equal(t, 2, sb.Parcels)
		assert.Equal(t, "eu-west", in.Message.Properties["region"])
		assert.Equal(t, "booking-replies", in.Message.ReplyTo)
		assert.Equal(t, dc.CorrelationID, in.Dispatch.CorrelationID)
		assert.Equal(t, msg.ID, in.Dispatch.CausationID.UUID)
	case <-ctx.Done():
		t.Fatal("timeout waiting for delivery")
	}
}

func TestConfig_FromMapAndValidate(t *testing.T) {
	cfg := ConfigFromMap(map[string]any{
		"addr":              "redis:6380",
		"group":             "billing",
		"block":             "250ms",
		"schedule_interval": 2 * time.Second,
		"claim_min_idle":    "30s",
		"dead_letter":       "billing-dlq",
		"concurrency":       0,
	})
	assert.Equal(t, "redis:6380", cfg.Addr)
	assert.Equal(t, "billing", cfg.Group)
	assert.Equal(t, 250*time.Millisecond, cfg.Block)
	assert.Equal(t, 2*time.Second, cfg.ScheduleInterval)
	assert.Equal(t, 30*time.Second, cfg.ClaimMinIdle)
	assert.Equal(t, "billing-dlq", cfg.DeadLetter)
	assert.Equal(t, 8, cfg.Concurrency, "non-positive values keep the default")
	require.NoError(t, cfg.Validate())

	back := ConfigFromMap(cfg.toMap())
	assert.Equal(t, cfg, back)

	cfg.Block = 0
	assert.Error(t, cfg.Validate())
	_, err := NewTransport(cfg)
	assert.Error(t, err)
}
