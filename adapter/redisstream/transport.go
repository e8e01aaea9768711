package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xclock"

	"github.com/trickstertwo/xenvelope"
)

// Transport carries envelopes over Redis Streams.
type Transport struct {
	cfg    Config
	clock  xenvelope.Clock
	client *redis.Client

	closeOnce sync.Once
	closed    atomic.Bool

	// delivery pool to reduce per-message allocations
	dpool sync.Pool

	// metrics for observability
	metrics *transportMetrics
}

// transportMetrics tracks performance telemetry
type transportMetrics struct {
	published     atomic.Uint64
	scheduled     atomic.Uint64
	promoted      atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	deadLettered  atomic.Uint64
	expired       atomic.Uint64
	claimed       atomic.Uint64
	poolHits      atomic.Uint64
	poolMisses    atomic.Uint64
	publishErrors atomic.Uint64
	consumeErrors atomic.Uint64
}

var _ xenvelope.Transport = (*Transport)(nil)

// NewTransport validates cfg, connects and pings Redis.
func NewTransport(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 5,
	}

	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, err
	}

	var clk xenvelope.Clock = cfg.Clock
	if clk == nil {
		clk = xclock.Default()
	}

	t := &Transport{
		cfg:     cfg,
		clock:   clk,
		client:  client,
		metrics: &transportMetrics{},
		dpool: sync.Pool{
			New: func() any { return new(delivery) },
		},
	}

	return t, nil
}

// Publish sends envelopes to a topic using Redis XADD (pipelined for batch efficiency).
// Envelopes scheduled in the future are parked until the promoter moves them onto the stream.
func (t *Transport) Publish(ctx context.Context, topic string, envs ...*xenvelope.Envelope) error {
	if t.closed.Load() {
		return errors.New("redisstream: transport is closed")
	}
	if len(envs) == 0 {
		return nil
	}

	now := t.clock.Now()
	pipe := t.client.Pipeline()
	var queued, scheduled uint64

	for _, env := range envs {
		if env == nil {
			continue
		}
		vals, err := encodeEnvelope(env)
		if err != nil {
			t.metrics.publishErrors.Add(1)
			return err
		}

		if env.ScheduledEnqueueTime.After(now) {
			pipe.HSet(ctx, topic+scheduledEntryPrefix+env.ID, vals)
			pipe.ZAdd(ctx, topic+scheduledSetSuffix, redis.Z{
				Score:  float64(env.ScheduledEnqueueTime.UnixMilli()),
				Member: env.ID,
			})
			scheduled++
			continue
		}

		pipe.XAdd(ctx, t.xaddArgs(topic, vals))
		queued++
	}
	if queued+scheduled == 0 {
		return nil
	}

	if _, err := pipe.Exec(ctx); err != nil {
		t.metrics.publishErrors.Add(queued + scheduled)
		return err
	}

	t.metrics.published.Add(queued)
	t.metrics.scheduled.Add(scheduled)
	return nil
}

func (t *Transport) xaddArgs(topic string, vals map[string]any) *redis.XAddArgs {
	args := &redis.XAddArgs{
		Stream: topic,
		ID:     "*", // Let Redis generate ID
		Values: vals,
	}

	// Approximate trimming to keep stream bounded
	if t.cfg.MaxLenApprox > 0 {
		args.MaxLen = t.cfg.MaxLenApprox
		args.Approx = true
	}
	return args
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

// Subscribe listens to a topic/group with configurable concurrency and batching.
func (t *Transport) Subscribe(ctx context.Context, topic, group string, handler func(xenvelope.Delivery)) (xenvelope.Subscription, error) {
	if t.closed.Load() {
		return nil, errors.New("redisstream: transport is closed")
	}

	// Ensure consumer group exists (idempotent)
	if t.cfg.AutoCreate {
		if err := t.client.XGroupCreateMkStream(ctx, topic, group, "$").Err(); err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("redisstream: create group %q on %q: %w", group, topic, err)
		}
	}

	innerCtx, cancel := context.WithCancel(ctx)
	workers := max(1, t.cfg.Concurrency)

	// Buffered work channel (buffer = 2x workers for burst absorption)
	workCh := make(chan *delivery, workers*2)

	// Start worker goroutines for concurrent handling
	workerWG := &sync.WaitGroup{}
	workerWG.Add(workers)
	for range workers {
		go func() {
			defer workerWG.Done()
			for d := range workCh {
				handler(d)
				// Return delivery object to pool immediately after use
				t.releaseDelivery(d)
			}
		}()
	}

	// Producers feed workCh; it is closed only after all of them returned.
	producerWG := &sync.WaitGroup{}
	producerWG.Add(2)
	go func() {
		defer producerWG.Done()
		t.pollerLoop(innerCtx, topic, group, workCh)
	}()
	go func() {
		defer producerWG.Done()
		t.scheduleLoop(innerCtx, topic)
	}()

	// Optional pending entry recovery loop (claims messages stuck on other consumers)
	if t.cfg.ClaimMinIdle > 0 && t.cfg.ClaimInterval > 0 && t.cfg.ClaimBatch > 0 {
		producerWG.Add(1)
		go func() {
			defer producerWG.Done()
			t.claimLoop(innerCtx, topic, group, workCh)
		}()
	}

	done := make(chan struct{})
	go func() {
		producerWG.Wait()
		close(workCh) // Signal workers to exit
		workerWG.Wait()
		close(done)
	}()

	return &subscription{
		close: func() error {
			cancel()
			<-done
			return nil
		},
	}, nil
}

// pollerLoop reads from Redis Streams and distributes envelopes to workers.
func (t *Transport) pollerLoop(ctx context.Context, topic, group string, workCh chan<- *delivery) {
	xArgs := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: t.cfg.Consumer,
		Streams:  []string{topic, ">"},
		Count:    int64(max(1, t.cfg.BatchSize)),
		Block:    t.cfg.Block,
		NoAck:    false,
	}

	backoff := time.Millisecond * 100
	maxBackoff := time.Second * 5

	for {
		// Fast exit on context cancellation
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := t.client.XReadGroup(ctx, xArgs).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}

			if errors.Is(err, redis.Nil) {
				// Block timeout (expected), continue polling
				backoff = time.Millisecond * 100
				continue
			}

			// Transient error: exponential backoff
			t.metrics.consumeErrors.Add(1)
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			}
			continue
		}

		// Reset backoff on successful read
		backoff = time.Millisecond * 100

		for _, stream := range res {
			if !t.dispatch(ctx, topic, group, stream.Messages, workCh) {
				return
			}
		}
	}
}

// dispatch hands live entries to workers and acks expired ones.
// It returns false once ctx is done.
func (t *Transport) dispatch(ctx context.Context, topic, group string, msgs []redis.XMessage, workCh chan<- *delivery) bool {
	for _, msg := range msgs {
		env := decodeEnvelope(msg.Values)
		if t.expired(msg.ID, env) {
			t.metrics.expired.Add(1)
			_ = t.client.XAck(ctx, topic, group, msg.ID).Err()
			if t.cfg.AutoDeleteOnAck {
				_ = t.client.XDel(ctx, topic, msg.ID).Err()
			}
			continue
		}

		d := t.newDelivery()
		d.t = t
		d.topic = topic
		d.group = group
		d.id = msg.ID
		d.env = env
		d.onceAck = &sync.Once{}

		t.metrics.consumed.Add(1)

		select {
		case workCh <- d:
			// Envelope queued for processing
		case <-ctx.Done():
			t.releaseDelivery(d)
			return false
		}
	}
	return true
}

// expired reports whether env's time to live ran out since the entry was added.
// The stream ID carries the add time in milliseconds.
func (t *Transport) expired(streamID string, env *xenvelope.Envelope) bool {
	ms, _, _ := strings.Cut(streamID, "-")
	added, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return false
	}
	return !t.clock.Now().Before(time.UnixMilli(added).Add(env.TimeToLive))
}

// scheduleLoop moves due scheduled envelopes onto the stream.
func (t *Transport) scheduleLoop(ctx context.Context, topic string) {
	ticker := time.NewTicker(t.cfg.ScheduleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := t.promoteDue(ctx, topic); err != nil && ctx.Err() == nil {
			t.metrics.consumeErrors.Add(1)
		}
	}
}

// promoteDue XADDs every scheduled envelope whose time has come and returns
// how many it moved. Concurrent promoters are safe: ZREM decides the owner.
func (t *Transport) promoteDue(ctx context.Context, topic string) (int, error) {
	set := topic + scheduledSetSuffix
	ids, err := t.client.ZRangeByScore(ctx, set, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(t.clock.Now().UnixMilli(), 10),
		Count: int64(max(1, t.cfg.BatchSize)),
	}).Result()
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, id := range ids {
		n, err := t.client.ZRem(ctx, set, id).Result()
		if err != nil {
			return moved, err
		}
		if n == 0 {
			continue // another promoter took it
		}

		key := topic + scheduledEntryPrefix + id
		fields, err := t.client.HGetAll(ctx, key).Result()
		if err != nil {
			return moved, err
		}
		if len(fields) == 0 {
			continue
		}
		vals := make(map[string]any, len(fields))
		for k, v := range fields {
			vals[k] = v
		}
		if err := t.client.XAdd(ctx, t.xaddArgs(topic, vals)).Err(); err != nil {
			return moved, err
		}
		_ = t.client.Del(ctx, key).Err()
		t.metrics.promoted.Add(1)
		moved++
	}
	return moved, nil
}

// newDelivery gets a delivery from the pool or allocates a new one.
func (t *Transport) newDelivery() *delivery {
	v := t.dpool.Get()
	if v == nil {
		t.metrics.poolMisses.Add(1)
		return &delivery{}
	}

	t.metrics.poolHits.Add(1)
	d := v.(*delivery)
	d.reset()
	return d
}

// releaseDelivery returns a delivery to the pool after clearing references.
func (t *Transport) releaseDelivery(d *delivery) {
	if d == nil {
		return
	}
	d.reset()
	t.dpool.Put(d)
}

// claimLoop periodically claims pending entries idle on other (likely dead)
// consumers and hands them to this subscription's workers.
func (t *Transport) claimLoop(ctx context.Context, topic, group string, workCh chan<- *delivery) {
	ticker := time.NewTicker(t.cfg.ClaimInterval)
	defer ticker.Stop()

	batch := int64(max(1, t.cfg.ClaimBatch))
	minIdle := t.cfg.ClaimMinIdle
	consumer := t.cfg.Consumer

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Get pending entries that haven't been acked and are idle > minIdle
		pending, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: topic,
			Group:  group,
			Start:  "-",
			End:    "+",
			Count:  batch,
			Idle:   minIdle,
		}).Result()
		if err != nil || len(pending) == 0 {
			continue
		}

		ids := make([]string, 0, len(pending))
		for _, p := range pending {
			ids = append(ids, p.ID)
		}

		claimed, err := t.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   topic,
			Group:    group,
			Consumer: consumer,
			MinIdle:  minIdle,
			Messages: ids,
		}).Result()
		if err != nil {
			continue
		}
		t.metrics.claimed.Add(uint64(len(claimed)))
		if !t.dispatch(ctx, topic, group, claimed, workCh) {
			return
		}
	}
}

// Close gracefully shuts down the transport.
func (t *Transport) Close(_ context.Context) error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		err = t.client.Close()
	})
	return err
}

// Stats returns transport telemetry.
type Stats struct {
	Published     uint64
	Scheduled     uint64
	Promoted      uint64
	Consumed      uint64
	Acked         uint64
	Nacked        uint64
	DeadLettered  uint64
	Expired       uint64
	Claimed       uint64
	PublishErrors uint64
	ConsumeErrors uint64
}

func (t *Transport) Stats() Stats {
	return Stats{
		Published:     t.metrics.published.Load(),
		Scheduled:     t.metrics.scheduled.Load(),
		Promoted:      t.metrics.promoted.Load(),
		Consumed:      t.metrics.consumed.Load(),
		Acked:         t.metrics.acked.Load(),
		Nacked:        t.metrics.nacked.Load(),
		DeadLettered:  t.metrics.deadLettered.Load(),
		Expired:       t.metrics.expired.Load(),
		Claimed:       t.metrics.claimed.Load(),
		PublishErrors: t.metrics.publishErrors.Load(),
		ConsumeErrors: t.metrics.consumeErrors.Load(),
	}
}

// Helper functions

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}

	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}

	return nil
}
