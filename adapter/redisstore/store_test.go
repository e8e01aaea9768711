package redisstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xenvelope"
	"github.com/trickstertwo/xenvelope/adapter/redisstore"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newStore(t *testing.T, clk xenvelope.Clock) (*redisstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := redisstore.Defaults()
	cfg.Addr = mr.Addr()
	cfg.Clock = clk
	s, err := redisstore.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestStore_WritesWithMessageExpiry(t *testing.T) {
	clk := fixedClock{now: time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)}
	s, mr := newStore(t, clk)
	ctx := context.Background()

	data := []byte("a body too large to travel inline")
	blobID, err := s.Store(ctx, "msg-1", data, clk.now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, xenvelope.BlobKey("msg-1", data), blobID)

	key := "xenvelope:blob:" + blobID
	assert.True(t, mr.Exists(key))
	assert.Equal(t, 10*time.Minute, mr.TTL(key))

	again, err := s.Store(ctx, "msg-1", data, clk.now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, blobID, again)
	assert.Len(t, mr.Keys(), 1, "rewriting the same bytes reuses the blob")

	got, err := s.Retrieve(ctx, blobID)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	mr.FastForward(10 * time.Minute)
	_, err = s.Retrieve(ctx, blobID)
	var nf *xenvelope.ErrBlobNotFound
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, blobID, nf.BlobID)

	st := s.Stats()
	assert.Equal(t, uint64(2), st.Stored)
	assert.Equal(t, uint64(1), st.Retrieved)
	assert.Equal(t, uint64(1), st.Misses)
}

func TestStore_ClampsExpiredTTL(t *testing.T) {
	clk := fixedClock{now: time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)}
	s, mr := newStore(t, clk)

	blobID, err := s.Store(context.Background(), "late", []byte("x"), clk.now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, time.Second, mr.TTL("xenvelope:blob:"+blobID))
}

func TestStore_UnavailableRedisIsStoreFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	s := redisstore.NewWithClient(client, redisstore.Config{KeyPrefix: "b:"})

	mr.Close()
	_, err := s.Store(context.Background(), "m", []byte("x"), time.Now().Add(time.Minute))
	var sf *xenvelope.ErrStoreFailed
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, "store", sf.Op)

	_, err = s.Retrieve(context.Background(), "m.1")
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, "retrieve", sf.Op)
	assert.False(t, errors.As(err, new(*xenvelope.ErrBlobNotFound)))
}

func TestStore_RegisteredFactoryAndCodec(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := xenvelope.NewStore(redisstore.StoreName, map[string]any{
		"addr":       mr.Addr(),
		"key_prefix": "env:",
		"min_ttl":    "2s",
	})
	require.NoError(t, err)
	defer func() { _ = store.(*redisstore.Store).Close() }()

	codec, err := xenvelope.NewCodecBuilder().
		WithConfig(xenvelope.Config{MaxSmallMessageSize: 16, MaxLargeMessageSize: 1 << 20}).
		WithCompressor(xenvelope.CompressionNone).
		WithStore(store).
		Build()
	require.NoError(t, err)

	ctx := context.Background()
	msg := xenvelope.NewMessage(fixedClock{now: time.Now()}, "reports", map[string]any{"rows": 1200, "title": "quarterly revenue"}, time.Hour)
	env, err := codec.Encode(ctx, xenvelope.NewDispatchContext(), msg)
	require.NoError(t, err)
	require.True(t, env.IsExternalized())

	blobID, _ := env.BlobID()
	assert.True(t, mr.Exists("env:"+blobID))

	out, err := codec.Decode(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, out.ID)
	assert.Equal(t, "quarterly revenue", out.Payload.(map[string]any)["title"])
}
