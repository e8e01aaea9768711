package natsbus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/trickstertwo/xclock"

	"github.com/trickstertwo/xenvelope"
)

const StoreName = "nats-object"

// metaExpiresAt holds the message expiry (RFC3339Nano) on every object.
const metaExpiresAt = "xenvelope-expires-at"

func init() {
	if err := xenvelope.RegisterStore(StoreName, func(cfg map[string]any) (xenvelope.LargeBodyStore, error) {
		c := ConfigFromMap(cfg)
		if err := c.Validate(); err != nil {
			return nil, err
		}
		nc, err := connect(c)
		if err != nil {
			return nil, err
		}
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s, err := NewObjectStore(ctx, js, c)
		if err != nil {
			nc.Close()
			return nil, err
		}
		s.nc = nc
		return s, nil
	}); err != nil {
		panic(fmt.Errorf("xenvelope: failed to register store %q: %w", StoreName, err))
	}
}

// ObjectStore implements xenvelope.LargeBodyStore on a JetStream object store bucket.
//
// Object stores have no per-object TTL, so the message expiry is kept in object
// metadata and enforced on read; Sweep deletes expired objects and
// BucketMaxAge bounds what a missed sweep can leave behind.
type ObjectStore struct {
	obs   jetstream.ObjectStore
	clock xenvelope.Clock
	nc    *nats.Conn // set when the store owns its connection

	stored    atomic.Uint64
	retrieved atomic.Uint64
	misses    atomic.Uint64
	swept     atomic.Uint64
}

var _ xenvelope.LargeBodyStore = (*ObjectStore)(nil)

// NewObjectStore creates or updates cfg.Bucket and returns a store over it.
func NewObjectStore(ctx context.Context, js jetstream.JetStream, cfg Config) (*ObjectStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("natsbus: bucket required")
	}
	obs, err := js.CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      cfg.Bucket,
		Description: "xenvelope large message bodies",
		TTL:         cfg.BucketMaxAge,
		Storage:     cfg.storageType(),
		Replicas:    max(1, cfg.Replicas),
	})
	if err != nil {
		return nil, fmt.Errorf("natsbus: object store %q: %w", cfg.Bucket, err)
	}

	var clk xenvelope.Clock = cfg.Clock
	if clk == nil {
		clk = xclock.Default()
	}
	return &ObjectStore{obs: obs, clock: clk}, nil
}

func (s *ObjectStore) Store(ctx context.Context, id string, data []byte, expiresAt time.Time) (string, error) {
	blobID := xenvelope.BlobKey(id, data)
	_, err := s.obs.Put(ctx, jetstream.ObjectMeta{
		Name:     blobID,
		Metadata: map[string]string{metaExpiresAt: expiresAt.UTC().Format(time.RFC3339Nano)},
	}, bytes.NewReader(data))
	if err != nil {
		return "", xenvelope.NewErrStoreFailed("store", err)
	}
	s.stored.Add(1)
	return blobID, nil
}

func (s *ObjectStore) Retrieve(ctx context.Context, blobID string) ([]byte, error) {
	res, err := s.obs.Get(ctx, blobID)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			s.misses.Add(1)
			return nil, xenvelope.NewErrBlobNotFound(blobID)
		}
		return nil, xenvelope.NewErrStoreFailed("retrieve", err)
	}
	defer res.Close()

	info, err := res.Info()
	if err != nil {
		return nil, xenvelope.NewErrStoreFailed("retrieve", err)
	}
	if s.expired(info) {
		s.misses.Add(1)
		return nil, xenvelope.NewErrBlobNotFound(blobID)
	}

	data, err := io.ReadAll(res)
	if err != nil {
		return nil, xenvelope.NewErrStoreFailed("retrieve", err)
	}
	s.retrieved.Add(1)
	return data, nil
}

// Sweep deletes expired objects and returns how many were removed.
func (s *ObjectStore) Sweep(ctx context.Context) (int, error) {
	infos, err := s.obs.List(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoObjectsFound) {
			return 0, nil
		}
		return 0, err
	}
	n := 0
	for _, info := range infos {
		if !s.expired(info) {
			continue
		}
		if err := s.obs.Delete(ctx, info.Name); err != nil && !errors.Is(err, jetstream.ErrObjectNotFound) {
			return n, err
		}
		n++
	}
	s.swept.Add(uint64(n))
	return n, nil
}

func (s *ObjectStore) expired(info *jetstream.ObjectInfo) bool {
	raw, ok := info.Metadata[metaExpiresAt]
	if !ok {
		return false
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return false
	}
	return !s.clock.Now().Before(at)
}

// StoreStats returns store telemetry.
type StoreStats struct {
	Stored    uint64
	Retrieved uint64
	Misses    uint64
	Swept     uint64
}

func (s *ObjectStore) Stats() StoreStats {
	return StoreStats{
		Stored:    s.stored.Load(),
		Retrieved: s.retrieved.Load(),
		Misses:    s.misses.Load(),
		Swept:     s.swept.Load(),
	}
}

// Close releases the connection when the store owns it.
func (s *ObjectStore) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}
