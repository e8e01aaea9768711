// Package redisstore keeps externalized envelope bodies in Redis.
//
// Store name: "redis"
//
// Each blob is a plain string key written with SET ... PX so Redis reclaims it
// when the message expires. The TTL is clamped to MinTTL: an already expired
// message still gets a short-lived blob instead of an encode error.
package redisstore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xclock"

	"github.com/trickstertwo/xenvelope"
)

const StoreName = "redis"

func init() {
	if err := xenvelope.RegisterStore(StoreName, func(cfg map[string]any) (xenvelope.LargeBodyStore, error) {
		return New(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xenvelope: failed to register store %q: %w", StoreName, err))
	}
}

// Config for the Redis large-body store.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// KeyPrefix is prepended to every blob id (default "xenvelope:blob:").
	KeyPrefix string
	// MinTTL is the shortest expiry ever written (default 1s).
	MinTTL time.Duration

	// Clock turns absolute expiry into a TTL; defaults to xclock.Default(). Not settable from a map.
	Clock xenvelope.Clock
}

// Defaults returns a Config pointing at a local Redis.
func Defaults() Config {
	return Config{
		Addr:      "127.0.0.1:6379",
		KeyPrefix: "xenvelope:blob:",
		MinTTL:    time.Second,
	}
}

func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.MinTTL < time.Millisecond {
		return fmt.Errorf("config: min_ttl must be >= 1ms, got %v", c.MinTTL)
	}
	return nil
}

// ConfigFromMap safely converts generic map to Config with defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	if v, ok := m["addr"].(string); ok && v != "" {
		c.Addr = v
	}
	if v, ok := m["username"].(string); ok {
		c.Username = v
	}
	if v, ok := m["password"].(string); ok {
		c.Password = v
	}
	if v, ok := m["db"].(int); ok {
		c.DB = v
	}
	if v, ok := m["tls"].(bool); ok {
		c.TLS = v
	}
	if v, ok := m["tls_server_name"].(string); ok {
		c.TLSServerName = v
	}
	if v, ok := m["key_prefix"].(string); ok {
		c.KeyPrefix = v
	}
	switch v := m["min_ttl"].(type) {
	case time.Duration:
		c.MinTTL = v
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			c.MinTTL = d
		}
	}
	return c
}

// Store implements xenvelope.LargeBodyStore on Redis strings.
type Store struct {
	client redis.UniversalClient
	prefix string
	minTTL time.Duration
	clock  xenvelope.Clock
	owned  bool

	stored    atomic.Uint64
	retrieved atomic.Uint64
	misses    atomic.Uint64
}

var _ xenvelope.LargeBodyStore = (*Store)(nil)

// New connects to Redis per cfg. The store owns the connection; Close releases it.
func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Username:   cfg.Username,
		Password:   cfg.Password,
		DB:         cfg.DB,
		MaxRetries: 3,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: cfg.TLSServerName,
		}
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstore: ping %s: %w", cfg.Addr, err)
	}

	s := NewWithClient(client, cfg)
	s.owned = true
	return s, nil
}

// NewWithClient wraps an existing client (single node, cluster or sentinel).
// Close leaves the client open.
func NewWithClient(client redis.UniversalClient, cfg Config) *Store {
	if cfg.MinTTL < time.Millisecond {
		cfg.MinTTL = time.Second
	}
	var clk xenvelope.Clock = cfg.Clock
	if clk == nil {
		clk = xclock.Default()
	}
	return &Store{
		client: client,
		prefix: cfg.KeyPrefix,
		minTTL: cfg.MinTTL,
		clock:  clk,
	}
}

func (s *Store) Store(ctx context.Context, id string, data []byte, expiresAt time.Time) (string, error) {
	blobID := xenvelope.BlobKey(id, data)
	ttl := max(expiresAt.Sub(s.clock.Now()), s.minTTL)

	if err := s.client.Set(ctx, s.prefix+blobID, data, ttl).Err(); err != nil {
		return "", xenvelope.NewErrStoreFailed("store", err)
	}
	s.stored.Add(1)
	return blobID, nil
}

func (s *Store) Retrieve(ctx context.Context, blobID string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.prefix+blobID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			s.misses.Add(1)
			return nil, xenvelope.NewErrBlobNotFound(blobID)
		}
		return nil, xenvelope.NewErrStoreFailed("retrieve", err)
	}
	s.retrieved.Add(1)
	return data, nil
}

// Stats returns store telemetry.
type Stats struct {
	Stored    uint64
	Retrieved uint64
	Misses    uint64
}

func (s *Store) Stats() Stats {
	return Stats{
		Stored:    s.stored.Load(),
		Retrieved: s.retrieved.Load(),
		Misses:    s.misses.Load(),
	}
}

// Close releases the connection when New created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
