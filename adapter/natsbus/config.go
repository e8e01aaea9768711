package natsbus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/trickstertwo/xenvelope"
)

// Config for the NATS transport and the JetStream object store.
type Config struct {
	// Connection
	URL  string
	Name string

	// Transport
	SubjectPrefix string
	Concurrency   int
	DeadLetter    string
	FlushTimeout  time.Duration

	// Object store
	Bucket       string
	BucketMaxAge time.Duration
	Storage      string // "file" or "memory"
	Replicas     int

	// Clock decides schedule and expiry; defaults to xclock.Default(). Not settable from a map.
	Clock xenvelope.Clock
}

// Defaults returns a Config for a local NATS server.
func Defaults() Config {
	return Config{
		URL:          nats.DefaultURL,
		Name:         "xenvelope",
		Concurrency:  4,
		FlushTimeout: 2 * time.Second,
		Bucket:       "xenvelope-bodies",
		Storage:      "file",
		Replicas:     1,
	}
}

func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("config: url required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("config: concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.FlushTimeout <= 0 {
		return fmt.Errorf("config: flush_timeout must be > 0, got %v", c.FlushTimeout)
	}
	if c.Storage != "file" && c.Storage != "memory" {
		return fmt.Errorf("config: storage must be file or memory, got %q", c.Storage)
	}
	return nil
}

func (c Config) storageType() jetstream.StorageType {
	if c.Storage == "memory" {
		return jetstream.MemoryStorage
	}
	return jetstream.FileStorage
}

// ConfigFromMap safely converts generic map to Config with defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	if v, ok := m["url"].(string); ok && v != "" {
		c.URL = v
	}
	if v, ok := m["name"].(string); ok && v != "" {
		c.Name = v
	}
	if v, ok := m["subject_prefix"].(string); ok {
		c.SubjectPrefix = v
	}
	if v, ok := m["concurrency"].(int); ok && v > 0 {
		c.Concurrency = v
	}
	if v, ok := m["dead_letter"].(string); ok {
		c.DeadLetter = v
	}
	if v, ok := duration(m["flush_timeout"]); ok && v > 0 {
		c.FlushTimeout = v
	}
	if v, ok := m["bucket"].(string); ok && v != "" {
		c.Bucket = v
	}
	if v, ok := duration(m["bucket_max_age"]); ok {
		c.BucketMaxAge = v
	}
	if v, ok := m["storage"].(string); ok && v != "" {
		c.Storage = v
	}
	if v, ok := m["replicas"].(int); ok && v > 0 {
		c.Replicas = v
	}
	return c
}

func duration(v any) (time.Duration, bool) {
	switch d := v.(type) {
	case time.Duration:
		return d, true
	case string:
		p, err := time.ParseDuration(d)
		return p, err == nil
	}
	return 0, false
}

func connect(cfg Config) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("natsbus: connect %s: %w", cfg.URL, err)
	}
	return nc, nil
}
