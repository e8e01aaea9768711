// Package s3store keeps externalized envelope bodies in an S3 (or S3
// compatible) bucket.
//
// Store name: "s3"
//
// Objects carry the message expiry both as the Expires header and as user
// metadata; Retrieve treats an object past its expiry as missing. Pair the
// bucket with a lifecycle rule to reclaim space.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/trickstertwo/xclock"

	"github.com/trickstertwo/xenvelope"
)

const StoreName = "s3"

// metaExpiresAt is the user metadata key holding the expiry (RFC3339Nano).
// S3 returns metadata keys lower-cased.
const metaExpiresAt = "xenvelope-expires-at"

func init() {
	if err := xenvelope.RegisterStore(StoreName, func(cfg map[string]any) (xenvelope.LargeBodyStore, error) {
		c := ConfigFromMap(cfg)
		if err := c.Validate(); err != nil {
			return nil, err
		}
		return New(s3.NewFromConfig(c.awsConfig(), func(o *s3.Options) {
			o.UsePathStyle = c.UsePathStyle
		}), c), nil
	}); err != nil {
		panic(fmt.Errorf("xenvelope: failed to register store %q: %w", StoreName, err))
	}
}

// API is the part of *s3.Client the store uses.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

var _ API = (*s3.Client)(nil)

// Config for the S3 large-body store.
type Config struct {
	Bucket string
	// Prefix is prepended to every object key (default "xenvelope/").
	Prefix string

	// Used only by the registered factory; New takes a ready client.
	Region          string
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string

	// Clock decides expiry on read; defaults to xclock.Default(). Not settable from a map.
	Clock xenvelope.Clock
}

func Defaults() Config {
	return Config{
		Prefix: "xenvelope/",
		Region: "us-east-1",
	}
}

func (c Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("config: bucket required")
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return fmt.Errorf("config: access_key_id and secret_access_key must be set together")
	}
	return nil
}

// ConfigFromMap safely converts generic map to Config with defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	str := func(k string, dst *string) {
		if v, ok := m[k].(string); ok && v != "" {
			*dst = v
		}
	}
	str("bucket", &c.Bucket)
	str("prefix", &c.Prefix)
	str("region", &c.Region)
	str("endpoint", &c.Endpoint)
	str("access_key_id", &c.AccessKeyID)
	str("secret_access_key", &c.SecretAccessKey)
	if v, ok := m["use_path_style"].(bool); ok {
		c.UsePathStyle = v
	}
	return c
}

func (c Config) awsConfig() aws.Config {
	cfg := aws.Config{Region: c.Region}
	if c.Endpoint != "" {
		cfg.BaseEndpoint = aws.String(c.Endpoint)
	}
	if c.AccessKeyID != "" {
		creds := aws.Credentials{AccessKeyID: c.AccessKeyID, SecretAccessKey: c.SecretAccessKey, Source: "xenvelope-s3store"}
		cfg.Credentials = aws.NewCredentialsCache(aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return creds, nil
		}))
	} else {
		cfg.Credentials = aws.AnonymousCredentials{}
	}
	return cfg
}

// Store implements xenvelope.LargeBodyStore on S3 objects.
type Store struct {
	api    API
	bucket string
	prefix string
	clock  xenvelope.Clock

	stored    atomic.Uint64
	retrieved atomic.Uint64
	misses    atomic.Uint64
}

var _ xenvelope.LargeBodyStore = (*Store)(nil)

func New(api API, cfg Config) *Store {
	var clk xenvelope.Clock = cfg.Clock
	if clk == nil {
		clk = xclock.Default()
	}
	return &Store{api: api, bucket: cfg.Bucket, prefix: cfg.Prefix, clock: clk}
}

func (s *Store) Store(ctx context.Context, id string, data []byte, expiresAt time.Time) (string, error) {
	blobID := xenvelope.BlobKey(id, data)
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.prefix + blobID),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
		Expires:       aws.Time(expiresAt),
		Metadata:      map[string]string{metaExpiresAt: expiresAt.UTC().Format(time.RFC3339Nano)},
	})
	if err != nil {
		return "", xenvelope.NewErrStoreFailed("store", err)
	}
	s.stored.Add(1)
	return blobID, nil
}

func (s *Store) Retrieve(ctx context.Context, blobID string) ([]byte, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + blobID),
	})
	if err != nil {
		if isNotFound(err) {
			s.misses.Add(1)
			return nil, xenvelope.NewErrBlobNotFound(blobID)
		}
		return nil, xenvelope.NewErrStoreFailed("retrieve", err)
	}
	defer out.Body.Close()

	if at, ok := expiry(out); ok && !s.clock.Now().Before(at) {
		s.misses.Add(1)
		return nil, xenvelope.NewErrBlobNotFound(blobID)
	}

	data, err := io.ReadAll(out.Body)
	if err != nil {
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

// expiry prefers the metadata value; the Expires header is the fallback for
// objects written by other tools.
func expiry(out *s3.GetObjectOutput) (time.Time, bool) {
	if raw, ok := out.Metadata[metaExpiresAt]; ok {
		if at, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return at, true
		}
	}
	if out.Expires != nil {
		return *out.Expires, true
	}
	return time.Time{}, false
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
