package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xenvelope"
)

const StoreName = "memory"

func init() {
	if err := xenvelope.RegisterStore(StoreName, func(map[string]any) (xenvelope.LargeBodyStore, error) {
		return NewStore(nil), nil
	}); err != nil {
		panic(fmt.Errorf("xenvelope/memory: failed to register store: %w", err))
	}
}

// Store is an in-process LargeBodyStore. Blobs expire at the message expiry;
// expired blobs are invisible to Retrieve and reclaimed by Sweep.
type Store struct {
	clock xenvelope.Clock

	mu    sync.RWMutex
	blobs map[string]blob

	stored    atomic.Uint64
	retrieved atomic.Uint64
	misses    atomic.Uint64
}

type blob struct {
	data      []byte
	expiresAt time.Time
}

var _ xenvelope.LargeBodyStore = (*Store)(nil)

// NewStore creates an empty store; a nil clock means xclock.Default().
func NewStore(clk xenvelope.Clock) *Store {
	if clk == nil {
		clk = xclock.Default()
	}
	return &Store{clock: clk, blobs: make(map[string]blob)}
}

func (s *Store) Store(ctx context.Context, id string, data []byte, expiresAt time.Time) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := xenvelope.BlobKey(id, data)
	b := blob{data: append([]byte(nil), data...), expiresAt: expiresAt}

	s.mu.Lock()
	s.blobs[key] = b
	s.mu.Unlock()
	s.stored.Add(1)
	return key, nil
}

func (s *Store) Retrieve(ctx context.Context, blobID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	b, ok := s.blobs[blobID]
	s.mu.RUnlock()
	if !ok || b.expired(s.clock.Now()) {
		s.misses.Add(1)
		return nil, xenvelope.NewErrBlobNotFound(blobID)
	}
	s.retrieved.Add(1)
	return b.data, nil
}

// Sweep drops expired blobs and returns how many were removed.
func (s *Store) Sweep() int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, b := range s.blobs {
		if b.expired(now) {
			delete(s.blobs, k)
			n++
		}
	}
	return n
}

// Len returns the number of blobs held, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

// StoreStats returns store telemetry.
type StoreStats struct {
	Stored    uint64
	Retrieved uint64
	Misses    uint64
}

func (s *Store) Stats() StoreStats {
	return StoreStats{
		Stored:    s.stored.Load(),
		Retrieved: s.retrieved.Load(),
		Misses:    s.misses.Load(),
	}
}

func (b blob) expired(now time.Time) bool {
	return !b.expiresAt.IsZero() && !now.Before(b.expiresAt)
}
