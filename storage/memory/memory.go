// Package memory provides an in-memory implementation of the storage port.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/authgrid/oauthcore/storage"
)

// entry is a stored value with an optional expiry deadline.
type entry struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Store is a mutex-guarded TTL map implementing storage.Store.
// Expired entries are treated as absent on read and swept by a background
// janitor so the map does not grow without bound.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry

	janitorInterval time.Duration
	stopJanitor     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store with the default janitor interval
// (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom janitor
// interval. If janitorInterval is 0 or negative, uses the default of 1 minute.
func NewWithInterval(janitorInterval time.Duration) *Store {
	if janitorInterval <= 0 {
		janitorInterval = time.Minute
	}

	s := &Store{
		entries:         make(map[string]entry),
		janitorInterval: janitorInterval,
		stopJanitor:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.janitorLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// Stop gracefully stops the janitor goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopJanitor) })
}

// Get returns the value at key, or storage.ErrNotFound if absent or expired.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || e.expired(time.Now()) {
		return nil, storage.ErrNotFound
	}

	// Return a copy so callers cannot mutate the stored slice.
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// PutWithTTL stores value at key. A zero ttl means no expiry.
func (s *Store) PutWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	var deadline time.Time
	if ttl > 0 {
		deadline = time.Now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[key] = entry{value: stored, expiresAt: deadline}
	s.mu.Unlock()

	return nil
}

// Increment atomically increments the decimal counter at key and returns the
// post-increment value. The key's expiry deadline is preserved.
//
// An absent or expired counter returns storage.ErrNotFound: counters are only
// ever created explicitly, alongside the record they guard, so an expired
// counter must not resurrect.
func (s *Store) Increment(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock() // write lock: the read-increment-write must be atomic
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.expired(time.Now()) {
		return 0, storage.ErrNotFound
	}

	n, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, err
	}

	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	s.entries[key] = e

	return n, nil
}

// Delete removes the given keys. Absent keys are ignored.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	for _, key := range keys {
		delete(s.entries, key)
	}
	s.mu.Unlock()

	return nil
}

// Keys returns all live keys with the given prefix.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0)
	for key, e := range s.entries {
		if strings.HasPrefix(key, prefix) && !e.expired(now) {
			keys = append(keys, key)
		}
	}

	return keys, nil
}

// Len reports the number of stored entries, including not-yet-swept expired
// ones. Test helper.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) janitorLoop() {
	ticker := time.NewTicker(s.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopJanitor:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep drops entries whose deadline has passed. Redemption correctness never
// depends on it: expired entries are already invisible to Get and Increment.
func (s *Store) sweep() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	swept := 0
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
			swept++
		}
	}

	if swept > 0 {
		s.logger.Debug("Swept expired entries", "count", swept, "remaining", len(s.entries))
	}
}
