// Package valkey provides a Valkey/Redis-backed implementation of the storage
// port for distributed deployments. The counter increment runs as a Lua script
// so that redemption stays atomic across server instances.
package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/authgrid/oauthcore/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oauth:"

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second
)

// luaIncrementIfExists atomically increments the counter at KEYS[1] only if
// the key exists. A plain INCR would create absent keys with value 1, which
// would let an expired usage counter resurrect and hand out a fresh
// first-use; the EXISTS guard closes that hole. PTTL is untouched by INCR,
// so the counter keeps the deadline it was created with.
//
// Returns:
//   - the post-increment value on success
//   - false (Lua nil) if the key does not exist
const luaIncrementIfExists = `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return false
end
return redis.call('INCR', KEYS[1])
`

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.Store.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

// Get returns the value stored at key, or storage.ErrNotFound if absent.
// Expiry is enforced by Valkey's own TTL handling.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.key(key)).Build()).AsBytes()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("%w: get %s: %v", storage.ErrUnavailable, key, err)
	}
	return data, nil
}

// PutWithTTL stores value at key. A zero ttl means no expiry.
func (s *Store) PutWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var err error
	if ttl > 0 {
		err = s.client.Do(ctx,
			s.client.B().Set().Key(s.key(key)).Value(string(value)).Ex(ttl).Build(),
		).Error()
	} else {
		err = s.client.Do(ctx,
			s.client.B().Set().Key(s.key(key)).Value(string(value)).Build(),
		).Error()
	}
	if err != nil {
		return fmt.Errorf("%w: set %s: %v", storage.ErrUnavailable, key, err)
	}
	return nil
}

// Increment atomically increments the counter at key via the
// increment-if-exists Lua script. Absent or expired counters return
// storage.ErrNotFound.
func (s *Store) Increment(ctx context.Context, key string) (int64, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaIncrementIfExists).
			Numkeys(1).
			Key(s.key(key)).
			Build(),
	).AsInt64()
	if err != nil {
		if isNilError(err) {
			return 0, storage.ErrNotFound
		}
		return 0, fmt.Errorf("%w: increment %s: %v", storage.ErrUnavailable, key, err)
	}
	return result, nil
}

// Delete removes the given keys. Absent keys are ignored.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.key(k)
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(prefixed...).Build()).Error(); err != nil {
		return fmt.Errorf("%w: delete: %v", storage.ErrUnavailable, err)
	}
	return nil
}

// Keys returns all live keys with the given prefix, with the store's
// configured key prefix stripped. Uses SCAN rather than KEYS so production
// instances are not blocked by a full keyspace walk.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	pattern := s.key(prefix) + "*"

	// SCAN can return duplicates across iterations
	seen := make(map[string]struct{})

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("%w: scan %s: %v", storage.ErrUnavailable, prefix, err)
		}

		for _, key := range result.Elements {
			seen[key] = struct{}{}
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}

	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key[len(s.prefix):])
	}
	return keys, nil
}

// isNilError checks if the error indicates a nil/not-found result from Valkey.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
