package valkey

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/authgrid/oauthcore/storage"
)

// testStore creates a test store connected to a local Valkey instance.
// Tests are skipped if no server is reachable at VALKEY_TEST_ADDR
// (default localhost:6379). Each test gets a unique prefix for isolation.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	prefix := fmt.Sprintf("oauthtest:%s:", t.Name())

	s, err := New(Config{
		Address:   addr,
		KeyPrefix: prefix,
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupTestKeys(t, s)
		s.Close()
	})

	cleanupTestKeys(t, s)
	return s
}

func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()

	keys, err := s.Keys(context.Background(), "")
	if err != nil {
		t.Logf("cleanup: failed to list keys: %v", err)
		return
	}
	if len(keys) > 0 {
		if err := s.Delete(context.Background(), keys...); err != nil {
			t.Logf("cleanup: failed to delete keys: %v", err)
		}
	}
}

func TestStore_GetPut_RoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.PutWithTTL(ctx, "code:abc", []byte(`{"client":"c1"}`), time.Minute); err != nil {
		t.Fatalf("PutWithTTL failed: %v", err)
	}

	got, err := s.Get(ctx, "code:abc")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != `{"client":"c1"}` {
		t.Errorf("Get returned %q, want %q", got, `{"client":"c1"}`)
	}
}

func TestStore_Get_NotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.Get(context.Background(), "code:missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get on missing key returned %v, want ErrNotFound", err)
	}
}

func TestStore_Increment_NeverCreates(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.Increment(ctx, "code:uses:missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Increment on missing key returned %v, want ErrNotFound", err)
	}

	// The script must not have created the key as a side effect.
	if _, err := s.Get(ctx, "code:uses:missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("counter key exists after failed Increment: %v", err)
	}
}

func TestStore_Increment_Sequential(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.PutWithTTL(ctx, "code:uses:x", []byte("0"), time.Minute); err != nil {
		t.Fatalf("PutWithTTL failed: %v", err)
	}

	for want := int64(1); want <= 3; want++ {
		got, err := s.Increment(ctx, "code:uses:x")
		if err != nil {
			t.Fatalf("Increment failed: %v", err)
		}
		if got != want {
			t.Errorf("Increment returned %d, want %d", got, want)
		}
	}
}

func TestStore_Increment_Concurrent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.PutWithTTL(ctx, "code:uses:race", []byte("0"), time.Minute); err != nil {
		t.Fatalf("PutWithTTL failed: %v", err)
	}

	const goroutines = 10

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.Increment(ctx, "code:uses:race")
			if err != nil {
				t.Errorf("Increment failed: %v", err)
				return
			}
			if n == 1 {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if winners != 1 {
		t.Errorf("got %d observers of post-increment value 1, want exactly 1", winners)
	}
}

func TestStore_Increment_PreservesTTL(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.PutWithTTL(ctx, "code:uses:ttl", []byte("0"), time.Second); err != nil {
		t.Fatalf("PutWithTTL failed: %v", err)
	}

	if _, err := s.Increment(ctx, "code:uses:ttl"); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}

	time.Sleep(1200 * time.Millisecond)

	if _, err := s.Get(ctx, "code:uses:ttl"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("counter outlived its TTL after Increment: %v", err)
	}
}

func TestStore_Delete_Multiple(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, k := range []string{"code:a", "code:uses:a"} {
		if err := s.PutWithTTL(ctx, k, []byte("v"), time.Minute); err != nil {
			t.Fatalf("PutWithTTL(%q) failed: %v", k, err)
		}
	}

	if err := s.Delete(ctx, "code:a", "code:uses:a", "code:never-existed"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	for _, k := range []string{"code:a", "code:uses:a"} {
		if _, err := s.Get(ctx, k); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("Get(%q) after Delete returned %v, want ErrNotFound", k, err)
		}
	}
}

func TestStore_Keys_StripsConfiguredPrefix(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.PutWithTTL(ctx, "code:one", []byte("v"), time.Minute); err != nil {
		t.Fatalf("PutWithTTL failed: %v", err)
	}
	if err := s.PutWithTTL(ctx, "client:c1", []byte("v"), time.Minute); err != nil {
		t.Fatalf("PutWithTTL failed: %v", err)
	}

	keys, err := s.Keys(ctx, "code:")
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != "code:one" {
		t.Errorf("Keys returned %v, want [code:one]", keys)
	}
}

func TestNew_RequiresAddress(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New with empty address succeeded, want error")
	}
}
