package consent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/authgrid/oauthcore/storage/memory"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store := memory.NewWithInterval(time.Hour)
	t.Cleanup(store.Stop)
	return NewManager(store, nil)
}

func TestManager_HasConsent_Superset(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.Record(ctx, "alice", "client-1", []string{"read", "write"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	tests := []struct {
		name      string
		requested []string
		want      bool
	}{
		{"exact set", []string{"read", "write"}, true},
		{"narrower request", []string{"read"}, true},
		{"empty request", nil, true},
		{"scope outside grant", []string{"read", "admin"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.HasConsent(ctx, "alice", "client-1", tt.requested)
			if err != nil {
				t.Fatalf("HasConsent failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("HasConsent(%v) = %v, want %v", tt.requested, got, tt.want)
			}
		})
	}
}

func TestManager_HasConsent_NoGrant(t *testing.T) {
	m := newTestManager(t)

	got, err := m.HasConsent(context.Background(), "alice", "unknown", []string{"read"})
	if err != nil {
		t.Fatalf("HasConsent failed: %v", err)
	}
	if got {
		t.Error("HasConsent reported true without a recorded grant")
	}
}

func TestManager_Record_ReplacesGrant(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.Record(ctx, "alice", "client-1", []string{"read", "write"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	// Re-approval with a narrower set replaces, it does not merge.
	if err := m.Record(ctx, "alice", "client-1", []string{"read"}); err != nil {
		t.Fatalf("second Record failed: %v", err)
	}

	got, err := m.HasConsent(ctx, "alice", "client-1", []string{"write"})
	if err != nil {
		t.Fatalf("HasConsent failed: %v", err)
	}
	if got {
		t.Error("replaced grant still covers the dropped scope")
	}
}

func TestManager_Revoke(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.Record(ctx, "alice", "client-1", []string{"read"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := m.Revoke(ctx, "alice", "client-1"); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	if _, err := m.Get(ctx, "alice", "client-1"); !errors.Is(err, ErrNoConsent) {
		t.Errorf("Get after Revoke: err = %v, want ErrNoConsent", err)
	}

	// Revoking an absent grant is not an error.
	if err := m.Revoke(ctx, "alice", "client-1"); err != nil {
		t.Errorf("second Revoke failed: %v", err)
	}
}

func TestManager_GrantsAreIsolated(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.Record(ctx, "alice", "client-1", []string{"read"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	for _, tc := range []struct{ subject, client string }{
		{"bob", "client-1"},
		{"alice", "client-2"},
	} {
		got, err := m.HasConsent(ctx, tc.subject, tc.client, []string{"read"})
		if err != nil {
			t.Fatalf("HasConsent failed: %v", err)
		}
		if got {
			t.Errorf("grant leaked to (%s, %s)", tc.subject, tc.client)
		}
	}
}

func TestManager_List(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.Record(ctx, "alice", "client-1", []string{"read"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := m.Record(ctx, "alice", "client-2", []string{"write"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := m.Record(ctx, "bob", "client-1", []string{"read"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	grants, err := m.List(ctx, "alice")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(grants) != 2 {
		t.Errorf("List returned %d grants, want 2", len(grants))
	}
	for _, g := range grants {
		if g.Subject != "alice" {
			t.Errorf("List returned grant for %q", g.Subject)
		}
	}
}
