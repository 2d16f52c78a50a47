// Package consent records which scopes a subject has approved for a client.
// Grants are durable: they have no TTL and revocation is forward-only, it
// never touches tokens that were already issued.
package consent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/authgrid/oauthcore/storage"
)

const keyPrefix = "consent:"

// ErrNoConsent indicates the subject has not granted the client the
// requested scopes.
var ErrNoConsent = errors.New("consent: subject has not approved the requested scopes")

// Grant is a subject's approval of a scope set for one client.
type Grant struct {
	Subject   string    `json:"subject"`
	ClientID  string    `json:"client_id"`
	Scopes    []string  `json:"scopes"`
	GrantedAt time.Time `json:"granted_at"`
}

// Manager stores consent grants on top of the storage port.
type Manager struct {
	store  storage.Store
	logger *slog.Logger
}

// NewManager creates a consent manager backed by the given store.
func NewManager(store storage.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger}
}

func key(subject, clientID string) string {
	return keyPrefix + subject + ":" + clientID
}

// Record stores the subject's approval of scopes for the client. An existing
// grant is replaced outright, not merged: the new scope set is exactly what
// the subject just approved.
func (m *Manager) Record(ctx context.Context, subject, clientID string, scopes []string) error {
	if subject == "" || clientID == "" {
		return fmt.Errorf("subject and client_id are required")
	}

	grant := Grant{
		Subject:   subject,
		ClientID:  clientID,
		Scopes:    scopes,
		GrantedAt: time.Now(),
	}

	data, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("failed to encode consent grant: %w", err)
	}

	if err := m.store.PutWithTTL(ctx, key(subject, clientID), data, 0); err != nil {
		return fmt.Errorf("failed to save consent grant: %w", err)
	}

	m.logger.Debug("Recorded consent grant",
		"client_id", clientID,
		"scopes", len(scopes))
	return nil
}

// HasConsent reports whether the subject's recorded grant covers every
// requested scope. A grant for a superset satisfies a narrower request;
// any requested scope outside the grant fails the whole check.
func (m *Manager) HasConsent(ctx context.Context, subject, clientID string, requested []string) (bool, error) {
	grant, err := m.Get(ctx, subject, clientID)
	if err != nil {
		if errors.Is(err, ErrNoConsent) {
			return false, nil
		}
		return false, err
	}

	granted := make(map[string]struct{}, len(grant.Scopes))
	for _, s := range grant.Scopes {
		granted[s] = struct{}{}
	}
	for _, s := range requested {
		if _, ok := granted[s]; !ok {
			return false, nil
		}
	}
	return true, nil
}

// Get returns the subject's grant for the client, or ErrNoConsent.
func (m *Manager) Get(ctx context.Context, subject, clientID string) (*Grant, error) {
	data, err := m.store.Get(ctx, key(subject, clientID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoConsent
		}
		return nil, fmt.Errorf("failed to load consent grant: %w", err)
	}

	var grant Grant
	if err := json.Unmarshal(data, &grant); err != nil {
		return nil, fmt.Errorf("failed to decode consent grant: %w", err)
	}
	return &grant, nil
}

// Revoke removes the subject's grant for the client. Future authorization
// requests will require fresh approval; tokens already issued under the
// grant stay valid until they expire or are revoked separately.
func (m *Manager) Revoke(ctx context.Context, subject, clientID string) error {
	if err := m.store.Delete(ctx, key(subject, clientID)); err != nil {
		return fmt.Errorf("failed to revoke consent grant: %w", err)
	}
	m.logger.Debug("Revoked consent grant", "client_id", clientID)
	return nil
}

// List returns all grants recorded for the subject.
func (m *Manager) List(ctx context.Context, subject string) ([]*Grant, error) {
	keys, err := m.store.Keys(ctx, keyPrefix+subject+":")
	if err != nil {
		return nil, fmt.Errorf("failed to list consent grants: %w", err)
	}

	grants := make([]*Grant, 0, len(keys))
	for _, k := range keys {
		data, err := m.store.Get(ctx, k)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to load consent grant %s: %w", k, err)
		}

		var grant Grant
		if err := json.Unmarshal(data, &grant); err != nil {
			m.logger.Warn("Skipping undecodable consent record", "key", k, "error", err)
			continue
		}
		grants = append(grants, &grant)
	}
	return grants, nil
}
