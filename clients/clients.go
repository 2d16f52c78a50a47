// Package clients manages OAuth client registrations: creation, credential
// verification, and redirect/scope binding checks.
package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/authgrid/oauthcore/storage"
)

// Client type constants.
const (
	TypeConfidential = "confidential"
	TypePublic       = "public"
)

const keyPrefix = "client:"

// dummyHash is a pre-computed bcrypt hash (of "test") compared against when
// the client does not exist, so that lookup misses and secret mismatches take
// the same time. The constant input is fine: the mitigation only needs the
// bcrypt work to happen, not a secret-dependent hash.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Errors returned by the manager.
var (
	// ErrClientNotFound indicates no client is registered under the given ID.
	ErrClientNotFound = errors.New("clients: client not found")

	// ErrInvalidCredentials is returned for every authentication failure.
	// It is deliberately generic so callers cannot distinguish an unknown
	// client from a wrong secret.
	ErrInvalidCredentials = errors.New("clients: invalid client credentials")

	// ErrRedirectMismatch indicates the redirect URI is not registered.
	ErrRedirectMismatch = errors.New("clients: redirect_uri not registered")

	// ErrScopeNotRegistered indicates a requested scope outside the client's
	// registered set.
	ErrScopeNotRegistered = errors.New("clients: scope not registered for client")
)

// Client is a registered OAuth client. The secret is stored only as a bcrypt
// hash; the plaintext is returned exactly once, at registration.
type Client struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	SecretHash   string    `json:"secret_hash,omitempty"`
	RedirectURIs []string  `json:"redirect_uris"`
	Scopes       []string  `json:"scopes"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Registration describes a client to be created.
type Registration struct {
	Name         string
	Type         string // TypeConfidential (default) or TypePublic
	RedirectURIs []string
	Scopes       []string
}

// Manager stores and authenticates clients on top of the storage port.
type Manager struct {
	store  storage.Store
	logger *slog.Logger
}

// NewManager creates a client manager backed by the given store.
func NewManager(store storage.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger}
}

// Register creates a new client. For confidential clients it returns the
// generated plaintext secret alongside the record; for public clients the
// secret is empty.
func (m *Manager) Register(ctx context.Context, reg Registration) (*Client, string, error) {
	if reg.Name == "" {
		return nil, "", fmt.Errorf("client name is required")
	}
	if err := validateRedirectURIs(reg.RedirectURIs); err != nil {
		return nil, "", err
	}

	clientType := reg.Type
	if clientType == "" {
		clientType = TypeConfidential
	}
	if clientType != TypeConfidential && clientType != TypePublic {
		return nil, "", fmt.Errorf("unknown client type: %s", clientType)
	}

	var secret, secretHash string
	if clientType == TypeConfidential {
		secret = "cs_" + oauth2.GenerateVerifier()
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, "", fmt.Errorf("failed to hash client secret: %w", err)
		}
		secretHash = string(hash)
	}

	now := time.Now()
	client := &Client{
		ID:           uuid.NewString(),
		Name:         reg.Name,
		Type:         clientType,
		SecretHash:   secretHash,
		RedirectURIs: reg.RedirectURIs,
		Scopes:       reg.Scopes,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := m.save(ctx, client); err != nil {
		return nil, "", err
	}

	m.logger.Info("Registered client",
		"client_id", client.ID,
		"client_type", client.Type,
		"redirect_uris", len(client.RedirectURIs))

	return client, secret, nil
}

// Get returns the client registered under id.
func (m *Manager) Get(ctx context.Context, id string) (*Client, error) {
	data, err := m.store.Get(ctx, keyPrefix+id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to load client: %w", err)
	}

	var client Client
	if err := json.Unmarshal(data, &client); err != nil {
		return nil, fmt.Errorf("failed to decode client record: %w", err)
	}
	return &client, nil
}

// Authenticate verifies the client's credentials and returns the client on
// success. Public clients authenticate with an empty secret; presenting a
// secret for a public client fails.
//
// All failure paths cost one bcrypt comparison and return the same
// ErrInvalidCredentials, so a caller cannot enumerate client IDs by timing
// or by error text.
func (m *Manager) Authenticate(ctx context.Context, id, secret string) (*Client, error) {
	client, lookupErr := m.Get(ctx, id)

	hashToCompare := dummyHash
	if lookupErr == nil && client.Type == TypeConfidential {
		hashToCompare = client.SecretHash
	}
	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(secret))

	if lookupErr != nil {
		if errors.Is(lookupErr, ErrClientNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, lookupErr
	}

	if client.Type == TypePublic {
		if secret != "" {
			return nil, ErrInvalidCredentials
		}
		return client, nil
	}

	if bcryptErr != nil {
		return nil, ErrInvalidCredentials
	}
	return client, nil
}

// ValidateRedirect checks that uri exactly matches one of the client's
// registered redirect URIs. No prefix, host, or path matching.
func (m *Manager) ValidateRedirect(client *Client, uri string) error {
	for _, registered := range client.RedirectURIs {
		if registered == uri {
			return nil
		}
	}
	return ErrRedirectMismatch
}

// ValidateScope checks that every requested scope is in the client's
// registered set.
func (m *Manager) ValidateScope(client *Client, requested []string) error {
	registered := make(map[string]struct{}, len(client.Scopes))
	for _, s := range client.Scopes {
		registered[s] = struct{}{}
	}
	for _, s := range requested {
		if _, ok := registered[s]; !ok {
			return fmt.Errorf("%w: %s", ErrScopeNotRegistered, s)
		}
	}
	return nil
}

// Update replaces the client's mutable fields (name, redirect URIs, scopes).
// Type and credentials are immutable after registration.
func (m *Manager) Update(ctx context.Context, id string, reg Registration) (*Client, error) {
	client, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := validateRedirectURIs(reg.RedirectURIs); err != nil {
		return nil, err
	}

	if reg.Name != "" {
		client.Name = reg.Name
	}
	if reg.RedirectURIs != nil {
		client.RedirectURIs = reg.RedirectURIs
	}
	if reg.Scopes != nil {
		client.Scopes = reg.Scopes
	}
	client.UpdatedAt = time.Now()

	if err := m.save(ctx, client); err != nil {
		return nil, err
	}
	return client, nil
}

// Delete removes a client registration.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.store.Delete(ctx, keyPrefix+id); err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	return nil
}

// List returns all registered clients.
func (m *Manager) List(ctx context.Context) ([]*Client, error) {
	keys, err := m.store.Keys(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}

	clients := make([]*Client, 0, len(keys))
	for _, key := range keys {
		data, err := m.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue // deleted between scan and read
			}
			return nil, fmt.Errorf("failed to load client %s: %w", key, err)
		}

		var client Client
		if err := json.Unmarshal(data, &client); err != nil {
			m.logger.Warn("Skipping undecodable client record", "key", key, "error", err)
			continue
		}
		clients = append(clients, &client)
	}
	return clients, nil
}

func (m *Manager) save(ctx context.Context, client *Client) error {
	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to encode client record: %w", err)
	}
	// Client registrations do not expire.
	if err := m.store.PutWithTTL(ctx, keyPrefix+client.ID, data, 0); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	return nil
}

// validateRedirectURIs requires each URI to be absolute and fragment-free.
func validateRedirectURIs(uris []string) error {
	for _, raw := range uris {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid redirect URI %q: %w", raw, err)
		}
		if u.Scheme == "" {
			return fmt.Errorf("redirect URI %q must be absolute", raw)
		}
		if u.Fragment != "" {
			return fmt.Errorf("redirect URI %q must not contain a fragment", raw)
		}
	}
	return nil
}
