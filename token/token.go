// Package token issues and verifies access tokens and manages rotating
// refresh tokens.
//
// Access tokens are HS256-signed JWTs carrying the subject's current token
// version, so all of a subject's access tokens can be invalidated at once by
// bumping the version counter. Refresh tokens are opaque and single-use:
// each rotation consumes the presented token through the same atomic counter
// scheme the authorization codes use, and reuse of a consumed token revokes
// every live refresh token for the (subject, client) pair.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/authgrid/oauthcore/internal/util"
	"github.com/authgrid/oauthcore/security"
	"github.com/authgrid/oauthcore/storage"
)

const (
	refreshKeyPrefix = "refresh:"
	usesKeyPrefix    = "refresh:uses:"
	versionKeyPrefix = "tokver:"

	refreshValuePrefix = "rt_"

	tokenLogLength = 8
)

// Errors returned by the manager.
var (
	// ErrRefreshNotFound indicates the refresh token is unknown or expired.
	ErrRefreshNotFound = errors.New("token: refresh token not found or expired")

	// ErrRefreshReuse indicates a consumed refresh token was presented again.
	// By the time callers see it, every live refresh token for the pair has
	// been revoked and the subject's token version bumped.
	ErrRefreshReuse = errors.New("token: refresh token reuse detected")

	// ErrAccessTokenInvalid indicates the access token failed signature,
	// expiry, or version checks.
	ErrAccessTokenInvalid = errors.New("token: access token invalid")
)

// AccessClaims are the claims embedded in issued access tokens.
type AccessClaims struct {
	jwt.RegisteredClaims
	ClientID     string `json:"cid"`
	Scope        string `json:"scope"`
	TokenVersion int64  `json:"ver"`
}

// RefreshToken is the stored refresh-token record. A consumed token stays in
// the store as a tombstone (Rotated=true) until its original expiry so that
// reuse is recognizable and attributable.
type RefreshToken struct {
	Token       string    `json:"token"`
	Subject     string    `json:"subject"`
	ClientID    string    `json:"client_id"`
	Scopes      []string  `json:"scopes"`
	Predecessor string    `json:"predecessor,omitempty"`
	Generation  int       `json:"generation"`
	Rotated     bool      `json:"rotated,omitempty"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Manager issues access tokens and rotates refresh tokens.
type Manager struct {
	store      storage.Store
	signingKey []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	logger     *slog.Logger

	// versionMu serializes the ensure-then-increment on version counters.
	// Version keys have no TTL, so this only guards the first write per
	// subject within this process.
	versionMu sync.Mutex
}

// NewManager creates a token manager. signingKey must be non-empty; issuer
// names this server in the iss claim.
func NewManager(store storage.Store, signingKey []byte, issuer string, accessTTL, refreshTTL time.Duration, logger *slog.Logger) (*Manager, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("signing key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:      store,
		signingKey: signingKey,
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		logger:     logger,
	}, nil
}

// IssueAccessToken signs a JWT for the subject and returns it with its
// lifetime in seconds.
func (m *Manager) IssueAccessToken(ctx context.Context, subject, clientID string, scopes []string) (string, int64, error) {
	version, err := m.currentVersion(ctx, subject)
	if err != nil {
		return "", 0, err
	}

	now := time.Now()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessTTL)),
			ID:        uuid.NewString(),
		},
		ClientID:     clientID,
		Scope:        strings.Join(scopes, " "),
		TokenVersion: version,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.signingKey)
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign access token: %w", err)
	}

	return signed, int64(m.accessTTL.Seconds()), nil
}

// VerifyAccessToken parses and validates an access token. Beyond signature
// and expiry, the embedded token version must match the subject's current
// version, which is how BumpVersion invalidates outstanding tokens.
func (m *Manager) VerifyAccessToken(ctx context.Context, tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) { return m.signingKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAccessTokenInvalid, err)
	}

	version, err := m.currentVersion(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if claims.TokenVersion != version {
		return nil, fmt.Errorf("%w: token version superseded", ErrAccessTokenInvalid)
	}

	return claims, nil
}

// BumpVersion invalidates all of the subject's outstanding access tokens by
// advancing the version counter.
func (m *Manager) BumpVersion(ctx context.Context, subject string) error {
	if _, err := m.currentVersion(ctx, subject); err != nil {
		return err
	}
	if _, err := m.store.Increment(ctx, versionKeyPrefix+subject); err != nil {
		return fmt.Errorf("failed to bump token version: %w", err)
	}
	return nil
}

// currentVersion reads the subject's version counter, initializing it to 1
// on first use. Version keys never expire, so the initialization races only
// with itself and the mutex settles it within the process; across processes
// a lost first write just re-initializes to the same value.
func (m *Manager) currentVersion(ctx context.Context, subject string) (int64, error) {
	key := versionKeyPrefix + subject

	data, err := m.store.Get(ctx, key)
	if err == nil {
		v, parseErr := strconv.ParseInt(string(data), 10, 64)
		if parseErr != nil {
			return 0, fmt.Errorf("corrupt token version for subject: %w", parseErr)
		}
		return v, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return 0, fmt.Errorf("failed to load token version: %w", err)
	}

	m.versionMu.Lock()
	defer m.versionMu.Unlock()

	// Re-check under the lock.
	if data, err := m.store.Get(ctx, key); err == nil {
		v, parseErr := strconv.ParseInt(string(data), 10, 64)
		if parseErr != nil {
			return 0, fmt.Errorf("corrupt token version for subject: %w", parseErr)
		}
		return v, nil
	}

	if err := m.store.PutWithTTL(ctx, key, []byte("1"), 0); err != nil {
		return 0, fmt.Errorf("failed to initialize token version: %w", err)
	}
	return 1, nil
}

// IssueRefreshToken creates a generation-1 refresh token for the pair.
func (m *Manager) IssueRefreshToken(ctx context.Context, subject, clientID string, scopes []string) (*RefreshToken, error) {
	return m.issueRefresh(ctx, subject, clientID, scopes, "", 1)
}

func (m *Manager) issueRefresh(ctx context.Context, subject, clientID string, scopes []string, predecessor string, generation int) (*RefreshToken, error) {
	now := time.Now()
	rt := &RefreshToken{
		Token:       refreshValuePrefix + oauth2.GenerateVerifier(),
		Subject:     subject,
		ClientID:    clientID,
		Scopes:      scopes,
		Predecessor: predecessor,
		Generation:  generation,
		IssuedAt:    now,
		ExpiresAt:   now.Add(m.refreshTTL),
	}

	data, err := json.Marshal(rt)
	if err != nil {
		return nil, fmt.Errorf("failed to encode refresh token: %w", err)
	}

	if err := m.store.PutWithTTL(ctx, refreshKeyPrefix+rt.Token, data, m.refreshTTL); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}
	if err := m.store.PutWithTTL(ctx, usesKeyPrefix+rt.Token, []byte("0"), m.refreshTTL); err != nil {
		if delErr := m.store.Delete(ctx, refreshKeyPrefix+rt.Token); delErr != nil {
			m.logger.Error("Failed to roll back refresh token after counter write failure",
				"token_prefix", util.SafeTruncate(rt.Token, tokenLogLength),
				"error", delErr)
		}
		return nil, fmt.Errorf("failed to store usage counter: %w", err)
	}

	m.logger.Debug("Issued refresh token",
		"token_prefix", util.SafeTruncate(rt.Token, tokenLogLength),
		"client_id", clientID,
		"generation", generation)

	return rt, nil
}

// Rotate consumes the presented refresh token and issues its successor.
//
// The usage counter decides the race: the single caller that observes 1
// wins, marks the presented token rotated, and gets a successor with
// Generation+1. A counter above 1 means the token was already consumed;
// that is treated as theft, so every live refresh token for the pair is
// revoked and the subject's access tokens are invalidated.
func (m *Manager) Rotate(ctx context.Context, presented string) (*RefreshToken, error) {
	uses, err := m.store.Increment(ctx, usesKeyPrefix+presented)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrRefreshNotFound
		}
		return nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}

	record, err := m.loadRefresh(ctx, presented)
	if err != nil {
		return nil, err
	}

	if uses > 1 || record.Rotated {
		m.logger.Warn("Refresh token reuse detected",
			"token_prefix", util.SafeTruncate(presented, tokenLogLength),
			"client_id", record.ClientID,
			"generation", record.Generation)
		if err := m.RevokeAllForPair(ctx, record.Subject, record.ClientID); err != nil {
			m.logger.Error("Failed to revoke token family after reuse", "error", err)
		}
		if err := m.BumpVersion(ctx, record.Subject); err != nil {
			m.logger.Error("Failed to bump token version after reuse", "error", err)
		}
		return nil, ErrRefreshReuse
	}

	now := time.Now()
	if security.IsExpired(record.ExpiresAt, now) {
		m.deletePair(ctx, presented)
		return nil, ErrRefreshNotFound
	}

	// Tombstone the consumed token for the rest of its original lifetime so
	// later presentations are attributable reuse rather than an unknown token.
	record.Rotated = true
	if data, err := json.Marshal(record); err == nil {
		remaining := record.ExpiresAt.Sub(now)
		if err := m.store.PutWithTTL(ctx, refreshKeyPrefix+presented, data, remaining); err != nil {
			m.logger.Error("Failed to tombstone rotated refresh token",
				"token_prefix", util.SafeTruncate(presented, tokenLogLength),
				"error", err)
		}
	}

	successor, err := m.issueRefresh(ctx, record.Subject, record.ClientID, record.Scopes, presented, record.Generation+1)
	if err != nil {
		return nil, err
	}

	m.logger.Debug("Rotated refresh token",
		"token_prefix", util.SafeTruncate(presented, tokenLogLength),
		"successor_prefix", util.SafeTruncate(successor.Token, tokenLogLength),
		"generation", successor.Generation)

	return successor, nil
}

// Lookup returns the refresh-token record, tombstones included, without
// consuming it.
func (m *Manager) Lookup(ctx context.Context, tokenValue string) (*RefreshToken, error) {
	data, err := m.store.Get(ctx, refreshKeyPrefix+tokenValue)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrRefreshNotFound
		}
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}

	var rt RefreshToken
	if err := json.Unmarshal(data, &rt); err != nil {
		return nil, fmt.Errorf("failed to decode refresh token: %w", err)
	}
	return &rt, nil
}

// Revoke discards a refresh token. Unknown tokens are not an error, which is
// what the revocation endpoint's always-200 contract needs.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	if err := m.store.Delete(ctx, refreshKeyPrefix+token, usesKeyPrefix+token); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

// RevokeAllForPair removes every refresh token issued to the (subject,
// client) pair, tombstones included.
func (m *Manager) RevokeAllForPair(ctx context.Context, subject, clientID string) error {
	keys, err := m.store.Keys(ctx, refreshKeyPrefix)
	if err != nil {
		return fmt.Errorf("failed to scan refresh tokens: %w", err)
	}

	var doomed []string
	for _, k := range keys {
		if strings.HasPrefix(k, usesKeyPrefix) {
			continue
		}
		data, err := m.store.Get(ctx, k)
		if err != nil {
			continue
		}
		var rt RefreshToken
		if err := json.Unmarshal(data, &rt); err != nil {
			continue
		}
		if rt.Subject == subject && rt.ClientID == clientID {
			doomed = append(doomed, k, usesKeyPrefix+rt.Token)
		}
	}

	if len(doomed) == 0 {
		return nil
	}
	if err := m.store.Delete(ctx, doomed...); err != nil {
		return fmt.Errorf("failed to delete refresh tokens: %w", err)
	}

	m.logger.Info("Revoked refresh tokens for pair",
		"client_id", clientID,
		"count", len(doomed)/2)
	return nil
}

// loadRefresh is Lookup plus orphan cleanup: a counter without a record is
// left over from a partial delete and gets dropped here.
func (m *Manager) loadRefresh(ctx context.Context, token string) (*RefreshToken, error) {
	rt, err := m.Lookup(ctx, token)
	if errors.Is(err, ErrRefreshNotFound) {
		m.deletePair(ctx, token)
	}
	return rt, err
}

func (m *Manager) deletePair(ctx context.Context, token string) {
	if err := m.store.Delete(ctx, refreshKeyPrefix+token, usesKeyPrefix+token); err != nil {
		m.logger.Error("Failed to delete refresh token pair",
			"token_prefix", util.SafeTruncate(token, tokenLogLength),
			"error", err)
	}
}
