// Package authcode issues and redeems single-use authorization codes.
//
// Every code is stored beside a usage counter with the same TTL. Redemption
// increments the counter first and only the caller that observes 1 wins;
// every later observer is a replay. The counter is the sole synchronization
// point, so the guarantee holds across goroutines and, with a shared backend,
// across server instances.
package authcode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"

	"github.com/authgrid/oauthcore/internal/util"
	"github.com/authgrid/oauthcore/security"
	"github.com/authgrid/oauthcore/storage"
)

const (
	codeKeyPrefix = "code:"
	usesKeyPrefix = "code:uses:"

	// codeValuePrefix marks issued codes so they are recognizable in logs
	// and bug reports without revealing anything.
	codeValuePrefix = "ac_"

	codeLogLength = 8
)

// Errors returned by Redeem. Callers map both to the same external
// invalid_grant; the distinction exists for auditing.
var (
	// ErrCodeNotFound indicates the code is unknown or expired.
	ErrCodeNotFound = errors.New("authcode: code not found or expired")

	// ErrCodeReplayed indicates the code was already redeemed. The winning
	// redemption is unaffected; tokens already issued from it stay valid.
	ErrCodeReplayed = errors.New("authcode: code already redeemed")
)

// Code is the stored authorization-code record. The PKCE challenge and the
// redirect URI travel with the code so the token endpoint can verify both
// without trusting the client.
type Code struct {
	Code            string    `json:"code"`
	ClientID        string    `json:"client_id"`
	Subject         string    `json:"subject"`
	RedirectURI     string    `json:"redirect_uri"`
	Scopes          []string  `json:"scopes"`
	CodeChallenge   string    `json:"code_challenge"`
	ChallengeMethod string    `json:"challenge_method"`
	IssuedAt        time.Time `json:"issued_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// IssueRequest carries the bindings captured at the authorization endpoint.
type IssueRequest struct {
	ClientID        string
	Subject         string
	RedirectURI     string
	Scopes          []string
	CodeChallenge   string
	ChallengeMethod string
}

// Statistics reports code activity. Active is read from the store; the
// remaining tallies are process-local since startup.
type Statistics struct {
	Active   int
	Issued   int64
	Redeemed int64
	Replayed int64
	Expired  int64
}

// Manager issues and redeems authorization codes on top of the storage port.
type Manager struct {
	store  storage.Store
	ttl    time.Duration
	logger *slog.Logger

	issued   atomic.Int64
	redeemed atomic.Int64
	replayed atomic.Int64
	expired  atomic.Int64
}

// NewManager creates a code manager. ttl bounds the lifetime of every
// issued code.
func NewManager(store storage.Store, ttl time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, ttl: ttl, logger: logger}
}

// Issue generates a fresh code, stores its record and its usage counter
// under the same TTL, and returns the record. If the counter cannot be
// written the record is rolled back: a code without a counter could never
// be redeemed.
func (m *Manager) Issue(ctx context.Context, req IssueRequest) (*Code, error) {
	now := time.Now()
	code := &Code{
		Code:            codeValuePrefix + oauth2.GenerateVerifier(),
		ClientID:        req.ClientID,
		Subject:         req.Subject,
		RedirectURI:     req.RedirectURI,
		Scopes:          req.Scopes,
		CodeChallenge:   req.CodeChallenge,
		ChallengeMethod: req.ChallengeMethod,
		IssuedAt:        now,
		ExpiresAt:       now.Add(m.ttl),
	}

	data, err := json.Marshal(code)
	if err != nil {
		return nil, fmt.Errorf("failed to encode code record: %w", err)
	}

	if err := m.store.PutWithTTL(ctx, codeKeyPrefix+code.Code, data, m.ttl); err != nil {
		return nil, fmt.Errorf("failed to store code: %w", err)
	}
	if err := m.store.PutWithTTL(ctx, usesKeyPrefix+code.Code, []byte("0"), m.ttl); err != nil {
		if delErr := m.store.Delete(ctx, codeKeyPrefix+code.Code); delErr != nil {
			m.logger.Error("Failed to roll back code record after counter write failure",
				"code_prefix", util.SafeTruncate(code.Code, codeLogLength),
				"error", delErr)
		}
		return nil, fmt.Errorf("failed to store usage counter: %w", err)
	}

	m.issued.Add(1)
	m.logger.Debug("Issued authorization code",
		"code_prefix", util.SafeTruncate(code.Code, codeLogLength),
		"client_id", req.ClientID)

	return code, nil
}

// Lookup returns the code record without consuming it.
func (m *Manager) Lookup(ctx context.Context, code string) (*Code, error) {
	data, err := m.store.Get(ctx, codeKeyPrefix+code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to load code: %w", err)
	}

	var record Code
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode code record: %w", err)
	}
	if security.IsExpired(record.ExpiresAt, time.Now()) {
		return nil, ErrCodeNotFound
	}
	return &record, nil
}

// Redeem consumes the code exactly once.
//
// The counter is incremented before the record is even read. Whatever the
// caller count, exactly one observes 1 and gets the record; all others get
// ErrCodeReplayed and both keys are deleted. An absent counter means the
// code is unknown or expired and nothing is written, so an expired code can
// never be revived by the redemption attempt itself.
func (m *Manager) Redeem(ctx context.Context, code string) (*Code, error) {
	uses, err := m.store.Increment(ctx, usesKeyPrefix+code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.expired.Add(1)
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to redeem code: %w", err)
	}

	if uses > 1 {
		m.replayed.Add(1)
		m.logger.Warn("Authorization code replay detected",
			"code_prefix", util.SafeTruncate(code, codeLogLength),
			"uses", uses)
		m.deleteBoth(ctx, code)
		return nil, ErrCodeReplayed
	}

	data, err := m.store.Get(ctx, codeKeyPrefix+code)
	if err != nil {
		// Counter won but the record is gone: orphaned counter from a
		// partial delete. Clean it up and fail like an unknown code.
		m.deleteBoth(ctx, code)
		if errors.Is(err, storage.ErrNotFound) {
			m.expired.Add(1)
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to load code: %w", err)
	}

	var record Code
	if err := json.Unmarshal(data, &record); err != nil {
		m.deleteBoth(ctx, code)
		return nil, fmt.Errorf("failed to decode code record: %w", err)
	}

	m.deleteBoth(ctx, code)

	if security.IsExpired(record.ExpiresAt, time.Now()) {
		m.expired.Add(1)
		return nil, ErrCodeNotFound
	}

	m.redeemed.Add(1)
	m.logger.Debug("Redeemed authorization code",
		"code_prefix", util.SafeTruncate(code, codeLogLength),
		"client_id", record.ClientID)

	return &record, nil
}

// Revoke discards the code and its counter. Revoking an unknown code is
// not an error.
func (m *Manager) Revoke(ctx context.Context, code string) error {
	if err := m.store.Delete(ctx, codeKeyPrefix+code, usesKeyPrefix+code); err != nil {
		return fmt.Errorf("failed to revoke code: %w", err)
	}
	return nil
}

// deleteBoth removes the record and counter, logging rather than failing:
// the redemption outcome is already decided and TTL expiry will finish any
// partial delete.
func (m *Manager) deleteBoth(ctx context.Context, code string) {
	if err := m.store.Delete(ctx, codeKeyPrefix+code, usesKeyPrefix+code); err != nil {
		m.logger.Error("Failed to delete redeemed code",
			"code_prefix", util.SafeTruncate(code, codeLogLength),
			"error", err)
	}
}

// CleanupExpired removes expired code records and counters that lost their
// record. Each pass is idempotent; a second immediate pass finds nothing.
// Backends that enforce TTLs natively make this a safety net, not a
// correctness requirement.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	keys, err := m.store.Keys(ctx, codeKeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to scan codes: %w", err)
	}

	records := make(map[string]struct{})
	counters := make([]string, 0)
	for _, k := range keys {
		if strings.HasPrefix(k, usesKeyPrefix) {
			counters = append(counters, k)
		} else {
			records[k] = struct{}{}
		}
	}

	removed := 0
	now := time.Now()

	for k := range records {
		data, err := m.store.Get(ctx, k)
		if err != nil {
			continue // expired or deleted since the scan
		}
		var record Code
		if err := json.Unmarshal(data, &record); err != nil {
			continue
		}
		if security.IsExpired(record.ExpiresAt, now) {
			code := strings.TrimPrefix(k, codeKeyPrefix)
			if err := m.store.Delete(ctx, k, usesKeyPrefix+code); err == nil {
				removed++
			}
		}
	}

	for _, k := range counters {
		code := strings.TrimPrefix(k, usesKeyPrefix)
		if _, ok := records[codeKeyPrefix+code]; !ok {
			if err := m.store.Delete(ctx, k); err == nil {
				removed++
			}
		}
	}

	if removed > 0 {
		m.logger.Debug("Cleaned up expired authorization codes", "removed", removed)
	}
	return removed, nil
}

// Run sweeps expired codes on the given interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.CleanupExpired(ctx); err != nil {
				m.logger.Error("Authorization code cleanup failed", "error", err)
			}
		}
	}
}

// Statistics reports current code activity.
func (m *Manager) Statistics(ctx context.Context) (*Statistics, error) {
	keys, err := m.store.Keys(ctx, codeKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to scan codes: %w", err)
	}

	active := 0
	for _, k := range keys {
		if !strings.HasPrefix(k, usesKeyPrefix) {
			active++
		}
	}

	return &Statistics{
		Active:   active,
		Issued:   m.issued.Load(),
		Redeemed: m.redeemed.Load(),
		Replayed: m.replayed.Load(),
		Expired:  m.expired.Load(),
	}, nil
}
