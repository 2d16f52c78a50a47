package server

import (
	"fmt"
	"log/slog"
	"time"
)

// Default lifetimes and limits applied by applySecureDefaults.
const (
	// DefaultCodeTTL is the lifetime of authorization codes
	DefaultCodeTTL = 600 * time.Second

	// DefaultAccessTokenTTL is the lifetime of access tokens
	DefaultAccessTokenTTL = 3600 * time.Second

	// DefaultRefreshTokenTTL is the lifetime of refresh tokens
	DefaultRefreshTokenTTL = 90 * 24 * time.Hour

	// DefaultStoreTimeout bounds every individual storage call
	DefaultStoreTimeout = 3 * time.Second

	// DefaultCleanupInterval is how often expired codes are swept
	DefaultCleanupInterval = 5 * time.Minute

	// DefaultRateLimitPerSecond is the sustained per-identifier request rate
	DefaultRateLimitPerSecond = 10

	// DefaultRateLimitBurst is the per-identifier burst allowance
	DefaultRateLimitBurst = 20

	// DefaultMinStateLength is the minimum accepted length of the state
	// parameter when one is supplied
	DefaultMinStateLength = 8
)

// Config configures the authorization server. The zero value of every
// security-relevant flag is the strict setting: PKCE is required and the
// plain challenge method is rejected unless explicitly enabled.
type Config struct {
	// Issuer names this server in issued access tokens (required).
	Issuer string

	// SigningKey signs access tokens, HMAC-SHA256 (required).
	SigningKey []byte

	// CodeTTL is the authorization code lifetime.
	CodeTTL time.Duration

	// AccessTokenTTL is the access token lifetime.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the refresh token lifetime.
	RefreshTokenTTL time.Duration

	// StoreTimeout bounds each storage call. Storage failures fail closed.
	StoreTimeout time.Duration

	// CleanupInterval is the period of the expired-code sweep started by Run.
	CleanupInterval time.Duration

	// DisablePKCE turns off the PKCE requirement for confidential clients.
	// Public clients always require PKCE.
	DisablePKCE bool

	// AllowPlainPKCE permits the downgrade-prone plain challenge method.
	AllowPlainPKCE bool

	// MinStateLength is the minimum length of a supplied state parameter.
	MinStateLength int

	// RateLimitPerSecond and RateLimitBurst shape the per-identifier token
	// bucket. Zero values take the defaults; set RateLimitPerSecond negative
	// to disable rate limiting.
	RateLimitPerSecond int
	RateLimitBurst     int

	// AuditEnabled turns on security audit logging.
	AuditEnabled bool

	// Logger is the structured logger (default slog.Default()).
	Logger *slog.Logger
}

// applySecureDefaults fills unset fields with the default values above.
func (c *Config) applySecureDefaults() {
	if c.CodeTTL <= 0 {
		c.CodeTTL = DefaultCodeTTL
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.MinStateLength <= 0 {
		c.MinStateLength = DefaultMinStateLength
	}
	if c.RateLimitPerSecond == 0 {
		c.RateLimitPerSecond = DefaultRateLimitPerSecond
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = DefaultRateLimitBurst
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// validate rejects configurations that cannot work at all.
func (c *Config) validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if len(c.SigningKey) < 32 {
		return fmt.Errorf("signing key must be at least 32 bytes")
	}
	return nil
}
