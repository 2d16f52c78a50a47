// Package security provides the cross-cutting security features of the
// authorization server: audit logging with PII protection, per-identifier
// rate limiting, and expiry checks.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection. Subject
// identifiers are hashed before logging; codes and tokens never reach the
// auditor at all, callers pass opaque prefixes instead.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	Subject   string
	ClientID  string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"subject_hash", hashForLogging(event.Subject),
		"client_id", event.ClientID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogCodeIssued logs issuance of an authorization code
func (a *Auditor) LogCodeIssued(subject, clientID, scope string) {
	a.LogEvent(Event{
		Type:     EventCodeIssued,
		Subject:  subject,
		ClientID: clientID,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogCodeRedeemed logs successful redemption of an authorization code
func (a *Auditor) LogCodeRedeemed(subject, clientID string) {
	a.LogEvent(Event{
		Type:     EventCodeRedeemed,
		Subject:  subject,
		ClientID: clientID,
	})
}

// LogCodeReplayDetected logs an attempted reuse of a consumed code.
// codePrefix is a short prefix of the code, never the full value.
func (a *Auditor) LogCodeReplayDetected(clientID, codePrefix string) {
	a.LogEvent(Event{
		Type:     EventCodeReplayDetected,
		ClientID: clientID,
		Details: map[string]any{
			"code_prefix": codePrefix,
		},
	})
}

// LogCodeExpired logs presentation of an expired or unknown code
func (a *Auditor) LogCodeExpired(clientID, codePrefix string) {
	a.LogEvent(Event{
		Type:     EventCodeExpired,
		ClientID: clientID,
		Details: map[string]any{
			"code_prefix": codePrefix,
		},
	})
}

// LogTokenIssued logs when an access token is issued
func (a *Auditor) LogTokenIssued(subject, clientID, scope string) {
	a.LogEvent(Event{
		Type:     EventTokenIssued,
		Subject:  subject,
		ClientID: clientID,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogTokenRefreshed logs a refresh-token rotation
func (a *Auditor) LogTokenRefreshed(subject, clientID string, generation int) {
	a.LogEvent(Event{
		Type:     EventTokenRefreshed,
		Subject:  subject,
		ClientID: clientID,
		Details: map[string]any{
			"generation": generation,
		},
	})
}

// LogTokenRevoked logs a token revocation
func (a *Auditor) LogTokenRevoked(subject, clientID, tokenType string) {
	a.LogEvent(Event{
		Type:     EventTokenRevoked,
		Subject:  subject,
		ClientID: clientID,
		Details: map[string]any{
			"token_type": tokenType,
		},
	})
}

// LogRefreshReuseDetected logs presentation of an already-rotated refresh
// token. This is the strongest theft signal the server sees.
func (a *Auditor) LogRefreshReuseDetected(subject, clientID string) {
	a.LogEvent(Event{
		Type:     EventRefreshReuseDetected,
		Subject:  subject,
		ClientID: clientID,
	})
}

// LogConsentGranted logs a consent grant or update
func (a *Auditor) LogConsentGranted(subject, clientID, scope string) {
	a.LogEvent(Event{
		Type:     EventConsentGranted,
		Subject:  subject,
		ClientID: clientID,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogConsentRevoked logs a consent withdrawal
func (a *Auditor) LogConsentRevoked(subject, clientID string) {
	a.LogEvent(Event{
		Type:     EventConsentRevoked,
		Subject:  subject,
		ClientID: clientID,
	})
}

// LogClientRegistered logs registration of a new client
func (a *Auditor) LogClientRegistered(clientID, clientType string) {
	a.LogEvent(Event{
		Type:     EventClientRegistered,
		ClientID: clientID,
		Details: map[string]any{
			"client_type": clientType,
		},
	})
}

// LogAuthFailure logs a client authentication failure
func (a *Auditor) LogAuthFailure(clientID, reason string) {
	a.LogEvent(Event{
		Type:     EventAuthFailure,
		ClientID: clientID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(identifier string) {
	a.LogEvent(Event{
		Type:    EventRateLimitExceeded,
		Subject: identifier,
	})
}

// LogInvalidPKCE logs a failed PKCE verification at token exchange
func (a *Auditor) LogInvalidPKCE(clientID string) {
	a.LogEvent(Event{
		Type:     EventInvalidPKCE,
		ClientID: clientID,
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
