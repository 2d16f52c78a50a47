package security

// Event type constants for security audit logging.
const (
	// Authorization flow events

	// EventCodeIssued is logged when an authorization code is issued
	EventCodeIssued = "authorization_code_issued"

	// EventCodeRedeemed is logged when an authorization code is redeemed for tokens
	EventCodeRedeemed = "authorization_code_redeemed"

	// EventCodeReplayDetected is logged when a consumed authorization code is presented again
	EventCodeReplayDetected = "authorization_code_replay_detected"

	// EventCodeExpired is logged when an expired or unknown authorization code is presented
	EventCodeExpired = "authorization_code_expired"

	// Token lifecycle events

	// EventTokenIssued is logged when a new access token is issued to a client
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when tokens are rotated via a refresh token
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked by the user or client
	EventTokenRevoked = "token_revoked"

	// EventRefreshReuseDetected is logged when a rotated-out refresh token is presented (theft signal)
	EventRefreshReuseDetected = "refresh_token_reuse_detected"

	// Consent events

	// EventConsentGranted is logged when a subject approves scopes for a client
	EventConsentGranted = "consent_granted"

	// EventConsentRevoked is logged when a subject withdraws a client's consent
	EventConsentRevoked = "consent_revoked"

	// Client registration events

	// EventClientRegistered is logged when a new OAuth client is registered
	EventClientRegistered = "client_registered"

	// Security violation events

	// EventAuthFailure is logged when client authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventInvalidPKCE is logged when PKCE verification fails at token exchange
	EventInvalidPKCE = "invalid_pkce"
)
