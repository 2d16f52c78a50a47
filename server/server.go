// Package server composes the managers into the two OAuth flows: code
// issuance at the authorization endpoint and code or refresh-token redemption
// at the token endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	oauthcore "github.com/authgrid/oauthcore"
	"github.com/authgrid/oauthcore/authcode"
	"github.com/authgrid/oauthcore/clients"
	"github.com/authgrid/oauthcore/consent"
	"github.com/authgrid/oauthcore/instrumentation"
	"github.com/authgrid/oauthcore/internal/util"
	"github.com/authgrid/oauthcore/pkce"
	"github.com/authgrid/oauthcore/security"
	"github.com/authgrid/oauthcore/storage"
	"github.com/authgrid/oauthcore/token"
)

const codeLogLength = 8

// Server wires the managers together and implements the protocol flows.
// All methods return *oauthcore.Error for protocol failures, already mapped
// to the generic external codes.
type Server struct {
	cfg    Config
	store  storage.Store
	logger *slog.Logger

	Clients *clients.Manager
	Consent *consent.Manager
	Codes   *authcode.Manager
	Tokens  *token.Manager
	Auditor *security.Auditor
	Limiter *security.RateLimiter
	Metrics *instrumentation.Metrics
}

// New builds a server on top of the given store. cfg is defaulted and
// validated; metrics may be nil.
func New(store storage.Store, cfg Config, metrics *instrumentation.Metrics) (*Server, error) {
	cfg.applySecureDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}

	tokens, err := token.NewManager(store, cfg.SigningKey, cfg.Issuer, cfg.AccessTokenTTL, cfg.RefreshTokenTTL, cfg.Logger)
	if err != nil {
		return nil, err
	}

	var limiter *security.RateLimiter
	if cfg.RateLimitPerSecond > 0 {
		limiter = security.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst, cfg.Logger)
	}

	return &Server{
		cfg:     cfg,
		store:   store,
		logger:  cfg.Logger,
		Clients: clients.NewManager(store, cfg.Logger),
		Consent: consent.NewManager(store, cfg.Logger),
		Codes:   authcode.NewManager(store, cfg.CodeTTL, cfg.Logger),
		Tokens:  tokens,
		Auditor: security.NewAuditor(cfg.Logger, cfg.AuditEnabled),
		Limiter: limiter,
		Metrics: metrics,
	}, nil
}

// Run starts the background sweep of expired codes and blocks until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) {
	s.Codes.Run(ctx, s.cfg.CleanupInterval)
}

// Close stops the rate limiter's background goroutine.
func (s *Server) Close() {
	if s.Limiter != nil {
		s.Limiter.Stop()
	}
}

// Authorize validates an authorization request and issues a code bound to
// the client, redirect URI, scopes, and PKCE challenge.
//
// Redirect and client failures return errors the caller must render
// directly; they are never delivered via the unvalidated redirect URI.
func (s *Server) Authorize(ctx context.Context, req oauthcore.AuthorizeRequest) (*oauthcore.AuthorizeResult, error) {
	ctx, end := s.Metrics.StartSpan(ctx, "oauth.authorize")
	defer end()

	if oerr := s.checkRateLimit(ctx, "authorize:"+req.ClientID); oerr != nil {
		return nil, oerr
	}

	// Client and redirect validation come first: every error after this
	// point is safe to deliver through the (now validated) redirect URI.
	client, oerr := s.lookupClient(ctx, req.ClientID)
	if oerr != nil {
		return nil, oerr
	}
	if err := s.Clients.ValidateRedirect(client, req.RedirectURI); err != nil {
		return nil, oauthcore.ErrInvalidRedirectURI("redirect_uri is not registered for this client")
	}

	if req.ResponseType != "code" {
		return nil, oauthcore.ErrUnsupportedResponseType("only the code response type is supported")
	}
	if req.Subject == "" {
		return nil, oauthcore.ErrInvalidRequest("subject is required")
	}
	if req.State != "" && len(req.State) < s.cfg.MinStateLength {
		return nil, oauthcore.ErrInvalidRequest("state parameter too short")
	}

	if err := s.Clients.ValidateScope(client, req.Scopes); err != nil {
		return nil, oauthcore.ErrInvalidScope("requested scope exceeds client registration")
	}

	method := req.CodeChallengeMethod
	if req.CodeChallenge != "" && method == "" {
		method = pkce.MethodPlain
	}
	switch {
	case req.CodeChallenge != "":
		// The plain method is never available to confidential clients, even
		// when the policy admits it for public ones.
		if method == pkce.MethodPlain && client.Type == clients.TypeConfidential {
			return nil, oauthcore.ErrUnauthorizedClient("plain code_challenge_method is not permitted for confidential clients")
		}
		if err := pkce.ValidateChallenge(req.CodeChallenge, method, s.cfg.AllowPlainPKCE); err != nil {
			return nil, oauthcore.ErrInvalidRequest(err.Error())
		}
	case !s.cfg.DisablePKCE || client.Type == clients.TypePublic:
		// Public clients never skip PKCE, whatever the configuration says.
		return nil, oauthcore.ErrInvalidRequest("code_challenge is required")
	}

	if req.Approved {
		sctx, cancel := s.storeCtx(ctx)
		err := s.Consent.Record(sctx, req.Subject, req.ClientID, req.Scopes)
		cancel()
		if err != nil {
			return nil, s.failClosed("record consent", err)
		}
		s.Auditor.LogConsentGranted(req.Subject, req.ClientID, strings.Join(req.Scopes, " "))
	} else {
		sctx, cancel := s.storeCtx(ctx)
		ok, err := s.Consent.HasConsent(sctx, req.Subject, req.ClientID, req.Scopes)
		cancel()
		if err != nil {
			return nil, s.failClosed("check consent", err)
		}
		if !ok {
			return nil, oauthcore.ErrAccessDenied("subject has not approved the requested scopes")
		}
	}

	sctx, cancel := s.storeCtx(ctx)
	code, err := s.Codes.Issue(sctx, authcode.IssueRequest{
		ClientID:        req.ClientID,
		Subject:         req.Subject,
		RedirectURI:     req.RedirectURI,
		Scopes:          req.Scopes,
		CodeChallenge:   req.CodeChallenge,
		ChallengeMethod: method,
	})
	cancel()
	if err != nil {
		return nil, s.failClosed("issue code", err)
	}

	s.Auditor.LogCodeIssued(req.Subject, req.ClientID, strings.Join(req.Scopes, " "))
	s.Metrics.RecordCodeIssued(ctx)

	return &oauthcore.AuthorizeResult{
		Code:        code.Code,
		State:       req.State,
		RedirectURI: req.RedirectURI,
	}, nil
}

// Token dispatches a token request by grant type.
func (s *Server) Token(ctx context.Context, req oauthcore.TokenRequest) (*oauthcore.TokenResponse, error) {
	switch grant := req.(type) {
	case oauthcore.AuthorizationCodeGrant:
		return s.Exchange(ctx, grant)
	case oauthcore.RefreshTokenGrant:
		return s.Refresh(ctx, grant)
	default:
		return nil, oauthcore.ErrUnsupportedGrantType(fmt.Sprintf("grant type %q is not supported", req.GrantType()))
	}
}

// Exchange redeems an authorization code for an access and refresh token.
//
// The code is consumed before the binding and PKCE checks run, so a request
// that fails those checks still burns the code. Retrying validation failures
// with a corrected request is therefore impossible, which keeps the endpoint
// from acting as an oracle for stolen codes.
func (s *Server) Exchange(ctx context.Context, grant oauthcore.AuthorizationCodeGrant) (*oauthcore.TokenResponse, error) {
	ctx, end := s.Metrics.StartSpan(ctx, "oauth.exchange")
	defer end()

	if oerr := s.checkRateLimit(ctx, "token:"+grant.ClientID); oerr != nil {
		return nil, oerr
	}

	client, oerr := s.authenticateClient(ctx, grant.ClientID, grant.ClientSecret)
	if oerr != nil {
		return nil, oerr
	}

	sctx, cancel := s.storeCtx(ctx)
	record, err := s.Codes.Redeem(sctx, grant.Code)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, authcode.ErrCodeReplayed):
			s.Auditor.LogCodeReplayDetected(grant.ClientID, util.SafeTruncate(grant.Code, codeLogLength))
			s.Metrics.RecordRedemption(ctx, instrumentation.OutcomeReplay)
		case errors.Is(err, authcode.ErrCodeNotFound):
			s.Auditor.LogCodeExpired(grant.ClientID, util.SafeTruncate(grant.Code, codeLogLength))
			s.Metrics.RecordRedemption(ctx, instrumentation.OutcomeExpired)
		default:
			s.Metrics.RecordRedemption(ctx, instrumentation.OutcomeError)
			return nil, s.failClosed("redeem code", err)
		}
		// Replayed, expired, and unknown codes are indistinguishable outside.
		return nil, oauthcore.ErrInvalidGrant("authorization code is invalid")
	}

	if record.ClientID != client.ID {
		s.Auditor.LogAuthFailure(client.ID, "code issued to different client")
		return nil, oauthcore.ErrInvalidGrant("authorization code is invalid")
	}
	if record.RedirectURI != grant.RedirectURI {
		s.Auditor.LogAuthFailure(client.ID, "redirect_uri mismatch at exchange")
		return nil, oauthcore.ErrInvalidGrant("authorization code is invalid")
	}

	if record.CodeChallenge != "" {
		if err := pkce.VerifyChallenge(grant.CodeVerifier, record.CodeChallenge, record.ChallengeMethod); err != nil {
			s.Auditor.LogInvalidPKCE(client.ID)
			return nil, oauthcore.ErrInvalidGrant("authorization code is invalid")
		}
	} else if grant.CodeVerifier != "" {
		return nil, oauthcore.ErrInvalidGrant("authorization code is invalid")
	}

	resp, oerr := s.issueTokens(ctx, record.Subject, client.ID, record.Scopes)
	if oerr != nil {
		return nil, oerr
	}

	s.Auditor.LogCodeRedeemed(record.Subject, client.ID)
	s.Metrics.RecordRedemption(ctx, instrumentation.OutcomeSuccess)
	return resp, nil
}

// Refresh rotates a refresh token and issues a fresh access token. Like the
// code exchange, the presented token is consumed before the client binding
// is checked.
func (s *Server) Refresh(ctx context.Context, grant oauthcore.RefreshTokenGrant) (*oauthcore.TokenResponse, error) {
	ctx, end := s.Metrics.StartSpan(ctx, "oauth.refresh")
	defer end()

	if oerr := s.checkRateLimit(ctx, "token:"+grant.ClientID); oerr != nil {
		return nil, oerr
	}

	client, oerr := s.authenticateClient(ctx, grant.ClientID, grant.ClientSecret)
	if oerr != nil {
		return nil, oerr
	}

	sctx, cancel := s.storeCtx(ctx)
	successor, err := s.Tokens.Rotate(sctx, grant.RefreshToken)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, token.ErrRefreshReuse):
			s.Auditor.LogRefreshReuseDetected("", client.ID)
			s.Metrics.RecordRefresh(ctx, instrumentation.OutcomeReplay)
		case errors.Is(err, token.ErrRefreshNotFound):
			s.Metrics.RecordRefresh(ctx, instrumentation.OutcomeExpired)
		default:
			s.Metrics.RecordRefresh(ctx, instrumentation.OutcomeError)
			return nil, s.failClosed("rotate refresh token", err)
		}
		return nil, oauthcore.ErrInvalidGrant("refresh token is invalid")
	}

	if successor.ClientID != client.ID {
		// The rotation already happened; withdraw the successor before
		// failing so the mismatch cannot be retried into a live token.
		sctx, cancel := s.storeCtx(ctx)
		if err := s.Tokens.Revoke(sctx, successor.Token); err != nil {
			s.logger.Error("Failed to revoke successor after client mismatch", "error", err)
		}
		cancel()
		s.Auditor.LogAuthFailure(client.ID, "refresh token issued to different client")
		return nil, oauthcore.ErrInvalidGrant("refresh token is invalid")
	}

	access, expiresIn, err := s.issueAccess(ctx, successor.Subject, client.ID, successor.Scopes)
	if err != nil {
		return nil, s.failClosed("issue access token", err)
	}

	s.Auditor.LogTokenRefreshed(successor.Subject, client.ID, successor.Generation)
	s.Metrics.RecordRefresh(ctx, instrumentation.OutcomeSuccess)

	return &oauthcore.TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
		RefreshToken: successor.Token,
		Scope:        strings.Join(successor.Scopes, " "),
	}, nil
}

// RegisterClient creates a client registration and records it in the audit
// log. The returned secret is the plaintext, shown exactly once.
func (s *Server) RegisterClient(ctx context.Context, reg clients.Registration) (*clients.Client, string, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	client, secret, err := s.Clients.Register(sctx, reg)
	if err != nil {
		return nil, "", err
	}

	s.Auditor.LogClientRegistered(client.ID, client.Type)
	return client, secret, nil
}

// RevokeConsent withdraws a subject's grant for a client and emits the audit
// event. Tokens already issued under the grant stay valid; revoking them is
// the token revocation path's job.
func (s *Server) RevokeConsent(ctx context.Context, subject, clientID string) error {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	if err := s.Consent.Revoke(sctx, subject, clientID); err != nil {
		return s.failClosed("revoke consent", err)
	}

	s.Auditor.LogConsentRevoked(subject, clientID)
	return nil
}

// RevokeToken implements the revocation endpoint contract: client
// authentication is enforced, but an unknown or foreign token still reports
// success so the endpoint cannot be used to probe token validity.
func (s *Server) RevokeToken(ctx context.Context, clientID, clientSecret, tokenValue string) error {
	client, oerr := s.authenticateClient(ctx, clientID, clientSecret)
	if oerr != nil {
		return oerr
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	// Only delete tokens actually bound to the authenticated client.
	rt, err := s.Tokens.Lookup(sctx, tokenValue)
	if err != nil || rt.ClientID != client.ID {
		return nil
	}

	if err := s.Tokens.Revoke(sctx, tokenValue); err != nil {
		return s.failClosed("revoke token", err)
	}

	s.Auditor.LogTokenRevoked(rt.Subject, client.ID, "refresh_token")
	return nil
}

// VerifyAccessToken validates a bearer token for resource servers.
func (s *Server) VerifyAccessToken(ctx context.Context, tokenString string) (*token.AccessClaims, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	claims, err := s.Tokens.VerifyAccessToken(sctx, tokenString)
	if err != nil {
		if errors.Is(err, token.ErrAccessTokenInvalid) {
			return nil, oauthcore.ErrInvalidToken("access token is invalid")
		}
		return nil, s.failClosed("verify access token", err)
	}
	return claims, nil
}

func (s *Server) issueTokens(ctx context.Context, subject, clientID string, scopes []string) (*oauthcore.TokenResponse, *oauthcore.Error) {
	access, expiresIn, err := s.issueAccess(ctx, subject, clientID, scopes)
	if err != nil {
		return nil, s.failClosed("issue access token", err)
	}

	sctx, cancel := s.storeCtx(ctx)
	refresh, err := s.Tokens.IssueRefreshToken(sctx, subject, clientID, scopes)
	cancel()
	if err != nil {
		return nil, s.failClosed("issue refresh token", err)
	}

	s.Auditor.LogTokenIssued(subject, clientID, strings.Join(scopes, " "))
	s.Metrics.RecordTokenIssued(ctx)

	return &oauthcore.TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
		RefreshToken: refresh.Token,
		Scope:        strings.Join(scopes, " "),
	}, nil
}

func (s *Server) issueAccess(ctx context.Context, subject, clientID string, scopes []string) (string, int64, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.Tokens.IssueAccessToken(sctx, subject, clientID, scopes)
}

func (s *Server) authenticateClient(ctx context.Context, clientID, clientSecret string) (*clients.Client, *oauthcore.Error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	client, err := s.Clients.Authenticate(sctx, clientID, clientSecret)
	if err != nil {
		if errors.Is(err, clients.ErrInvalidCredentials) {
			s.Auditor.LogAuthFailure(clientID, "invalid client credentials")
			return nil, oauthcore.ErrInvalidClient("client authentication failed")
		}
		return nil, s.failClosed("authenticate client", err)
	}
	return client, nil
}

func (s *Server) lookupClient(ctx context.Context, clientID string) (*clients.Client, *oauthcore.Error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	client, err := s.Clients.Get(sctx, clientID)
	if err != nil {
		if errors.Is(err, clients.ErrClientNotFound) {
			return nil, oauthcore.ErrInvalidClient("unknown client")
		}
		return nil, s.failClosed("load client", err)
	}
	return client, nil
}

func (s *Server) checkRateLimit(ctx context.Context, identifier string) *oauthcore.Error {
	if s.Limiter == nil {
		return nil
	}
	if s.Limiter.Allow(identifier) {
		return nil
	}

	retryAfter := int(s.Limiter.RetryAfter(identifier).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}

	s.Auditor.LogRateLimitExceeded(identifier)
	s.Metrics.RecordRateLimited(ctx)
	return oauthcore.ErrRateLimitExceeded(retryAfter)
}

// failClosed logs the real cause and returns the opaque external error.
// Storage trouble must deny issuance, never degrade into best-effort.
func (s *Server) failClosed(op string, err error) *oauthcore.Error {
	s.logger.Error("Operation failed closed", "op", op, "error", err)
	return oauthcore.ErrServerError("temporary server error")
}

func (s *Server) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}
