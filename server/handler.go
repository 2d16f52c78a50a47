package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	oauthcore "github.com/authgrid/oauthcore"
)

// SubjectResolver resolves the authenticated end user of an authorization
// request and whether they approved the requested scopes during this
// interaction. How users authenticate is outside this module; the resolver
// is the seam where a session layer plugs in.
type SubjectResolver func(r *http.Request) (subject string, approved bool, err error)

// Handler exposes the server's flows over HTTP: GET/POST /authorize,
// POST /token, POST /revoke.
type Handler struct {
	srv     *Server
	subject SubjectResolver
	logger  *slog.Logger
}

// NewHandler creates the HTTP boundary for a server. resolver is required.
func NewHandler(srv *Server, resolver SubjectResolver) (*Handler, error) {
	if resolver == nil {
		return nil, fmt.Errorf("subject resolver is required")
	}
	return &Handler{srv: srv, subject: resolver, logger: srv.logger}, nil
}

// Routes registers the endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/authorize", h.ServeAuthorize)
	mux.HandleFunc("/token", h.ServeToken)
	mux.HandleFunc("/revoke", h.ServeRevoke)
}

// ServeAuthorize handles the authorization endpoint. Success and
// post-validation failures are delivered as a 302 to the redirect URI;
// client and redirect failures are rendered directly, never redirected.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		writeError(w, oauthcore.NewError(oauthcore.ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed))
		return
	}

	if !h.checkIPRateLimit(w, r, "authorize") {
		return
	}

	if err := r.ParseForm(); err != nil {
		writeError(w, oauthcore.ErrInvalidRequest("malformed request"))
		return
	}

	subject, approved, err := h.subject(r)
	if err != nil {
		writeError(w, oauthcore.ErrAccessDenied("user authentication failed"))
		return
	}

	req := oauthcore.AuthorizeRequest{
		ResponseType:        r.Form.Get("response_type"),
		ClientID:            r.Form.Get("client_id"),
		RedirectURI:         r.Form.Get("redirect_uri"),
		Scopes:              splitScope(r.Form.Get("scope")),
		State:               r.Form.Get("state"),
		CodeChallenge:       r.Form.Get("code_challenge"),
		CodeChallengeMethod: r.Form.Get("code_challenge_method"),
		Subject:             subject,
		Approved:            approved,
	}

	result, err := h.srv.Authorize(r.Context(), req)
	if err != nil {
		oerr := asOAuthError(err)
		if redirectableError(oerr) {
			redirectError(w, r, req.RedirectURI, oerr, req.State)
			return
		}
		writeError(w, oerr)
		return
	}

	redirect, err := url.Parse(result.RedirectURI)
	if err != nil {
		writeError(w, oauthcore.ErrServerError("temporary server error"))
		return
	}
	q := redirect.Query()
	q.Set("code", result.Code)
	if result.State != "" {
		q.Set("state", result.State)
	}
	redirect.RawQuery = q.Encode()

	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

// ServeToken handles the token endpoint for the authorization_code and
// refresh_token grants.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, oauthcore.NewError(oauthcore.ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed))
		return
	}

	if !h.checkIPRateLimit(w, r, "token") {
		return
	}

	if err := r.ParseForm(); err != nil {
		writeError(w, oauthcore.ErrInvalidRequest("malformed request"))
		return
	}

	clientID, clientSecret := clientCredentials(r)

	var req oauthcore.TokenRequest
	switch grantType := r.Form.Get("grant_type"); grantType {
	case "authorization_code":
		req = oauthcore.AuthorizationCodeGrant{
			Code:         r.Form.Get("code"),
			RedirectURI:  r.Form.Get("redirect_uri"),
			ClientID:     clientID,
			ClientSecret: clientSecret,
			CodeVerifier: r.Form.Get("code_verifier"),
		}
	case "refresh_token":
		req = oauthcore.RefreshTokenGrant{
			RefreshToken: r.Form.Get("refresh_token"),
			ClientID:     clientID,
			ClientSecret: clientSecret,
		}
	default:
		writeError(w, oauthcore.ErrUnsupportedGrantType(fmt.Sprintf("grant type %q is not supported", grantType)))
		return
	}

	resp, err := h.srv.Token(r.Context(), req)
	if err != nil {
		writeError(w, asOAuthError(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode token response", "error", err)
	}
}

// ServeRevoke handles RFC 7009 style revocation. Client authentication
// failures are reported; unknown tokens still return 200.
func (h *Handler) ServeRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, oauthcore.NewError(oauthcore.ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed))
		return
	}

	if !h.checkIPRateLimit(w, r, "revoke") {
		return
	}

	if err := r.ParseForm(); err != nil {
		writeError(w, oauthcore.ErrInvalidRequest("malformed request"))
		return
	}

	clientID, clientSecret := clientCredentials(r)

	if err := h.srv.RevokeToken(r.Context(), clientID, clientSecret, r.Form.Get("token")); err != nil {
		writeError(w, asOAuthError(err))
		return
	}

	w.WriteHeader(http.StatusOK)
}

// checkIPRateLimit throttles by caller address and endpoint before the
// per-client limit inside the flows is consulted. Writes the 429 itself and
// returns false when the request must not proceed.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, endpoint string) bool {
	lim := h.srv.Limiter
	if lim == nil {
		return true
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	identifier := "ip:" + endpoint + ":" + host

	if lim.Allow(identifier) {
		return true
	}

	retryAfter := int(lim.RetryAfter(identifier).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}

	h.srv.Auditor.LogRateLimitExceeded(identifier)
	writeError(w, oauthcore.ErrRateLimitExceeded(retryAfter))
	return false
}

// clientCredentials reads client credentials from Basic auth, falling back
// to the form body.
func clientCredentials(r *http.Request) (clientID, clientSecret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.Form.Get("client_id"), r.Form.Get("client_secret")
}

// redirectableError reports whether the error may be delivered through the
// redirect URI. Failures that can precede redirect validation must not be:
// client lookup and rate limiting run first, and server_error covers store
// failures that may have interrupted the lookup itself, so none of these may
// reach an unvalidated redirect target.
func redirectableError(e *oauthcore.Error) bool {
	switch e.Code {
	case oauthcore.ErrorCodeInvalidClient,
		oauthcore.ErrorCodeInvalidRedirectURI,
		oauthcore.ErrorCodeRateLimitExceeded,
		oauthcore.ErrorCodeServerError:
		return false
	}
	return true
}

func redirectError(w http.ResponseWriter, r *http.Request, redirectURI string, e *oauthcore.Error, state string) {
	redirect, err := url.Parse(redirectURI)
	if err != nil {
		writeError(w, e)
		return
	}

	q := redirect.Query()
	q.Set("error", e.Code)
	q.Set("error_description", e.Description)
	if state != "" {
		q.Set("state", state)
	}
	redirect.RawQuery = q.Encode()

	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func writeError(w http.ResponseWriter, e *oauthcore.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	w.WriteHeader(e.Status)

	payload := map[string]string{
		"error":             e.Code,
		"error_description": e.Description,
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// asOAuthError maps any error to the wire taxonomy. Unrecognized errors
// become the opaque server_error.
func asOAuthError(err error) *oauthcore.Error {
	var oerr *oauthcore.Error
	if errors.As(err, &oerr) {
		return oerr
	}
	return oauthcore.ErrServerError("temporary server error")
}

func splitScope(scope string) []string {
	if scope == "" {
		return nil
	}
	return strings.Fields(scope)
}
