package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	oauthcore "github.com/authgrid/oauthcore"
	"github.com/authgrid/oauthcore/pkce"
	"github.com/authgrid/oauthcore/storage"
	"github.com/authgrid/oauthcore/storage/memory"
)

// staticSubject resolves every request to the same approving user.
func staticSubject(subject string, approved bool) SubjectResolver {
	return func(r *http.Request) (string, bool, error) {
		return subject, approved, nil
	}
}

func newTestHandler(t *testing.T, f *fixture, resolver SubjectResolver) http.Handler {
	t.Helper()

	h, err := NewHandler(f.srv, resolver)
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}
	mux := http.NewServeMux()
	h.Routes(mux)
	return mux
}

func authorizeURL(f *fixture, verifier string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", f.client.ID)
	q.Set("redirect_uri", testRedirect)
	q.Set("scope", "read")
	q.Set("state", "state-12345")
	q.Set("code_challenge", pkce.DeriveChallenge(verifier))
	q.Set("code_challenge_method", pkce.MethodS256)
	return "/authorize?" + q.Encode()
}

func TestHandler_Authorize_RedirectsWithCode(t *testing.T) {
	f := newFixture(t, nil)
	mux := newTestHandler(t, f, staticSubject("alice", true))

	verifier := oauth2.GenerateVerifier()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, authorizeURL(f, verifier), nil))

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302; body: %s", rec.Code, rec.Body)
	}

	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("bad Location header: %v", err)
	}
	if got := loc.Scheme + "://" + loc.Host + loc.Path; got != testRedirect {
		t.Errorf("redirect target = %q, want %q", got, testRedirect)
	}
	if code := loc.Query().Get("code"); !strings.HasPrefix(code, "ac_") {
		t.Errorf("code = %q, want ac_ prefix", code)
	}
	if state := loc.Query().Get("state"); state != "state-12345" {
		t.Errorf("state = %q, want state-12345", state)
	}
}

func TestHandler_Authorize_ErrorRedirectCarriesState(t *testing.T) {
	f := newFixture(t, nil)
	// Subject resolved but not approving, and no recorded grant.
	mux := newTestHandler(t, f, staticSubject("alice", false))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, authorizeURL(f, oauth2.GenerateVerifier()), nil))

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302; body: %s", rec.Code, rec.Body)
	}

	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("bad Location header: %v", err)
	}
	if got := loc.Query().Get("error"); got != oauthcore.ErrorCodeAccessDenied {
		t.Errorf("error = %q, want access_denied", got)
	}
	if got := loc.Query().Get("state"); got != "state-12345" {
		t.Errorf("state = %q, want state-12345", got)
	}
	if loc.Query().Get("code") != "" {
		t.Error("error redirect carries a code")
	}
}

func TestHandler_Authorize_UnknownClientNotRedirected(t *testing.T) {
	f := newFixture(t, nil)
	mux := newTestHandler(t, f, staticSubject("alice", true))

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", "no-such-client")
	q.Set("redirect_uri", "https://evil.example.com/")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if rec.Header().Get("Location") != "" {
		t.Error("unknown client was redirected")
	}
}

func TestHandler_TokenFlow_EndToEnd(t *testing.T) {
	f := newFixture(t, nil)
	mux := newTestHandler(t, f, staticSubject("alice", true))

	verifier := oauth2.GenerateVerifier()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, authorizeURL(f, verifier), nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("authorize status = %d; body: %s", rec.Code, rec.Body)
	}
	loc, _ := url.Parse(rec.Header().Get("Location"))
	code := loc.Query().Get("code")

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", testRedirect)
	form.Set("code_verifier", verifier)

	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(f.client.ID, f.secret)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d; body: %s", rec.Code, rec.Body)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}

	var resp oauthcore.TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad token response: %v", err)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatalf("incomplete response: %+v", resp)
	}

	// Rotate via the endpoint with form-body credentials.
	form = url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", resp.RefreshToken)
	form.Set("client_id", f.client.ID)
	form.Set("client_secret", f.secret)

	req = httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d; body: %s", rec.Code, rec.Body)
	}
}

func TestHandler_Token_Errors(t *testing.T) {
	f := newFixture(t, nil)
	mux := newTestHandler(t, f, staticSubject("alice", true))

	post := func(form url.Values) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	t.Run("unsupported grant type", func(t *testing.T) {
		rec := post(url.Values{"grant_type": {"password"}})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("bad error body: %v", err)
		}
		if body["error"] != oauthcore.ErrorCodeUnsupportedGrantType {
			t.Errorf("error = %q, want unsupported_grant_type", body["error"])
		}
	})

	t.Run("bad code", func(t *testing.T) {
		form := url.Values{}
		form.Set("grant_type", "authorization_code")
		form.Set("code", "ac_bogus")
		form.Set("redirect_uri", testRedirect)
		form.Set("client_id", f.client.ID)
		form.Set("client_secret", f.secret)

		rec := post(form)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("method not allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/token", nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", rec.Code)
		}
	})
}

func TestHandler_Token_RateLimited(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.RateLimitPerSecond = 1
		cfg.RateLimitBurst = 1
	})
	mux := newTestHandler(t, f, staticSubject("alice", true))

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", "ac_bogus")
	form.Set("redirect_uri", testRedirect)
	form.Set("client_id", f.client.ID)
	form.Set("client_secret", f.secret)

	var last *httptest.ResponseRecorder
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		last = httptest.NewRecorder()
		mux.ServeHTTP(last, req)
	}

	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Error("429 without Retry-After header")
	}
}

func TestHandler_Revoke(t *testing.T) {
	f := newFixture(t, nil)
	mux := newTestHandler(t, f, staticSubject("alice", true))

	// Obtain a refresh token directly.
	rt, err := f.srv.Tokens.IssueRefreshToken(context.Background(), "alice", f.client.ID, []string{"read"})
	if err != nil {
		t.Fatalf("IssueRefreshToken failed: %v", err)
	}

	form := url.Values{}
	form.Set("token", rt.Token)

	req := httptest.NewRequest(http.MethodPost, "/revoke", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(f.client.ID, f.secret)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body)
	}

	// Unknown tokens also return 200.
	form.Set("token", "rt_unknown")
	req = httptest.NewRequest(http.MethodPost, "/revoke", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(f.client.ID, f.secret)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("unknown token status = %d, want 200", rec.Code)
	}
}

// downStore fails every operation, standing in for an unreachable backend.
type downStore struct{}

func (downStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, storage.ErrUnavailable
}

func (downStore) PutWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return storage.ErrUnavailable
}

func (downStore) Increment(ctx context.Context, key string) (int64, error) {
	return 0, storage.ErrUnavailable
}

func (downStore) Delete(ctx context.Context, keys ...string) error {
	return storage.ErrUnavailable
}

func (downStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	return nil, storage.ErrUnavailable
}

func TestHandler_Authorize_StoreDownNotRedirected(t *testing.T) {
	srv, err := New(downStore{}, Config{
		Issuer:             "https://auth.example.com",
		SigningKey:         []byte("0123456789abcdef0123456789abcdef"),
		RateLimitPerSecond: -1,
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer srv.Close()

	h, err := NewHandler(srv, staticSubject("alice", true))
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}
	mux := http.NewServeMux()
	h.Routes(mux)

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", "some-client")
	q.Set("redirect_uri", "https://evil.example.com/phish")
	q.Set("code_challenge", pkce.DeriveChallenge(oauth2.GenerateVerifier()))
	q.Set("code_challenge_method", pkce.MethodS256)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil))

	// The client lookup failed closed before the redirect URI was validated,
	// so the response must be rendered directly, never delivered as a 302 to
	// the caller-supplied target.
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "" {
		t.Errorf("store failure redirected to %q", loc)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad error body: %v", err)
	}
	if body["error"] != oauthcore.ErrorCodeServerError {
		t.Errorf("error = %q, want server_error", body["error"])
	}
}

func TestHandler_NewHandler_RequiresResolver(t *testing.T) {
	store := memory.NewWithInterval(time.Hour)
	defer store.Stop()

	srv, err := New(store, Config{
		Issuer:     "https://auth.example.com",
		SigningKey: []byte("0123456789abcdef0123456789abcdef"),
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer srv.Close()

	if _, err := NewHandler(srv, nil); err == nil {
		t.Error("NewHandler accepted a nil resolver")
	}
}
