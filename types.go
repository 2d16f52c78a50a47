// Package oauthcore defines the wire-level request, response, and error
// types of the authorization server. The flows themselves live in the server
// package.
package oauthcore

// AuthorizeRequest carries the parameters of an authorization request after
// the subject has been resolved by the caller. Approved records whether the
// subject approved the requested scopes during this interaction; a previously
// recorded grant covering the request also satisfies consent.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scopes              []string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string

	Subject  string
	Approved bool
}

// AuthorizeResult is the successful outcome of an authorization request: the
// code to deliver via the redirect URI, with the client's state echoed back.
type AuthorizeResult struct {
	Code        string
	State       string
	RedirectURI string
}

// TokenRequest is the tagged union over grant types at the token endpoint.
// The two concrete requests are AuthorizationCodeGrant and RefreshTokenGrant;
// anything else is unsupported_grant_type by construction.
type TokenRequest interface {
	GrantType() string
}

// AuthorizationCodeGrant redeems an authorization code for tokens.
type AuthorizationCodeGrant struct {
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
}

// GrantType implements TokenRequest.
func (AuthorizationCodeGrant) GrantType() string { return "authorization_code" }

// RefreshTokenGrant rotates a refresh token and issues a fresh access token.
type RefreshTokenGrant struct {
	RefreshToken string
	ClientID     string
	ClientSecret string
}

// GrantType implements TokenRequest.
func (RefreshTokenGrant) GrantType() string { return "refresh_token" }

// TokenResponse is the token endpoint's success payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}
