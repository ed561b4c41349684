package flow

import "strings"

// TokenResponse is the wire payload of a successful grant (RFC 6749 §5.1).
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// ResponseBuilder assembles a TokenResponse step by step. Build freezes the
// accumulated state into the wire payload; the builder is not reused after
// that.
type ResponseBuilder struct {
	resp TokenResponse
}

// NewResponse starts a builder for the given access token and token type.
func NewResponse(accessToken, tokenType string) *ResponseBuilder {
	return &ResponseBuilder{resp: TokenResponse{
		AccessToken: accessToken,
		TokenType:   tokenType,
	}}
}

// ExpiresIn sets the access token lifetime in seconds.
func (b *ResponseBuilder) ExpiresIn(seconds int64) *ResponseBuilder {
	b.resp.ExpiresIn = seconds
	return b
}

// RefreshToken attaches a refresh token.
func (b *ResponseBuilder) RefreshToken(token string) *ResponseBuilder {
	b.resp.RefreshToken = token
	return b
}

// Scope sets the granted scope.
func (b *ResponseBuilder) Scope(scope string) *ResponseBuilder {
	b.resp.Scope = scope
	return b
}

// IDToken attaches an OpenID Connect ID token.
func (b *ResponseBuilder) IDToken(token string) *ResponseBuilder {
	b.resp.IDToken = token
	return b
}

// Build returns the frozen response.
func (b *ResponseBuilder) Build() *TokenResponse {
	resp := b.resp
	return &resp
}

// DeviceAuthorizationResponse is the device endpoint payload (RFC 8628 §3.2).
type DeviceAuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval"`
}

// splitScope splits a space-delimited scope string, dropping empty parts.
func splitScope(scope string) []string {
	return strings.Fields(scope)
}

// scopeContains reports whether the space-delimited scope string includes
// the given scope value.
func scopeContains(scope, want string) bool {
	for _, s := range splitScope(scope) {
		if s == want {
			return true
		}
	}
	return false
}
