// Package flow implements the grant-type state machines: authorization code
// with PKCE, client credentials, and device authorization. Each flow is an
// immutable engine constructed once at startup via functional options; all
// per-request state lives on the stack, so concurrent requests need no
// locking here.
//
// A flow exposes its grant-type constant, a token operation, an optional
// refresh operation, and a discovery-metadata fragment. The composer in the
// root package aggregates several flows behind one token endpoint.
package flow

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/velumlabs/oauthkit/clientauth"
	"github.com/velumlabs/oauthkit/internal/util"
	"github.com/velumlabs/oauthkit/oautherr"
	"github.com/velumlabs/oauthkit/storage"
)

// OAuth grant type identifiers.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

// TokenRequest is the engine's view of one token-endpoint request: the
// decoded form parameters plus the underlying HTTP request for header-based
// client authentication and token-type binding checks.
type TokenRequest struct {
	HTTP *http.Request
	Form url.Values
}

// ParseTokenRequest decodes the request body (form-encoded) into a
// TokenRequest.
func ParseTokenRequest(r *http.Request) (*TokenRequest, *oautherr.Error) {
	if err := r.ParseForm(); err != nil {
		return nil, oautherr.InvalidRequest("malformed request body")
	}
	return &TokenRequest{HTTP: r, Form: r.PostForm}, nil
}

// authRequest adapts a TokenRequest for the client authentication resolver.
func (tr *TokenRequest) authRequest() clientauth.Request {
	return clientauth.Request{Header: tr.HTTP.Header, Form: tr.Form}
}

// Fragment is one flow's slice of the discovery document. The composer
// merges fragments: scalar fields last-write-wins, array fields unioned.
type Fragment map[string]any

// Flow is the contract every grant engine satisfies for composition.
type Flow interface {
	// GrantType is the grant_type value this flow's token operation accepts.
	GrantType() string

	// Token handles a token-endpoint request carrying this flow's grant
	// type. A nil response with a nil error never occurs: failures are
	// wire errors.
	Token(ctx context.Context, req *TokenRequest) (*TokenResponse, *oautherr.Error)

	// Refresh handles a refresh_token request. Flows that do not support
	// refresh, or that decline the presented token, return (nil, nil) so
	// the composer can try the next flow.
	Refresh(ctx context.Context, req *TokenRequest) (*TokenResponse, *oautherr.Error)

	// DiscoveryFragment is this flow's contribution to the merged
	// discovery document.
	DiscoveryFragment() Fragment
}

// preflight is the ordering contract every token operation honors: grant
// type check, then client authentication, then request-level token-type
// binding, and only then business logic.
func (c *Config) preflight(ctx context.Context, req *TokenRequest, wantGrantType string) (*clientauth.Result, string, *oautherr.Error) {
	if got := req.Form.Get("grant_type"); got != wantGrantType {
		return nil, "", oautherr.UnsupportedGrantType(fmt.Sprintf("grant_type %q is not supported by this endpoint", got))
	}

	client, err := c.resolver.Resolve(ctx, req.authRequest())
	if err != nil {
		return nil, "", mapAuthError(err)
	}

	binding := c.tokenType.CheckRequest(req.HTTP)
	if !binding.Valid {
		c.logger.Warn("token-type request check failed",
			"client_id", client.ClientID, "message", binding.Message)
		return nil, "", oautherr.InvalidRequest(binding.Message)
	}

	return client, binding.Thumbprint, nil
}

// mapAuthError converts resolver failures to wire errors.
func mapAuthError(err error) *oautherr.Error {
	return oautherr.InvalidRequest(err.Error())
}

// validateClientSecret checks a presented secret against the client store
// when one is configured. Flows with no client store delegate secret
// validation entirely to their injected handlers.
func (c *Config) validateClientSecret(ctx context.Context, client *clientauth.Result) *oautherr.Error {
	if c.clients == nil || client.ClientSecret == "" {
		return nil
	}
	if err := c.clients.ValidateSecret(ctx, client.ClientID, client.ClientSecret); err != nil {
		c.logger.Warn("client secret validation failed",
			"client_id", client.ClientID, "method", client.Method)
		return oautherr.InvalidClient("client authentication failed")
	}
	return nil
}

// validateScope checks every requested scope against the flow's configured
// scopes and then runs the injected scope validator, if any. An empty
// request is always valid; the flow's defaults apply.
func (c *Config) validateScope(ctx context.Context, clientID, scope string) *oautherr.Error {
	if scope == "" {
		return nil
	}
	if len(c.scopes) > 0 {
		allowed := make(map[string]struct{}, len(c.scopes))
		for _, s := range c.scopes {
			allowed[s] = struct{}{}
		}
		for _, s := range splitScope(scope) {
			if _, ok := allowed[s]; !ok {
				return oautherr.InvalidScope(fmt.Sprintf("scope %q is not supported", s))
			}
		}
	}
	if c.scopeValidator != nil {
		if err := c.scopeValidator(ctx, clientID, scope); err != nil {
			return oautherr.InvalidScope(err.Error())
		}
	}
	return nil
}

// logGrant records a successful issuance without leaking token material.
func (c *Config) logGrant(grantType, clientID, subject string) {
	c.logger.Info("token issued",
		"grant_type", grantType,
		"client_id", clientID,
		"subject", util.SafeTruncate(subject, 8))
}

// deleteCodeQuiet removes a spent code; failures are logged, not surfaced,
// since the exchange already succeeded.
func (c *Config) deleteCodeQuiet(ctx context.Context, store storage.CodeStore, code string) {
	if err := store.DeleteCode(ctx, code); err != nil {
		c.logger.Warn("failed to delete spent authorization code", "error", err)
	}
}
