package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/velumlabs/oauthkit/oautherr"
)

// refreshTokenType is the type claim distinguishing refresh tokens from
// access tokens. A refresh request presenting a token without it is
// rejected before any issuance.
const refreshTokenType = "refresh"

// accessTokenClaims builds the standard claim set of a JWT access token.
func (c *Config) accessTokenClaims(subject, clientID, scope, thumbprint string, extra map[string]any) jwt.MapClaims {
	now := c.now()
	claims := jwt.MapClaims{
		"iss":       c.issuer,
		"sub":       subject,
		"aud":       c.audience,
		"client_id": clientID,
		"iat":       now.Unix(),
		"exp":       now.Add(c.tokenTTL).Unix(),
		"jti":       uuid.NewString(),
	}
	if scope != "" {
		claims["scope"] = scope
	}
	if thumbprint != "" {
		claims["cnf"] = map[string]any{"jkt": thumbprint}
	}
	for k, v := range extra {
		claims[k] = v
	}
	return claims
}

// idTokenClaims builds the standard claim set of an OIDC ID token. The
// audience of an ID token is the client itself.
func (c *Config) idTokenClaims(subject, clientID, nonce string, extra map[string]any) jwt.MapClaims {
	now := c.now()
	claims := jwt.MapClaims{
		"iss": c.issuer,
		"sub": subject,
		"aud": clientID,
		"iat": now.Unix(),
		"exp": now.Add(c.tokenTTL).Unix(),
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	for k, v := range extra {
		claims[k] = v
	}
	return claims
}

// refreshTokenClaims builds the claim set of a refresh token.
func (c *Config) refreshTokenClaims(subject, clientID, scope string) jwt.MapClaims {
	now := c.now()
	claims := jwt.MapClaims{
		"iss":       c.issuer,
		"sub":       subject,
		"client_id": clientID,
		"type":      refreshTokenType,
		"iat":       now.Unix(),
		"exp":       now.Add(c.refreshTTL).Unix(),
		"jti":       uuid.NewString(),
	}
	if scope != "" {
		claims["scope"] = scope
	}
	return claims
}

// issuersFor binds the token-creation closures to one grant's client and
// request thumbprint, so injected handlers can mint tokens without touching
// the authority directly.
func (c *Config) issuersFor(clientID, thumbprint string) TokenIssuers {
	return TokenIssuers{
		CreateAccessToken: func(ctx context.Context, subject, scope string, extra map[string]any) (string, error) {
			return c.authority.Sign(ctx, c.accessTokenClaims(subject, clientID, scope, thumbprint, extra))
		},
		CreateIDToken: func(ctx context.Context, subject, nonce string, extra map[string]any) (string, error) {
			return c.authority.Sign(ctx, c.idTokenClaims(subject, clientID, nonce, extra))
		},
		CreateRefreshToken: func(ctx context.Context, subject, scope string) (string, error) {
			return c.authority.Sign(ctx, c.refreshTokenClaims(subject, clientID, scope))
		},
	}
}

// issueTokens is the default issuance path: an access token, a refresh
// token when wanted, and an ID token when the granted scope includes
// openid. Injected token handlers replace this wholesale.
func (c *Config) issueTokens(ctx context.Context, grant *TokenGrant, withRefresh bool) (*TokenResponse, *oautherr.Error) {
	accessToken, err := grant.Issuers.CreateAccessToken(ctx, grant.Subject, grant.Scope, nil)
	if err != nil {
		c.logger.Error("access token signing failed", "error", err)
		return nil, oautherr.ServerError("token issuance failed")
	}

	builder := NewResponse(accessToken, c.tokenType.TokenType()).
		ExpiresIn(int64(c.tokenTTL / time.Second)).
		Scope(grant.Scope)

	if withRefresh {
		refreshToken, err := grant.Issuers.CreateRefreshToken(ctx, grant.Subject, grant.Scope)
		if err != nil {
			c.logger.Error("refresh token signing failed", "error", err)
			return nil, oautherr.ServerError("token issuance failed")
		}
		builder.RefreshToken(refreshToken)
	}

	if scopeContains(grant.Scope, "openid") {
		idToken, err := grant.Issuers.CreateIDToken(ctx, grant.Subject, grant.Nonce, nil)
		if err != nil {
			c.logger.Error("id token signing failed", "error", err)
			return nil, oautherr.ServerError("token issuance failed")
		}
		builder.IDToken(idToken)
	}

	return builder.Build(), nil
}

// runTokenHandler invokes the injected token handler, guarding the engine
// against panics and converting every failure mode into a wire error. A
// nil-nil return from the handler is a generic invalid_request.
func (c *Config) runTokenHandler(ctx context.Context, grant *TokenGrant) (resp *TokenResponse, werr *oautherr.Error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("token handler panic", "panic", fmt.Sprint(r))
			resp = nil
			werr = oautherr.ServerError("internal error")
		}
	}()

	handlerResp, err := c.tokenHandler(ctx, grant)
	if err != nil {
		c.logger.Warn("token handler rejected grant", "client_id", grant.Client.ClientID, "error", err)
		return nil, oautherr.From(err)
	}
	if handlerResp == nil {
		return nil, oautherr.InvalidRequest("request rejected")
	}
	return handlerResp, nil
}

// finishGrant runs either the injected token handler or the default
// issuance for a validated grant.
func (c *Config) finishGrant(ctx context.Context, grant *TokenGrant, withRefresh bool) (*TokenResponse, *oautherr.Error) {
	if c.tokenHandler != nil {
		return c.runTokenHandler(ctx, grant)
	}
	return c.issueTokens(ctx, grant, withRefresh)
}
