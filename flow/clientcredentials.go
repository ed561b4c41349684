package flow

import (
	"context"
	"fmt"
	"slices"

	"github.com/velumlabs/oauthkit/clientauth"
	"github.com/velumlabs/oauthkit/keys"
	"github.com/velumlabs/oauthkit/oautherr"
)

// ClientCredentialsFlow implements the client-credentials grant (RFC 6749
// §4.4). There is no authorization step and no public-client variant: the
// "none" authentication method is rejected at construction.
type ClientCredentialsFlow struct {
	cfg *Config
}

// NewClientCredentialsFlow builds the flow.
func NewClientCredentialsFlow(authority *keys.Authority, opts ...Option) (*ClientCredentialsFlow, error) {
	defaultMethods := []clientauth.Method{
		clientauth.MethodClientSecretBasic,
		clientauth.MethodClientSecretPost,
	}
	cfg, err := newConfig("client_credentials", authority, defaultMethods, opts)
	if err != nil {
		return nil, err
	}
	if slices.Contains(cfg.authMethods, clientauth.MethodNone) {
		return nil, fmt.Errorf("client_credentials: the \"none\" client authentication method is not permitted")
	}
	return &ClientCredentialsFlow{cfg: cfg}, nil
}

// GrantType implements Flow.
func (f *ClientCredentialsFlow) GrantType() string { return GrantTypeClientCredentials }

// Token issues an access token for the client itself. The subject of the
// token is the client id; no refresh token is issued by default.
func (f *ClientCredentialsFlow) Token(ctx context.Context, req *TokenRequest) (*TokenResponse, *oautherr.Error) {
	client, thumbprint, werr := f.cfg.preflight(ctx, req, GrantTypeClientCredentials)
	if werr != nil {
		return nil, werr
	}

	if werr := f.cfg.validateClientSecret(ctx, client); werr != nil {
		return nil, werr
	}

	scope := req.Form.Get("scope")
	if werr := f.cfg.validateScope(ctx, client.ClientID, scope); werr != nil {
		return nil, werr
	}

	grant := &TokenGrant{
		GrantType:  GrantTypeClientCredentials,
		Client:     client,
		Subject:    client.ClientID,
		Scope:      scope,
		Thumbprint: thumbprint,
		Form:       req.Form,
		Issuers:    f.cfg.issuersFor(client.ClientID, thumbprint),
	}

	resp, werr := f.cfg.finishGrant(ctx, grant, false)
	if werr != nil {
		return nil, werr
	}
	f.cfg.logGrant(GrantTypeClientCredentials, client.ClientID, client.ClientID)
	return resp, nil
}

// Refresh implements Flow. Client-credentials grants are re-requested, not
// refreshed; the flow always declines.
func (f *ClientCredentialsFlow) Refresh(context.Context, *TokenRequest) (*TokenResponse, *oautherr.Error) {
	return nil, nil
}

// DiscoveryFragment implements Flow.
func (f *ClientCredentialsFlow) DiscoveryFragment() Fragment {
	frag := Fragment{
		"grant_types_supported":                 []string{GrantTypeClientCredentials},
		"token_endpoint_auth_methods_supported": f.cfg.authMethodNames(),
	}
	if len(f.cfg.scopes) > 0 {
		frag["scopes_supported"] = f.cfg.scopes
	}
	return frag
}
