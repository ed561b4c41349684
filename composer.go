package oauthkit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/velumlabs/oauthkit/flow"
	"github.com/velumlabs/oauthkit/internal/util"
	"github.com/velumlabs/oauthkit/keys"
	"github.com/velumlabs/oauthkit/oautherr"
)

// Default mount paths for the composed endpoints.
const (
	DefaultTokenPath     = "/oauth2/token"
	DefaultAuthorizePath = "/oauth2/authorize"
	DefaultDevicePath    = "/oauth2/device_authorization"
	DefaultJWKSPath      = "/oauth2/jwks"
	DefaultDiscoveryPath = "/.well-known/openid-configuration"
)

// Composer aggregates independently configured grant flows behind one token
// endpoint, one JWKS endpoint, and one merged discovery document. Flows keep
// registration order: refresh dispatch and discovery merging both honor it.
type Composer struct {
	issuer    string
	flows     []flow.Flow
	byGrant   map[string]flow.Flow
	authority *keys.Authority
	overrides map[string]any
	logger    *slog.Logger

	tokenPath     string
	authorizePath string
	devicePath    string
	jwksPath      string
	discoveryPath string
}

// ComposerOption configures a Composer.
type ComposerOption func(*Composer)

// WithIssuer sets the issuer URL advertised in the discovery document.
// Required.
func WithIssuer(issuer string) ComposerOption {
	return func(c *Composer) { c.issuer = issuer }
}

// WithFlows registers grant flows. Order is significant: refresh_token
// requests are offered to each flow in this order, and discovery fragments
// merge in this order.
func WithFlows(flows ...flow.Flow) ComposerOption {
	return func(c *Composer) { c.flows = append(c.flows, flows...) }
}

// WithDiscoveryOverrides sets fields applied to the discovery document after
// all flow fragments have merged. Overrides win unconditionally.
func WithDiscoveryOverrides(overrides map[string]any) ComposerOption {
	return func(c *Composer) { c.overrides = overrides }
}

// WithTokenPath overrides the token endpoint mount path.
func WithTokenPath(path string) ComposerOption {
	return func(c *Composer) { c.tokenPath = path }
}

// WithAuthorizePath overrides the authorization endpoint mount path.
func WithAuthorizePath(path string) ComposerOption {
	return func(c *Composer) { c.authorizePath = path }
}

// WithDevicePath overrides the device authorization endpoint mount path.
func WithDevicePath(path string) ComposerOption {
	return func(c *Composer) { c.devicePath = path }
}

// WithJWKSPath overrides the JWKS endpoint mount path.
func WithJWKSPath(path string) ComposerOption {
	return func(c *Composer) { c.jwksPath = path }
}

// WithDiscoveryPath overrides the discovery document mount path.
func WithDiscoveryPath(path string) ComposerOption {
	return func(c *Composer) { c.discoveryPath = path }
}

// WithComposerLogger sets the structured logger.
func WithComposerLogger(logger *slog.Logger) ComposerOption {
	return func(c *Composer) { c.logger = logger }
}

// NewComposer builds a Composer over the given key authority and flows.
// Registering two flows with the same grant type is a configuration error.
func NewComposer(authority *keys.Authority, opts ...ComposerOption) (*Composer, error) {
	if authority == nil {
		return nil, fmt.Errorf("key authority is required")
	}

	c := &Composer{
		authority:     authority,
		tokenPath:     DefaultTokenPath,
		authorizePath: DefaultAuthorizePath,
		devicePath:    DefaultDevicePath,
		jwksPath:      DefaultJWKSPath,
		discoveryPath: DefaultDiscoveryPath,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if len(c.flows) == 0 {
		return nil, fmt.Errorf("at least one flow is required")
	}

	c.byGrant = make(map[string]flow.Flow, len(c.flows))
	for _, f := range c.flows {
		gt := f.GrantType()
		if _, dup := c.byGrant[gt]; dup {
			return nil, fmt.Errorf("duplicate flow for grant type %q", gt)
		}
		c.byGrant[gt] = f
	}

	c.logger = c.logger.With("component", "composer")
	return c, nil
}

// Authority returns the shared signing-key authority.
func (c *Composer) Authority() *keys.Authority { return c.authority }

// Flows returns the registered flows in registration order.
func (c *Composer) Flows() []flow.Flow { return c.flows }

// Dispatch routes one token-endpoint request to the flow owning its
// grant_type. refresh_token is special: no flow owns it exclusively, so the
// request is offered to each flow in registration order and the first one
// that does not decline settles it.
func (c *Composer) Dispatch(ctx context.Context, req *flow.TokenRequest) (*flow.TokenResponse, *oautherr.Error) {
	grantType := req.Form.Get("grant_type")
	if grantType == "" {
		return nil, oautherr.InvalidRequest("grant_type is required")
	}

	if grantType == flow.GrantTypeRefreshToken {
		return c.dispatchRefresh(ctx, req)
	}

	f, ok := c.byGrant[grantType]
	if !ok {
		return nil, oautherr.UnsupportedGrantType(fmt.Sprintf("grant_type %q is not supported", grantType))
	}
	return f.Token(ctx, req)
}

func (c *Composer) dispatchRefresh(ctx context.Context, req *flow.TokenRequest) (*flow.TokenResponse, *oautherr.Error) {
	for _, f := range c.flows {
		resp, werr := f.Refresh(ctx, req)
		if resp == nil && werr == nil {
			continue
		}
		return resp, werr
	}
	return nil, oautherr.UnsupportedGrantType("grant_type \"refresh_token\" is not supported")
}

// defaultClaims are the registered claims every token the engine signs
// carries, advertised as the baseline claims_supported.
var defaultClaims = []string{"aud", "exp", "iat", "iss", "jti", "sub"}

// Discovery builds the merged OpenID Connect discovery document. Fragments
// merge in flow registration order: array-valued fields are set-unioned and
// sorted, scalar fields last-write-wins. Overrides apply last.
func (c *Composer) Discovery() map[string]any {
	doc := map[string]any{
		"issuer":                                c.issuer,
		"token_endpoint":                        c.issuer + c.tokenPath,
		"jwks_uri":                              c.issuer + c.jwksPath,
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{keys.SigningAlgorithm},
		"claims_supported":                      append([]string(nil), defaultClaims...),
		// Present even when empty; flow fragments and overrides union
		// their values in.
		"scopes_supported":         []string{},
		"response_types_supported": []string{},
	}
	if c.hasAuthorize() {
		doc["authorization_endpoint"] = c.issuer + c.authorizePath
	}
	if c.hasDevice() {
		doc["device_authorization_endpoint"] = c.issuer + c.devicePath
	}

	for _, f := range c.flows {
		mergeFragment(doc, f.DiscoveryFragment())
	}
	mergeFragment(doc, c.overrides)

	return doc
}

func (c *Composer) hasAuthorize() bool {
	for _, f := range c.flows {
		if _, ok := f.(interface{ IssueCode(context.Context, flow.IssueCodeParams) (string, error) }); ok {
			return true
		}
	}
	return false
}

func (c *Composer) hasDevice() bool {
	for _, f := range c.flows {
		if _, ok := f.(interface {
			Approve(context.Context, string, string) error
		}); ok {
			return true
		}
	}
	return false
}

// mergeFragment folds one fragment into the document. When both sides hold
// string slices the values are unioned and sorted so merge order never
// changes array content; everything else overwrites.
func mergeFragment(doc map[string]any, frag map[string]any) {
	keyOrder := make([]string, 0, len(frag))
	for k := range frag {
		keyOrder = append(keyOrder, k)
	}
	sort.Strings(keyOrder)

	for _, k := range keyOrder {
		v := frag[k]
		existing, present := doc[k]
		if !present {
			doc[k] = cloneValue(v)
			continue
		}
		oldSlice, oldOK := asStringSlice(existing)
		newSlice, newOK := asStringSlice(v)
		if oldOK && newOK {
			doc[k] = util.UnionSorted(oldSlice, newSlice)
			continue
		}
		doc[k] = cloneValue(v)
	}
}

func asStringSlice(v any) ([]string, bool) {
	switch s := v.(type) {
	case []string:
		return s, true
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			str, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, str)
		}
		return out, true
	}
	return nil, false
}

func cloneValue(v any) any {
	if s, ok := v.([]string); ok {
		out := make([]string, len(s))
		copy(out, s)
		return out
	}
	return v
}
