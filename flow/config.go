package flow

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/velumlabs/oauthkit/clientauth"
	"github.com/velumlabs/oauthkit/keys"
	"github.com/velumlabs/oauthkit/security"
	"github.com/velumlabs/oauthkit/storage"
	"github.com/velumlabs/oauthkit/tokentype"
)

// Defaults applied when the corresponding option is not given.
const (
	DefaultTokenTTL       = time.Hour
	DefaultRefreshTTL     = 90 * 24 * time.Hour
	DefaultCodeTTL        = 10 * time.Minute
	DefaultDeviceTTL      = 15 * time.Minute
	DefaultDeviceInterval = 5 * time.Second
)

// CodeGenerator produces opaque code strings (authorization codes, device
// codes). The engine round-trips the values; it never inspects them.
type CodeGenerator func(ctx context.Context) (string, error)

// ScopeValidator is the injected scope-policy callback. A non-nil error
// rejects the requested scope.
type ScopeValidator func(ctx context.Context, clientID, scope string) error

// TokenIssuers are the ready-to-call closures handed to an injected token
// handler, already bound to the key authority, issuer, audience, and TTLs.
type TokenIssuers struct {
	// CreateAccessToken signs a JWT access token for the subject. Extra
	// claims are merged over the standard set.
	CreateAccessToken func(ctx context.Context, subject, scope string, extra map[string]any) (string, error)

	// CreateIDToken signs an OpenID Connect ID token.
	CreateIDToken func(ctx context.Context, subject, nonce string, extra map[string]any) (string, error)

	// CreateRefreshToken signs a refresh token bound to the client.
	CreateRefreshToken func(ctx context.Context, subject, scope string) (string, error)
}

// TokenGrant is everything an injected token handler receives about a grant
// that already passed the engine's validation.
type TokenGrant struct {
	GrantType string
	Client    *clientauth.Result
	Subject   string
	Scope     string
	Nonce     string
	// Thumbprint is the DPoP key thumbprint bound to this request, empty
	// for Bearer.
	Thumbprint string
	// Form exposes the raw request parameters for handler-specific fields.
	Form map[string][]string
	// Issuers are bound to this grant's client and the flow's authority.
	Issuers TokenIssuers
}

// TokenHandler lets the host replace the engine's default issuance. It may
// return a response, a wire error (*oautherr.Error), or any other error
// (converted to invalid_request). Returning (nil, nil) is treated as a
// generic invalid_request.
type TokenHandler func(ctx context.Context, grant *TokenGrant) (*TokenResponse, error)

// Config is the assembled, immutable configuration of one flow engine.
// Construct it through the New*Flow constructors with options; the zero
// value is not usable.
type Config struct {
	name       string
	issuer     string
	audience   string
	scopes     []string
	tokenTTL   time.Duration
	refreshTTL time.Duration
	codeTTL    time.Duration

	authority *keys.Authority
	resolver  *clientauth.Resolver
	tokenType tokentype.Validator

	codes   storage.CodeStore
	devices storage.DeviceStore
	clients storage.ClientStore

	authMethods    []clientauth.Method
	secretResolver clientauth.SecretResolver
	keyResolver    clientauth.KeyResolver

	generateCode   CodeGenerator
	scopeValidator ScopeValidator
	tokenHandler   TokenHandler

	// Authorization-code endpoint hooks.
	authorizeHandler AuthorizeHandler
	codeHandler      AuthorizeHandler
	renderer         ContinueRenderer

	// Device flow.
	deviceTTL       time.Duration
	deviceInterval  time.Duration
	verificationURI string
	pollLimiter     *security.RateLimiter
	deviceGenerator DeviceGenerator

	logger *slog.Logger
	now    func() time.Time
}

// Option configures a flow engine before construction.
type Option func(*Config)

// WithIssuer sets the iss claim and discovery issuer.
func WithIssuer(issuer string) Option {
	return func(c *Config) { c.issuer = issuer }
}

// WithAudience sets the aud claim of issued access tokens. Defaults to the
// issuer.
func WithAudience(audience string) Option {
	return func(c *Config) { c.audience = audience }
}

// WithScopes sets the scopes this flow supports.
func WithScopes(scopes ...string) Option {
	return func(c *Config) { c.scopes = scopes }
}

// WithTokenTTL sets the access-token lifetime.
func WithTokenTTL(ttl time.Duration) Option {
	return func(c *Config) { c.tokenTTL = ttl }
}

// WithRefreshTTL sets the refresh-token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(c *Config) { c.refreshTTL = ttl }
}

// WithCodeTTL sets the authorization-code lifetime.
func WithCodeTTL(ttl time.Duration) Option {
	return func(c *Config) { c.codeTTL = ttl }
}

// WithClientAuthMethods sets the enabled client authentication methods.
func WithClientAuthMethods(methods ...clientauth.Method) Option {
	return func(c *Config) { c.authMethods = methods }
}

// WithTokenType sets the token-type strategy. Defaults to Bearer.
func WithTokenType(v tokentype.Validator) Option {
	return func(c *Config) { c.tokenType = v }
}

// WithCodeStore injects the authorization-code store.
func WithCodeStore(s storage.CodeStore) Option {
	return func(c *Config) { c.codes = s }
}

// WithDeviceStore injects the device-code store.
func WithDeviceStore(s storage.DeviceStore) Option {
	return func(c *Config) { c.devices = s }
}

// WithClientStore injects the client registry used for secret validation.
func WithClientStore(s storage.ClientStore) Option {
	return func(c *Config) { c.clients = s }
}

// WithSecretResolver supplies shared secrets for client_secret_jwt.
func WithSecretResolver(r clientauth.SecretResolver) Option {
	return func(c *Config) { c.secretResolver = r }
}

// WithKeyResolver supplies public keys for private_key_jwt.
func WithKeyResolver(r clientauth.KeyResolver) Option {
	return func(c *Config) { c.keyResolver = r }
}

// WithCodeGenerator overrides the opaque-code generator.
func WithCodeGenerator(g CodeGenerator) Option {
	return func(c *Config) { c.generateCode = g }
}

// WithScopeValidator injects the scope-policy callback.
func WithScopeValidator(v ScopeValidator) Option {
	return func(c *Config) { c.scopeValidator = v }
}

// WithTokenHandler replaces the default token issuance.
func WithTokenHandler(h TokenHandler) Option {
	return func(c *Config) { c.tokenHandler = h }
}

// WithAuthorizeHandler sets the GET authorization-endpoint hook.
func WithAuthorizeHandler(h AuthorizeHandler) Option {
	return func(c *Config) { c.authorizeHandler = h }
}

// WithCodeHandler sets the POST authorization-endpoint hook. Defaults to
// the authorize handler.
func WithCodeHandler(h AuthorizeHandler) Option {
	return func(c *Config) { c.codeHandler = h }
}

// WithContinueRenderer sets the hook invoked when an authorization decision
// is "continue" (e.g. login succeeded, awaiting consent). The engine knows
// nothing about presentation; it only calls this.
func WithContinueRenderer(r ContinueRenderer) Option {
	return func(c *Config) { c.renderer = r }
}

// WithDeviceTTL sets the device-code lifetime.
func WithDeviceTTL(ttl time.Duration) Option {
	return func(c *Config) { c.deviceTTL = ttl }
}

// WithDeviceInterval sets the minimum poll interval handed to devices.
func WithDeviceInterval(interval time.Duration) Option {
	return func(c *Config) { c.deviceInterval = interval }
}

// WithVerificationURI sets the URI users visit to enter their user code.
func WithVerificationURI(uri string) Option {
	return func(c *Config) { c.verificationURI = uri }
}

// WithPollLimiter sets the per-device-code rate limiter backing slow_down.
func WithPollLimiter(l *security.RateLimiter) Option {
	return func(c *Config) { c.pollLimiter = l }
}

// WithDeviceGenerator overrides how device records are generated. The
// default mints an opaque device code and a short user code.
func WithDeviceGenerator(g DeviceGenerator) Option {
	return func(c *Config) { c.deviceGenerator = g }
}

// WithFlowLogger sets the flow's logger.
func WithFlowLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.logger = logger }
}

// WithFlowClock overrides the flow's time source. Intended for tests.
func WithFlowClock(now func() time.Time) Option {
	return func(c *Config) { c.now = now }
}

// newConfig applies options over defaults and validates the parts every
// flow needs. Flow-specific validation happens in the constructors.
func newConfig(name string, authority *keys.Authority, defaultMethods []clientauth.Method, opts []Option) (*Config, error) {
	if authority == nil {
		return nil, fmt.Errorf("%s: key authority is required", name)
	}

	c := &Config{
		name:           name,
		tokenTTL:       DefaultTokenTTL,
		refreshTTL:     DefaultRefreshTTL,
		codeTTL:        DefaultCodeTTL,
		deviceTTL:      DefaultDeviceTTL,
		deviceInterval: DefaultDeviceInterval,
		authority:      authority,
		authMethods:    defaultMethods,
		logger:         slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.issuer == "" {
		return nil, fmt.Errorf("%s: issuer is required", name)
	}
	if c.audience == "" {
		c.audience = c.issuer
	}
	if c.tokenType == nil {
		c.tokenType = tokentype.NewBearer()
	}
	if c.generateCode == nil {
		c.generateCode = func(context.Context) (string, error) {
			return oauth2.GenerateVerifier(), nil
		}
	}
	c.logger = c.logger.With("flow", name)

	resolver, err := clientauth.NewResolver(clientauth.Config{
		Methods:        c.authMethods,
		SecretResolver: c.secretResolver,
		KeyResolver:    c.keyResolver,
		Logger:         c.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	c.resolver = resolver

	return c, nil
}

// authMethodNames renders the enabled methods for discovery metadata.
func (c *Config) authMethodNames() []string {
	methods := c.resolver.Methods()
	names := make([]string, len(methods))
	for i, m := range methods {
		names[i] = string(m)
	}
	return names
}

// ContinueRenderer renders the intermediate page (login form, consent
// prompt) when an authorization decision is "continue".
type ContinueRenderer func(w http.ResponseWriter, r *http.Request, req *AuthorizeRequest)
