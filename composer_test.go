package oauthkit

import (
	"context"
	"net/url"
	"reflect"
	"testing"

	"github.com/velumlabs/oauthkit/flow"
	"github.com/velumlabs/oauthkit/keys"
	"github.com/velumlabs/oauthkit/oautherr"
	"github.com/velumlabs/oauthkit/storage/memory"
)

// fakeFlow is a minimal Flow for routing and discovery tests.
type fakeFlow struct {
	grant       string
	fragment    flow.Fragment
	tokenResp   *flow.TokenResponse
	refreshResp *flow.TokenResponse
	refreshErr  *oautherr.Error
	refreshLog  *[]string
}

func (f *fakeFlow) GrantType() string { return f.grant }

func (f *fakeFlow) Token(context.Context, *flow.TokenRequest) (*flow.TokenResponse, *oautherr.Error) {
	if f.tokenResp != nil {
		return f.tokenResp, nil
	}
	return nil, oautherr.ServerError("no response configured")
}

func (f *fakeFlow) Refresh(context.Context, *flow.TokenRequest) (*flow.TokenResponse, *oautherr.Error) {
	if f.refreshLog != nil {
		*f.refreshLog = append(*f.refreshLog, f.grant)
	}
	return f.refreshResp, f.refreshErr
}

func (f *fakeFlow) DiscoveryFragment() flow.Fragment { return f.fragment }

// authorizeFakeFlow advertises a browser authorization endpoint.
type authorizeFakeFlow struct{ fakeFlow }

func (f *authorizeFakeFlow) IssueCode(context.Context, flow.IssueCodeParams) (string, error) {
	return "", nil
}

// deviceFakeFlow advertises a device verification surface.
type deviceFakeFlow struct{ fakeFlow }

func (f *deviceFakeFlow) Approve(context.Context, string, string) error { return nil }

func testComposerAuthority(t *testing.T) *keys.Authority {
	t.Helper()
	store := memory.NewWithInterval(0)
	t.Cleanup(store.Stop)
	authority, err := keys.NewAuthority(store)
	if err != nil {
		t.Fatalf("NewAuthority() error = %v", err)
	}
	return authority
}

func composerRequest(form url.Values) *flow.TokenRequest {
	return &flow.TokenRequest{Form: form}
}

func TestNewComposer_Validation(t *testing.T) {
	authority := testComposerAuthority(t)

	tests := []struct {
		name string
		opts []ComposerOption
	}{
		{
			name: "missing issuer",
			opts: []ComposerOption{WithFlows(&fakeFlow{grant: "a"})},
		},
		{
			name: "no flows",
			opts: []ComposerOption{WithIssuer("https://issuer.example.com")},
		},
		{
			name: "duplicate grant type",
			opts: []ComposerOption{
				WithIssuer("https://issuer.example.com"),
				WithFlows(&fakeFlow{grant: "dup"}, &fakeFlow{grant: "dup"}),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewComposer(authority, tt.opts...); err == nil {
				t.Error("NewComposer() should fail")
			}
		})
	}

	if _, err := NewComposer(nil, WithIssuer("https://issuer.example.com"), WithFlows(&fakeFlow{grant: "a"})); err == nil {
		t.Error("NewComposer() should require an authority")
	}
}

func TestComposer_Dispatch(t *testing.T) {
	authority := testComposerAuthority(t)
	want := &flow.TokenResponse{AccessToken: "issued", TokenType: "Bearer"}
	c, err := NewComposer(authority,
		WithIssuer("https://issuer.example.com"),
		WithFlows(
			&fakeFlow{grant: "client_credentials", tokenResp: want},
			&fakeFlow{grant: "authorization_code"},
		),
	)
	if err != nil {
		t.Fatalf("NewComposer() error = %v", err)
	}
	ctx := context.Background()

	resp, werr := c.Dispatch(ctx, composerRequest(url.Values{"grant_type": {"client_credentials"}}))
	if werr != nil {
		t.Fatalf("Dispatch() error = %v", werr)
	}
	if resp.AccessToken != "issued" {
		t.Errorf("AccessToken = %q, want %q", resp.AccessToken, "issued")
	}

	_, werr = c.Dispatch(ctx, composerRequest(url.Values{}))
	if werr == nil || werr.Code != oautherr.CodeInvalidRequest {
		t.Errorf("missing grant_type = %v, want invalid_request", werr)
	}

	_, werr = c.Dispatch(ctx, composerRequest(url.Values{"grant_type": {"password"}}))
	if werr == nil || werr.Code != oautherr.CodeUnsupportedGrantType {
		t.Errorf("unknown grant_type = %v, want unsupported_grant_type", werr)
	}
}

func TestComposer_RefreshDispatchOrder(t *testing.T) {
	authority := testComposerAuthority(t)
	var calls []string
	want := &flow.TokenResponse{AccessToken: "refreshed"}
	c, err := NewComposer(authority,
		WithIssuer("https://issuer.example.com"),
		WithFlows(
			&fakeFlow{grant: "first", refreshLog: &calls},
			&fakeFlow{grant: "second", refreshLog: &calls, refreshResp: want},
			&fakeFlow{grant: "third", refreshLog: &calls, refreshResp: &flow.TokenResponse{AccessToken: "never"}},
		),
	)
	if err != nil {
		t.Fatalf("NewComposer() error = %v", err)
	}

	resp, werr := c.Dispatch(context.Background(), composerRequest(url.Values{
		"grant_type": {flow.GrantTypeRefreshToken},
	}))
	if werr != nil {
		t.Fatalf("Dispatch() error = %v", werr)
	}
	if resp.AccessToken != "refreshed" {
		t.Errorf("AccessToken = %q, want the second flow's response", resp.AccessToken)
	}
	if !reflect.DeepEqual(calls, []string{"first", "second"}) {
		t.Errorf("refresh call order = %v, want [first second]", calls)
	}
}

func TestComposer_RefreshErrorStopsDispatch(t *testing.T) {
	authority := testComposerAuthority(t)
	var calls []string
	c, err := NewComposer(authority,
		WithIssuer("https://issuer.example.com"),
		WithFlows(
			&fakeFlow{grant: "first", refreshLog: &calls, refreshErr: oautherr.InvalidGrant("token revoked")},
			&fakeFlow{grant: "second", refreshLog: &calls, refreshResp: &flow.TokenResponse{AccessToken: "never"}},
		),
	)
	if err != nil {
		t.Fatalf("NewComposer() error = %v", err)
	}

	_, werr := c.Dispatch(context.Background(), composerRequest(url.Values{
		"grant_type": {flow.GrantTypeRefreshToken},
	}))
	if werr == nil || werr.Code != oautherr.CodeInvalidGrant {
		t.Fatalf("Dispatch() = %v, want invalid_grant", werr)
	}
	if !reflect.DeepEqual(calls, []string{"first"}) {
		t.Errorf("refresh call order = %v, a settled error must stop dispatch", calls)
	}
}

func TestComposer_RefreshAllDecline(t *testing.T) {
	authority := testComposerAuthority(t)
	c, err := NewComposer(authority,
		WithIssuer("https://issuer.example.com"),
		WithFlows(&fakeFlow{grant: "only"}),
	)
	if err != nil {
		t.Fatalf("NewComposer() error = %v", err)
	}

	_, werr := c.Dispatch(context.Background(), composerRequest(url.Values{
		"grant_type": {flow.GrantTypeRefreshToken},
	}))
	if werr == nil || werr.Code != oautherr.CodeUnsupportedGrantType {
		t.Errorf("Dispatch() = %v, want unsupported_grant_type", werr)
	}
}

func TestComposer_DiscoveryMerge(t *testing.T) {
	authority := testComposerAuthority(t)
	c, err := NewComposer(authority,
		WithIssuer("https://issuer.example.com"),
		WithFlows(
			&fakeFlow{grant: "authorization_code", fragment: flow.Fragment{
				"grant_types_supported": []string{"authorization_code", "refresh_token"},
				"scopes_supported":      []string{"openid", "email"},
				"custom_scalar":         "first",
			}},
			&fakeFlow{grant: "client_credentials", fragment: flow.Fragment{
				"grant_types_supported": []string{"client_credentials"},
				"scopes_supported":      []string{"openid", "api"},
				"custom_scalar":         "second",
			}},
		),
	)
	if err != nil {
		t.Fatalf("NewComposer() error = %v", err)
	}

	doc := c.Discovery()

	if got, _ := doc["issuer"].(string); got != "https://issuer.example.com" {
		t.Errorf("issuer = %q", got)
	}
	if got, _ := doc["token_endpoint"].(string); got != "https://issuer.example.com"+DefaultTokenPath {
		t.Errorf("token_endpoint = %q", got)
	}
	if got, _ := doc["jwks_uri"].(string); got != "https://issuer.example.com"+DefaultJWKSPath {
		t.Errorf("jwks_uri = %q", got)
	}

	wantGrants := []string{"authorization_code", "client_credentials", "refresh_token"}
	if got, _ := doc["grant_types_supported"].([]string); !reflect.DeepEqual(got, wantGrants) {
		t.Errorf("grant_types_supported = %v, want sorted union %v", got, wantGrants)
	}
	wantScopes := []string{"api", "email", "openid"}
	if got, _ := doc["scopes_supported"].([]string); !reflect.DeepEqual(got, wantScopes) {
		t.Errorf("scopes_supported = %v, want sorted union %v", got, wantScopes)
	}
	wantClaims := []string{"aud", "exp", "iat", "iss", "jti", "sub"}
	if got, _ := doc["claims_supported"].([]string); !reflect.DeepEqual(got, wantClaims) {
		t.Errorf("claims_supported = %v, want default %v", got, wantClaims)
	}
	if got, _ := doc["custom_scalar"].(string); got != "second" {
		t.Errorf("custom_scalar = %q, scalars are last-write-wins", got)
	}

	if !reflect.DeepEqual(doc, c.Discovery()) {
		t.Error("Discovery() must be deterministic across calls")
	}
}

func TestComposer_DiscoveryOverrides(t *testing.T) {
	authority := testComposerAuthority(t)
	c, err := NewComposer(authority,
		WithIssuer("https://issuer.example.com"),
		WithFlows(&fakeFlow{grant: "client_credentials", fragment: flow.Fragment{
			"custom_scalar": "from-flow",
		}}),
		WithDiscoveryOverrides(map[string]any{
			"custom_scalar":         "from-override",
			"service_documentation": "https://issuer.example.com/docs",
			"scopes_supported":      []string{"zzz"},
			"registration_endpoint": "https://issuer.example.com/register",
		}),
	)
	if err != nil {
		t.Fatalf("NewComposer() error = %v", err)
	}

	doc := c.Discovery()
	if got, _ := doc["custom_scalar"].(string); got != "from-override" {
		t.Errorf("custom_scalar = %q, overrides must win", got)
	}
	if got, _ := doc["service_documentation"].(string); got != "https://issuer.example.com/docs" {
		t.Errorf("service_documentation = %q", got)
	}
	if got, _ := doc["registration_endpoint"].(string); got != "https://issuer.example.com/register" {
		t.Errorf("registration_endpoint = %q", got)
	}
}

func TestComposer_DiscoveryEndpointAdvertisement(t *testing.T) {
	authority := testComposerAuthority(t)

	plain, err := NewComposer(authority,
		WithIssuer("https://issuer.example.com"),
		WithFlows(&fakeFlow{grant: "client_credentials"}),
	)
	if err != nil {
		t.Fatalf("NewComposer() error = %v", err)
	}
	doc := plain.Discovery()
	if _, ok := doc["authorization_endpoint"]; ok {
		t.Error("authorization_endpoint advertised without an authorization flow")
	}
	if _, ok := doc["device_authorization_endpoint"]; ok {
		t.Error("device_authorization_endpoint advertised without a device flow")
	}

	full, err := NewComposer(authority,
		WithIssuer("https://issuer.example.com"),
		WithFlows(
			&authorizeFakeFlow{fakeFlow{grant: "authorization_code"}},
			&deviceFakeFlow{fakeFlow{grant: "device_code"}},
		),
	)
	if err != nil {
		t.Fatalf("NewComposer() error = %v", err)
	}
	doc = full.Discovery()
	if got, _ := doc["authorization_endpoint"].(string); got != "https://issuer.example.com"+DefaultAuthorizePath {
		t.Errorf("authorization_endpoint = %q", got)
	}
	if got, _ := doc["device_authorization_endpoint"].(string); got != "https://issuer.example.com"+DefaultDevicePath {
		t.Errorf("device_authorization_endpoint = %q", got)
	}
}

func TestComposer_DiscoveryRequiredFields(t *testing.T) {
	authority := testComposerAuthority(t)
	c, err := NewComposer(authority,
		WithIssuer("https://issuer.example.com"),
		WithFlows(&fakeFlow{grant: "client_credentials", fragment: flow.Fragment{
			"grant_types_supported":                 []string{"client_credentials"},
			"token_endpoint_auth_methods_supported": []string{"client_secret_basic"},
		}}),
	)
	if err != nil {
		t.Fatalf("NewComposer() error = %v", err)
	}

	doc := c.Discovery()
	required := []string{
		"issuer",
		"token_endpoint",
		"jwks_uri",
		"grant_types_supported",
		"response_types_supported",
		"scopes_supported",
		"token_endpoint_auth_methods_supported",
		"claims_supported",
		"subject_types_supported",
		"id_token_signing_alg_values_supported",
	}
	for _, field := range required {
		if _, ok := doc[field]; !ok {
			t.Errorf("discovery document missing %q", field)
		}
	}

	// Nothing configured any scopes or response types: present but empty.
	if got, _ := doc["scopes_supported"].([]string); len(got) != 0 {
		t.Errorf("scopes_supported = %v, want empty", got)
	}
	if got, _ := doc["response_types_supported"].([]string); len(got) != 0 {
		t.Errorf("response_types_supported = %v, want empty", got)
	}
}

func TestComposer_CustomPaths(t *testing.T) {
	authority := testComposerAuthority(t)
	c, err := NewComposer(authority,
		WithIssuer("https://issuer.example.com"),
		WithFlows(&fakeFlow{grant: "client_credentials"}),
		WithTokenPath("/custom/token"),
		WithJWKSPath("/custom/jwks"),
	)
	if err != nil {
		t.Fatalf("NewComposer() error = %v", err)
	}

	doc := c.Discovery()
	if got, _ := doc["token_endpoint"].(string); got != "https://issuer.example.com/custom/token" {
		t.Errorf("token_endpoint = %q", got)
	}
	if got, _ := doc["jwks_uri"].(string); got != "https://issuer.example.com/custom/jwks" {
		t.Errorf("jwks_uri = %q", got)
	}
}
