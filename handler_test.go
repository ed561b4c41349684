package oauthkit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/velumlabs/oauthkit/flow"
	"github.com/velumlabs/oauthkit/internal/testutil"
	"github.com/velumlabs/oauthkit/keys"
	"github.com/velumlabs/oauthkit/oautherr"
	"github.com/velumlabs/oauthkit/storage"
	"github.com/velumlabs/oauthkit/storage/memory"
)

const handlerIssuer = "https://issuer.example.com"

// newTestMux composes a client-credentials and a device flow over a shared
// authority and mounts them on a fresh ServeMux.
func newTestMux(t *testing.T) (*http.ServeMux, *flow.DeviceFlow) {
	t.Helper()
	store := memory.NewWithInterval(0)
	t.Cleanup(store.Stop)

	if err := store.RegisterClient(context.Background(), &storage.Client{
		ClientID: "svc-client",
	}, "svc-secret"); err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	authority, err := keys.NewAuthority(store)
	if err != nil {
		t.Fatalf("NewAuthority() error = %v", err)
	}

	cc, err := flow.NewClientCredentialsFlow(authority,
		flow.WithIssuer(handlerIssuer),
		flow.WithClientStore(store),
	)
	if err != nil {
		t.Fatalf("NewClientCredentialsFlow() error = %v", err)
	}
	device, err := flow.NewDeviceFlow(authority,
		flow.WithIssuer(handlerIssuer),
		flow.WithDeviceStore(store),
		flow.WithVerificationURI(handlerIssuer+"/device"),
	)
	if err != nil {
		t.Fatalf("NewDeviceFlow() error = %v", err)
	}

	composer, err := NewComposer(authority,
		WithIssuer(handlerIssuer),
		WithFlows(cc, device),
	)
	if err != nil {
		t.Fatalf("NewComposer() error = %v", err)
	}

	mux := http.NewServeMux()
	NewHandler(composer, nil).Mount(NewMuxRegistrar(mux))
	return mux, device
}

func postForm(t *testing.T, mux *http.ServeMux, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, testutil.FormRequest(t, path, form))
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("response body %q is not valid JSON: %v", rec.Body.String(), err)
	}
}

func TestHandler_ServeToken(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := postForm(t, mux, DefaultTokenPath, url.Values{
		"grant_type":    {flow.GrantTypeClientCredentials},
		"client_id":     {"svc-client"},
		"client_secret": {"svc-secret"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}
	if pragma := rec.Header().Get("Pragma"); pragma != "no-cache" {
		t.Errorf("Pragma = %q, want no-cache", pragma)
	}

	var resp flow.TokenResponse
	decodeJSON(t, rec, &resp)
	if resp.AccessToken == "" {
		t.Error("access_token should be set")
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("token_type = %q, want Bearer", resp.TokenType)
	}
}

func TestHandler_ServeToken_InvalidClient(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := postForm(t, mux, DefaultTokenPath, url.Values{
		"grant_type":    {flow.GrantTypeClientCredentials},
		"client_id":     {"svc-client"},
		"client_secret": {"wrong"},
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	var werr oautherr.Error
	decodeJSON(t, rec, &werr)
	if werr.Code != oautherr.CodeInvalidClient {
		t.Errorf("error = %q, want invalid_client", werr.Code)
	}
}

func TestHandler_ServeToken_UnsupportedGrant(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := postForm(t, mux, DefaultTokenPath, url.Values{
		"grant_type": {"password"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	var werr oautherr.Error
	decodeJSON(t, rec, &werr)
	if werr.Code != oautherr.CodeUnsupportedGrantType {
		t.Errorf("error = %q, want unsupported_grant_type", werr.Code)
	}
}

func TestHandler_TokenEndpointRejectsGET(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, DefaultTokenPath, nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestHandler_ServeJWKS(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, DefaultJWKSPath, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "public, max-age=300" {
		t.Errorf("Cache-Control = %q", cc)
	}

	var jwks keys.JWKS
	decodeJSON(t, rec, &jwks)
	if len(jwks.Keys) == 0 {
		t.Fatal("JWKS should contain at least one key")
	}
	if kty, _ := jwks.Keys[0]["kty"].(string); kty != "RSA" {
		t.Errorf("kty = %q, want RSA", kty)
	}
}

func TestHandler_ServeDiscovery(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, DefaultDiscoveryPath, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "public, max-age=3600" {
		t.Errorf("Cache-Control = %q", cc)
	}

	var doc map[string]any
	decodeJSON(t, rec, &doc)
	if got, _ := doc["issuer"].(string); got != handlerIssuer {
		t.Errorf("issuer = %q", got)
	}
	if got, _ := doc["token_endpoint"].(string); got != handlerIssuer+DefaultTokenPath {
		t.Errorf("token_endpoint = %q", got)
	}
	if got, _ := doc["device_authorization_endpoint"].(string); got != handlerIssuer+DefaultDevicePath {
		t.Errorf("device_authorization_endpoint = %q", got)
	}
	if _, ok := doc["authorization_endpoint"]; ok {
		t.Error("authorization_endpoint advertised without an authorization flow")
	}
}

func TestHandler_DeviceEndpointToToken(t *testing.T) {
	mux, device := newTestMux(t)

	rec := postForm(t, mux, DefaultDevicePath, url.Values{
		"client_id": {"svc-client"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("device authorization status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var auth flow.DeviceAuthorizationResponse
	decodeJSON(t, rec, &auth)
	if auth.DeviceCode == "" || auth.UserCode == "" {
		t.Fatalf("incomplete device response: %+v", auth)
	}
	if !strings.HasPrefix(auth.VerificationURI, handlerIssuer) {
		t.Errorf("verification_uri = %q", auth.VerificationURI)
	}

	if err := device.Approve(context.Background(), auth.UserCode, "couch-user"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	rec = postForm(t, mux, DefaultTokenPath, url.Values{
		"grant_type":  {flow.GrantTypeDeviceCode},
		"client_id":   {"svc-client"},
		"device_code": {auth.DeviceCode},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("poll status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp flow.TokenResponse
	decodeJSON(t, rec, &resp)
	if resp.AccessToken == "" {
		t.Error("access_token should be set")
	}
	if resp.RefreshToken == "" {
		t.Error("device grants should carry a refresh token")
	}
}
