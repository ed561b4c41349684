package security

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

var (
	proofKeyOnce sync.Once
	proofKey     *rsa.PrivateKey
)

func proofSigningKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	proofKeyOnce.Do(func() {
		var err error
		proofKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
	})
	return proofKey
}

type proofOverride func(header map[string]any, claims jwt.MapClaims)

func buildProof(t *testing.T, key *rsa.PrivateKey, method, target string, overrides ...proofOverride) string {
	t.Helper()

	claims := jwt.MapClaims{
		"htm": method,
		"htu": target,
		"iat": time.Now().Unix(),
		"jti": oauth2.GenerateVerifier(),
	}
	header := map[string]any{
		"typ": dpopHeaderType,
		"jwk": RSAPublicKeyToJWK("", &key.PublicKey),
	}
	for _, o := range overrides {
		o(header, claims)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	for k, v := range header {
		token.Header[k] = v
	}
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign proof: %v", err)
	}
	return signed
}

func newTestValidator(t *testing.T) *ProofValidator {
	t.Helper()
	cache := NewMemoryReplayCache()
	t.Cleanup(cache.Stop)

	v, err := NewProofValidator(0, cache, nil)
	if err != nil {
		t.Fatalf("NewProofValidator() error = %v", err)
	}
	return v
}

const proofTarget = "https://issuer.example.com/oauth2/token"

func TestProofValidator_Validate(t *testing.T) {
	v := newTestValidator(t)
	proof := buildProof(t, proofSigningKey(t), http.MethodPost, proofTarget)

	result, err := v.Validate(proof, http.MethodPost, proofTarget)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if result.Thumbprint == "" {
		t.Error("Validate() returned empty thumbprint")
	}
	if result.JTI == "" {
		t.Error("Validate() returned empty jti")
	}

	wantJWK := RSAPublicKeyToJWK("", &proofSigningKey(t).PublicKey)
	wantThumb, err := wantJWK.Thumbprint()
	if err != nil {
		t.Fatalf("Thumbprint() error = %v", err)
	}
	if result.Thumbprint != wantThumb {
		t.Errorf("Thumbprint = %q, want %q", result.Thumbprint, wantThumb)
	}
}

func TestProofValidator_Replay(t *testing.T) {
	v := newTestValidator(t)
	proof := buildProof(t, proofSigningKey(t), http.MethodPost, proofTarget)

	if _, err := v.Validate(proof, http.MethodPost, proofTarget); err != nil {
		t.Fatalf("first Validate() error = %v", err)
	}
	if _, err := v.Validate(proof, http.MethodPost, proofTarget); err == nil {
		t.Error("Validate() should reject a replayed proof")
	}
}

func TestProofValidator_MethodAndURLBinding(t *testing.T) {
	v := newTestValidator(t)
	key := proofSigningKey(t)

	tests := []struct {
		name   string
		method string
		target string
	}{
		{"wrong method", http.MethodGet, proofTarget},
		{"wrong url", http.MethodPost, "https://other.example.com/oauth2/token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proof := buildProof(t, key, http.MethodPost, proofTarget)
			if _, err := v.Validate(proof, tt.method, tt.target); err == nil {
				t.Error("Validate() should reject a proof bound to a different request")
			}
		})
	}
}

func TestProofValidator_NormalizesURL(t *testing.T) {
	v := newTestValidator(t)

	// A trailing slash difference must not break the binding.
	proof := buildProof(t, proofSigningKey(t), http.MethodPost, proofTarget+"/")
	if _, err := v.Validate(proof, http.MethodPost, proofTarget); err != nil {
		t.Errorf("Validate() error = %v, want url forms to match after normalization", err)
	}
}

func TestProofValidator_StaleProof(t *testing.T) {
	v := newTestValidator(t)
	v.SetNowFunc(func() time.Time { return time.Now().Add(10 * time.Minute) })

	proof := buildProof(t, proofSigningKey(t), http.MethodPost, proofTarget)
	if _, err := v.Validate(proof, http.MethodPost, proofTarget); err == nil {
		t.Error("Validate() should reject a proof outside the freshness window")
	}
}

func TestProofValidator_MalformedProofs(t *testing.T) {
	v := newTestValidator(t)
	key := proofSigningKey(t)

	tests := []struct {
		name  string
		proof string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt"},
		{"wrong typ", buildProof(t, key, http.MethodPost, proofTarget,
			func(h map[string]any, _ jwt.MapClaims) { h["typ"] = "JWT" })},
		{"missing jwk", buildProof(t, key, http.MethodPost, proofTarget,
			func(h map[string]any, _ jwt.MapClaims) { delete(h, "jwk") })},
		{"missing iat", buildProof(t, key, http.MethodPost, proofTarget,
			func(_ map[string]any, c jwt.MapClaims) { delete(c, "iat") })},
		{"missing jti", buildProof(t, key, http.MethodPost, proofTarget,
			func(_ map[string]any, c jwt.MapClaims) { delete(c, "jti") })},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Validate(tt.proof, http.MethodPost, proofTarget); err == nil {
				t.Error("Validate() should reject the proof")
			}
		})
	}
}

func TestProofValidator_WrongKeySignature(t *testing.T) {
	v := newTestValidator(t)

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	// Header advertises one key, signature made with another.
	proof := buildProof(t, otherKey, http.MethodPost, proofTarget,
		func(h map[string]any, _ jwt.MapClaims) {
			h["jwk"] = RSAPublicKeyToJWK("", &proofSigningKey(t).PublicKey)
		})

	if _, err := v.Validate(proof, http.MethodPost, proofTarget); err == nil {
		t.Error("Validate() should reject a proof whose signature does not match the embedded key")
	}
}

func TestNewProofValidator_RequiresReplayCache(t *testing.T) {
	if _, err := NewProofValidator(0, nil, nil); err == nil {
		t.Error("NewProofValidator() should require a replay cache")
	}
}
