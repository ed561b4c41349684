// Package testutil holds shared test fixtures: RSA keys, form-encoded token
// requests, PKCE pairs, and signed client assertions.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/velumlabs/oauthkit/security"
)

var (
	rsaKeyOnce sync.Once
	rsaKey     *rsa.PrivateKey
)

// RSAKey returns a process-wide 2048-bit RSA key. Key generation is slow, so
// all tests share one fixture key.
func RSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	rsaKeyOnce.Do(func() {
		var err error
		rsaKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
	})
	return rsaKey
}

// FormRequest builds a POST request with a form-encoded body, parsed and
// ready for the token endpoint.
func FormRequest(t *testing.T, target string, form url.Values) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if err := req.ParseForm(); err != nil {
		t.Fatalf("parse form: %v", err)
	}
	return req
}

// PKCEPair returns a fresh verifier and its S256 challenge.
func PKCEPair() (verifier, challenge string) {
	verifier = oauth2.GenerateVerifier()
	return verifier, security.ChallengeS256(verifier)
}

// SignKeyAssertion builds a private_key_jwt client assertion signed with the
// given RSA key.
func SignKeyAssertion(t *testing.T, key *rsa.PrivateKey, kid, clientID, audience string) string {
	t.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    clientID,
		Subject:   clientID,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(2 * time.Minute)),
		ID:        oauth2.GenerateVerifier(),
	})
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign assertion: %v", err)
	}
	return signed
}

// SignSecretAssertion builds a client_secret_jwt assertion signed with the
// shared secret.
func SignSecretAssertion(t *testing.T, secret, clientID, audience string) string {
	t.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    clientID,
		Subject:   clientID,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(2 * time.Minute)),
		ID:        oauth2.GenerateVerifier(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign assertion: %v", err)
	}
	return signed
}

// DPoPProof builds a DPoP proof JWT bound to the given method and URL, with
// the public JWK embedded in the header.
func DPoPProof(t *testing.T, key *rsa.PrivateKey, method, target string) string {
	t.Helper()
	jwk := security.RSAPublicKeyToJWK("", &key.PublicKey)
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"htm": method,
		"htu": target,
		"iat": time.Now().Unix(),
		"jti": oauth2.GenerateVerifier(),
	})
	token.Header["typ"] = "dpop+jwt"
	token.Header["jwk"] = jwk
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign proof: %v", err)
	}
	return signed
}
