// Package keys owns the signing-key lifecycle: RSA key-pair generation,
// kid-bound JWT signing and verification, JWKS publication, and the
// time-driven rotation policy.
//
// One Authority instance signs with exactly one "current" key at a time.
// Superseded public keys remain verifiable until their own TTL elapses, so
// a token signed before a rotation keeps verifying afterwards. Verification
// always resolves keys by the token's explicit kid header, never by "the
// current key", which is what makes the lazy-generation race harmless.
package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/velumlabs/oauthkit/internal/util"
	"github.com/velumlabs/oauthkit/security"
	"github.com/velumlabs/oauthkit/storage"
)

const (
	// keyBits is the RSA modulus size for generated signing keys.
	keyBits = 2048

	// SigningAlgorithm is the only JWS algorithm the Authority signs and
	// accepts. Pinning a single algorithm rules out confusion attacks.
	SigningAlgorithm = "RS256"

	// DefaultKeyTTL is how long a generated key's public half stays
	// verifiable after creation.
	DefaultKeyTTL = 30 * 24 * time.Hour
)

// Verification failures callers map to the invalid_token wire error.
var (
	// ErrUnknownKey means the token's kid is not in the key store.
	ErrUnknownKey = errors.New("keys: unknown signing key")
	// ErrExpiredKey means the token's key exists but its TTL has elapsed.
	ErrExpiredKey = errors.New("keys: signing key expired")
)

// JWKS is the published JSON Web Key Set, newest key first.
type JWKS struct {
	Keys []map[string]any `json:"keys"`
}

// Authority generates RSA key pairs, signs claim sets into compact JWTs
// carrying a kid header, verifies JWTs by kid, and exposes the non-expired
// public keys as a JWKS. It holds no key material itself; everything lives
// in the injected KeyStore.
type Authority struct {
	store  storage.KeyStore
	keyTTL time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// AuthorityOption configures an Authority.
type AuthorityOption func(*Authority)

// WithKeyTTL sets how long generated keys remain verifiable.
func WithKeyTTL(ttl time.Duration) AuthorityOption {
	return func(a *Authority) { a.keyTTL = ttl }
}

// WithLogger sets the Authority's logger.
func WithLogger(logger *slog.Logger) AuthorityOption {
	return func(a *Authority) { a.logger = logger }
}

// WithClock overrides the Authority's time source. Intended for tests.
func WithClock(now func() time.Time) AuthorityOption {
	return func(a *Authority) { a.now = now }
}

// NewAuthority creates a key authority backed by the given store.
func NewAuthority(store storage.KeyStore, opts ...AuthorityOption) (*Authority, error) {
	if store == nil {
		return nil, fmt.Errorf("key store is required")
	}
	a := &Authority{
		store:  store,
		keyTTL: DefaultKeyTTL,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// GenerateKeyPair mints a new RSA key pair, stores it as the current
// signing key, and returns it.
func (a *Authority) GenerateKeyPair(ctx context.Context) (*storage.KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	kid := uuid.NewString()
	jwk := security.RSAPublicKeyToJWK(kid, &priv.PublicKey)
	publicJWK, err := jwkToMap(jwk)
	if err != nil {
		return nil, err
	}

	pair := &storage.KeyPair{
		KID:           kid,
		PrivateKeyPEM: encodePrivateKey(priv),
		PublicJWK:     publicJWK,
		CreatedAt:     a.now(),
		TTL:           a.keyTTL,
	}

	if err := a.store.StoreKeyPair(ctx, pair); err != nil {
		return nil, fmt.Errorf("failed to store key pair: %w", err)
	}

	a.logger.Info("generated signing key pair",
		"kid", util.SafeTruncate(kid, 8),
		"ttl", a.keyTTL)

	return pair, nil
}

// Sign signs the claim set into a compact RS256 JWT whose header names the
// current key's kid. If the store holds no key yet, one is generated first.
func (a *Authority) Sign(ctx context.Context, claims jwt.Claims) (string, error) {
	pair, err := a.currentOrGenerate(ctx)
	if err != nil {
		return "", err
	}

	priv, err := decodePrivateKey(pair.PrivateKeyPEM)
	if err != nil {
		return "", fmt.Errorf("failed to decode stored private key %s: %w", util.SafeTruncate(pair.KID, 8), err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = pair.KID

	signed, err := token.SignedString(priv)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and verifies a compact JWT issued by this Authority. The
// token's kid header selects the public key; unknown kids fail with
// ErrUnknownKey, kids whose TTL has elapsed with ErrExpiredKey, and any
// signature or algorithm mismatch with the underlying parse error.
func (a *Authority) Verify(ctx context.Context, tokenString string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: token has no kid header", ErrUnknownKey)
		}

		pair, err := a.store.PrivateKey(ctx, kid)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("%w: kid %s", ErrUnknownKey, util.SafeTruncate(kid, 8))
			}
			return nil, fmt.Errorf("key lookup failed: %w", err)
		}
		if pair.Expired(a.now()) {
			return nil, fmt.Errorf("%w: kid %s", ErrExpiredKey, util.SafeTruncate(kid, 8))
		}

		return publicKeyFromJWKMap(pair.PublicJWK)
	}, jwt.WithValidMethods([]string{SigningAlgorithm}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// JWKS returns all non-expired public keys, newest first. An empty store
// triggers lazy generation of the first key pair so the endpoint never
// serves an empty set on a fresh deployment.
func (a *Authority) JWKS(ctx context.Context) (*JWKS, error) {
	pairs, err := a.store.PublicKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load public keys: %w", err)
	}
	if len(pairs) == 0 {
		pair, err := a.currentOrGenerate(ctx)
		if err != nil {
			return nil, err
		}
		pairs = []*storage.KeyPair{pair}
	}

	now := a.now()
	live := make([]*storage.KeyPair, 0, len(pairs))
	for _, pair := range pairs {
		if !pair.Expired(now) {
			live = append(live, pair)
		}
	}
	sort.SliceStable(live, func(i, j int) bool {
		return live[i].CreatedAt.After(live[j].CreatedAt)
	})

	doc := &JWKS{Keys: make([]map[string]any, 0, len(live))}
	for _, pair := range live {
		doc.Keys = append(doc.Keys, pair.PublicJWK)
	}
	return doc, nil
}

// currentOrGenerate returns the current signing key, lazily generating the
// first pair on an empty store. Two concurrent callers may both generate;
// the extra key is wasted, never wrong, because verification goes by kid.
func (a *Authority) currentOrGenerate(ctx context.Context) (*storage.KeyPair, error) {
	pair, err := a.store.CurrentKeyPair(ctx)
	if err == nil {
		return pair, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load current key: %w", err)
	}

	a.logger.Info("key store empty, generating first signing key")
	pair, err = a.GenerateKeyPair(ctx)
	if err != nil {
		return nil, fmt.Errorf("lazy key generation failed: %w", err)
	}
	return pair, nil
}

func encodePrivateKey(priv *rsa.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	}))
}

func decodePrivateKey(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

func jwkToMap(jwk security.JWK) (map[string]any, error) {
	data, err := json.Marshal(jwk)
	if err != nil {
		return nil, fmt.Errorf("failed to encode JWK: %w", err)
	}
	m := map[string]any{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode JWK: %w", err)
	}
	return m, nil
}

func publicKeyFromJWKMap(m map[string]any) (any, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode stored JWK: %w", err)
	}
	var jwk security.JWK
	if err := json.Unmarshal(data, &jwk); err != nil {
		return nil, fmt.Errorf("failed to decode stored JWK: %w", err)
	}
	return jwk.PublicKey()
}
