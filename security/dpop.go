package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/velumlabs/oauthkit/instrumentation"
	"github.com/velumlabs/oauthkit/internal/util"
)

// DefaultProofFreshnessWindow is how far a proof's iat may lie from the
// server clock before the proof is considered stale (RFC 9449 suggests
// "a few minutes").
const DefaultProofFreshnessWindow = 300 * time.Second

// dpopHeaderType is the required typ header of a DPoP proof JWT.
const dpopHeaderType = "dpop+jwt"

// Whitelisted proof signing algorithms. Symmetric algorithms are excluded
// by definition: a proof must be verifiable under the public key it embeds.
var allowedProofAlgorithms = []string{"RS256", "PS256", "ES256", "ES384", "ES512"}

// ProofResult carries the outcome of a successful proof validation. The
// thumbprint is handed back to the caller explicitly so it can be checked
// against an access token's cnf.jkt claim; nothing is attached to the
// request.
type ProofResult struct {
	// Thumbprint is the RFC 7638 SHA-256 thumbprint of the proof's key.
	Thumbprint string
	// JTI is the proof's unique identifier, already recorded in the
	// replay cache.
	JTI string
}

// ProofValidator validates DPoP proof JWTs (RFC 9449) against the current
// request. A validator is immutable after construction and safe for
// concurrent use; the replay cache provides its own synchronization.
type ProofValidator struct {
	window time.Duration
	replay ReplayCache
	logger *slog.Logger
	inst   *instrumentation.Instrumentation
	now    func() time.Time
}

// NewProofValidator creates a proof validator. window <= 0 selects
// DefaultProofFreshnessWindow. The replay cache is required; a nil cache
// would silently accept replayed proofs.
func NewProofValidator(window time.Duration, replay ReplayCache, logger *slog.Logger) (*ProofValidator, error) {
	if replay == nil {
		return nil, fmt.Errorf("replay cache is required")
	}
	if window <= 0 {
		window = DefaultProofFreshnessWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProofValidator{
		window: window,
		replay: replay,
		logger: logger,
		now:    time.Now,
	}, nil
}

// proofClaims are the registered claims of a DPoP proof.
type proofClaims struct {
	HTTPMethod string `json:"htm"`
	HTTPURL    string `json:"htu"`
	jwt.RegisteredClaims
}

// Validate checks a DPoP proof against the request's HTTP method and full
// URL. It verifies the proof's signature under the key embedded in its own
// header, the htm/htu binding, iat freshness, and jti uniqueness within the
// freshness window. Any failure returns an error; callers map it to an
// unauthorized result without detail.
func (v *ProofValidator) Validate(proof, httpMethod, httpURL string) (*ProofResult, error) {
	if proof == "" {
		return nil, fmt.Errorf("missing DPoP proof")
	}

	var embedded *JWK
	claims := &proofClaims{}
	token, err := jwt.ParseWithClaims(proof, claims, func(t *jwt.Token) (any, error) {
		typ, _ := t.Header["typ"].(string)
		if typ != dpopHeaderType {
			return nil, fmt.Errorf("unexpected proof typ: %q", typ)
		}
		rawJWK, ok := t.Header["jwk"]
		if !ok {
			return nil, fmt.Errorf("proof header missing jwk")
		}
		jwkBytes, err := json.Marshal(rawJWK)
		if err != nil {
			return nil, fmt.Errorf("failed to re-encode jwk header: %w", err)
		}
		var key JWK
		if err := json.Unmarshal(jwkBytes, &key); err != nil {
			return nil, fmt.Errorf("malformed jwk header: %w", err)
		}
		embedded = &key
		return key.PublicKey()
	}, jwt.WithValidMethods(allowedProofAlgorithms))
	if err != nil {
		return nil, fmt.Errorf("proof verification failed: %w", err)
	}
	if !token.Valid || embedded == nil {
		return nil, fmt.Errorf("proof verification failed")
	}

	if claims.HTTPMethod != httpMethod {
		return nil, fmt.Errorf("proof htm mismatch: got %q, want %q", claims.HTTPMethod, httpMethod)
	}
	if util.NormalizeURL(claims.HTTPURL) != util.NormalizeURL(httpURL) {
		return nil, fmt.Errorf("proof htu mismatch")
	}

	if claims.IssuedAt == nil {
		return nil, fmt.Errorf("proof missing iat")
	}
	now := v.now()
	age := now.Sub(claims.IssuedAt.Time)
	if age > v.window || age < -v.window {
		return nil, fmt.Errorf("proof iat outside freshness window")
	}

	if claims.ID == "" {
		return nil, fmt.Errorf("proof missing jti")
	}
	if v.replay.Seen(claims.ID, v.window) {
		v.logger.Warn("DPoP proof replay detected", "jti", util.SafeTruncate(claims.ID, 8))
		v.inst.RecordReplayRejected(context.Background())
		return nil, fmt.Errorf("proof jti already used")
	}

	thumbprint, err := embedded.Thumbprint()
	if err != nil {
		return nil, fmt.Errorf("failed to compute key thumbprint: %w", err)
	}

	return &ProofResult{Thumbprint: thumbprint, JTI: claims.ID}, nil
}

// SetInstrumentation attaches metric recording; rejected replays are
// counted. Nil is allowed and is the default.
func (v *ProofValidator) SetInstrumentation(inst *instrumentation.Instrumentation) {
	v.inst = inst
}

// SetNowFunc overrides the validator's clock. Intended for tests.
func (v *ProofValidator) SetNowFunc(now func() time.Time) {
	v.now = now
}
