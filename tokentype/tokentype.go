// Package tokentype implements the pluggable token-type strategies deciding
// whether a presented access token satisfies transport-binding rules before
// business validation runs. Bearer is pure presence checking; DPoP demands
// a valid proof-of-possession header on every request.
package tokentype

import (
	"net/http"
	"strings"

	"github.com/velumlabs/oauthkit/security"
)

// Wire token_type values.
const (
	TypeBearer = "Bearer"
	TypeDPoP   = "DPoP"
)

// Result is the outcome of a token-type check. Thumbprint is only set by
// the DPoP strategy and carries the RFC 7638 thumbprint of the proof key
// for cnf.jkt binding; it travels through this struct, never through
// request mutation.
type Result struct {
	Valid      bool
	Message    string
	Thumbprint string
}

// Validator is a token-type strategy. CheckRequest runs at the token
// endpoint before issuance (DPoP binding); CheckToken runs wherever a
// token is presented.
type Validator interface {
	// TokenType is the wire token_type value this strategy issues.
	TokenType() string

	// CheckRequest validates request-level binding before token issuance.
	CheckRequest(r *http.Request) Result

	// CheckToken validates a presented token's transport binding. It does
	// no cryptographic token validation; that happens later against the
	// key authority.
	CheckToken(r *http.Request, token string) Result
}

// Bearer is the RFC 6750 strategy: a token is acceptable if it is present
// after an exact "Bearer " prefix. No request-level binding exists.
type Bearer struct{}

// NewBearer returns the Bearer strategy.
func NewBearer() *Bearer {
	return &Bearer{}
}

// TokenType implements Validator.
func (*Bearer) TokenType() string { return TypeBearer }

// CheckRequest implements Validator. Bearer has no request binding.
func (*Bearer) CheckRequest(*http.Request) Result {
	return Result{Valid: true}
}

// CheckToken implements Validator.
func (*Bearer) CheckToken(r *http.Request, token string) Result {
	if token != "" {
		return Result{Valid: true}
	}
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, prefix) || header == prefix {
		return Result{Message: "missing bearer token"}
	}
	return Result{Valid: true}
}

// DPoP is the RFC 9449 proof-of-possession strategy. Every request must
// carry a DPoP header whose proof binds the request's method and URL.
type DPoP struct {
	validator *security.ProofValidator
}

// NewDPoP returns the DPoP strategy backed by the given proof validator.
func NewDPoP(validator *security.ProofValidator) *DPoP {
	return &DPoP{validator: validator}
}

// TokenType implements Validator.
func (*DPoP) TokenType() string { return TypeDPoP }

// CheckRequest implements Validator.
func (d *DPoP) CheckRequest(r *http.Request) Result {
	return d.check(r)
}

// CheckToken implements Validator. The cnf.jkt comparison against the
// returned thumbprint is the caller's decision; this layer only proves
// possession for this request.
func (d *DPoP) CheckToken(r *http.Request, token string) Result {
	if token == "" {
		return Result{Message: "missing access token"}
	}
	return d.check(r)
}

func (d *DPoP) check(r *http.Request) Result {
	proof := r.Header.Get("DPoP")
	res, err := d.validator.Validate(proof, r.Method, requestURL(r))
	if err != nil {
		// No detail: an unauthorized result must not become an oracle.
		return Result{Message: "invalid DPoP proof"}
	}
	return Result{Valid: true, Thumbprint: res.Thumbprint}
}

// requestURL reconstructs the full URL the client signed over. Scheme falls
// back to https unless the request arrived without TLS.
func requestURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	return scheme + "://" + r.Host + r.URL.Path
}
