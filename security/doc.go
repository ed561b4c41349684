// Package security provides the cryptographic request checks the engine
// runs before any grant logic: PKCE verification, DPoP proof validation with
// replay protection, at-rest encryption of stored private keys, and the
// token-bucket rate limiter backing the device flow's slow_down responses.
//
// # PKCE
//
// VerifyS256 is a pure function; it holds no state and is safe for
// concurrent use. Only the S256 challenge method is supported; "plain"
// offers no protection against authorization-code interception and is
// rejected by construction.
//
// # DPoP
//
// ProofValidator checks a DPoP proof JWT against the current request's
// method and URL, a freshness window (default 300s), and a jti replay
// cache. On success it returns the RFC 7638 thumbprint of the key embedded
// in the proof, which callers may bind against an access token's cnf.jkt
// claim. The thumbprint is returned explicitly rather than attached to the
// request.
//
// # Rate limiting
//
// RateLimiter provides per-identifier token-bucket limiting with LRU
// eviction so tracked identifiers cannot grow without bound:
//
//	limiter := security.NewRateLimiter(1, 1, logger)
//	defer limiter.Stop()
//	if !limiter.Allow(deviceCode) {
//	    // poller is too fast: slow_down
//	}
package security
