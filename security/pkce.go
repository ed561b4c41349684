package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// PKCE code challenge methods (RFC 7636).
const (
	// PKCEMethodS256 is the SHA-256 challenge method. It is the only method
	// this engine accepts.
	PKCEMethodS256 = "S256"
)

// ChallengeS256 computes the S256 code challenge for a verifier:
// BASE64URL-ENCODE(SHA256(ASCII(verifier))), unpadded.
func ChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyS256 reports whether verifier matches the previously issued S256
// code challenge. The comparison is constant-time so the check cannot be
// used as a timing oracle. Empty inputs never match.
func VerifyS256(verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	computed := ChallengeS256(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
