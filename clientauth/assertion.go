package clientauth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Default assertion signing algorithms per method kind.
var (
	// DefaultSecretAlgorithms are the symmetric algorithms accepted for
	// client_secret_jwt assertions.
	DefaultSecretAlgorithms = []string{"HS256"}
	// DefaultKeyAlgorithms are the asymmetric algorithms accepted for
	// private_key_jwt assertions.
	DefaultKeyAlgorithms = []string{"RS256"}
)

// SecretResolver returns the shared secret registered for a client, used to
// verify client_secret_jwt assertions. Returning an error means the client
// is unknown (the method then declines the request).
type SecretResolver func(ctx context.Context, clientID string) (string, error)

// KeyResolver returns the public key registered for a client (an
// *rsa.PublicKey or *ecdsa.PublicKey), used to verify private_key_jwt
// assertions.
type KeyResolver func(ctx context.Context, clientID string) (any, error)

// assertionAudience extracts the aud claim of the assertion without
// verifying it. The audience names the putative client id; verification
// comes after the expected secret or key for that client is resolved.
func assertionAudience(assertion string) (string, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(assertion, claims); err != nil {
		return "", fmt.Errorf("malformed client_assertion: %w", err)
	}
	aud, err := claims.GetAudience()
	if err != nil || len(aud) == 0 || aud[0] == "" {
		return "", fmt.Errorf("client_assertion has no aud claim")
	}
	return aud[0], nil
}

// verifyAssertion checks the assertion's signature under key with the given
// algorithm whitelist.
func verifyAssertion(assertion string, key any, algorithms []string) error {
	token, err := jwt.Parse(assertion, func(*jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods(algorithms))
	if err != nil {
		return err
	}
	if !token.Valid {
		return fmt.Errorf("invalid assertion")
	}
	return nil
}

// extractAssertion implements the shared shape of client_secret_jwt and
// private_key_jwt: require the JWT-bearer assertion type, read the putative
// client id from the assertion's aud claim, resolve that client's expected
// secret or key, and claim the request only if the signature verifies. Any
// failure along the way declines rather than erroring, letting lower-
// precedence methods try.
func (r *Resolver) extractAssertion(ctx context.Context, req Request, method Method) (params, error) {
	if req.Form.Get("client_assertion_type") != JWTBearerAssertionType {
		return params{}, nil
	}
	assertion := req.Form.Get("client_assertion")
	if assertion == "" {
		return params{}, nil
	}

	clientID, err := assertionAudience(assertion)
	if err != nil {
		r.logger.Debug("client assertion rejected", "method", method, "error", err)
		return params{}, nil
	}

	var key any
	var algorithms []string
	switch method {
	case MethodClientSecretJWT:
		if r.secretResolver == nil {
			return params{}, nil
		}
		secret, err := r.secretResolver(ctx, clientID)
		if err != nil || secret == "" {
			r.logger.Debug("no shared secret for assertion client", "method", method, "error", err)
			return params{}, nil
		}
		key = []byte(secret)
		algorithms = r.secretAlgorithms
	case MethodPrivateKeyJWT:
		if r.keyResolver == nil {
			return params{}, nil
		}
		if key, err = r.keyResolver(ctx, clientID); err != nil || key == nil {
			r.logger.Debug("no public key for assertion client", "method", method, "error", err)
			return params{}, nil
		}
		algorithms = r.keyAlgorithms
	default:
		return params{}, fmt.Errorf("not an assertion method: %s", method)
	}

	if err := verifyAssertion(assertion, key, algorithms); err != nil {
		r.logger.Debug("client assertion signature rejected", "method", method, "error", err)
		return params{}, nil
	}

	return params{
		clientID:       clientID,
		hasAuthMethod:  true,
		secretOptional: true, // possession proven by the assertion itself
	}, nil
}
