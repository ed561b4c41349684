// Package clientauth resolves the client identity on a token-endpoint
// request. It tries each enabled authentication method in a fixed canonical
// precedence order and returns the first method that claims the request,
// mirroring how an RFC 6749 server negotiates between competing
// authentication mechanisms.
//
// Resolution is pure extraction: it never touches storage and has no side
// effects. Secret validation against a client registry is the caller's job;
// this package only decides which method applies and what credentials it
// carried. The two assertion-based methods are the exception: they must
// verify the assertion's signature to claim the request at all, using the
// caller-supplied secret or key resolver.
package clientauth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Method identifies a token-endpoint client authentication method
// (RFC 8414 token_endpoint_auth_methods_supported values).
type Method string

const (
	MethodClientSecretBasic Method = "client_secret_basic"
	MethodClientSecretPost  Method = "client_secret_post"
	MethodClientSecretJWT   Method = "client_secret_jwt"
	MethodPrivateKeyJWT     Method = "private_key_jwt"
	MethodNone              Method = "none"
)

// CanonicalOrder is the fixed precedence in which methods are tried. The
// resolver filters it to the enabled subset; it never reorders.
var CanonicalOrder = []Method{
	MethodClientSecretBasic,
	MethodClientSecretPost,
	MethodClientSecretJWT,
	MethodPrivateKeyJWT,
	MethodNone,
}

// JWTBearerAssertionType is the client_assertion_type value required by the
// assertion-based methods (RFC 7523).
const JWTBearerAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// Request is the transport-independent view of an inbound token request:
// its headers and its decoded body/query parameters.
type Request struct {
	Header http.Header
	Form   url.Values
}

// RequestFrom builds a Request from an *http.Request whose form has already
// been parsed.
func RequestFrom(r *http.Request) Request {
	return Request{Header: r.Header, Form: r.Form}
}

// Result is the resolved client identity. It is computed per request and
// never persisted.
type Result struct {
	// ClientID is the authenticated (or, for MethodNone, merely claimed)
	// client identifier.
	ClientID string
	// ClientSecret is the plaintext secret the request carried, when the
	// method transports one. Assertion methods prove possession instead
	// and leave it empty.
	ClientSecret string
	// Method is the authentication method that claimed the request.
	Method Method
}

// ErrNoMatch is returned when no enabled method claims the request. The
// caller decides the wire response; DescribeSupported helps build the
// error_description.
var ErrNoMatch = errors.New("clientauth: no enabled client authentication method matched the request")

// MissingSecretError means a method claimed the request but the secret it
// requires was absent. Callers map it to invalid_request.
type MissingSecretError struct {
	Method Method
}

func (e *MissingSecretError) Error() string {
	return fmt.Sprintf("client_secret is required for %s authentication", e.Method)
}

// MissingClientIDError means a method claimed the request but no client_id
// could be determined. Callers map it to invalid_request.
type MissingClientIDError struct {
	Method Method
}

func (e *MissingClientIDError) Error() string {
	return fmt.Sprintf("client_id is required for %s authentication", e.Method)
}

// DescribeSupported renders a method list for error descriptions, e.g.
// "supported client authentication methods: client_secret_basic, none".
func DescribeSupported(methods []Method) string {
	names := make([]string, len(methods))
	for i, m := range methods {
		names[i] = string(m)
	}
	return "supported client authentication methods: " + strings.Join(names, ", ")
}

// params is one method's view of the request.
type params struct {
	clientID       string
	clientSecret   string
	hasAuthMethod  bool // the method claims this request
	secretOptional bool // only MethodNone
}

// parseBasicAuth decodes an RFC 6749 §2.3.1 Basic header. Client id and
// secret are application/x-www-form-urlencoded before base64, so both
// halves are percent-decoded after splitting.
func parseBasicAuth(header string) (clientID, clientSecret string, ok bool) {
	const prefix = "Basic "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", "", false
	}
	id, secret, found := strings.Cut(string(decoded), ":")
	if !found {
		return "", "", false
	}
	if id, err = url.QueryUnescape(id); err != nil {
		return "", "", false
	}
	if secret, err = url.QueryUnescape(secret); err != nil {
		return "", "", false
	}
	return id, secret, true
}

func extractBasic(_ context.Context, req Request) (params, error) {
	header := req.Header.Get("Authorization")
	if header == "" {
		return params{}, nil
	}
	clientID, clientSecret, ok := parseBasicAuth(header)
	if !ok {
		// A non-Basic Authorization header (e.g. Bearer, DPoP) is not a
		// claim on this method.
		return params{}, nil
	}
	return params{
		clientID:      clientID,
		clientSecret:  clientSecret,
		hasAuthMethod: true,
	}, nil
}

func extractPost(_ context.Context, req Request) (params, error) {
	secret := req.Form.Get("client_secret")
	if secret == "" {
		return params{}, nil
	}
	return params{
		clientID:      req.Form.Get("client_id"),
		clientSecret:  secret,
		hasAuthMethod: true,
	}, nil
}

func extractNone(_ context.Context, req Request) (params, error) {
	clientID := req.Form.Get("client_id")
	if clientID == "" {
		return params{}, nil
	}
	return params{
		clientID:       clientID,
		hasAuthMethod:  true,
		secretOptional: true,
	}, nil
}
