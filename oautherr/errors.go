// Package oautherr defines the OAuth 2.0 wire-error taxonomy (RFC 6749 §5.2,
// RFC 8628 §3.5) shared by the flow engines and the HTTP layer. Every
// engine-detected failure is converted to one of these errors at the point
// of detection; nothing else crosses the handler boundary.
package oautherr

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth error codes.
const (
	CodeInvalidRequest       = "invalid_request"
	CodeInvalidClient        = "invalid_client"
	CodeInvalidGrant         = "invalid_grant"
	CodeInvalidScope         = "invalid_scope"
	CodeInvalidToken         = "invalid_token"
	CodeUnauthorizedClient   = "unauthorized_client"
	CodeUnsupportedGrantType = "unsupported_grant_type"
	CodeAccessDenied         = "access_denied"
	CodeServerError          = "server_error"

	// Device flow poll outcomes (RFC 8628 §3.5).
	CodeAuthorizationPending = "authorization_pending"
	CodeSlowDown             = "slow_down"
	CodeExpiredToken         = "expired_token"
)

// Error is an OAuth 2.0 error response. Code is always one of the constants
// above; Description is optional, client-safe text. Status is the HTTP
// status the response should carry.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	Status      int    `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// New creates an Error with an explicit HTTP status.
func New(code, description string, status int) *Error {
	return &Error{Code: code, Description: description, Status: status}
}

// InvalidRequest indicates a malformed request or a missing required
// parameter.
func InvalidRequest(description string) *Error {
	return New(CodeInvalidRequest, description, http.StatusBadRequest)
}

// InvalidClient indicates failed client authentication.
func InvalidClient(description string) *Error {
	return New(CodeInvalidClient, description, http.StatusUnauthorized)
}

// InvalidGrant indicates an invalid or expired code, refresh token, or
// device code.
func InvalidGrant(description string) *Error {
	return New(CodeInvalidGrant, description, http.StatusBadRequest)
}

// InvalidScope indicates an invalid or unsupported scope value.
func InvalidScope(description string) *Error {
	return New(CodeInvalidScope, description, http.StatusBadRequest)
}

// InvalidToken indicates an access token that failed verification. The
// engine never presents tokens to itself; this constructor is for hosts
// validating tokens at their resource endpoints against the key
// authority.
func InvalidToken(description string) *Error {
	return New(CodeInvalidToken, description, http.StatusUnauthorized)
}

// UnauthorizedClient indicates the client may not use this grant type.
// The engine's own per-flow method configuration rejects such requests
// earlier as invalid_request; hosts enforcing per-client grant policy in
// their injected handlers answer with this code.
func UnauthorizedClient(description string) *Error {
	return New(CodeUnauthorizedClient, description, http.StatusBadRequest)
}

// UnsupportedGrantType indicates a grant_type no flow handles.
func UnsupportedGrantType(description string) *Error {
	return New(CodeUnsupportedGrantType, description, http.StatusBadRequest)
}

// AccessDenied indicates the user or the server denied the request.
func AccessDenied(description string) *Error {
	return New(CodeAccessDenied, description, http.StatusBadRequest)
}

// ServerError indicates an internal failure. The description must stay
// generic; internal detail belongs in logs.
func ServerError(description string) *Error {
	return New(CodeServerError, description, http.StatusInternalServerError)
}

// AuthorizationPending is the device-flow poll response while the user has
// not yet decided. Wire status is 400 per RFC 8628.
func AuthorizationPending() *Error {
	return New(CodeAuthorizationPending, "", http.StatusBadRequest)
}

// SlowDown tells a device-flow poller to back off.
func SlowDown() *Error {
	return New(CodeSlowDown, "", http.StatusBadRequest)
}

// ExpiredToken is the RFC 8628 §3.5 expired-device-code poll response.
// The engine answers that case with access_denied; hosts preferring the
// RFC's dedicated code can translate in their token handler.
func ExpiredToken(description string) *Error {
	return New(CodeExpiredToken, description, http.StatusBadRequest)
}

// From converts any error into an *Error: existing wire errors pass
// through, everything else becomes an invalid_request carrying the error's
// message. Used at the boundary where injected business callbacks can fail
// with arbitrary errors.
func From(err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return InvalidRequest(err.Error())
}
