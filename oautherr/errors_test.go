package oautherr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		err    *Error
		code   string
		status int
	}{
		{"invalid_request", InvalidRequest("bad"), CodeInvalidRequest, http.StatusBadRequest},
		{"invalid_client", InvalidClient("bad"), CodeInvalidClient, http.StatusUnauthorized},
		{"invalid_grant", InvalidGrant("bad"), CodeInvalidGrant, http.StatusBadRequest},
		{"invalid_scope", InvalidScope("bad"), CodeInvalidScope, http.StatusBadRequest},
		{"invalid_token", InvalidToken("bad"), CodeInvalidToken, http.StatusUnauthorized},
		{"unsupported_grant_type", UnsupportedGrantType("bad"), CodeUnsupportedGrantType, http.StatusBadRequest},
		{"access_denied", AccessDenied("bad"), CodeAccessDenied, http.StatusBadRequest},
		{"server_error", ServerError("bad"), CodeServerError, http.StatusInternalServerError},
		{"authorization_pending", AuthorizationPending(), CodeAuthorizationPending, http.StatusBadRequest},
		{"slow_down", SlowDown(), CodeSlowDown, http.StatusBadRequest},
		{"expired_token", ExpiredToken("bad"), CodeExpiredToken, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
			}
			if tt.err.Status != tt.status {
				t.Errorf("Status = %d, want %d", tt.err.Status, tt.status)
			}
		})
	}
}

func TestError_Error(t *testing.T) {
	if got := InvalidGrant("code expired").Error(); got != "invalid_grant: code expired" {
		t.Errorf("Error() = %q", got)
	}
	if got := AuthorizationPending().Error(); got != "authorization_pending" {
		t.Errorf("Error() without description = %q", got)
	}
}

func TestError_JSON(t *testing.T) {
	data, err := json.Marshal(InvalidClient("client authentication failed"))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"error":"invalid_client","error_description":"client authentication failed"}`
	if string(data) != want {
		t.Errorf("JSON = %s, want %s", data, want)
	}

	data, err = json.Marshal(SlowDown())
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want = `{"error":"slow_down"}`
	if string(data) != want {
		t.Errorf("JSON = %s, empty description must be omitted", data)
	}
}

func TestFrom(t *testing.T) {
	wire := InvalidScope("unknown scope")
	if got := From(fmt.Errorf("validating: %w", wire)); got != wire {
		t.Errorf("From() = %v, wrapped wire errors should pass through", got)
	}

	got := From(errors.New("boom"))
	if got.Code != CodeInvalidRequest || got.Description != "boom" {
		t.Errorf("From(plain error) = %+v", got)
	}
}
