package flow

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/velumlabs/oauthkit/oautherr"
	"github.com/velumlabs/oauthkit/security"
	"github.com/velumlabs/oauthkit/storage/memory"
)

func newDeviceFlow(t *testing.T, opts ...Option) *DeviceFlow {
	t.Helper()
	authority, _ := testAuthority(t)
	store := memory.NewWithInterval(0)
	t.Cleanup(store.Stop)

	base := []Option{
		WithIssuer(testIssuer),
		WithDeviceStore(store),
		WithVerificationURI(testIssuer + "/device"),
	}
	f, err := NewDeviceFlow(authority, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewDeviceFlow() error = %v", err)
	}
	return f
}

func devicePollForm(deviceCode string) url.Values {
	return url.Values{
		"grant_type":  {GrantTypeDeviceCode},
		"client_id":   {"tv-client"},
		"device_code": {deviceCode},
	}
}

func TestDeviceFlow_Authorize(t *testing.T) {
	f := newDeviceFlow(t)

	resp, werr := f.Authorize(context.Background(), "tv-client", "openid")
	if werr != nil {
		t.Fatalf("Authorize() error = %v", werr)
	}

	if resp.DeviceCode == "" {
		t.Error("device_code should be set")
	}
	if len(resp.UserCode) != 9 || resp.UserCode[4] != '-' {
		t.Errorf("user_code = %q, want XXXX-XXXX shape", resp.UserCode)
	}
	if resp.VerificationURI != testIssuer+"/device" {
		t.Errorf("verification_uri = %q", resp.VerificationURI)
	}
	if !strings.Contains(resp.VerificationURIComplete, url.QueryEscape(resp.UserCode)) {
		t.Errorf("verification_uri_complete %q should embed the user code", resp.VerificationURIComplete)
	}
	if resp.Interval != int64(DefaultDeviceInterval/time.Second) {
		t.Errorf("interval = %d, want %d", resp.Interval, int64(DefaultDeviceInterval/time.Second))
	}
}

func TestDeviceFlow_AuthorizeExpiresInFollowsClock(t *testing.T) {
	// A clock far from wall time must not skew expires_in.
	fixed := time.Now().Add(-48 * time.Hour)
	f := newDeviceFlow(t, WithFlowClock(func() time.Time { return fixed }))

	resp, werr := f.Authorize(context.Background(), "tv-client", "")
	if werr != nil {
		t.Fatalf("Authorize() error = %v", werr)
	}
	if want := int64(DefaultDeviceTTL / time.Second); resp.ExpiresIn != want {
		t.Errorf("expires_in = %d, want %d", resp.ExpiresIn, want)
	}
}

func TestDeviceFlow_PendingThenGranted(t *testing.T) {
	f := newDeviceFlow(t)
	ctx := context.Background()

	auth, werr := f.Authorize(ctx, "tv-client", "openid")
	if werr != nil {
		t.Fatalf("Authorize() error = %v", werr)
	}

	// Poll before approval.
	_, werr = f.Token(ctx, tokenRequest(t, devicePollForm(auth.DeviceCode)))
	if werr == nil || werr.Code != oautherr.CodeAuthorizationPending {
		t.Fatalf("poll before approval = %v, want authorization_pending", werr)
	}

	if err := f.Approve(ctx, auth.UserCode, "couch-user"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	resp, werr := f.Token(ctx, tokenRequest(t, devicePollForm(auth.DeviceCode)))
	if werr != nil {
		t.Fatalf("poll after approval error = %v", werr)
	}
	claims := verifyAccessToken(t, f.cfg.authority, resp)
	if got, _ := claims["sub"].(string); got != "couch-user" {
		t.Errorf("sub = %q, want couch-user", got)
	}
	if resp.IDToken == "" {
		t.Error("openid scope should yield an id_token")
	}

	// The grant consumed the record.
	_, werr = f.Token(ctx, tokenRequest(t, devicePollForm(auth.DeviceCode)))
	if werr == nil || werr.Code != oautherr.CodeInvalidGrant {
		t.Errorf("poll after issuance = %v, want invalid_grant", werr)
	}
}

func TestDeviceFlow_Denied(t *testing.T) {
	f := newDeviceFlow(t)
	ctx := context.Background()

	auth, werr := f.Authorize(ctx, "tv-client", "")
	if werr != nil {
		t.Fatalf("Authorize() error = %v", werr)
	}
	if err := f.Deny(ctx, auth.UserCode); err != nil {
		t.Fatalf("Deny() error = %v", err)
	}

	_, werr = f.Token(ctx, tokenRequest(t, devicePollForm(auth.DeviceCode)))
	if werr == nil || werr.Code != oautherr.CodeAccessDenied {
		t.Errorf("poll after denial = %v, want access_denied", werr)
	}
}

func TestDeviceFlow_Expired(t *testing.T) {
	base := time.Now()
	clock := base
	f := newDeviceFlow(t, WithFlowClock(func() time.Time { return clock }))
	ctx := context.Background()

	auth, werr := f.Authorize(ctx, "tv-client", "")
	if werr != nil {
		t.Fatalf("Authorize() error = %v", werr)
	}

	clock = base.Add(DefaultDeviceTTL + time.Minute)
	_, werr = f.Token(ctx, tokenRequest(t, devicePollForm(auth.DeviceCode)))
	if werr == nil || werr.Code != oautherr.CodeAccessDenied {
		t.Errorf("poll after expiry = %v, want access_denied", werr)
	}
}

func TestDeviceFlow_SlowDown(t *testing.T) {
	limiter := security.NewRateLimiter(0.2, 1, nil)
	t.Cleanup(limiter.Stop)
	f := newDeviceFlow(t, WithPollLimiter(limiter))
	ctx := context.Background()

	auth, werr := f.Authorize(ctx, "tv-client", "")
	if werr != nil {
		t.Fatalf("Authorize() error = %v", werr)
	}

	if _, werr = f.Token(ctx, tokenRequest(t, devicePollForm(auth.DeviceCode))); werr == nil || werr.Code != oautherr.CodeAuthorizationPending {
		t.Fatalf("first poll = %v, want authorization_pending", werr)
	}
	_, werr = f.Token(ctx, tokenRequest(t, devicePollForm(auth.DeviceCode)))
	if werr == nil || werr.Code != oautherr.CodeSlowDown {
		t.Errorf("rapid second poll = %v, want slow_down", werr)
	}
}

func TestDeviceFlow_UnknownDeviceCode(t *testing.T) {
	f := newDeviceFlow(t)

	_, werr := f.Token(context.Background(), tokenRequest(t, devicePollForm("no-such-code")))
	if werr == nil || werr.Code != oautherr.CodeInvalidGrant {
		t.Errorf("Token() = %v, want invalid_grant", werr)
	}
}

func TestDeviceFlow_ClientMismatch(t *testing.T) {
	f := newDeviceFlow(t)
	ctx := context.Background()

	auth, werr := f.Authorize(ctx, "tv-client", "")
	if werr != nil {
		t.Fatalf("Authorize() error = %v", werr)
	}

	form := devicePollForm(auth.DeviceCode)
	form.Set("client_id", "other-client")
	_, werr = f.Token(ctx, tokenRequest(t, form))
	if werr == nil || werr.Code != oautherr.CodeInvalidGrant {
		t.Errorf("Token() = %v, want invalid_grant", werr)
	}
}

func TestDeviceFlow_ApproveUnknownUserCode(t *testing.T) {
	f := newDeviceFlow(t)

	if err := f.Approve(context.Background(), "ZZZZ-ZZZZ", "someone"); err == nil {
		t.Error("Approve() should fail for an unknown user code")
	}
}
