package flow

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/velumlabs/oauthkit/clientauth"
	"github.com/velumlabs/oauthkit/internal/util"
	"github.com/velumlabs/oauthkit/keys"
	"github.com/velumlabs/oauthkit/oautherr"
	"github.com/velumlabs/oauthkit/storage"
)

// DeviceGenerator produces the device record for a device authorization
// request. Implementations must fill DeviceCode and UserCode; the engine
// fills the rest when left zero.
type DeviceGenerator func(ctx context.Context, clientID, scope string) (*storage.DeviceRecord, error)

// userCodeCharset deliberately omits vowels and ambiguous characters so
// generated user codes cannot spell words and survive being read aloud.
const userCodeCharset = "BCDFGHJKLMNPQRSTVWXZ"

// DeviceFlow implements the device-authorization grant (RFC 8628). A
// pending poll gets authorization_pending, a denied or expired record
// gets access_denied, a granted record gets a token response, and a
// poller faster than its interval gets slow_down.
type DeviceFlow struct {
	cfg *Config
}

// NewDeviceFlow builds the flow. A device store and a verification URI are
// mandatory.
func NewDeviceFlow(authority *keys.Authority, opts ...Option) (*DeviceFlow, error) {
	defaultMethods := []clientauth.Method{
		clientauth.MethodClientSecretBasic,
		clientauth.MethodClientSecretPost,
		clientauth.MethodNone,
	}
	cfg, err := newConfig("device_code", authority, defaultMethods, opts)
	if err != nil {
		return nil, err
	}
	if cfg.devices == nil {
		return nil, fmt.Errorf("device_code: device store is required")
	}
	if cfg.verificationURI == "" {
		return nil, fmt.Errorf("device_code: verification URI is required")
	}
	if cfg.deviceGenerator == nil {
		cfg.deviceGenerator = cfg.defaultDeviceGenerator
	}
	return &DeviceFlow{cfg: cfg}, nil
}

// GrantType implements Flow.
func (f *DeviceFlow) GrantType() string { return GrantTypeDeviceCode }

// defaultDeviceGenerator mints an opaque device code and an 8-character
// user code grouped as XXXX-XXXX.
func (c *Config) defaultDeviceGenerator(ctx context.Context, clientID, scope string) (*storage.DeviceRecord, error) {
	deviceCode, err := c.generateCode(ctx)
	if err != nil {
		return nil, fmt.Errorf("device code generation failed: %w", err)
	}
	userCode, err := generateUserCode()
	if err != nil {
		return nil, fmt.Errorf("user code generation failed: %w", err)
	}
	return &storage.DeviceRecord{
		DeviceCode: deviceCode,
		UserCode:   userCode,
		ClientID:   clientID,
		Scope:      scope,
	}, nil
}

func generateUserCode() (string, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	code := make([]byte, 0, 9)
	for i, b := range raw {
		if i == 4 {
			code = append(code, '-')
		}
		code = append(code, userCodeCharset[int(b)%len(userCodeCharset)])
	}
	return string(code), nil
}

// Authorize handles a device authorization request (the RFC 8628 device
// endpoint, minus HTTP): it validates the client and scope, generates and
// stores a device record, and returns the response the device shows its
// user.
func (f *DeviceFlow) Authorize(ctx context.Context, clientID, scope string) (*DeviceAuthorizationResponse, *oautherr.Error) {
	if clientID == "" {
		return nil, oautherr.InvalidRequest("client_id is required")
	}
	if f.cfg.clients != nil {
		if _, err := f.cfg.clients.GetClient(ctx, clientID); err != nil {
			return nil, oautherr.InvalidClient("unknown client")
		}
	}
	if werr := f.cfg.validateScope(ctx, clientID, scope); werr != nil {
		return nil, werr
	}

	rec, err := f.cfg.deviceGenerator(ctx, clientID, scope)
	if err != nil {
		f.cfg.logger.Error("device record generation failed", "client_id", clientID, "error", err)
		return nil, oautherr.ServerError("internal error")
	}

	now := f.cfg.now()
	rec.ClientID = clientID
	rec.Scope = scope
	rec.Status = storage.DeviceStatusPending
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = now.Add(f.cfg.deviceTTL)
	}
	if rec.Interval <= 0 {
		rec.Interval = f.cfg.deviceInterval
	}

	if err := f.cfg.devices.InsertDevice(ctx, rec); err != nil {
		f.cfg.logger.Error("failed to store device record", "error", err)
		return nil, oautherr.ServerError("internal error")
	}

	f.cfg.logger.Info("device authorization issued",
		"client_id", clientID, "user_code", rec.UserCode)

	return &DeviceAuthorizationResponse{
		DeviceCode:              rec.DeviceCode,
		UserCode:                rec.UserCode,
		VerificationURI:         f.cfg.verificationURI,
		VerificationURIComplete: verificationURIComplete(f.cfg.verificationURI, rec.UserCode),
		ExpiresIn:               int64(rec.ExpiresAt.Sub(now) / time.Second),
		Interval:                int64(rec.Interval / time.Second),
	}, nil
}

func verificationURIComplete(base, userCode string) string {
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("user_code", userCode)
	u.RawQuery = q.Encode()
	return u.String()
}

// HandleDeviceAuthorization is the HTTP adapter for the device endpoint.
func (f *DeviceFlow) HandleDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeAuthorizeError(w, oautherr.InvalidRequest("malformed request body"))
		return
	}

	resp, werr := f.Authorize(r.Context(), r.PostForm.Get("client_id"), r.PostForm.Get("scope"))
	if werr != nil {
		writeAuthorizeError(w, werr)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(resp)
}

// Token handles a device-code poll. Outcomes follow the record's status:
// pending polls get authorization_pending, denied or expired records get
// access_denied, granted records get the token response and the record is
// consumed.
func (f *DeviceFlow) Token(ctx context.Context, req *TokenRequest) (*TokenResponse, *oautherr.Error) {
	client, thumbprint, werr := f.cfg.preflight(ctx, req, GrantTypeDeviceCode)
	if werr != nil {
		return nil, werr
	}

	deviceCode := req.Form.Get("device_code")
	if deviceCode == "" {
		return nil, oautherr.InvalidRequest("device_code is required")
	}

	if f.cfg.pollLimiter != nil && !f.cfg.pollLimiter.Allow(deviceCode) {
		f.cfg.logger.Debug("device poll rate exceeded", "client_id", client.ClientID)
		return nil, oautherr.SlowDown()
	}

	rec, err := f.cfg.devices.FindDeviceByDeviceCode(ctx, deviceCode)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oautherr.InvalidGrant("unknown device code")
		}
		f.cfg.logger.Error("device lookup failed", "error", err)
		return nil, oautherr.ServerError("internal error")
	}

	if rec.ClientID != client.ClientID {
		return nil, oautherr.InvalidGrant("device code was not issued to this client")
	}
	if rec.Expired(f.cfg.now()) {
		f.deleteDeviceQuiet(ctx, deviceCode)
		return nil, oautherr.AccessDenied("device code expired")
	}

	switch rec.Status {
	case storage.DeviceStatusPending:
		return nil, oautherr.AuthorizationPending()
	case storage.DeviceStatusDenied:
		f.deleteDeviceQuiet(ctx, deviceCode)
		return nil, oautherr.AccessDenied("the user denied the request")
	case storage.DeviceStatusGranted:
		// Fall through to issuance.
	default:
		f.cfg.logger.Error("device record in unknown status", "status", string(rec.Status))
		return nil, oautherr.ServerError("internal error")
	}

	if rec.Subject == "" {
		// Granted but no subject attached yet: treat as still pending.
		return nil, oautherr.AuthorizationPending()
	}

	// Single use, like an authorization code.
	f.deleteDeviceQuiet(ctx, deviceCode)

	grant := &TokenGrant{
		GrantType:  GrantTypeDeviceCode,
		Client:     client,
		Subject:    rec.Subject,
		Scope:      rec.Scope,
		Thumbprint: thumbprint,
		Form:       req.Form,
		Issuers:    f.cfg.issuersFor(client.ClientID, thumbprint),
	}

	resp, werr := f.cfg.finishGrant(ctx, grant, true)
	if werr != nil {
		return nil, werr
	}
	f.cfg.logGrant(GrantTypeDeviceCode, client.ClientID, rec.Subject)
	return resp, nil
}

// Refresh implements Flow. Device grants refresh through the
// authorization-code flow's refresh handler when composed alongside it;
// standalone device flows re-authorize.
func (f *DeviceFlow) Refresh(context.Context, *TokenRequest) (*TokenResponse, *oautherr.Error) {
	return nil, nil
}

// Approve attaches an authenticated subject to the device record matching
// the user code and marks it granted. The host calls this from its
// verification UI.
func (f *DeviceFlow) Approve(ctx context.Context, userCode, subject string) error {
	if subject == "" {
		return fmt.Errorf("subject is required")
	}
	rec, err := f.cfg.devices.FindDeviceByUserCode(ctx, userCode)
	if err != nil {
		return fmt.Errorf("unknown user code: %w", err)
	}
	if rec.Expired(f.cfg.now()) {
		return fmt.Errorf("device code expired")
	}
	rec.Subject = subject
	rec.Status = storage.DeviceStatusGranted
	if err := f.cfg.devices.UpdateDevice(ctx, rec); err != nil {
		return fmt.Errorf("failed to update device record: %w", err)
	}
	f.cfg.logger.Info("device authorization granted",
		"user_code", userCode, "subject", util.SafeTruncate(subject, 8))
	return nil
}

// Deny marks the device record matching the user code as denied.
func (f *DeviceFlow) Deny(ctx context.Context, userCode string) error {
	rec, err := f.cfg.devices.FindDeviceByUserCode(ctx, userCode)
	if err != nil {
		return fmt.Errorf("unknown user code: %w", err)
	}
	rec.Status = storage.DeviceStatusDenied
	if err := f.cfg.devices.UpdateDevice(ctx, rec); err != nil {
		return fmt.Errorf("failed to update device record: %w", err)
	}
	f.cfg.logger.Info("device authorization denied", "user_code", userCode)
	return nil
}

func (f *DeviceFlow) deleteDeviceQuiet(ctx context.Context, deviceCode string) {
	if err := f.cfg.devices.DeleteDevice(ctx, deviceCode); err != nil {
		f.cfg.logger.Warn("failed to delete device record", "error", err)
	}
}

// DiscoveryFragment implements Flow.
func (f *DeviceFlow) DiscoveryFragment() Fragment {
	frag := Fragment{
		"grant_types_supported":                 []string{GrantTypeDeviceCode},
		"token_endpoint_auth_methods_supported": f.cfg.authMethodNames(),
	}
	if len(f.cfg.scopes) > 0 {
		frag["scopes_supported"] = f.cfg.scopes
	}
	return frag
}
