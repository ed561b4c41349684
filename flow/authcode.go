package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/velumlabs/oauthkit/clientauth"
	"github.com/velumlabs/oauthkit/internal/util"
	"github.com/velumlabs/oauthkit/keys"
	"github.com/velumlabs/oauthkit/oautherr"
	"github.com/velumlabs/oauthkit/security"
	"github.com/velumlabs/oauthkit/storage"
)

// AuthorizeRequest is a validated authorization-endpoint request.
type AuthorizeRequest struct {
	ClientID      string
	RedirectURI   string
	ResponseType  string
	Scope         string
	State         string
	CodeChallenge string
	Nonce         string
	// Form exposes the remaining parameters (login fields on POST, etc.).
	Form url.Values
}

// DecisionType classifies an authorization handler's outcome.
type DecisionType string

const (
	// DecisionCode means a code was issued for an authenticated user.
	DecisionCode DecisionType = "code"
	// DecisionContinue means the interaction is not finished (e.g. login
	// succeeded, awaiting consent); the continue renderer takes over.
	DecisionContinue DecisionType = "continue"
	// DecisionDeny means the user or the host denied the request.
	DecisionDeny DecisionType = "deny"
)

// Decision is what an authorization handler returns to the engine. For
// DecisionCode, Code carries the issued authorization code. For
// DecisionDeny, Description optionally explains the denial to the client.
type Decision struct {
	Type        DecisionType
	Code        string
	Description string
}

// AuthorizeHandler is the injected hook owning user interaction: it
// authenticates the user, gathers consent, and (usually via IssueCode)
// produces an authorization code. The engine turns its decision into a
// redirect or a render; the handler never assembles redirect URIs itself,
// so a misbehaving handler cannot leak codes to the wrong place.
type AuthorizeHandler func(ctx context.Context, r *http.Request, req *AuthorizeRequest) (*Decision, error)

// AuthorizationCodeFlow implements the authorization-code grant with PKCE
// (RFC 6749 §4.1, RFC 7636) plus refresh-token exchange.
type AuthorizationCodeFlow struct {
	cfg *Config
}

// NewAuthorizationCodeFlow builds the flow. An authorize handler and a code
// store are mandatory; every other collaborator has a default.
func NewAuthorizationCodeFlow(authority *keys.Authority, opts ...Option) (*AuthorizationCodeFlow, error) {
	defaultMethods := []clientauth.Method{
		clientauth.MethodClientSecretBasic,
		clientauth.MethodClientSecretPost,
		clientauth.MethodNone,
	}
	cfg, err := newConfig("authorization_code", authority, defaultMethods, opts)
	if err != nil {
		return nil, err
	}
	if cfg.codes == nil {
		return nil, fmt.Errorf("authorization_code: code store is required")
	}
	if cfg.authorizeHandler == nil {
		return nil, fmt.Errorf("authorization_code: authorize handler is required")
	}
	if cfg.codeHandler == nil {
		cfg.codeHandler = cfg.authorizeHandler
	}
	return &AuthorizationCodeFlow{cfg: cfg}, nil
}

// GrantType implements Flow.
func (f *AuthorizationCodeFlow) GrantType() string { return GrantTypeAuthorizationCode }

// IssueCodeParams describes the code to mint after the host authenticated
// the user.
type IssueCodeParams struct {
	ClientID      string
	RedirectURI   string
	Scope         string
	CodeChallenge string
	Nonce         string
	Subject       string
}

// IssueCode generates an opaque authorization code through the configured
// generator and stores its metadata. Authorize handlers call this once the
// user is authenticated and consent is given.
func (f *AuthorizationCodeFlow) IssueCode(ctx context.Context, p IssueCodeParams) (string, error) {
	if p.ClientID == "" || p.Subject == "" {
		return "", fmt.Errorf("client id and subject are required")
	}

	code, err := f.cfg.generateCode(ctx)
	if err != nil {
		return "", fmt.Errorf("code generation failed: %w", err)
	}

	now := f.cfg.now()
	rec := &storage.CodeRecord{
		Code:          code,
		ClientID:      p.ClientID,
		RedirectURI:   p.RedirectURI,
		Scope:         p.Scope,
		CodeChallenge: p.CodeChallenge,
		Nonce:         p.Nonce,
		Subject:       p.Subject,
		CreatedAt:     now,
		ExpiresAt:     now.Add(f.cfg.codeTTL),
	}
	if err := f.cfg.codes.InsertCode(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to store authorization code: %w", err)
	}

	f.cfg.logger.Info("authorization code issued",
		"client_id", p.ClientID, "subject", util.SafeTruncate(p.Subject, 8))
	return code, nil
}

// HandleAuthorize is the authorization endpoint (GET and POST). Malformed
// requests get a JSON error; handler outcomes become redirects back to the
// validated redirect_uri or a render of the continue page. The engine
// assembles every redirect itself.
func (f *AuthorizationCodeFlow) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeAuthorizeError(w, oautherr.InvalidRequest("malformed request"))
		return
	}

	req := &AuthorizeRequest{
		ClientID:      r.Form.Get("client_id"),
		RedirectURI:   r.Form.Get("redirect_uri"),
		ResponseType:  r.Form.Get("response_type"),
		Scope:         r.Form.Get("scope"),
		State:         r.Form.Get("state"),
		CodeChallenge: r.Form.Get("code_challenge"),
		Nonce:         r.Form.Get("nonce"),
		Form:          r.Form,
	}

	// Parameter failures have no trustworthy redirect target, so they are
	// answered directly instead of redirected.
	switch {
	case req.ClientID == "":
		writeAuthorizeError(w, oautherr.InvalidRequest("client_id is required"))
		return
	case req.RedirectURI == "":
		writeAuthorizeError(w, oautherr.InvalidRequest("redirect_uri is required"))
		return
	case req.ResponseType != "code":
		writeAuthorizeError(w, oautherr.InvalidRequest("response_type must be \"code\""))
		return
	}

	if werr := f.cfg.validateScope(r.Context(), req.ClientID, req.Scope); werr != nil {
		writeAuthorizeError(w, werr)
		return
	}

	handler := f.cfg.authorizeHandler
	if r.Method == http.MethodPost {
		handler = f.cfg.codeHandler
	}

	decision, err := f.runAuthorizeHandler(r.Context(), handler, r, req)
	if err != nil {
		f.cfg.logger.Warn("authorize handler failed", "client_id", req.ClientID, "error", err)
		f.redirectError(w, r, req, oautherr.AccessDenied(err.Error()))
		return
	}

	switch decision.Type {
	case DecisionCode:
		f.redirectCode(w, r, req, decision.Code)
	case DecisionContinue:
		if f.cfg.renderer == nil {
			f.cfg.logger.Error("continue decision with no renderer configured", "client_id", req.ClientID)
			writeAuthorizeError(w, oautherr.ServerError("interaction required but no renderer configured"))
			return
		}
		f.cfg.renderer(w, r, req)
	case DecisionDeny:
		f.redirectError(w, r, req, oautherr.AccessDenied(decision.Description))
	default:
		f.cfg.logger.Error("authorize handler returned unknown decision", "type", string(decision.Type))
		writeAuthorizeError(w, oautherr.ServerError("internal error"))
	}
}

// runAuthorizeHandler shields the engine from handler panics.
func (f *AuthorizationCodeFlow) runAuthorizeHandler(ctx context.Context, h AuthorizeHandler, r *http.Request, req *AuthorizeRequest) (decision *Decision, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			f.cfg.logger.Error("authorize handler panic", "panic", fmt.Sprint(rec))
			decision = nil
			err = fmt.Errorf("authorization failed")
		}
	}()

	decision, err = h(ctx, r, req)
	if err != nil {
		return nil, err
	}
	if decision == nil {
		return nil, fmt.Errorf("authorization failed")
	}
	return decision, nil
}

func (f *AuthorizationCodeFlow) redirectCode(w http.ResponseWriter, r *http.Request, req *AuthorizeRequest, code string) {
	target, err := buildRedirect(req.RedirectURI, url.Values{
		"code":  {code},
		"state": {req.State},
	})
	if err != nil {
		writeAuthorizeError(w, oautherr.InvalidRequest("invalid redirect_uri"))
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (f *AuthorizationCodeFlow) redirectError(w http.ResponseWriter, r *http.Request, req *AuthorizeRequest, werr *oautherr.Error) {
	values := url.Values{"error": {werr.Code}, "state": {req.State}}
	if werr.Description != "" {
		values.Set("error_description", werr.Description)
	}
	target, err := buildRedirect(req.RedirectURI, values)
	if err != nil {
		writeAuthorizeError(w, oautherr.InvalidRequest("invalid redirect_uri"))
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// buildRedirect appends query parameters to the redirect URI, preserving
// any parameters it already carries. Empty values are dropped.
func buildRedirect(redirectURI string, params url.Values) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			if v != "" {
				q.Set(k, v)
			}
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// writeAuthorizeError answers a request that cannot be redirected.
func writeAuthorizeError(w http.ResponseWriter, werr *oautherr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(werr.Status)
	_ = json.NewEncoder(w).Encode(werr)
}

// Token exchanges an authorization code. Client identity comes from the
// resolver; possession is proven either by a validated client secret or by
// a PKCE verifier matching the code's stored challenge. Clients with no
// registered secret have PKCE as their only path.
func (f *AuthorizationCodeFlow) Token(ctx context.Context, req *TokenRequest) (*TokenResponse, *oautherr.Error) {
	client, thumbprint, werr := f.cfg.preflight(ctx, req, GrantTypeAuthorizationCode)
	if werr != nil {
		return nil, werr
	}

	code := req.Form.Get("code")
	if code == "" {
		return nil, oautherr.InvalidRequest("code is required")
	}

	rec, err := f.cfg.codes.FindCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oautherr.InvalidGrant("unknown or expired authorization code")
		}
		f.cfg.logger.Error("code lookup failed", "error", err)
		return nil, oautherr.ServerError("internal error")
	}
	if rec.Expired(f.cfg.now()) {
		f.cfg.deleteCodeQuiet(ctx, f.cfg.codes, code)
		return nil, oautherr.InvalidGrant("unknown or expired authorization code")
	}

	if rec.ClientID != client.ClientID {
		return nil, oautherr.InvalidGrant("authorization code was not issued to this client")
	}
	if rec.RedirectURI != "" && req.Form.Get("redirect_uri") != rec.RedirectURI {
		return nil, oautherr.InvalidGrant("redirect_uri does not match the authorization request")
	}

	if werr := f.verifyPossession(ctx, client, rec, req.Form.Get("code_verifier")); werr != nil {
		return nil, werr
	}

	// Single use: the code is spent whether issuance succeeds or not.
	f.cfg.deleteCodeQuiet(ctx, f.cfg.codes, code)

	grant := &TokenGrant{
		GrantType:  GrantTypeAuthorizationCode,
		Client:     client,
		Subject:    rec.Subject,
		Scope:      rec.Scope,
		Nonce:      rec.Nonce,
		Thumbprint: thumbprint,
		Form:       req.Form,
		Issuers:    f.cfg.issuersFor(client.ClientID, thumbprint),
	}

	resp, werr := f.cfg.finishGrant(ctx, grant, true)
	if werr != nil {
		return nil, werr
	}
	f.cfg.logGrant(GrantTypeAuthorizationCode, client.ClientID, rec.Subject)
	return resp, nil
}

// verifyPossession enforces "client secret or PKCE": a presented secret is
// validated against the client store, otherwise the code must carry a
// challenge matched by the request's verifier.
func (f *AuthorizationCodeFlow) verifyPossession(ctx context.Context, client *clientauth.Result, rec *storage.CodeRecord, verifier string) *oautherr.Error {
	if client.ClientSecret != "" {
		if werr := f.cfg.validateClientSecret(ctx, client); werr != nil {
			return werr
		}
		// A challenge bound at authorization time must still match even
		// for confidential clients.
		if rec.CodeChallenge != "" && verifier != "" && !security.VerifyS256(verifier, rec.CodeChallenge) {
			return oautherr.InvalidGrant("code_verifier does not match code_challenge")
		}
		return nil
	}

	if rec.CodeChallenge == "" {
		return oautherr.InvalidRequest("client_secret or PKCE is required")
	}
	if verifier == "" {
		return oautherr.InvalidRequest("code_verifier is required")
	}
	if !security.VerifyS256(verifier, rec.CodeChallenge) {
		f.cfg.logger.Warn("PKCE verification failed", "client_id", client.ClientID)
		return oautherr.InvalidGrant("code_verifier does not match code_challenge")
	}
	return nil
}

// Refresh exchanges a refresh token issued by this flow for a new token
// pair. The presented token must verify against the key authority, carry
// the refresh type claim, and belong to the authenticated client.
func (f *AuthorizationCodeFlow) Refresh(ctx context.Context, req *TokenRequest) (*TokenResponse, *oautherr.Error) {
	client, thumbprint, werr := f.cfg.preflight(ctx, req, GrantTypeRefreshToken)
	if werr != nil {
		return nil, werr
	}

	refreshToken := req.Form.Get("refresh_token")
	if refreshToken == "" {
		return nil, oautherr.InvalidRequest("refresh_token is required")
	}

	claims, err := f.cfg.authority.Verify(ctx, refreshToken)
	if err != nil {
		f.cfg.logger.Warn("refresh token verification failed", "client_id", client.ClientID, "error", err)
		return nil, oautherr.InvalidRequest("invalid refresh token")
	}
	if typ, _ := claims["type"].(string); typ != refreshTokenType {
		return nil, oautherr.InvalidRequest("presented token is not a refresh token")
	}
	if boundClient, _ := claims["client_id"].(string); boundClient != client.ClientID {
		f.cfg.logger.Warn("refresh token client mismatch", "client_id", client.ClientID)
		return nil, oautherr.AccessDenied("refresh token was not issued to this client")
	}

	subject, _ := claims["sub"].(string)
	scope, _ := claims["scope"].(string)

	grant := &TokenGrant{
		GrantType:  GrantTypeRefreshToken,
		Client:     client,
		Subject:    subject,
		Scope:      scope,
		Thumbprint: thumbprint,
		Form:       req.Form,
		Issuers:    f.cfg.issuersFor(client.ClientID, thumbprint),
	}

	resp, werr := f.cfg.finishGrant(ctx, grant, true)
	if werr != nil {
		return nil, werr
	}
	f.cfg.logGrant(GrantTypeRefreshToken, client.ClientID, subject)
	return resp, nil
}

// DiscoveryFragment implements Flow.
func (f *AuthorizationCodeFlow) DiscoveryFragment() Fragment {
	frag := Fragment{
		"grant_types_supported":                 []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
		"response_types_supported":              []string{"code"},
		"code_challenge_methods_supported":      []string{security.PKCEMethodS256},
		"token_endpoint_auth_methods_supported": f.cfg.authMethodNames(),
	}
	if len(f.cfg.scopes) > 0 {
		frag["scopes_supported"] = f.cfg.scopes
	}
	return frag
}
