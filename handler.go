package oauthkit

import (
	"encoding/json"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/velumlabs/oauthkit/flow"
	"github.com/velumlabs/oauthkit/instrumentation"
	"github.com/velumlabs/oauthkit/oautherr"
)

// RouteRegistrar abstracts the host application's router so Mount can wire
// the engine's endpoints without depending on a specific mux.
type RouteRegistrar interface {
	Register(method, path string, handler http.HandlerFunc)
}

// MuxRegistrar adapts *http.ServeMux to RouteRegistrar.
type MuxRegistrar struct {
	mux *http.ServeMux
}

// NewMuxRegistrar wraps a ServeMux for Mount.
func NewMuxRegistrar(mux *http.ServeMux) *MuxRegistrar {
	return &MuxRegistrar{mux: mux}
}

// Register registers the handler using Go 1.22 method-qualified patterns.
func (m *MuxRegistrar) Register(method, path string, handler http.HandlerFunc) {
	m.mux.HandleFunc(method+" "+path, handler)
}

// Handler exposes a Composer over HTTP: token endpoint, JWKS, discovery, and
// whichever browser/device endpoints the registered flows provide.
type Handler struct {
	composer *Composer
	inst     *instrumentation.Instrumentation
}

// NewHandler builds an HTTP handler set for a composed engine. A nil
// Instrumentation disables recording; all record paths are nil-safe.
func NewHandler(composer *Composer, inst *instrumentation.Instrumentation) *Handler {
	return &Handler{composer: composer, inst: inst}
}

// Mount registers every endpoint the composition supports on the registrar.
func (h *Handler) Mount(reg RouteRegistrar) {
	c := h.composer
	reg.Register(http.MethodPost, c.tokenPath, h.ServeToken)
	reg.Register(http.MethodGet, c.jwksPath, h.ServeJWKS)
	reg.Register(http.MethodGet, c.discoveryPath, h.ServeDiscovery)

	for _, f := range c.flows {
		if af, ok := f.(interface {
			HandleAuthorize(http.ResponseWriter, *http.Request)
		}); ok {
			reg.Register(http.MethodGet, c.authorizePath, af.HandleAuthorize)
			reg.Register(http.MethodPost, c.authorizePath, af.HandleAuthorize)
		}
		if df, ok := f.(interface {
			HandleDeviceAuthorization(http.ResponseWriter, *http.Request)
		}); ok {
			reg.Register(http.MethodPost, c.devicePath, df.HandleDeviceAuthorization)
		}
	}
}

// ServeToken handles POST requests to the shared token endpoint.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.inst.StartSpan(r.Context(), "oauth.token",
		attribute.String("grant_type", r.PostFormValue("grant_type")))
	defer span.End()

	if r.Method != http.MethodPost {
		werr := oautherr.InvalidRequest("method not allowed")
		werr.Status = http.StatusMethodNotAllowed
		h.writeTokenError(w, r, start, "", werr)
		return
	}

	req, werr := flow.ParseTokenRequest(r)
	if werr != nil {
		h.writeTokenError(w, r, start, "", werr)
		return
	}
	grantType := req.Form.Get("grant_type")

	resp, werr := h.composer.Dispatch(ctx, req)
	if werr != nil {
		h.writeTokenError(w, r, start, grantType, werr)
		return
	}

	h.inst.RecordTokenIssued(ctx, grantType)
	h.writeJSON(w, http.StatusOK, resp)
	h.inst.RecordHTTPRequest(ctx, h.composer.tokenPath, r.Method, http.StatusOK, start)
}

// ServeJWKS handles GET requests for the public key set.
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.inst.StartSpan(r.Context(), "oauth.jwks")
	defer span.End()

	jwks, err := h.composer.authority.JWKS(ctx)
	if err != nil {
		h.composer.logger.Error("failed to build JWKS", "error", err)
		h.writeJSON(w, http.StatusInternalServerError, oautherr.ServerError("key set unavailable"))
		h.inst.RecordHTTPRequest(ctx, h.composer.jwksPath, r.Method, http.StatusInternalServerError, start)
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=300")
	h.writeJSON(w, http.StatusOK, jwks)
	h.inst.RecordHTTPRequest(ctx, h.composer.jwksPath, r.Method, http.StatusOK, start)
}

// ServeDiscovery handles GET requests for the merged discovery document.
func (h *Handler) ServeDiscovery(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.inst.StartSpan(r.Context(), "oauth.discovery")
	defer span.End()

	w.Header().Set("Cache-Control", "public, max-age=3600")
	h.writeJSON(w, http.StatusOK, h.composer.Discovery())
	h.inst.RecordHTTPRequest(ctx, h.composer.discoveryPath, r.Method, http.StatusOK, start)
}

func (h *Handler) writeTokenError(w http.ResponseWriter, r *http.Request, start time.Time, grantType string, werr *oautherr.Error) {
	ctx := r.Context()
	h.composer.logger.Warn("token request rejected",
		"grant_type", grantType,
		"error", werr.Code,
		"status", werr.Status)
	h.inst.RecordTokenError(ctx, grantType, werr.Code)
	h.writeJSON(w, werr.Status, werr)
	h.inst.RecordHTTPRequest(ctx, h.composer.tokenPath, r.Method, werr.Status, start)
}

// writeJSON writes a JSON body with the cache headers token responses
// require. Token material must never land in shared caches.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	if w.Header().Get("Cache-Control") == "" {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.composer.logger.Error("failed to encode response", "error", err)
	}
}
