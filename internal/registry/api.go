package registry

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/alicia-home/alicia-core/internal/bus"
	"github.com/alicia-home/alicia-core/internal/httpapi"
	"github.com/alicia-home/alicia-core/internal/security"
)

// API exposes the registry over HTTP. Reads are open to any service on
// the home network; writes require a token carrying the registry:write
// scope, which only discovery (and the admin identity) is issued.
type API struct {
	registry    *Registry
	tokenSecret string
	log         Logger
}

// APIDeps carries the API's dependencies.
type APIDeps struct {
	Registry    *Registry
	TokenSecret string
	Logger      Logger
}

// NewAPI builds the HTTP layer over a registry.
func NewAPI(deps APIDeps) (*API, error) {
	if deps.Registry == nil {
		return nil, errors.New("registry api: Registry is required")
	}
	if deps.TokenSecret == "" {
		return nil, errors.New("registry api: TokenSecret is required")
	}
	if deps.Logger == nil {
		deps.Logger = noopLogger{}
	}
	return &API{
		registry:    deps.Registry,
		tokenSecret: deps.TokenSecret,
		log:         deps.Logger,
	}, nil
}

// Mount attaches registry routes to a router.
func (a *API) Mount(r chi.Router) {
	r.Get("/devices", a.handleDevices)
	r.Get("/services", a.handleServices)
	r.Get("/services/by-capability/{capability}", a.handleByCapability)
	r.Get("/services/{service_name}/instances", a.handleInstances)

	r.Group(func(r chi.Router) {
		r.Use(a.requireRegistryWrite)
		r.Post("/services/register", a.handleRegister)
		r.Post("/services/unregister", a.handleUnregister)
		r.Post("/services/heartbeat", a.handleHeartbeat)
	})
}

// requireRegistryWrite gates mutation endpoints behind the registry:write
// scope.
func (a *API) requireRegistryWrite(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			httpapi.WriteUnauthorized(w, "bearer token required")
			return
		}
		claims, err := security.VerifyServiceToken(raw, a.tokenSecret)
		if err != nil {
			httpapi.WriteUnauthorized(w, "invalid token")
			return
		}
		if !claims.HasScope(security.ScopeRegistryWrite) {
			a.log.Warn("registry write denied", "subject", claims.Subject)
			httpapi.WriteForbidden(w, "registry:write scope required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleDevices(w http.ResponseWriter, _ *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"devices": a.registry.Devices(),
	})
}

func (a *API) handleServices(w http.ResponseWriter, _ *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"services": a.registry.Services(),
	})
}

func (a *API) handleByCapability(w http.ResponseWriter, r *http.Request) {
	capability := chi.URLParam(r, "capability")
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"capability": capability,
		"instances":  a.registry.ByCapability(capability),
	})
}

func (a *API) handleInstances(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "service_name")
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"service_name": name,
		"instances":    a.registry.Instances(name),
	})
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var ann bus.ServiceAnnouncement
	if err := httpapi.DecodeJSON(r, &ann); err != nil {
		httpapi.WriteBadRequest(w, err.Error())
		return
	}
	if err := a.registry.Register(ann); err != nil {
		switch {
		case errors.Is(err, ErrInvalidAnnouncement):
			httpapi.WriteBadRequest(w, err.Error())
		case errors.Is(err, ErrFingerprintMismatch), errors.Is(err, ErrTopicConflict):
			httpapi.WriteConflict(w, err.Error())
		default:
			httpapi.WriteInternalError(w, "registration failed")
		}
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

type instanceRef struct {
	ServiceName string `json:"service_name"`
	InstanceID  string `json:"instance_id"`
}

func (a *API) handleUnregister(w http.ResponseWriter, r *http.Request) {
	var ref instanceRef
	if err := httpapi.DecodeJSON(r, &ref); err != nil {
		httpapi.WriteBadRequest(w, err.Error())
		return
	}
	if err := a.registry.Unregister(ref.ServiceName, ref.InstanceID); err != nil {
		if errors.Is(err, ErrNotFound) {
			httpapi.WriteNotFound(w, err.Error())
			return
		}
		httpapi.WriteInternalError(w, "unregistration failed")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "unregistered"})
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb bus.HeartbeatPayload
	if err := httpapi.DecodeJSON(r, &hb); err != nil {
		httpapi.WriteBadRequest(w, err.Error())
		return
	}
	if err := a.registry.Heartbeat(hb); err != nil {
		if errors.Is(err, ErrNotFound) {
			httpapi.WriteNotFound(w, err.Error())
			return
		}
		httpapi.WriteInternalError(w, "heartbeat failed")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
