package voicerouter

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alicia-home/alicia-core/internal/balancer"
	"github.com/alicia-home/alicia-core/internal/httpapi"
)

// Mount attaches the router's inspection endpoints to a router.
func (r *Router) Mount(mux chi.Router) {
	mux.Get("/sessions", r.handleSessions)
	mux.Get("/sessions/{session_id}", r.handleSession)
	mux.Get("/pools", r.handlePools)
}

func (r *Router) handleSessions(w http.ResponseWriter, _ *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"sessions": r.Sessions(),
	})
}

func (r *Router) handleSession(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "session_id")
	view, ok := r.Session(id)
	if !ok {
		httpapi.WriteNotFound(w, "unknown session")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, view)
}

// handlePools exposes each stage's balancer state for operators chasing a
// routing decision.
func (r *Router) handlePools(w http.ResponseWriter, _ *http.Request) {
	pools := make(map[string][]balancer.InstanceStatus, len(r.pools))
	for stage, pool := range r.pools {
		if pool != nil {
			pools[stage] = pool.Snapshot()
		}
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"pools": pools,
	})
}
