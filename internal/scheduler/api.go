package scheduler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alicia-home/alicia-core/internal/httpapi"
)

// Mount attaches the scheduler's HTTP surface to a router.
func (s *Scheduler) Mount(mux chi.Router) {
	mux.Route("/events", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Get("/{event_id}", s.handleGet)
		r.Put("/{event_id}", s.handleUpdate)
		r.Delete("/{event_id}", s.handleDelete)
		r.Post("/{event_id}/trigger", s.handleManualTrigger)
		r.Get("/{event_id}/executions", s.handleExecutions)
	})
}

func (s *Scheduler) handleList(w http.ResponseWriter, _ *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"events": s.List(),
	})
}

func (s *Scheduler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var event ScheduledEvent
	if err := httpapi.DecodeJSON(r, &event); err != nil {
		httpapi.WriteBadRequest(w, err.Error())
		return
	}

	created, err := s.Create(event)
	switch {
	case errors.Is(err, ErrExists):
		httpapi.WriteConflict(w, "event already exists")
		return
	case err != nil:
		httpapi.WriteBadRequest(w, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, created)
}

func (s *Scheduler) handleGet(w http.ResponseWriter, r *http.Request) {
	event, ok := s.Get(chi.URLParam(r, "event_id"))
	if !ok {
		httpapi.WriteNotFound(w, "unknown event")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, event)
}

// handleUpdate replaces an event definition. The id in the path wins
// over any id in the body.
func (s *Scheduler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var event ScheduledEvent
	if err := httpapi.DecodeJSON(r, &event); err != nil {
		httpapi.WriteBadRequest(w, err.Error())
		return
	}
	event.EventID = chi.URLParam(r, "event_id")

	updated, err := s.Update(event)
	switch {
	case errors.Is(err, ErrNotFound):
		httpapi.WriteNotFound(w, "unknown event")
		return
	case err != nil:
		httpapi.WriteBadRequest(w, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, updated)
}

func (s *Scheduler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !s.Delete(chi.URLParam(r, "event_id")) {
		httpapi.WriteNotFound(w, "unknown event")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Scheduler) handleManualTrigger(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Trigger(r.Context(), chi.URLParam(r, "event_id"))
	if errors.Is(err, ErrNotFound) {
		httpapi.WriteNotFound(w, "unknown event")
		return
	}
	if err != nil {
		httpapi.WriteInternalError(w, "trigger failed")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, rec)
}

func (s *Scheduler) handleExecutions(w http.ResponseWriter, r *http.Request) {
	history, err := s.Executions(chi.URLParam(r, "event_id"))
	if errors.Is(err, ErrNotFound) {
		httpapi.WriteNotFound(w, "unknown event")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"executions": history,
	})
}
