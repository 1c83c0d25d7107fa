package metrics

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/alicia-home/alicia-core/internal/httpapi"
)

// maxIngestBody caps an HTTP ingest request.
const maxIngestBody = 1 << 20

// Mount attaches the collector's HTTP surface to a router.
func (c *Collector) Mount(mux chi.Router) {
	mux.Post("/metrics", c.handlePostMetrics)
	mux.Get("/metrics/{name}", c.handleQuery)
	mux.Get("/series", c.handleSeries)

	mux.Route("/alerts", func(r chi.Router) {
		r.Get("/rules", c.handleListRules)
		r.Put("/rules/{name}", c.handlePutRule)
		r.Delete("/rules/{name}", c.handleDeleteRule)
		r.Get("/status", c.handleAlertStatus)
	})

	if c.hub != nil {
		mux.Get("/ws", c.hub.ServeWS)
	}
}

// handlePostMetrics accepts one sample or a batch, mirroring the bus
// ingest topic.
func (c *Collector) handlePostMetrics(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		httpapi.WriteBadRequest(w, "unreadable request body")
		return
	}

	var batch []Sample
	if err := json.Unmarshal(body, &batch); err != nil {
		var one Sample
		if err := json.Unmarshal(body, &one); err != nil {
			httpapi.WriteBadRequest(w, "body must be a sample or an array of samples")
			return
		}
		batch = []Sample{one}
	}

	accepted, rejected := c.Ingest(batch)
	httpapi.WriteJSON(w, http.StatusAccepted, map[string]int{
		"accepted": accepted,
		"rejected": rejected,
	})
}

// handleQuery aggregates one metric over a window. Label filters arrive
// as repeated label=k=v query parameters.
func (c *Collector) handleQuery(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var window time.Duration
	if raw := r.URL.Query().Get("window_s"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			httpapi.WriteBadRequest(w, "window_s must be a positive integer")
			return
		}
		window = time.Duration(seconds) * time.Second
	}

	labels := make(map[string]string)
	for _, raw := range r.URL.Query()["label"] {
		k, v, ok := strings.Cut(raw, "=")
		if !ok || k == "" {
			httpapi.WriteBadRequest(w, "label filters must look like label=key=value")
			return
		}
		labels[k] = v
	}

	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"name":      name,
		"aggregate": c.store.Query(name, labels, window),
	})
}

func (c *Collector) handleSeries(w http.ResponseWriter, _ *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"series": c.store.Series(),
	})
}

func (c *Collector) handleListRules(w http.ResponseWriter, _ *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"rules": c.engine.Rules(),
	})
}

// handlePutRule inserts or replaces a rule. The name in the path wins
// over any name in the body.
func (c *Collector) handlePutRule(w http.ResponseWriter, r *http.Request) {
	var rule AlertRule
	if err := httpapi.DecodeJSON(r, &rule); err != nil {
		httpapi.WriteBadRequest(w, err.Error())
		return
	}
	rule.Name = chi.URLParam(r, "name")

	if err := c.engine.SetRule(rule); err != nil {
		httpapi.WriteBadRequest(w, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, rule)
}

func (c *Collector) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if !c.engine.DeleteRule(chi.URLParam(r, "name")) {
		httpapi.WriteNotFound(w, "unknown rule")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *Collector) handleAlertStatus(w http.ResponseWriter, _ *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"alerts": c.engine.Status(),
	})
}
