package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/alicia-home/alicia-core/internal/infrastructure/logging"
)

func newTestHandler(t *testing.T, mount func(chi.Router)) http.Handler {
	t.Helper()
	srv, err := New(Deps{
		Bind:    "127.0.0.1:0",
		Logger:  logging.Default("test"),
		Version: "test",
		Mount:   mount,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return srv.Handler()
}

func TestNewRequiresLoggerAndBind(t *testing.T) {
	if _, err := New(Deps{Bind: ":0"}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: logging.Default("test")}); err == nil {
		t.Error("New() without bind address should fail")
	}
}

func TestRequestIDPropagation(t *testing.T) {
	handler := newTestHandler(t, func(r chi.Router) {
		r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
			WriteJSON(w, http.StatusOK, map[string]string{"pong": "ok"})
		})
	})

	// Client-supplied id is echoed back.
	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "req-123" {
		t.Errorf("request id = %q, want req-123", got)
	}

	// Missing id gets generated.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/ping", nil))
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("request id should be generated when absent")
	}
}

func TestRecoveryMiddlewareReturns500(t *testing.T) {
	handler := newTestHandler(t, func(r chi.Router) {
		r.Get("/boom", func(http.ResponseWriter, *http.Request) {
			panic("handler exploded")
		})
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/boom", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var apiErr Error
	if err := json.Unmarshal(rec.Body.Bytes(), &apiErr); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	if apiErr.Code != ErrCodeInternal {
		t.Errorf("error code = %q, want internal_error", apiErr.Code)
	}
}

func TestVersionEndpoint(t *testing.T) {
	handler := newTestHandler(t, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/version", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["version"] != "test" {
		t.Errorf("version = %q, want test", body["version"])
	}
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"x","extra":1}`))
	var p payload
	if err := DecodeJSON(req, &p); err == nil {
		t.Error("DecodeJSON should reject unknown fields")
	}

	req = httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"x"}`))
	if err := DecodeJSON(req, &p); err != nil {
		t.Errorf("DecodeJSON error: %v", err)
	}
	if p.Name != "x" {
		t.Errorf("decoded name = %q", p.Name)
	}
}

func TestWriteErrorShape(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteNotFound(rec, "no such service")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var apiErr Error
	if err := json.Unmarshal(rec.Body.Bytes(), &apiErr); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if apiErr.Status != 404 || apiErr.Code != ErrCodeNotFound || apiErr.Message != "no such service" {
		t.Errorf("error body = %+v", apiErr)
	}
}
