package security

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/alicia-home/alicia-core/internal/infrastructure/config"
	"github.com/alicia-home/alicia-core/internal/infrastructure/logging"
)

func testGatewayConfig() config.SecurityConfig {
	return config.SecurityConfig{
		TokenSecret:     testSecret,
		TokenTTLMinutes: 60,
		KeyGraceHours:   24,
		RateLimit:       config.RateLimitConfig{Enabled: false},
	}
}

func newTestGateway(t *testing.T, store Store, cfg config.SecurityConfig) (*Gateway, http.Handler, func(string) []byte) {
	t.Helper()

	ca, caKey, pool := testCA(t)
	ks, err := NewKeystore(context.Background(), store, 24*time.Hour)
	if err != nil {
		t.Fatalf("NewKeystore: %v", err)
	}

	gw, err := NewGateway(Deps{
		Logger:   logging.Default("test"),
		Store:    store,
		Keys:     ks,
		Verifier: NewCertVerifier(pool),
		Config:   cfg,
	})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	r := chi.NewRouter()
	gw.Mount(r)

	issue := func(cn string) []byte {
		return issueServiceCert(t, ca, caKey, cn)
	}
	return gw, r, issue
}

func postJSON(t *testing.T, handler http.Handler, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshaling request: %v", err)
	}
	req := httptest.NewRequest("POST", path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestAuthServiceIssuesToken(t *testing.T) {
	_, handler, issue := newTestGateway(t, newMemStore(), testGatewayConfig())

	rec := postJSON(t, handler, "/auth/service",
		map[string]string{"certificate": string(issue("voice-router"))}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp authServiceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.TokenType != "bearer" || resp.Token == "" {
		t.Errorf("response = %+v", resp)
	}

	claims, err := VerifyServiceToken(resp.Token, testSecret)
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if claims.Subject != "voice-router" {
		t.Errorf("token subject = %q", claims.Subject)
	}
	if !claims.HasScope("publish:alicia/voice-router/status") {
		t.Error("token missing derived publish scope")
	}
}

func TestAuthServiceRejectsForeignCert(t *testing.T) {
	_, handler, _ := newTestGateway(t, newMemStore(), testGatewayConfig())
	foreignCA, foreignKey, _ := testCA(t)
	certPEM := issueServiceCert(t, foreignCA, foreignKey, "intruder")

	rec := postJSON(t, handler, "/auth/service",
		map[string]string{"certificate": string(certPEM)}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	// The failure reason must stay generic on the wire.
	if !bytes.Contains(rec.Body.Bytes(), []byte("invalid_credential")) {
		t.Errorf("body %s should carry generic invalid_credential", rec.Body.String())
	}
}

func TestAuthServiceRejectsDenylisted(t *testing.T) {
	store := newMemStore()
	gw, handler, issue := newTestGateway(t, store, testGatewayConfig())
	certPEM := issue("compromised-svc")

	// Admit once to learn the fingerprint, then deny it.
	rec := postJSON(t, handler, "/auth/service", map[string]string{"certificate": string(certPEM)}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("first admission status = %d", rec.Code)
	}
	identity, err := gw.verifier.VerifyPEM(certPEM)
	if err != nil {
		t.Fatalf("VerifyPEM: %v", err)
	}
	if err := gw.Deny(context.Background(), identity.Fingerprint, "key leak"); err != nil {
		t.Fatalf("Deny: %v", err)
	}

	rec = postJSON(t, handler, "/auth/service", map[string]string{"certificate": string(certPEM)}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("denylisted admission status = %d, want 401", rec.Code)
	}
}

func TestVerifyEndpoint(t *testing.T) {
	_, handler, _ := newTestGateway(t, newMemStore(), testGatewayConfig())

	token, _, err := IssueServiceToken("registry", testSecret, time.Hour)
	if err != nil {
		t.Fatalf("IssueServiceToken: %v", err)
	}

	rec := postJSON(t, handler, "/auth/verify", map[string]string{"token": token}, nil)
	var resp verifyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.Valid || resp.Subject != "registry" {
		t.Errorf("verify response = %+v", resp)
	}

	rec = postJSON(t, handler, "/auth/verify", map[string]string{"token": "bogus"}, nil)
	resp = verifyResponse{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Valid {
		t.Error("bogus token reported valid")
	}
}

func TestRotateRequiresScope(t *testing.T) {
	_, handler, _ := newTestGateway(t, newMemStore(), testGatewayConfig())

	// No token at all.
	rec := postJSON(t, handler, "/keys/rotate", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no-token rotate status = %d, want 401", rec.Code)
	}

	// Ordinary service token lacks keys:rotate.
	plain, _, _ := IssueServiceToken("voice-router", testSecret, time.Hour)
	rec = postJSON(t, handler, "/keys/rotate", nil, map[string]string{"Authorization": "Bearer " + plain})
	if rec.Code != http.StatusForbidden {
		t.Errorf("unscoped rotate status = %d, want 403", rec.Code)
	}

	// The gateway's own identity carries the scope.
	admin, _, _ := IssueServiceToken("security-gateway", testSecret, time.Hour)
	rec = postJSON(t, handler, "/keys/rotate", nil, map[string]string{"Authorization": "Bearer " + admin})
	if rec.Code != http.StatusOK {
		t.Fatalf("scoped rotate status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp rotateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.KeyID == "" || resp.GraceHours != 24 {
		t.Errorf("rotate response = %+v", resp)
	}
}

func TestAuthRateLimit(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 3}
	_, handler, issue := newTestGateway(t, newMemStore(), cfg)

	certPEM := string(issue("chatty-svc"))
	var limited bool
	for i := 0; i < 10; i++ {
		rec := postJSON(t, handler, "/auth/service", map[string]string{"certificate": certPEM}, nil)
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("rate limit never triggered after burst")
	}
}
