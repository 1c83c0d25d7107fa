package security

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/alicia-home/alicia-core/internal/httpapi"
	"github.com/alicia-home/alicia-core/internal/infrastructure/config"
	"github.com/alicia-home/alicia-core/internal/infrastructure/logging"
)

// Gateway is the admission service: it authenticates service certificates,
// issues and verifies bearer tokens, and owns message key rotation.
type Gateway struct {
	logger   *logging.Logger
	store    Store
	keys     *Keystore
	verifier *CertVerifier
	cfg      config.SecurityConfig

	limiters   map[string]*rate.Limiter
	limitersMu sync.Mutex
}

// Deps holds the dependencies required by the gateway.
type Deps struct {
	Logger   *logging.Logger
	Store    Store
	Keys     *Keystore
	Verifier *CertVerifier
	Config   config.SecurityConfig
}

// NewGateway creates the admission gateway.
//
// Parameters:
//   - deps: Logger, store, keystore, certificate verifier, and config
//
// Returns:
//   - *Gateway: Gateway ready to mount
//   - error: If required dependencies are missing
func NewGateway(deps Deps) (*Gateway, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Keys == nil {
		return nil, fmt.Errorf("keystore is required")
	}
	if deps.Verifier == nil {
		return nil, fmt.Errorf("certificate verifier is required")
	}
	if deps.Config.TokenSecret == "" {
		return nil, fmt.Errorf("token secret is required")
	}
	return &Gateway{
		logger:   deps.Logger,
		store:    deps.Store,
		keys:     deps.Keys,
		verifier: deps.Verifier,
		cfg:      deps.Config,
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// Mount registers the admission API routes.
func (g *Gateway) Mount(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Use(g.rateLimitMiddleware)
		r.Post("/service", g.handleAuthService)
		r.Post("/verify", g.handleVerify)
	})
	r.Post("/keys/rotate", g.handleRotate)
}

// tokenTTL returns the configured token lifetime.
func (g *Gateway) tokenTTL() time.Duration {
	return time.Duration(g.cfg.TokenTTLMinutes) * time.Minute
}

// keyGrace returns the configured rotation grace period.
func (g *Gateway) keyGrace() time.Duration {
	return time.Duration(g.cfg.KeyGraceHours) * time.Hour
}

// authServiceRequest is the POST /auth/service body.
type authServiceRequest struct {
	Certificate string `json:"certificate"`
}

// authServiceResponse is the successful admission response.
type authServiceResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	TokenType string    `json:"token_type"`
}

// handleAuthService authenticates a service by certificate and issues a
// bearer token.
//
// Auth failures are reported with the generic invalid_credential message;
// the specific cause is only logged internally.
func (g *Gateway) handleAuthService(w http.ResponseWriter, r *http.Request) {
	var req authServiceRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteBadRequest(w, err.Error())
		return
	}
	if req.Certificate == "" {
		httpapi.WriteBadRequest(w, "certificate is required")
		return
	}

	identity, err := g.verifier.VerifyPEM([]byte(req.Certificate))
	if err != nil {
		g.logger.Warn("certificate verification failed", "remote", r.RemoteAddr, "error", err)
		httpapi.WriteUnauthorized(w, "invalid_credential")
		return
	}

	denied, err := g.store.IsDenied(r.Context(), identity.Fingerprint)
	if err != nil {
		g.logger.Error("denylist check failed", "error", err)
		httpapi.WriteInternalError(w, "admission unavailable")
		return
	}
	if denied {
		g.logger.Warn("denylisted certificate rejected",
			"service", identity.ServiceName,
			"fingerprint", identity.Fingerprint,
		)
		httpapi.WriteUnauthorized(w, "invalid_credential")
		return
	}

	token, claims, err := IssueServiceToken(identity.ServiceName, g.cfg.TokenSecret, g.tokenTTL())
	if err != nil {
		g.logger.Error("token issuance failed", "service", identity.ServiceName, "error", err)
		httpapi.WriteInternalError(w, "admission unavailable")
		return
	}

	if err := g.store.RecordToken(r.Context(), claims.ID, identity.ServiceName, claims.Scopes,
		claims.IssuedAt.Time, claims.ExpiresAt.Time); err != nil {
		// Audit failure is not worth refusing admission over.
		g.logger.Warn("token audit record failed", "error", err)
	}

	g.logger.Info("service admitted",
		"service", identity.ServiceName,
		"fingerprint", identity.Fingerprint,
		"expires_at", claims.ExpiresAt.Time,
	)
	httpapi.WriteJSON(w, http.StatusOK, authServiceResponse{
		Token:     token,
		ExpiresAt: claims.ExpiresAt.Time,
		TokenType: "bearer",
	})
}

// verifyRequest is the POST /auth/verify body.
type verifyRequest struct {
	Token string `json:"token"`
}

// verifyResponse reports token validity and claims.
type verifyResponse struct {
	Valid     bool       `json:"valid"`
	Subject   string     `json:"subject,omitempty"`
	Scopes    []string   `json:"scopes,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// handleVerify checks a bearer token. Invalid tokens get {valid:false}, not
// an error status: verification is a query, not a guarded action.
func (g *Gateway) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteBadRequest(w, err.Error())
		return
	}

	claims, err := VerifyServiceToken(req.Token, g.cfg.TokenSecret)
	if err != nil {
		httpapi.WriteJSON(w, http.StatusOK, verifyResponse{Valid: false})
		return
	}

	expires := claims.ExpiresAt.Time
	httpapi.WriteJSON(w, http.StatusOK, verifyResponse{
		Valid:     true,
		Subject:   claims.Subject,
		Scopes:    claims.Scopes,
		ExpiresAt: &expires,
	})
}

// rotateResponse is the POST /keys/rotate response.
type rotateResponse struct {
	KeyID      string    `json:"key_id"`
	RotatedAt  time.Time `json:"rotated_at"`
	GraceHours int       `json:"grace_hours"`
}

// handleRotate rotates the symmetric message key. Requires the keys:rotate
// scope; the previous key keeps decrypting for the grace period.
func (g *Gateway) handleRotate(w http.ResponseWriter, r *http.Request) {
	claims, err := g.bearerClaims(r)
	if err != nil {
		httpapi.WriteUnauthorized(w, "invalid_credential")
		return
	}
	if !claims.HasScope(ScopeKeysRotate) {
		httpapi.WriteForbidden(w, "keys:rotate scope required")
		return
	}

	key, err := g.keys.Rotate(r.Context())
	if err != nil {
		g.logger.Error("key rotation failed", "error", err)
		httpapi.WriteInternalError(w, "rotation failed")
		return
	}

	g.logger.Info("message key rotated", "key_id", key.ID, "by", claims.Subject)
	httpapi.WriteJSON(w, http.StatusOK, rotateResponse{
		KeyID:      key.ID,
		RotatedAt:  key.CreatedAt,
		GraceHours: g.cfg.KeyGraceHours,
	})
}

// bearerClaims extracts and verifies the Authorization bearer token.
func (g *Gateway) bearerClaims(r *http.Request) (*ServiceClaims, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, ErrTokenInvalid
	}
	return VerifyServiceToken(token, g.cfg.TokenSecret)
}

// rateLimitMiddleware enforces the per-source-IP request budget on the auth
// endpoints.
func (g *Gateway) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.cfg.RateLimit.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		if !g.limiterFor(clientIP(r)).Allow() {
			httpapi.WriteError(w, http.StatusTooManyRequests, httpapi.ErrCodeRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limiterFor returns (creating if needed) the limiter for a source IP.
func (g *Gateway) limiterFor(ip string) *rate.Limiter {
	g.limitersMu.Lock()
	defer g.limitersMu.Unlock()

	if l, ok := g.limiters[ip]; ok {
		return l
	}
	perMinute := g.cfg.RateLimit.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = 60
	}
	l := rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
	g.limiters[ip] = l
	return l
}

// clientIP extracts the source IP from the request.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Deny puts a certificate fingerprint on the denylist. Exposed for ops
// tooling; future admissions with that certificate fail.
func (g *Gateway) Deny(ctx context.Context, fingerprint, reason string) error {
	return g.store.AddDenial(ctx, fingerprint, reason)
}
