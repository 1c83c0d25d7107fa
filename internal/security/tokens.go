package security

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ServiceClaims extends JWT registered claims with the bus scopes granted to
// a service.
type ServiceClaims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes"`
}

// Scope name templates. A scope is "<action>:<topic-filter-or-resource>".
const (
	// ScopeRegistryWrite lets a service call the registry write API.
	// Only discovery holds it.
	ScopeRegistryWrite = "registry:write"

	// ScopeKeysRotate lets a caller rotate the message key.
	ScopeKeysRotate = "keys:rotate"
)

// privilegedScopes grants extra scopes to well-known service names beyond
// the per-service topic prefixes.
var privilegedScopes = map[string][]string{
	"discovery":        {ScopeRegistryWrite},
	"security-gateway": {ScopeKeysRotate},
	"alicia-admin":     {ScopeRegistryWrite, ScopeKeysRotate},
}

// ScopesFor derives the scopes a service receives at admission: publish and
// subscribe under its own prefix, subscribe to the system plane, plus any
// privileged grants for its name.
func ScopesFor(serviceName string) []string {
	scopes := []string{
		"publish:alicia/" + serviceName + "/#",
		"subscribe:alicia/" + serviceName + "/#",
		"publish:alicia/system/discovery/#",
		"subscribe:alicia/system/#",
	}
	return append(scopes, privilegedScopes[serviceName]...)
}

// IssueServiceToken signs a bearer token for an authenticated service.
//
// Parameters:
//   - serviceName: Subject (certificate CN)
//   - secret: HMAC signing secret
//   - ttl: Token lifetime
//
// Returns:
//   - token: Signed compact JWT
//   - claims: The claims embedded in it (for auditing)
//   - error: If signing fails
func IssueServiceToken(serviceName, secret string, ttl time.Duration) (string, *ServiceClaims, error) {
	now := time.Now().UTC()
	claims := &ServiceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   serviceName,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Scopes: ScopesFor(serviceName),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", nil, fmt.Errorf("signing service token: %w", err)
	}
	return signed, claims, nil
}

// VerifyServiceToken validates a bearer token's signature, expiry, and
// required claims.
//
// Parameters:
//   - tokenString: Compact JWT
//   - secret: HMAC signing secret
//
// Returns:
//   - *ServiceClaims: Parsed claims
//   - error: ErrTokenInvalid (wrapped) on any validation failure
func VerifyServiceToken(tokenString, secret string) (*ServiceClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ServiceClaims{}, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*ServiceClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	return claims, nil
}

// HasScope reports whether the claims carry the scope. Topic scopes match on
// MQTT-filter prefix: "publish:alicia/foo/#" covers "publish:alicia/foo/bar".
func (c *ServiceClaims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
		if filter, ok := strings.CutSuffix(s, "/#"); ok && strings.HasPrefix(scope, filter+"/") {
			return true
		}
	}
	return false
}
