package security

import (
	"errors"
	"testing"
	"time"
)

const testSecret = "unit-test-secret"

func TestIssueAndVerifyServiceToken(t *testing.T) {
	token, issued, err := IssueServiceToken("voice-router", testSecret, time.Hour)
	if err != nil {
		t.Fatalf("IssueServiceToken: %v", err)
	}

	claims, err := VerifyServiceToken(token, testSecret)
	if err != nil {
		t.Fatalf("VerifyServiceToken: %v", err)
	}
	if claims.Subject != "voice-router" {
		t.Errorf("subject = %q", claims.Subject)
	}
	if len(claims.Scopes) != len(issued.Scopes) {
		t.Errorf("scopes = %v, want %v", claims.Scopes, issued.Scopes)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, _, err := IssueServiceToken("voice-router", testSecret, time.Hour)
	if err != nil {
		t.Fatalf("IssueServiceToken: %v", err)
	}
	if _, err := VerifyServiceToken(token, "other-secret"); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("wrong secret = %v, want ErrTokenInvalid", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	token, _, err := IssueServiceToken("voice-router", testSecret, -time.Minute)
	if err != nil {
		t.Fatalf("IssueServiceToken: %v", err)
	}
	if _, err := VerifyServiceToken(token, testSecret); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("expired token = %v, want ErrTokenInvalid", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	if _, err := VerifyServiceToken("not.a.token", testSecret); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("garbage token = %v, want ErrTokenInvalid", err)
	}
}

func TestScopesForDerivesTopicPrefixes(t *testing.T) {
	scopes := ScopesFor("stt-whisper")

	want := map[string]bool{
		"publish:alicia/stt-whisper/#":   false,
		"subscribe:alicia/stt-whisper/#": false,
	}
	for _, s := range scopes {
		if _, ok := want[s]; ok {
			want[s] = true
		}
		if s == ScopeRegistryWrite {
			t.Error("ordinary service must not receive registry:write")
		}
	}
	for s, found := range want {
		if !found {
			t.Errorf("scope %q missing from %v", s, scopes)
		}
	}
}

func TestDiscoveryReceivesRegistryWrite(t *testing.T) {
	found := false
	for _, s := range ScopesFor("discovery") {
		if s == ScopeRegistryWrite {
			found = true
		}
	}
	if !found {
		t.Error("discovery must receive registry:write")
	}
}

func TestHasScopeMatchesFilters(t *testing.T) {
	claims := &ServiceClaims{Scopes: []string{
		"publish:alicia/stt/#",
		ScopeRegistryWrite,
	}}

	tests := []struct {
		scope string
		want  bool
	}{
		{"publish:alicia/stt/request", true},
		{"publish:alicia/stt/deep/nested", true},
		{"publish:alicia/tts/request", false},
		{ScopeRegistryWrite, true},
		{ScopeKeysRotate, false},
	}
	for _, tt := range tests {
		if got := claims.HasScope(tt.scope); got != tt.want {
			t.Errorf("HasScope(%q) = %v, want %v", tt.scope, got, tt.want)
		}
	}
}
