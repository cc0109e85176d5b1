package auth

import (
	"errors"
	"testing"
	"time"
)

const testSecret = "test-secret-key-32bytes-long!!"

func newTestTokenService() *TokenService {
	return NewTokenService([]byte(testSecret), 15*time.Minute)
}

func TestIssueAndValidate(t *testing.T) {
	ts := newTestTokenService()

	token, err := ts.Issue("dashboard", ScopeStream)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := ts.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "dashboard" {
		t.Errorf("Subject = %q, want dashboard", claims.Subject)
	}
	if claims.Issuer != "pulsewatch" {
		t.Errorf("Issuer = %q, want pulsewatch", claims.Issuer)
	}
	if claims.ExpiresAt == nil {
		t.Error("expected an expiry with positive ttl")
	}
	if !claims.Allows(ScopeStream) || claims.Allows(ScopeAdmin) {
		t.Errorf("scopes = %v", claims.Scopes)
	}
}

func TestIssue_DefaultsToStreamScope(t *testing.T) {
	ts := newTestTokenService()
	token, err := ts.Issue("viewer")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := ts.Require(token, ScopeStream); err != nil {
		t.Errorf("Require(stream) = %v", err)
	}
}

func TestIssue_RequiresSubject(t *testing.T) {
	if _, err := newTestTokenService().Issue(""); err == nil {
		t.Error("expected error for empty subject")
	}
}

func TestIssue_ZeroTTLNeverExpires(t *testing.T) {
	ts := NewTokenService([]byte(testSecret), 0)
	token, err := ts.Issue("ops")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	ts.now = func() time.Time { return time.Now().Add(10 * 365 * 24 * time.Hour) }
	claims, err := ts.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.ExpiresAt != nil {
		t.Errorf("ExpiresAt = %v, want nil", claims.ExpiresAt)
	}
}

func TestAdminScopeImpliesStream(t *testing.T) {
	ts := newTestTokenService()
	token, _ := ts.Issue("ops", ScopeAdmin)
	if _, err := ts.Require(token, ScopeStream); err != nil {
		t.Errorf("Require(stream) with admin = %v", err)
	}
}

func TestRequire_MissingScope(t *testing.T) {
	ts := newTestTokenService()
	token, _ := ts.Issue("viewer", ScopeStream)
	if _, err := ts.Require(token, ScopeAdmin); !errors.Is(err, ErrScope) {
		t.Errorf("Require(admin) error = %v, want ErrScope", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	good := newTestTokenService()
	other := NewTokenService([]byte("secret-two-is-32-bytes-long!!!!"), 15*time.Minute)
	otherToken, _ := other.Issue("ops")

	expired := newTestTokenService()
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expiredToken, _ := expired.Issue("ops")

	tests := []struct {
		name  string
		token string
	}{
		{"wrong secret", otherToken},
		{"expired", expiredToken},
		{"garbage", "not.a.jwt"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := good.Validate(tt.token); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestTTL(t *testing.T) {
	if got := newTestTokenService().TTL(); got != 15*time.Minute {
		t.Errorf("TTL = %v, want 15m", got)
	}
}
