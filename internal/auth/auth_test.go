package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestAuth(t *testing.T, enabled bool) *Authenticator {
	t.Helper()
	a, err := New("test-secret-key", "codeqa", time.Hour, enabled)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return a
}

func TestNew(t *testing.T) {
	if _, err := New("", "codeqa", time.Hour, true); err == nil {
		t.Error("Expected error when enabled without a secret")
	}
	a, err := New("", "codeqa", 0, false)
	if err != nil {
		t.Fatalf("Disabled auth should not need a secret: %v", err)
	}
	if a.Enabled() {
		t.Error("Expected auth to be disabled")
	}
	if a.ttl != 24*time.Hour {
		t.Errorf("Expected default ttl 24h, got %v", a.ttl)
	}
}

func TestIssueToken(t *testing.T) {
	a := newTestAuth(t, true)

	if _, err := a.IssueToken(""); err == nil {
		t.Error("Expected error for empty subject")
	}

	tokenString, err := a.IssueToken("ci-bot", ScopeWrite)
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}
	if tokenString == "" {
		t.Fatal("Expected non-empty token")
	}

	// Verify the token can be parsed independently
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte("test-secret-key"), nil
	})
	if err != nil {
		t.Fatalf("Failed to parse issued token: %v", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		t.Fatal("Issued token should be valid")
	}
	if claims.Subject != "ci-bot" {
		t.Errorf("Expected subject %q, got %q", "ci-bot", claims.Subject)
	}
	if claims.Issuer != "codeqa" {
		t.Errorf("Expected issuer %q, got %q", "codeqa", claims.Issuer)
	}
	if len(claims.Scopes) != 1 || claims.Scopes[0] != ScopeWrite {
		t.Errorf("Expected scopes [write], got %v", claims.Scopes)
	}
	if got := claims.ExpiresAt.Sub(claims.IssuedAt.Time); got != time.Hour {
		t.Errorf("Expected 1h lifetime, got %v", got)
	}

	disabled, _ := New("", "", 0, false)
	if _, err := disabled.IssueToken("x"); err == nil {
		t.Error("Expected error without a secret")
	}
}

func TestValidate(t *testing.T) {
	a := newTestAuth(t, true)

	readToken, err := a.IssueToken("alice")
	if err != nil {
		t.Fatal(err)
	}
	claims, err := a.Validate(readToken)
	if err != nil {
		t.Fatalf("Expected valid token: %v", err)
	}
	if claims.Subject != "alice" || !claims.HasScope(ScopeRead) || claims.HasScope(ScopeWrite) {
		t.Errorf("Unexpected claims %+v", claims)
	}

	otherSecret, _ := New("another-secret", "codeqa", time.Hour, true)
	foreign, _ := otherSecret.IssueToken("mallory")

	otherIssuer, _ := New("test-secret-key", "someone-else", time.Hour, true)
	wrongIssuer, _ := otherIssuer.IssueToken("bob")

	expiredAuth := newTestAuth(t, true)
	expiredAuth.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _ := expiredAuth.IssueToken("carol")

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "eve", Issuer: "codeqa"}})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "invalid-token"},
		{"wrong secret", foreign},
		{"wrong issuer", wrongIssuer},
		{"expired", expired},
		{"unsigned", unsigned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Validate(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestClaimsHasScope(t *testing.T) {
	tests := []struct {
		scopes []string
		scope  string
		want   bool
	}{
		{[]string{ScopeRead}, ScopeRead, true},
		{[]string{ScopeRead}, ScopeWrite, false},
		{[]string{ScopeWrite}, ScopeRead, true},
		{[]string{ScopeWrite}, ScopeWrite, true},
		{nil, ScopeRead, false},
	}
	for _, tt := range tests {
		c := &Claims{Scopes: tt.scopes}
		if got := c.HasScope(tt.scope); got != tt.want {
			t.Errorf("HasScope(%v, %q) = %v, want %v", tt.scopes, tt.scope, got, tt.want)
		}
	}
}

func TestMiddleware(t *testing.T) {
	var gotSubject string
	handlerCalled := false
	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		gotSubject = SubjectFromContext(r.Context())
		w.WriteHeader(200)
		if _, err := w.Write([]byte("OK")); err != nil {
			http.Error(w, "Failed to write response", http.StatusInternalServerError)
		}
	})

	a := newTestAuth(t, true)
	readToken, _ := a.IssueToken("reader")
	writeToken, _ := a.IssueToken("writer", ScopeWrite)

	tests := []struct {
		name        string
		auth        *Authenticator
		scope       string
		header      string
		cookie      string
		wantCode    int
		wantBody    string
		wantSubject string
	}{
		{name: "auth disabled", auth: newTestAuth(t, false), scope: ScopeWrite, wantCode: 200},
		{name: "no token", auth: a, scope: ScopeRead, wantCode: 401, wantBody: "Authentication required"},
		{name: "invalid token", auth: a, scope: ScopeRead, header: "Bearer invalid-token", wantCode: 401, wantBody: "Invalid authentication token"},
		{name: "read token on read route", auth: a, scope: ScopeRead, header: "Bearer " + readToken, wantCode: 200, wantSubject: "reader"},
		{name: "read token on write route", auth: a, scope: ScopeWrite, header: "Bearer " + readToken, wantCode: 403, wantBody: "Insufficient scope"},
		{name: "write token on read route", auth: a, scope: ScopeRead, header: "Bearer " + writeToken, wantCode: 200, wantSubject: "writer"},
		{name: "token in cookie", auth: a, scope: ScopeRead, cookie: readToken, wantCode: 200, wantSubject: "reader"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handlerCalled = false
			gotSubject = ""

			req := httptest.NewRequest("GET", "/test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: "auth_token", Value: tt.cookie})
			}
			w := httptest.NewRecorder()
			tt.auth.Middleware(tt.scope, testHandler).ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("Expected status %d, got %d", tt.wantCode, w.Code)
			}
			if handlerCalled != (tt.wantCode == 200) {
				t.Errorf("Handler called = %v, want %v", handlerCalled, tt.wantCode == 200)
			}
			if tt.wantBody != "" && !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("Expected body containing %q, got %q", tt.wantBody, w.Body.String())
			}
			if gotSubject != tt.wantSubject {
				t.Errorf("Expected subject %q, got %q", tt.wantSubject, gotSubject)
			}
		})
	}
}

func TestSubjectFromContext(t *testing.T) {
	if s := SubjectFromContext(context.Background()); s != "" {
		t.Errorf("Expected empty subject, got %q", s)
	}
	ctx := context.WithValue(context.Background(), SubjectContextKey, "alice")
	if s := SubjectFromContext(ctx); s != "alice" {
		t.Errorf("Expected alice, got %q", s)
	}
	ctx = context.WithValue(context.Background(), SubjectContextKey, 42)
	if s := SubjectFromContext(ctx); s != "" {
		t.Errorf("Expected empty subject for wrong type, got %q", s)
	}
}

func BenchmarkIssueToken(b *testing.B) {
	a, _ := New("bench-secret", "codeqa", time.Hour, true)
	for i := 0; i < b.N; i++ {
		_, _ = a.IssueToken("bench")
	}
}

func BenchmarkValidate(b *testing.B) {
	a, _ := New("bench-secret", "codeqa", time.Hour, true)
	token, _ := a.IssueToken("bench")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = a.Validate(token)
	}
}
