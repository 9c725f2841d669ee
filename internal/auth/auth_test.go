package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "github.com/0xrifai/pharos-network/internal/errors"
)

func newTokenService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{
		Mode: ModeToken,
		Tokens: []Token{
			{Name: "ops", Secret: "s3cret", Permissions: []string{PermAutomationsWrite, PermTasksRead}},
			{Name: "old", Secret: "revoked", Permissions: []string{PermAll}, Disabled: true},
		},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestNewServiceValidatesConfig(t *testing.T) {
	if svc, err := NewService(Config{}); err != nil || svc.Enabled() {
		t.Fatalf("empty config should disable auth: %v", err)
	}
	cases := map[string]Config{
		"unknown mode": {Mode: "jwt"},
		"no tokens":    {Mode: ModeToken},
		"empty secret": {Mode: ModeToken, Tokens: []Token{{Name: "a"}}},
		"duplicate": {Mode: ModeToken, Tokens: []Token{
			{Name: "a", Secret: "x"}, {Name: "b", Secret: "x"},
		}},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := NewService(cfg); err == nil {
				t.Fatal("expected config to be rejected")
			}
		})
	}
}

func TestAuthenticateRequest(t *testing.T) {
	svc := newTokenService(t)

	subject, err := svc.AuthenticateRequest("bearer s3cret")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.Name != "ops" || !subject.HasPermission(PermTasksRead) || subject.HasPermission(PermLogsDelete) {
		t.Fatalf("unexpected subject %+v", subject)
	}
	if _, err := svc.AuthenticateRequest("Basic s3cret"); xerrors.CodeOf(err) != CodeUnauthorized {
		t.Fatalf("expected unauthorized for basic scheme, got %v", err)
	}
	if _, err := svc.AuthenticateRequest("Bearer nope"); xerrors.CodeOf(err) != CodeUnauthorized {
		t.Fatalf("expected unauthorized for unknown token, got %v", err)
	}

	revoked, err := svc.Authenticate("revoked")
	if err != nil {
		t.Fatalf("authenticate revoked: %v", err)
	}
	if err := revoked.Authorize(PermTasksRead); xerrors.CodeOf(err) != CodePermissionDenied {
		t.Fatalf("expected disabled subject to be denied, got %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	svc := newTokenService(t)
	var seen *Subject
	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet:    {PermTasksRead},
			http.MethodDelete: {PermLogsDelete},
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		method string
		target string
		header string
		want   int
	}{
		{"missing token", http.MethodGet, "/x", "", http.StatusUnauthorized},
		{"header token", http.MethodGet, "/x", "Bearer s3cret", http.StatusNoContent},
		{"query token", http.MethodGet, "/x?access_token=s3cret", "", http.StatusNoContent},
		{"query token ignored on delete", http.MethodDelete, "/x?access_token=s3cret", "", http.StatusUnauthorized},
		{"missing permission", http.MethodDelete, "/x", "Bearer s3cret", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(tc.method, tc.target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
			if tc.want == http.StatusNoContent && (seen == nil || seen.Name != "ops") {
				t.Fatalf("subject not propagated: %+v", seen)
			}
		})
	}
}

func TestDisabledMiddlewarePassesThrough(t *testing.T) {
	var svc *Service
	called := false
	handler := svc.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Fatal("disabled guard should call the next handler")
	}
	if SubjectFromContext(context.Background()) != nil {
		t.Fatal("empty context should carry no subject")
	}
}
