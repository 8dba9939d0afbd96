// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers token extraction, validation and the anonymous header mode

package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func captureAuth(got **AuthContext) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		token   string
		wantErr bool
	}{
		{header: "Bearer abc", token: "abc"},
		{header: "", wantErr: true},
		{header: "Basic abc", wantErr: true},
		{header: "Bearer ", wantErr: true},
	}
	for _, tt := range tests {
		token, errMsg := extractBearerToken(tt.header)
		if (errMsg != "") != tt.wantErr {
			t.Errorf("extractBearerToken(%q) error = %q", tt.header, errMsg)
		}
		if token != tt.token {
			t.Errorf("extractBearerToken(%q) = %q, want %q", tt.header, token, tt.token)
		}
	}
}

func TestHTTPAuthMiddleware_ValidToken(t *testing.T) {
	verifier := mustVerifier(t, testSecret, PrincipalDeveloper)
	token, _ := verifier.Generate("alice", time.Hour)

	var got *AuthContext
	req := httptest.NewRequest(http.MethodGet, "/api/instruments", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	HTTPAuthMiddleware(verifier)(captureAuth(&got)).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if got == nil || got.PrincipalID != "alice" {
		t.Fatalf("expected alice in context, got %+v", got)
	}
	if got.IsAdmin() {
		t.Error("token without roles should not be admin")
	}
}

func TestHTTPAuthMiddleware_Rejects(t *testing.T) {
	verifier := mustVerifier(t, testSecret, PrincipalDeveloper)
	probes := mustVerifier(t, testSecret, PrincipalProbe)
	probeToken, _ := probes.Generate("probe-1", time.Hour)

	tests := []struct {
		name    string
		header  string
		wantMsg string
	}{
		{name: "missing header", header: "", wantMsg: "missing authorization header"},
		{name: "wrong scheme", header: "Token x", wantMsg: "invalid authorization header format"},
		{name: "garbage", header: "Bearer nope", wantMsg: "invalid token"},
		{name: "probe token", header: "Bearer " + probeToken, wantMsg: "invalid token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true })
			req := httptest.NewRequest(http.MethodGet, "/api/instruments", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			HTTPAuthMiddleware(verifier)(next).ServeHTTP(rec, req)

			if called {
				t.Error("handler should not run")
			}
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.wantMsg) {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantMsg)
			}
		})
	}
}

func TestAnonymousMiddleware(t *testing.T) {
	t.Run("header names the developer", func(t *testing.T) {
		var got *AuthContext
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderDeveloperID, "bob")
		AnonymousMiddleware()(captureAuth(&got)).ServeHTTP(httptest.NewRecorder(), req)

		if got == nil || got.PrincipalID != "bob" {
			t.Fatalf("got %+v, want bob", got)
		}
		if !got.IsAdmin() {
			t.Error("anonymous mode grants admin")
		}
	})

	t.Run("defaults to anonymous", func(t *testing.T) {
		var got *AuthContext
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		AnonymousMiddleware()(captureAuth(&got)).ServeHTTP(httptest.NewRecorder(), req)

		if got == nil || got.PrincipalID != AnonymousDeveloper {
			t.Fatalf("got %+v, want anonymous", got)
		}
	})
}
