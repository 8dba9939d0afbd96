// ABOUTME: Unit tests for authentication context functions
// ABOUTME: Tests AuthContext, IsAdmin, and context propagation helpers

package auth

import (
	"context"
	"testing"
)

func TestAuthContext_IsAdmin(t *testing.T) {
	tests := []struct {
		name  string
		roles []string
		want  bool
	}{
		{name: "admin role", roles: []string{"admin"}, want: true},
		{name: "admin with other roles", roles: []string{"viewer", "admin"}, want: true},
		{name: "no roles", roles: []string{}, want: false},
		{name: "nil roles", roles: nil, want: false},
		{name: "owner is not admin here", roles: []string{"owner"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := &AuthContext{
				PrincipalID:   "dev-1",
				PrincipalType: PrincipalDeveloper,
				Roles:         tt.roles,
			}

			if got := auth.IsAdmin(); got != tt.want {
				t.Errorf("IsAdmin() = %v, want %v for roles %v", got, tt.want, tt.roles)
			}
		})
	}
}

func TestFromContext_Present(t *testing.T) {
	expected := &AuthContext{
		PrincipalID:   "dev-1",
		PrincipalType: PrincipalDeveloper,
		Roles:         []string{"admin"},
	}

	ctx := WithAuth(context.Background(), expected)
	got := FromContext(ctx)

	if got == nil {
		t.Fatal("FromContext() = nil, want non-nil")
	}
	if got.PrincipalID != expected.PrincipalID {
		t.Errorf("PrincipalID = %q, want %q", got.PrincipalID, expected.PrincipalID)
	}
	if got.PrincipalType != expected.PrincipalType {
		t.Errorf("PrincipalType = %q, want %q", got.PrincipalType, expected.PrincipalType)
	}
}

func TestWithDeveloper(t *testing.T) {
	ctx := WithDeveloper(context.Background(), "alice")
	got := FromContext(ctx)
	if got == nil {
		t.Fatal("FromContext() = nil")
	}
	if got.PrincipalID != "alice" || got.PrincipalType != PrincipalDeveloper {
		t.Errorf("got %+v", got)
	}
	if got.IsAdmin() {
		t.Error("plain developer should not be admin")
	}
}

func TestFromContext_Missing(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext() = %v, want nil", got)
	}
}

func TestMustFromContext_Missing(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("MustFromContext() did not panic when auth context missing")
		}
	}()

	MustFromContext(context.Background())
}
