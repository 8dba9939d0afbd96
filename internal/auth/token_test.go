// ABOUTME: Unit tests for JWT token verification and generation
// ABOUTME: Tests valid tokens, invalid tokens, expired tokens and principal type binding

package auth

import (
	"errors"
	"testing"
	"time"
)

var testSecret = []byte("test-secret-key-for-jwt-signing!")

func mustVerifier(t *testing.T, secret []byte, typ string) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier(secret, typ)
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}
	return v
}

func TestNewJWTVerifier_ShortSecret(t *testing.T) {
	_, err := NewJWTVerifier([]byte("short"), PrincipalDeveloper)
	if !errors.Is(err, ErrSecretTooWeak) {
		t.Errorf("NewJWTVerifier() error = %v, want ErrSecretTooWeak", err)
	}
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier := mustVerifier(t, testSecret, PrincipalDeveloper)

	token, err := verifier.Generate("alice", time.Hour, RoleAdmin)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	claims, err := verifier.VerifyClaims(token)
	if err != nil {
		t.Fatalf("VerifyClaims() error = %v", err)
	}
	if claims.Subject != "alice" {
		t.Errorf("Subject = %q, want alice", claims.Subject)
	}
	if claims.Type != PrincipalDeveloper {
		t.Errorf("Type = %q, want developer", claims.Type)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != RoleAdmin {
		t.Errorf("Roles = %v, want [admin]", claims.Roles)
	}

	gotID, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if gotID != "alice" {
		t.Errorf("Verify() = %q, want alice", gotID)
	}
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier := mustVerifier(t, testSecret, PrincipalDeveloper)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "garbage token", token: "not-a-jwt-token"},
		{name: "malformed JWT", token: "header.payload.signature"},
		{
			name: "wrong secret",
			token: func() string {
				other := mustVerifier(t, []byte("a-completely-different-secret-32"), PrincipalDeveloper)
				token, _ := other.Generate("alice", time.Hour)
				return token
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier := mustVerifier(t, testSecret, PrincipalDeveloper)

	token, err := verifier.Generate("alice", -time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	_, err = verifier.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestJWTVerifier_PrincipalTypeBinding(t *testing.T) {
	// Same secret on purpose: only the typ claim separates the two.
	developers := mustVerifier(t, testSecret, PrincipalDeveloper)
	probes := mustVerifier(t, testSecret, PrincipalProbe)

	probeToken, err := probes.Generate("probe-7", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if _, err := developers.Verify(probeToken); !errors.Is(err, ErrWrongType) {
		t.Errorf("developer verifier accepted probe token: %v", err)
	}
	if id, err := probes.Verify(probeToken); err != nil || id != "probe-7" {
		t.Errorf("probe verifier = %q, %v", id, err)
	}
}
