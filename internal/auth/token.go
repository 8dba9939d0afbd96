// ABOUTME: JWT token verification and issuance for developers and probes
// ABOUTME: Uses HS256 signing; the typ claim keeps developer and probe tokens apart

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the shortest accepted HMAC secret.
const MinSecretLength = 32

// Token errors
var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token expired")
	ErrMissingClaim  = errors.New("missing required claim")
	ErrWrongType     = errors.New("token issued for another principal type")
	ErrSecretTooWeak = fmt.Errorf("secret must be at least %d bytes", MinSecretLength)
)

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (principalID string, err error)
}

// Claims are the identity fields carried by a token.
type Claims struct {
	Subject string
	Type    string
	Roles   []string
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs. A verifier
// bound to a principal type rejects tokens minted for another type.
type JWTVerifier struct {
	secret        []byte
	principalType string
	now           func() time.Time
}

// NewJWTVerifier creates a verifier for principalType tokens.
func NewJWTVerifier(secret []byte, principalType string) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrSecretTooWeak
	}
	return &JWTVerifier{secret: secret, principalType: principalType, now: time.Now}, nil
}

// Verify validates the token and returns the "sub" claim.
func (v *JWTVerifier) Verify(tokenString string) (principalID string, err error) {
	claims, err := v.VerifyClaims(tokenString)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// VerifyClaims validates the token and returns its identity claims.
func (v *JWTVerifier) VerifyClaims(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := mc["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	typ, _ := mc["typ"].(string)
	if v.principalType != "" && typ != v.principalType {
		return nil, fmt.Errorf("%w: got %q", ErrWrongType, typ)
	}

	claims := &Claims{Subject: sub, Type: typ}
	if raw, ok := mc["roles"].([]interface{}); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				claims.Roles = append(claims.Roles, s)
			}
		}
	}
	return claims, nil
}

// Generate creates a token for principalID with the verifier's type.
func (v *JWTVerifier) Generate(principalID string, expiresIn time.Duration, roles ...string) (string, error) {
	now := v.now()
	claims := jwt.MapClaims{
		"sub": principalID,
		"typ": v.principalType,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	if len(roles) > 0 {
		claims["roles"] = roles
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
