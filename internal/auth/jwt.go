// Package auth verifies the bearer tokens of authenticated participants.
// Tokens are HS256 JWTs carrying the participant id in the "uid" claim.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/skipon/matchmaker/internal/participant"
)

// ErrNoSubject is returned for a valid token without a uid claim.
var ErrNoSubject = errors.New("auth: token has no uid")

type Claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

// Verifier checks tokens against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier returns a Verifier for secret. An empty secret yields a
// Verifier that rejects every token.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Enabled reports whether tokens can be verified at all.
func (v *Verifier) Enabled() bool {
	return len(v.secret) > 0
}

// Verify parses token and returns the participant it identifies.
func (v *Verifier) Verify(token string) (participant.ID, error) {
	if !v.Enabled() {
		return "", errors.New("auth: no secret configured")
	}

	t, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("auth: verify: %w", err)
	}

	claims, ok := t.Claims.(*Claims)
	if !ok || !t.Valid {
		return "", jwt.ErrTokenInvalidClaims
	}
	if claims.UserID == "" {
		return "", ErrNoSubject
	}
	return participant.ID(claims.UserID), nil
}

// Sign issues a token for userID valid for ttl.
func Sign(secret []byte, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(secret)
}
