package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skipon/matchmaker/internal/participant"
)

const secret = "test-secret"

func TestVerify_RoundTrip(t *testing.T) {
	token, err := Sign([]byte(secret), "user-42", time.Minute)
	require.NoError(t, err)

	id, err := NewVerifier(secret).Verify(token)
	require.NoError(t, err)
	assert.Equal(t, participant.ID("user-42"), id)
}

func TestVerify_WrongSecret(t *testing.T) {
	token, err := Sign([]byte("other"), "user-42", time.Minute)
	require.NoError(t, err)

	_, err = NewVerifier(secret).Verify(token)
	assert.ErrorIs(t, err, jwt.ErrSignatureInvalid)
}

func TestVerify_Expired(t *testing.T) {
	token, err := Sign([]byte(secret), "user-42", -time.Minute)
	require.NoError(t, err)

	_, err = NewVerifier(secret).Verify(token)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestVerify_MissingUID(t *testing.T) {
	token, err := Sign([]byte(secret), "", time.Minute)
	require.NoError(t, err)

	_, err = NewVerifier(secret).Verify(token)
	assert.True(t, errors.Is(err, ErrNoSubject))
}

func TestVerify_RejectsOtherAlgorithms(t *testing.T) {
	claims := Claims{UserID: "user-42"}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(secret))
	require.NoError(t, err)

	_, err = NewVerifier(secret).Verify(token)
	assert.Error(t, err)
}

func TestVerify_Disabled(t *testing.T) {
	v := NewVerifier("")
	assert.False(t, v.Enabled())

	_, err := v.Verify("anything")
	assert.Error(t, err)
}
