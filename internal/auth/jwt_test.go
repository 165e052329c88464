package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestIssueAndVerify тестирует выпуск и проверку токена
func TestIssueAndVerify(t *testing.T) {
	issuer, err := NewTokenIssuer("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	token, err := issuer.Issue("user-42", "pilot", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(token, "."), "Неверный формат JWT токена")

	s, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", s.UserID)
	assert.Equal(t, "pilot", s.Username)
	assert.True(t, s.Valid())
}

// TestVerifyRejectsForeignKey тестирует отказ для токена с чужой подписью
func TestVerifyRejectsForeignKey(t *testing.T) {
	a, err := NewTokenIssuer("")
	require.NoError(t, err)
	b, err := NewTokenIssuer("")
	require.NoError(t, err)

	token, err := a.Issue("u", "n", time.Hour)
	require.NoError(t, err)

	_, err = b.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

// TestVerifyRejectsExpired тестирует истёкший токен
func TestVerifyRejectsExpired(t *testing.T) {
	issuer, err := NewTokenIssuer("0123456789abcdef")
	require.NoError(t, err)
	issued := time.Now().Add(-2 * time.Hour)
	issuer.now = func() time.Time { return issued }
	token, err := issuer.Issue("u", "n", time.Hour)
	require.NoError(t, err)

	issuer.now = time.Now
	_, err = issuer.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestShortSecretRejected(t *testing.T) {
	_, err := NewTokenIssuer("short")
	assert.Error(t, err)
}

// TestParseSession тестирует разбор токена клиентом без ключа
func TestParseSession(t *testing.T) {
	issuer, err := NewTokenIssuer("")
	require.NoError(t, err)
	token, err := issuer.Issue("user-7", "seven", time.Hour)
	require.NoError(t, err)

	s, err := ParseSession(token, "refresh")
	require.NoError(t, err)
	assert.Equal(t, "user-7", s.UserID)
	assert.Equal(t, "seven", s.Username)
	assert.Equal(t, "refresh", s.RefreshToken)
	assert.False(t, s.Expired(time.Now()))
	assert.True(t, s.Expired(time.Now().Add(2*time.Hour)))
}

func TestParseSessionRejectsGarbage(t *testing.T) {
	_, err := ParseSession("", "")
	assert.ErrorIs(t, err, ErrInvalidSession)

	_, err = ParseSession("not.a.token", "")
	assert.ErrorIs(t, err, ErrInvalidSession)

	var nilSession *Session
	assert.False(t, nilSession.Valid())
}
