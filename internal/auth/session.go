package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidSession: токен отсутствует, не разбирается или не содержит идентификатор пользователя
var ErrInvalidSession = errors.New("invalid session")

// Session: учётные данные, полученные от бэкенда при аутентификации
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Username     string
	ExpiresAt    time.Time
}

// Valid сообщает, что сессия содержит токен и идентификатор пользователя
func (s *Session) Valid() bool {
	return s != nil && s.Token != "" && s.UserID != ""
}

// Expired сообщает, что срок действия токена истёк к моменту now
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// SessionClaims: набор полей токена сессии (совместим с токенами Nakama)
type SessionClaims struct {
	UserID   string            `json:"uid"`
	Username string            `json:"usn"`
	Vars     map[string]string `json:"vrs,omitempty"`
	jwt.RegisteredClaims
}

// ParseSession извлекает данные сессии из токена без проверки подписи:
// клиент не знает ключ сервера, подпись проверяет бэкенд.
func ParseSession(token, refreshToken string) (*Session, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidSession)
	}

	claims := &SessionClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: token has no user id", ErrInvalidSession)
	}

	s := &Session{
		Token:        token,
		RefreshToken: refreshToken,
		UserID:       claims.UserID,
		Username:     claims.Username,
	}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	return s, nil
}
