package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenIssuer выпускает и проверяет токены сессий ретранслятора (HS256)
type TokenIssuer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewTokenIssuer создаёт эмитент. Пустой secret — генерируется случайный ключ
// (токены не переживут перезапуск процесса).
func NewTokenIssuer(secret string) (*TokenIssuer, error) {
	key := []byte(secret)
	if secret == "" {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("не удалось сгенерировать секрет: %w", err)
		}
	} else if len(key) < 16 {
		return nil, errors.New("secret key must be at least 16 bytes")
	}

	return &TokenIssuer{secret: key, issuer: "sector-relay", now: time.Now}, nil
}

// Issue выпускает токен для пользователя
func (ti *TokenIssuer) Issue(userID, username string, ttl time.Duration) (string, error) {
	now := ti.now()
	claims := &SessionClaims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    ti.issuer,
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(ti.secret)
}

// Verify проверяет подпись и срок действия токена и возвращает сессию
func (ti *TokenIssuer) Verify(tokenString string) (*Session, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return ti.secret, nil
	}, jwt.WithTimeFunc(ti.now))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: token has no user id", ErrInvalidSession)
	}

	s := &Session{Token: tokenString, UserID: claims.UserID, Username: claims.Username}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	return s, nil
}

// GenerateSecureSecret генерирует случайный секрет в base64
func GenerateSecureSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
