// Package auth issues and verifies the bearer tokens that guard the
// host-application admin HTTP surface (createRoom/destroyRoom/kick). It is
// distinct from the protocol's own per-session token (internal/session),
// which authenticates reconnection and is minted per spec.md §3.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidToken is returned by Verify for any malformed, expired, or
// mis-signed token.
var ErrInvalidToken = errors.New("auth: invalid or expired token")

// Claims is the JWT payload carried by an admin token.
type Claims struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// Service issues and verifies admin tokens and hashes operator passwords.
type Service struct {
	secret []byte
	ttl    time.Duration
}

// NewService builds a Service with the configured signing secret.
func NewService(secret string) *Service {
	return &Service{secret: []byte(secret), ttl: 24 * time.Hour}
}

// HashPassword hashes an operator password for storage.
func (s *Service) HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hashed), err
}

// CheckPassword validates a password against its stored hash.
func (s *Service) CheckPassword(password, hash string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// IssueToken mints a signed admin token for subject with the given role.
func (s *Service) IssueToken(subject, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		Subject: subject,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify parses and validates an admin token, returning its claims.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
