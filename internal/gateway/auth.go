package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/petrelhq/petrel/internal/config"
)

var (
	// ErrAuthDisabled means the gateway was asked to mint or verify a
	// token while auth is off.
	ErrAuthDisabled = errors.New("gateway: auth is disabled")
	// ErrInvalidToken covers every verification failure.
	ErrInvalidToken = errors.New("gateway: invalid token")
)

// TokenService signs and verifies connection tokens (HS256). The user
// id travels as the subject claim.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenService(cfg config.AuthConfig) *TokenService {
	if !cfg.Enabled || cfg.JWTSecret == "" {
		return nil
	}
	return &TokenService{secret: []byte(cfg.JWTSecret), ttl: cfg.TokenTTL}
}

// Issue mints a token for the given user id.
func (s *TokenService) Issue(userID string) (string, error) {
	if s == nil {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("gateway: user id is required")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify validates a token and returns the embedded user id.
func (s *TokenService) Verify(token string) (string, error) {
	if s == nil {
		return "", ErrAuthDisabled
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// bearerToken extracts the token from the Authorization header, or ""
// when absent.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
