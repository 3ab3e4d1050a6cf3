package gateway

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenSource produces the Authorization header value for gateway calls.
type tokenSource interface {
	authHeader() (string, error)
}

// staticToken passes a configured token through. Raw values get a Bearer
// prefix; explicit "Bearer ..." and "Basic ..." values are sent verbatim.
type staticToken struct {
	value string
}

func (s staticToken) authHeader() (string, error) {
	v := strings.TrimSpace(s.value)
	if strings.HasPrefix(v, "Bearer ") || strings.HasPrefix(v, "Basic ") {
		return v, nil
	}
	return "Bearer " + v, nil
}

// jwtMinter mints short-lived HS256 tokens for the gateway admin API.
type jwtMinter struct {
	secret   []byte
	username string
	ttl      time.Duration
	now      func() time.Time
}

func newJWTMinter(secret, username string) *jwtMinter {
	return &jwtMinter{
		secret:   []byte(secret),
		username: username,
		ttl:      5 * time.Minute,
		now:      time.Now,
	}
}

func (m *jwtMinter) authHeader() (string, error) {
	now := m.now()
	claims := jwt.MapClaims{
		"sub": m.username,
		"iss": "matrix-hub",
		"iat": now.Unix(),
		"exp": now.Add(m.ttl).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("mint gateway token: %w", err)
	}
	return "Bearer " + token, nil
}
