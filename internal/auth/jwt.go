package auth

import (
	"errors"
	"time"

	"mcp-telemetry/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Manager issues and verifies admin tokens. It exists only when
// ADMIN_TOKEN_SECRET is configured; a self-hosted deployment without the
// secret runs the API open.
type Manager struct {
	secret []byte
	ttl    time.Duration
}

func NewManager(cfg config.AuthConfig) (*Manager, error) {
	if cfg.AdminTokenSecret == "" {
		return nil, errors.New("ADMIN_TOKEN_SECRET is required")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Manager{secret: []byte(cfg.AdminTokenSecret), ttl: ttl}, nil
}

// Issue mints an admin token for operator tooling.
func (m *Manager) Issue(now time.Time, subject string) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			ID:        uuid.NewString(),
		},
		Admin: true,
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(m.secret)
}

func (m *Manager) Verify(tokenString string, now time.Time) (Claims, error) {
	var claims Claims

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)
	_, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		return Claims{}, err
	}

	validator := jwt.NewValidator(
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(30*time.Second), // clock skew tolerance
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)
	if err := validator.Validate(claims.RegisteredClaims); err != nil {
		return Claims{}, err
	}

	if !claims.Admin {
		return Claims{}, errors.New("admin claim missing")
	}
	return claims, nil
}
