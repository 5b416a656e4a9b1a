// Package auth issues and validates operator access tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/incident-medic/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Sentinel errors.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidRole  = errors.New("invalid role")
)

// Config holds token configuration.
type Config struct {
	SecretKey     string
	Issuer        string
	TokenDuration time.Duration
}

// Claims are the JWT claims of an access token.
type Claims struct {
	Role domain.Role `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator issues and validates HMAC-signed access tokens.
type Authenticator struct {
	config Config
	now    func() time.Time
}

// NewAuthenticator creates an authenticator.
func NewAuthenticator(config Config) (*Authenticator, error) {
	if config.SecretKey == "" {
		return nil, errors.New("secret key is required")
	}
	if config.TokenDuration <= 0 {
		config.TokenDuration = 24 * time.Hour
	}
	return &Authenticator{config: config, now: time.Now}, nil
}

// IssueToken signs a token for subject with role.
func (a *Authenticator) IssueToken(subject string, role domain.Role) (string, time.Time, error) {
	if !role.IsValid() {
		return "", time.Time{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	now := a.now()
	expiresAt := now.Add(a.config.TokenDuration)
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    a.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.config.SecretKey))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateToken checks the signature, issuer and expiry of token and returns
// its subject and role.
func (a *Authenticator) ValidateToken(_ context.Context, token string) (string, domain.Role, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.config.Issuer))
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte(a.config.SecretKey), nil
	}, opts...)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return "", "", ErrInvalidToken
	}
	if !claims.Role.IsValid() {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRole, claims.Role)
	}
	return claims.Subject, claims.Role, nil
}
