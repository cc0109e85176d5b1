// Package auth issues and verifies the HS256 bearer tokens that guard the
// live stream and the mutating pulse API.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token scopes.
const (
	ScopeStream = "stream" // subscribe to /api/v1/stream
	ScopeAdmin  = "admin"  // mutating API calls, implies stream
)

const issuer = "pulsewatch"

// ErrScope is returned when a valid token lacks the required scope.
var ErrScope = errors.New("token scope not sufficient")

// Claims holds the JWT payload.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scp"`
}

// Allows reports whether the claims grant scope. Admin grants everything.
func (c *Claims) Allows(scope string) bool {
	return slices.Contains(c.Scopes, ScopeAdmin) || slices.Contains(c.Scopes, scope)
}

// TokenService signs and validates tokens with a shared secret.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService creates a TokenService. A zero ttl issues tokens that
// never expire.
func NewTokenService(secret []byte, ttl time.Duration) *TokenService {
	return &TokenService{secret: secret, ttl: ttl, now: time.Now}
}

// Issue signs a token for subject carrying the given scopes.
func (s *TokenService) Issue(subject string, scopes ...string) (string, error) {
	if subject == "" {
		return "", errors.New("token subject is required")
	}
	if len(scopes) == 0 {
		scopes = []string{ScopeStream}
	}
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
			Issuer:   issuer,
		},
		Scopes: scopes,
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate parses a token and checks signature, issuer and expiry.
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(_ *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// Require validates a token and checks it grants scope.
func (s *TokenService) Require(tokenString, scope string) (*Claims, error) {
	claims, err := s.Validate(tokenString)
	if err != nil {
		return nil, err
	}
	if !claims.Allows(scope) {
		return nil, fmt.Errorf("%w: need %q", ErrScope, scope)
	}
	return claims, nil
}

// TTL returns the configured token lifetime.
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}
