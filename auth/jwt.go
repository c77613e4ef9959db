// Package auth provides bearer token authentication and permission based
// authorization for the gateway.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aryangodara/apigateway"
)

var _ apigateway.Authenticator = &JWTAuthenticator{}

var (
	// ErrMissingToken indicates no token was provided.
	ErrMissingToken = errors.New("missing authorization token")
	// ErrInvalidToken indicates the token is invalid.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken indicates the token has expired.
	ErrExpiredToken = errors.New("token has expired")
	// ErrInvalidClaims indicates the token claims are invalid.
	ErrInvalidClaims = errors.New("invalid token claims")
)

// Claims represents the JWT claims.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
	Roles  []string `json:"roles,omitempty"`
}

// JWTAuthenticator validates HMAC signed JWTs. The subject becomes the user
// ID and scopes become permissions.
type JWTAuthenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWTAuthenticator creates a new JWT authenticator. An empty issuer
// accepts any issuer.
func NewJWTAuthenticator(secret, issuer string, now func() time.Time) *JWTAuthenticator {
	if now == nil {
		now = time.Now
	}
	return &JWTAuthenticator{
		secret: []byte(secret),
		issuer: issuer,
		now:    now,
	}
}

// Validate validates a JWT token and returns the claims.
func (a *JWTAuthenticator) Validate(tokenString string) (*Claims, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParserOption{jwt.WithTimeFunc(a.now)}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpiredToken
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			return nil, ErrInvalidClaims
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidClaims
	}
	if claims.Subject == "" {
		return nil, ErrInvalidClaims
	}
	return claims, nil
}

// Authenticate implements apigateway.Authenticator.
func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (apigateway.Identity, error) {
	claims, err := a.Validate(token)
	if err != nil {
		return apigateway.Identity{}, err
	}
	return apigateway.Identity{
		UserID:      claims.Subject,
		Method:      apigateway.AuthBearer,
		Permissions: claims.Scopes,
		Roles:       claims.Roles,
	}, nil
}

// GenerateToken signs a token for subject. Used by tooling and tests.
func (a *JWTAuthenticator) GenerateToken(subject string, scopes, roles []string, duration time.Duration) (string, error) {
	now := a.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
		},
		Scopes: scopes,
		Roles:  roles,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// HasScope checks if the claims have a specific scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
