// Package auth verifies the bearer tokens carried by websocket handshakes and API calls.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"litepost/pkg/types"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
	ErrAuthDisabled = errors.New("token signing secret not configured")
)

// JWTService signs and verifies HS256 tokens.
type JWTService struct {
	secret []byte
	expiry time.Duration
}

// NewJWTService builds a JWT helper. A non-positive expiry issues tokens without exp.
func NewJWTService(secret string, expiry time.Duration) *JWTService {
	return &JWTService{secret: []byte(secret), expiry: expiry}
}

// Claims mirror the public principal fields; the subject is the user ID.
type Claims struct {
	Username    string `json:"username"`
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	jwt.RegisteredClaims
}

// Issue signs a token for principal.
func (s *JWTService) Issue(principal *types.Principal) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if principal == nil || strings.TrimSpace(principal.ID) == "" {
		return "", errors.New("principal id required")
	}

	now := time.Now()
	claims := Claims{
		Username:    principal.Username,
		Name:        principal.Name,
		DisplayName: principal.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  principal.ID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if s.expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.expiry))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify parses token and returns the principal it carries.
func (s *JWTService) Verify(token string) (*types.Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}
	if s == nil || len(s.secret) == 0 {
		return nil, ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.Username) == "" {
		return nil, ErrInvalidToken
	}

	displayName := strings.TrimSpace(claims.DisplayName)
	if displayName == "" {
		displayName = types.DisplayNameFor(claims.Name, claims.Username)
	}
	return &types.Principal{
		ID:          claims.Subject,
		Username:    claims.Username,
		Name:        strings.TrimSpace(claims.Name),
		DisplayName: displayName,
	}, nil
}
