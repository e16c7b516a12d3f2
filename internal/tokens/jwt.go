package tokens

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrWeakKey      = errors.New("signing key must be at least 32 bytes")
)

// Scope limits what a token may do.
type Scope string

const (
	// ScopeView reads status, events and snapshots.
	ScopeView Scope = "view"
	// ScopeControl submits commands to the hub and camera.
	ScopeControl Scope = "control"
)

const DefaultTTL = 12 * time.Hour

type Claims struct {
	Operator string  `json:"sub"`
	Scopes   []Scope `json:"scopes"`
	jwt.RegisteredClaims
}

func (c *Claims) Allows(s Scope) bool {
	return slices.Contains(c.Scopes, s)
}

type Manager struct {
	signingKey []byte
	issuer     string
}

func NewManager(signingKey, issuer string) (*Manager, error) {
	if len(signingKey) < 32 {
		return nil, ErrWeakKey
	}
	if issuer == "" {
		issuer = "homeguard"
	}
	return &Manager{signingKey: []byte(signingKey), issuer: issuer}, nil
}

// Issue signs a token for operator. A zero ttl uses DefaultTTL.
func (m *Manager) Issue(operator string, ttl time.Duration, scopes ...Scope) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if len(scopes) == 0 {
		scopes = []Scope{ScopeView}
	}
	now := time.Now().UTC()
	claims := Claims{
		Operator: operator,
		Scopes:   scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(), // jti
			Subject:   operator,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = "v1"

	return token.SignedString(m.signingKey)
}

func (m *Manager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.signingKey, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}
