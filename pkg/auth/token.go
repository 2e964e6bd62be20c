// Package auth issues and verifies the identity tokens accepted by the API.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/coursegrid/coursegrid/pkg/config"
	"github.com/coursegrid/coursegrid/pkg/tenancy"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims identify a user of one tenant, or a super admin when Super is set.
// They never select a tenant by themselves.
type Claims struct {
	jwt.RegisteredClaims
	TenantID uint64 `json:"tenant_id,omitempty"`
	DBName   string `json:"db,omitempty"`
	Role     string `json:"role,omitempty"`
	Super    bool   `json:"super,omitempty"`
}

// BelongsTo reports whether the token was issued for the tenant b is bound to.
func (c *Claims) BelongsTo(b tenancy.Binding) bool {
	if c.Super {
		return true
	}
	return !b.Super && c.TenantID == b.TenantID && c.DBName == b.DBName
}

type TokenManager struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
}

func NewTokenManager(cfg config.AuthConfig) *TokenManager {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenManager{signingKey: []byte(cfg.JWTSecret), issuer: cfg.Issuer, ttl: ttl}
}

// IssueTenant signs a token for subject acting in the tenant of b.
func (m *TokenManager) IssueTenant(subject string, b tenancy.Binding, role string) (string, error) {
	if b.Super {
		return "", fmt.Errorf("tenant token for super binding: %w", tenancy.ErrCrossTenantViolation)
	}
	return m.sign(Claims{
		RegisteredClaims: m.registered(subject),
		TenantID:         b.TenantID,
		DBName:           b.DBName,
		Role:             role,
	})
}

// IssueSuper signs a super-admin token for subject.
func (m *TokenManager) IssueSuper(subject string) (string, error) {
	return m.sign(Claims{RegisteredClaims: m.registered(subject), Super: true})
}

func (m *TokenManager) registered(subject string) jwt.RegisteredClaims {
	now := time.Now()
	return jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		Subject:   subject,
		Issuer:    m.issuer,
	}
}

func (m *TokenManager) sign(claims Claims) (string, error) {
	if len(m.signingKey) == 0 {
		return "", errors.New("auth: jwt secret not configured")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.signingKey)
}

func (m *TokenManager) Verify(tokenString string) (*Claims, error) {
	if len(m.signingKey) == 0 {
		return nil, fmt.Errorf("%w: jwt secret not configured", ErrInvalidToken)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return m.signingKey, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
