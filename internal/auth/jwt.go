// Package auth issues and checks the HS256 device tokens kiosks present.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Roles carried in the token.
const (
	RoleKiosk    = "kiosk"
	RoleOperator = "operator"
)

// Token uses. A refresh token is only accepted by Refresh.
const (
	UseAccess  = "access"
	UseRefresh = "refresh"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrIssuerMismatch = errors.New("issuer mismatch")
	ErrWrongTokenUse  = errors.New("wrong token use")
)

// TokenPair is what a kiosk receives on registration or refresh.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	AccessExp    time.Time `json:"access_expires_at"`
	RefreshExp   time.Time `json:"refresh_expires_at"`
}

// Claims is the token payload. The registered subject is the kiosk id.
type Claims struct {
	Role string `json:"role"`
	Use  string `json:"use"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies tokens for one issuer name and key.
type Issuer struct {
	name       string
	key        []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewIssuer(name, key string, accessTTL, refreshTTL time.Duration) *Issuer {
	return &Issuer{name: name, key: []byte(key), accessTTL: accessTTL, refreshTTL: refreshTTL, now: time.Now}
}

// Issue signs a fresh access and refresh token for subject.
func (i *Issuer) Issue(subject, role string) (TokenPair, error) {
	now := i.now()
	pair := TokenPair{
		AccessExp:  now.Add(i.accessTTL),
		RefreshExp: now.Add(i.refreshTTL),
	}
	var err error
	if pair.AccessToken, err = i.sign(subject, role, UseAccess, now, pair.AccessExp); err != nil {
		return TokenPair{}, err
	}
	if pair.RefreshToken, err = i.sign(subject, role, UseRefresh, now, pair.RefreshExp); err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

// Refresh exchanges a valid refresh token for a new pair with the same
// subject and role.
func (i *Issuer) Refresh(refreshToken string) (TokenPair, error) {
	claims, err := i.verify(refreshToken, UseRefresh)
	if err != nil {
		return TokenPair{}, err
	}
	return i.Issue(claims.Subject, claims.Role)
}

// Parse verifies an access token.
func (i *Issuer) Parse(token string) (Claims, error) {
	return i.verify(token, UseAccess)
}

func (i *Issuer) sign(subject, role, use string, now, exp time.Time) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: role,
		Use:  use,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.name,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	s, err := tok.SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", use, err)
	}
	return s, nil
}

func (i *Issuer) verify(token, use string) (Claims, error) {
	var claims Claims
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return i.key, nil
	}, opts...)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return Claims{}, ErrInvalidToken
	}
	if i.name != "" && claims.Issuer != i.name {
		return Claims{}, ErrIssuerMismatch
	}
	if claims.Use != use {
		return Claims{}, fmt.Errorf("%w: got %q, want %q", ErrWrongTokenUse, claims.Use, use)
	}
	return claims, nil
}
