// Package token signs and verifies the HS256 JWTs issued by the auth
// service. Service tokens come from the client credentials grant; user
// tokens are session tokens for people. Both share one signing key.
package token

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/agent-platform/svcauth/internal/errors"
	"github.com/agent-platform/svcauth/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MinKeyLen is the shortest signing key accepted. HS256 keys shorter
// than the hash output weaken the MAC.
const MinKeyLen = 32

// ErrWeakKey is returned by NewSigner when the key is missing or short.
var ErrWeakKey = errors.New("signing key must be at least 32 bytes")

// ServiceClaims are the claims of a client credentials token.
type ServiceClaims struct {
	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes"`
	Type     string   `json:"type"`
	jwt.RegisteredClaims
}

// UserClaims are the claims of a user session token.
type UserClaims struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Role      string `json:"role"`
	Type      string `json:"type"`
	jwt.RegisteredClaims
}

// Option configures a Signer.
type Option func(*Signer)

// WithClock replaces time.Now for signing and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

// Signer mints and verifies tokens for one issuer/audience pair.
type Signer struct {
	key      []byte
	issuer   string
	audience string
	now      func() time.Time
}

// NewSigner returns a Signer. There is no fallback key: a missing or
// short key is a configuration error.
func NewSigner(key []byte, issuer, audience string, opts ...Option) (*Signer, error) {
	if len(key) < MinKeyLen {
		return nil, ErrWeakKey
	}

	s := &Signer{
		key:      key,
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Issuer returns the iss claim stamped on every token.
func (s *Signer) Issuer() string { return s.issuer }

// SignService mints a service token for clientID valid for ttl. The
// returned claims are exactly what was signed.
func (s *Signer) SignService(clientID string, scopes []string, ttl time.Duration) (string, *ServiceClaims, error) {
	now := s.now().Truncate(time.Second)
	claims := &ServiceClaims{
		ClientID:         clientID,
		Scopes:           scopes,
		Type:             models.TokenTypeService,
		RegisteredClaims: s.registered(clientID, now, ttl),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", nil, fmt.Errorf("signing service token: %w", err)
	}

	return signed, claims, nil
}

// SignUser mints a session token for u valid for ttl.
func (s *Signer) SignUser(u models.AuthUser, ttl time.Duration) (string, error) {
	now := s.now().Truncate(time.Second)
	claims := &UserClaims{
		Email:            u.Email,
		FirstName:        u.FirstName,
		LastName:         u.LastName,
		Role:             u.Role,
		Type:             models.TokenTypeAccess,
		RegisteredClaims: s.registered(u.ID, now, ttl),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("signing user token: %w", err)
	}

	return signed, nil
}

// ParseService verifies raw and decodes it as a service token. The type
// claim is not checked here; callers decide what a foreign type means.
func (s *Signer) ParseService(raw string) (*ServiceClaims, error) {
	claims := &ServiceClaims{}
	if err := s.parse(raw, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// ParseUser verifies raw and decodes it as a user session token.
func (s *Signer) ParseUser(raw string) (*UserClaims, error) {
	claims := &UserClaims{}
	if err := s.parse(raw, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *Signer) parse(raw string, claims jwt.Claims) error {
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return fmt.Errorf("verifying token: %w: %w", apperrors.ErrInvalidToken, err)
	}
	return nil
}

func (s *Signer) registered(subject string, now time.Time, ttl time.Duration) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{s.audience},
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		NotBefore: jwt.NewNumericDate(now),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        uuid.NewString(),
	}
}

// Hash returns the SHA-256 hex digest of a raw token. The ledger is
// keyed by this value so raw tokens are never stored.
func Hash(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
