// Package models defines types shared across internal packages.
package models

import (
	"slices"
	"time"
)

// WildcardScope grants every scope when present on a credential.
const WildcardScope = "*"

// ClientCredential is a registered service client. The secret is only
// ever held as a bcrypt hash; handlers render it through view types so
// the hash never leaves the issuer.
type ClientCredential struct {
	ID               string     `json:"id"`
	ClientID         string     `json:"client_id"`
	ClientSecretHash string     `json:"client_secret_hash"`
	ClientName       string     `json:"client_name"`
	Description      string     `json:"description,omitempty"`
	Scopes           []string   `json:"scopes"`
	IsActive         bool       `json:"is_active"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// IsExpired reports whether the credential has an expiry that lies
// before now.
func (c *ClientCredential) IsExpired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// IsValid reports whether the credential may be used to obtain or
// vouch for tokens.
func (c *ClientCredential) IsValid(now time.Time) bool {
	return c.IsActive && !c.IsExpired(now)
}

// HasScope reports whether the credential grants scope, either
// directly or through the wildcard.
func (c *ClientCredential) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope) || slices.Contains(c.Scopes, WildcardScope)
}

// ServiceToken is a ledger entry for an issued bearer token. Only the
// SHA-256 hash of the token is stored.
type ServiceToken struct {
	ID            string     `json:"id"`
	TokenHash     string     `json:"token_hash"`
	ClientID      string     `json:"client_id"`
	Scopes        []string   `json:"scopes"`
	ExpiresAt     time.Time  `json:"expires_at"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	RevokedReason string     `json:"revoked_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// IsExpired reports whether the token's natural lifetime has elapsed.
func (t *ServiceToken) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// IsRevoked reports whether the token was revoked. Revocation is
// permanent.
func (t *ServiceToken) IsRevoked() bool {
	return t.RevokedAt != nil
}

// IsValid reports whether the ledger still vouches for the token.
func (t *ServiceToken) IsValid(now time.Time) bool {
	return !t.IsExpired(now) && !t.IsRevoked()
}
