package models

import "slices"

// RoleAdmin is the user role allowed to manage client credentials and
// revoke tokens.
const RoleAdmin = "ADMIN"

// Token type claims. Service tokens come from the client credentials
// grant; access tokens are user sessions.
const (
	TokenTypeService = "service"
	TokenTypeAccess  = "access"
)

// AuthUser is the identity carried by a validated user-session token.
type AuthUser struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Role      string `json:"role"`
	IsActive  bool   `json:"is_active"`
}

// IsAdmin reports whether the user holds the admin role.
func (u *AuthUser) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// ServicePrincipal is the identity carried by an active service token.
type ServicePrincipal struct {
	ClientID   string   `json:"client_id"`
	ClientName string   `json:"client_name,omitempty"`
	Scopes     []string `json:"scopes"`
}

// HasScope reports whether the principal was granted scope.
func (p *ServicePrincipal) HasScope(scope string) bool {
	if p == nil {
		return false
	}
	return slices.Contains(p.Scopes, scope) || slices.Contains(p.Scopes, WildcardScope)
}
