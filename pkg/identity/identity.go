// Package identity holds the request-scoped identity model: who the caller
// is, how they authenticated, and what their permission claims granted them.
//
// An Identity is built once per inbound request by the authentication gate
// and is read-only afterwards. It travels exclusively on the request's
// context.Context, so concurrent requests can never observe each other's
// identity.
package identity

import (
	"context"

	"github.com/felthorpe/acsp-members/pkg/contextkeys"
)

// Kind classifies how a request authenticated
type Kind string

const (
	// KindOAuth2 marks a request carrying an upstream-validated user session
	KindOAuth2 Kind = "oauth2"
	// KindKey marks a trusted internal API-key caller
	KindKey Kind = "key"
	// KindUnknown marks an unauthenticated or unclassifiable request
	KindUnknown Kind = "unknown"
)

// Role is a membership role within an ACSP organization
type Role string

const (
	RoleOwner    Role = "owner"
	RoleAdmin    Role = "admin"
	RoleStandard Role = "standard"
)

// ParseRole parses a role string, reporting whether it is a known role
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleOwner, RoleAdmin, RoleStandard:
		return Role(s), true
	}
	return "", false
}

// PrivilegeSearch is the admin privilege token granting cross-org read
// access without holding a membership in the target organization.
const PrivilegeSearch = "acsp-search"

// User is the resolved profile of an OAuth2 caller
type User struct {
	ID          string `json:"user_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
}

// Identity is the per-request identity context. It is constructed by the
// authentication gate before any business logic runs and must not be
// mutated afterwards.
type Identity struct {
	// RequestID is the correlation id for this request
	RequestID string
	// Subject is the caller id: an OAuth2 user id or an API key id
	Subject string
	// Kind records how the request authenticated
	Kind Kind
	// ActiveOrg is the org number the permission claims designate, or
	// ActiveOrgUnknown when the claims carry none
	ActiveOrg string
	// Role is the claims-derived role for ActiveOrg; empty when the
	// claims grant no membership role
	Role Role
	// Privileges is the admin privilege token set from the roles header
	Privileges []string
	// User is the resolved profile; present only for OAuth2 callers
	User *User
}

// IsAPIKey reports whether the caller is a trusted internal key caller
func (id *Identity) IsAPIKey() bool {
	return id.Kind == KindKey
}

// HasPrivilege reports whether the caller carries the given privilege token
func (id *Identity) HasPrivilege(privilege string) bool {
	for _, p := range id.Privileges {
		if p == privilege {
			return true
		}
	}
	return false
}

// NewContext returns a context carrying the identity
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextkeys.IdentityKey, id)
}

// FromContext retrieves the request identity from the context
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(contextkeys.IdentityKey).(*Identity)
	return id, ok
}
