package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/felthorpe/acsp-members/pkg/contextkeys"
	"github.com/felthorpe/acsp-members/pkg/httputil"
	"github.com/felthorpe/acsp-members/pkg/identity"
	"github.com/felthorpe/acsp-members/pkg/observability"
	"github.com/felthorpe/acsp-members/pkg/profiles"
)

// Identity headers set by the upstream session layer. Token validation
// happened before the request reached us; these headers are its output.
const (
	HeaderIdentity         = "Auth-Identity"
	HeaderIdentityType     = "Auth-Identity-Type"
	HeaderKeyRoles         = "Auth-Key-Roles"
	HeaderTokenPermissions = "Auth-Token-Permissions"
	HeaderUserRoles        = "Auth-User-Roles"
)

// UserResolver resolves OAuth2 subjects to user profiles
type UserResolver interface {
	GetUser(ctx context.Context, userID string) (*identity.User, error)
}

// Authenticator is the authentication gate: it classifies each request as
// an OAuth2 user, a trusted internal key caller, or invalid, and builds
// the request identity. Every handler behind it can rely on an identity
// being present in the context.
type Authenticator struct {
	users   UserResolver
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewAuthenticator creates the authentication gate middleware
func NewAuthenticator(users UserResolver, metrics *observability.Metrics, logger *observability.Logger) *Authenticator {
	return &Authenticator{users: users, logger: logger, metrics: metrics}
}

// Handler wraps an HTTP handler with the authentication gate
func (a *Authenticator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := r.Header.Get(HeaderIdentity)
		if subject == "" {
			a.reject(w, "missing_identity")
			return
		}

		id := &identity.Identity{
			RequestID: contextkeys.GetRequestID(r.Context()),
			Subject:   subject,
		}

		switch r.Header.Get(HeaderIdentityType) {
		case string(identity.KindOAuth2):
			if !a.authenticateUser(w, r, id) {
				return
			}
		case string(identity.KindKey):
			if !isTrustedKey(r.Header.Get(HeaderKeyRoles)) {
				a.reject(w, "untrusted_key")
				return
			}
			id.Kind = identity.KindKey
			id.ActiveOrg = identity.ActiveOrgUnknown
		default:
			a.reject(w, "unknown_identity_type")
			return
		}

		next.ServeHTTP(w, r.WithContext(identity.NewContext(r.Context(), id)))
	})
}

// authenticateUser fills in the OAuth2 side of the identity: parsed
// claims, privileges, and the resolved user profile. A missing user is an
// authentication failure; a slow users service is not.
func (a *Authenticator) authenticateUser(w http.ResponseWriter, r *http.Request, id *identity.Identity) bool {
	claims := identity.ParseTokenPermissions(r.Header.Get(HeaderTokenPermissions))
	id.Kind = identity.KindOAuth2
	id.ActiveOrg = claims.ActiveOrg
	id.Role = claims.Role
	id.Privileges = identity.ParsePrivileges(r.Header.Get(HeaderUserRoles))

	user, err := a.users.GetUser(r.Context(), id.Subject)
	if errors.Is(err, profiles.ErrNotFound) {
		a.reject(w, "unknown_user")
		return false
	}
	if err != nil {
		logger := observability.FromContext(r.Context())
		if profiles.IsTimeout(err) {
			logger.WithError(err).Error("users service timed out during authentication")
		} else {
			logger.WithError(err).Error("user lookup failed during authentication")
		}
		httputil.WriteInternalError(w)
		return false
	}
	id.User = user
	return true
}

// isTrustedKey reports whether the key-roles header marks an internal
// caller. Only the wildcard grant is trusted.
func isTrustedKey(keyRoles string) bool {
	for _, role := range strings.Fields(keyRoles) {
		if role == "*" {
			return true
		}
	}
	return false
}

func (a *Authenticator) reject(w http.ResponseWriter, reason string) {
	if a.metrics != nil {
		a.metrics.AuthFailuresTotal.WithLabelValues(reason).Inc()
	}
	httputil.WriteUnauthorized(w)
}
