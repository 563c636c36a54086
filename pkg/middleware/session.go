package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/felthorpe/acsp-members/pkg/httputil"
	"github.com/felthorpe/acsp-members/pkg/identity"
	"github.com/felthorpe/acsp-members/pkg/members"
	"github.com/felthorpe/acsp-members/pkg/observability"
)

// MembershipSource is the slice of the store the session check needs
type MembershipSource interface {
	FindActive(ctx context.Context, userID, acspNumber string) (*members.Membership, error)
}

// SessionValidity rejects requests whose permission claims have gone
// stale: the claims-derived role for the active org must match the role
// the store holds right now. A member demoted after their token was
// minted is cut off on their next request, not at token expiry.
type SessionValidity struct {
	store   MembershipSource
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewSessionValidity creates the session-validity middleware
func NewSessionValidity(store MembershipSource, metrics *observability.Metrics, logger *observability.Logger) *SessionValidity {
	return &SessionValidity{store: store, logger: logger, metrics: metrics}
}

// Handler wraps an HTTP handler with the session-validity check
func (s *SessionValidity) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity.FromContext(r.Context())
		if !ok {
			httputil.WriteUnauthorized(w)
			return
		}

		// Only OAuth2 sessions carry claims that can go stale, and claims
		// that designate no org have nothing to compare. Claims granting
		// no role are NOT exempt: against a stored role they are simply
		// unequal, and skipping them would let a stripped token act at
		// full stored-role power.
		if id.Kind != identity.KindOAuth2 || id.ActiveOrg == identity.ActiveOrgUnknown {
			next.ServeHTTP(w, r)
			return
		}

		current, err := s.store.FindActive(r.Context(), id.Subject, id.ActiveOrg)
		if errors.Is(err, members.ErrNotFound) {
			s.rejectStale(w, id, "no active membership backs the claimed role")
			return
		}
		if err != nil {
			observability.FromContext(r.Context()).WithError(err).Error("session validity lookup failed")
			httputil.WriteInternalError(w)
			return
		}
		if current.Role != id.Role {
			s.rejectStale(w, id, "claimed role does not match the stored role")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *SessionValidity) rejectStale(w http.ResponseWriter, id *identity.Identity, reason string) {
	if s.metrics != nil {
		s.metrics.SessionInvalidTotal.Inc()
	}
	s.logger.
		WithField("request_id", id.RequestID).
		WithField("acsp_number", id.ActiveOrg).
		WithField("reason", reason).
		Info("stale session rejected")
	httputil.WriteForbidden(w)
}
