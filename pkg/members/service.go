package members

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/felthorpe/acsp-members/pkg/identity"
	"github.com/felthorpe/acsp-members/pkg/notify"
	"github.com/felthorpe/acsp-members/pkg/observability"
	"github.com/felthorpe/acsp-members/pkg/policy"
	"github.com/felthorpe/acsp-members/pkg/profiles"
)

// UserDirectory resolves user profiles from the users service
type UserDirectory interface {
	GetUser(ctx context.Context, userID string) (*identity.User, error)
	FindUserByEmail(ctx context.Context, email string) (*identity.User, error)
}

// OrgDirectory resolves organization profiles from the profile service
type OrgDirectory interface {
	GetProfile(ctx context.Context, acspNumber string) (*profiles.OrgProfile, error)
}

// Service implements the membership lifecycle: it gathers the facts the
// policy engine needs, enforces its decisions, and applies the change
// with optimistic concurrency.
type Service struct {
	store    Store
	users    UserDirectory
	orgs     OrgDirectory
	notifier notify.Notifier
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewService creates the membership service
func NewService(store Store, users UserDirectory, orgs OrgDirectory, notifier notify.Notifier, metrics *observability.Metrics, logger *observability.Logger) *Service {
	return &Service{
		store:    store,
		users:    users,
		orgs:     orgs,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// CreateRequest asks for a new membership. Exactly one of UserID and
// UserEmail identifies the user to add.
type CreateRequest struct {
	UserID    string
	UserEmail string
	Role      identity.Role
}

// UpdateRequest asks for a membership change: a new role, a removal, but
// not both in one patch.
type UpdateRequest struct {
	Role   *identity.Role
	Remove bool
}

// Create adds a user to an organization after the policy engine allows it
func (s *Service) Create(ctx context.Context, acspNumber string, req CreateRequest) (*Membership, error) {
	caller, ok := identity.FromContext(ctx)
	if !ok {
		return nil, errors.New("no request identity in context")
	}

	user, err := s.resolveUser(ctx, req)
	if err != nil {
		return nil, err
	}

	profile, err := s.orgs.GetProfile(ctx, acspNumber)
	if err != nil {
		if errors.Is(err, profiles.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	// Authorization runs before the duplicate check: a denied caller must
	// not learn whether the user already holds a membership.
	action := policy.Create(req.Role)
	if err := s.authorize(ctx, caller, acspNumber, profile, action); err != nil {
		return nil, err
	}

	exists, err := s.store.ExistsForUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrDuplicate
	}

	now := s.now().UTC()
	m := &Membership{
		ID:         uuid.NewString(),
		ACSPNumber: acspNumber,
		UserID:     user.ID,
		UserEmail:  user.Email,
		Role:       req.Role,
		Status:     StatusActive,
		CreatedAt:  now,
		AddedAt:    now,
		AddedBy:    caller.Subject,
		Version:    1,
		Etag:       uuid.NewString(),
	}
	if err := s.store.Insert(ctx, m); err != nil {
		return nil, err
	}

	s.notifier.Notify(ctx, notify.MemberAdded{
		ACSPName:    profile.Name,
		MemberEmail: user.Email,
		AddedBy:     callerDisplay(caller),
		Role:        req.Role,
	})
	return m, nil
}

// Update changes a membership's role or removes it. A lost optimistic
// concurrency race is retried once against the fresh record before the
// conflict is surfaced.
func (s *Service) Update(ctx context.Context, membershipID string, req UpdateRequest) (*Membership, error) {
	caller, ok := identity.FromContext(ctx)
	if !ok {
		return nil, errors.New("no request identity in context")
	}
	if req.Role == nil && !req.Remove {
		return nil, fmt.Errorf("%w: patch changes nothing", ErrMalformed)
	}
	if req.Role != nil && req.Remove {
		return nil, fmt.Errorf("%w: a patch may change the role or remove the membership, not both", ErrMalformed)
	}

	updated, oldRole, err := s.tryUpdate(ctx, caller, membershipID, req)
	if errors.Is(err, ErrConflict) {
		updated, oldRole, err = s.tryUpdate(ctx, caller, membershipID, req)
	}
	if err != nil {
		return nil, err
	}

	if req.Role != nil && caller.Kind == identity.KindOAuth2 {
		s.notifyRoleChange(ctx, caller, updated, oldRole)
	}
	return updated, nil
}

// tryUpdate runs one authorize-and-patch attempt against the current record
func (s *Service) tryUpdate(ctx context.Context, caller *identity.Identity, membershipID string, req UpdateRequest) (*Membership, identity.Role, error) {
	target, err := s.store.FindByID(ctx, membershipID)
	if err != nil {
		return nil, "", err
	}
	if target.Status == StatusRemoved {
		// Removed memberships are immutable history; re-adding the user
		// creates a new record.
		return nil, "", fmt.Errorf("%w: membership is removed", ErrMalformed)
	}

	profile, err := s.orgs.GetProfile(ctx, target.ACSPNumber)
	if err != nil {
		if errors.Is(err, profiles.ErrNotFound) {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}

	var action policy.Action
	var patch Patch
	if req.Remove {
		action = policy.Remove(target.Role)
		now := s.now().UTC()
		removed := StatusRemoved
		patch = Patch{Status: &removed, RemovedAt: &now, RemovedBy: &caller.Subject}
	} else {
		action = policy.ChangeRole(target.Role, *req.Role)
		patch = Patch{Role: req.Role}
	}

	if err := s.authorize(ctx, caller, target.ACSPNumber, profile, action); err != nil {
		return nil, "", err
	}

	updated, err := s.store.ApplyPatch(ctx, membershipID, patch, target.Version)
	return updated, target.Role, err
}

// Get fetches one membership, applying the cross-org read rule
func (s *Service) Get(ctx context.Context, membershipID string) (*Membership, error) {
	caller, ok := identity.FromContext(ctx)
	if !ok {
		return nil, errors.New("no request identity in context")
	}

	m, err := s.store.FindByID(ctx, membershipID)
	if err != nil {
		return nil, err
	}
	if !s.canRead(caller, m.ACSPNumber) {
		return nil, ErrForbidden
	}
	return m, nil
}

// List returns one page of an organization's memberships
func (s *Service) List(ctx context.Context, acspNumber string, filter ListFilter) (*PageResult, error) {
	caller, ok := identity.FromContext(ctx)
	if !ok {
		return nil, errors.New("no request identity in context")
	}
	if !s.canRead(caller, acspNumber) {
		return nil, ErrForbidden
	}
	return s.store.ListByOrg(ctx, acspNumber, filter)
}

// Lookup finds the active membership for a user email within an organization
func (s *Service) Lookup(ctx context.Context, acspNumber, email string) (*Membership, error) {
	caller, ok := identity.FromContext(ctx)
	if !ok {
		return nil, errors.New("no request identity in context")
	}
	if !s.canRead(caller, acspNumber) {
		return nil, ErrForbidden
	}
	return s.store.FindActiveByEmail(ctx, acspNumber, email)
}

// ListForCaller returns the calling user's own memberships
func (s *Service) ListForCaller(ctx context.Context, includeRemoved bool) ([]*Membership, error) {
	caller, ok := identity.FromContext(ctx)
	if !ok {
		return nil, errors.New("no request identity in context")
	}
	if caller.Kind != identity.KindOAuth2 {
		return nil, ErrForbidden
	}
	return s.store.ListByUser(ctx, caller.Subject, includeRemoved)
}

// canRead applies the read rule: key callers and holders of the search
// privilege read any org, everyone else only their claims-designated one.
func (s *Service) canRead(caller *identity.Identity, acspNumber string) bool {
	if caller.IsAPIKey() || caller.HasPrivilege(identity.PrivilegeSearch) {
		return true
	}
	return caller.ActiveOrg == acspNumber
}

// authorize gathers the caller and target facts and runs the policy
// engine. Denials are logged with their internal reason and surfaced as
// the uniform ErrForbidden.
func (s *Service) authorize(ctx context.Context, caller *identity.Identity, acspNumber string, profile *profiles.OrgProfile, action policy.Action) error {
	facts, err := s.callerFacts(ctx, caller, acspNumber)
	if err != nil {
		return err
	}

	owners, err := s.store.CountActiveOwners(ctx, acspNumber)
	if err != nil {
		return err
	}
	target := policy.Target{
		OrgID:        acspNumber,
		ActiveOwners: owners,
		OrgCeased:    profile.Ceased(),
	}

	decision := policy.Evaluate(facts, target, action)
	s.recordDecision(action, decision)
	if !decision.Allowed {
		s.logger.WithField("request_id", caller.RequestID).
			WithField("acsp_number", acspNumber).
			WithField("action", string(action.Kind)).
			WithField("reason", decision.Reason).
			Info("membership change denied")
		return ErrForbidden
	}
	return nil
}

// callerFacts derives the caller's standing in the target organization
// from the store, not from the claims: the claims only designate the
// caller's active org, and this may be a different one.
func (s *Service) callerFacts(ctx context.Context, caller *identity.Identity, acspNumber string) (policy.Caller, error) {
	facts := policy.Caller{
		Kind:       caller.Kind,
		Privileges: caller.Privileges,
	}
	if caller.IsAPIKey() {
		return facts, nil
	}

	membership, err := s.store.FindActive(ctx, caller.Subject, acspNumber)
	if errors.Is(err, ErrNotFound) {
		return facts, nil
	}
	if err != nil {
		return facts, err
	}
	facts.ActiveMember = true
	facts.Role = membership.Role
	return facts, nil
}

func (s *Service) resolveUser(ctx context.Context, req CreateRequest) (*identity.User, error) {
	var user *identity.User
	var err error
	switch {
	case req.UserID != "":
		user, err = s.users.GetUser(ctx, req.UserID)
	case req.UserEmail != "":
		user, err = s.users.FindUserByEmail(ctx, req.UserEmail)
	default:
		return nil, fmt.Errorf("%w: user_id or user_email is required", ErrMalformed)
	}
	if errors.Is(err, profiles.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Service) notifyRoleChange(ctx context.Context, caller *identity.Identity, updated *Membership, oldRole identity.Role) {
	acspName := updated.ACSPNumber
	if profile, err := s.orgs.GetProfile(ctx, updated.ACSPNumber); err == nil {
		acspName = profile.Name
	}
	s.notifier.Notify(ctx, notify.RoleChanged{
		ACSPName:    acspName,
		MemberEmail: updated.UserEmail,
		ChangedBy:   callerDisplay(caller),
		OldRole:     oldRole,
		NewRole:     updated.Role,
	})
}

func (s *Service) recordDecision(action policy.Action, decision policy.Decision) {
	if s.metrics == nil {
		return
	}
	outcome := "allowed"
	if !decision.Allowed {
		outcome = "denied"
	}
	s.metrics.PolicyDecisionsTotal.WithLabelValues(string(action.Kind), outcome).Inc()
}

// callerDisplay picks the best human-readable attribution for the caller
func callerDisplay(caller *identity.Identity) string {
	if caller.User != nil && caller.User.Email != "" {
		return caller.User.Email
	}
	return caller.Subject
}
