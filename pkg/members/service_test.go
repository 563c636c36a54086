package members

import (
	"context"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felthorpe/acsp-members/pkg/identity"
	"github.com/felthorpe/acsp-members/pkg/notify"
	"github.com/felthorpe/acsp-members/pkg/observability"
	"github.com/felthorpe/acsp-members/pkg/profiles"
)

type fakeStore struct {
	byID          map[string]*Membership
	owners        map[string]int
	exists        map[string]bool
	conflictsLeft int
	inserted      []*Membership
	patchAttempts int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byID:   map[string]*Membership{},
		owners: map[string]int{},
		exists: map[string]bool{},
	}
}

func (f *fakeStore) add(m *Membership) *Membership {
	f.byID[m.ID] = m
	f.exists[m.UserID] = true
	if m.Role == identity.RoleOwner && m.Status == StatusActive {
		f.owners[m.ACSPNumber]++
	}
	return m
}

func (f *fakeStore) FindByID(ctx context.Context, id string) (*Membership, error) {
	if m, ok := f.byID[id]; ok {
		copied := *m
		return &copied, nil
	}
	return nil, ErrNotFound
}

func (f *fakeStore) FindActive(ctx context.Context, userID, acspNumber string) (*Membership, error) {
	for _, m := range f.byID {
		if m.UserID == userID && m.ACSPNumber == acspNumber && m.Status == StatusActive {
			copied := *m
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeStore) FindActiveByEmail(ctx context.Context, acspNumber, email string) (*Membership, error) {
	for _, m := range f.byID {
		if m.UserEmail == email && m.ACSPNumber == acspNumber && m.Status == StatusActive {
			copied := *m
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeStore) ListByOrg(ctx context.Context, acspNumber string, filter ListFilter) (*PageResult, error) {
	var items []*Membership
	for _, m := range f.byID {
		if m.ACSPNumber == acspNumber && (filter.IncludeRemoved || m.Status == StatusActive) {
			items = append(items, m)
		}
	}
	return &PageResult{Items: items, Page: 1, PerPage: len(items), TotalItems: len(items), TotalPages: 1}, nil
}

func (f *fakeStore) ListByUser(ctx context.Context, userID string, includeRemoved bool) ([]*Membership, error) {
	var items []*Membership
	for _, m := range f.byID {
		if m.UserID == userID && (includeRemoved || m.Status == StatusActive) {
			items = append(items, m)
		}
	}
	return items, nil
}

func (f *fakeStore) CountActiveOwners(ctx context.Context, acspNumber string) (int, error) {
	return f.owners[acspNumber], nil
}

func (f *fakeStore) ExistsForUser(ctx context.Context, userID string) (bool, error) {
	return f.exists[userID], nil
}

func (f *fakeStore) Insert(ctx context.Context, m *Membership) error {
	f.inserted = append(f.inserted, m)
	f.add(m)
	return nil
}

func (f *fakeStore) ApplyPatch(ctx context.Context, id string, patch Patch, expectedVersion int64) (*Membership, error) {
	f.patchAttempts++
	if f.conflictsLeft > 0 {
		f.conflictsLeft--
		return nil, ErrConflict
	}
	m, ok := f.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if m.Version != expectedVersion {
		return nil, ErrConflict
	}
	if patch.Role != nil {
		m.Role = *patch.Role
	}
	if patch.Status != nil {
		m.Status = *patch.Status
	}
	m.RemovedAt = patch.RemovedAt
	if patch.RemovedBy != nil {
		m.RemovedBy = patch.RemovedBy
	}
	m.Version++
	copied := *m
	return &copied, nil
}

type fakeUsers struct {
	byID    map[string]*identity.User
	byEmail map[string]*identity.User
}

func (f *fakeUsers) GetUser(ctx context.Context, userID string) (*identity.User, error) {
	if u, ok := f.byID[userID]; ok {
		return u, nil
	}
	return nil, profiles.ErrNotFound
}

func (f *fakeUsers) FindUserByEmail(ctx context.Context, email string) (*identity.User, error) {
	if u, ok := f.byEmail[email]; ok {
		return u, nil
	}
	return nil, profiles.ErrNotFound
}

type fakeOrgs struct {
	byNumber map[string]*profiles.OrgProfile
}

func (f *fakeOrgs) GetProfile(ctx context.Context, acspNumber string) (*profiles.OrgProfile, error) {
	if p, ok := f.byNumber[acspNumber]; ok {
		return p, nil
	}
	return nil, profiles.ErrNotFound
}

type fakeNotifier struct {
	events []notify.Event
}

func (f *fakeNotifier) Notify(ctx context.Context, event notify.Event) {
	f.events = append(f.events, event)
}

type serviceFixture struct {
	service  *Service
	store    *fakeStore
	users    *fakeUsers
	orgs     *fakeOrgs
	notifier *fakeNotifier
}

func newFixture() *serviceFixture {
	store := newFakeStore()
	users := &fakeUsers{byID: map[string]*identity.User{}, byEmail: map[string]*identity.User{}}
	orgs := &fakeOrgs{byNumber: map[string]*profiles.OrgProfile{
		"ORG1": {Number: "ORG1", Name: "Example ACSP", Status: "active"},
	}}
	notifier := &fakeNotifier{}
	service := NewService(store, users, orgs, notifier, nil, observability.NewLogger("error", nil))
	return &serviceFixture{service: service, store: store, users: users, orgs: orgs, notifier: notifier}
}

func (f *serviceFixture) addUser(id, email string) *identity.User {
	u := &identity.User{ID: id, Email: email}
	f.users.byID[id] = u
	f.users.byEmail[email] = u
	return u
}

var membershipSeq int

func (f *serviceFixture) seedMembership(userID, org string, role identity.Role, status Status) *Membership {
	membershipSeq++
	return f.store.add(&Membership{
		ID:         "M" + strconv.Itoa(membershipSeq),
		ACSPNumber: org,
		UserID:     userID,
		UserEmail:  strings.ToLower(userID) + "@example.com",
		Role:       role,
		Status:     status,
		Version:    1,
		Etag:       "e",
	})
}

func callerCtx(id *identity.Identity) context.Context {
	return identity.NewContext(context.Background(), id)
}

func oauthCaller(userID, org string, role identity.Role) *identity.Identity {
	return &identity.Identity{
		RequestID: "req-1",
		Subject:   userID,
		Kind:      identity.KindOAuth2,
		ActiveOrg: org,
		Role:      role,
		User:      &identity.User{ID: userID, Email: strings.ToLower(userID) + "@example.com"},
	}
}

func keyCaller() *identity.Identity {
	return &identity.Identity{RequestID: "req-1", Subject: "internal-key", Kind: identity.KindKey}
}

func TestCreate(t *testing.T) {
	t.Run("owner adds a standard member", func(t *testing.T) {
		f := newFixture()
		f.seedMembership("OWNER1", "ORG1", identity.RoleOwner, StatusActive)
		f.addUser("U2", "new@example.com")

		ctx := callerCtx(oauthCaller("OWNER1", "ORG1", identity.RoleOwner))
		m, err := f.service.Create(ctx, "ORG1", CreateRequest{UserEmail: "new@example.com", Role: identity.RoleStandard})
		require.NoError(t, err)
		assert.Equal(t, "U2", m.UserID)
		assert.Equal(t, identity.RoleStandard, m.Role)
		assert.Equal(t, StatusActive, m.Status)
		assert.Equal(t, "OWNER1", m.AddedBy)
		assert.NotEmpty(t, m.ID)
		assert.NotEmpty(t, m.Etag)
		assert.Equal(t, int64(1), m.Version)

		require.Len(t, f.notifier.events, 1)
		added, ok := f.notifier.events[0].(notify.MemberAdded)
		require.True(t, ok)
		assert.Equal(t, "new@example.com", added.MemberEmail)
		assert.Equal(t, "Example ACSP", added.ACSPName)
	})

	t.Run("admin cannot add an owner", func(t *testing.T) {
		f := newFixture()
		f.seedMembership("ADMIN1", "ORG1", identity.RoleAdmin, StatusActive)
		f.addUser("U2", "new@example.com")

		ctx := callerCtx(oauthCaller("ADMIN1", "ORG1", identity.RoleAdmin))
		_, err := f.service.Create(ctx, "ORG1", CreateRequest{UserEmail: "new@example.com", Role: identity.RoleOwner})
		assert.ErrorIs(t, err, ErrForbidden)
		assert.Empty(t, f.store.inserted)
		assert.Empty(t, f.notifier.events)
	})

	t.Run("non-member is denied", func(t *testing.T) {
		f := newFixture()
		f.addUser("U2", "new@example.com")

		ctx := callerCtx(oauthCaller("STRANGER", "ORG1", identity.RoleOwner))
		_, err := f.service.Create(ctx, "ORG1", CreateRequest{UserEmail: "new@example.com", Role: identity.RoleStandard})
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("api key bypasses membership requirement", func(t *testing.T) {
		f := newFixture()
		f.addUser("U2", "new@example.com")

		m, err := f.service.Create(callerCtx(keyCaller()), "ORG1", CreateRequest{UserEmail: "new@example.com", Role: identity.RoleOwner})
		require.NoError(t, err)
		assert.Equal(t, identity.RoleOwner, m.Role)
		assert.Equal(t, "internal-key", m.AddedBy)
	})

	t.Run("duplicate is rejected even when the prior membership is removed", func(t *testing.T) {
		f := newFixture()
		f.seedMembership("OWNER1", "ORG1", identity.RoleOwner, StatusActive)
		f.addUser("U2", "old@example.com")
		f.seedMembership("U2", "ORG9", identity.RoleStandard, StatusRemoved)

		ctx := callerCtx(oauthCaller("OWNER1", "ORG1", identity.RoleOwner))
		_, err := f.service.Create(ctx, "ORG1", CreateRequest{UserEmail: "old@example.com", Role: identity.RoleStandard})
		assert.ErrorIs(t, err, ErrDuplicate)
		assert.Empty(t, f.store.inserted)
	})

	t.Run("denied caller does not learn about an existing membership", func(t *testing.T) {
		f := newFixture()
		f.seedMembership("STANDARD1", "ORG1", identity.RoleStandard, StatusActive)
		f.addUser("U2", "old@example.com")
		f.seedMembership("U2", "ORG9", identity.RoleStandard, StatusActive)

		// A standard member has no create authority; the denial must win
		// over the duplicate, or the 400 would leak that U2 is a member.
		ctx := callerCtx(oauthCaller("STANDARD1", "ORG1", identity.RoleStandard))
		_, err := f.service.Create(ctx, "ORG1", CreateRequest{UserEmail: "old@example.com", Role: identity.RoleStandard})
		assert.ErrorIs(t, err, ErrForbidden)
		assert.NotErrorIs(t, err, ErrDuplicate)
	})

	t.Run("unknown user", func(t *testing.T) {
		f := newFixture()
		f.seedMembership("OWNER1", "ORG1", identity.RoleOwner, StatusActive)

		ctx := callerCtx(oauthCaller("OWNER1", "ORG1", identity.RoleOwner))
		_, err := f.service.Create(ctx, "ORG1", CreateRequest{UserEmail: "nobody@example.com", Role: identity.RoleStandard})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("unknown organization", func(t *testing.T) {
		f := newFixture()
		f.addUser("U2", "new@example.com")

		ctx := callerCtx(oauthCaller("OWNER1", "MISSING", identity.RoleOwner))
		_, err := f.service.Create(ctx, "MISSING", CreateRequest{UserEmail: "new@example.com", Role: identity.RoleStandard})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("missing user reference is malformed", func(t *testing.T) {
		f := newFixture()
		ctx := callerCtx(oauthCaller("OWNER1", "ORG1", identity.RoleOwner))
		_, err := f.service.Create(ctx, "ORG1", CreateRequest{Role: identity.RoleStandard})
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestUpdate(t *testing.T) {
	adminRole := identity.RoleAdmin
	standardRole := identity.RoleStandard

	t.Run("owner changes a member role", func(t *testing.T) {
		f := newFixture()
		f.seedMembership("OWNER1", "ORG1", identity.RoleOwner, StatusActive)
		target := f.seedMembership("U2", "ORG1", identity.RoleStandard, StatusActive)

		ctx := callerCtx(oauthCaller("OWNER1", "ORG1", identity.RoleOwner))
		updated, err := f.service.Update(ctx, target.ID, UpdateRequest{Role: &adminRole})
		require.NoError(t, err)
		assert.Equal(t, identity.RoleAdmin, updated.Role)
		assert.Equal(t, int64(2), updated.Version)

		require.Len(t, f.notifier.events, 1)
		changed, ok := f.notifier.events[0].(notify.RoleChanged)
		require.True(t, ok)
		assert.Equal(t, identity.RoleStandard, changed.OldRole)
		assert.Equal(t, identity.RoleAdmin, changed.NewRole)
	})

	t.Run("admin cannot demote an owner", func(t *testing.T) {
		f := newFixture()
		f.seedMembership("ADMIN1", "ORG1", identity.RoleAdmin, StatusActive)
		f.seedMembership("OWNER1", "ORG1", identity.RoleOwner, StatusActive)
		f.seedMembership("OWNER2", "ORG1", identity.RoleOwner, StatusActive)
		target, err := f.store.FindActive(context.Background(), "OWNER1", "ORG1")
		require.NoError(t, err)

		ctx := callerCtx(oauthCaller("ADMIN1", "ORG1", identity.RoleAdmin))
		_, err = f.service.Update(ctx, target.ID, UpdateRequest{Role: &standardRole})
		assert.ErrorIs(t, err, ErrForbidden)
		assert.Zero(t, f.store.patchAttempts)
	})

	t.Run("last owner cannot be removed", func(t *testing.T) {
		f := newFixture()
		owner := f.seedMembership("OWNER1", "ORG1", identity.RoleOwner, StatusActive)

		ctx := callerCtx(oauthCaller("OWNER1", "ORG1", identity.RoleOwner))
		_, err := f.service.Update(ctx, owner.ID, UpdateRequest{Remove: true})
		assert.ErrorIs(t, err, ErrForbidden)

		// The invariant binds internal key callers too.
		_, err = f.service.Update(callerCtx(keyCaller()), owner.ID, UpdateRequest{Remove: true})
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("ceased org disables last-owner protection", func(t *testing.T) {
		f := newFixture()
		f.orgs.byNumber["ORG1"].Status = profiles.OrgStatusCeased
		owner := f.seedMembership("OWNER1", "ORG1", identity.RoleOwner, StatusActive)

		updated, err := f.service.Update(callerCtx(keyCaller()), owner.ID, UpdateRequest{Remove: true})
		require.NoError(t, err)
		assert.Equal(t, StatusRemoved, updated.Status)
		require.NotNil(t, updated.RemovedAt)
		require.NotNil(t, updated.RemovedBy)
		assert.Equal(t, "internal-key", *updated.RemovedBy)
	})

	t.Run("empty patch touches nothing", func(t *testing.T) {
		f := newFixture()
		target := f.seedMembership("U2", "ORG1", identity.RoleStandard, StatusActive)

		ctx := callerCtx(oauthCaller("OWNER1", "ORG1", identity.RoleOwner))
		_, err := f.service.Update(ctx, target.ID, UpdateRequest{})
		assert.ErrorIs(t, err, ErrMalformed)
		assert.Zero(t, f.store.patchAttempts)

		stored, err := f.store.FindByID(context.Background(), target.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stored.Version)
	})

	t.Run("role change and removal cannot be combined", func(t *testing.T) {
		f := newFixture()
		target := f.seedMembership("U2", "ORG1", identity.RoleStandard, StatusActive)

		ctx := callerCtx(oauthCaller("OWNER1", "ORG1", identity.RoleOwner))
		_, err := f.service.Update(ctx, target.ID, UpdateRequest{Role: &adminRole, Remove: true})
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("removed membership is immutable", func(t *testing.T) {
		f := newFixture()
		f.seedMembership("OWNER1", "ORG1", identity.RoleOwner, StatusActive)
		target := f.seedMembership("U2", "ORG1", identity.RoleStandard, StatusRemoved)

		ctx := callerCtx(oauthCaller("OWNER1", "ORG1", identity.RoleOwner))
		_, err := f.service.Update(ctx, target.ID, UpdateRequest{Role: &adminRole})
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("version race retried once", func(t *testing.T) {
		f := newFixture()
		f.seedMembership("OWNER1", "ORG1", identity.RoleOwner, StatusActive)
		target := f.seedMembership("U2", "ORG1", identity.RoleStandard, StatusActive)
		f.store.conflictsLeft = 1

		ctx := callerCtx(oauthCaller("OWNER1", "ORG1", identity.RoleOwner))
		updated, err := f.service.Update(ctx, target.ID, UpdateRequest{Role: &adminRole})
		require.NoError(t, err)
		assert.Equal(t, identity.RoleAdmin, updated.Role)
		assert.Equal(t, 2, f.store.patchAttempts)
	})

	t.Run("persistent version race surfaces the conflict", func(t *testing.T) {
		f := newFixture()
		f.seedMembership("OWNER1", "ORG1", identity.RoleOwner, StatusActive)
		target := f.seedMembership("U2", "ORG1", identity.RoleStandard, StatusActive)
		f.store.conflictsLeft = 2

		ctx := callerCtx(oauthCaller("OWNER1", "ORG1", identity.RoleOwner))
		_, err := f.service.Update(ctx, target.ID, UpdateRequest{Role: &adminRole})
		assert.ErrorIs(t, err, ErrConflict)
		assert.Equal(t, 2, f.store.patchAttempts)
		assert.Empty(t, f.notifier.events)
	})

	t.Run("key caller triggers no role-change notification", func(t *testing.T) {
		f := newFixture()
		f.seedMembership("OWNER1", "ORG1", identity.RoleOwner, StatusActive)
		target := f.seedMembership("U2", "ORG1", identity.RoleStandard, StatusActive)

		_, err := f.service.Update(callerCtx(keyCaller()), target.ID, UpdateRequest{Role: &adminRole})
		require.NoError(t, err)
		assert.Empty(t, f.notifier.events)
	})
}

func TestReadAccess(t *testing.T) {
	t.Run("cross-org read is denied without the search privilege", func(t *testing.T) {
		f := newFixture()
		target := f.seedMembership("U2", "ORG1", identity.RoleStandard, StatusActive)

		other := oauthCaller("U9", "ORG9", identity.RoleOwner)
		_, err := f.service.Get(callerCtx(other), target.ID)
		assert.ErrorIs(t, err, ErrForbidden)

		_, err = f.service.List(callerCtx(other), "ORG1", ListFilter{})
		assert.ErrorIs(t, err, ErrForbidden)

		_, err = f.service.Lookup(callerCtx(other), "ORG1", "u2@example.com")
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("search privilege grants cross-org read", func(t *testing.T) {
		f := newFixture()
		target := f.seedMembership("U2", "ORG1", identity.RoleStandard, StatusActive)

		searcher := oauthCaller("U9", "ORG9", identity.RoleOwner)
		searcher.Privileges = []string{identity.PrivilegeSearch}

		m, err := f.service.Get(callerCtx(searcher), target.ID)
		require.NoError(t, err)
		assert.Equal(t, target.ID, m.ID)

		found, err := f.service.Lookup(callerCtx(searcher), "ORG1", "u2@example.com")
		require.NoError(t, err)
		assert.Equal(t, target.ID, found.ID)
	})

	t.Run("api key reads any org", func(t *testing.T) {
		f := newFixture()
		target := f.seedMembership("U2", "ORG1", identity.RoleStandard, StatusActive)

		m, err := f.service.Get(callerCtx(keyCaller()), target.ID)
		require.NoError(t, err)
		assert.Equal(t, target.ID, m.ID)
	})

	t.Run("own-org read", func(t *testing.T) {
		f := newFixture()
		f.seedMembership("U2", "ORG1", identity.RoleStandard, StatusActive)

		result, err := f.service.List(callerCtx(oauthCaller("U2", "ORG1", identity.RoleStandard)), "ORG1", ListFilter{})
		require.NoError(t, err)
		assert.Len(t, result.Items, 1)
	})
}

func TestListForCaller(t *testing.T) {
	f := newFixture()
	f.seedMembership("U2", "ORG1", identity.RoleStandard, StatusActive)
	f.seedMembership("U2", "ORG9", identity.RoleOwner, StatusRemoved)

	memberships, err := f.service.ListForCaller(callerCtx(oauthCaller("U2", "ORG1", identity.RoleStandard)), false)
	require.NoError(t, err)
	assert.Len(t, memberships, 1)

	memberships, err = f.service.ListForCaller(callerCtx(oauthCaller("U2", "ORG1", identity.RoleStandard)), true)
	require.NoError(t, err)
	assert.Len(t, memberships, 2)

	_, err = f.service.ListForCaller(callerCtx(keyCaller()), false)
	assert.ErrorIs(t, err, ErrForbidden)
}
