// Package policy implements the membership authorization decision engine.
//
// The engine is a pure function over its inputs: it reads nothing, writes
// nothing, and can be evaluated independently of any request pipeline. The
// caller gathers the facts (requesting identity, target membership, owner
// count, org status) and translates a denial into an authorization failure.
// Denial reasons are for internal logging only and are never returned to
// API clients.
package policy

import (
	"github.com/felthorpe/acsp-members/pkg/identity"
)

// ActionKind enumerates the membership changes the engine rules on
type ActionKind string

const (
	ActionCreate     ActionKind = "create"
	ActionChangeRole ActionKind = "change_role"
	ActionRemove     ActionKind = "remove"
)

// Action is a proposed membership change
type Action struct {
	Kind ActionKind
	// From is the target's current role (change and remove)
	From identity.Role
	// To is the proposed role (create and change)
	To identity.Role
}

// Create proposes adding a new membership with the given role
func Create(role identity.Role) Action {
	return Action{Kind: ActionCreate, To: role}
}

// ChangeRole proposes moving a membership from one role to another
func ChangeRole(from, to identity.Role) Action {
	return Action{Kind: ActionChangeRole, From: from, To: to}
}

// Remove proposes removing a membership currently holding the given role
func Remove(current identity.Role) Action {
	return Action{Kind: ActionRemove, From: current}
}

// Caller describes the requesting identity as far as the engine needs it
type Caller struct {
	Kind identity.Kind
	// Role is the caller's effective role in the target's organization
	Role identity.Role
	// ActiveMember reports whether the caller holds an ACTIVE membership
	// in the target's organization. Ignored for API-key callers.
	ActiveMember bool
	// Privileges is the caller's admin privilege token set
	Privileges []string
}

// Target describes the membership (or prospective membership) being acted on
type Target struct {
	OrgID string
	// ActiveOwners is the count of ACTIVE owner memberships in the org
	ActiveOwners int
	// OrgCeased reports whether the organization is in its terminal state,
	// which disables last-owner protection
	OrgCeased bool
}

// Decision is the engine's verdict. Reason is internal-only detail: the
// API surface collapses every denial into a uniform forbidden response.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision {
	return Decision{Allowed: true, Reason: "allowed"}
}

func deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Evaluate decides whether the caller may apply the action to the target.
// Rules run in a fixed order and the first failure wins.
func Evaluate(caller Caller, target Target, action Action) Decision {
	// Internal key callers sit inside the trust boundary: they carry no
	// membership role and bypass the authority and membership rules. The
	// last-owner invariant is a property of the organization and binds
	// every caller.
	if caller.Kind != identity.KindKey {
		if d := checkAuthority(caller, action); !d.Allowed {
			return d
		}
		if !caller.ActiveMember {
			return deny("caller holds no active membership in the target organization")
		}
	}

	if d := checkLastOwner(target, action); !d.Allowed {
		return d
	}

	return allow()
}

// checkAuthority applies the authority rule: owners manage every role,
// admins manage every role except owner, standard members manage nothing.
// A role change requires authority over both ends of the move.
func checkAuthority(caller Caller, action Action) Decision {
	switch action.Kind {
	case ActionCreate:
		if !managesRole(caller.Role, action.To) {
			return deny("caller role " + string(caller.Role) + " lacks authority to create role " + string(action.To))
		}
	case ActionChangeRole:
		if !managesRole(caller.Role, action.From) {
			return deny("caller role " + string(caller.Role) + " lacks authority over current role " + string(action.From))
		}
		if !managesRole(caller.Role, action.To) {
			return deny("caller role " + string(caller.Role) + " lacks authority over proposed role " + string(action.To))
		}
	case ActionRemove:
		if !managesRole(caller.Role, action.From) {
			return deny("caller role " + string(caller.Role) + " lacks authority to remove role " + string(action.From))
		}
	default:
		return deny("unrecognized action " + string(action.Kind))
	}
	return allow()
}

// managesRole reports whether a caller with the given role has authority
// over memberships of the managed role.
func managesRole(caller, managed identity.Role) bool {
	switch caller {
	case identity.RoleOwner:
		return true
	case identity.RoleAdmin:
		return managed != identity.RoleOwner
	default:
		return false
	}
}

// checkLastOwner applies the last-owner invariant: a non-ceased org must
// always retain at least one active owner.
func checkLastOwner(target Target, action Action) Decision {
	if target.OrgCeased {
		return allow()
	}

	losesOwner := false
	switch action.Kind {
	case ActionRemove:
		losesOwner = action.From == identity.RoleOwner
	case ActionChangeRole:
		losesOwner = action.From == identity.RoleOwner && action.To != identity.RoleOwner
	}

	if losesOwner && target.ActiveOwners <= 1 {
		return deny("target is the last active owner of organization " + target.OrgID)
	}

	return allow()
}
