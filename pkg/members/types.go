// Package members holds the membership domain model, its postgres store,
// and the lifecycle service coordinating the policy engine, collaborator
// lookups, and notifications.
package members

import (
	"errors"
	"time"

	"github.com/felthorpe/acsp-members/pkg/identity"
)

// Status is a membership lifecycle state
type Status string

const (
	StatusActive  Status = "active"
	StatusRemoved Status = "removed"
)

// ParseStatus parses a status string, reporting whether it is known
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusActive, StatusRemoved:
		return Status(s), true
	}
	return "", false
}

// Domain error taxonomy. Handlers translate these onto HTTP status codes;
// everything else maps to an internal failure.
var (
	// ErrNotFound indicates the membership does not exist
	ErrNotFound = errors.New("membership not found")
	// ErrConflict indicates a concurrent update won the version race
	ErrConflict = errors.New("membership was modified concurrently")
	// ErrDuplicate indicates the user already holds a membership
	ErrDuplicate = errors.New("user already has a membership")
	// ErrForbidden indicates the policy engine denied the change. The
	// specific failed rule is logged internally and never surfaced.
	ErrForbidden = errors.New("forbidden")
	// ErrMalformed indicates an invalid request payload
	ErrMalformed = errors.New("malformed request")
)

// Membership is one (user, organization) relationship over time. A removed
// membership is immutable history: re-adding the user creates a new record.
type Membership struct {
	ID         string        `json:"id"`
	ACSPNumber string        `json:"acsp_number"`
	UserID     string        `json:"user_id"`
	UserEmail  string        `json:"user_email"`
	Role       identity.Role `json:"user_role"`
	Status     Status        `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	AddedAt    time.Time     `json:"added_at"`
	AddedBy    string        `json:"added_by"`
	RemovedAt  *time.Time    `json:"removed_at,omitempty"`
	RemovedBy  *string       `json:"removed_by,omitempty"`
	Version    int64         `json:"-"`
	Etag       string        `json:"etag"`
}

// ListFilter narrows and paginates an organization member listing
type ListFilter struct {
	// Role restricts the listing to one role when non-nil
	Role *identity.Role
	// IncludeRemoved includes removed-membership history
	IncludeRemoved bool
	// Page is 1-based
	Page    int
	PerPage int
}

// PageResult is one page of a member listing
type PageResult struct {
	Items      []*Membership `json:"items"`
	Page       int           `json:"page"`
	PerPage    int           `json:"items_per_page"`
	TotalItems int           `json:"total_items"`
	TotalPages int           `json:"total_pages"`
}

// Patch is the set of store-level changes applied by an update
type Patch struct {
	Role      *identity.Role
	Status    *Status
	RemovedAt *time.Time
	RemovedBy *string
}

// Empty reports whether the patch changes nothing
func (p Patch) Empty() bool {
	return p.Role == nil && p.Status == nil
}
