package identity

import (
	"regexp"
	"strings"
)

// ActiveOrgUnknown is the represented state for claims that carry no
// active org token. Absence is valid: internal key callers legitimately
// present no org claim.
const ActiveOrgUnknown = "unknown"

const (
	claimActiveOrg = "acsp_number"
	claimOwners    = "acsp_members_owners"
	claimAdmins    = "acsp_members_admins"
	claimMembers   = "acsp_members"
)

// Bounded so a hostile header cannot smuggle an arbitrarily long value.
var orgNumberPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

// Claims is the parsed view of a raw token-permissions string
type Claims struct {
	// ActiveOrg is the org number from the acsp_number token, or
	// ActiveOrgUnknown when absent or malformed
	ActiveOrg string
	// Role is the highest membership role the claims grant, or empty
	// when no role claim is present
	Role Role
}

// ParseTokenPermissions parses the space-delimited permission claim string
// attached to a request. Parsing is tolerant: malformed tokens are skipped
// and absent claims yield the represented defaults, never an error.
func ParseTokenPermissions(raw string) Claims {
	claims := Claims{ActiveOrg: ActiveOrgUnknown}

	// First occurrence of each key wins.
	values := make(map[string]string)
	for _, token := range strings.Fields(raw) {
		key, value, ok := strings.Cut(token, "=")
		if !ok || key == "" {
			continue
		}
		if _, seen := values[key]; !seen {
			values[key] = value
		}
	}

	if org, ok := values[claimActiveOrg]; ok && orgNumberPattern.MatchString(org) {
		claims.ActiveOrg = org
	}

	// Strict priority: owners, then admins, then members read.
	switch {
	case grantsManagement(values[claimOwners]):
		claims.Role = RoleOwner
	case grantsManagement(values[claimAdmins]):
		claims.Role = RoleAdmin
	case grantsRead(values[claimMembers]):
		claims.Role = RoleStandard
	}

	return claims
}

// grantsManagement reports whether an action list carries the full
// create/update/delete management grant.
func grantsManagement(actions string) bool {
	if actions == "" {
		return false
	}
	var create, update, del bool
	for _, action := range strings.Split(actions, ",") {
		switch strings.TrimSpace(action) {
		case "create":
			create = true
		case "update":
			update = true
		case "delete":
			del = true
		}
	}
	return create && update && del
}

func grantsRead(actions string) bool {
	for _, action := range strings.Split(actions, ",") {
		if strings.TrimSpace(action) == "read" {
			return true
		}
	}
	return false
}

// ParsePrivileges parses the space-delimited admin privilege tokens from
// the roles header.
func ParsePrivileges(raw string) []string {
	return strings.Fields(raw)
}
