package reconcile

import (
	"strings"

	"github.com/ticketwell/helpdesk/backend/internal/store"
)

// roleFromClaim maps the external role claim onto an internal role. The table
// is policy: "org:admin" and "admin" are distinct privilege levels, and any
// unmapped or missing claim falls back to the ordinary user role.
func roleFromClaim(claim string) store.UserRole {
	switch strings.ToLower(strings.TrimSpace(claim)) {
	case "org:admin":
		return store.RoleSuperAdmin
	case "admin":
		return store.RoleAdmin
	case "agent":
		return store.RoleAgent
	case "member", "user":
		return store.RoleUser
	default:
		return store.RoleUser
	}
}
