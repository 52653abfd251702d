// Package actor models the capability passed into every state-machine
// operation. Identity is minted by the surrounding system; this package only
// verifies its tokens and carries the (id, role) pair through call sites so
// authorization is an explicit parameter, never ambient state.
package actor

import (
	"lexflow/fault"
)

type Role string

const (
	RoleClient   Role = "client"
	RoleProvider Role = "provider"
	RoleAdmin    Role = "admin"
	// RoleSystem is used by the scheduler and outbox dispatcher for
	// timer-driven and event-driven transitions.
	RoleSystem Role = "system"
)

// Actor identifies who is performing an operation.
type Actor struct {
	ID   string
	Role Role
}

// System is the actor recorded for scheduler- and event-driven transitions.
var System = Actor{ID: "system", Role: RoleSystem}

func validRole(role Role) bool {
	switch role {
	case RoleClient, RoleProvider, RoleAdmin, RoleSystem:
		return true
	default:
		return false
	}
}

// Require rejects actors missing an id or carrying an unknown role.
func (a Actor) Require() error {
	if a.ID == "" {
		return fault.New(fault.KindValidation, "actor: id required")
	}
	if !validRole(a.Role) {
		return fault.New(fault.KindValidation, "actor: invalid role %q", a.Role)
	}
	return nil
}

// CanActAs reports whether the actor holds one of the listed roles. Admin and
// system actors pass every check: the platform operator resolves disputes and
// the scheduler fires timer transitions.
func (a Actor) CanActAs(roles ...Role) bool {
	if a.Role == RoleAdmin || a.Role == RoleSystem {
		return true
	}
	for _, r := range roles {
		if a.Role == r {
			return true
		}
	}
	return false
}
