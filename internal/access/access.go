// Package access defines the per-request actor value.
//
// A Context is constructed once per inbound request from verified
// credentials and passed explicitly into every operation. It is never
// stored in ambient/goroutine-local state: the store's unit of work binds
// it into engine-visible session state on the transaction that executes
// the governed statements, which keeps the binding atomic and testable.
package access

import "fmt"

// Role is the actor's single primary role.
type Role string

const (
	RoleSuperAdmin      Role = "super_admin"
	RoleAdmin           Role = "admin"
	RoleLeader          Role = "leader"
	RoleAssistantLeader Role = "assistant_leader"
	RoleTeacher         Role = "teacher"
	RoleKitchen         Role = "kitchen"
	RoleDistribution    Role = "distribution"
	RoleWorker          Role = "worker"
)

// allRoles lists every valid role for validation.
var allRoles = []Role{
	RoleSuperAdmin,
	RoleAdmin,
	RoleLeader,
	RoleAssistantLeader,
	RoleTeacher,
	RoleKitchen,
	RoleDistribution,
	RoleWorker,
}

// ParseRole validates a role string.
// Returns an error if the string is not one of the known roles.
func ParseRole(s string) (Role, error) {
	for _, r := range allRoles {
		if Role(s) == r {
			return r, nil
		}
	}
	return "", fmt.Errorf("invalid role %q", s)
}

// AdminTier reports whether the role may administer windows, batches,
// and the roster without a group scope.
func (r Role) AdminTier() bool {
	return r == RoleSuperAdmin || r == RoleAdmin
}

// GroupScoped reports whether the role acts only within its assigned
// group scope.
func (r Role) GroupScoped() bool {
	switch r {
	case RoleLeader, RoleAssistantLeader, RoleTeacher:
		return true
	}
	return false
}

// Context is the authenticated actor for one request: identity, role, and
// the group ids the actor administers.
//
// Context is an immutable value. New copies the scope slice and InScope
// never exposes internal state, so a Context handed to concurrent
// operations cannot be mutated underneath them.
type Context struct {
	actorID  string
	role     Role
	scopeIDs []string
}

// New builds a Context from verified credential claims.
// The scope slice is copied; the caller keeps ownership of its argument.
func New(actorID string, role Role, scopeIDs []string) Context {
	scopes := make([]string, len(scopeIDs))
	copy(scopes, scopeIDs)
	return Context{actorID: actorID, role: role, scopeIDs: scopes}
}

// ActorID returns the actor's identity (the credential subject).
func (c Context) ActorID() string { return c.actorID }

// Role returns the actor's primary role.
func (c Context) Role() Role { return c.role }

// ScopeIDs returns a copy of the group ids the actor administers.
func (c Context) ScopeIDs() []string {
	scopes := make([]string, len(c.scopeIDs))
	copy(scopes, c.scopeIDs)
	return scopes
}

// InScope reports whether groupID is one of the actor's scope ids.
func (c Context) InScope(groupID string) bool {
	for _, id := range c.scopeIDs {
		if id == groupID {
			return true
		}
	}
	return false
}

// IsZero reports whether the context carries no actor (anonymous).
func (c Context) IsZero() bool {
	return c.actorID == "" && c.role == "" && len(c.scopeIDs) == 0
}
