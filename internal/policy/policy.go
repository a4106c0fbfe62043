// Package policy decides what an actor may do.
//
// The evaluator is explicit application code rather than a storage-engine
// row policy: the unit of work binds the actor into the transaction's
// session state, operations read it back from there (store.Tx.Actor), and
// hand it to the evaluator. That keeps "bind context before any statement
// the evaluator must see" a testable contract instead of an ambient engine
// feature.
package policy

import (
	"github.com/muster-io/muster/internal/access"
	"github.com/muster-io/muster/internal/domain"
)

// Action names a guarded operation.
type Action string

const (
	ActionWindowOpen           Action = "window.open"
	ActionWindowClose          Action = "window.close"
	ActionAttendanceRecord     Action = "attendance.record"
	ActionAttendanceMark       Action = "attendance.mark"
	ActionDistributionConfirm  Action = "distribution.confirm"
	ActionDistributionAllocate Action = "distribution.allocate"
	ActionOfferingRecord       Action = "offering.record"
	ActionRosterManage         Action = "roster.manage"
)

// Evaluator is the rule evaluator consulted by every guarded operation.
//
// Implementations must be pure functions of the actor and action: the
// evaluator never touches storage, so a Forbidden decision can never be
// confused with a stale-context read.
type Evaluator interface {
	// Authorize returns a Forbidden error if the actor's role may not
	// perform the action at all.
	Authorize(actor access.Context, action Action) error

	// AuthorizeGroup returns a Forbidden error if the actor may not
	// perform the action against the given group. Admin-tier roles pass
	// for any group; group-scoped roles pass only within their scope.
	AuthorizeGroup(actor access.Context, action Action, groupID string) error
}

// RolePolicy is the default evaluator: a fixed decision table over the
// actor's role and scope.
type RolePolicy struct{}

// NewRolePolicy creates the default evaluator.
func NewRolePolicy() RolePolicy { return RolePolicy{} }

// roleAllowed is the decision table. A role missing from an action's row
// is denied.
func roleAllowed(role access.Role, action Action) bool {
	if role.AdminTier() {
		// Admin tier may perform every guarded action.
		return true
	}
	switch action {
	case ActionWindowOpen, ActionWindowClose, ActionRosterManage:
		return false
	case ActionAttendanceRecord, ActionAttendanceMark:
		return role.GroupScoped()
	case ActionDistributionConfirm, ActionDistributionAllocate:
		return role == access.RoleDistribution
	case ActionOfferingRecord:
		return role == access.RoleLeader || role == access.RoleAssistantLeader
	}
	return false
}

// Authorize implements Evaluator.
func (RolePolicy) Authorize(actor access.Context, action Action) error {
	if actor.IsZero() {
		return domain.Forbidden(string(action))
	}
	if !roleAllowed(actor.Role(), action) {
		return domain.Forbidden(string(action))
	}
	return nil
}

// AuthorizeGroup implements Evaluator.
func (p RolePolicy) AuthorizeGroup(actor access.Context, action Action, groupID string) error {
	if err := p.Authorize(actor, action); err != nil {
		return err
	}
	if actor.Role().AdminTier() {
		return nil
	}
	// The distribution role acts across groups once authorized.
	if actor.Role() == access.RoleDistribution {
		return nil
	}
	if !actor.InScope(groupID) {
		return domain.Forbidden(string(action))
	}
	return nil
}
