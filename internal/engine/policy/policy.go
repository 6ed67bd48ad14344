// Package policy decides which tasks an actor may change. Each rule is
// available both as an in-memory check and as a SQL predicate so the same
// rule can be enforced inside a conditional update.
package policy

import (
	"fmt"

	"taskboard/internal/domain"
)

// ForbiddenError indicates the actor's role does not allow the operation.
type ForbiddenError struct {
	Action string
}

func (e ForbiddenError) Error() string {
	if e.Action == "" {
		return "forbidden"
	}
	return fmt.Sprintf("not allowed to %s", e.Action)
}

type Policy interface {
	// CanModify reports whether the actor may change t. Tenant scoping is checked separately.
	CanModify(t domain.Task) bool
	// Predicate returns a WHERE fragment and its args expressing CanModify.
	// An empty clause means no restriction.
	Predicate() (string, []any)
	CanDelete() bool
}

// For returns the policy for the actor's role.
func For(a domain.Actor) (Policy, error) {
	switch a.Role {
	case domain.RoleAdmin:
		return Admin{}, nil
	case domain.RoleMember:
		if a.ID == "" {
			return nil, ForbiddenError{Action: "act without a user id"}
		}
		return Member{ActorID: a.ID}, nil
	default:
		return nil, ForbiddenError{Action: fmt.Sprintf("act with role %q", a.Role)}
	}
}

type Admin struct{}

func (Admin) CanModify(domain.Task) bool { return true }
func (Admin) Predicate() (string, []any) { return "", nil }
func (Admin) CanDelete() bool            { return true }

// Member may change tasks assigned to or created by them.
type Member struct {
	ActorID string
}

func (m Member) CanModify(t domain.Task) bool {
	return MayTransition(domain.RoleMember, m.ActorID, t.AssigneeID, t.CreatedBy)
}

func (m Member) Predicate() (string, []any) {
	return "(assignee_id=? OR created_by=?)", []any{m.ActorID, m.ActorID}
}

func (Member) CanDelete() bool { return false }

// MayTransition is the rule in plain form.
func MayTransition(role domain.Role, actorID string, assigneeID *string, creatorID string) bool {
	if role == domain.RoleAdmin {
		return true
	}
	if actorID == "" {
		return false
	}
	return creatorID == actorID || (assigneeID != nil && *assigneeID == actorID)
}
