package domain

import "slices"

type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
)

// Statuses lists board columns in display order.
var Statuses = []Status{StatusTodo, StatusInProgress, StatusReview, StatusDone}

func (s Status) Valid() bool {
	return slices.Contains(Statuses, s)
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}

func (p Priority) Valid() bool {
	return slices.Contains(Priorities, p)
}

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleMember
}

// Actor is the authenticated request principal.
type Actor struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Role           Role   `json:"role"`
}

type Organization struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type User struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Username       string `json:"username"`
	Email          string `json:"email"`
	Role           Role   `json:"role" enum:"admin,member"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type Project struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	Status         string `json:"status"`
	CreatedBy      string `json:"created_by"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type Task struct {
	ID             string   `json:"id"`
	OrganizationID string   `json:"organization_id"`
	ProjectID      string   `json:"project_id"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Priority       Priority `json:"priority" enum:"low,medium,high,critical"`
	Status         Status   `json:"status" enum:"todo,in_progress,review,done"`
	AssigneeID     *string  `json:"assignee_id,omitempty"`
	CreatedBy      string   `json:"created_by"`
	DueDate        *string  `json:"due_date,omitempty" format:"date-time"`
	CompletedAt    *string  `json:"completed_at,omitempty" format:"date-time"`
	Version        int      `json:"version"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
}

// IsAssignee reports whether actorID is the task's assignee.
func (t Task) IsAssignee(actorID string) bool {
	return t.AssigneeID != nil && *t.AssigneeID == actorID
}

type ActivityEntry struct {
	ID             int64  `json:"id"`
	OrganizationID string `json:"organization_id"`
	ActorID        string `json:"actor_id"`
	EntityType     string `json:"entity_type" enum:"task,project"`
	EntityID       string `json:"entity_id"`
	Action         string `json:"action"`
	Details        string `json:"details"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}
