package activity

import (
	"encoding/json"
	"fmt"
)

const (
	EntityTask    = "task"
	EntityProject = "project"
)

const (
	ActionCreated        = "created"
	ActionStatusUpdated  = "status_updated"
	ActionUpdated        = "updated"
	ActionDeleted        = "deleted"
	ActionProjectCreated = "project_created"
	ActionProjectDeleted = "project_deleted"
)

// Detail is the typed payload of an activity entry. Each variant owns its action tag.
type Detail interface {
	Action() string
}

type Created struct {
	Title     string `json:"title"`
	ProjectID string `json:"projectId"`
}

type StatusUpdated struct {
	OldVersion int    `json:"oldVersion"`
	NewStatus  string `json:"newStatus"`
}

type Updated struct {
	OldVersion int            `json:"oldVersion"`
	Fields     map[string]any `json:"fields"`
}

type Deleted struct {
	DeletedAt string `json:"deletedAt"`
}

type ProjectCreated struct {
	Name string `json:"name"`
}

type ProjectDeleted struct {
	DeletedAt string `json:"deletedAt"`
}

func (Created) Action() string        { return ActionCreated }
func (StatusUpdated) Action() string  { return ActionStatusUpdated }
func (Updated) Action() string        { return ActionUpdated }
func (Deleted) Action() string        { return ActionDeleted }
func (ProjectCreated) Action() string { return ActionProjectCreated }
func (ProjectDeleted) Action() string { return ActionProjectDeleted }

// DecodeDetail turns a stored (action, payload) pair back into its variant.
func DecodeDetail(action, payload string) (Detail, error) {
	var d Detail
	switch action {
	case ActionCreated:
		d = &Created{}
	case ActionStatusUpdated:
		d = &StatusUpdated{}
	case ActionUpdated:
		d = &Updated{}
	case ActionDeleted:
		d = &Deleted{}
	case ActionProjectCreated:
		d = &ProjectCreated{}
	case ActionProjectDeleted:
		d = &ProjectDeleted{}
	default:
		return nil, fmt.Errorf("unknown activity action %q", action)
	}
	if err := json.Unmarshal([]byte(payload), d); err != nil {
		return nil, fmt.Errorf("decode %s detail: %w", action, err)
	}
	return deref(d), nil
}

func deref(d Detail) Detail {
	switch v := d.(type) {
	case *Created:
		return *v
	case *StatusUpdated:
		return *v
	case *Updated:
		return *v
	case *Deleted:
		return *v
	case *ProjectCreated:
		return *v
	case *ProjectDeleted:
		return *v
	}
	return d
}
