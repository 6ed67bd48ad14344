package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"taskboard/internal/activity"
	"taskboard/internal/domain"
	"taskboard/internal/engine/policy"
	"taskboard/internal/repo"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	Actor       domain.Actor
	ProjectID   string
	Title       string
	Description string
	Priority    domain.Priority
	AssigneeID  string
	// DueDate is RFC3339; empty means none.
	DueDate string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (t domain.Task, err error) {
	ctx, end := e.span(ctx, "CreateTask", attribute.String("project.id", opts.ProjectID))
	defer func() { end(err) }()

	if _, err := policy.For(opts.Actor); err != nil {
		return t, err
	}
	opts.Title = strings.TrimSpace(opts.Title)
	if opts.Title == "" {
		return t, ValidationError{Field: "title", Reason: "title is required"}
	}
	if opts.ProjectID == "" {
		return t, ValidationError{Field: "project_id", Reason: "project id is required"}
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if !opts.Priority.Valid() {
		return t, ValidationError{Field: "priority", Reason: fmt.Sprintf("must be one of low, medium, high, critical (got %q)", opts.Priority)}
	}
	due, err := normalizeDueDate(opts.DueDate)
	if err != nil {
		return t, err
	}
	now := e.stamp()
	t = domain.Task{
		ID:             uuid.NewString(),
		OrganizationID: opts.Actor.OrganizationID,
		ProjectID:      opts.ProjectID,
		Title:          opts.Title,
		Description:    opts.Description,
		Priority:       opts.Priority,
		Status:         domain.StatusTodo,
		AssigneeID:     optionalString(opts.AssigneeID),
		CreatedBy:      opts.Actor.ID,
		DueDate:        due,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err = e.inTx(ctx, "create task", func(tx *sql.Tx) error {
		if _, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID, opts.Actor.OrganizationID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ValidationError{Field: "project_id", Reason: "invalid project id"}
			}
			return storageErr("read project", err)
		}
		if err := e.checkAssignee(ctx, tx, opts.AssigneeID, opts.Actor.OrganizationID); err != nil {
			return err
		}
		if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
			return storageErr("insert task", err)
		}
		return storageErr("record activity", e.Activity.Record(ctx, tx, activity.Entry{
			OrganizationID: t.OrganizationID,
			ActorID:        opts.Actor.ID,
			EntityType:     activity.EntityTask,
			EntityID:       t.ID,
			Detail:         activity.Created{Title: t.Title, ProjectID: t.ProjectID},
			CreatedAt:      now,
		}))
	})
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// GetTask reads a live task of the actor's organization.
func (e Engine) GetTask(ctx context.Context, actor domain.Actor, id string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id, actor.OrganizationID)
	if errors.Is(err, repo.ErrNotFound) {
		return t, fmt.Errorf("task %s: %w", id, repo.ErrNotFound)
	}
	if err != nil {
		return t, storageErr("read task", err)
	}
	return t, nil
}

// ListTasks pages through the actor's organization. filters.OrganizationID is overwritten.
func (e Engine) ListTasks(ctx context.Context, actor domain.Actor, filters repo.TaskFilters) (repo.TaskPage, error) {
	if filters.Status != "" && !domain.Status(filters.Status).Valid() {
		return repo.TaskPage{}, ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", filters.Status)}
	}
	if filters.Page < 0 || filters.Limit < 0 {
		return repo.TaskPage{}, ValidationError{Field: "page", Reason: "page and limit must be positive"}
	}
	filters.OrganizationID = actor.OrganizationID
	page, err := e.Repo.ListTasks(ctx, filters)
	if err != nil {
		return page, storageErr("list tasks", err)
	}
	return page, nil
}

// TaskUpdateOptions edit task fields. Nil fields are left unchanged; an
// empty AssigneeID or DueDate clears it.
type TaskUpdateOptions struct {
	ID              string
	Actor           domain.Actor
	ExpectedVersion int
	Title           *string
	Description     *string
	Priority        *domain.Priority
	AssigneeID      *string
	DueDate         *string
}

// UpdateTask applies a field edit through the same version guard and access
// predicate as TransitionStatus, and returns the stored task.
func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (t domain.Task, err error) {
	ctx, end := e.span(ctx, "UpdateTask",
		attribute.String("task.id", opts.ID),
		attribute.Int("task.expected_version", opts.ExpectedVersion),
	)
	defer func() { end(err) }()

	u, err := opts.fieldUpdate()
	if err != nil {
		return t, err
	}
	pol, err := policy.For(opts.Actor)
	if err != nil {
		return t, err
	}
	err = e.inTx(ctx, "update task", func(tx *sql.Tx) error {
		if u.AssigneeID != nil {
			if err := e.checkAssignee(ctx, tx, *u.AssigneeID, opts.Actor.OrganizationID); err != nil {
				return err
			}
		}
		now := e.stamp()
		u.UpdatedAt = now
		clause, args := pol.Predicate()
		n, err := e.Repo.ConditionalUpdateFields(ctx, tx, u, clause, args)
		if err != nil {
			return storageErr("update task", err)
		}
		if n == 0 {
			return e.classifyMiss(ctx, tx, opts.ID, opts.Actor, pol, opts.ExpectedVersion)
		}
		if err := e.Activity.Record(ctx, tx, activity.Entry{
			OrganizationID: opts.Actor.OrganizationID,
			ActorID:        opts.Actor.ID,
			EntityType:     activity.EntityTask,
			EntityID:       opts.ID,
			Detail:         activity.Updated{OldVersion: opts.ExpectedVersion, Fields: u.Changes()},
			CreatedAt:      now,
		}); err != nil {
			return storageErr("record activity", err)
		}
		t, err = e.Repo.GetTaskTx(ctx, tx, opts.ID, opts.Actor.OrganizationID)
		return storageErr("read task", err)
	})
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (o TaskUpdateOptions) fieldUpdate() (repo.FieldUpdate, error) {
	u := repo.FieldUpdate{
		ID:              o.ID,
		OrganizationID:  o.Actor.OrganizationID,
		ExpectedVersion: o.ExpectedVersion,
		Description:     o.Description,
		Priority:        o.Priority,
		AssigneeID:      o.AssigneeID,
	}
	if o.ID == "" {
		return u, ValidationError{Field: "id", Reason: "task id is required"}
	}
	if o.ExpectedVersion < 1 {
		return u, ValidationError{Field: "version", Reason: "version is required and must be at least 1"}
	}
	if o.Title != nil {
		title := strings.TrimSpace(*o.Title)
		if title == "" {
			return u, ValidationError{Field: "title", Reason: "title cannot be empty"}
		}
		u.Title = &title
	}
	if o.Priority != nil && !o.Priority.Valid() {
		return u, ValidationError{Field: "priority", Reason: fmt.Sprintf("must be one of low, medium, high, critical (got %q)", *o.Priority)}
	}
	if o.DueDate != nil {
		due, err := normalizeDueDate(*o.DueDate)
		if err != nil {
			return u, err
		}
		cleared := ""
		if due == nil {
			due = &cleared
		}
		u.DueDate = due
	}
	if u.Empty() {
		return u, ValidationError{Reason: "no fields to update"}
	}
	return u, nil
}

// DeleteTask soft-deletes a task. Admins only.
func (e Engine) DeleteTask(ctx context.Context, actor domain.Actor, id string) (err error) {
	ctx, end := e.span(ctx, "DeleteTask", attribute.String("task.id", id))
	defer func() { end(err) }()

	pol, err := policy.For(actor)
	if err != nil {
		return err
	}
	if !pol.CanDelete() {
		return policy.ForbiddenError{Action: "delete task"}
	}
	if id == "" {
		return ValidationError{Field: "id", Reason: "task id is required"}
	}
	return e.inTx(ctx, "delete task", func(tx *sql.Tx) error {
		now := e.stamp()
		if err := e.Repo.SoftDeleteTask(ctx, tx, id, actor.OrganizationID, now); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("task %s: %w", id, repo.ErrNotFound)
			}
			return storageErr("delete task", err)
		}
		return storageErr("record activity", e.Activity.Record(ctx, tx, activity.Entry{
			OrganizationID: actor.OrganizationID,
			ActorID:        actor.ID,
			EntityType:     activity.EntityTask,
			EntityID:       id,
			Detail:         activity.Deleted{DeletedAt: now},
			CreatedAt:      now,
		}))
	})
}

// StatusCounts returns live task counts per board column.
func (e Engine) StatusCounts(ctx context.Context, actor domain.Actor, projectID string) (map[domain.Status]int, error) {
	counts, err := e.Repo.CountTasksByStatus(ctx, actor.OrganizationID, projectID)
	if err != nil {
		return nil, storageErr("count tasks", err)
	}
	return counts, nil
}

func (e Engine) checkAssignee(ctx context.Context, tx *sql.Tx, assigneeID, orgID string) error {
	if assigneeID == "" {
		return nil
	}
	ok, err := e.Repo.UserExistsTx(ctx, tx, assigneeID, orgID)
	if err != nil {
		return storageErr("read assignee", err)
	}
	if !ok {
		return ValidationError{Field: "assignee_id", Reason: "unknown user"}
	}
	return nil
}

func normalizeDueDate(s string) (*string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, ValidationError{Field: "due_date", Reason: "must be an RFC3339 timestamp"}
	}
	v := ts.UTC().Format(time.RFC3339)
	return &v, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
