package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"taskboard/internal/activity"
	"taskboard/internal/domain"
	"taskboard/internal/engine/policy"
	"taskboard/internal/repo"
)

const projectStatusActive = "active"

func (e Engine) CreateProject(ctx context.Context, actor domain.Actor, name, description string) (p domain.Project, err error) {
	ctx, end := e.span(ctx, "CreateProject")
	defer func() { end(err) }()

	if _, err := policy.For(actor); err != nil {
		return p, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return p, ValidationError{Field: "name", Reason: "project name is required"}
	}
	now := e.stamp()
	p = domain.Project{
		ID:             uuid.NewString(),
		OrganizationID: actor.OrganizationID,
		Name:           name,
		Description:    description,
		Status:         projectStatusActive,
		CreatedBy:      actor.ID,
		CreatedAt:      now,
	}
	err = e.inTx(ctx, "create project", func(tx *sql.Tx) error {
		if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
			return storageErr("insert project", err)
		}
		return storageErr("record activity", e.Activity.Record(ctx, tx, activity.Entry{
			OrganizationID: actor.OrganizationID,
			ActorID:        actor.ID,
			EntityType:     activity.EntityProject,
			EntityID:       p.ID,
			Detail:         activity.ProjectCreated{Name: p.Name},
			CreatedAt:      now,
		}))
	})
	if err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) GetProject(ctx context.Context, actor domain.Actor, id string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, id, actor.OrganizationID)
	if errors.Is(err, repo.ErrNotFound) {
		return p, fmt.Errorf("project %s: %w", id, repo.ErrNotFound)
	}
	return p, storageErr("read project", err)
}

func (e Engine) ListProjects(ctx context.Context, actor domain.Actor, page, limit int) (repo.ProjectPage, error) {
	if page < 0 || limit < 0 {
		return repo.ProjectPage{}, ValidationError{Field: "page", Reason: "page and limit must be positive"}
	}
	res, err := e.Repo.ListProjects(ctx, actor.OrganizationID, page, limit)
	return res, storageErr("list projects", err)
}

// DeleteProject soft-deletes a project and its tasks. Admins only. Each
// cascaded task gets its own deleted entry ahead of the project's.
func (e Engine) DeleteProject(ctx context.Context, actor domain.Actor, id string) (err error) {
	ctx, end := e.span(ctx, "DeleteProject", attribute.String("project.id", id))
	defer func() { end(err) }()

	pol, err := policy.For(actor)
	if err != nil {
		return err
	}
	if !pol.CanDelete() {
		return policy.ForbiddenError{Action: "delete project"}
	}
	return e.inTx(ctx, "delete project", func(tx *sql.Tx) error {
		now := e.stamp()
		taskIDs, err := e.Repo.SoftDeleteProject(ctx, tx, id, actor.OrganizationID, now)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("project %s: %w", id, repo.ErrNotFound)
			}
			return storageErr("delete project", err)
		}
		for _, taskID := range taskIDs {
			if err := e.Activity.Record(ctx, tx, activity.Entry{
				OrganizationID: actor.OrganizationID,
				ActorID:        actor.ID,
				EntityType:     activity.EntityTask,
				EntityID:       taskID,
				Detail:         activity.Deleted{DeletedAt: now},
				CreatedAt:      now,
			}); err != nil {
				return storageErr("record activity", err)
			}
		}
		return storageErr("record activity", e.Activity.Record(ctx, tx, activity.Entry{
			OrganizationID: actor.OrganizationID,
			ActorID:        actor.ID,
			EntityType:     activity.EntityProject,
			EntityID:       id,
			Detail:         activity.ProjectDeleted{DeletedAt: now},
			CreatedAt:      now,
		}))
	})
}

// CreateOrganization provisions a tenant. It is idempotent on id.
func (e Engine) CreateOrganization(ctx context.Context, id, name string) (domain.Organization, error) {
	if id == "" {
		id = uuid.NewString()
	}
	err := e.inTx(ctx, "create organization", func(tx *sql.Tx) error {
		return storageErr("insert organization", e.Repo.EnsureOrg(ctx, tx, id, name, e.stamp()))
	})
	if err != nil {
		return domain.Organization{}, err
	}
	o, err := e.Repo.GetOrg(ctx, id)
	return o, storageErr("read organization", err)
}

// AddUser provisions a user in an existing organization.
func (e Engine) AddUser(ctx context.Context, u domain.User) (domain.User, error) {
	u.Username = strings.TrimSpace(u.Username)
	if u.Username == "" {
		return u, ValidationError{Field: "username", Reason: "username is required"}
	}
	if _, err := mail.ParseAddress(u.Email); err != nil {
		return u, ValidationError{Field: "email", Reason: "invalid email address"}
	}
	if u.Role == "" {
		u.Role = domain.RoleMember
	}
	if !u.Role.Valid() {
		return u, ValidationError{Field: "role", Reason: fmt.Sprintf("must be admin or member (got %q)", u.Role)}
	}
	if _, err := e.Repo.GetOrg(ctx, u.OrganizationID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return u, ValidationError{Field: "organization_id", Reason: "unknown organization"}
		}
		return u, storageErr("read organization", err)
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.CreatedAt = e.stamp()
	err := e.inTx(ctx, "add user", func(tx *sql.Tx) error {
		return storageErr("insert user", e.Repo.InsertUserTx(ctx, tx, u))
	})
	if err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// ListUsers returns the members of the actor's organization.
func (e Engine) ListUsers(ctx context.Context, actor domain.Actor) ([]domain.User, error) {
	users, err := e.Repo.ListUsers(ctx, actor.OrganizationID)
	return users, storageErr("list users", err)
}

// ListActivity reads the actor's organization log, newest first.
func (e Engine) ListActivity(ctx context.Context, actor domain.Actor, f activity.Filter) ([]domain.ActivityEntry, error) {
	if f.EntityType != "" && f.EntityType != activity.EntityTask && f.EntityType != activity.EntityProject {
		return nil, ValidationError{Field: "entity_type", Reason: "must be task or project"}
	}
	if f.Limit > repo.MaxPageLimit {
		f.Limit = repo.MaxPageLimit
	}
	f.OrganizationID = actor.OrganizationID
	entries, err := e.Activity.List(ctx, f)
	return entries, storageErr("list activity", err)
}
