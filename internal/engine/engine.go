package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/attribute"

	"taskboard/internal/activity"
	"taskboard/internal/db"
	"taskboard/internal/domain"
	"taskboard/internal/engine/policy"
	"taskboard/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Activity activity.Log
	Now      func() time.Time
	Logger   *log.Logger

	metrics *metrics
}

func New(conn *sql.DB, dialect string, logger *log.Logger) Engine {
	return Engine{
		DB:       conn,
		Repo:     repo.Repo{DB: conn, Dialect: dialect},
		Activity: activity.Log{DB: conn},
		Now:      time.Now,
		Logger:   logger,
		metrics:  newMetrics(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// inTx runs fn in its own transaction, retrying the whole unit while the store
// reports transient contention. fn's writes commit only when it returns nil.
func (e Engine) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return db.WithRetry(ctx, func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return storageErr(op+": begin", err)
		}
		defer tx.Rollback()
		if err := fn(tx); err != nil {
			return err
		}
		return storageErr(op+": commit", tx.Commit())
	})
}

// TransitionRequest asks to move a task to Status, given the version the caller last saw.
type TransitionRequest struct {
	TaskID          string
	Actor           domain.Actor
	Status          domain.Status
	ExpectedVersion int
}

type TransitionResult struct {
	TaskID      string
	Status      domain.Status
	Version     int
	CompletedAt *string
}

func (r TransitionRequest) validate() error {
	if r.TaskID == "" {
		return ValidationError{Field: "id", Reason: "task id is required"}
	}
	if !r.Status.Valid() {
		return ValidationError{Field: "status", Reason: fmt.Sprintf("must be one of todo, in_progress, review, done (got %q)", r.Status)}
	}
	if r.ExpectedVersion < 1 {
		return ValidationError{Field: "version", Reason: "version is required and must be at least 1"}
	}
	return nil
}

// TransitionStatus moves a task to a new board column under optimistic
// concurrency. Exactly one caller per observed version succeeds; the rest get
// a ConflictError. The status_updated activity entry commits with the change.
func (e Engine) TransitionStatus(ctx context.Context, req TransitionRequest) (res TransitionResult, err error) {
	ctx, end := e.span(ctx, "TransitionStatus",
		attribute.String("task.id", req.TaskID),
		attribute.String("task.status", string(req.Status)),
		attribute.Int("task.expected_version", req.ExpectedVersion),
	)
	defer func() {
		e.recordTransition(ctx, err)
		end(err)
	}()

	if err := req.validate(); err != nil {
		return res, err
	}
	pol, err := policy.For(req.Actor)
	if err != nil {
		return res, err
	}
	err = e.inTx(ctx, "transition status", func(tx *sql.Tx) error {
		now := e.stamp()
		var completedAt *string
		if req.Status == domain.StatusDone {
			completedAt = &now
		}
		clause, args := pol.Predicate()
		n, err := e.Repo.ConditionalUpdateStatus(ctx, tx, repo.StatusUpdate{
			ID:              req.TaskID,
			OrganizationID:  req.Actor.OrganizationID,
			Status:          req.Status,
			ExpectedVersion: req.ExpectedVersion,
			CompletedAt:     completedAt,
			UpdatedAt:       now,
		}, clause, args)
		if err != nil {
			return storageErr("update task status", err)
		}
		if n == 0 {
			return e.classifyMiss(ctx, tx, req.TaskID, req.Actor, pol, req.ExpectedVersion)
		}
		if err := e.Activity.Record(ctx, tx, activity.Entry{
			OrganizationID: req.Actor.OrganizationID,
			ActorID:        req.Actor.ID,
			EntityType:     activity.EntityTask,
			EntityID:       req.TaskID,
			Detail:         activity.StatusUpdated{OldVersion: req.ExpectedVersion, NewStatus: string(req.Status)},
			CreatedAt:      now,
		}); err != nil {
			return storageErr("record activity", err)
		}
		res = TransitionResult{
			TaskID:      req.TaskID,
			Status:      req.Status,
			Version:     req.ExpectedVersion + 1,
			CompletedAt: completedAt,
		}
		return nil
	})
	if err != nil {
		return TransitionResult{}, err
	}
	return res, nil
}

// classifyMiss explains why a guarded update matched no row. Order matters:
// a missing task hides everything else, and a member without rights learns
// nothing about the version.
func (e Engine) classifyMiss(ctx context.Context, tx *sql.Tx, taskID string, actor domain.Actor, pol policy.Policy, expected int) error {
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID, actor.OrganizationID)
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("task %s: %w", taskID, repo.ErrNotFound)
	}
	if err != nil {
		return storageErr("classify task", err)
	}
	if !pol.CanModify(t) {
		return policy.ForbiddenError{Action: "modify task " + taskID}
	}
	e.log().Debug("version conflict", "task", taskID, "expected", expected, "current", t.Version)
	return ConflictError{TaskID: taskID, Expected: expected, Current: t.Version}
}
