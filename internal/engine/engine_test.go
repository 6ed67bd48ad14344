package engine_test

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"taskboard/internal/activity"
	"taskboard/internal/db"
	"taskboard/internal/domain"
	"taskboard/internal/engine"
	"taskboard/internal/engine/policy"
	"taskboard/internal/migrate"
	"taskboard/internal/repo"
)

var (
	admin    = domain.Actor{ID: "a1", OrganizationID: "org-1", Role: domain.RoleAdmin}
	creator  = domain.Actor{ID: "u1", OrganizationID: "org-1", Role: domain.RoleMember}
	assignee = domain.Actor{ID: "u2", OrganizationID: "org-1", Role: domain.RoleMember}
	outsider = domain.Actor{ID: "u3", OrganizationID: "org-1", Role: domain.RoleMember}
	foreign  = domain.Actor{ID: "b1", OrganizationID: "org-2", Role: domain.RoleAdmin}
)

type testEnv struct {
	Engine  engine.Engine
	Ctx     context.Context
	Project domain.Project
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "taskboard.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, dialect))

	eng := engine.New(conn, dialect, log.New(io.Discard))
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	for _, org := range []string{"org-1", "org-2"} {
		_, err := eng.CreateOrganization(ctx, org, org)
		require.NoError(t, err)
	}
	for _, a := range []domain.Actor{admin, creator, assignee, outsider, foreign} {
		_, err := eng.AddUser(ctx, domain.User{
			ID:             a.ID,
			OrganizationID: a.OrganizationID,
			Username:       a.ID,
			Email:          a.ID + "@example.com",
			Role:           a.Role,
		})
		require.NoError(t, err)
	}
	p, err := eng.CreateProject(ctx, admin, "Board", "")
	require.NoError(t, err)
	return testEnv{Engine: eng, Ctx: ctx, Project: p}
}

func (env testEnv) newTask(t *testing.T) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Actor:      creator,
		ProjectID:  env.Project.ID,
		Title:      "Write docs",
		AssigneeID: assignee.ID,
	})
	require.NoError(t, err)
	return task
}

func (env testEnv) activityFor(t *testing.T, taskID string) []domain.ActivityEntry {
	t.Helper()
	entries, err := env.Engine.Activity.List(env.Ctx, activity.Filter{OrganizationID: "org-1", EntityID: taskID})
	require.NoError(t, err)
	return entries
}

func (env testEnv) reload(t *testing.T, id string) domain.Task {
	t.Helper()
	task, err := env.Engine.GetTask(env.Ctx, admin, id)
	require.NoError(t, err)
	return task
}

func TestCreateTaskDefaults(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t)

	assert.Equal(t, 1, task.Version)
	assert.Equal(t, domain.StatusTodo, task.Status)
	assert.Equal(t, domain.PriorityMedium, task.Priority)
	assert.Nil(t, task.CompletedAt)
	assert.Equal(t, creator.ID, task.CreatedBy)

	entries := env.activityFor(t, task.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, activity.ActionCreated, entries[0].Action)
}

func TestTransitionSucceeds(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t)

	res, err := env.Engine.TransitionStatus(env.Ctx, engine.TransitionRequest{
		TaskID: task.ID, Actor: assignee, Status: domain.StatusInProgress, ExpectedVersion: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Version)
	assert.Equal(t, domain.StatusInProgress, res.Status)
	assert.Nil(t, res.CompletedAt)

	stored := env.reload(t, task.ID)
	assert.Equal(t, 2, stored.Version)
	assert.Equal(t, domain.StatusInProgress, stored.Status)
	assert.Nil(t, stored.CompletedAt)
}

func TestStaleVersionConflicts(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t)
	_, err := env.Engine.TransitionStatus(env.Ctx, engine.TransitionRequest{
		TaskID: task.ID, Actor: assignee, Status: domain.StatusInProgress, ExpectedVersion: 1,
	})
	require.NoError(t, err)
	before := len(env.activityFor(t, task.ID))

	_, err = env.Engine.TransitionStatus(env.Ctx, engine.TransitionRequest{
		TaskID: task.ID, Actor: assignee, Status: domain.StatusReview, ExpectedVersion: 1,
	})
	require.ErrorIs(t, err, engine.ErrVersionConflict)
	var ce engine.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 1, ce.Expected)
	assert.Equal(t, 2, ce.Current)

	stored := env.reload(t, task.ID)
	assert.Equal(t, 2, stored.Version)
	assert.Equal(t, domain.StatusInProgress, stored.Status)
	assert.Len(t, env.activityFor(t, task.ID), before)
}

func TestUnrelatedMemberForbidden(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t)

	for _, status := range domain.Statuses {
		_, err := env.Engine.TransitionStatus(env.Ctx, engine.TransitionRequest{
			TaskID: task.ID, Actor: outsider, Status: status, ExpectedVersion: 1,
		})
		var fe policy.ForbiddenError
		require.ErrorAs(t, err, &fe, "status %s", status)
	}
	// forbidden wins over a stale version
	_, err := env.Engine.TransitionStatus(env.Ctx, engine.TransitionRequest{
		TaskID: task.ID, Actor: outsider, Status: domain.StatusDone, ExpectedVersion: 7,
	})
	var fe policy.ForbiddenError
	require.ErrorAs(t, err, &fe)

	assert.Equal(t, 1, env.reload(t, task.ID).Version)
	assert.Len(t, env.activityFor(t, task.ID), 1)
}

func TestCreatorAndAdminMayTransition(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t)

	res, err := env.Engine.TransitionStatus(env.Ctx, engine.TransitionRequest{
		TaskID: task.ID, Actor: creator, Status: domain.StatusReview, ExpectedVersion: 1,
	})
	require.NoError(t, err)
	res, err = env.Engine.TransitionStatus(env.Ctx, engine.TransitionRequest{
		TaskID: task.ID, Actor: admin, Status: domain.StatusTodo, ExpectedVersion: res.Version,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Version)
}

func TestDoneSetsAndClearsCompletedAt(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t)

	res, err := env.Engine.TransitionStatus(env.Ctx, engine.TransitionRequest{
		TaskID: task.ID, Actor: assignee, Status: domain.StatusDone, ExpectedVersion: 1,
	})
	require.NoError(t, err)
	require.NotNil(t, res.CompletedAt)
	stored := env.reload(t, task.ID)
	require.NotNil(t, stored.CompletedAt)
	assert.Equal(t, "2024-01-01T00:00:00Z", *stored.CompletedAt)

	res, err = env.Engine.TransitionStatus(env.Ctx, engine.TransitionRequest{
		TaskID: task.ID, Actor: assignee, Status: domain.StatusTodo, ExpectedVersion: res.Version,
	})
	require.NoError(t, err)
	assert.Nil(t, res.CompletedAt)
	stored = env.reload(t, task.ID)
	assert.Nil(t, stored.CompletedAt)
	assert.Equal(t, domain.StatusTodo, stored.Status)
}

func TestCompletedAtConstraintEnforcedByStore(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t)
	_, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE tasks SET status='done' WHERE id=?`, task.ID)
	require.Error(t, err)
}

func TestOtherOrganizationSeesNotFound(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t)

	_, err := env.Engine.TransitionStatus(env.Ctx, engine.TransitionRequest{
		TaskID: task.ID, Actor: foreign, Status: domain.StatusDone, ExpectedVersion: 1,
	})
	require.ErrorIs(t, err, repo.ErrNotFound)

	_, err = env.Engine.GetTask(env.Ctx, foreign, task.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)
	assert.Equal(t, 1, env.reload(t, task.ID).Version)
}

func TestTransitionWritesOneActivityEntry(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t)

	_, err := env.Engine.TransitionStatus(env.Ctx, engine.TransitionRequest{
		TaskID: task.ID, Actor: assignee, Status: domain.StatusReview, ExpectedVersion: 1,
	})
	require.NoError(t, err)

	entries, err := env.Engine.Activity.List(env.Ctx, activity.Filter{
		OrganizationID: "org-1", EntityID: task.ID, Action: activity.ActionStatusUpdated,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, assignee.ID, entries[0].ActorID)

	d, err := activity.DecodeDetail(entries[0].Action, entries[0].Details)
	require.NoError(t, err)
	assert.Equal(t, activity.StatusUpdated{OldVersion: 1, NewStatus: "review"}, d)
}

func TestConcurrentTransitionsOneWinner(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t)

	const attempts = 8
	var wins, conflicts atomic.Int32
	var g errgroup.Group
	for i := 0; i < attempts; i++ {
		status := domain.Statuses[i%len(domain.Statuses)]
		g.Go(func() error {
			_, err := env.Engine.TransitionStatus(env.Ctx, engine.TransitionRequest{
				TaskID: task.ID, Actor: assignee, Status: status, ExpectedVersion: 1,
			})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, engine.ErrVersionConflict):
				conflicts.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(attempts-1), conflicts.Load())
	assert.Equal(t, 2, env.reload(t, task.ID).Version)

	entries, err := env.Engine.Activity.List(env.Ctx, activity.Filter{
		OrganizationID: "org-1", EntityID: task.ID, Action: activity.ActionStatusUpdated,
	})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSameStatusStillBumpsVersion(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t)
	res, err := env.Engine.TransitionStatus(env.Ctx, engine.TransitionRequest{
		TaskID: task.ID, Actor: assignee, Status: domain.StatusTodo, ExpectedVersion: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Version)
}

func TestTransitionValidation(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t)

	cases := []struct {
		name  string
		req   engine.TransitionRequest
		field string
	}{
		{"unknown status", engine.TransitionRequest{TaskID: task.ID, Actor: admin, Status: "archived", ExpectedVersion: 1}, "status"},
		{"missing version", engine.TransitionRequest{TaskID: task.ID, Actor: admin, Status: domain.StatusDone}, "version"},
		{"negative version", engine.TransitionRequest{TaskID: task.ID, Actor: admin, Status: domain.StatusDone, ExpectedVersion: -1}, "version"},
		{"missing id", engine.TransitionRequest{Actor: admin, Status: domain.StatusDone, ExpectedVersion: 1}, "id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.TransitionStatus(env.Ctx, tc.req)
			var ve engine.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
	assert.Equal(t, 1, env.reload(t, task.ID).Version)
}

func TestSoftDeletedTaskIsGone(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t)

	err := env.Engine.DeleteTask(env.Ctx, creator, task.ID)
	var fe policy.ForbiddenError
	require.ErrorAs(t, err, &fe)

	require.NoError(t, env.Engine.DeleteTask(env.Ctx, admin, task.ID))
	_, err = env.Engine.GetTask(env.Ctx, admin, task.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.Engine.TransitionStatus(env.Ctx, engine.TransitionRequest{
		TaskID: task.ID, Actor: admin, Status: domain.StatusDone, ExpectedVersion: 1,
	})
	require.ErrorIs(t, err, repo.ErrNotFound)
	require.ErrorIs(t, env.Engine.DeleteTask(env.Ctx, admin, task.ID), repo.ErrNotFound)

	page, err := env.Engine.ListTasks(env.Ctx, admin, repo.TaskFilters{ProjectID: env.Project.ID})
	require.NoError(t, err)
	assert.Zero(t, page.Total)

	entries := env.activityFor(t, task.ID)
	require.NotEmpty(t, entries)
	assert.Equal(t, activity.ActionDeleted, entries[0].Action)
}

func TestUpdateTaskIsVersionGuarded(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t)

	title := "Write better docs"
	prio := domain.PriorityHigh
	updated, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID: task.ID, Actor: assignee, ExpectedVersion: 1, Title: &title, Priority: &prio,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, title, updated.Title)
	assert.Equal(t, domain.PriorityHigh, updated.Priority)

	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID: task.ID, Actor: assignee, ExpectedVersion: 1, Title: &title,
	})
	require.ErrorIs(t, err, engine.ErrVersionConflict)

	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID: task.ID, Actor: outsider, ExpectedVersion: 2, Title: &title,
	})
	var fe policy.ForbiddenError
	require.ErrorAs(t, err, &fe)

	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Actor: assignee, ExpectedVersion: 2})
	var ve engine.ValidationError
	require.ErrorAs(t, err, &ve)

	entries, err := env.Engine.Activity.List(env.Ctx, activity.Filter{
		OrganizationID: "org-1", EntityID: task.ID, Action: activity.ActionUpdated,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	d, err := activity.DecodeDetail(entries[0].Action, entries[0].Details)
	require.NoError(t, err)
	assert.Equal(t, 1, d.(activity.Updated).OldVersion)
	assert.Equal(t, "high", d.(activity.Updated).Fields["priority"])
}

func TestUpdateTaskClearsAssigneeAndDueDate(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Actor:      creator,
		ProjectID:  env.Project.ID,
		Title:      "Release",
		AssigneeID: assignee.ID,
		DueDate:    "2024-02-01T12:00:00+02:00",
	})
	require.NoError(t, err)
	require.NotNil(t, task.DueDate)
	assert.Equal(t, "2024-02-01T10:00:00Z", *task.DueDate)

	empty := ""
	updated, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID: task.ID, Actor: creator, ExpectedVersion: 1, AssigneeID: &empty, DueDate: &empty,
	})
	require.NoError(t, err)
	assert.Nil(t, updated.AssigneeID)
	assert.Nil(t, updated.DueDate)
}

func TestCreateTaskRejectsForeignProject(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Actor: foreign, ProjectID: env.Project.ID, Title: "x",
	})
	var ve engine.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "project_id", ve.Field)

	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Actor: creator, ProjectID: env.Project.ID, Title: "x", AssigneeID: foreign.ID,
	})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "assignee_id", ve.Field)

	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Actor: creator, ProjectID: env.Project.ID, Title: "x", Priority: "urgent",
	})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "priority", ve.Field)
}

func TestListTasksPaginates(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 12; i++ {
		env.newTask(t)
	}
	page, err := env.Engine.ListTasks(env.Ctx, creator, repo.TaskFilters{ProjectID: env.Project.ID})
	require.NoError(t, err)
	assert.Equal(t, 12, page.Total)
	assert.Len(t, page.Tasks, 10)

	page, err = env.Engine.ListTasks(env.Ctx, creator, repo.TaskFilters{ProjectID: env.Project.ID, Page: 2, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, page.Tasks, 2)

	page, err = env.Engine.ListTasks(env.Ctx, foreign, repo.TaskFilters{})
	require.NoError(t, err)
	assert.Zero(t, page.Total)

	_, err = env.Engine.ListTasks(env.Ctx, creator, repo.TaskFilters{Status: "blocked"})
	var ve engine.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestDeleteProjectHidesTasks(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t)

	err := env.Engine.DeleteProject(env.Ctx, creator, env.Project.ID)
	var fe policy.ForbiddenError
	require.ErrorAs(t, err, &fe)

	require.NoError(t, env.Engine.DeleteProject(env.Ctx, admin, env.Project.ID))
	_, err = env.Engine.GetTask(env.Ctx, admin, task.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)

	deleted, err := env.Engine.Activity.List(env.Ctx, activity.Filter{OrganizationID: "org-1", EntityType: activity.EntityTask, EntityID: task.ID, Action: activity.ActionDeleted})
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, admin.ID, deleted[0].ActorID)
	assert.JSONEq(t, `{"deletedAt":"2024-01-01T00:00:00Z"}`, deleted[0].Details)
	projectDeleted, err := env.Engine.Activity.List(env.Ctx, activity.Filter{OrganizationID: "org-1", EntityType: activity.EntityProject, EntityID: env.Project.ID, Action: activity.ActionProjectDeleted})
	require.NoError(t, err)
	require.Len(t, projectDeleted, 1)
	assert.Greater(t, projectDeleted[0].ID, deleted[0].ID)
	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Actor: creator, ProjectID: env.Project.ID, Title: "late"})
	var ve engine.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestTransitionRollsBackWhenActivityWriteFails(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t)
	_, err := env.Engine.DB.ExecContext(env.Ctx, `CREATE TRIGGER activity_logs_reject BEFORE INSERT ON activity_logs
BEGIN SELECT RAISE(ABORT, 'activity log unavailable'); END`)
	require.NoError(t, err)

	_, err = env.Engine.TransitionStatus(env.Ctx, engine.TransitionRequest{TaskID: task.ID, Actor: assignee, Status: domain.StatusDone, ExpectedVersion: 1})
	var se engine.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "error", engine.Outcome(err))

	got, err := env.Engine.GetTask(env.Ctx, admin, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, domain.StatusTodo, got.Status)
	assert.Nil(t, got.CompletedAt)

	entries, err := env.Engine.Activity.List(env.Ctx, activity.Filter{OrganizationID: "org-1", EntityID: task.ID, Action: activity.ActionStatusUpdated})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestActivityLogIsAppendOnly(t *testing.T) {
	env := newTestEnv(t)
	env.newTask(t)
	_, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE activity_logs SET action='tampered'`)
	require.Error(t, err)
	_, err = env.Engine.DB.ExecContext(env.Ctx, `DELETE FROM activity_logs`)
	require.Error(t, err)
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", engine.Outcome(nil))
	assert.Equal(t, "invalid", engine.Outcome(engine.ValidationError{Field: "status"}))
	assert.Equal(t, "not_found", engine.Outcome(repo.ErrNotFound))
	assert.Equal(t, "forbidden", engine.Outcome(policy.ForbiddenError{}))
	assert.Equal(t, "conflict", engine.Outcome(engine.ConflictError{}))
	assert.Equal(t, "error", engine.Outcome(engine.StorageError{Op: "x", Err: errors.New("boom")}))
}
