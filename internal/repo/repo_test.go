package repo

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/internal/db"
	"taskboard/internal/domain"
	"taskboard/internal/migrate"
)

const stamp = "2024-01-01T00:00:00Z"

func newRepo(t *testing.T) Repo {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "taskboard.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, dialect))
	r := Repo{DB: conn, Dialect: dialect}

	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, r.EnsureOrg(ctx, tx, "org-1", "Acme", stamp))
	require.NoError(t, r.EnsureOrg(ctx, tx, "org-2", "", stamp))
	require.NoError(t, r.InsertUserTx(ctx, tx, domain.User{ID: "u1", OrganizationID: "org-1", Username: "ada", Email: "ada@example.com", Role: domain.RoleMember, CreatedAt: stamp}))
	require.NoError(t, r.InsertProjectTx(ctx, tx, domain.Project{ID: "p1", OrganizationID: "org-1", Name: "Board", Status: "active", CreatedBy: "u1", CreatedAt: stamp}))
	require.NoError(t, tx.Commit())
	return r
}

func task(id string, status domain.Status) domain.Task {
	return domain.Task{
		ID: id, OrganizationID: "org-1", ProjectID: "p1", Title: "task " + id,
		Priority: domain.PriorityMedium, Status: status, CreatedBy: "u1",
		Version: 1, CreatedAt: stamp, UpdatedAt: stamp,
	}
}

func TestOrganizationsAndUsers(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	orgs, err := r.ListOrgs(ctx)
	require.NoError(t, err)
	require.Len(t, orgs, 2)
	assert.Equal(t, "Acme", orgs[0].Name)
	// EnsureOrg falls back to the id for an empty name.
	assert.Equal(t, "org-2", orgs[1].Name)

	u, err := r.GetUser(ctx, "u1", "org-1")
	require.NoError(t, err)
	assert.Equal(t, "ada", u.Username)
	assert.Equal(t, domain.RoleMember, u.Role)

	_, err = r.GetUser(ctx, "u1", "org-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertAndCountTasks(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	require.NoError(t, r.InsertTask(ctx, task("t1", domain.StatusTodo)))
	require.NoError(t, r.InsertTask(ctx, task("t2", domain.StatusTodo)))
	require.NoError(t, r.InsertTask(ctx, task("t3", domain.StatusDone)))

	got, err := r.GetTask(ctx, "t1", "org-1")
	require.NoError(t, err)
	assert.Nil(t, got.AssigneeID)
	assert.Equal(t, 1, got.Version)

	_, err = r.GetTask(ctx, "t1", "org-2")
	assert.ErrorIs(t, err, ErrNotFound)

	counts, err := r.CountTasksByStatus(ctx, "org-1", "p1")
	require.NoError(t, err)
	assert.Equal(t, map[domain.Status]int{domain.StatusTodo: 2, domain.StatusDone: 1}, counts)

	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, r.SoftDeleteTask(ctx, tx, "t2", "org-1", stamp))
	require.NoError(t, tx.Commit())

	counts, err = r.CountTasksByStatus(ctx, "org-1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.StatusTodo])

	page, err := r.ListTasks(ctx, TaskFilters{OrganizationID: "org-1", Status: string(domain.StatusTodo)})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, DefaultPageLimit, page.Limit)
}

func TestConditionalUpdateStatusGuardsVersion(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	require.NoError(t, r.InsertTask(ctx, task("t1", domain.StatusTodo)))

	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	u := StatusUpdate{ID: "t1", OrganizationID: "org-1", Status: domain.StatusReview, ExpectedVersion: 1, UpdatedAt: stamp}
	n, err := r.ConditionalUpdateStatus(ctx, tx, u, "", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = r.ConditionalUpdateStatus(ctx, tx, u, "", nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := r.GetTaskTx(ctx, tx, "t1", "org-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, domain.StatusReview, got.Status)
}

func TestSoftDeleteProjectReturnsCascadedTasks(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	require.NoError(t, r.InsertTask(ctx, task("t1", domain.StatusTodo)))
	require.NoError(t, r.InsertTask(ctx, task("t2", domain.StatusDone)))

	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, r.SoftDeleteTask(ctx, tx, "t2", "org-1", stamp))
	ids, err := r.SoftDeleteProject(ctx, tx, "p1", "org-1", stamp)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, ids)
	_, err = r.SoftDeleteProject(ctx, tx, "p1", "org-1", stamp)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, tx.Commit())

	_, err = r.GetTask(ctx, "t1", "org-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNormalizeBoundsPaging(t *testing.T) {
	f := TaskFilters{Page: -3, Limit: 1000}.Normalize()
	assert.Equal(t, 1, f.Page)
	assert.Equal(t, MaxPageLimit, f.Limit)
}
