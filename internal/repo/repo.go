package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"taskboard/internal/db"
	"taskboard/internal/domain"
)

type Repo struct {
	DB *sql.DB
	// Dialect is db.DriverSQLite or db.DriverMySQL; empty means sqlite.
	Dialect string
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const taskColumns = `id,organization_id,project_id,title,COALESCE(description,''),priority,status,assignee_id,created_by,due_date,completed_at,version,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (domain.Task, error) {
	var t domain.Task
	var assignee, due, completed sql.NullString
	err := s.Scan(&t.ID, &t.OrganizationID, &t.ProjectID, &t.Title, &t.Description, &t.Priority, &t.Status,
		&assignee, &t.CreatedBy, &due, &completed, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.AssigneeID = nullString(assignee)
	t.DueDate = nullString(due)
	t.CompletedAt = nullString(completed)
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	return insertTask(ctx, r.DB, t)
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	return insertTask(ctx, tx, t)
}

func insertTask(ctx context.Context, q querier, t domain.Task) error {
	_, err := q.ExecContext(ctx, `INSERT INTO tasks(id,organization_id,project_id,title,description,priority,status,assignee_id,created_by,due_date,completed_at,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.OrganizationID, t.ProjectID, t.Title, nullable(t.Description), string(t.Priority), string(t.Status),
		nullablePtr(t.AssigneeID), t.CreatedBy, nullablePtr(t.DueDate), nullablePtr(t.CompletedAt), t.Version, t.CreatedAt, t.UpdatedAt)
	return err
}

// GetTask reads a live (not soft-deleted) task scoped to orgID.
func (r Repo) GetTask(ctx context.Context, id, orgID string) (domain.Task, error) {
	return getTask(ctx, r.DB, id, orgID)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id, orgID string) (domain.Task, error) {
	return getTask(ctx, tx, id, orgID)
}

func getTask(ctx context.Context, q querier, id, orgID string) (domain.Task, error) {
	return scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=? AND organization_id=? AND deleted_at IS NULL`, id, orgID))
}

type TaskFilters struct {
	OrganizationID string
	ProjectID      string
	Status         string
	AssigneeID     string
	Page           int
	Limit          int
}

type TaskPage struct {
	Tasks []domain.Task
	Total int
	Page  int
	Limit int
}

const (
	DefaultPageLimit = 10
	MaxPageLimit     = 100
)

// Normalize applies paging defaults and bounds.
func (f TaskFilters) Normalize() TaskFilters {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = DefaultPageLimit
	}
	if f.Limit > MaxPageLimit {
		f.Limit = MaxPageLimit
	}
	return f
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) (TaskPage, error) {
	f = f.Normalize()
	clauses := []string{"organization_id=?", "deleted_at IS NULL"}
	args := []any{f.OrganizationID}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	where := strings.Join(clauses, " AND ")

	page := TaskPage{Page: f.Page, Limit: f.Limit}
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE `+where, args...).Scan(&page.Total); err != nil {
		return page, err
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + where + ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	rows, err := r.DB.QueryContext(ctx, query, append(args, f.Limit, (f.Page-1)*f.Limit)...)
	if err != nil {
		return page, err
	}
	defer rows.Close()
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return page, err
		}
		page.Tasks = append(page.Tasks, t)
	}
	return page, rows.Err()
}

// StatusUpdate is the payload of a version-guarded status change.
type StatusUpdate struct {
	ID              string
	OrganizationID  string
	Status          domain.Status
	ExpectedVersion int
	CompletedAt     *string
	UpdatedAt       string
}

// ConditionalUpdateStatus applies u only when the row is live, belongs to the
// organization, still carries ExpectedVersion and satisfies the access
// predicate (clause, args). It returns the number of rows changed: 0 means
// one of those guards failed and nothing was written.
func (r Repo) ConditionalUpdateStatus(ctx context.Context, tx *sql.Tx, u StatusUpdate, clause string, args []any) (int64, error) {
	query := `UPDATE tasks SET status=?, completed_at=?, version=version+1, updated_at=? WHERE id=? AND organization_id=? AND version=? AND deleted_at IS NULL`
	params := []any{string(u.Status), nullablePtr(u.CompletedAt), u.UpdatedAt, u.ID, u.OrganizationID, u.ExpectedVersion}
	if clause != "" {
		query += ` AND ` + clause
		params = append(params, args...)
	}
	return execAffected(ctx, tx, query, params...)
}

// FieldUpdate carries the editable task fields; nil means unchanged.
type FieldUpdate struct {
	ID              string
	OrganizationID  string
	ExpectedVersion int
	Title           *string
	Description     *string
	Priority        *domain.Priority
	AssigneeID      *string
	DueDate         *string
	UpdatedAt       string
}

// Empty reports whether no editable field is set.
func (u FieldUpdate) Empty() bool {
	return u.Title == nil && u.Description == nil && u.Priority == nil && u.AssigneeID == nil && u.DueDate == nil
}

// Changes lists the set fields by column name, for activity details.
func (u FieldUpdate) Changes() map[string]any {
	m := map[string]any{}
	if u.Title != nil {
		m["title"] = *u.Title
	}
	if u.Description != nil {
		m["description"] = *u.Description
	}
	if u.Priority != nil {
		m["priority"] = string(*u.Priority)
	}
	if u.AssigneeID != nil {
		m["assignee_id"] = *u.AssigneeID
	}
	if u.DueDate != nil {
		m["due_date"] = *u.DueDate
	}
	return m
}

// ConditionalUpdateFields is the field-edit counterpart of ConditionalUpdateStatus.
// An empty AssigneeID or DueDate clears the column.
func (r Repo) ConditionalUpdateFields(ctx context.Context, tx *sql.Tx, u FieldUpdate, clause string, args []any) (int64, error) {
	var (
		fields []string
		params []any
	)
	if u.Title != nil {
		fields = append(fields, "title=?")
		params = append(params, *u.Title)
	}
	if u.Description != nil {
		fields = append(fields, "description=?")
		params = append(params, nullable(*u.Description))
	}
	if u.Priority != nil {
		fields = append(fields, "priority=?")
		params = append(params, string(*u.Priority))
	}
	if u.AssigneeID != nil {
		fields = append(fields, "assignee_id=?")
		params = append(params, nullable(*u.AssigneeID))
	}
	if u.DueDate != nil {
		fields = append(fields, "due_date=?")
		params = append(params, nullable(*u.DueDate))
	}
	fields = append(fields, "version=version+1", "updated_at=?")
	params = append(params, u.UpdatedAt, u.ID, u.OrganizationID, u.ExpectedVersion)
	query := fmt.Sprintf(`UPDATE tasks SET %s WHERE id=? AND organization_id=? AND version=? AND deleted_at IS NULL`, strings.Join(fields, ","))
	if clause != "" {
		query += ` AND ` + clause
		params = append(params, args...)
	}
	return execAffected(ctx, tx, query, params...)
}

// SoftDeleteTask marks a live task deleted. Returns ErrNotFound when no live row matched.
func (r Repo) SoftDeleteTask(ctx context.Context, tx *sql.Tx, id, orgID, now string) error {
	n, err := execAffected(ctx, tx, `UPDATE tasks SET deleted_at=?, updated_at=? WHERE id=? AND organization_id=? AND deleted_at IS NULL`, now, now, id, orgID)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountTasksByStatus returns live task counts per status for a project (all projects when empty).
func (r Repo) CountTasksByStatus(ctx context.Context, orgID, projectID string) (map[domain.Status]int, error) {
	query := `SELECT status, COUNT(*) FROM tasks WHERE organization_id=? AND deleted_at IS NULL`
	args := []any{orgID}
	if projectID != "" {
		query += ` AND project_id=?`
		args = append(args, projectID)
	}
	rows, err := r.DB.QueryContext(ctx, query+` GROUP BY status`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[domain.Status]int{}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[domain.Status(s)] = n
	}
	return counts, rows.Err()
}

func execAffected(ctx context.Context, q querier, query string, args ...any) (int64, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) insertIgnore() string {
	if r.Dialect == db.DriverMySQL {
		return "INSERT IGNORE"
	}
	return "INSERT OR IGNORE"
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullablePtr(s *string) any {
	if s == nil {
		return nil
	}
	return nullable(*s)
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
