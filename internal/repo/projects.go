package repo

import (
	"context"
	"database/sql"

	"taskboard/internal/domain"
)

const projectColumns = `id,organization_id,name,COALESCE(description,''),status,created_by,created_at`

func scanProject(s scanner) (domain.Project, error) {
	var p domain.Project
	err := s.Scan(&p.ID, &p.OrganizationID, &p.Name, &p.Description, &p.Status, &p.CreatedBy, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,organization_id,name,description,status,created_by,created_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.OrganizationID, p.Name, nullable(p.Description), p.Status, p.CreatedBy, p.CreatedAt)
	return err
}

// GetProject reads a live project scoped to orgID.
func (r Repo) GetProject(ctx context.Context, id, orgID string) (domain.Project, error) {
	return getProject(ctx, r.DB, id, orgID)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id, orgID string) (domain.Project, error) {
	return getProject(ctx, tx, id, orgID)
}

func getProject(ctx context.Context, q querier, id, orgID string) (domain.Project, error) {
	return scanProject(q.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=? AND organization_id=? AND deleted_at IS NULL`, id, orgID))
}

type ProjectPage struct {
	Projects []domain.Project
	Total    int
	Page     int
	Limit    int
}

// ListProjects pages through live projects of orgID, newest first.
// page and limit follow the task listing defaults and bounds.
func (r Repo) ListProjects(ctx context.Context, orgID string, page, limit int) (ProjectPage, error) {
	f := TaskFilters{Page: page, Limit: limit}.Normalize()
	res := ProjectPage{Page: f.Page, Limit: f.Limit}
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects WHERE organization_id=? AND deleted_at IS NULL`, orgID).Scan(&res.Total); err != nil {
		return res, err
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE organization_id=? AND deleted_at IS NULL ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		orgID, f.Limit, (f.Page-1)*f.Limit)
	if err != nil {
		return res, err
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return res, err
		}
		res.Projects = append(res.Projects, p)
	}
	return res, rows.Err()
}

// SoftDeleteProject marks the project and its live tasks deleted. It returns
// the ids of the tasks it tombstoned so the caller can log each one.
func (r Repo) SoftDeleteProject(ctx context.Context, tx *sql.Tx, id, orgID, now string) ([]string, error) {
	n, err := execAffected(ctx, tx, `UPDATE projects SET deleted_at=? WHERE id=? AND organization_id=? AND deleted_at IS NULL`, now, id, orgID)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	taskIDs, err := liveTaskIDs(ctx, tx, id, orgID)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE tasks SET deleted_at=?, updated_at=? WHERE project_id=? AND organization_id=? AND deleted_at IS NULL`, now, now, id, orgID)
	return taskIDs, err
}

func liveTaskIDs(ctx context.Context, tx *sql.Tx, projectID, orgID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE project_id=? AND organization_id=? AND deleted_at IS NULL ORDER BY created_at, id`, projectID, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
