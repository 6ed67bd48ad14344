package repo

import (
	"context"
	"database/sql"

	"taskboard/internal/domain"
)

func (r Repo) EnsureOrg(ctx context.Context, tx *sql.Tx, orgID, name, now string) error {
	if name == "" {
		name = orgID
	}
	_, err := tx.ExecContext(ctx, r.insertIgnore()+` INTO organizations(id, name, created_at) VALUES (?,?,?)`, orgID, name, now)
	return err
}

func (r Repo) GetOrg(ctx context.Context, id string) (domain.Organization, error) {
	var o domain.Organization
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM organizations WHERE id=?`, id).Scan(&o.ID, &o.Name, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

func (r Repo) ListOrgs(ctx context.Context) ([]domain.Organization, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM organizations ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Organization
	for rows.Next() {
		var o domain.Organization
		if err := rows.Scan(&o.ID, &o.Name, &o.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func (r Repo) InsertUserTx(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO users(id,organization_id,username,email,role,created_at) VALUES (?,?,?,?,?,?)`,
		u.ID, u.OrganizationID, u.Username, u.Email, string(u.Role), u.CreatedAt)
	return err
}

// GetUser reads a user scoped to orgID.
func (r Repo) GetUser(ctx context.Context, id, orgID string) (domain.User, error) {
	var u domain.User
	err := r.DB.QueryRowContext(ctx, `SELECT id,organization_id,username,email,role,created_at FROM users WHERE id=? AND organization_id=?`, id, orgID).
		Scan(&u.ID, &u.OrganizationID, &u.Username, &u.Email, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

// UserExistsTx reports whether id is a user of orgID, inside tx.
func (r Repo) UserExistsTx(ctx context.Context, tx *sql.Tx, id, orgID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE id=? AND organization_id=?`, id, orgID).Scan(&n)
	return n > 0, err
}

func (r Repo) ListUsers(ctx context.Context, orgID string) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,organization_id,username,email,role,created_at FROM users WHERE organization_id=? ORDER BY username`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.OrganizationID, &u.Username, &u.Email, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}
