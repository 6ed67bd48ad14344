package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskboard/internal/domain"
)

// Log is the append-only activity sink. Writes only happen through a caller's
// transaction so an entry commits or rolls back with the change it documents.
type Log struct {
	DB  *sql.DB
	Now func() time.Time
}

type Entry struct {
	OrganizationID string
	ActorID        string
	EntityType     string
	EntityID       string
	Detail         Detail
	// CreatedAt defaults to Log.Now when empty.
	CreatedAt string
}

func (l Log) Record(ctx context.Context, tx *sql.Tx, e Entry) error {
	if tx == nil {
		return errors.New("activity: record requires a transaction")
	}
	if e.Detail == nil {
		return errors.New("activity: detail required")
	}
	if e.OrganizationID == "" || e.EntityType == "" || e.EntityID == "" {
		return errors.New("activity: organization, entity type and entity id are required")
	}
	createdAt := e.CreatedAt
	if createdAt == "" {
		now := time.Now
		if l.Now != nil {
			now = l.Now
		}
		createdAt = now().UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("marshal activity detail: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO activity_logs(organization_id,user_id,entity_type,entity_id,action,details,created_at) VALUES (?,?,?,?,?,?,?)`,
		e.OrganizationID, e.ActorID, e.EntityType, e.EntityID, e.Detail.Action(), string(data), createdAt)
	return err
}

type Filter struct {
	OrganizationID string
	EntityType     string
	EntityID       string
	Action         string
	Limit          int
	// Cursor returns entries with an id lower than it (newest first paging).
	Cursor int64
}

// List returns entries for one organization, newest first.
func (l Log) List(ctx context.Context, f Filter) ([]domain.ActivityEntry, error) {
	if f.OrganizationID == "" {
		return nil, errors.New("activity: organization required")
	}
	clauses := []string{"organization_id=?"}
	args := []any{f.OrganizationID}
	if f.EntityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,organization_id,user_id,entity_type,entity_id,action,details,created_at FROM activity_logs WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	return l.query(ctx, query, args...)
}

// After returns entries of every organization with an id greater than cursor, oldest first.
func (l Log) After(ctx context.Context, cursor int64, limit int) ([]domain.ActivityEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.query(ctx, `SELECT id,organization_id,user_id,entity_type,entity_id,action,details,created_at FROM activity_logs WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// ByIDs returns the entries among ids that exist, oldest first.
func (l Log) ByIDs(ctx context.Context, ids []int64) ([]domain.ActivityEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	return l.query(ctx, `SELECT id,organization_id,user_id,entity_type,entity_id,action,details,created_at FROM activity_logs WHERE id IN (`+marks+`) ORDER BY id ASC`, args...)
}

// LatestID returns the highest entry id, 0 when the log is empty.
func (l Log) LatestID(ctx context.Context) (int64, error) {
	var id int64
	err := l.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM activity_logs`).Scan(&id)
	return id, err
}

func (l Log) query(ctx context.Context, query string, args ...any) ([]domain.ActivityEntry, error) {
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityEntry
	for rows.Next() {
		var e domain.ActivityEntry
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.ActorID, &e.EntityType, &e.EntityID, &e.Action, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
