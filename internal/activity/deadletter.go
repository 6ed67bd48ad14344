package activity

import (
	"context"
	"errors"
	"time"
)

// DeadLetter is an entry a webhook refused outright. The notifier moves past
// it and keeps it here for an operator to inspect or replay.
type DeadLetter struct {
	ID         int64  `json:"id"`
	Hook       string `json:"hook"`
	ActivityID int64  `json:"activity_id"`
	Status     int    `json:"status"`
	Reason     string `json:"reason"`
	CreatedAt  string `json:"created_at"`
}

func (l Log) RecordDeadLetter(ctx context.Context, d DeadLetter) error {
	if d.Hook == "" || d.ActivityID == 0 {
		return errors.New("activity: dead letter needs a hook and an activity id")
	}
	if d.CreatedAt == "" {
		now := time.Now
		if l.Now != nil {
			now = l.Now
		}
		d.CreatedAt = now().UTC().Format(time.RFC3339)
	}
	_, err := l.DB.ExecContext(ctx, `INSERT INTO webhook_dead_letters(hook,activity_id,status,reason,created_at) VALUES (?,?,?,?,?)`,
		d.Hook, d.ActivityID, d.Status, d.Reason, d.CreatedAt)
	return err
}

// DeadLetters lists dead letters newest first, for one hook or all when hook is empty.
func (l Log) DeadLetters(ctx context.Context, hook string, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,hook,activity_id,status,reason,created_at FROM webhook_dead_letters`
	var args []any
	if hook != "" {
		query += ` WHERE hook=?`
		args = append(args, hook)
	}
	rows, err := l.DB.QueryContext(ctx, query+` ORDER BY id DESC LIMIT ?`, append(args, limit)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []DeadLetter
	for rows.Next() {
		var d DeadLetter
		if err := rows.Scan(&d.ID, &d.Hook, &d.ActivityID, &d.Status, &d.Reason, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
