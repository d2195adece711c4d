// Package notify queues and dispatches mission notifications. Enqueue happens
// inside the transition transaction; delivery is asynchronous and best-effort.
package notify

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"fieldline/internal/domain"
)

type Queue struct {
	DB  *sql.DB
	Now func() time.Time
	TTL time.Duration
}

func (q Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

func (q Queue) ttl() time.Duration {
	if q.TTL > 0 {
		return q.TTL
	}
	return 72 * time.Hour
}

// EnqueueTx inserts a pending notification in the caller's transaction.
func (q Queue) EnqueueTx(ctx context.Context, tx *sql.Tx, n domain.Notification) (domain.Notification, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Channel == "" {
		n.Channel = "log"
	}
	n.Status = "pending"
	now := q.now().UTC()
	n.CreatedAt = now.Format(time.RFC3339)
	n.ExpiresAt = now.Add(q.ttl()).Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO notifications(id,mission_id,recipient,channel,subject,body,status,created_at,expires_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		n.ID, n.MissionID, n.Recipient, n.Channel, n.Subject, nullable(n.Body), n.Status, n.CreatedAt, n.ExpiresAt)
	return n, err
}

// Pending returns up to limit notifications awaiting dispatch, oldest first.
func (q Queue) Pending(ctx context.Context, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.DB.QueryContext(ctx,
		`SELECT id,mission_id,recipient,channel,subject,COALESCE(body,''),status,created_at,expires_at,sent_at FROM notifications WHERE status='pending' ORDER BY created_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var sentAt sql.NullString
		if err := rows.Scan(&n.ID, &n.MissionID, &n.Recipient, &n.Channel, &n.Subject, &n.Body, &n.Status, &n.CreatedAt, &n.ExpiresAt, &sentAt); err != nil {
			return nil, err
		}
		if sentAt.Valid {
			n.SentAt = &sentAt.String
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (q Queue) MarkSent(ctx context.Context, id string) error {
	_, err := q.DB.ExecContext(ctx, `UPDATE notifications SET status='sent', sent_at=? WHERE id=? AND status='pending'`,
		q.now().UTC().Format(time.RFC3339), id)
	return err
}

func (q Queue) MarkFailed(ctx context.Context, id string) error {
	_, err := q.DB.ExecContext(ctx, `UPDATE notifications SET status='failed' WHERE id=? AND status='pending'`, id)
	return err
}

// NotificationCleanupResult is the outcome of a notification expiry sweep.
type NotificationCleanupResult struct {
	DeletedCount int `json:"deleted_count"`
	FailedCount  int `json:"failed_count"`
}

// CleanupExpired marks expired pending notifications failed, then purges all
// expired rows. The workflow log is never touched by retention sweeps.
func (q Queue) CleanupExpired(ctx context.Context) (NotificationCleanupResult, error) {
	now := q.now().UTC().Format(time.RFC3339)
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return NotificationCleanupResult{}, err
	}
	defer tx.Rollback()
	failed, err := tx.ExecContext(ctx, `UPDATE notifications SET status='failed' WHERE status='pending' AND expires_at < ?`, now)
	if err != nil {
		return NotificationCleanupResult{}, err
	}
	failedCount, _ := failed.RowsAffected()
	deleted, err := tx.ExecContext(ctx, `DELETE FROM notifications WHERE expires_at < ?`, now)
	if err != nil {
		return NotificationCleanupResult{}, err
	}
	deletedCount, _ := deleted.RowsAffected()
	if err := tx.Commit(); err != nil {
		return NotificationCleanupResult{}, err
	}
	return NotificationCleanupResult{DeletedCount: int(deletedCount), FailedCount: int(failedCount)}, nil
}

// CountPending returns the pending backlog size for monitoring.
func (q Queue) CountPending(ctx context.Context) (int, error) {
	var n int
	err := q.DB.QueryRowContext(ctx, `SELECT count(*) FROM notifications WHERE status='pending'`).Scan(&n)
	return n, err
}

// CountCreated counts notifications created in a half-open time range.
func (q Queue) CountCreated(ctx context.Context, from, to time.Time) (int, error) {
	var n int
	err := q.DB.QueryRowContext(ctx, `SELECT count(*) FROM notifications WHERE created_at >= ? AND created_at < ?`,
		from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339)).Scan(&n)
	return n, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
