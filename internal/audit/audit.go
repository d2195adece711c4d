// Package audit writes and reads the workflow log. The table itself rejects
// UPDATE and DELETE via storage triggers, so this package only ever appends.
package audit

import (
	"context"
	"database/sql"
	"time"

	"fieldline/internal/domain"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Append records one transition attempt. When tx is nil the entry is written
// in its own implicit transaction; failure entries use that path so they
// survive the rollback of the attempt that produced them.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e domain.WorkflowLogEntry) error {
	ts := e.TS
	if ts == "" {
		ts = w.now().UTC().Format(time.RFC3339)
	}
	const q = `INSERT INTO workflow_log(mission_id,from_status,to_status,actor_id,actor_role,success,error_code,reason,ts) VALUES (?,?,?,?,?,?,?,?,?)`
	args := []any{e.MissionID, e.FromStatus, e.ToStatus, e.ActorID, e.ActorRole, boolToInt(e.Success), nullable(e.ErrorCode), nullable(e.Reason), ts}
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, q, args...)
	} else {
		_, err = w.DB.ExecContext(ctx, q, args...)
	}
	return err
}

// Timeline returns a mission's log entries, oldest first.
func (w Writer) Timeline(ctx context.Context, missionID string, limit int) ([]domain.WorkflowLogEntry, error) {
	query := `SELECT id,mission_id,from_status,to_status,actor_id,actor_role,success,COALESCE(error_code,''),COALESCE(reason,''),ts FROM workflow_log WHERE mission_id=? ORDER BY id ASC`
	args := []any{missionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowLogEntry
	for rows.Next() {
		var e domain.WorkflowLogEntry
		var success int
		if err := rows.Scan(&e.ID, &e.MissionID, &e.FromStatus, &e.ToStatus, &e.ActorID, &e.ActorRole, &success, &e.ErrorCode, &e.Reason, &e.TS); err != nil {
			return nil, err
		}
		e.Success = success != 0
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountFailures counts failed attempts for a mission since a point in time,
// optionally restricted to one error code.
func (w Writer) CountFailures(ctx context.Context, missionID, errorCode string, since time.Time) (int, error) {
	query := `SELECT count(*) FROM workflow_log WHERE mission_id=? AND success=0 AND ts >= ?`
	args := []any{missionID, since.UTC().Format(time.RFC3339)}
	if errorCode != "" {
		query += ` AND error_code=?`
		args = append(args, errorCode)
	}
	var n int
	err := w.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// FailureCounts groups recent failed attempts by mission for one error code.
func (w Writer) FailureCounts(ctx context.Context, errorCode string, since time.Time) (map[string]int, error) {
	rows, err := w.DB.QueryContext(ctx,
		`SELECT mission_id, count(*) FROM workflow_log WHERE success=0 AND error_code=? AND ts >= ? GROUP BY mission_id`,
		errorCode, since.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		res[id] = n
	}
	return res, rows.Err()
}

// CountSuccessesTo counts successful transitions into a status within a
// half-open time range. Daily stats use this for completion counts.
func (w Writer) CountSuccessesTo(ctx context.Context, toStatus string, from, to time.Time) (int, error) {
	var n int
	err := w.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM workflow_log WHERE success=1 AND to_status=? AND ts >= ? AND ts < ?`,
		toStatus, from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339)).Scan(&n)
	return n, err
}

// Count returns the total number of log entries.
func (w Writer) Count(ctx context.Context) (int, error) {
	var n int
	err := w.DB.QueryRowContext(ctx, `SELECT count(*) FROM workflow_log`).Scan(&n)
	return n, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
