package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ConflictError reports a lost optimistic-concurrency race on a mission row.
// Safe to retry the whole operation; it is idempotency-wrapped upstream.
type ConflictError struct {
	MissionID string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("mission %s was modified concurrently", e.MissionID)
}

const missionColumns = `id,reference,client_name,site_address,description,status,assignee_id,scheduled_at,published_at,confirmed_at,started_at,completed_at,cancelled_at,blocked_reason,revisits,archived,version,created_at,updated_at`

func (r Repo) InsertMission(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO missions(`+missionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.Reference, m.ClientName, nullable(m.SiteAddress), nullable(m.Description), m.Status,
		nullableStringPtr(m.AssigneeID), nullableStringPtr(m.ScheduledAt), nullableStringPtr(m.PublishedAt),
		nullableStringPtr(m.ConfirmedAt), nullableStringPtr(m.StartedAt), nullableStringPtr(m.CompletedAt),
		nullableStringPtr(m.CancelledAt), nullableStringPtr(m.BlockedReason), m.Revisits,
		boolToInt(m.Archived), m.Version, m.CreatedAt, m.UpdatedAt)
	return err
}

func scanMission(scan func(dest ...any) error) (domain.Mission, error) {
	var m domain.Mission
	var siteAddress, description, assigneeID, scheduledAt, publishedAt, confirmedAt, startedAt, completedAt, cancelledAt, blockedReason sql.NullString
	var archived int
	err := scan(&m.ID, &m.Reference, &m.ClientName, &siteAddress, &description, &m.Status, &assigneeID,
		&scheduledAt, &publishedAt, &confirmedAt, &startedAt, &completedAt, &cancelledAt, &blockedReason,
		&m.Revisits, &archived, &m.Version, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if siteAddress.Valid {
		m.SiteAddress = siteAddress.String
	}
	if description.Valid {
		m.Description = description.String
	}
	if assigneeID.Valid {
		m.AssigneeID = &assigneeID.String
	}
	if scheduledAt.Valid {
		m.ScheduledAt = &scheduledAt.String
	}
	if publishedAt.Valid {
		m.PublishedAt = &publishedAt.String
	}
	if confirmedAt.Valid {
		m.ConfirmedAt = &confirmedAt.String
	}
	if startedAt.Valid {
		m.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		m.CompletedAt = &completedAt.String
	}
	if cancelledAt.Valid {
		m.CancelledAt = &cancelledAt.String
	}
	if blockedReason.Valid {
		m.BlockedReason = &blockedReason.String
	}
	m.Archived = archived != 0
	return m, nil
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id)
	return scanMission(row.Scan)
}

func (r Repo) GetMissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Mission, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id)
	return scanMission(row.Scan)
}

// UpdateMissionCAS writes the mission guarded by a compare-and-swap on the
// version column. Zero rows affected means another transition committed
// between our read and this write.
func (r Repo) UpdateMissionCAS(ctx context.Context, tx *sql.Tx, m domain.Mission, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE missions SET client_name=?, site_address=?, description=?, status=?, assignee_id=?, scheduled_at=?, published_at=?, confirmed_at=?, started_at=?, completed_at=?, cancelled_at=?, blocked_reason=?, revisits=?, archived=?, version=?, updated_at=? WHERE id=? AND version=?`,
		m.ClientName, nullable(m.SiteAddress), nullable(m.Description), m.Status,
		nullableStringPtr(m.AssigneeID), nullableStringPtr(m.ScheduledAt), nullableStringPtr(m.PublishedAt),
		nullableStringPtr(m.ConfirmedAt), nullableStringPtr(m.StartedAt), nullableStringPtr(m.CompletedAt),
		nullableStringPtr(m.CancelledAt), nullableStringPtr(m.BlockedReason), m.Revisits,
		boolToInt(m.Archived), m.Version, m.UpdatedAt, m.ID, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ConflictError{MissionID: m.ID}
	}
	return nil
}

// ArchiveMission soft-deletes; missions are never physically removed.
func (r Repo) ArchiveMission(ctx context.Context, id string, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE missions SET archived=1, updated_at=? WHERE id=?`, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type MissionFilters struct {
	Status          string
	AssigneeID      string
	IncludeArchived bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListMissions(ctx context.Context, f MissionFilters) ([]domain.Mission, error) {
	var clauses []string
	var args []any
	if !f.IncludeArchived {
		clauses = append(clauses, "archived=0")
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + missionColumns + ` FROM missions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) CountMissionsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM missions WHERE archived=0 GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// CountMissionsCreated counts missions created in a half-open time range.
func (r Repo) CountMissionsCreated(ctx context.Context, from, to time.Time) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM missions WHERE created_at >= ? AND created_at < ?`,
		from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339)).Scan(&n)
	return n, err
}

// ActiveMissions returns non-archived missions outside the given terminal
// statuses, for risk scans.
func (r Repo) ActiveMissions(ctx context.Context, terminal []string) ([]domain.Mission, error) {
	query := `SELECT ` + missionColumns + ` FROM missions WHERE archived=0`
	var args []any
	if len(terminal) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(terminal)), ",")
		query += ` AND status NOT IN (` + placeholders + `)`
		for _, s := range terminal {
			args = append(args, s)
		}
	}
	query += ` ORDER BY created_at ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
