package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/softdial/softdial/internal/database/models"
)

// callRecordRepo implements CallRecordRepository.
type callRecordRepo struct {
	db *DB
}

// NewCallRecordRepository creates a new CallRecordRepository.
func NewCallRecordRepository(db *DB) CallRecordRepository {
	return &callRecordRepo{db: db}
}

const callRecordColumns = `id, session_id, user_id, number, started_at,
	 duration, outcome, failure_reason, diag_tag, created_at`

// Create inserts a finished call. The session_id unique constraint backs the
// engine's exactly-once guarantee at the storage layer.
func (r *callRecordRepo) Create(ctx context.Context, rec *models.CallRecord) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO call_records (session_id, user_id, number, started_at,
		 duration, outcome, failure_reason, diag_tag)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.UserID, rec.Number, rec.StartedAt,
		rec.Duration, rec.Outcome, rec.FailureReason, rec.DiagTag,
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

// GetBySessionID returns a call record by engine session ID.
func (r *callRecordRepo) GetBySessionID(ctx context.Context, sessionID string) (*models.CallRecord, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+callRecordColumns+` FROM call_records WHERE session_id = ?`, sessionID,
	))
}

// List returns call records matching the filter, along with the total count.
func (r *callRecordRepo) List(ctx context.Context, filter CallRecordFilter) ([]models.CallRecord, int, error) {
	where := "1=1"
	args := []any{}

	if filter.Outcome != "" {
		where += " AND outcome = ?"
		args = append(args, filter.Outcome)
	}
	if filter.UserID != 0 {
		where += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.Search != "" {
		where += " AND (number LIKE ? OR failure_reason LIKE ?)"
		s := "%" + filter.Search + "%"
		args = append(args, s, s)
	}
	if filter.StartDate != "" {
		where += " AND started_at >= ?"
		args = append(args, filter.StartDate)
	}
	if filter.EndDate != "" {
		where += " AND started_at <= ?"
		args = append(args, filter.EndDate)
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM call_records WHERE " + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call records: %w", err)
	}

	query := `SELECT ` + callRecordColumns + ` FROM call_records WHERE ` + where +
		` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing call records: %w", err)
	}
	defer rows.Close()

	recs, err := scanCallRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

// ListRecent returns the most recent call records up to the given limit.
func (r *callRecordRepo) ListRecent(ctx context.Context, limit int) ([]models.CallRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+callRecordColumns+` FROM call_records ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing recent call records: %w", err)
	}
	defer rows.Close()

	return scanCallRecords(rows)
}

// CountByOutcome returns call totals keyed by outcome, for metrics.
func (r *callRecordRepo) CountByOutcome(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT outcome, COUNT(*) FROM call_records GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("counting call records by outcome: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var outcome string
		var count int64
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, fmt.Errorf("scanning outcome count: %w", err)
		}
		counts[outcome] = count
	}
	return counts, rows.Err()
}

// DeleteOlderThan removes call records older than the given number of days
// and returns how many were deleted.
func (r *callRecordRepo) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM call_records
		 WHERE started_at < datetime('now', '-' || ? || ' days')`, days)
	if err != nil {
		return 0, fmt.Errorf("deleting expired call records: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return n, nil
}

func (r *callRecordRepo) scanOne(row *sql.Row) (*models.CallRecord, error) {
	var c models.CallRecord
	err := row.Scan(&c.ID, &c.SessionID, &c.UserID, &c.Number, &c.StartedAt,
		&c.Duration, &c.Outcome, &c.FailureReason, &c.DiagTag, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call record: %w", err)
	}
	return &c, nil
}

func scanCallRecords(rows *sql.Rows) ([]models.CallRecord, error) {
	var recs []models.CallRecord
	for rows.Next() {
		var c models.CallRecord
		if err := rows.Scan(&c.ID, &c.SessionID, &c.UserID, &c.Number, &c.StartedAt,
			&c.Duration, &c.Outcome, &c.FailureReason, &c.DiagTag, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning call record row: %w", err)
		}
		recs = append(recs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call record rows: %w", err)
	}
	return recs, nil
}
