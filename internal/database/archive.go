package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/softdial/softdial/internal/database/models"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Archive mirrors call records into a central PostgreSQL database. The
// local SQLite history stays authoritative; the archive feeds reporting
// across deployments and is strictly best-effort.
type Archive struct {
	db *sql.DB
}

// OpenArchive connects to PostgreSQL and ensures the archive table exists.
func OpenArchive(dsn string) (*Archive, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS call_records_archive (
		id BIGSERIAL PRIMARY KEY,
		session_id TEXT NOT NULL UNIQUE,
		user_id BIGINT NOT NULL DEFAULT 0,
		number TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		duration INTEGER NOT NULL DEFAULT 0,
		outcome TEXT NOT NULL,
		failure_reason TEXT NOT NULL DEFAULT '',
		diag_tag TEXT NOT NULL DEFAULT '',
		archived_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating archive table: %w", err)
	}

	slog.Info("call record archive opened")
	return &Archive{db: db}, nil
}

// Close closes the underlying connection.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Store writes one call record to the archive. Replays of the same session
// are absorbed by the unique constraint.
func (a *Archive) Store(ctx context.Context, rec *models.CallRecord) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO call_records_archive (session_id, user_id, number, started_at,
		 duration, outcome, failure_reason, diag_tag)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (session_id) DO NOTHING`,
		rec.SessionID, rec.UserID, rec.Number, rec.StartedAt,
		rec.Duration, rec.Outcome, rec.FailureReason, rec.DiagTag,
	)
	if err != nil {
		return fmt.Errorf("inserting archived call record: %w", err)
	}
	return nil
}
