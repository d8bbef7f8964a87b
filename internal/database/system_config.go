package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/softdial/softdial/internal/database/models"
)

// systemConfigRepo implements SystemConfigRepository.
type systemConfigRepo struct {
	db *DB
}

// NewSystemConfigRepository creates a new SystemConfigRepository.
func NewSystemConfigRepository(db *DB) SystemConfigRepository {
	return &systemConfigRepo{db: db}
}

// Get returns the value for key, or empty string when unset.
func (r *systemConfigRepo) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM system_config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying config key %s: %w", key, err)
	}
	return value, nil
}

// Set stores a value, overwriting any existing one.
func (r *systemConfigRepo) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO system_config (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("setting config key %s: %w", key, err)
	}
	return nil
}

// GetAll returns every configuration row.
func (r *systemConfigRepo) GetAll(ctx context.Context) ([]models.SystemConfig, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key, value FROM system_config ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("querying config: %w", err)
	}
	defer rows.Close()

	var entries []models.SystemConfig
	for rows.Next() {
		var e models.SystemConfig
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("scanning config row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
