package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/softdial/softdial/internal/database/models"
)

// rateRepo implements RateRepository.
type rateRepo struct {
	db *DB
}

// NewRateRepository creates a new RateRepository.
func NewRateRepository(db *DB) RateRepository {
	return &rateRepo{db: db}
}

// Create inserts a new rate entry.
func (r *rateRepo) Create(ctx context.Context, rate *models.Rate) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO rates (prefix, country, per_minute, currency)
		 VALUES (?, ?, ?, ?)`,
		rate.Prefix, rate.Country, rate.PerMinute, rate.Currency,
	)
	if err != nil {
		return fmt.Errorf("inserting rate: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rate.ID = id
	return nil
}

// GetByID returns a rate by ID.
func (r *rateRepo) GetByID(ctx context.Context, id int64) (*models.Rate, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, prefix, country, per_minute, currency, created_at, updated_at
		 FROM rates WHERE id = ?`, id,
	))
}

// List returns all rates ordered by prefix.
func (r *rateRepo) List(ctx context.Context) ([]models.Rate, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, prefix, country, per_minute, currency, created_at, updated_at
		 FROM rates ORDER BY prefix`)
	if err != nil {
		return nil, fmt.Errorf("listing rates: %w", err)
	}
	defer rows.Close()

	var rates []models.Rate
	for rows.Next() {
		var rt models.Rate
		if err := rows.Scan(&rt.ID, &rt.Prefix, &rt.Country, &rt.PerMinute,
			&rt.Currency, &rt.CreatedAt, &rt.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning rate row: %w", err)
		}
		rates = append(rates, rt)
	}
	return rates, rows.Err()
}

// Update modifies an existing rate.
func (r *rateRepo) Update(ctx context.Context, rate *models.Rate) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE rates SET prefix = ?, country = ?, per_minute = ?, currency = ?,
		 updated_at = datetime('now') WHERE id = ?`,
		rate.Prefix, rate.Country, rate.PerMinute, rate.Currency, rate.ID,
	)
	if err != nil {
		return fmt.Errorf("updating rate: %w", err)
	}
	return nil
}

// Delete removes a rate by ID.
func (r *rateRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM rates WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting rate: %w", err)
	}
	return nil
}

// MatchPrefix returns the longest-prefix rate covering number, or nil.
// The number has its leading + stripped before matching, since prefixes are
// stored without it.
func (r *rateRepo) MatchPrefix(ctx context.Context, number string) (*models.Rate, error) {
	if len(number) > 0 && number[0] == '+' {
		number = number[1:]
	}
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, prefix, country, per_minute, currency, created_at, updated_at
		 FROM rates WHERE ? LIKE prefix || '%'
		 ORDER BY length(prefix) DESC LIMIT 1`, number,
	))
}

func (r *rateRepo) scanOne(row *sql.Row) (*models.Rate, error) {
	var rt models.Rate
	err := row.Scan(&rt.ID, &rt.Prefix, &rt.Country, &rt.PerMinute,
		&rt.Currency, &rt.CreatedAt, &rt.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning rate: %w", err)
	}
	return &rt, nil
}
