package database

import (
	"context"

	"github.com/softdial/softdial/internal/database/models"
)

// CallRecordFilter narrows call history queries. Zero values mean "any".
type CallRecordFilter struct {
	Outcome   string
	Search    string
	StartDate string
	EndDate   string
	UserID    int64
	Limit     int
	Offset    int
}

// CallRecordRepository manages the call history.
type CallRecordRepository interface {
	Create(ctx context.Context, rec *models.CallRecord) error
	GetBySessionID(ctx context.Context, sessionID string) (*models.CallRecord, error)
	List(ctx context.Context, filter CallRecordFilter) ([]models.CallRecord, int, error)
	ListRecent(ctx context.Context, limit int) ([]models.CallRecord, error)
	CountByOutcome(ctx context.Context) (map[string]int64, error)
	DeleteOlderThan(ctx context.Context, days int) (int64, error)
}

// RateRepository manages per-destination pricing.
type RateRepository interface {
	Create(ctx context.Context, rate *models.Rate) error
	GetByID(ctx context.Context, id int64) (*models.Rate, error)
	List(ctx context.Context) ([]models.Rate, error)
	Update(ctx context.Context, rate *models.Rate) error
	Delete(ctx context.Context, id int64) error
	// MatchPrefix returns the rate with the longest prefix matching number,
	// or nil when no rate covers it.
	MatchPrefix(ctx context.Context, number string) (*models.Rate, error)
}

// AdminUserRepository manages dialer accounts.
type AdminUserRepository interface {
	Create(ctx context.Context, user *models.AdminUser) error
	GetByID(ctx context.Context, id int64) (*models.AdminUser, error)
	GetByUsername(ctx context.Context, username string) (*models.AdminUser, error)
	Update(ctx context.Context, user *models.AdminUser) error
	Delete(ctx context.Context, id int64) error
	Count(ctx context.Context) (int64, error)
}

// SystemConfigRepository manages key-value system configuration.
type SystemConfigRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	GetAll(ctx context.Context) ([]models.SystemConfig, error)
}
