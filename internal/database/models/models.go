package models

import "time"

// CallRecord is one finished call attempt. Records are written exactly once
// when the call flow engine classifies a terminated session.
type CallRecord struct {
	ID            int64     `json:"id"`
	SessionID     string    `json:"session_id"`
	UserID        int64     `json:"user_id"`
	Number        string    `json:"number"`
	StartedAt     time.Time `json:"started_at"`
	Duration      int       `json:"duration"` // seconds
	Outcome       string    `json:"outcome"`  // completed, failed, voicemail
	FailureReason string    `json:"failure_reason,omitempty"`
	DiagTag       string    `json:"diag_tag,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Rate is a per-destination price entry, matched by longest number prefix.
type Rate struct {
	ID        int64     `json:"id"`
	Prefix    string    `json:"prefix"`
	Country   string    `json:"country"`
	PerMinute float64   `json:"per_minute"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AdminUser is an account allowed to use the dialer and its admin API.
type AdminUser struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SystemConfig is a key-value configuration row.
type SystemConfig struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}
