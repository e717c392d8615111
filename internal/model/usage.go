package model

import "time"

// UsageRecord is one row of billing telemetry, appended after a metered
// request completes. Records are append-only: nothing in the gateway ever
// mutates or deletes them. APIKeyID and UserID are both optional; a request
// admitted by an optional-auth policy may carry neither.
type UsageRecord struct {
	ID         string    `json:"id" db:"id"`
	APIKeyID   *int64    `json:"api_key_id,omitempty" db:"api_key_id"`
	UserID     *string   `json:"user_id,omitempty" db:"user_id"`
	Endpoint   string    `json:"endpoint" db:"endpoint"`
	Method     string    `json:"method" db:"method"`
	TokensUsed int       `json:"tokens_used" db:"tokens_used"`
	LatencyMs  int64     `json:"latency_ms" db:"latency_ms"`
	StatusCode int       `json:"status_code" db:"status_code"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
