package model

import "time"

// APIKey represents an opaque bearer credential issued to an API consumer.
// The raw secret is never stored; only a bcrypt hash and a short non-secret
// prefix used to shortlist candidates before the expensive hash comparison.
// Neither Name nor KeyPrefix is unique; only ID identifies a key.
type APIKey struct {
	ID         int64      `json:"id" db:"id"`
	Name       string     `json:"name" db:"name"`
	KeyHash    string     `json:"-" db:"key_hash"`            // bcrypt hash, never expose
	KeyPrefix  string     `json:"key_prefix" db:"key_prefix"` // first 8 chars of the secret
	IsActive   bool       `json:"is_active" db:"is_active"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}
