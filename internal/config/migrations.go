package config

import (
	"fmt"
	"strings"
)

func (s *Store) migrate() error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	boolDefaultTrue := "INTEGER NOT NULL DEFAULT 1"
	timestamp := "DATETIME"
	if s.driver == "postgres" {
		serial = "BIGSERIAL PRIMARY KEY"
		boolDefaultTrue = "BOOLEAN NOT NULL DEFAULT TRUE"
		timestamp = "TIMESTAMPTZ"
	}

	migrations := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS api_keys (
			id %s,
			name TEXT NOT NULL DEFAULT '',
			key_hash TEXT NOT NULL,
			key_prefix TEXT NOT NULL,
			is_active %s,
			last_used_at %s,
			created_at %s NOT NULL
		)`, serial, boolDefaultTrue, timestamp, timestamp),

		// Prefix is the lookup key on the hot path; it is deliberately
		// non-unique (collisions are resolved by the hash comparison).
		`CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(key_prefix, is_active)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS usage_records (
			id TEXT PRIMARY KEY,
			api_key_id BIGINT,
			user_id TEXT,
			endpoint TEXT NOT NULL,
			method TEXT NOT NULL,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			status_code INTEGER NOT NULL,
			created_at %s NOT NULL
		)`, timestamp),

		`CREATE INDEX IF NOT EXISTS idx_usage_records_user ON usage_records(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_records_key ON usage_records(api_key_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL DEFAULT ''
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// SQLite ALTER TABLE ADD COLUMN fails if the column already
			// exists; treat "duplicate column" as a no-op so future schema
			// additions stay idempotent.
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}
