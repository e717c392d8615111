package config

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tollcounter/tollcounter/internal/model"
)

// Store persists the gateway's own state: API key records, usage records,
// and key-value settings. It runs against embedded SQLite by default, or an
// external PostgreSQL database when the gateway is deployed with replicas.
type Store struct {
	db     *sqlx.DB
	driver string
}

// NewStore creates a SQLite-backed store under dataDir. Pass empty string
// for in-memory (tests, ephemeral deployments).
func NewStore(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == "" {
		dsn = ":memory:?_journal_mode=WAL"
	} else {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = filepath.Join(dataDir, "tollcounter.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open gateway database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes

	s := &Store{db: db, driver: "sqlite"}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate gateway database: %w", err)
	}
	return s, nil
}

// NewPostgresStore connects to an external PostgreSQL database. Use this
// when running more than one gateway replica against shared state.
func NewPostgresStore(ctx context.Context, url string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db, driver: "postgres"}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate gateway database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// API keys
// ---------------------------------------------------------------------------

// CreateAPIKey inserts a new API key record. The key_hash and key_prefix must
// already be set (see service.GenerateKey). The ID and CreatedAt fields are
// populated after a successful insert.
func (s *Store) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	key.CreatedAt = time.Now().UTC()

	if s.driver == "postgres" {
		const q = `INSERT INTO api_keys (name, key_hash, key_prefix, is_active, created_at)
			VALUES ($1, $2, $3, $4, $5) RETURNING id`
		return s.db.QueryRowContext(ctx, q,
			key.Name, key.KeyHash, key.KeyPrefix, key.IsActive, key.CreatedAt).Scan(&key.ID)
	}

	const q = `INSERT INTO api_keys (name, key_hash, key_prefix, is_active, created_at)
		VALUES (:name, :key_hash, :key_prefix, :is_active, :created_at)`

	result, err := s.db.NamedExecContext(ctx, q, key)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get api key id: %w", err)
	}
	key.ID = id
	return nil
}

// GetActiveAPIKeysByPrefix returns every active key whose prefix matches.
// Prefixes are not unique; collisions between unrelated keys are expected
// and the caller disambiguates with the hash comparison.
func (s *Store) GetActiveAPIKeysByPrefix(ctx context.Context, prefix string) ([]model.APIKey, error) {
	var keys []model.APIKey
	q := s.db.Rebind("SELECT * FROM api_keys WHERE key_prefix = ? AND is_active = ?")
	if err := s.db.SelectContext(ctx, &keys, q, prefix, true); err != nil {
		return nil, fmt.Errorf("get api keys by prefix: %w", err)
	}
	return keys, nil
}

// GetAPIKey returns a single key record by ID.
func (s *Store) GetAPIKey(ctx context.Context, id int64) (*model.APIKey, error) {
	var key model.APIKey
	q := s.db.Rebind("SELECT * FROM api_keys WHERE id = ?")
	if err := s.db.GetContext(ctx, &key, q, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return &key, nil
}

// ListAPIKeys returns all API key records, newest first.
func (s *Store) ListAPIKeys(ctx context.Context) ([]model.APIKey, error) {
	var keys []model.APIKey
	if err := s.db.SelectContext(ctx, &keys, "SELECT * FROM api_keys ORDER BY created_at DESC, id DESC"); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

// RevokeAPIKey marks a key inactive by ID. The record is never physically
// removed: usage history keeps referencing it.
func (s *Store) RevokeAPIKey(ctx context.Context, id int64) error {
	q := s.db.Rebind("UPDATE api_keys SET is_active = ? WHERE id = ?")
	result, err := s.db.ExecContext(ctx, q, false, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke api key rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAPIKeyLastUsed sets the last_used_at timestamp for a key. Callers
// invoke this best-effort off the request path; concurrent writers to the
// same key are last-write-wins.
func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	q := s.db.Rebind("UPDATE api_keys SET last_used_at = ? WHERE id = ?")
	result, err := s.db.ExecContext(ctx, q, now, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update api key last used rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Usage records
// ---------------------------------------------------------------------------

// InsertUsageRecord appends one usage record. Records are never updated or
// deleted by the gateway.
func (s *Store) InsertUsageRecord(ctx context.Context, rec *model.UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	const q = `INSERT INTO usage_records
		(id, api_key_id, user_id, endpoint, method, tokens_used, latency_ms, status_code, created_at)
		VALUES
		(:id, :api_key_id, :user_id, :endpoint, :method, :tokens_used, :latency_ms, :status_code, :created_at)`

	if _, err := s.db.NamedExecContext(ctx, q, rec); err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// ListUsageRecords returns the most recent usage records, up to limit.
func (s *Store) ListUsageRecords(ctx context.Context, limit int) ([]model.UsageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []model.UsageRecord
	q := s.db.Rebind("SELECT * FROM usage_records ORDER BY created_at DESC, id DESC LIMIT ?")
	if err := s.db.SelectContext(ctx, &recs, q, limit); err != nil {
		return nil, fmt.Errorf("list usage records: %w", err)
	}
	return recs, nil
}

// ListUsageRecordsForUser returns the most recent usage records attributed
// to a session subject, up to limit.
func (s *Store) ListUsageRecordsForUser(ctx context.Context, userID string, limit int) ([]model.UsageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []model.UsageRecord
	q := s.db.Rebind("SELECT * FROM usage_records WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?")
	if err := s.db.SelectContext(ctx, &recs, q, userID, limit); err != nil {
		return nil, fmt.Errorf("list usage records for user: %w", err)
	}
	return recs, nil
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

// GetSetting returns the value for a settings key, or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	q := s.db.Rebind("SELECT value FROM settings WHERE key = ?")
	if err := s.db.GetContext(ctx, &value, q, key); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

// SetSetting inserts or replaces a settings key.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	var q string
	if s.driver == "postgres" {
		q = `INSERT INTO settings (key, value) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`
	} else {
		q = `INSERT INTO settings (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	}
	if _, err := s.db.ExecContext(ctx, q, key, value); err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}
