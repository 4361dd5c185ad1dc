// Package sqlite implements the selector's Health/Token/Config store
// contracts on top of modernc.org/sqlite, for single-node deployments that
// want state to survive a restart without running a separate database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	_ "modernc.org/sqlite"

	"github.com/relaymux/gateway/internal/logging"
	"github.com/relaymux/gateway/internal/selector"
)

func marshalProviderConfig(cfg selector.ProviderConfig) (string, error) {
	raw, err := sonic.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("sqlite: marshal provider config: %w", err)
	}
	return string(raw), nil
}

func unmarshalProviderConfig(raw string) (*selector.ProviderConfig, error) {
	var cfg selector.ProviderConfig
	if err := sonic.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

const initialHealthScore = 70

// Store backs selector.HealthStore, selector.TokenStore, and
// selector.ConfigStore with a single SQLite file. SQLite serializes writes
// regardless, so a single connection (set below) is enough to make every
// read-modify-write in this file atomic per row without extra locking.
type Store struct {
	db *sql.DB
}

// Open creates the database file (and its parent directory) if necessary,
// applies the schema, and returns a ready Store.
func Open(path string) (*Store, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("sqlite: resolve home dir: %w", err)
		}
		path = filepath.Join(home, path[1:])
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create dir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// A single connection turns every statement below into a de facto
	// critical section without needing an app-level mutex.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: init schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS credential_health (
		provider TEXT NOT NULL,
		credential_id INTEGER NOT NULL,
		health_score INTEGER NOT NULL DEFAULT 70,
		last_failure_at INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (provider, credential_id)
	);

	CREATE TABLE IF NOT EXISTS credential_tokens (
		provider TEXT NOT NULL,
		credential_id INTEGER NOT NULL,
		tokens REAL NOT NULL,
		last_updated INTEGER NOT NULL,
		PRIMARY KEY (provider, credential_id)
	);

	CREATE TABLE IF NOT EXISTS provider_config (
		provider TEXT PRIMARY KEY,
		config_json TEXT NOT NULL
	);
	`
	_, err := db.Exec(schema)
	return err
}

// HealthStore returns the selector.HealthStore view over this database.
func (s *Store) HealthStore() selector.HealthStore { return healthStore{s.db} }

// TokenStore returns the selector.TokenStore view over this database.
func (s *Store) TokenStore() selector.TokenStore { return tokenStore{s.db} }

// ConfigStore returns the selector.ConfigStore view over this database.
func (s *Store) ConfigStore() selector.ConfigStore { return configStore{s.db} }

type healthStore struct{ db *sql.DB }

func (h healthStore) Get(ctx context.Context, provider string, id int) (*selector.HealthRecord, error) {
	row := h.db.QueryRowContext(ctx, `SELECT health_score, last_failure_at, error_count, last_error
		FROM credential_health WHERE provider = ? AND credential_id = ?`, provider, id)
	var rec selector.HealthRecord
	var lastFailureMs int64
	if err := row.Scan(&rec.HealthScore, &lastFailureMs, &rec.ErrorCount, &rec.LastError); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if lastFailureMs > 0 {
		rec.LastFailureAt = time.UnixMilli(lastFailureMs)
	}
	return &rec, nil
}

func (h healthStore) GetByProvider(ctx context.Context, provider string) ([]selector.HealthRecordWithID, error) {
	rows, err := h.db.QueryContext(ctx, `SELECT credential_id, health_score, last_failure_at, error_count, last_error
		FROM credential_health WHERE provider = ?`, provider)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []selector.HealthRecordWithID
	for rows.Next() {
		var rec selector.HealthRecordWithID
		var lastFailureMs int64
		if err := rows.Scan(&rec.CredentialID, &rec.HealthScore, &lastFailureMs, &rec.ErrorCount, &rec.LastError); err != nil {
			return nil, err
		}
		if lastFailureMs > 0 {
			rec.LastFailureAt = time.UnixMilli(lastFailureMs)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (h healthStore) RecordSuccess(ctx context.Context, provider string, id int, bonus int) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO credential_health (provider, credential_id, health_score)
		VALUES (?, ?, MIN(100, ? + ?))
		ON CONFLICT (provider, credential_id) DO UPDATE SET
			health_score = MIN(100, MAX(0, health_score + ?))
	`, provider, id, initialHealthScore, bonus, bonus)
	return err
}

func (h healthStore) RecordFailure(ctx context.Context, provider string, id int, errorMessage string, penalty int) error {
	nowMs := time.Now().UnixMilli()
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO credential_health (provider, credential_id, health_score, last_failure_at, error_count, last_error)
		VALUES (?, ?, MAX(0, ? - ?), ?, 1, ?)
		ON CONFLICT (provider, credential_id) DO UPDATE SET
			health_score = MIN(100, MAX(0, health_score - ?)),
			last_failure_at = ?,
			error_count = error_count + 1,
			last_error = ?
	`, provider, id, initialHealthScore, penalty, nowMs, errorMessage, penalty, nowMs, errorMessage)
	return err
}

func (h healthStore) RecordRateLimit(ctx context.Context, provider string, id int, penalty int) error {
	nowMs := time.Now().UnixMilli()
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO credential_health (provider, credential_id, health_score, last_failure_at)
		VALUES (?, ?, MAX(0, ? - ?), ?)
		ON CONFLICT (provider, credential_id) DO UPDATE SET
			health_score = MIN(100, MAX(0, health_score - ?)),
			last_failure_at = ?
	`, provider, id, initialHealthScore, penalty, nowMs, penalty, nowMs)
	return err
}

type tokenStore struct{ db *sql.DB }

func (t tokenStore) GetTokens(ctx context.Context, provider string, id int, maxTokens, regenPerMinute float64) (float64, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	tokens, _, err := readOrSeedLocked(ctx, tx, provider, id, maxTokens)
	if err != nil {
		return 0, err
	}
	return tokens, tx.Commit()
}

func (t tokenStore) GetByProvider(ctx context.Context, provider string) ([]selector.TokenRecordWithID, error) {
	rows, err := t.db.QueryContext(ctx, `SELECT credential_id, tokens, last_updated
		FROM credential_tokens WHERE provider = ?`, provider)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []selector.TokenRecordWithID
	for rows.Next() {
		var rec selector.TokenRecordWithID
		var updatedMs int64
		if err := rows.Scan(&rec.CredentialID, &rec.Tokens, &updatedMs); err != nil {
			return nil, err
		}
		rec.LastUpdated = time.UnixMilli(updatedMs)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (t tokenStore) Consume(ctx context.Context, provider string, id int, amount, maxTokens, regenPerMinute float64) (bool, float64, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, err
	}
	defer tx.Rollback()

	current, _, err := regenLocked(ctx, tx, provider, id, maxTokens, regenPerMinute)
	if err != nil {
		return false, 0, err
	}
	if current < amount {
		return false, current, tx.Commit()
	}
	next := current - amount
	if err := writeLocked(ctx, tx, provider, id, next); err != nil {
		return false, 0, err
	}
	return true, next, tx.Commit()
}

func (t tokenStore) Refund(ctx context.Context, provider string, id int, amount, maxTokens float64) (float64, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	current, _, err := readOrSeedLocked(ctx, tx, provider, id, maxTokens)
	if err != nil {
		return 0, err
	}
	next := current + amount
	if next > maxTokens {
		next = maxTokens
	}
	if err := writeLocked(ctx, tx, provider, id, next); err != nil {
		return 0, err
	}
	return next, tx.Commit()
}

func readOrSeedLocked(ctx context.Context, tx *sql.Tx, provider string, id int, maxTokens float64) (tokens float64, updated time.Time, err error) {
	row := tx.QueryRowContext(ctx, `SELECT tokens, last_updated FROM credential_tokens
		WHERE provider = ? AND credential_id = ?`, provider, id)
	var updatedMs int64
	switch err := row.Scan(&tokens, &updatedMs); err {
	case nil:
		return tokens, time.UnixMilli(updatedMs), nil
	case sql.ErrNoRows:
		now := time.Now()
		if err := writeLocked(ctx, tx, provider, id, maxTokens); err != nil {
			return 0, time.Time{}, err
		}
		return maxTokens, now, nil
	default:
		return 0, time.Time{}, err
	}
}

func regenLocked(ctx context.Context, tx *sql.Tx, provider string, id int, maxTokens, regenPerMinute float64) (float64, time.Time, error) {
	tokens, updated, err := readOrSeedLocked(ctx, tx, provider, id, maxTokens)
	if err != nil {
		return 0, time.Time{}, err
	}
	elapsedMs := float64(time.Since(updated).Milliseconds())
	return regenerate(tokens, elapsedMs, maxTokens, regenPerMinute), updated, nil
}

func writeLocked(ctx context.Context, tx *sql.Tx, provider string, id int, tokens float64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credential_tokens (provider, credential_id, tokens, last_updated)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (provider, credential_id) DO UPDATE SET tokens = ?, last_updated = ?
	`, provider, id, tokens, time.Now().UnixMilli(), tokens, time.Now().UnixMilli())
	return err
}

func regenerate(tokens, elapsedMs, maxTokens, regenPerMinute float64) float64 {
	regenerated := tokens + elapsedMs/60_000*regenPerMinute
	if regenerated > maxTokens {
		return maxTokens
	}
	if regenerated < 0 {
		return 0
	}
	return regenerated
}

type configStore struct{ db *sql.DB }

func (c configStore) GetByProvider(ctx context.Context, provider string) (*selector.ProviderConfig, error) {
	row := c.db.QueryRowContext(ctx, `SELECT config_json FROM provider_config WHERE provider = ?`, provider)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	cfg, err := unmarshalProviderConfig(raw)
	if err != nil {
		logging.Errorw("sqlite: corrupt provider_config row, ignoring", err, "provider", provider)
		return nil, nil
	}
	return cfg, nil
}

// PutProviderConfig persists an admin-set override for a provider, taking
// effect on the next selector.Manager.Invalidate(provider).
func (s *Store) PutProviderConfig(ctx context.Context, provider string, cfg selector.ProviderConfig) error {
	raw, err := marshalProviderConfig(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO provider_config (provider, config_json) VALUES (?, ?)
		ON CONFLICT (provider) DO UPDATE SET config_json = ?
	`, provider, raw, raw)
	return err
}
