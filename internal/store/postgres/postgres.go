// Package postgres implements the selector's Health/Token/Config store
// contracts on top of pgx, for multi-instance gateway deployments that need
// a shared source of truth for credential health, token buckets, and
// per-provider configuration overrides.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaymux/gateway/internal/logging"
	"github.com/relaymux/gateway/internal/selector"
)

const initialHealthScore = 70

// Store backs selector.HealthStore, selector.TokenStore, and
// selector.ConfigStore with a shared Postgres database. Consume and Refund
// are each a single statement computed with Postgres's own clock and
// arithmetic, so concurrent callers across processes serialize on
// Postgres's row lock rather than anything in this process.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn, verifies the connection, and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(connectCtx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if err := ensureSchema(connectCtx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	schema := `
	CREATE TABLE IF NOT EXISTS credential_health (
		provider TEXT NOT NULL,
		credential_id BIGINT NOT NULL,
		health_score INTEGER NOT NULL DEFAULT 70,
		last_failure_at TIMESTAMPTZ,
		error_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (provider, credential_id)
	);

	CREATE TABLE IF NOT EXISTS credential_tokens (
		provider TEXT NOT NULL,
		credential_id BIGINT NOT NULL,
		tokens DOUBLE PRECISION NOT NULL,
		last_updated TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (provider, credential_id)
	);

	CREATE TABLE IF NOT EXISTS provider_config (
		provider TEXT PRIMARY KEY,
		config_json JSONB NOT NULL
	);
	`
	_, err := pool.Exec(ctx, schema)
	return err
}

// HealthStore returns the selector.HealthStore view over this database.
func (s *Store) HealthStore() selector.HealthStore { return healthStore{s.pool} }

// TokenStore returns the selector.TokenStore view over this database.
func (s *Store) TokenStore() selector.TokenStore { return tokenStore{s.pool} }

// ConfigStore returns the selector.ConfigStore view over this database.
func (s *Store) ConfigStore() selector.ConfigStore { return configStore{s.pool} }

type healthStore struct{ pool *pgxpool.Pool }

func (h healthStore) Get(ctx context.Context, provider string, id int) (*selector.HealthRecord, error) {
	var rec selector.HealthRecord
	var lastFailure *time.Time
	err := h.pool.QueryRow(ctx, `SELECT health_score, last_failure_at, error_count, last_error
		FROM credential_health WHERE provider = $1 AND credential_id = $2`, provider, id).
		Scan(&rec.HealthScore, &lastFailure, &rec.ErrorCount, &rec.LastError)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if lastFailure != nil {
		rec.LastFailureAt = *lastFailure
	}
	return &rec, nil
}

func (h healthStore) GetByProvider(ctx context.Context, provider string) ([]selector.HealthRecordWithID, error) {
	rows, err := h.pool.Query(ctx, `SELECT credential_id, health_score, last_failure_at, error_count, last_error
		FROM credential_health WHERE provider = $1`, provider)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []selector.HealthRecordWithID
	for rows.Next() {
		var rec selector.HealthRecordWithID
		var lastFailure *time.Time
		if err := rows.Scan(&rec.CredentialID, &rec.HealthScore, &lastFailure, &rec.ErrorCount, &rec.LastError); err != nil {
			return nil, err
		}
		if lastFailure != nil {
			rec.LastFailureAt = *lastFailure
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (h healthStore) RecordSuccess(ctx context.Context, provider string, id int, bonus int) error {
	_, err := h.pool.Exec(ctx, `
		INSERT INTO credential_health (provider, credential_id, health_score)
		VALUES ($1, $2, LEAST(100, $3 + $4))
		ON CONFLICT (provider, credential_id) DO UPDATE SET
			health_score = LEAST(100, GREATEST(0, credential_health.health_score + $4))
	`, provider, id, initialHealthScore, bonus)
	return err
}

func (h healthStore) RecordFailure(ctx context.Context, provider string, id int, errorMessage string, penalty int) error {
	_, err := h.pool.Exec(ctx, `
		INSERT INTO credential_health (provider, credential_id, health_score, last_failure_at, error_count, last_error)
		VALUES ($1, $2, GREATEST(0, $3 - $4), NOW(), 1, $5)
		ON CONFLICT (provider, credential_id) DO UPDATE SET
			health_score = LEAST(100, GREATEST(0, credential_health.health_score - $4)),
			last_failure_at = NOW(),
			error_count = credential_health.error_count + 1,
			last_error = $5
	`, provider, id, initialHealthScore, penalty, errorMessage)
	return err
}

func (h healthStore) RecordRateLimit(ctx context.Context, provider string, id int, penalty int) error {
	_, err := h.pool.Exec(ctx, `
		INSERT INTO credential_health (provider, credential_id, health_score, last_failure_at)
		VALUES ($1, $2, GREATEST(0, $3 - $4), NOW())
		ON CONFLICT (provider, credential_id) DO UPDATE SET
			health_score = LEAST(100, GREATEST(0, credential_health.health_score - $4)),
			last_failure_at = NOW()
	`, provider, id, initialHealthScore, penalty)
	return err
}

type tokenStore struct{ pool *pgxpool.Pool }

// Consume computes regeneration with Postgres's own EXTRACT(EPOCH FROM ...)
// arithmetic inside a single statement, so the read-regenerate-write cycle
// is one round trip and one row lock rather than a client-side transaction.
// Refund is a single upsert that adds amount to the stored token count
// without applying regeneration first, and resets last_updated to NOW().
func (t tokenStore) Consume(ctx context.Context, provider string, id int, amount, maxTokens, regenPerMinute float64) (bool, float64, error) {
	row := t.pool.QueryRow(ctx, `
		WITH upsert AS (
			INSERT INTO credential_tokens (provider, credential_id, tokens, last_updated)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (provider, credential_id) DO UPDATE SET tokens = credential_tokens.tokens
			RETURNING tokens, last_updated
		),
		regen AS (
			SELECT LEAST($3, GREATEST(0, tokens + EXTRACT(EPOCH FROM (NOW() - last_updated)) / 60 * $4)) AS current
			FROM upsert
		)
		UPDATE credential_tokens SET
			tokens = CASE WHEN regen.current >= $5 THEN regen.current - $5 ELSE regen.current END,
			last_updated = CASE WHEN regen.current >= $5 THEN NOW() ELSE last_updated END
		FROM regen
		WHERE credential_tokens.provider = $1 AND credential_tokens.credential_id = $2
		RETURNING (regen.current >= $5), (CASE WHEN regen.current >= $5 THEN regen.current - $5 ELSE regen.current END)
	`, provider, id, maxTokens, regenPerMinute, amount)

	var ok bool
	var tokens float64
	if err := row.Scan(&ok, &tokens); err != nil {
		return false, 0, err
	}
	return ok, tokens, nil
}

func (t tokenStore) Refund(ctx context.Context, provider string, id int, amount, maxTokens float64) (float64, error) {
	row := t.pool.QueryRow(ctx, `
		INSERT INTO credential_tokens (provider, credential_id, tokens, last_updated)
		VALUES ($1, $2, LEAST($3, $4), NOW())
		ON CONFLICT (provider, credential_id) DO UPDATE SET
			tokens = LEAST($3, credential_tokens.tokens + $4),
			last_updated = NOW()
		RETURNING tokens
	`, provider, id, maxTokens, amount)

	var tokens float64
	if err := row.Scan(&tokens); err != nil {
		return 0, err
	}
	return tokens, nil
}

func (t tokenStore) GetTokens(ctx context.Context, provider string, id int, maxTokens, regenPerMinute float64) (float64, error) {
	row := t.pool.QueryRow(ctx, `
		WITH upsert AS (
			INSERT INTO credential_tokens (provider, credential_id, tokens, last_updated)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (provider, credential_id) DO UPDATE SET tokens = credential_tokens.tokens
			RETURNING tokens, last_updated
		)
		SELECT LEAST($3, GREATEST(0, tokens + EXTRACT(EPOCH FROM (NOW() - last_updated)) / 60 * $4)) FROM upsert
	`, provider, id, maxTokens, regenPerMinute)

	var tokens float64
	if err := row.Scan(&tokens); err != nil {
		return 0, err
	}
	return tokens, nil
}

func (t tokenStore) GetByProvider(ctx context.Context, provider string) ([]selector.TokenRecordWithID, error) {
	rows, err := t.pool.Query(ctx, `SELECT credential_id, tokens, last_updated
		FROM credential_tokens WHERE provider = $1`, provider)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []selector.TokenRecordWithID
	for rows.Next() {
		var rec selector.TokenRecordWithID
		if err := rows.Scan(&rec.CredentialID, &rec.Tokens, &rec.LastUpdated); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type configStore struct{ pool *pgxpool.Pool }

func (c configStore) GetByProvider(ctx context.Context, provider string) (*selector.ProviderConfig, error) {
	var raw []byte
	err := c.pool.QueryRow(ctx, `SELECT config_json FROM provider_config WHERE provider = $1`, provider).Scan(&raw)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var cfg selector.ProviderConfig
	if err := sonic.Unmarshal(raw, &cfg); err != nil {
		logging.Errorw("postgres: corrupt provider_config row, ignoring", err, "provider", provider)
		return nil, nil
	}
	return &cfg, nil
}

// PutProviderConfig persists an admin-set override for a provider.
func (s *Store) PutProviderConfig(ctx context.Context, provider string, cfg selector.ProviderConfig) error {
	raw, err := sonic.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("postgres: marshal provider config: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO provider_config (provider, config_json) VALUES ($1, $2)
		ON CONFLICT (provider) DO UPDATE SET config_json = $2
	`, provider, raw)
	return err
}
