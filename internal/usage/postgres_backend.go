package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaymux/gateway/internal/logging"
)

const (
	postgresDefaultBatchSize     = 200
	postgresDefaultFlushInterval = 5 * time.Second
	postgresDefaultBufferSize    = 2000
)

// PostgresBackend is SQLiteBackend's shared-database counterpart, for
// multi-instance deployments that want usage history centralized alongside
// the Postgres-backed selector stores.
type PostgresBackend struct {
	pool          *pgxpool.Pool
	recordChan    chan Record
	flushInterval time.Duration
	batchSize     int

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewPostgresBackend(ctx context.Context, dsn string, batchSize int, flushInterval time.Duration) (*PostgresBackend, error) {
	if batchSize <= 0 {
		batchSize = postgresDefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = postgresDefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("usage: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("usage: ping postgres: %w", err)
	}

	b := &PostgresBackend{
		pool:          pool,
		recordChan:    make(chan Record, postgresDefaultBufferSize),
		flushInterval: flushInterval,
		batchSize:     batchSize,
		stopChan:      make(chan struct{}),
	}
	if err := b.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

func (b *PostgresBackend) ensureSchema(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS usage_records (
			id BIGSERIAL PRIMARY KEY,
			provider TEXT NOT NULL,
			credential_id INTEGER NOT NULL,
			model TEXT NOT NULL,
			estimated_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			success BOOLEAN NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_usage_recorded_at ON usage_records(recorded_at);
		CREATE INDEX IF NOT EXISTS idx_usage_provider ON usage_records(provider);
		CREATE INDEX IF NOT EXISTS idx_usage_credential ON usage_records(provider, credential_id);
	`)
	return err
}

func (b *PostgresBackend) Enqueue(rec Record) {
	select {
	case b.recordChan <- rec:
	default:
		logging.Warnf("usage: postgres backend queue full, dropping record for %s/%d", rec.Provider, rec.CredentialID)
	}
}

func (b *PostgresBackend) Start() error {
	b.wg.Add(1)
	go b.writeLoop()
	return nil
}

func (b *PostgresBackend) Stop() error {
	b.stopOnce.Do(func() { close(b.stopChan) })
	b.wg.Wait()
	b.pool.Close()
	return nil
}

func (b *PostgresBackend) writeLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, b.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := b.writeBatch(context.Background(), batch); err != nil {
			logging.Errorw("usage: postgres write batch failed", err, "count", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-b.recordChan:
			batch = append(batch, rec)
			if len(batch) >= b.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-b.stopChan:
			for {
				select {
				case rec := <-b.recordChan:
					batch = append(batch, rec)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (b *PostgresBackend) writeBatch(ctx context.Context, batch []Record) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, rec := range batch {
		_, err := tx.Exec(ctx, `
			INSERT INTO usage_records (provider, credential_id, model, estimated_cost, success, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, rec.Provider, rec.CredentialID, rec.Model, rec.EstimatedCost, rec.Success, rec.Timestamp)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (b *PostgresBackend) Flush(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

func (b *PostgresBackend) QueryProviderStats(ctx context.Context, since time.Time) ([]ProviderStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT provider,
			COUNT(*),
			SUM(CASE WHEN success THEN 1 ELSE 0 END),
			SUM(CASE WHEN success THEN 0 ELSE 1 END),
			COALESCE(SUM(estimated_cost), 0)
		FROM usage_records WHERE recorded_at >= $1 GROUP BY provider
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProviderStats
	for rows.Next() {
		var s ProviderStats
		if err := rows.Scan(&s.Provider, &s.TotalRequests, &s.SuccessCount, &s.FailureCount, &s.TotalCost); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (b *PostgresBackend) QueryCredentialStats(ctx context.Context, since time.Time) ([]CredentialStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT provider, credential_id,
			COUNT(*),
			SUM(CASE WHEN success THEN 1 ELSE 0 END),
			SUM(CASE WHEN success THEN 0 ELSE 1 END),
			COALESCE(SUM(estimated_cost), 0)
		FROM usage_records WHERE recorded_at >= $1 GROUP BY provider, credential_id
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CredentialStats
	for rows.Next() {
		var s CredentialStats
		if err := rows.Scan(&s.Provider, &s.CredentialID, &s.TotalRequests, &s.SuccessCount, &s.FailureCount, &s.TotalCost); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (b *PostgresBackend) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	tag, err := b.pool.Exec(ctx, `DELETE FROM usage_records WHERE recorded_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

var _ Backend = (*PostgresBackend)(nil)
