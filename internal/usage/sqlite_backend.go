package usage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/relaymux/gateway/internal/logging"
)

const (
	sqliteDefaultBatchSize         = 100
	sqliteDefaultFlushInterval     = 5 * time.Second
	sqliteDefaultChannelBufferSize = 1000
)

// SQLiteBackend batches Records through a channel and a ticker-driven write
// loop, the same shape the teacher's own usage backend uses, rather than
// writing on every Enqueue call.
type SQLiteBackend struct {
	db            *sql.DB
	recordChan    chan Record
	flushInterval time.Duration
	batchSize     int

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewSQLiteBackend(path string, batchSize int, flushInterval time.Duration) (*SQLiteBackend, error) {
	if batchSize <= 0 {
		batchSize = sqliteDefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = sqliteDefaultFlushInterval
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("usage: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := initUsageSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteBackend{
		db:            db,
		recordChan:    make(chan Record, sqliteDefaultChannelBufferSize),
		flushInterval: flushInterval,
		batchSize:     batchSize,
		stopChan:      make(chan struct{}),
	}, nil
}

func initUsageSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS usage_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			provider TEXT NOT NULL,
			credential_id INTEGER NOT NULL,
			model TEXT NOT NULL,
			estimated_cost REAL NOT NULL DEFAULT 0,
			success BOOLEAN NOT NULL,
			recorded_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_usage_recorded_at ON usage_records(recorded_at);
		CREATE INDEX IF NOT EXISTS idx_usage_provider ON usage_records(provider);
		CREATE INDEX IF NOT EXISTS idx_usage_credential ON usage_records(provider, credential_id);
	`)
	return err
}

func (b *SQLiteBackend) Enqueue(rec Record) {
	select {
	case b.recordChan <- rec:
	default:
		logging.Warnf("usage: sqlite backend queue full, dropping record for %s/%d", rec.Provider, rec.CredentialID)
	}
}

func (b *SQLiteBackend) Start() error {
	b.wg.Add(1)
	go b.writeLoop()
	return nil
}

func (b *SQLiteBackend) Stop() error {
	b.stopOnce.Do(func() { close(b.stopChan) })
	b.wg.Wait()
	return b.db.Close()
}

func (b *SQLiteBackend) writeLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, b.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := b.writeBatch(batch); err != nil {
			logging.Errorw("usage: sqlite write batch failed", err, "count", len(batch))
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

func (b *SQLiteBackend) writeBatch(batch []Record) error {
	tx, err := b.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO usage_records (provider, credential_id, model, estimated_cost, success, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, rec := range batch {
		if _, err := stmt.Exec(rec.Provider, rec.CredentialID, rec.Model, rec.EstimatedCost, rec.Success, rec.Timestamp); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (b *SQLiteBackend) Flush(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, `SELECT 1`)
	return err
}

func (b *SQLiteBackend) QueryProviderStats(ctx context.Context, since time.Time) ([]ProviderStats, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT provider,
			COUNT(*),
			SUM(CASE WHEN success THEN 1 ELSE 0 END),
			SUM(CASE WHEN success THEN 0 ELSE 1 END),
			COALESCE(SUM(estimated_cost), 0)
		FROM usage_records WHERE recorded_at >= ? GROUP BY provider
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

func (b *SQLiteBackend) QueryCredentialStats(ctx context.Context, since time.Time) ([]CredentialStats, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT provider, credential_id,
			COUNT(*),
			SUM(CASE WHEN success THEN 1 ELSE 0 END),
			SUM(CASE WHEN success THEN 0 ELSE 1 END),
			COALESCE(SUM(estimated_cost), 0)
		FROM usage_records WHERE recorded_at >= ? GROUP BY provider, credential_id
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

func (b *SQLiteBackend) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM usage_records WHERE recorded_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

var _ Backend = (*SQLiteBackend)(nil)
