//go:build sqlite
// +build sqlite

package leasequeue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// SQLiteProvider implements StorageProvider using SQLite.
// Transactions are opened with BEGIN IMMEDIATE, which takes the database write
// lock up front and serializes claimers across processes sharing the file.
type SQLiteProvider struct {
	db     *sql.DB
	clock  Clock
	logger *zap.Logger
}

// NewSQLiteProvider opens (or creates) the SQLite database file at dbPath.
func NewSQLiteProvider(dbPath string, opts ...ProviderOption) (*SQLiteProvider, error) {
	o := newProviderOptions("sqlite", opts)

	db, err := sql.Open("sqlite3", dbPath+"?_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	provider := &SQLiteProvider{db: db, clock: o.clock, logger: o.logger}
	if err := provider.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return provider, nil
}

// DistributedJobProcessingEnabled is always true.
func (p *SQLiteProvider) DistributedJobProcessingEnabled() bool { return true }

// Close closes the database connection.
func (p *SQLiteProvider) Close() error {
	return p.db.Close()
}

func (p *SQLiteProvider) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS lease_jobs (
		tracking_id TEXT PRIMARY KEY,
		queue_id TEXT NOT NULL,
		command_kind TEXT NOT NULL,
		command_payload BLOB,
		execute_after INTEGER NOT NULL,
		expire_on INTEGER NOT NULL,
		is_complete INTEGER NOT NULL DEFAULT 0,
		dequeue_after INTEGER NOT NULL DEFAULT 0,
		enqueued_at INTEGER NOT NULL,
		failure_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_lease_jobs_arrival ON lease_jobs(queue_id, enqueued_at, tracking_id);
	CREATE INDEX IF NOT EXISTS idx_lease_jobs_expire_on ON lease_jobs(expire_on);
	`
	_, err := p.db.Exec(schema)
	return err
}

const sqliteColumns = `tracking_id, queue_id, command_kind, command_payload, execute_after, expire_on,
	is_complete, dequeue_after, enqueued_at, failure_count`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (*JobRecord, error) {
	var (
		id                       string
		record                   JobRecord
		executeAfter, expireOn   int64
		dequeueAfter, enqueuedAt int64
		complete                 int
	)
	if err := row.Scan(&id, &record.QueueID, &record.Command.Kind, &record.Command.Payload,
		&executeAfter, &expireOn, &complete, &dequeueAfter, &enqueuedAt, &record.FailureCount); err != nil {
		return nil, err
	}
	trackingID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid tracking ID %q: %w", id, err)
	}
	record.TrackingID = trackingID
	record.ExecuteAfter = fromUnixNanos(executeAfter)
	record.ExpireOn = fromUnixNanos(expireOn)
	record.DequeueAfter = fromUnixNanos(dequeueAfter)
	record.EnqueuedAt = fromUnixNanos(enqueuedAt)
	record.IsComplete = complete != 0
	return &record, nil
}

// StoreJob inserts a new record.
func (p *SQLiteProvider) StoreJob(ctx context.Context, record *JobRecord) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if err := record.validate(); err != nil {
		return err
	}
	prepared := prepareForStore(record, p.clock.Now())

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO lease_jobs (`+sqliteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, 0)
	`, prepared.TrackingID.String(), prepared.QueueID, prepared.Command.Kind, prepared.Command.Payload,
		unixNanos(prepared.ExecuteAfter), unixNanos(prepared.ExpireOn), unixNanos(prepared.EnqueuedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, prepared.TrackingID)
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// GetNextBatch claims up to params.Limit records inside one immediate transaction.
func (p *SQLiteProvider) GetNextBatch(ctx context.Context, params PendingJobSearchParams) ([]*JobRecord, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := p.clock.Now()
	nowNanos := unixNanos(now)

	next := func(ctx context.Context, after *JobRecord, size int) ([]*JobRecord, error) {
		query := `SELECT ` + sqliteColumns + ` FROM lease_jobs
			WHERE queue_id = ? AND is_complete = 0
			AND execute_after <= ? AND expire_on >= ? AND dequeue_after <= ?`
		args := []any{params.QueueID, nowNanos, nowNanos, nowNanos}
		if after != nil {
			query += ` AND (enqueued_at > ? OR (enqueued_at = ? AND tracking_id > ?))`
			cursor := unixNanos(after.EnqueuedAt)
			args = append(args, cursor, cursor, after.TrackingID.String())
		}
		query += ` ORDER BY enqueued_at, tracking_id LIMIT ?`
		args = append(args, size)

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query candidates: %w", err)
		}
		defer rows.Close()

		page := make([]*JobRecord, 0, batchCapacity(size))
		for rows.Next() {
			record, err := scanSQLiteRecord(rows)
			if err != nil {
				return nil, fmt.Errorf("failed to scan job: %w", err)
			}
			page = append(page, record)
		}
		return page, rows.Err()
	}

	claim := func(ctx context.Context, record *JobRecord, until time.Time) (bool, error) {
		res, err := tx.ExecContext(ctx, `UPDATE lease_jobs SET dequeue_after = ? WHERE tracking_id = ? AND dequeue_after <= ?`,
			unixNanos(until), record.TrackingID.String(), nowNanos)
		if err != nil {
			return false, fmt.Errorf("failed to lease job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		return n == 1, nil
	}

	claimed, err := claimPaged(ctx, params, now, next, claim, p.logger)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	p.logger.Debug("claimed batch", zap.String("queue", params.QueueID), zap.Int("count", len(claimed)))
	return claimed, nil
}

// MarkJobAsComplete sets IsComplete on the record.
func (p *SQLiteProvider) MarkJobAsComplete(ctx context.Context, record *JobRecord) error {
	if record == nil {
		return fmt.Errorf("%w: record is nil", ErrInvalidJob)
	}
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, `UPDATE lease_jobs SET is_complete = 1 WHERE tracking_id = ?`, record.TrackingID.String()); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// CancelJob marks the record complete regardless of its lease.
func (p *SQLiteProvider) CancelJob(ctx context.Context, trackingID uuid.UUID) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE lease_jobs SET is_complete = 1 WHERE tracking_id = ?`, trackingID.String())
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, trackingID)
	}
	return nil
}

// OnHandlerExecutionFailure releases the record's lease.
func (p *SQLiteProvider) OnHandlerExecutionFailure(ctx context.Context, record *JobRecord, execErr error) error {
	if record == nil {
		return fmt.Errorf("%w: record is nil", ErrInvalidJob)
	}
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `UPDATE lease_jobs SET dequeue_after = 0, failure_count = failure_count + 1 WHERE tracking_id = ?`,
		record.TrackingID.String())
	if err != nil {
		return fmt.Errorf("failed to release job: %w", err)
	}
	return nil
}

// PurgeStaleJobs deletes expired records.
func (p *SQLiteProvider) PurgeStaleJobs(ctx context.Context, params StaleJobSearchParams) (int, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return 0, err
	}
	if err := params.Validate(); err != nil {
		return 0, err
	}

	where := `expire_on < ?`
	args := []any{unixNanos(params.ExpiredBefore)}
	if params.QueueID != "" {
		where += ` AND queue_id = ?`
		args = append(args, params.QueueID)
	}
	query := `DELETE FROM lease_jobs WHERE ` + where
	if params.Limit > 0 {
		query = `DELETE FROM lease_jobs WHERE tracking_id IN (SELECT tracking_id FROM lease_jobs WHERE ` + where + ` ORDER BY expire_on LIMIT ?)`
		args = append(args, params.Limit)
	}

	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// GetJob returns the record with the given tracking ID.
func (p *SQLiteProvider) GetJob(ctx context.Context, trackingID uuid.UUID) (*JobRecord, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	row := p.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM lease_jobs WHERE tracking_id = ?`, trackingID.String())
	record, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, trackingID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return record, nil
}

func openSQLite(dbPath string, opts ...ProviderOption) (StorageProvider, error) {
	return NewSQLiteProvider(dbPath, opts...)
}
