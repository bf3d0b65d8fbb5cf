package leasequeue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresProvider implements StorageProvider on PostgreSQL through pgxpool.
// Candidates are locked with FOR UPDATE SKIP LOCKED inside a transaction, so
// concurrent claimers on any number of machines skip each other's rows.
type PostgresProvider struct {
	pool   *pgxpool.Pool
	clock  Clock
	logger *zap.Logger
}

// NewPostgresProvider connects to dsn and creates the schema when missing.
func NewPostgresProvider(ctx context.Context, dsn string, opts ...ProviderOption) (*PostgresProvider, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	provider, err := NewPostgresProviderFromPool(ctx, pool, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return provider, nil
}

// NewPostgresProviderFromPool uses an existing pool. Close closes the pool.
func NewPostgresProviderFromPool(ctx context.Context, pool *pgxpool.Pool, opts ...ProviderOption) (*PostgresProvider, error) {
	o := newProviderOptions("postgres", opts)
	provider := &PostgresProvider{pool: pool, clock: o.clock, logger: o.logger}
	if err := provider.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return provider, nil
}

func (p *PostgresProvider) initSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS lease_jobs (
		tracking_id TEXT COLLATE "C" PRIMARY KEY,
		queue_id TEXT NOT NULL,
		command_kind TEXT NOT NULL,
		command_payload BYTEA,
		execute_after TIMESTAMPTZ NOT NULL,
		expire_on TIMESTAMPTZ NOT NULL,
		is_complete BOOLEAN NOT NULL DEFAULT FALSE,
		dequeue_after TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
		enqueued_at TIMESTAMPTZ NOT NULL,
		failure_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_lease_jobs_arrival ON lease_jobs(queue_id, enqueued_at, tracking_id) WHERE NOT is_complete;
	CREATE INDEX IF NOT EXISTS idx_lease_jobs_expire_on ON lease_jobs(expire_on);
	`)
	return err
}

// DistributedJobProcessingEnabled is always true.
func (p *PostgresProvider) DistributedJobProcessingEnabled() bool { return true }

// Close closes the connection pool.
func (p *PostgresProvider) Close() error {
	p.pool.Close()
	return nil
}

const pgColumns = `tracking_id, queue_id, command_kind, command_payload, execute_after, expire_on,
	is_complete, dequeue_after, enqueued_at, failure_count`

// pgEpoch stands in for the zero time, which TIMESTAMPTZ columns cannot hold.
var pgEpoch = time.Unix(0, 0).UTC()

func pgTime(t time.Time) time.Time {
	if t.IsZero() {
		return pgEpoch
	}
	return t
}

func fromPgTime(t time.Time) time.Time {
	if t.Equal(pgEpoch) {
		return time.Time{}
	}
	return t
}

func scanPostgresRecord(row pgx.Row) (*JobRecord, error) {
	var (
		id     string
		record JobRecord
	)
	if err := row.Scan(&id, &record.QueueID, &record.Command.Kind, &record.Command.Payload,
		&record.ExecuteAfter, &record.ExpireOn, &record.IsComplete, &record.DequeueAfter,
		&record.EnqueuedAt, &record.FailureCount); err != nil {
		return nil, err
	}
	trackingID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid tracking ID %q: %w", id, err)
	}
	record.TrackingID = trackingID
	record.ExecuteAfter = fromPgTime(record.ExecuteAfter)
	record.DequeueAfter = fromPgTime(record.DequeueAfter)
	return &record, nil
}

// StoreJob inserts a new record.
func (p *PostgresProvider) StoreJob(ctx context.Context, record *JobRecord) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if err := record.validate(); err != nil {
		return err
	}
	prepared := prepareForStore(record, p.clock.Now())

	_, err = p.pool.Exec(ctx, `
		INSERT INTO lease_jobs (tracking_id, queue_id, command_kind, command_payload, execute_after, expire_on, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, prepared.TrackingID.String(), prepared.QueueID, prepared.Command.Kind, prepared.Command.Payload,
		pgTime(prepared.ExecuteAfter), prepared.ExpireOn, prepared.EnqueuedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, prepared.TrackingID)
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// GetNextBatch claims up to params.Limit records inside one transaction.
func (p *PostgresProvider) GetNextBatch(ctx context.Context, params PendingJobSearchParams) ([]*JobRecord, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := p.clock.Now()
	until := leaseDeadline(now, params)

	// Lock only as many rows as are still needed: rows locked here are skipped
	// by concurrent claimers, so over-locking would starve them.
	claimed := make([]*JobRecord, 0, batchCapacity(params.Limit))
	var cursor *JobRecord
	for len(claimed) < params.Limit {
		want := params.Limit - len(claimed)
		page, err := p.lockCandidates(ctx, tx, params.QueueID, now, cursor, want)
		if err != nil {
			return nil, err
		}
		for _, record := range page {
			if !params.matches(record) {
				continue
			}
			if _, err := tx.Exec(ctx, `UPDATE lease_jobs SET dequeue_after = $1 WHERE tracking_id = $2`,
				until, record.TrackingID.String()); err != nil {
				return nil, fmt.Errorf("failed to lease job: %w", err)
			}
			record.DequeueAfter = until
			claimed = append(claimed, record)
		}
		if len(page) < want {
			break
		}
		cursor = page[len(page)-1]
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	p.logger.Debug("claimed batch", zap.String("queue", params.QueueID), zap.Int("count", len(claimed)))
	return claimed, nil
}

// lockCandidates locks up to size claimable rows ordered by arrival after cursor.
func (p *PostgresProvider) lockCandidates(ctx context.Context, tx pgx.Tx, queueID string, now time.Time, cursor *JobRecord, size int) ([]*JobRecord, error) {
	query := `SELECT ` + pgColumns + ` FROM lease_jobs
		WHERE queue_id = $1 AND NOT is_complete
		AND execute_after <= $2 AND expire_on >= $2 AND dequeue_after <= $2`
	args := []any{queueID, now, size}
	if cursor != nil {
		query += ` AND (enqueued_at, tracking_id) > ($4, $5)`
		args = append(args, cursor.EnqueuedAt, cursor.TrackingID.String())
	}
	query += ` ORDER BY enqueued_at, tracking_id LIMIT $3 FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidates: %w", err)
	}
	defer rows.Close()

	page := make([]*JobRecord, 0, batchCapacity(size))
	for rows.Next() {
		record, err := scanPostgresRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		page = append(page, record)
	}
	return page, rows.Err()
}

// MarkJobAsComplete sets IsComplete on the record.
func (p *PostgresProvider) MarkJobAsComplete(ctx context.Context, record *JobRecord) error {
	if record == nil {
		return fmt.Errorf("%w: record is nil", ErrInvalidJob)
	}
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, `UPDATE lease_jobs SET is_complete = TRUE WHERE tracking_id = $1`, record.TrackingID.String()); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// CancelJob marks the record complete regardless of its lease.
func (p *PostgresProvider) CancelJob(ctx context.Context, trackingID uuid.UUID) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `UPDATE lease_jobs SET is_complete = TRUE WHERE tracking_id = $1`, trackingID.String())
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, trackingID)
	}
	return nil
}

// OnHandlerExecutionFailure releases the record's lease.
func (p *PostgresProvider) OnHandlerExecutionFailure(ctx context.Context, record *JobRecord, execErr error) error {
	if record == nil {
		return fmt.Errorf("%w: record is nil", ErrInvalidJob)
	}
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `UPDATE lease_jobs SET dequeue_after = 'epoch', failure_count = failure_count + 1 WHERE tracking_id = $1`,
		record.TrackingID.String())
	if err != nil {
		return fmt.Errorf("failed to release job: %w", err)
	}
	return nil
}

// PurgeStaleJobs deletes expired records.
func (p *PostgresProvider) PurgeStaleJobs(ctx context.Context, params StaleJobSearchParams) (int, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return 0, err
	}
	if err := params.Validate(); err != nil {
		return 0, err
	}

	where := `expire_on < $1`
	args := []any{params.ExpiredBefore}
	if params.QueueID != "" {
		args = append(args, params.QueueID)
		where += fmt.Sprintf(` AND queue_id = $%d`, len(args))
	}
	query := `DELETE FROM lease_jobs WHERE ` + where
	if params.Limit > 0 {
		args = append(args, params.Limit)
		query = fmt.Sprintf(`DELETE FROM lease_jobs WHERE tracking_id IN (
			SELECT tracking_id FROM lease_jobs WHERE %s ORDER BY expire_on LIMIT $%d FOR UPDATE SKIP LOCKED)`, where, len(args))
	}

	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetJob returns the record with the given tracking ID.
func (p *PostgresProvider) GetJob(ctx context.Context, trackingID uuid.UUID) (*JobRecord, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	row := p.pool.QueryRow(ctx, `SELECT `+pgColumns+` FROM lease_jobs WHERE tracking_id = $1`, trackingID.String())
	record, err := scanPostgresRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, trackingID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return record, nil
}
