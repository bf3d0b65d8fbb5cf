package leasequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PebbleProvider implements StorageProvider using a Pebble LSM store.
// Pebble holds an exclusive lock on its directory, so a process-wide mutex
// around read-modify-write sequences is enough to make claims atomic. Every
// mutation is committed as a single synced batch.
type PebbleProvider struct {
	mu     sync.Mutex
	db     *pebble.DB
	clock  Clock
	logger *zap.Logger
	closed bool
}

// NewPebbleProvider opens (or creates) a Pebble database in dir.
func NewPebbleProvider(dir string, opts ...ProviderOption) (*PebbleProvider, error) {
	o := newProviderOptions("pebble", opts)
	db, err := pebble.Open(dir, &pebble.Options{Logger: o.logger.Sugar()})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble: %w", err)
	}
	return &PebbleProvider{
		db:     db,
		clock:  o.clock,
		logger: o.logger,
	}, nil
}

// DistributedJobProcessingEnabled is always true.
func (p *PebbleProvider) DistributedJobProcessingEnabled() bool { return true }

// Close closes the database.
func (p *PebbleProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}

func (p *PebbleProvider) getLocked(trackingID uuid.UUID) (*JobRecord, error) {
	data, closer, err := p.db.Get(jobKey(trackingID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, trackingID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	defer closer.Close()
	return decodeRecord(data)
}

func setRecord(batch *pebble.Batch, record *JobRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := batch.Set(jobKey(record.TrackingID), data, nil); err != nil {
		return fmt.Errorf("failed to write job: %w", err)
	}
	return nil
}

func (p *PebbleProvider) commit(batch *pebble.Batch) error {
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// StoreJob persists a new record and its queue index entry.
func (p *PebbleProvider) StoreJob(ctx context.Context, record *JobRecord) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if err := record.validate(); err != nil {
		return err
	}
	prepared := prepareForStore(record, p.clock.Now())

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrProviderClosed
	}
	if _, err := p.getLocked(prepared.TrackingID); err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, prepared.TrackingID)
	} else if !errors.Is(err, ErrJobNotFound) {
		return err
	}

	batch := p.db.NewBatch()
	defer batch.Close()
	if err := setRecord(batch, prepared); err != nil {
		return err
	}
	if err := batch.Set(queueIndexKey(prepared), []byte(prepared.TrackingID.String()), nil); err != nil {
		return fmt.Errorf("failed to write index entry: %w", err)
	}
	return p.commit(batch)
}

// GetNextBatch claims up to params.Limit records and commits the leases in one batch.
func (p *PebbleProvider) GetNextBatch(ctx context.Context, params PendingJobSearchParams) ([]*JobRecord, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrProviderClosed
	}

	now := p.clock.Now()
	until := leaseDeadline(now, params)
	prefix := queuePrefix(params.QueueID)
	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer it.Close()

	batch := p.db.NewBatch()
	defer batch.Close()

	claimed := make([]*JobRecord, 0, batchCapacity(params.Limit))
	for valid := it.First(); valid && len(claimed) < params.Limit; valid = it.Next() {
		trackingID, err := uuid.ParseBytes(it.Value())
		if err != nil {
			continue
		}
		record, err := p.getLocked(trackingID)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !record.Claimable(now) || !params.matches(record) {
			continue
		}
		record.DequeueAfter = until
		if err := setRecord(batch, record); err != nil {
			return nil, err
		}
		claimed = append(claimed, record)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("failed to scan queue: %w", err)
	}
	if len(claimed) == 0 {
		return claimed, nil
	}
	if err := p.commit(batch); err != nil {
		return nil, err
	}
	p.logger.Debug("claimed batch", zap.String("queue", params.QueueID), zap.Int("count", len(claimed)))
	return claimed, nil
}

func (p *PebbleProvider) mutate(ctx context.Context, trackingID uuid.UUID, fn func(*JobRecord)) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrProviderClosed
	}
	record, err := p.getLocked(trackingID)
	if err != nil {
		return err
	}
	fn(record)

	batch := p.db.NewBatch()
	defer batch.Close()
	if err := setRecord(batch, record); err != nil {
		return err
	}
	// Complete records are never claimed again; keep them out of queue scans.
	if record.IsComplete {
		if err := batch.Delete(queueIndexKey(record), nil); err != nil {
			return fmt.Errorf("failed to unindex job: %w", err)
		}
	}
	return p.commit(batch)
}

// MarkJobAsComplete sets IsComplete on the record.
func (p *PebbleProvider) MarkJobAsComplete(ctx context.Context, record *JobRecord) error {
	if record == nil {
		return fmt.Errorf("%w: record is nil", ErrInvalidJob)
	}
	err := p.mutate(ctx, record.TrackingID, func(r *JobRecord) { r.IsComplete = true })
	if errors.Is(err, ErrJobNotFound) {
		return nil
	}
	return err
}

// CancelJob marks the record complete regardless of its lease.
func (p *PebbleProvider) CancelJob(ctx context.Context, trackingID uuid.UUID) error {
	return p.mutate(ctx, trackingID, func(r *JobRecord) { r.IsComplete = true })
}

// OnHandlerExecutionFailure releases the record's lease.
func (p *PebbleProvider) OnHandlerExecutionFailure(ctx context.Context, record *JobRecord, execErr error) error {
	if record == nil {
		return fmt.Errorf("%w: record is nil", ErrInvalidJob)
	}
	err := p.mutate(ctx, record.TrackingID, func(r *JobRecord) {
		r.DequeueAfter = NeverLeased
		r.FailureCount++
	})
	if errors.Is(err, ErrJobNotFound) {
		return nil
	}
	return err
}

// PurgeStaleJobs deletes expired records and their index entries in one batch.
func (p *PebbleProvider) PurgeStaleJobs(ctx context.Context, params StaleJobSearchParams) (int, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return 0, err
	}
	if err := params.Validate(); err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrProviderClosed
	}

	prefix := []byte(keyPrefixJob)
	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return 0, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer it.Close()

	batch := p.db.NewBatch()
	defer batch.Close()

	deleted := 0
	for valid := it.First(); valid && !params.full(deleted); valid = it.Next() {
		record, err := decodeRecord(it.Value())
		if err != nil {
			p.logger.Warn("skipping undecodable job", zap.ByteString("key", it.Key()), zap.Error(err))
			continue
		}
		if !params.stale(record) {
			continue
		}
		if err := batch.Delete(jobKey(record.TrackingID), nil); err != nil {
			return 0, fmt.Errorf("failed to delete job: %w", err)
		}
		if err := batch.Delete(queueIndexKey(record), nil); err != nil {
			return 0, fmt.Errorf("failed to delete index entry: %w", err)
		}
		deleted++
	}
	if err := it.Error(); err != nil {
		return 0, fmt.Errorf("failed to scan jobs: %w", err)
	}
	if deleted == 0 {
		return 0, nil
	}
	if err := p.commit(batch); err != nil {
		return 0, err
	}
	return deleted, nil
}

// GetJob returns the record with the given tracking ID.
func (p *PebbleProvider) GetJob(ctx context.Context, trackingID uuid.UUID) (*JobRecord, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrProviderClosed
	}
	return p.getLocked(trackingID)
}
