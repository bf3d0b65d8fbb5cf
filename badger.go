package leasequeue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BadgerProvider implements StorageProvider using BadgerDB.
// Claims run inside serializable Badger transactions; conflicting claimers are
// retried, so a record is never leased twice.
type BadgerProvider struct {
	db     *badger.DB
	clock  Clock
	logger *zap.Logger
}

// NewBadgerProvider opens (or creates) a BadgerDB database in dbPath.
func NewBadgerProvider(dbPath string, opts ...ProviderOption) (*BadgerProvider, error) {
	o := newProviderOptions("badger", opts)

	bopts := badger.DefaultOptions(dbPath)
	bopts.Logger = badgerLogger{o.logger.Sugar()}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	return &BadgerProvider{
		db:     db,
		clock:  o.clock,
		logger: o.logger,
	}, nil
}

// badgerLogger adapts zap to badger.Logger.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}

// DistributedJobProcessingEnabled is always true.
func (p *BadgerProvider) DistributedJobProcessingEnabled() bool { return true }

// Close closes the database.
func (p *BadgerProvider) Close() error {
	return p.db.Close()
}

// retryUpdate retries a BadgerDB update operation on transaction conflicts.
func (p *BadgerProvider) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxRetries = 50
	const retryDelay = 1 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(retryDelay)
		}

		err := p.db.Update(fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) {
			lastErr = err
			continue
		}
		if errors.Is(err, badger.ErrDBClosed) {
			return ErrProviderClosed
		}
		return err
	}
	return fmt.Errorf("transaction conflict after %d retries: %w", maxRetries, lastErr)
}

// key prefixes
const (
	keyPrefixJob   = "job:"
	keyPrefixQueue = "queue:"
)

func jobKey(trackingID uuid.UUID) []byte {
	return []byte(keyPrefixJob + trackingID.String())
}

// queuePrefix is terminated with a zero byte so one queue ID is never a prefix of another.
func queuePrefix(queueID string) []byte {
	key := make([]byte, 0, len(keyPrefixQueue)+len(queueID)+1)
	key = append(key, keyPrefixQueue...)
	key = append(key, queueID...)
	return append(key, 0)
}

// queueIndexKey orders a queue's records by arrival, then tracking ID.
func queueIndexKey(record *JobRecord) []byte {
	key := queuePrefix(record.QueueID)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(unixNanos(record.EnqueuedAt)))
	key = append(key, ts[:]...)
	return append(key, record.TrackingID.String()...)
}

func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}

func decodeRecord(data []byte) (*JobRecord, error) {
	var record JobRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &record, nil
}

func (p *BadgerProvider) getRecord(txn *badger.Txn, trackingID uuid.UUID) (*JobRecord, error) {
	item, err := txn.Get(jobKey(trackingID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, trackingID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read job: %w", err)
	}
	return decodeRecord(data)
}

func (p *BadgerProvider) putRecord(txn *badger.Txn, record *JobRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := txn.Set(jobKey(record.TrackingID), data); err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	return nil
}

// StoreJob persists a new record and its queue index entry.
func (p *BadgerProvider) StoreJob(ctx context.Context, record *JobRecord) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if err := record.validate(); err != nil {
		return err
	}
	prepared := prepareForStore(record, p.clock.Now())

	return p.retryUpdate(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(jobKey(prepared.TrackingID)); err == nil {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, prepared.TrackingID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("failed to check existing job: %w", err)
		}
		if err := p.putRecord(txn, prepared); err != nil {
			return err
		}
		if err := txn.Set(queueIndexKey(prepared), []byte(prepared.TrackingID.String())); err != nil {
			return fmt.Errorf("failed to index job: %w", err)
		}
		return nil
	})
}

// GetNextBatch claims up to params.Limit records in one transaction.
func (p *BadgerProvider) GetNextBatch(ctx context.Context, params PendingJobSearchParams) ([]*JobRecord, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	var claimed []*JobRecord
	err = p.retryUpdate(ctx, func(txn *badger.Txn) error {
		// Reset on every attempt so a retried transaction does not report stale claims.
		claimed = make([]*JobRecord, 0, batchCapacity(params.Limit))
		now := p.clock.Now()
		until := leaseDeadline(now, params)

		prefix := queuePrefix(params.QueueID)
		iopts := badger.DefaultIteratorOptions
		iopts.Prefix = prefix
		it := txn.NewIterator(iopts)
		defer it.Close()

		for it.Seek(prefix); it.Valid() && len(claimed) < params.Limit; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			idBytes, err := it.Item().ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to read index entry: %w", err)
			}
			trackingID, err := uuid.ParseBytes(idBytes)
			if err != nil {
				continue
			}
			record, err := p.getRecord(txn, trackingID)
			if errors.Is(err, ErrJobNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if !record.Claimable(now) || !params.matches(record) {
				continue
			}
			record.DequeueAfter = until
			if err := p.putRecord(txn, record); err != nil {
				return err
			}
			claimed = append(claimed, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.logger.Debug("claimed batch", zap.String("queue", params.QueueID), zap.Int("count", len(claimed)))
	return claimed, nil
}

func (p *BadgerProvider) mutate(ctx context.Context, trackingID uuid.UUID, fn func(*JobRecord)) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	return p.retryUpdate(ctx, func(txn *badger.Txn) error {
		record, err := p.getRecord(txn, trackingID)
		if err != nil {
			return err
		}
		fn(record)
		if err := p.putRecord(txn, record); err != nil {
			return err
		}
		// Complete records are never claimed again; keep them out of queue scans.
		if record.IsComplete {
			if err := txn.Delete(queueIndexKey(record)); err != nil {
				return fmt.Errorf("failed to unindex job: %w", err)
			}
		}
		return nil
	})
}

// MarkJobAsComplete sets IsComplete on the record.
func (p *BadgerProvider) MarkJobAsComplete(ctx context.Context, record *JobRecord) error {
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
func (p *BadgerProvider) CancelJob(ctx context.Context, trackingID uuid.UUID) error {
	return p.mutate(ctx, trackingID, func(r *JobRecord) { r.IsComplete = true })
}

// OnHandlerExecutionFailure releases the record's lease.
func (p *BadgerProvider) OnHandlerExecutionFailure(ctx context.Context, record *JobRecord, execErr error) error {
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

// purgeChunkSize bounds the number of deletions per transaction.
const purgeChunkSize = 1000

// PurgeStaleJobs deletes expired records in bounded transactions.
func (p *BadgerProvider) PurgeStaleJobs(ctx context.Context, params StaleJobSearchParams) (int, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return 0, err
	}
	if err := params.Validate(); err != nil {
		return 0, err
	}

	total := 0
	for !params.full(total) {
		chunk := purgeChunkSize
		if params.Limit > 0 && params.Limit-total < chunk {
			chunk = params.Limit - total
		}
		var deleted int
		err := p.retryUpdate(ctx, func(txn *badger.Txn) error {
			deleted = 0
			stale, err := p.findStale(txn, params, chunk)
			if err != nil {
				return err
			}
			for _, record := range stale {
				if err := txn.Delete(jobKey(record.TrackingID)); err != nil {
					return fmt.Errorf("failed to delete job: %w", err)
				}
				if err := txn.Delete(queueIndexKey(record)); err != nil {
					return fmt.Errorf("failed to delete index entry: %w", err)
				}
				deleted++
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		total += deleted
		if deleted < chunk {
			break
		}
	}
	return total, nil
}

func (p *BadgerProvider) findStale(txn *badger.Txn, params StaleJobSearchParams, limit int) ([]*JobRecord, error) {
	prefix := []byte(keyPrefixJob)
	iopts := badger.DefaultIteratorOptions
	iopts.Prefix = prefix
	it := txn.NewIterator(iopts)
	defer it.Close()

	stale := make([]*JobRecord, 0)
	for it.Seek(prefix); it.Valid() && len(stale) < limit; it.Next() {
		data, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to read job: %w", err)
		}
		record, err := decodeRecord(data)
		if err != nil {
			p.logger.Warn("skipping undecodable job", zap.ByteString("key", it.Item().KeyCopy(nil)), zap.Error(err))
			continue
		}
		if params.stale(record) {
			stale = append(stale, record)
		}
	}
	return stale, nil
}

// GetJob returns the record with the given tracking ID.
func (p *BadgerProvider) GetJob(ctx context.Context, trackingID uuid.UUID) (*JobRecord, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	var record *JobRecord
	err := p.db.View(func(txn *badger.Txn) error {
		var err error
		record, err = p.getRecord(txn, trackingID)
		return err
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return nil, ErrProviderClosed
	}
	return record, err
}
