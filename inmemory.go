package leasequeue

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InMemoryProvider implements StorageProvider with in-process maps.
// A single mutex guards all state, which makes the claim a critical section.
// It is suitable for tests and single-process deployments.
type InMemoryProvider struct {
	mu          sync.Mutex
	jobs        map[uuid.UUID]*JobRecord
	queues      map[string]map[uuid.UUID]*JobRecord // queueID -> trackingID -> record
	clock       Clock
	logger      *zap.Logger
	distributed bool
	closed      bool
}

// NewInMemoryProvider creates a new in-memory provider.
func NewInMemoryProvider(opts ...ProviderOption) *InMemoryProvider {
	o := newProviderOptions("inmemory", opts)
	return &InMemoryProvider{
		jobs:        make(map[uuid.UUID]*JobRecord),
		queues:      make(map[string]map[uuid.UUID]*JobRecord),
		clock:       o.clock,
		logger:      o.logger,
		distributed: o.distributed,
	}
}

// DistributedJobProcessingEnabled reports whether leases are recorded.
func (p *InMemoryProvider) DistributedJobProcessingEnabled() bool {
	return p.distributed
}

// Close closes the provider and prevents further operations.
func (p *InMemoryProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// StoreJob persists a new record.
func (p *InMemoryProvider) StoreJob(ctx context.Context, record *JobRecord) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if err := record.validate(); err != nil {
		return err
	}
	prepared := prepareForStore(record, p.clock.Now())

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureOpenLocked(); err != nil {
		return err
	}
	if _, exists := p.jobs[prepared.TrackingID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, prepared.TrackingID)
	}
	p.storeLocked(prepared)
	p.logger.Debug("stored job", zap.String("queue", prepared.QueueID), zap.Stringer("trackingID", prepared.TrackingID))
	return nil
}

// GetNextBatch claims up to params.Limit records under the provider mutex.
func (p *InMemoryProvider) GetNextBatch(ctx context.Context, params PendingJobSearchParams) ([]*JobRecord, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureOpenLocked(); err != nil {
		return nil, err
	}

	queue := p.queues[params.QueueID]
	candidates := make([]*JobRecord, 0, len(queue))
	for _, record := range queue {
		candidates = append(candidates, record)
	}
	claimed := claimCandidates(candidates, params, p.clock.Now(), p.distributed)
	p.logger.Debug("claimed batch", zap.String("queue", params.QueueID), zap.Int("count", len(claimed)))
	return claimed, nil
}

// MarkJobAsComplete sets IsComplete on the record.
func (p *InMemoryProvider) MarkJobAsComplete(ctx context.Context, record *JobRecord) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("%w: record is nil", ErrInvalidJob)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureOpenLocked(); err != nil {
		return err
	}
	if stored, ok := p.jobs[record.TrackingID]; ok {
		stored.IsComplete = true
	}
	return nil
}

// CancelJob marks the record complete regardless of its lease.
func (p *InMemoryProvider) CancelJob(ctx context.Context, trackingID uuid.UUID) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureOpenLocked(); err != nil {
		return err
	}
	stored, ok := p.jobs[trackingID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, trackingID)
	}
	stored.IsComplete = true
	return nil
}

// OnHandlerExecutionFailure releases the record's lease.
func (p *InMemoryProvider) OnHandlerExecutionFailure(ctx context.Context, record *JobRecord, execErr error) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("%w: record is nil", ErrInvalidJob)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureOpenLocked(); err != nil {
		return err
	}
	stored, ok := p.jobs[record.TrackingID]
	if !ok {
		return nil
	}
	stored.DequeueAfter = NeverLeased
	stored.FailureCount++
	p.logger.Debug("released lease after failure", zap.Stringer("trackingID", stored.TrackingID), zap.Error(execErr))
	return nil
}

// PurgeStaleJobs deletes expired records.
func (p *InMemoryProvider) PurgeStaleJobs(ctx context.Context, params StaleJobSearchParams) (int, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return 0, err
	}
	if err := params.Validate(); err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureOpenLocked(); err != nil {
		return 0, err
	}

	stale := make([]*JobRecord, 0)
	for _, record := range p.jobs {
		if params.stale(record) {
			stale = append(stale, record)
		}
	}
	sortByArrival(stale)
	if params.Limit > 0 && len(stale) > params.Limit {
		stale = stale[:params.Limit]
	}
	for _, record := range stale {
		p.removeLocked(record)
	}
	return len(stale), nil
}

// GetJob returns a copy of the record.
func (p *InMemoryProvider) GetJob(ctx context.Context, trackingID uuid.UUID) (*JobRecord, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureOpenLocked(); err != nil {
		return nil, err
	}
	stored, ok := p.jobs[trackingID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, trackingID)
	}
	return stored.Clone(), nil
}

func (p *InMemoryProvider) storeLocked(record *JobRecord) {
	p.jobs[record.TrackingID] = record
	queue, ok := p.queues[record.QueueID]
	if !ok {
		queue = make(map[uuid.UUID]*JobRecord)
		p.queues[record.QueueID] = queue
	}
	queue[record.TrackingID] = record
}

func (p *InMemoryProvider) removeLocked(record *JobRecord) {
	delete(p.jobs, record.TrackingID)
	if queue, ok := p.queues[record.QueueID]; ok {
		delete(queue, record.TrackingID)
		if len(queue) == 0 {
			delete(p.queues, record.QueueID)
		}
	}
}

func (p *InMemoryProvider) ensureOpenLocked() error {
	if p.closed {
		return ErrProviderClosed
	}
	return nil
}
