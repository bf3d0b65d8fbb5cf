package leasequeue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StorageProvider is the persistence contract of the queue.
// Implementations must be safe for concurrent use. GetNextBatch is the only
// operation that must be atomic with respect to concurrent callers.
type StorageProvider interface {
	// StoreJob persists a new, unleased, incomplete record.
	StoreJob(ctx context.Context, record *JobRecord) error

	// GetNextBatch atomically finds and leases up to params.Limit claimable
	// records of params.QueueID, oldest arrival first.
	GetNextBatch(ctx context.Context, params PendingJobSearchParams) ([]*JobRecord, error)

	// MarkJobAsComplete sets IsComplete. It is idempotent.
	MarkJobAsComplete(ctx context.Context, record *JobRecord) error

	// CancelJob marks the record complete regardless of its lease.
	CancelJob(ctx context.Context, trackingID uuid.UUID) error

	// OnHandlerExecutionFailure releases the lease immediately so the record
	// can be claimed again on the next poll.
	OnHandlerExecutionFailure(ctx context.Context, record *JobRecord, execErr error) error

	// PurgeStaleJobs deletes records whose ExpireOn is before params.ExpiredBefore,
	// whether complete or not. It returns the number of deleted records.
	PurgeStaleJobs(ctx context.Context, params StaleJobSearchParams) (int, error)

	// DistributedJobProcessingEnabled reports whether lease bookkeeping is enforced.
	DistributedJobProcessingEnabled() bool

	// GetJob returns a copy of the record with the given tracking ID.
	GetJob(ctx context.Context, trackingID uuid.UUID) (*JobRecord, error)

	// Close releases the provider's resources.
	Close() error
}

// Clock supplies the current time to providers and workers.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// ProviderOption configures a storage provider.
type ProviderOption func(*providerOptions)

type providerOptions struct {
	clock       Clock
	logger      *zap.Logger
	distributed bool
}

// WithClock sets the clock used for claimability and lease arithmetic.
func WithClock(clock Clock) ProviderOption {
	return func(o *providerOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger sets the provider's logger.
func WithLogger(logger *zap.Logger) ProviderOption {
	return func(o *providerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithDistributedProcessing toggles lease bookkeeping. Only the in-memory
// provider can disable it; persistent providers always enforce leases.
func WithDistributedProcessing(enabled bool) ProviderOption {
	return func(o *providerOptions) {
		o.distributed = enabled
	}
}

func newProviderOptions(name string, opts []ProviderOption) providerOptions {
	o := providerOptions{
		clock:       SystemClock,
		logger:      zap.NewNop(),
		distributed: true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.Named(name)
	return o
}

func normalizeContext(ctx context.Context) (context.Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ctx, nil
}
