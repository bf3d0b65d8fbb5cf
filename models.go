// Package leasequeue provides a distributed, lease-based job queue with pluggable
// storage providers (in-memory, BadgerDB, Pebble, SQLite, PostgreSQL, Redis, MongoDB).
//
// The library supports:
//   - Delayed scheduling (ExecuteAfter) and job expiry (ExpireOn)
//   - Atomic find-and-claim with a lease watermark (DequeueAfter)
//   - Automatic recovery of jobs held by crashed workers once their lease elapses
//   - Per-queue pollers sharing a bounded execution pool
//   - Out-of-band cancellation of pending and running jobs
//   - Periodic purge of expired records
//
// Example usage:
//
//	provider := leasequeue.NewInMemoryProvider()
//	registry := leasequeue.NewRegistry()
//	_ = registry.Register("send_email", func(ctx context.Context, payload []byte) error {
//	    return nil
//	})
//	srv, _ := leasequeue.NewServer(provider, registry, cfg, logger)
//	_ = srv.Start(ctx)
//	defer srv.Close()
//
//	id, _ := srv.Client().Enqueue(ctx, "default", leasequeue.Command{
//	    Kind:    "send_email",
//	    Payload: []byte(`{"to": "someone@example.com"}`),
//	})
package leasequeue

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultLeaseTime is the lease length used when a search does not carry a
	// finite ExecutionTimeLimit.
	DefaultLeaseTime = 5 * time.Minute

	// InfiniteTimeLimit marks a search without an execution time limit.
	InfiniteTimeLimit time.Duration = -1
)

// NeverLeased is the DequeueAfter value of a record that holds no lease.
var NeverLeased = time.Time{}

var (
	// ErrInvalidSearchParams is returned for malformed search parameters.
	ErrInvalidSearchParams = errors.New("invalid search parameters")
	// ErrInvalidJob is returned when a record cannot be stored.
	ErrInvalidJob = errors.New("invalid job record")
	// ErrJobNotFound is returned when no record has the given tracking ID.
	ErrJobNotFound = errors.New("job not found")
	// ErrDuplicateJob is returned when a tracking ID is stored twice.
	ErrDuplicateJob = errors.New("job already exists")
	// ErrProviderClosed is returned by operations on a closed provider.
	ErrProviderClosed = errors.New("provider is closed")
)

// Command is the opaque payload handed to an executor.
// Kind selects the executor; Payload is never inspected by the queue.
type Command struct {
	Kind    string `json:"kind" bson:"kind"`
	Payload []byte `json:"payload" bson:"payload"`
}

// JobRecord is the persisted unit of deferred work.
type JobRecord struct {
	QueueID      string    // Logical partition for claims and ordering
	TrackingID   uuid.UUID // Unique identity
	Command      Command   // Payload handed to the executor
	ExecuteAfter time.Time // Earliest moment the job is eligible
	ExpireOn     time.Time // Once passed the job is never claimed and will be purged
	IsComplete   bool      // Terminal flag, set on success or cancellation
	DequeueAfter time.Time // Lease watermark; the job is invisible while now < DequeueAfter
	EnqueuedAt   time.Time // Arrival instant, set by the provider when zero
	FailureCount int       // Number of reported executor failures
}

// Claimable reports whether the record may be claimed at now.
func (r *JobRecord) Claimable(now time.Time) bool {
	return !r.IsComplete &&
		!r.ExecuteAfter.After(now) &&
		!r.ExpireOn.Before(now) &&
		!r.DequeueAfter.After(now)
}

// Clone returns a deep copy of the record.
func (r *JobRecord) Clone() *JobRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Command.Payload = copyBytes(r.Command.Payload)
	return &c
}

func (r *JobRecord) validate() error {
	if r == nil {
		return fmt.Errorf("%w: record is nil", ErrInvalidJob)
	}
	if r.QueueID == "" {
		return fmt.Errorf("%w: queue ID is required", ErrInvalidJob)
	}
	if r.TrackingID == uuid.Nil {
		return fmt.Errorf("%w: tracking ID is required", ErrInvalidJob)
	}
	if r.ExpireOn.IsZero() {
		return fmt.Errorf("%w: job %s has no expiry", ErrInvalidJob, r.TrackingID)
	}
	if r.ExpireOn.Before(r.ExecuteAfter) {
		return fmt.Errorf("%w: job %s expires before it becomes eligible", ErrInvalidJob, r.TrackingID)
	}
	return nil
}

// Predicate narrows the set of claimable records a search may return.
type Predicate func(*JobRecord) bool

// PendingJobSearchParams describes one claim request.
type PendingJobSearchParams struct {
	QueueID string
	// Match is evaluated in addition to the claimability invariant, which the
	// provider always enforces. Nil accepts every claimable record.
	Match Predicate
	// Limit is the maximum number of records to claim.
	Limit int
	// ExecutionTimeLimit sets the lease length. InfiniteTimeLimit or zero selects
	// DefaultLeaseTime.
	ExecutionTimeLimit time.Duration
}

// Validate checks the parameters.
func (p PendingJobSearchParams) Validate() error {
	if p.QueueID == "" {
		return fmt.Errorf("%w: queue ID is required", ErrInvalidSearchParams)
	}
	if p.Limit <= 0 {
		return fmt.Errorf("%w: limit must be greater than 0", ErrInvalidSearchParams)
	}
	if p.ExecutionTimeLimit < 0 && p.ExecutionTimeLimit != InfiniteTimeLimit {
		return fmt.Errorf("%w: negative execution time limit %s", ErrInvalidSearchParams, p.ExecutionTimeLimit)
	}
	return nil
}

func (p PendingJobSearchParams) matches(r *JobRecord) bool {
	return p.Match == nil || p.Match(r)
}

// StaleJobSearchParams selects records for purging.
type StaleJobSearchParams struct {
	QueueID       string    // Empty selects every queue
	ExpiredBefore time.Time // Records with ExpireOn strictly before this are stale
	Limit         int       // Maximum records removed per call, 0 means no limit
}

// Validate checks the parameters.
func (p StaleJobSearchParams) Validate() error {
	if p.ExpiredBefore.IsZero() {
		return fmt.Errorf("%w: expiry cutoff is required", ErrInvalidSearchParams)
	}
	if p.Limit < 0 {
		return fmt.Errorf("%w: limit must not be negative", ErrInvalidSearchParams)
	}
	return nil
}

func (p StaleJobSearchParams) stale(r *JobRecord) bool {
	if p.QueueID != "" && r.QueueID != p.QueueID {
		return false
	}
	return r.ExpireOn.Before(p.ExpiredBefore)
}

func (p StaleJobSearchParams) full(n int) bool {
	return p.Limit > 0 && n >= p.Limit
}

func copyBytes(src []byte) []byte {
	if src == nil {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

// prepareForStore returns the copy of record a provider persists: unleased,
// incomplete, with an arrival instant.
func prepareForStore(record *JobRecord, now time.Time) *JobRecord {
	prepared := record.Clone()
	if prepared.EnqueuedAt.IsZero() {
		prepared.EnqueuedAt = now
	}
	prepared.IsComplete = false
	prepared.DequeueAfter = NeverLeased
	prepared.FailureCount = 0
	return prepared
}

// unixNanos encodes t for storage; the zero time maps to 0.
func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
