package leasequeue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultJobTTL is how long an enqueued job stays claimable when no expiry is given.
const DefaultJobTTL = 24 * time.Hour

// Client is the producer side of the queue.
type Client struct {
	provider StorageProvider
	clock    Clock
	ttl      time.Duration
	// notify wakes the local poller of a queue that received a due job.
	notify func(queueID string)
}

// NewClient creates a client. A non-positive ttl selects DefaultJobTTL.
func NewClient(provider StorageProvider, clock Clock, ttl time.Duration) *Client {
	if clock == nil {
		clock = SystemClock
	}
	if ttl <= 0 {
		ttl = DefaultJobTTL
	}
	return &Client{provider: provider, clock: clock, ttl: ttl}
}

type enqueueOptions struct {
	trackingID   uuid.UUID
	executeAfter time.Time
	expireOn     time.Time
	delay        time.Duration
	ttl          time.Duration
}

// EnqueueOption customizes a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

// WithExecuteAfter makes the job eligible no earlier than t.
func WithExecuteAfter(t time.Time) EnqueueOption {
	return func(o *enqueueOptions) { o.executeAfter = t }
}

// WithDelay makes the job eligible d after enqueueing.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = d }
}

// WithTTL expires the job d after it becomes eligible.
func WithTTL(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.ttl = d }
}

// WithExpireOn sets an absolute expiry. It takes precedence over WithTTL.
func WithExpireOn(t time.Time) EnqueueOption {
	return func(o *enqueueOptions) { o.expireOn = t }
}

// WithTrackingID uses id instead of a generated one.
func WithTrackingID(id uuid.UUID) EnqueueOption {
	return func(o *enqueueOptions) { o.trackingID = id }
}

// Enqueue stores cmd on queueID and returns its tracking ID.
func (c *Client) Enqueue(ctx context.Context, queueID string, cmd Command, opts ...EnqueueOption) (uuid.UUID, error) {
	o := enqueueOptions{ttl: c.ttl}
	for _, opt := range opts {
		opt(&o)
	}

	now := c.clock.Now()
	executeAfter := o.executeAfter
	if executeAfter.IsZero() {
		executeAfter = now.Add(o.delay)
	}
	expireOn := o.expireOn
	if expireOn.IsZero() {
		ttl := o.ttl
		if ttl <= 0 {
			ttl = c.ttl
		}
		expireOn = executeAfter.Add(ttl)
	}
	if expireOn.Before(executeAfter) {
		return uuid.Nil, fmt.Errorf("%w: expiry %s is before execution time %s",
			ErrInvalidJob, expireOn.Format(time.RFC3339), executeAfter.Format(time.RFC3339))
	}

	trackingID := o.trackingID
	if trackingID == uuid.Nil {
		trackingID = uuid.New()
	}

	record := &JobRecord{
		QueueID:      queueID,
		TrackingID:   trackingID,
		Command:      cmd,
		ExecuteAfter: executeAfter,
		ExpireOn:     expireOn,
	}
	if err := c.provider.StoreJob(ctx, record); err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	if c.notify != nil && !executeAfter.After(now) {
		c.notify(queueID)
	}
	return trackingID, nil
}

// Cancel marks a job complete so it is never claimed again.
func (c *Client) Cancel(ctx context.Context, trackingID uuid.UUID) error {
	return c.provider.CancelJob(ctx, trackingID)
}

// Get returns the stored state of a job.
func (c *Client) Get(ctx context.Context, trackingID uuid.UUID) (*JobRecord, error) {
	return c.provider.GetJob(ctx, trackingID)
}
