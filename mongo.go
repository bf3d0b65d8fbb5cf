package leasequeue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// MongoProvider implements StorageProvider on a MongoDB collection.
// A claim is a conditional UpdateOne whose filter repeats the claimability
// invariant, so only one claimer can match a given document. Times are stored
// with millisecond precision.
type MongoProvider struct {
	collection *mongo.Collection
	clock      Clock
	logger     *zap.Logger
}

type mongoJob struct {
	TrackingID   string    `bson:"_id"`
	QueueID      string    `bson:"queue_id"`
	Command      Command   `bson:"command"`
	ExecuteAfter time.Time `bson:"execute_after"`
	ExpireOn     time.Time `bson:"expire_on"`
	IsComplete   bool      `bson:"is_complete"`
	DequeueAfter time.Time `bson:"dequeue_after"`
	EnqueuedAt   time.Time `bson:"enqueued_at"`
	FailureCount int       `bson:"failure_count"`
}

func toMongoJob(r *JobRecord) mongoJob {
	return mongoJob{
		TrackingID:   r.TrackingID.String(),
		QueueID:      r.QueueID,
		Command:      r.Command,
		ExecuteAfter: r.ExecuteAfter,
		ExpireOn:     r.ExpireOn,
		IsComplete:   r.IsComplete,
		DequeueAfter: r.DequeueAfter,
		EnqueuedAt:   r.EnqueuedAt,
		FailureCount: r.FailureCount,
	}
}

func (d mongoJob) record() (*JobRecord, error) {
	trackingID, err := uuid.Parse(d.TrackingID)
	if err != nil {
		return nil, fmt.Errorf("invalid tracking ID %q: %w", d.TrackingID, err)
	}
	zeroOrTime := func(t time.Time) time.Time {
		if t.IsZero() {
			return time.Time{}
		}
		return t
	}
	return &JobRecord{
		QueueID:      d.QueueID,
		TrackingID:   trackingID,
		Command:      d.Command,
		ExecuteAfter: zeroOrTime(d.ExecuteAfter),
		ExpireOn:     d.ExpireOn,
		IsComplete:   d.IsComplete,
		DequeueAfter: zeroOrTime(d.DequeueAfter),
		EnqueuedAt:   d.EnqueuedAt,
		FailureCount: d.FailureCount,
	}, nil
}

// NewMongoProvider stores records in collection and creates its indexes.
func NewMongoProvider(ctx context.Context, collection *mongo.Collection, opts ...ProviderOption) (*MongoProvider, error) {
	if collection == nil {
		return nil, fmt.Errorf("collection is required")
	}
	o := newProviderOptions("mongo", opts)
	_, err := collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "queue_id", Value: 1}, {Key: "enqueued_at", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "expire_on", Value: 1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}
	return &MongoProvider{collection: collection, clock: o.clock, logger: o.logger}, nil
}

// DistributedJobProcessingEnabled is always true.
func (p *MongoProvider) DistributedJobProcessingEnabled() bool { return true }

// Close disconnects the collection's client.
func (p *MongoProvider) Close() error {
	return p.collection.Database().Client().Disconnect(context.Background())
}

func claimableFilter(now time.Time) bson.M {
	return bson.M{
		"is_complete":   false,
		"execute_after": bson.M{"$lte": now},
		"expire_on":     bson.M{"$gte": now},
		"dequeue_after": bson.M{"$lte": now},
	}
}

// StoreJob inserts a new record.
func (p *MongoProvider) StoreJob(ctx context.Context, record *JobRecord) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if err := record.validate(); err != nil {
		return err
	}
	prepared := prepareForStore(record, p.clock.Now())

	if _, err := p.collection.InsertOne(ctx, toMongoJob(prepared)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, prepared.TrackingID)
		}
		return fmt.Errorf("insert failed: %w", err)
	}
	return nil
}

// GetNextBatch claims up to params.Limit records with per-document compare-and-swap.
func (p *MongoProvider) GetNextBatch(ctx context.Context, params PendingJobSearchParams) ([]*JobRecord, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	now := p.clock.Now().Truncate(time.Millisecond)

	next := func(ctx context.Context, after *JobRecord, size int) ([]*JobRecord, error) {
		filter := claimableFilter(now)
		filter["queue_id"] = params.QueueID
		if after != nil {
			filter["$or"] = []bson.M{
				{"enqueued_at": bson.M{"$gt": after.EnqueuedAt}},
				{"enqueued_at": after.EnqueuedAt, "_id": bson.M{"$gt": after.TrackingID.String()}},
			}
		}
		opts := options.Find().
			SetSort(bson.D{{Key: "enqueued_at", Value: 1}, {Key: "_id", Value: 1}}).
			SetLimit(int64(size))

		cursor, err := p.collection.Find(ctx, filter, opts)
		if err != nil {
			return nil, fmt.Errorf("find failed: %w", err)
		}
		var docs []mongoJob
		if err := cursor.All(ctx, &docs); err != nil {
			return nil, fmt.Errorf("failed to decode candidates: %w", err)
		}
		page := make([]*JobRecord, 0, len(docs))
		for _, doc := range docs {
			record, err := doc.record()
			if err != nil {
				return nil, err
			}
			page = append(page, record)
		}
		return page, nil
	}

	claim := func(ctx context.Context, record *JobRecord, until time.Time) (bool, error) {
		filter := claimableFilter(now)
		filter["_id"] = record.TrackingID.String()
		result, err := p.collection.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"dequeue_after": until}})
		if err != nil {
			return false, fmt.Errorf("update failed: %w", err)
		}
		return result.MatchedCount == 1, nil
	}

	claimed, err := claimPaged(ctx, params, now, next, claim, p.logger)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("claimed batch", zap.String("queue", params.QueueID), zap.Int("count", len(claimed)))
	return claimed, nil
}

func (p *MongoProvider) update(ctx context.Context, trackingID uuid.UUID, update bson.M) (bool, error) {
	result, err := p.collection.UpdateOne(ctx, bson.M{"_id": trackingID.String()}, update)
	if err != nil {
		return false, fmt.Errorf("update failed: %w", err)
	}
	return result.MatchedCount == 1, nil
}

// MarkJobAsComplete sets IsComplete on the record.
func (p *MongoProvider) MarkJobAsComplete(ctx context.Context, record *JobRecord) error {
	if record == nil {
		return fmt.Errorf("%w: record is nil", ErrInvalidJob)
	}
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	_, err = p.update(ctx, record.TrackingID, bson.M{"$set": bson.M{"is_complete": true}})
	return err
}

// CancelJob marks the record complete regardless of its lease.
func (p *MongoProvider) CancelJob(ctx context.Context, trackingID uuid.UUID) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	found, err := p.update(ctx, trackingID, bson.M{"$set": bson.M{"is_complete": true}})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrJobNotFound, trackingID)
	}
	return nil
}

// OnHandlerExecutionFailure releases the record's lease.
func (p *MongoProvider) OnHandlerExecutionFailure(ctx context.Context, record *JobRecord, execErr error) error {
	if record == nil {
		return fmt.Errorf("%w: record is nil", ErrInvalidJob)
	}
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	_, err = p.update(ctx, record.TrackingID, bson.M{
		"$set": bson.M{"dequeue_after": NeverLeased},
		"$inc": bson.M{"failure_count": 1},
	})
	return err
}

// PurgeStaleJobs deletes expired records.
func (p *MongoProvider) PurgeStaleJobs(ctx context.Context, params StaleJobSearchParams) (int, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return 0, err
	}
	if err := params.Validate(); err != nil {
		return 0, err
	}

	filter := bson.M{"expire_on": bson.M{"$lt": params.ExpiredBefore}}
	if params.QueueID != "" {
		filter["queue_id"] = params.QueueID
	}

	if params.Limit > 0 {
		opts := options.Find().
			SetSort(bson.D{{Key: "expire_on", Value: 1}}).
			SetLimit(int64(params.Limit)).
			SetProjection(bson.M{"_id": 1})
		cursor, err := p.collection.Find(ctx, filter, opts)
		if err != nil {
			return 0, fmt.Errorf("find failed: %w", err)
		}
		var ids []struct {
			ID string `bson:"_id"`
		}
		if err := cursor.All(ctx, &ids); err != nil {
			return 0, fmt.Errorf("failed to decode stale jobs: %w", err)
		}
		if len(ids) == 0 {
			return 0, nil
		}
		in := make([]string, len(ids))
		for i, id := range ids {
			in[i] = id.ID
		}
		filter["_id"] = bson.M{"$in": in}
	}

	result, err := p.collection.DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("delete failed: %w", err)
	}
	return int(result.DeletedCount), nil
}

// GetJob returns the record with the given tracking ID.
func (p *MongoProvider) GetJob(ctx context.Context, trackingID uuid.UUID) (*JobRecord, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	var doc mongoJob
	err = p.collection.FindOne(ctx, bson.M{"_id": trackingID.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, trackingID)
	}
	if err != nil {
		return nil, fmt.Errorf("find failed: %w", err)
	}
	return doc.record()
}
