package leasequeue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisProvider implements StorageProvider on Redis.
//
// Each record is a hash; a per-queue sorted set scored by arrival holds the
// incomplete records of a queue and a global sorted set scored by expiry feeds
// the sweeper. Claims are compare-and-swap Lua scripts that re-check the
// claimability invariant atomically on the server. Times are stored with
// millisecond precision.
type RedisProvider struct {
	rdb    redis.UniversalClient
	prefix string
	clock  Clock
	logger *zap.Logger
}

// NewRedisProvider wraps a connected client. All keys start with prefix.
func NewRedisProvider(rdb redis.UniversalClient, prefix string, opts ...ProviderOption) *RedisProvider {
	o := newProviderOptions("redis", opts)
	if prefix == "" {
		prefix = "leasequeue:"
	}
	return &RedisProvider{rdb: rdb, prefix: prefix, clock: o.clock, logger: o.logger}
}

// DistributedJobProcessingEnabled is always true.
func (p *RedisProvider) DistributedJobProcessingEnabled() bool { return true }

// Close closes the client.
func (p *RedisProvider) Close() error {
	return p.rdb.Close()
}

func (p *RedisProvider) jobKey(trackingID string) string { return p.prefix + "job:" + trackingID }
func (p *RedisProvider) queueKey(queueID string) string  { return p.prefix + "queue:" + queueID }
func (p *RedisProvider) expiryKey() string               { return p.prefix + "expiry" }

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

var storeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1],
	'queue', ARGV[2], 'kind', ARGV[3], 'payload', ARGV[4],
	'execute_after', ARGV[5], 'expire_on', ARGV[6], 'enqueued_at', ARGV[7],
	'complete', '0', 'dequeue_after', '0', 'failures', '0')
redis.call('ZADD', KEYS[2], ARGV[7], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[6], ARGV[1])
return 1
`)

var claimScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'complete', 'execute_after', 'expire_on', 'dequeue_after')
if not v[1] then
	return 0
end
local now = tonumber(ARGV[1])
if v[1] == '1' or tonumber(v[2]) > now or tonumber(v[3]) < now or tonumber(v[4]) > now then
	return 0
end
redis.call('HSET', KEYS[1], 'dequeue_after', ARGV[2])
return 1
`)

var completeScript = redis.NewScript(`
local queue = redis.call('HGET', KEYS[1], 'queue')
if not queue then
	return 0
end
redis.call('HSET', KEYS[1], 'complete', '1')
redis.call('ZREM', ARGV[2] .. 'queue:' .. queue, ARGV[1])
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'dequeue_after', '0')
redis.call('HINCRBY', KEYS[1], 'failures', 1)
return 1
`)

var purgeScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'queue', 'expire_on')
if not v[1] then
	redis.call('ZREM', KEYS[2], ARGV[1])
	return 0
end
if ARGV[3] ~= '' and v[1] ~= ARGV[3] then
	return 0
end
if tonumber(v[2]) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', ARGV[4] .. 'queue:' .. v[1], ARGV[1])
return 1
`)

// StoreJob persists a new record.
func (p *RedisProvider) StoreJob(ctx context.Context, record *JobRecord) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if err := record.validate(); err != nil {
		return err
	}
	prepared := prepareForStore(record, p.clock.Now())
	id := prepared.TrackingID.String()

	stored, err := storeScript.Run(ctx, p.rdb,
		[]string{p.jobKey(id), p.queueKey(prepared.QueueID), p.expiryKey()},
		id, prepared.QueueID, prepared.Command.Kind, prepared.Command.Payload,
		unixMillis(prepared.ExecuteAfter), unixMillis(prepared.ExpireOn), unixMillis(prepared.EnqueuedAt),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	if stored == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, id)
	}
	return nil
}

func decodeRedisRecord(id string, fields map[string]string) (*JobRecord, error) {
	trackingID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid tracking ID %q: %w", id, err)
	}
	millis := func(name string) (time.Time, error) {
		ms, err := strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid %s for job %s: %w", name, id, err)
		}
		return fromUnixMillis(ms), nil
	}

	record := &JobRecord{
		QueueID:    fields["queue"],
		TrackingID: trackingID,
		Command:    Command{Kind: fields["kind"], Payload: []byte(fields["payload"])},
		IsComplete: fields["complete"] == "1",
	}
	if record.ExecuteAfter, err = millis("execute_after"); err != nil {
		return nil, err
	}
	if record.ExpireOn, err = millis("expire_on"); err != nil {
		return nil, err
	}
	if record.DequeueAfter, err = millis("dequeue_after"); err != nil {
		return nil, err
	}
	if record.EnqueuedAt, err = millis("enqueued_at"); err != nil {
		return nil, err
	}
	if record.FailureCount, err = strconv.Atoi(fields["failures"]); err != nil {
		return nil, fmt.Errorf("invalid failure count for job %s: %w", id, err)
	}
	return record, nil
}

// rangeAfter returns up to size members of a queue set ordered by arrival and
// strictly after the cursor record. It pages by value, not by rank, so members
// removed by concurrent completions do not shift the scan.
func (p *RedisProvider) rangeAfter(ctx context.Context, queueKey string, after *JobRecord, size int) ([]redis.Z, error) {
	by := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	var (
		score  float64
		member string
	)
	if after != nil {
		score = float64(unixMillis(after.EnqueuedAt))
		member = after.TrackingID.String()
		by.Min = strconv.FormatInt(unixMillis(after.EnqueuedAt), 10)
	}

	// Members sharing the cursor's millisecond sort by ID; fetch enough to
	// get past the ones already seen.
	count := size
	for {
		by.Count = int64(count)
		zs, err := p.rdb.ZRangeByScoreWithScores(ctx, queueKey, by).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue: %w", err)
		}
		start := 0
		if after != nil {
			for start < len(zs) && zs[start].Score == score && zs[start].Member.(string) <= member {
				start++
			}
		}
		rest := zs[start:]
		if len(rest) >= size || len(zs) < count {
			return rest[:min(size, len(rest))], nil
		}
		count *= 2
	}
}

// loadPage fetches the hashes of a page of queue members in one pipeline,
// keeping their order. A member whose hash vanished is returned as a complete
// placeholder so it still serves as a cursor.
func (p *RedisProvider) loadPage(ctx context.Context, zs []redis.Z) ([]*JobRecord, error) {
	pipe := p.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(zs))
	for i, z := range zs {
		cmds[i] = pipe.HGetAll(ctx, p.jobKey(z.Member.(string)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}

	records := make([]*JobRecord, 0, len(zs))
	for i, cmd := range cmds {
		id := zs[i].Member.(string)
		fields, err := cmd.Result()
		if err == nil && len(fields) > 0 {
			record, err := decodeRedisRecord(id, fields)
			if err == nil {
				records = append(records, record)
				continue
			}
			p.logger.Warn("skipping undecodable job", zap.String("trackingID", id), zap.Error(err))
		}
		placeholder := &JobRecord{IsComplete: true, EnqueuedAt: fromUnixMillis(int64(zs[i].Score))}
		placeholder.TrackingID, _ = uuid.Parse(id)
		records = append(records, placeholder)
	}
	return records, nil
}

// GetNextBatch claims up to params.Limit records with per-record compare-and-swap.
func (p *RedisProvider) GetNextBatch(ctx context.Context, params PendingJobSearchParams) ([]*JobRecord, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	now := p.clock.Now().Truncate(time.Millisecond)
	queueKey := p.queueKey(params.QueueID)

	next := func(ctx context.Context, after *JobRecord, size int) ([]*JobRecord, error) {
		zs, err := p.rangeAfter(ctx, queueKey, after, size)
		if err != nil || len(zs) == 0 {
			return nil, err
		}
		return p.loadPage(ctx, zs)
	}

	claim := func(ctx context.Context, record *JobRecord, until time.Time) (bool, error) {
		ok, err := claimScript.Run(ctx, p.rdb, []string{p.jobKey(record.TrackingID.String())},
			unixMillis(now), unixMillis(until)).Int()
		if err != nil {
			return false, fmt.Errorf("failed to lease job: %w", err)
		}
		return ok == 1, nil
	}

	claimed, err := claimPaged(ctx, params, now, next, claim, p.logger)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("claimed batch", zap.String("queue", params.QueueID), zap.Int("count", len(claimed)))
	return claimed, nil
}

func (p *RedisProvider) complete(ctx context.Context, trackingID uuid.UUID) (bool, error) {
	id := trackingID.String()
	ok, err := completeScript.Run(ctx, p.rdb, []string{p.jobKey(id)}, id, p.prefix).Int()
	if err != nil {
		return false, fmt.Errorf("failed to complete job: %w", err)
	}
	return ok == 1, nil
}

// MarkJobAsComplete sets IsComplete and drops the record from its queue set.
func (p *RedisProvider) MarkJobAsComplete(ctx context.Context, record *JobRecord) error {
	if record == nil {
		return fmt.Errorf("%w: record is nil", ErrInvalidJob)
	}
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	_, err = p.complete(ctx, record.TrackingID)
	return err
}

// CancelJob marks the record complete regardless of its lease.
func (p *RedisProvider) CancelJob(ctx context.Context, trackingID uuid.UUID) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	ok, err := p.complete(ctx, trackingID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, trackingID)
	}
	return nil
}

// OnHandlerExecutionFailure releases the record's lease.
func (p *RedisProvider) OnHandlerExecutionFailure(ctx context.Context, record *JobRecord, execErr error) error {
	if record == nil {
		return fmt.Errorf("%w: record is nil", ErrInvalidJob)
	}
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if err := releaseScript.Run(ctx, p.rdb, []string{p.jobKey(record.TrackingID.String())}).Err(); err != nil {
		return fmt.Errorf("failed to release job: %w", err)
	}
	return nil
}

// PurgeStaleJobs deletes expired records found through the expiry set.
func (p *RedisProvider) PurgeStaleJobs(ctx context.Context, params StaleJobSearchParams) (int, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return 0, err
	}
	if err := params.Validate(); err != nil {
		return 0, err
	}

	const pageSize = 500
	cutoff := unixMillis(params.ExpiredBefore)
	deleted := 0
	var offset int64
	for !params.full(deleted) {
		ids, err := p.rdb.ZRangeByScore(ctx, p.expiryKey(), &redis.ZRangeBy{
			Min:    "-inf",
			Max:    "(" + strconv.FormatInt(cutoff, 10),
			Offset: offset,
			Count:  pageSize,
		}).Result()
		if err != nil {
			return deleted, fmt.Errorf("failed to scan expiry set: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		skipped := 0
		for _, id := range ids {
			if params.full(deleted) {
				break
			}
			ok, err := purgeScript.Run(ctx, p.rdb, []string{p.jobKey(id), p.expiryKey()},
				id, cutoff, params.QueueID, p.prefix).Int()
			if err != nil {
				return deleted, fmt.Errorf("failed to purge job: %w", err)
			}
			if ok == 1 {
				deleted++
			} else {
				skipped++
			}
		}
		// Purged members leave the set; only skipped ones shift the next page.
		offset += int64(skipped)
		if len(ids) < pageSize {
			break
		}
	}
	return deleted, nil
}

// GetJob returns the record with the given tracking ID.
func (p *RedisProvider) GetJob(ctx context.Context, trackingID uuid.UUID) (*JobRecord, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	id := trackingID.String()
	fields, err := p.rdb.HGetAll(ctx, p.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, trackingID)
	}
	return decodeRedisRecord(id, fields)
}
