package leasequeue

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
)

// leaseTime maps an execution time limit onto a lease length.
func leaseTime(limit time.Duration) time.Duration {
	if limit <= 0 {
		return DefaultLeaseTime
	}
	return limit
}

// leaseDeadline returns the DequeueAfter value a claim made at now receives.
func leaseDeadline(now time.Time, params PendingJobSearchParams) time.Time {
	return now.Add(leaseTime(params.ExecutionTimeLimit))
}

// arrivalLess orders records oldest arrival first, ties broken by tracking ID.
func arrivalLess(a, b *JobRecord) bool {
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.TrackingID.String() < b.TrackingID.String()
}

func sortByArrival(records []*JobRecord) {
	sort.Slice(records, func(i, j int) bool {
		return arrivalLess(records[i], records[j])
	})
}

// claimCandidates leases up to params.Limit of the given records in arrival
// order and returns copies of the claimed ones. The caller must hold the
// provider's critical section: records are mutated in place.
func claimCandidates(candidates []*JobRecord, params PendingJobSearchParams, now time.Time, distributed bool) []*JobRecord {
	eligible := make([]*JobRecord, 0, len(candidates))
	for _, record := range candidates {
		if record.QueueID != params.QueueID || !record.Claimable(now) || !params.matches(record) {
			continue
		}
		eligible = append(eligible, record)
	}
	sortByArrival(eligible)
	if len(eligible) > params.Limit {
		eligible = eligible[:params.Limit]
	}

	until := leaseDeadline(now, params)
	claimed := make([]*JobRecord, 0, len(eligible))
	for _, record := range eligible {
		if distributed {
			record.DequeueAfter = until
		}
		claimed = append(claimed, record.Clone())
	}
	return claimed
}

// candidatePage returns up to size records of a queue that were claimable at
// now, ordered by arrival and strictly after the cursor record (nil for the
// first page). An empty page ends the scan.
type candidatePage func(ctx context.Context, after *JobRecord, size int) ([]*JobRecord, error)

// claimFunc tries to lease one candidate until the given deadline. It reports
// false when another claimer won the record first.
type claimFunc func(ctx context.Context, record *JobRecord, until time.Time) (bool, error)

// maxPreallocated bounds slice capacities derived from a caller's Limit.
const maxPreallocated = 64

// batchCapacity is the initial capacity for a batch of up to limit records.
func batchCapacity(limit int) int {
	return min(limit, maxPreallocated)
}

// claimPageSize is the number of candidates fetched per page for a claim of limit records.
func claimPageSize(limit int) int {
	return max(16, min(limit, maxPreallocated)*4)
}

// claimPaged scans candidates page by page, filters them with params.Match and
// claims them one at a time until params.Limit records are held or the queue is
// exhausted. Losing a race on one candidate moves on to the next, so concurrent
// callers never share a record and together drain every claimable one.
//
// Claims are not transactional: once a record is leased it is returned even if
// the scan fails later, and the failure is only logged. The error is returned
// only when nothing was claimed.
func claimPaged(ctx context.Context, params PendingJobSearchParams, now time.Time, next candidatePage, claim claimFunc, logger *zap.Logger) ([]*JobRecord, error) {
	size := claimPageSize(params.Limit)
	until := leaseDeadline(now, params)

	claimed := make([]*JobRecord, 0, batchCapacity(params.Limit))
	held := func(err error) ([]*JobRecord, error) {
		if len(claimed) == 0 {
			return nil, err
		}
		logger.Warn("claim scan interrupted, returning partial batch",
			zap.String("queue", params.QueueID),
			zap.Int("count", len(claimed)),
			zap.Error(err))
		return claimed, nil
	}

	var cursor *JobRecord
	for len(claimed) < params.Limit {
		page, err := next(ctx, cursor, size)
		if err != nil {
			return held(err)
		}
		if len(page) == 0 {
			break
		}
		for _, record := range page {
			if len(claimed) == params.Limit {
				break
			}
			if err := ctx.Err(); err != nil {
				return held(err)
			}
			if !record.Claimable(now) || !params.matches(record) {
				continue
			}
			ok, err := claim(ctx, record, until)
			if err != nil {
				return held(err)
			}
			if !ok {
				continue
			}
			record.DequeueAfter = until
			claimed = append(claimed, record)
		}
		cursor = page[len(page)-1]
		if len(page) < size {
			break
		}
	}
	return claimed, nil
}
