package leasequeue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrWorkerStarted is returned by Start on a worker that is already running.
var ErrWorkerStarted = errors.New("worker already started")

const (
	defaultBatchSize         = 10
	defaultMaxConcurrency    = 10
	defaultStorageProbeDelay = 1 * time.Second
)

// State is the phase a queue poller or an in-flight job is in.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateDispatching
	StateCompleting
	StateFailing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateDispatching:
		return "dispatching"
	case StateCompleting:
		return "completing"
	case StateFailing:
		return "failing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// QueueOptions configures the poller of one queue.
type QueueOptions struct {
	ID string
	// BatchSize caps the records claimed per poll.
	BatchSize int
	// ExecutionTimeLimit is both the lease length and the executor deadline.
	// Zero or InfiniteTimeLimit selects DefaultLeaseTime with no deadline.
	ExecutionTimeLimit time.Duration
	// Throughput limits claims per second. Zero means unlimited.
	Throughput rate.Limit
	Burst      int
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Queues            []QueueOptions
	MaxConcurrency    int           // Jobs executing at once across all queues
	StorageProbeDelay time.Duration // Interval between polls of one queue
	// MaxFailures abandons a job after that many failed executions. Zero retries forever.
	MaxFailures int
	// Clock drives the throughput limiters.
	Clock Clock
}

type poller struct {
	opts    QueueOptions
	limiter *rate.Limiter
	state   atomic.Int32
	wake    chan struct{} // pending early poll, at most one
}

type inflightJob struct {
	cancel    context.CancelFunc
	state     atomic.Int32
	cancelled atomic.Bool
}

// Worker polls queues, executes claimed jobs through a Registry and reports
// their outcome to the provider.
type Worker struct {
	provider StorageProvider
	registry *Registry
	config   WorkerConfig
	logger   *zap.Logger
	pool     *semaphore.Weighted
	pollers  map[string]*poller

	mu       sync.Mutex
	inflight map[uuid.UUID]*inflightJob

	started  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	pollWG   sync.WaitGroup
	jobWG    sync.WaitGroup
}

// NewWorker creates a worker. Queue IDs must be unique and non-empty.
func NewWorker(provider StorageProvider, registry *Registry, config WorkerConfig, logger *zap.Logger) (*Worker, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if len(config.Queues) == 0 {
		return nil, fmt.Errorf("at least one queue is required")
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaultMaxConcurrency
	}
	if config.StorageProbeDelay <= 0 {
		config.StorageProbeDelay = defaultStorageProbeDelay
	}
	if config.Clock == nil {
		config.Clock = SystemClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pollers := make(map[string]*poller, len(config.Queues))
	for _, q := range config.Queues {
		if q.ID == "" {
			return nil, fmt.Errorf("queue ID is required")
		}
		if _, exists := pollers[q.ID]; exists {
			return nil, fmt.Errorf("queue %q configured twice", q.ID)
		}
		if q.BatchSize <= 0 {
			q.BatchSize = defaultBatchSize
		}
		p := &poller{opts: q, wake: make(chan struct{}, 1)}
		if q.Throughput > 0 {
			burst := q.Burst
			if burst <= 0 {
				burst = q.BatchSize
			}
			p.limiter = rate.NewLimiter(q.Throughput, burst)
		}
		pollers[q.ID] = p
	}

	return &Worker{
		provider: provider,
		registry: registry,
		config:   config,
		logger:   logger.Named("worker"),
		pool:     semaphore.NewWeighted(int64(config.MaxConcurrency)),
		pollers:  pollers,
		inflight: make(map[uuid.UUID]*inflightJob),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start launches one poller per queue and returns immediately. Jobs run with
// contexts derived from ctx.
func (w *Worker) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrWorkerStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for _, p := range w.pollers {
		w.pollWG.Add(1)
		go w.pollLoop(ctx, p)
	}
	w.logger.Info("worker started",
		zap.Int("queues", len(w.pollers)),
		zap.Int("maxConcurrency", w.config.MaxConcurrency))
	return nil
}

// Stop stops polling and blocks until every in-flight job has reported.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.pollWG.Wait()
	w.jobWG.Wait()
}

// State returns the phase of a queue's poller.
func (w *Worker) State(queueID string) (State, bool) {
	p, ok := w.pollers[queueID]
	if !ok {
		return StateIdle, false
	}
	return State(p.state.Load()), true
}

// JobState returns the phase of a job executing on this worker.
func (w *Worker) JobState(trackingID uuid.UUID) (State, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	job, ok := w.inflight[trackingID]
	if !ok {
		return StateIdle, false
	}
	return State(job.state.Load()), true
}

// InFlight returns the number of jobs executing on this worker.
func (w *Worker) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inflight)
}

// Cancel marks a job complete and, when it is executing here, cancels its context.
func (w *Worker) Cancel(ctx context.Context, trackingID uuid.UUID) error {
	if err := w.provider.CancelJob(ctx, trackingID); err != nil {
		return err
	}
	w.mu.Lock()
	job, ok := w.inflight[trackingID]
	w.mu.Unlock()
	if ok {
		job.cancelled.Store(true)
		job.cancel()
		w.logger.Info("cancelled running job", zap.Stringer("trackingID", trackingID))
	}
	return nil
}

func (w *Worker) pollLoop(ctx context.Context, p *poller) {
	defer w.pollWG.Done()

	ticker := time.NewTicker(w.config.StorageProbeDelay)
	defer ticker.Stop()

	for {
		w.poll(ctx, p)
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

// Notify asks the poller of queueID to poll without waiting for its next tick.
// It never blocks; a notification already pending absorbs this one.
func (w *Worker) Notify(queueID string) {
	p, ok := w.pollers[queueID]
	if !ok {
		return
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// reserve takes up to want pool slots without blocking.
func (w *Worker) reserve(want int) int {
	got := 0
	for got < want && w.pool.TryAcquire(1) {
		got++
	}
	return got
}

func (w *Worker) poll(ctx context.Context, p *poller) {
	defer p.state.Store(int32(StateIdle))

	want := p.opts.BatchSize
	now := w.config.Clock.Now()
	if p.limiter != nil {
		tokens := int(p.limiter.TokensAt(now))
		if tokens < want {
			want = tokens
		}
	}
	if want <= 0 {
		return
	}
	slots := w.reserve(want)
	if slots == 0 {
		return
	}

	p.state.Store(int32(StatePolling))
	records, err := w.provider.GetNextBatch(ctx, PendingJobSearchParams{
		QueueID:            p.opts.ID,
		Match:              w.notInFlight,
		Limit:              slots,
		ExecutionTimeLimit: p.opts.ExecutionTimeLimit,
	})
	if unused := slots - len(records); unused > 0 {
		w.pool.Release(int64(unused))
	}
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("failed to claim jobs", zap.String("queue", p.opts.ID), zap.Error(err))
		}
		return
	}
	if len(records) == 0 {
		return
	}
	if p.limiter != nil {
		p.limiter.AllowN(now, len(records))
	}

	p.state.Store(int32(StateDispatching))
	for _, record := range records {
		w.dispatch(ctx, p.opts, record)
	}
}

func (w *Worker) notInFlight(record *JobRecord) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, running := w.inflight[record.TrackingID]
	return !running
}

func (w *Worker) dispatch(ctx context.Context, opts QueueOptions, record *JobRecord) {
	var (
		jobCtx context.Context
		cancel context.CancelFunc
	)
	if opts.ExecutionTimeLimit > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, opts.ExecutionTimeLimit)
	} else {
		jobCtx, cancel = context.WithCancel(ctx)
	}

	job := &inflightJob{cancel: cancel}
	job.state.Store(int32(StateDispatching))
	w.mu.Lock()
	w.inflight[record.TrackingID] = job
	w.mu.Unlock()

	w.jobWG.Add(1)
	go func() {
		defer w.jobWG.Done()
		defer w.pool.Release(1)
		defer func() {
			cancel()
			w.mu.Lock()
			delete(w.inflight, record.TrackingID)
			w.mu.Unlock()
		}()

		err := w.execute(jobCtx, record)
		w.report(context.WithoutCancel(jobCtx), job, record, err)
		// A freed slot is refilled right away; failures wait for the tick so
		// a job that keeps failing cannot spin.
		if err == nil {
			w.Notify(record.QueueID)
		}
	}()
}

func (w *Worker) execute(ctx context.Context, record *JobRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panicked: %v", r)
		}
	}()
	return w.registry.Execute(ctx, record.Command)
}

func (w *Worker) report(ctx context.Context, job *inflightJob, record *JobRecord, execErr error) {
	log := w.logger.With(
		zap.String("queue", record.QueueID),
		zap.Stringer("trackingID", record.TrackingID),
		zap.String("kind", record.Command.Kind))

	// The provider already holds the record as complete.
	if job.cancelled.Load() {
		log.Debug("job cancelled during execution")
		return
	}

	if execErr == nil {
		job.state.Store(int32(StateCompleting))
		if err := w.provider.MarkJobAsComplete(ctx, record); err != nil {
			log.Error("failed to mark job complete", zap.Error(err))
		}
		return
	}

	job.state.Store(int32(StateFailing))
	failures := record.FailureCount + 1
	log.Debug("job failed", zap.Int("failures", failures), zap.Error(execErr))

	// An abandoned job is completed while still leased so no other worker can
	// claim it between the failure report and the cancellation.
	abandon := w.config.MaxFailures > 0 && failures >= w.config.MaxFailures
	if abandon {
		if err := w.provider.CancelJob(ctx, record.TrackingID); err != nil && !errors.Is(err, ErrJobNotFound) {
			log.Error("failed to abandon job", zap.Error(err))
			return
		}
	}
	if err := w.provider.OnHandlerExecutionFailure(ctx, record, execErr); err != nil {
		log.Error("failed to record job failure", zap.Error(err))
		return
	}
	if abandon {
		log.Warn("abandoned job after repeated failures", zap.Int("failures", failures), zap.Error(execErr))
	}
}
