package leasequeue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VsevolodSauta/leasequeue"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// contendedProvider lets a second claimer poll right after every failure report.
type contendedProvider struct {
	leasequeue.StorageProvider
	stolen atomic.Int32
}

func (p *contendedProvider) OnHandlerExecutionFailure(ctx context.Context, record *leasequeue.JobRecord, execErr error) error {
	if err := p.StorageProvider.OnHandlerExecutionFailure(ctx, record, execErr); err != nil {
		return err
	}
	records, err := p.StorageProvider.GetNextBatch(ctx, leasequeue.PendingJobSearchParams{
		QueueID: record.QueueID,
		Limit:   10,
	})
	if err != nil {
		return err
	}
	p.stolen.Add(int32(len(records)))
	return nil
}

var _ = Describe("Worker", func() {
	const queueID = "default"

	var (
		ctx      context.Context
		provider *leasequeue.InMemoryProvider
		registry *leasequeue.Registry
		client   *leasequeue.Client
		config   leasequeue.WorkerConfig
		worker   *leasequeue.Worker
	)

	BeforeEach(func() {
		ctx = context.Background()
		provider = leasequeue.NewInMemoryProvider(leasequeue.WithLogger(testLogger()))
		registry = leasequeue.NewRegistry()
		client = leasequeue.NewClient(provider, nil, time.Hour)
		config = leasequeue.WorkerConfig{
			Queues: []leasequeue.QueueOptions{{
				ID:                 queueID,
				BatchSize:          5,
				ExecutionTimeLimit: 5 * time.Second,
			}},
			MaxConcurrency:    4,
			StorageProbeDelay: 10 * time.Millisecond,
		}
		worker = nil
	})

	AfterEach(func() {
		if worker != nil {
			worker.Stop()
		}
	})

	start := func() {
		var err error
		worker, err = leasequeue.NewWorker(provider, registry, config, testLogger())
		Expect(err).NotTo(HaveOccurred())
		Expect(worker.Start(ctx)).To(Succeed())
	}

	enqueue := func(kind string) uuid.UUID {
		id, err := client.Enqueue(ctx, queueID, leasequeue.Command{Kind: kind, Payload: []byte(`{}`)})
		Expect(err).NotTo(HaveOccurred())
		return id
	}

	isComplete := func(id uuid.UUID) func() bool {
		return func() bool {
			record, err := provider.GetJob(ctx, id)
			return err == nil && record.IsComplete
		}
	}

	Describe("NewWorker", func() {
		It("should require at least one queue", func() {
			config.Queues = nil
			_, err := leasequeue.NewWorker(provider, registry, config, testLogger())
			Expect(err).To(HaveOccurred())
		})

		It("should reject an empty queue ID", func() {
			config.Queues = []leasequeue.QueueOptions{{ID: ""}}
			_, err := leasequeue.NewWorker(provider, registry, config, testLogger())
			Expect(err).To(HaveOccurred())
		})

		It("should reject a queue configured twice", func() {
			config.Queues = append(config.Queues, leasequeue.QueueOptions{ID: queueID})
			_, err := leasequeue.NewWorker(provider, registry, config, testLogger())
			Expect(err).To(HaveOccurred())
		})

		It("should require a provider and a registry", func() {
			_, err := leasequeue.NewWorker(nil, registry, config, testLogger())
			Expect(err).To(HaveOccurred())
			_, err = leasequeue.NewWorker(provider, nil, config, testLogger())
			Expect(err).To(HaveOccurred())
		})
	})

	It("should refuse to start twice", func() {
		start()
		Expect(worker.Start(ctx)).To(MatchError(leasequeue.ErrWorkerStarted))
	})

	It("should execute and complete a job", func() {
		var payloads atomic.Int32
		Expect(registry.Register("ok", func(ctx context.Context, payload []byte) error {
			payloads.Add(1)
			return nil
		})).To(Succeed())

		id := enqueue("ok")
		start()

		Eventually(isComplete(id)).Should(BeTrue())
		Expect(payloads.Load()).To(Equal(int32(1)))
	})

	It("should retry a failing job until it succeeds", func() {
		var attempts atomic.Int32
		Expect(registry.Register("flaky", func(ctx context.Context, payload []byte) error {
			if attempts.Add(1) < 3 {
				return errors.New("not yet")
			}
			return nil
		})).To(Succeed())

		id := enqueue("flaky")
		start()

		Eventually(isComplete(id)).Should(BeTrue())
		Expect(attempts.Load()).To(Equal(int32(3)))

		record, err := provider.GetJob(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(record.FailureCount).To(Equal(2))
	})

	It("should abandon a job after MaxFailures", func() {
		var attempts atomic.Int32
		Expect(registry.Register("broken", func(ctx context.Context, payload []byte) error {
			attempts.Add(1)
			return errors.New("always")
		})).To(Succeed())

		config.MaxFailures = 2
		id := enqueue("broken")
		start()

		Eventually(isComplete(id)).Should(BeTrue())
		Consistently(attempts.Load, 100*time.Millisecond).Should(Equal(int32(2)))
	})

	It("should complete an abandoned job before another worker can claim it", func() {
		var attempts atomic.Int32
		Expect(registry.Register("broken", func(ctx context.Context, payload []byte) error {
			attempts.Add(1)
			return errors.New("always")
		})).To(Succeed())

		contended := &contendedProvider{StorageProvider: provider}
		config.MaxFailures = 1
		id := enqueue("broken")

		var err error
		worker, err = leasequeue.NewWorker(contended, registry, config, testLogger())
		Expect(err).NotTo(HaveOccurred())
		Expect(worker.Start(ctx)).To(Succeed())

		Eventually(isComplete(id)).Should(BeTrue())
		Eventually(worker.InFlight).Should(BeZero())
		Expect(contended.stolen.Load()).To(BeZero())
		Expect(attempts.Load()).To(Equal(int32(1)))

		record, err := provider.GetJob(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(record.FailureCount).To(Equal(1))
	})

	It("should treat an unknown command kind as a failure", func() {
		config.MaxFailures = 1
		id := enqueue("missing")
		start()

		Eventually(isComplete(id)).Should(BeTrue())
		record, err := provider.GetJob(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(record.FailureCount).To(Equal(1))
	})

	It("should recover from a panicking executor", func() {
		var attempts atomic.Int32
		Expect(registry.Register("panics", func(ctx context.Context, payload []byte) error {
			if attempts.Add(1) == 1 {
				panic("boom")
			}
			return nil
		})).To(Succeed())

		id := enqueue("panics")
		start()

		Eventually(isComplete(id)).Should(BeTrue())
		Expect(attempts.Load()).To(Equal(int32(2)))
	})

	It("should cut off an executor at the execution time limit", func() {
		deadlines := make(chan error, 1)
		Expect(registry.Register("slow", func(ctx context.Context, payload []byte) error {
			<-ctx.Done()
			select {
			case deadlines <- ctx.Err():
			default:
			}
			return ctx.Err()
		})).To(Succeed())

		config.Queues[0].ExecutionTimeLimit = 50 * time.Millisecond
		config.MaxFailures = 1
		id := enqueue("slow")
		start()

		Eventually(deadlines).Should(Receive(MatchError(context.DeadlineExceeded)))
		Eventually(isComplete(id)).Should(BeTrue())
	})

	It("should cancel a running job without reporting a failure", func() {
		started := make(chan struct{})
		stopped := make(chan error, 1)
		Expect(registry.Register("blocking", func(ctx context.Context, payload []byte) error {
			close(started)
			<-ctx.Done()
			stopped <- ctx.Err()
			return ctx.Err()
		})).To(Succeed())

		id := enqueue("blocking")
		start()
		Eventually(started).Should(BeClosed())

		state, ok := worker.JobState(id)
		Expect(ok).To(BeTrue())
		Expect(state).To(Equal(leasequeue.StateDispatching))

		Expect(worker.Cancel(ctx, id)).To(Succeed())
		Eventually(stopped).Should(Receive(MatchError(context.Canceled)))
		Eventually(worker.InFlight).Should(BeZero())

		record, err := provider.GetJob(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(record.IsComplete).To(BeTrue())
		Expect(record.FailureCount).To(BeZero())
	})

	It("should return ErrJobNotFound when cancelling an unknown job", func() {
		start()
		Expect(worker.Cancel(ctx, uuid.New())).To(MatchError(leasequeue.ErrJobNotFound))
	})

	It("should never exceed MaxConcurrency", func() {
		var running, peak atomic.Int32
		Expect(registry.Register("busy", func(ctx context.Context, payload []byte) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return nil
		})).To(Succeed())

		config.MaxConcurrency = 2
		ids := make([]uuid.UUID, 10)
		for i := range ids {
			ids[i] = enqueue("busy")
		}
		start()

		for _, id := range ids {
			Eventually(isComplete(id), 5*time.Second).Should(BeTrue())
		}
		Expect(peak.Load()).To(BeNumerically("<=", 2))
		Expect(peak.Load()).To(BeNumerically(">=", 1))
	})

	It("should wait for in-flight jobs on Stop", func() {
		started := make(chan struct{})
		Expect(registry.Register("sleepy", func(ctx context.Context, payload []byte) error {
			close(started)
			time.Sleep(100 * time.Millisecond)
			return nil
		})).To(Succeed())

		id := enqueue("sleepy")
		start()
		Eventually(started).Should(BeClosed())

		worker.Stop()
		Expect(worker.InFlight()).To(BeZero())
		Expect(isComplete(id)()).To(BeTrue())
	})

	It("should poll early when notified", func() {
		Expect(registry.Register("ok", func(ctx context.Context, payload []byte) error { return nil })).To(Succeed())

		config.StorageProbeDelay = time.Hour
		start()
		// The first poll happens at start, before anything is queued.
		Eventually(func() leasequeue.State {
			state, _ := worker.State(queueID)
			return state
		}).Should(Equal(leasequeue.StateIdle))

		id := enqueue("ok")
		worker.Notify(queueID)
		Eventually(isComplete(id), 2*time.Second).Should(BeTrue())
	})

	It("should report poller state only for configured queues", func() {
		start()
		_, ok := worker.State("nope")
		Expect(ok).To(BeFalse())
		_, ok = worker.State(queueID)
		Expect(ok).To(BeTrue())
		_, ok = worker.JobState(uuid.New())
		Expect(ok).To(BeFalse())
	})

	It("should hold claims to the configured throughput", func() {
		var executed atomic.Int32
		Expect(registry.Register("ok", func(ctx context.Context, payload []byte) error {
			executed.Add(1)
			return nil
		})).To(Succeed())

		config.Queues[0].Throughput = 1
		config.Queues[0].Burst = 2
		for i := 0; i < 5; i++ {
			enqueue("ok")
		}
		start()

		Eventually(executed.Load).Should(Equal(int32(2)))
		Consistently(executed.Load, 400*time.Millisecond).Should(Equal(int32(2)))
	})

	Context("with a non-distributed provider", func() {
		BeforeEach(func() {
			provider = leasequeue.NewInMemoryProvider(
				leasequeue.WithLogger(testLogger()),
				leasequeue.WithDistributedProcessing(false),
			)
			client = leasequeue.NewClient(provider, nil, time.Hour)
		})

		It("should run every job exactly once", func() {
			var mu sync.Mutex
			runs := make(map[string]int)
			Expect(registry.Register("count", func(ctx context.Context, payload []byte) error {
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				runs[string(payload)]++
				mu.Unlock()
				return nil
			})).To(Succeed())

			ids := make([]uuid.UUID, 20)
			for i := range ids {
				id := uuid.New()
				_, err := client.Enqueue(ctx, queueID,
					leasequeue.Command{Kind: "count", Payload: []byte(id.String())},
					leasequeue.WithTrackingID(id))
				Expect(err).NotTo(HaveOccurred())
				ids[i] = id
			}
			start()

			for _, id := range ids {
				Eventually(isComplete(id), 5*time.Second).Should(BeTrue())
			}
			worker.Stop()

			mu.Lock()
			defer mu.Unlock()
			Expect(runs).To(HaveLen(20))
			for payload, n := range runs {
				Expect(n).To(Equal(1), "job %s ran %d times", payload, n)
			}
		})
	})
})
