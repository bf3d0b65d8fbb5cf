package leasequeue_test

import (
	"context"
	"time"

	"github.com/VsevolodSauta/leasequeue"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Client", func() {
	var (
		ctx      context.Context
		clock    *manualClock
		provider *leasequeue.InMemoryProvider
		client   *leasequeue.Client
		cmd      leasequeue.Command
	)

	BeforeEach(func() {
		ctx = context.Background()
		clock = newManualClock()
		provider = leasequeue.NewInMemoryProvider(leasequeue.WithClock(clock))
		client = leasequeue.NewClient(provider, clock, time.Hour)
		cmd = leasequeue.Command{Kind: "test", Payload: []byte("x")}
	})

	get := func(id uuid.UUID) *leasequeue.JobRecord {
		record, err := client.Get(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		return record
	}

	It("should make a job eligible now and expire it after the TTL", func() {
		now := clock.Now()
		id, err := client.Enqueue(ctx, "queue-1", cmd)
		Expect(err).NotTo(HaveOccurred())
		Expect(id).NotTo(Equal(uuid.Nil))

		record := get(id)
		Expect(record.QueueID).To(Equal("queue-1"))
		Expect(record.Command).To(Equal(cmd))
		Expect(record.ExecuteAfter).To(BeTemporally("==", now))
		Expect(record.ExpireOn).To(BeTemporally("==", now.Add(time.Hour)))
		Expect(record.IsComplete).To(BeFalse())
	})

	It("should fall back to DefaultJobTTL", func() {
		client = leasequeue.NewClient(provider, clock, 0)
		id, err := client.Enqueue(ctx, "queue-1", cmd)
		Expect(err).NotTo(HaveOccurred())
		Expect(get(id).ExpireOn).To(BeTemporally("==", clock.Now().Add(leasequeue.DefaultJobTTL)))
	})

	It("should apply a delay and a TTL", func() {
		now := clock.Now()
		id, err := client.Enqueue(ctx, "queue-1", cmd,
			leasequeue.WithDelay(time.Minute),
			leasequeue.WithTTL(10*time.Minute))
		Expect(err).NotTo(HaveOccurred())

		record := get(id)
		Expect(record.ExecuteAfter).To(BeTemporally("==", now.Add(time.Minute)))
		Expect(record.ExpireOn).To(BeTemporally("==", now.Add(11*time.Minute)))
	})

	It("should prefer absolute times", func() {
		at := clock.Now().Add(time.Hour)
		until := at.Add(time.Hour)
		id, err := client.Enqueue(ctx, "queue-1", cmd,
			leasequeue.WithDelay(time.Minute),
			leasequeue.WithExecuteAfter(at),
			leasequeue.WithTTL(time.Minute),
			leasequeue.WithExpireOn(until))
		Expect(err).NotTo(HaveOccurred())

		record := get(id)
		Expect(record.ExecuteAfter).To(BeTemporally("==", at))
		Expect(record.ExpireOn).To(BeTemporally("==", until))
	})

	It("should reject an expiry before the execution time", func() {
		_, err := client.Enqueue(ctx, "queue-1", cmd,
			leasequeue.WithDelay(time.Hour),
			leasequeue.WithExpireOn(clock.Now()))
		Expect(err).To(MatchError(leasequeue.ErrInvalidJob))
	})

	It("should reject a missing queue", func() {
		_, err := client.Enqueue(ctx, "", cmd)
		Expect(err).To(MatchError(leasequeue.ErrInvalidJob))
	})

	It("should use a caller-supplied tracking ID once", func() {
		want := uuid.New()
		id, err := client.Enqueue(ctx, "queue-1", cmd, leasequeue.WithTrackingID(want))
		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(Equal(want))

		_, err = client.Enqueue(ctx, "queue-1", cmd, leasequeue.WithTrackingID(want))
		Expect(err).To(MatchError(leasequeue.ErrDuplicateJob))
	})

	It("should cancel a job", func() {
		id, err := client.Enqueue(ctx, "queue-1", cmd)
		Expect(err).NotTo(HaveOccurred())

		Expect(client.Cancel(ctx, id)).To(Succeed())
		Expect(get(id).IsComplete).To(BeTrue())
		Expect(client.Cancel(ctx, uuid.New())).To(MatchError(leasequeue.ErrJobNotFound))
	})
})
