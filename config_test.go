package leasequeue_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/VsevolodSauta/leasequeue"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"
)

var _ = Describe("Config", func() {
	Describe("LoadConfigFrom", func() {
		It("should fill in defaults", func() {
			cfg, err := leasequeue.LoadConfigFrom(map[string]string{})
			Expect(err).NotTo(HaveOccurred())

			Expect(cfg.Queues).To(Equal([]string{"default"}))
			Expect(cfg.MaxConcurrency).To(Equal(10))
			Expect(cfg.StorageProbeDelay).To(Equal(time.Second))
			Expect(cfg.BatchSize).To(Equal(10))
			Expect(cfg.ExecutionTimeLimit).To(Equal(5 * time.Minute))
			Expect(cfg.DefaultJobTTL).To(Equal(24 * time.Hour))
			Expect(cfg.MaxFailures).To(BeZero())
			Expect(cfg.SweepSchedule).To(Equal("@every 1m"))
			Expect(cfg.SweepBatchSize).To(Equal(1000))
			Expect(cfg.Provider).To(Equal(leasequeue.ProviderMemory))
			Expect(cfg.MongoDatabase).To(Equal("leasequeue"))
			Expect(cfg.HTTPAddr).To(Equal(":8080"))
		})

		It("should read prefixed variables", func() {
			cfg, err := leasequeue.LoadConfigFrom(map[string]string{
				"LEASEQUEUE_QUEUES":          "emails,reports",
				"LEASEQUEUE_MAX_CONCURRENCY": "3",
				"LEASEQUEUE_THROUGHPUT":      "2.5",
				"LEASEQUEUE_PROVIDER":        "redis",
				"LEASEQUEUE_REDIS_ADDR":      "localhost:6379",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Queues).To(Equal([]string{"emails", "reports"}))
			Expect(cfg.MaxConcurrency).To(Equal(3))
			Expect(cfg.Throughput).To(Equal(2.5))
			Expect(cfg.Provider).To(Equal(leasequeue.ProviderRedis))
		})

		It("should ignore variables without the prefix", func() {
			cfg, err := leasequeue.LoadConfigFrom(map[string]string{"MAX_CONCURRENCY": "3"})
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.MaxConcurrency).To(Equal(10))
		})

		It("should read bare integers as seconds", func() {
			cfg, err := leasequeue.LoadConfigFrom(map[string]string{
				"LEASEQUEUE_STORAGE_PROBE_DELAY":  "30",
				"LEASEQUEUE_EXECUTION_TIME_LIMIT": "0",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.StorageProbeDelay).To(Equal(30 * time.Second))
			Expect(cfg.ExecutionTimeLimit).To(BeZero())
		})

		It("should read duration strings", func() {
			cfg, err := leasequeue.LoadConfigFrom(map[string]string{
				"LEASEQUEUE_STORAGE_PROBE_DELAY": "250ms",
				"LEASEQUEUE_DEFAULT_JOB_TTL":     "1h30m",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.StorageProbeDelay).To(Equal(250 * time.Millisecond))
			Expect(cfg.DefaultJobTTL).To(Equal(90 * time.Minute))
		})

		It("should reject a malformed duration", func() {
			_, err := leasequeue.LoadConfigFrom(map[string]string{"LEASEQUEUE_STORAGE_PROBE_DELAY": "soon"})
			Expect(err).To(HaveOccurred())
		})

		It("should reject a provider without its connection setting", func() {
			_, err := leasequeue.LoadConfigFrom(map[string]string{"LEASEQUEUE_PROVIDER": "postgres"})
			Expect(err).To(MatchError(ContainSubstring("LEASEQUEUE_POSTGRES_DSN")))
		})
	})

	Describe("Validate", func() {
		It("should accept the default config", func() {
			cfg := leasequeue.DefaultConfig()
			Expect(cfg.Validate()).To(Succeed())
		})

		It("should report every problem at once", func() {
			cfg := leasequeue.DefaultConfig()
			cfg.Queues = []string{"a", "a", ""}
			cfg.MaxConcurrency = 0
			cfg.BatchSize = -1
			cfg.Provider = "cassandra"

			err := cfg.Validate()
			Expect(err).To(HaveOccurred())
			Expect(multierr.Errors(err)).To(HaveLen(5))
			Expect(err.Error()).To(ContainSubstring(`queue "a" listed twice`))
			Expect(err.Error()).To(ContainSubstring(`unknown provider "cassandra"`))
		})

		DescribeTable("provider connection settings",
			func(provider string, settings func(*leasequeue.Config), valid bool) {
				cfg := leasequeue.DefaultConfig()
				cfg.Provider = provider
				if settings != nil {
					settings(&cfg)
				}
				if valid {
					Expect(cfg.Validate()).To(Succeed())
				} else {
					Expect(cfg.Validate()).NotTo(Succeed())
				}
			},
			Entry("badger needs nothing", leasequeue.ProviderBadger, nil, true),
			Entry("postgres needs a DSN", leasequeue.ProviderPostgres, nil, false),
			Entry("postgres with a DSN", leasequeue.ProviderPostgres, func(c *leasequeue.Config) { c.PostgresDSN = "postgres://localhost/x" }, true),
			Entry("redis needs an address", leasequeue.ProviderRedis, nil, false),
			Entry("mongo needs a URI", leasequeue.ProviderMongo, nil, false),
			Entry("mongo with a URI", leasequeue.ProviderMongo, func(c *leasequeue.Config) { c.MongoURI = "mongodb://localhost" }, true),
		)
	})

	It("should derive worker and sweeper settings", func() {
		cfg := leasequeue.DefaultConfig()
		cfg.Queues = []string{"a", "b"}
		cfg.BatchSize = 7
		cfg.Throughput = 4
		cfg.MaxFailures = 3

		wc := cfg.WorkerConfig()
		Expect(wc.Queues).To(HaveLen(2))
		Expect(wc.Queues[1]).To(Equal(leasequeue.QueueOptions{
			ID:                 "b",
			BatchSize:          7,
			ExecutionTimeLimit: 5 * time.Minute,
			Throughput:         rate.Limit(4),
		}))
		Expect(wc.MaxConcurrency).To(Equal(10))
		Expect(wc.MaxFailures).To(Equal(3))

		sc := cfg.SweeperConfig()
		Expect(sc.Schedule).To(Equal("@every 1m"))
		Expect(sc.BatchSize).To(Equal(1000))
	})
})

var _ = Describe("OpenProvider", func() {
	var dataDir string

	BeforeEach(func() {
		var err error
		dataDir, err = os.MkdirTemp("", "open-test-*")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, dataDir)
	})

	DescribeTable("embedded providers",
		func(name string, dir string) {
			cfg := leasequeue.DefaultConfig()
			cfg.Provider = name
			cfg.DataDir = dataDir

			provider, err := leasequeue.OpenProvider(context.Background(), &cfg, leasequeue.WithLogger(testLogger()))
			Expect(err).NotTo(HaveOccurred())
			defer provider.Close()
			Expect(provider.DistributedJobProcessingEnabled()).To(BeTrue())
			if dir != "" {
				Expect(filepath.Join(dataDir, dir)).To(BeADirectory())
			}
		},
		Entry("memory", leasequeue.ProviderMemory, ""),
		Entry("badger", leasequeue.ProviderBadger, "badger"),
		Entry("pebble", leasequeue.ProviderPebble, "pebble"),
	)

	It("should reject an unknown provider", func() {
		cfg := leasequeue.DefaultConfig()
		cfg.Provider = "cassandra"
		_, err := leasequeue.OpenProvider(context.Background(), &cfg)
		Expect(err).To(HaveOccurred())
	})
})
