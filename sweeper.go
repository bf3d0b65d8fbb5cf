package leasequeue

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const defaultSweepSchedule = "@every 1m"

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	// Schedule is a five-field cron expression or a descriptor such as "@every 1m".
	Schedule string
	// BatchSize bounds the records removed per pass. Zero removes every stale record.
	BatchSize int
	Clock     Clock
}

// Sweeper periodically purges expired records from every queue.
type Sweeper struct {
	provider StorageProvider
	config   SweeperConfig
	logger   *zap.Logger
	cron     *cron.Cron

	mu      sync.Mutex
	running bool
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	*zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.Errorw(msg, append(keysAndValues, "error", err)...)
}

// NewSweeper validates the schedule and creates a stopped sweeper.
func NewSweeper(provider StorageProvider, config SweeperConfig, logger *zap.Logger) (*Sweeper, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if config.Schedule == "" {
		config.Schedule = defaultSweepSchedule
	}
	if config.BatchSize < 0 {
		return nil, fmt.Errorf("sweep batch size must not be negative")
	}
	if config.Clock == nil {
		config.Clock = SystemClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("sweeper")

	cl := cronLogger{logger.Sugar()}
	s := &Sweeper{
		provider: provider,
		config:   config,
		logger:   logger,
		cron:     cron.New(cron.WithLogger(cl), cron.WithChain(cron.SkipIfStillRunning(cl))),
	}
	if _, err := s.cron.AddFunc(config.Schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", config.Schedule, err)
	}
	return s, nil
}

// Start begins the schedule. It is a no-op on a running sweeper.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
}

// Stop halts the schedule and waits for a pass in progress.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}

func (s *Sweeper) run() {
	if _, err := s.Sweep(context.Background()); err != nil {
		s.logger.Error("sweep failed", zap.Error(err))
	}
}

// Sweep runs one purge pass and returns the number of removed records.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	purged, err := s.provider.PurgeStaleJobs(ctx, StaleJobSearchParams{
		ExpiredBefore: s.config.Clock.Now(),
		Limit:         s.config.BatchSize,
	})
	if err != nil {
		return purged, fmt.Errorf("failed to purge stale jobs: %w", err)
	}
	if purged > 0 {
		s.logger.Info("purged stale jobs", zap.Int("count", purged))
	}
	return purged, nil
}
