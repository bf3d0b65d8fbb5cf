package leasequeue

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Server runs a Worker and a Sweeper over one provider.
type Server struct {
	provider StorageProvider
	worker   *Worker
	sweeper  *Sweeper
	client   *Client
	logger   *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewServer wires a worker, a sweeper and a client from cfg.
func NewServer(provider StorageProvider, registry *Registry, cfg Config, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	worker, err := NewWorker(provider, registry, cfg.WorkerConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker: %w", err)
	}
	sweeper, err := NewSweeper(provider, cfg.SweeperConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create sweeper: %w", err)
	}

	client := NewClient(provider, SystemClock, cfg.DefaultJobTTL)
	client.notify = worker.Notify

	return &Server{
		provider: provider,
		worker:   worker,
		sweeper:  sweeper,
		client:   client,
		logger:   logger.Named("server"),
	}, nil
}

// Start launches the worker and the sweep schedule.
func (s *Server) Start(ctx context.Context) error {
	if err := s.worker.Start(ctx); err != nil {
		return err
	}
	s.sweeper.Start()
	s.logger.Info("server started", zap.Bool("distributed", s.provider.DistributedJobProcessingEnabled()))
	return nil
}

// Stop halts the sweeper and waits for the worker's in-flight jobs.
func (s *Server) Stop() {
	s.sweeper.Stop()
	s.worker.Stop()
	s.logger.Info("server stopped")
}

// Cancel cancels a job, interrupting it when it runs on this server.
func (s *Server) Cancel(ctx context.Context, trackingID uuid.UUID) error {
	return s.worker.Cancel(ctx, trackingID)
}

// Client returns the producer for this server's provider.
func (s *Server) Client() *Client {
	return s.client
}

// Worker returns the server's worker.
func (s *Server) Worker() *Worker {
	return s.worker
}

// Sweeper returns the server's sweeper.
func (s *Server) Sweeper() *Sweeper {
	return s.sweeper
}

// Close stops the server and closes the provider.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.Stop()
		s.closeErr = s.provider.Close()
	})
	return s.closeErr
}
