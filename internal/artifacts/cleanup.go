package artifacts

import (
	"context"
	"log/slog"
	"time"
)

// Pruner removes artifacts older than a given age.
type Pruner interface {
	PruneOlderThan(ctx context.Context, age time.Duration) (int, error)
}

// CleanupService periodically removes expired artifacts.
type CleanupService struct {
	pruner   Pruner
	maxAge   time.Duration
	interval time.Duration
	logger   *slog.Logger
	stopCh   chan struct{}
}

// NewCleanupService creates a cleanup service. The interval defaults to an
// hour or maxAge, whichever is shorter.
func NewCleanupService(pruner Pruner, maxAge, interval time.Duration, logger *slog.Logger) *CleanupService {
	if interval <= 0 {
		interval = min(time.Hour, maxAge)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupService{
		pruner:   pruner,
		maxAge:   maxAge,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the cleanup loop until ctx is done or Stop is called.
func (s *CleanupService) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("artifact cleanup started", "interval", s.interval, "max_age", s.maxAge)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce prunes once.
func (s *CleanupService) RunOnce(ctx context.Context) int {
	count, err := s.pruner.PruneOlderThan(ctx, s.maxAge)
	if err != nil {
		s.logger.Error("artifact cleanup failed", "error", err)
	} else if count > 0 {
		s.logger.Info("artifact cleanup completed", "pruned", count)
	}
	return count
}

// Stop signals the cleanup loop to stop.
func (s *CleanupService) Stop() {
	close(s.stopCh)
}
