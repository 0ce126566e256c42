package websocket

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/crmvoice/domain/repositories"
)

const (
	defaultSweepInterval = 30 * time.Minute
	defaultInitialDelay  = 1 * time.Minute
)

// ArchiveCleanupService removes conversation archives past their retention
type ArchiveCleanupService struct {
	archives  repositories.ConversationArchiveRepository
	retention time.Duration
	logger    *zap.Logger
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	interval     time.Duration
	initialDelay time.Duration
	now          func() time.Time
}

// NewArchiveCleanupService creates a new archive cleanup service
func NewArchiveCleanupService(archives repositories.ConversationArchiveRepository, retention time.Duration, logger *zap.Logger) *ArchiveCleanupService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveCleanupService{
		archives:     archives,
		retention:    retention,
		logger:       logger.With(zap.String("component", "archive_cleanup")),
		stopChan:     make(chan struct{}),
		interval:     defaultSweepInterval,
		initialDelay: defaultInitialDelay,
		now:          time.Now,
	}
}

// Start begins the background cleanup process
func (s *ArchiveCleanupService) Start() {
	s.wg.Add(1)
	go s.cleanupLoop()
	s.logger.Info("Archive cleanup service started", zap.Duration("retention", s.retention))
}

// Stop gracefully stops the cleanup service
func (s *ArchiveCleanupService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
	s.logger.Info("Archive cleanup service stopped")
}

// cleanupLoop runs the cleanup process periodically
func (s *ArchiveCleanupService) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	initialTimer := time.NewTimer(s.initialDelay)
	defer initialTimer.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-initialTimer.C:
			s.RunCleanup()
		case <-ticker.C:
			s.RunCleanup()
		}
	}
}

// RunCleanup deletes archives that ended before now minus the retention
func (s *ArchiveCleanupService) RunCleanup() {
	if s.retention <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := s.now().Add(-s.retention)
	deleted, err := s.archives.DeleteEndedBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("Failed to delete expired archives", zap.Error(err))
		return
	}

	s.logger.Info("Archive cleanup completed",
		zap.Time("cutoff", cutoff),
		zap.Int64("deleted", deleted))
}
