package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vertextoedge/resumable-downloader/internal/domain"
	"github.com/vertextoedge/resumable-downloader/internal/port"
	"go.uber.org/zap"
)

// Registry releases controllers of finished sessions and the partial files
// of expired ones
type Registry interface {
	Reap() int
	ReleasePartial(sessionID, destination string) (bool, error)
}

// Config contains maintenance service configuration
type Config struct {
	// ReapInterval is how often finished controllers are released
	ReapInterval time.Duration

	// CleanupInterval is how often old terminal sessions are purged
	CleanupInterval time.Duration

	// TerminalRetention is how long terminal sessions are kept in the store
	TerminalRetention time.Duration
}

// DefaultConfig returns default maintenance configuration
func DefaultConfig() *Config {
	return &Config{
		ReapInterval:      time.Minute,
		CleanupInterval:   time.Hour,
		TerminalRetention: 7 * 24 * time.Hour,
	}
}

// Service handles periodic maintenance tasks
type Service struct {
	config   *Config
	registry Registry
	sessions port.SessionRepository
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new maintenance Service
func New(cfg *Config, registry Registry, sessions port.SessionRepository, logger *zap.Logger) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.ReapInterval == 0 {
		cfg.ReapInterval = time.Minute
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.TerminalRetention == 0 {
		cfg.TerminalRetention = 7 * 24 * time.Hour
	}

	return &Service{
		config:   cfg,
		registry: registry,
		sessions: sessions,
		logger:   logger,
	}
}

// Start starts the maintenance service and blocks until ctx is done or Stop is called
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("maintenance service already running")
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.logger.Info("maintenance service started",
		zap.Duration("reap_interval", s.config.ReapInterval),
		zap.Duration("cleanup_interval", s.config.CleanupInterval),
		zap.Duration("terminal_retention", s.config.TerminalRetention))

	s.wg.Add(1)
	go s.maintenanceLoop(ctx)

	<-ctx.Done()
	s.wg.Wait()
	s.logger.Info("maintenance service stopped")
	return nil
}

// Stop stops the maintenance service
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.running = false
}

// maintenanceLoop handles periodic maintenance tasks
func (s *Service) maintenanceLoop(ctx context.Context) {
	defer s.wg.Done()

	reapTicker := time.NewTicker(s.config.ReapInterval)
	defer reapTicker.Stop()

	cleanupTicker := time.NewTicker(s.config.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reapTicker.C:
			s.reapControllers()
		case <-cleanupTicker.C:
			s.PurgeTerminal(time.Now())
		}
	}
}

// reapControllers releases controllers of finished sessions
func (s *Service) reapControllers() {
	if reaped := s.registry.Reap(); reaped > 0 {
		s.logger.Debug("reaped finished sessions", zap.Int("count", reaped))
	}
}

// PurgeTerminal deletes terminal sessions last updated before the retention
// window. A partial file is removed only when no newer session for the same
// destination may still resume from it. Unacknowledged failures are kept.
func (s *Service) PurgeTerminal(now time.Time) int {
	expired, err := s.sessions.ListTerminalBefore(now.Add(-s.config.TerminalRetention))
	if err != nil {
		s.logger.Error("failed to list expired sessions", zap.Error(err))
		return 0
	}
	if len(expired) == 0 {
		return 0
	}

	purged := 0
	for _, session := range expired {
		if session.Status == domain.StatusFailed && !session.Acknowledged {
			continue
		}

		if session.Status != domain.StatusCompleted {
			if _, err := s.registry.ReleasePartial(session.ID, session.Destination); err != nil {
				s.logger.Warn("failed to remove partial file",
					zap.String("session", session.ID),
					zap.Error(err))
				continue
			}
		}

		if err := s.sessions.DeleteSession(session.ID); err != nil {
			s.logger.Warn("failed to delete expired session",
				zap.String("session", session.ID),
				zap.Error(err))
			continue
		}
		purged++
	}

	if purged > 0 {
		s.logger.Info("purged expired sessions", zap.Int("count", purged))
	}
	return purged
}
