package cleanup

import (
	"fmt"

	"github.com/changeloghq/authkit/config"
	"github.com/changeloghq/authkit/services/logging"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper is one named retention sweep. Sweeps are independent: one failing
// never stops the others.
type Sweeper struct {
	Name  string
	Sweep func() error
}

type Service struct {
	config   *config.Config
	sweepers []Sweeper
	cron     *cron.Cron
	logger   *logging.Service
}

func NewService(cfg *config.Config, logger *logging.Service, sweepers ...Sweeper) *Service {
	return &Service{
		config:   cfg,
		sweepers: sweepers,
		logger:   logger,
	}
}

func (s *Service) Register(sweeper Sweeper) {
	s.sweepers = append(s.sweepers, sweeper)
}

// Run executes every registered sweep once and returns the first error
// encountered, after all sweeps have run.
func (s *Service) Run() error {
	var firstErr error
	for _, sweeper := range s.sweepers {
		if err := sweeper.Sweep(); err != nil {
			if s.logger != nil {
				s.logger.Error("cleanup sweep failed",
					zap.String("sweep", sweeper.Name),
					zap.Error(err))
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("sweep %s: %w", sweeper.Name, err)
			}
		}
	}

	if s.logger != nil {
		s.logger.Info("cleanup run completed", zap.Int("sweeps", len(s.sweepers)))
	}
	return firstErr
}

// Start schedules periodic runs when a cron schedule is configured. With no
// schedule the service only runs on demand.
func (s *Service) Start() error {
	if s.config.Cleanup.Schedule == "" {
		return nil
	}

	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.config.Cleanup.Schedule, func() {
		if err := s.Run(); err != nil && s.logger != nil {
			s.logger.Error("scheduled cleanup run failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", s.config.Cleanup.Schedule, err)
	}

	s.cron.Start()

	if s.logger != nil {
		s.logger.Info("cleanup scheduler started",
			zap.String("schedule", s.config.Cleanup.Schedule))
	}
	return nil
}

func (s *Service) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
}
