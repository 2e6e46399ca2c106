// Package daemon runs the long-lived OTA scheduler.
package daemon

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/ota_mgr/internal/domain"
)

// DefaultReminderInterval is how often due reminders are looked for.
const DefaultReminderInterval = time.Minute

// UpdateService is the slice of the manager the scheduler drives.
type UpdateService interface {
	Initialize(ctx context.Context) error
	GetConfiguration() domain.Configuration
	CheckForUpdatesWithRetry(ctx context.Context, showUI, force bool) domain.CheckOutcome
	ProcessDueReminder(ctx context.Context) (bool, error)
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	ReminderInterval time.Duration
	ShowUI           bool // let periodic checks prompt the user
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{ReminderInterval: DefaultReminderInterval}
}

// Scheduler initializes the manager, then polls for updates on the
// configured check interval and fires due reminders.
type Scheduler struct {
	config  SchedulerConfig
	service UpdateService
	logger  *zap.Logger
}

// NewScheduler creates a scheduler.
func NewScheduler(config SchedulerConfig, service UpdateService, logger *zap.Logger) *Scheduler {
	if config.ReminderInterval <= 0 {
		config.ReminderInterval = DefaultReminderInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{config: config, service: service, logger: logger}
}

// Run blocks until ctx is canceled. The check ticker is re-armed whenever
// the configured check interval changes.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.service.Initialize(ctx); err != nil {
		s.logger.Error("failed to initialize update service", zap.Error(err))
		return err
	}

	interval := s.service.GetConfiguration().CheckInterval
	if interval <= 0 {
		interval = domain.DefaultConfiguration().CheckInterval
	}
	s.logger.Info("scheduler started",
		zap.Duration("check_interval", interval),
		zap.Duration("reminder_interval", s.config.ReminderInterval))

	checkTicker := time.NewTicker(interval)
	reminderTicker := time.NewTicker(s.config.ReminderInterval)
	defer func() {
		checkTicker.Stop()
		reminderTicker.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return ctx.Err()

		case <-checkTicker.C:
			s.runCheck(ctx)
			interval = s.rearm(checkTicker, interval)

		case <-reminderTicker.C:
			s.runReminder(ctx)
			interval = s.rearm(checkTicker, interval)
		}
	}
}

func (s *Scheduler) runCheck(ctx context.Context) {
	outcome := s.service.CheckForUpdatesWithRetry(ctx, s.config.ShowUI, false)
	switch {
	case outcome.Skipped != "":
		s.logger.Debug("periodic check skipped", zap.String("reason", outcome.Skipped))
	case outcome.Err != "":
		s.logger.Warn("periodic check failed",
			zap.String("error", outcome.Err),
			zap.Int("retry_count", outcome.RetryCount))
	case outcome.Available:
		s.logger.Info("update available", zap.String("update_id", outcome.Manifest.ID))
	}
}

func (s *Scheduler) runReminder(ctx context.Context) {
	shown, err := s.service.ProcessDueReminder(ctx)
	if err != nil {
		s.logger.Warn("reminder processing failed", zap.Error(err))
		return
	}
	if shown {
		s.logger.Info("update reminder shown")
	}
}

// rearm resets the check ticker when the configured interval moved.
func (s *Scheduler) rearm(t *time.Ticker, current time.Duration) time.Duration {
	next := s.service.GetConfiguration().CheckInterval
	if next <= 0 || next == current {
		return current
	}
	t.Reset(next)
	s.logger.Info("check interval changed", zap.Duration("from", current), zap.Duration("to", next))
	return next
}
