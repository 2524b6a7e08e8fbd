// Package scheduler runs the periodic obligations of the service: the
// session heartbeat, retention pruning, and the dead-letter sweep.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jotbook/realtime/internal/broker"
	"github.com/jotbook/realtime/internal/clock"
	"github.com/jotbook/realtime/internal/telemetry"
)

const (
	// retentionSchedule runs the nightly prune during the quiet hours of
	// most timezones the service deploys in.
	retentionSchedule = "0 3 * * *"

	// dlqSchedule surfaces stuck messages once an hour.
	dlqSchedule = "@hourly"

	// dlqSampleLimit bounds how many parked messages one sweep inspects.
	dlqSampleLimit = 200
)

// SessionReaper is the registry surface the heartbeat tick drives.
type SessionReaper interface {
	PingSessions()
	EvictIdle() int
}

// NotificationPruner deletes terminal notifications past the horizon.
type NotificationPruner interface {
	DeleteOlderThan(ctx context.Context, horizon time.Time) (int64, error)
}

// DeltaPruner deletes synchronized deltas past the horizon.
type DeltaPruner interface {
	PruneOlderThan(ctx context.Context, horizon time.Time) (int64, error)
}

// DeadLetterReader is the broker surface the hourly sweep reads.
type DeadLetterReader interface {
	Stats(ctx context.Context) (*broker.Stats, error)
	DeadLetters(ctx context.Context, limit int) ([]*broker.DeadLetter, error)
}

// Scheduler owns the heartbeat ticker and the cron entries. Ticks are
// also callable directly so operators can force a run.
type Scheduler struct {
	sessions      SessionReaper
	notifications NotificationPruner
	deltas        DeltaPruner
	letters       DeadLetterReader
	logger        *telemetry.Logger
	now           clock.NowFunc

	heartbeat     time.Duration
	retentionDays int

	cron   *cron.Cron
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a scheduler. heartbeat is how often sessions are pinged
// and idle ones evicted; retentionDays is the pruning horizon for both
// notifications and sync deltas.
func New(sessions SessionReaper, notifications NotificationPruner, deltas DeltaPruner, letters DeadLetterReader, heartbeat time.Duration, retentionDays int, logger *telemetry.Logger) *Scheduler {
	return &Scheduler{
		sessions:      sessions,
		notifications: notifications,
		deltas:        deltas,
		letters:       letters,
		logger:        logger,
		now:           clock.Now,
		heartbeat:     heartbeat,
		retentionDays: retentionDays,
		cron:          cron.New(),
		stopCh:        make(chan struct{}),
	}
}

// Start launches the heartbeat loop and registers the cron entries.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(retentionSchedule, func() { s.RunRetention(context.Background()) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(dlqSchedule, func() { s.RunDeadLetterSweep(context.Background()) }); err != nil {
		return err
	}
	s.cron.Start()

	s.wg.Add(1)
	go s.heartbeatLoop(ctx)

	s.logger.WithFields(map[string]interface{}{
		"heartbeat":      s.heartbeat.String(),
		"retention_days": s.retentionDays,
	}).Info("Scheduler started")
	return nil
}

// Stop halts the cron entries and the heartbeat loop. Running ticks
// finish first.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunHeartbeat()
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunHeartbeat pings every open session and evicts the ones silent
// beyond the idle timeout.
func (s *Scheduler) RunHeartbeat() {
	s.sessions.PingSessions()
	if evicted := s.sessions.EvictIdle(); evicted > 0 {
		s.logger.WithField("evicted", evicted).Info("Evicted idle sessions")
	}
}

// RunRetention deletes terminal notifications and synchronized deltas
// older than the retention horizon.
func (s *Scheduler) RunRetention(ctx context.Context) {
	horizon := s.now().AddDate(0, 0, -s.retentionDays)
	logger := s.logger.WithContext(ctx).WithField("horizon", horizon.Format(time.RFC3339))

	notifications, err := s.notifications.DeleteOlderThan(ctx, horizon)
	if err != nil {
		logger.WithError(err).Error("Notification retention prune failed")
	}

	deltas, err := s.deltas.PruneOlderThan(ctx, horizon)
	if err != nil {
		logger.WithError(err).Error("Delta retention prune failed")
	}

	logger.WithFields(map[string]interface{}{
		"notifications_deleted": notifications,
		"deltas_deleted":        deltas,
	}).Info("Retention prune completed")
}

// RunDeadLetterSweep logs the dead-letter census so stuck messages are
// visible before anyone goes looking for them.
func (s *Scheduler) RunDeadLetterSweep(ctx context.Context) {
	logger := s.logger.WithContext(ctx)

	stats, err := s.letters.Stats(ctx)
	if err != nil {
		logger.WithError(err).Error("Dead-letter sweep failed to read queue stats")
		return
	}
	if stats.DeadLetters == 0 {
		logger.Debug("Dead-letter queue empty")
		return
	}

	letters, err := s.letters.DeadLetters(ctx, dlqSampleLimit)
	if err != nil {
		logger.WithError(err).Error("Dead-letter sweep failed to read messages")
		return
	}

	bySource := make(map[string]int)
	for _, l := range letters {
		bySource[l.SourceQueue]++
	}
	logger.WithFields(map[string]interface{}{
		"total":     stats.DeadLetters,
		"by_source": bySource,
	}).Warn("Dead letters present")
}
