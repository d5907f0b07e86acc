// Package scheduler publishes due notifications. Each row is claimed with a
// compare-and-set on its scheduled_time before it is published, so
// overlapping ticks and concurrent instances never publish one occurrence
// twice.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"notification-pipeline/internal/common/logger"
	"notification-pipeline/internal/common/observability"
	"notification-pipeline/internal/models"
	"notification-pipeline/internal/queue"
	"notification-pipeline/internal/schedule"
)

// NotificationStore is the part of the store the scheduler mutates.
type NotificationStore interface {
	RearmRecurring(ctx context.Context, now time.Time) (int64, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Notification, error)
	ClaimDue(ctx context.Context, id string, observed time.Time, next *time.Time, now time.Time) (bool, error)
	ReleaseClaim(ctx context.Context, id string, observed time.Time, claimed *time.Time) error
}

type Scheduler struct {
	config    *Config
	store     NotificationStore
	publisher queue.Publisher
	lease     Lease
	metrics   *observability.SchedulerMetrics
	logger    logger.Logger
	now       func() time.Time
}

// NewScheduler builds the loop. lease and m may be nil.
func NewScheduler(config *Config, store NotificationStore, publisher queue.Publisher, lease Lease,
	m *observability.SchedulerMetrics, log logger.Logger) *Scheduler {
	if m == nil {
		m = observability.NewNoop()
	}
	return &Scheduler{
		config:    config,
		store:     store,
		publisher: publisher,
		lease:     lease,
		metrics:   m,
		logger:    log.WithFields(map[string]interface{}{"component": "scheduler"}),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run ticks once immediately and then every PollInterval until ctx is
// cancelled. A tick that outlasts the interval makes the next one skip.
// Recover sits inside the skip guard so a panicking tick still hands the
// run token back and later ticks keep firing.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLogger{s.logger}),
		cron.Recover(cronLogger{s.logger}),
	))
	spec := fmt.Sprintf("@every %s", s.config.PollInterval)
	if _, err := c.AddFunc(spec, func() { s.runTick(ctx) }); err != nil {
		return fmt.Errorf("schedule tick %q: %w", spec, err)
	}

	s.logger.Info("scheduler started", map[string]interface{}{
		"interval":  s.config.PollInterval.String(),
		"batchSize": s.config.BatchSize,
		"lease":     s.lease != nil,
	})
	s.runTick(ctx)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("scheduler stopped", nil)
	return ctx.Err()
}

func (s *Scheduler) runTick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := s.Tick(ctx); err != nil {
		s.logger.Error("scheduler tick failed", map[string]interface{}{"error": err})
	}
}

// Tick re-arms finished recurring rows, then claims and publishes every due
// row, up to BatchSize.
func (s *Scheduler) Tick(ctx context.Context) (err error) {
	start := time.Now()
	outcome := "ok"
	defer func() {
		if err != nil {
			outcome = "error"
		}
		s.metrics.RecordTick(ctx, outcome, time.Since(start))
	}()

	if s.lease != nil {
		release, ok, lerr := s.lease.Acquire(ctx)
		switch {
		case lerr != nil:
			s.logger.Warn("tick lease unavailable, scanning without it", map[string]interface{}{"error": lerr})
		case !ok:
			outcome = "skipped"
			return nil
		default:
			defer release(context.WithoutCancel(ctx))
		}
	}

	now := s.now()
	rearmed, err := s.store.RearmRecurring(ctx, now)
	if err != nil {
		return err
	}
	if rearmed > 0 {
		s.logger.Info("recurring notifications re-armed", map[string]interface{}{"count": rearmed})
	}

	due, err := s.store.ListDue(ctx, now, s.config.BatchSize)
	if err != nil {
		return err
	}

	var errs []error
	published := 0
	for _, n := range due {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.dispatch(ctx, n, now)
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			published++
		}
	}

	if len(due) > 0 {
		s.logger.Info("scheduler tick complete", map[string]interface{}{
			"due":       len(due),
			"published": published,
		})
	}
	return errors.Join(errs...)
}

// dispatch claims n and publishes it. A failed publish releases the claim so
// the same occurrence is retried on the next tick.
func (s *Scheduler) dispatch(ctx context.Context, n *models.Notification, now time.Time) (bool, error) {
	if !schedule.IsDue(n, now) {
		return false, nil
	}
	observed := *n.ScheduledTime

	var next *time.Time
	if n.IsRecurring {
		t := schedule.NextOccurrence(now, n.RecurrencePattern)
		next = &t
	}

	claimed, err := s.store.ClaimDue(ctx, n.ID, observed, next, now)
	if err != nil {
		return false, err
	}
	if !claimed {
		s.metrics.RecordClaim(ctx, "lost")
		s.logger.Debug("notification claimed elsewhere", map[string]interface{}{"notificationId": n.ID})
		return false, nil
	}

	if err := s.publisher.Publish(ctx, n.ChannelType, n.Job()); err != nil {
		s.metrics.RecordClaim(ctx, "released")
		s.logger.Warn("publish failed, releasing claim", map[string]interface{}{
			"notificationId": n.ID,
			"error":          err,
		})
		if rerr := s.store.ReleaseClaim(ctx, n.ID, observed, next); rerr != nil {
			return false, fmt.Errorf("release claim on %s: %w", n.ID, rerr)
		}
		return false, nil
	}

	s.metrics.RecordClaim(ctx, "published")
	fields := map[string]interface{}{"notificationId": n.ID, "channel": n.ChannelType.String()}
	if next != nil {
		fields["nextOccurrence"] = next.Format(time.RFC3339)
	}
	s.logger.Debug("notification published", fields)
	return true, nil
}

// cronLogger adapts logger.Logger to cron.Logger.
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := kvFields(keysAndValues)
	fields["error"] = err
	l.log.Error("cron: "+msg, fields)
}

func kvFields(kv []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2+1)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
