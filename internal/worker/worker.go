package worker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/driftline/notify-api/internal/notification"
	"github.com/driftline/notify-api/internal/repository"
)

// Dispatcher delivers one claimed notification to a terminal status.
type Dispatcher interface {
	Dispatch(ctx context.Context, id string) error
}

type Config struct {
	BatchSize        int
	ClaimInterval    time.Duration
	ReminderInterval time.Duration
	SweepInterval    time.Duration
	InFlightMaxAge   time.Duration
	// DispatchTimeout bounds one notification cycle. It must cover a
	// full batch of native fan-out, so it is sized independently of
	// ClaimInterval: a slow batch may overlap the next tick, which is
	// safe because claims are disjoint.
	DispatchTimeout time.Duration
}

// Worker drives the claim cycles. Any number of processes can run the
// same cycles concurrently: the claim queries are the only coordination
// point, so workers never see each other's rows.
type Worker struct {
	cfg           Config
	notifications repository.NotificationRepository
	tasks         repository.TaskRepository
	dispatcher    Dispatcher
	enqueuer      notification.Service
	logger        zerolog.Logger
}

func New(cfg Config, notifications repository.NotificationRepository, tasks repository.TaskRepository, dispatcher Dispatcher, enqueuer notification.Service, logger zerolog.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = time.Minute
	}
	if cfg.ReminderInterval <= 0 {
		cfg.ReminderInterval = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Minute
	}
	if cfg.InFlightMaxAge <= 0 {
		cfg.InFlightMaxAge = 15 * time.Minute
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 10 * time.Minute
	}
	return &Worker{
		cfg:           cfg,
		notifications: notifications,
		tasks:         tasks,
		dispatcher:    dispatcher,
		enqueuer:      enqueuer,
		logger:        logger.With().Str("component", "worker").Logger(),
	}
}

// Start registers the cycles on a cron scheduler and starts it. Stop
// the returned scheduler to shut the worker down.
func (w *Worker) Start(ctx context.Context) *cron.Cron {
	c := cron.New()
	c.Schedule(cron.Every(w.cfg.ClaimInterval), w.cycle(ctx, "notifications", w.cfg.DispatchTimeout, w.RunNotificationCycle))
	c.Schedule(cron.Every(w.cfg.ReminderInterval), w.cycle(ctx, "reminders", w.cfg.ReminderInterval, w.RunReminderCycle))
	c.Schedule(cron.Every(w.cfg.SweepInterval), w.cycle(ctx, "stale_sweep", w.cfg.SweepInterval, w.RunStaleSweep))
	c.Start()
	w.logger.Info().
		Dur("claim_interval", w.cfg.ClaimInterval).
		Dur("reminder_interval", w.cfg.ReminderInterval).
		Int("batch_size", w.cfg.BatchSize).
		Msg("worker started")
	return c
}

func (w *Worker) cycle(ctx context.Context, name string, timeout time.Duration, fn func(context.Context) error) cron.Job {
	return cron.FuncJob(func() {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := fn(runCtx); err != nil {
			w.logger.Error().Err(err).Str("cycle", name).Msg("cycle failed")
		}
	})
}

// RunNotificationCycle claims one batch of due notifications and hands
// each to the dispatcher. A claim failure aborts the whole cycle (the
// rows stay pending for the next tick); a dispatch failure only fails
// its own job.
func (w *Worker) RunNotificationCycle(ctx context.Context) error {
	ids, err := w.notifications.ClaimDueBatch(ctx, w.cfg.BatchSize)
	if err != nil {
		return errors.Wrap(err, "claim batch")
	}
	if len(ids) == 0 {
		return nil
	}
	w.logger.Debug().Int("claimed", len(ids)).Msg("claimed notification batch")

	for _, id := range ids {
		if err := w.dispatcher.Dispatch(ctx, id); err != nil {
			w.logger.Error().Err(err).Str("notification_id", id).Msg("dispatch failed")
		}
	}
	return nil
}

// RunReminderCycle flips the reminder flag on due tasks and enqueues a
// reminder notification for each task won. The flag flip is the claim;
// the enqueued row is then delivered by the normal notification cycle.
func (w *Worker) RunReminderCycle(ctx context.Context) error {
	tasks, err := w.tasks.ClaimDueReminders(ctx, w.cfg.BatchSize)
	if err != nil {
		return errors.Wrap(err, "claim due reminders")
	}
	if len(tasks) == 0 {
		return nil
	}
	w.logger.Debug().Int("claimed", len(tasks)).Msg("claimed due reminders")

	for _, task := range tasks {
		if err := w.enqueuer.NotifyTaskReminder(ctx, task); err != nil {
			w.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to enqueue task reminder")
		}
	}
	return nil
}

// RunStaleSweep requeues in-flight rows abandoned by a crashed worker.
func (w *Worker) RunStaleSweep(ctx context.Context) error {
	requeued, err := w.notifications.RequeueStale(ctx, w.cfg.InFlightMaxAge)
	if err != nil {
		return errors.Wrap(err, "requeue stale notifications")
	}
	if requeued > 0 {
		w.logger.Warn().Int64("requeued", requeued).Msg("requeued stale in-flight notifications")
	}
	return nil
}
