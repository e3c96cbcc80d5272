package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/notify-api/internal/models"
	"github.com/driftline/notify-api/internal/notification"
	"github.com/driftline/notify-api/internal/repository"
)

type fakeNotificationRepo struct {
	claimed    []string
	claimErr   error
	claimLimit int
	requeued   int64
	sweepAge   time.Duration
}

func (f *fakeNotificationRepo) Create(ctx context.Context, params repository.CreateNotificationParams) (models.Notification, error) {
	panic("not used")
}

func (f *fakeNotificationRepo) GetByID(ctx context.Context, id string) (models.Notification, error) {
	panic("not used")
}

func (f *fakeNotificationRepo) ClaimDueBatch(ctx context.Context, limit int) ([]string, error) {
	f.claimLimit = limit
	return f.claimed, f.claimErr
}

func (f *fakeNotificationRepo) MarkDelivered(ctx context.Context, id string) error { return nil }
func (f *fakeNotificationRepo) MarkSent(ctx context.Context, id string) error      { return nil }
func (f *fakeNotificationRepo) MarkFailed(ctx context.Context, id, reason string) error {
	return nil
}

func (f *fakeNotificationRepo) RequeueStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	f.sweepAge = maxAge
	return f.requeued, nil
}

func (f *fakeNotificationRepo) ListRecent(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	panic("not used")
}

func (f *fakeNotificationRepo) MarkRead(ctx context.Context, userID, notificationID string) (models.Notification, error) {
	panic("not used")
}

type fakeTaskRepo struct {
	due      []models.Task
	claimErr error
}

func (f *fakeTaskRepo) ClaimDueReminders(ctx context.Context, limit int) ([]models.Task, error) {
	return f.due, f.claimErr
}

type fakeDispatcher struct {
	dispatched []string
	failOn     map[string]error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, id string) error {
	f.dispatched = append(f.dispatched, id)
	if f.failOn != nil {
		return f.failOn[id]
	}
	return nil
}

type fakeEnqueuer struct {
	reminders []models.Task
	err       error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, params notification.EnqueueParams) (models.Notification, error) {
	panic("not used")
}

func (f *fakeEnqueuer) NotifyTaskReminder(ctx context.Context, task models.Task) error {
	f.reminders = append(f.reminders, task)
	return f.err
}

func (f *fakeEnqueuer) NotifyCoachingAlert(ctx context.Context, userID, coachName, message string) error {
	panic("not used")
}

func (f *fakeEnqueuer) NotifyDealStageChanged(ctx context.Context, userID, dealID, dealName, stage string) error {
	panic("not used")
}

func (f *fakeEnqueuer) ListRecent(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	panic("not used")
}

func (f *fakeEnqueuer) MarkRead(ctx context.Context, userID, notificationID string) (models.Notification, error) {
	panic("not used")
}

func newTestWorker(notifs *fakeNotificationRepo, tasks *fakeTaskRepo, dispatcher *fakeDispatcher, enqueuer *fakeEnqueuer) *Worker {
	return New(Config{BatchSize: 25}, notifs, tasks, dispatcher, enqueuer, zerolog.Nop())
}

func TestNotificationCycleDispatchesEveryClaimedJob(t *testing.T) {
	notifs := &fakeNotificationRepo{claimed: []string{"n1", "n2", "n3"}}
	dispatcher := &fakeDispatcher{}
	w := newTestWorker(notifs, &fakeTaskRepo{}, dispatcher, &fakeEnqueuer{})

	require.NoError(t, w.RunNotificationCycle(context.Background()))

	assert.Equal(t, []string{"n1", "n2", "n3"}, dispatcher.dispatched)
	assert.Equal(t, 25, notifs.claimLimit)
}

func TestNotificationCycleDispatchFailureDoesNotAbortBatch(t *testing.T) {
	notifs := &fakeNotificationRepo{claimed: []string{"n1", "n2", "n3"}}
	dispatcher := &fakeDispatcher{failOn: map[string]error{"n2": errors.New("boom")}}
	w := newTestWorker(notifs, &fakeTaskRepo{}, dispatcher, &fakeEnqueuer{})

	require.NoError(t, w.RunNotificationCycle(context.Background()))

	assert.Equal(t, []string{"n1", "n2", "n3"}, dispatcher.dispatched)
}

func TestNotificationCycleClaimFailureAbortsCycle(t *testing.T) {
	notifs := &fakeNotificationRepo{claimErr: errors.New("storage down")}
	dispatcher := &fakeDispatcher{}
	w := newTestWorker(notifs, &fakeTaskRepo{}, dispatcher, &fakeEnqueuer{})

	err := w.RunNotificationCycle(context.Background())

	require.Error(t, err)
	assert.Empty(t, dispatcher.dispatched, "nothing may be dispatched when the claim fails")
}

func TestNotificationCycleEmptyClaimIsQuiet(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	w := newTestWorker(&fakeNotificationRepo{}, &fakeTaskRepo{}, dispatcher, &fakeEnqueuer{})

	require.NoError(t, w.RunNotificationCycle(context.Background()))
	assert.Empty(t, dispatcher.dispatched)
}

func TestReminderCycleEnqueuesClaimedTasks(t *testing.T) {
	tasks := &fakeTaskRepo{due: []models.Task{
		{ID: "t1", AssigneeID: "u1", Title: "Call ACME"},
		{ID: "t2", AssigneeID: "u2", Title: "Send proposal"},
	}}
	enqueuer := &fakeEnqueuer{}
	w := newTestWorker(&fakeNotificationRepo{}, tasks, &fakeDispatcher{}, enqueuer)

	require.NoError(t, w.RunReminderCycle(context.Background()))

	require.Len(t, enqueuer.reminders, 2)
	assert.Equal(t, "t1", enqueuer.reminders[0].ID)
	assert.Equal(t, "t2", enqueuer.reminders[1].ID)
}

func TestReminderCycleEnqueueFailureDoesNotAbortBatch(t *testing.T) {
	tasks := &fakeTaskRepo{due: []models.Task{{ID: "t1"}, {ID: "t2"}}}
	enqueuer := &fakeEnqueuer{err: errors.New("boom")}
	w := newTestWorker(&fakeNotificationRepo{}, tasks, &fakeDispatcher{}, enqueuer)

	require.NoError(t, w.RunReminderCycle(context.Background()))
	assert.Len(t, enqueuer.reminders, 2)
}

type slowDispatcher struct {
	delay   time.Duration
	ctxErrs []error
}

func (s *slowDispatcher) Dispatch(ctx context.Context, id string) error {
	time.Sleep(s.delay)
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
	return ctx.Err()
}

func TestSlowBatchOutlivesClaimInterval(t *testing.T) {
	notifs := &fakeNotificationRepo{claimed: []string{"n1", "n2", "n3"}}
	dispatcher := &slowDispatcher{delay: 40 * time.Millisecond}
	w := New(Config{
		ClaimInterval:   60 * time.Millisecond,
		DispatchTimeout: 5 * time.Second,
	}, notifs, &fakeTaskRepo{}, dispatcher, &fakeEnqueuer{}, zerolog.Nop())

	w.cycle(context.Background(), "notifications", w.cfg.DispatchTimeout, w.RunNotificationCycle).Run()

	// The batch needs 120ms, double the claim interval. The dispatch
	// budget is what bounds the cycle, so every job, including the tail
	// of the batch, still ran against a live context.
	require.Len(t, dispatcher.ctxErrs, 3)
	for i, err := range dispatcher.ctxErrs {
		assert.NoError(t, err, "job %d saw an expired context", i+1)
	}
}

func TestStaleSweepUsesConfiguredAge(t *testing.T) {
	notifs := &fakeNotificationRepo{requeued: 2}
	w := New(Config{InFlightMaxAge: 20 * time.Minute}, notifs, &fakeTaskRepo{}, &fakeDispatcher{}, &fakeEnqueuer{}, zerolog.Nop())

	require.NoError(t, w.RunStaleSweep(context.Background()))
	assert.Equal(t, 20*time.Minute, notifs.sweepAge)
}

func TestConfigDefaults(t *testing.T) {
	w := New(Config{}, &fakeNotificationRepo{}, &fakeTaskRepo{}, &fakeDispatcher{}, &fakeEnqueuer{}, zerolog.Nop())

	assert.Equal(t, 25, w.cfg.BatchSize)
	assert.Equal(t, time.Minute, w.cfg.ClaimInterval)
	assert.Equal(t, 5*time.Minute, w.cfg.ReminderInterval)
	assert.Equal(t, 15*time.Minute, w.cfg.InFlightMaxAge)
	assert.Equal(t, 10*time.Minute, w.cfg.DispatchTimeout)
}
