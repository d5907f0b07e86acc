package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"notification-pipeline/internal/common/config"
	"notification-pipeline/internal/common/logger"
	"notification-pipeline/internal/models"
	"notification-pipeline/internal/schedule"
)

// ==========================
// Fakes
// ==========================

// memStore applies the same row-level compare-and-set rules as the SQL store.
type memStore struct {
	mu      sync.Mutex
	rows    map[string]*models.Notification
	listErr error
	barrier *sync.WaitGroup
}

func newMemStore(rows ...*models.Notification) *memStore {
	s := &memStore{rows: map[string]*models.Notification{}}
	for _, n := range rows {
		s.rows[n.ID] = n
	}
	return s
}

func (s *memStore) row(id string) models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.rows[id]
}

func (s *memStore) RearmRecurring(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.rows {
		if r.IsRecurring && (r.Status == models.StatusSent || r.Status == models.StatusFailed) &&
			r.ScheduledTime != nil && !r.ScheduledTime.After(now) {
			r.Status = models.StatusPending
			n++
		}
	}
	return n, nil
}

func (s *memStore) ListDue(_ context.Context, now time.Time, limit int) ([]*models.Notification, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	s.mu.Lock()
	var out []*models.Notification
	for _, r := range s.rows {
		if r.Status == models.StatusPending && r.ScheduledTime != nil && !r.ScheduledTime.After(now) {
			cp := *r
			out = append(out, &cp)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.Before(*out[j].ScheduledTime) })
	if len(out) > limit {
		out = out[:limit]
	}
	if s.barrier != nil {
		s.barrier.Done()
		s.barrier.Wait()
	}
	return out, nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func (s *memStore) ClaimDue(_ context.Context, id string, observed time.Time, next *time.Time, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok || r.Status != models.StatusPending || !sameTime(r.ScheduledTime, &observed) {
		return false, nil
	}
	r.ScheduledTime = next
	r.DispatchedAt = &now
	return true, nil
}

func (s *memStore) ReleaseClaim(_ context.Context, id string, observed time.Time, claimed *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if ok && r.Status == models.StatusPending && sameTime(r.ScheduledTime, claimed) {
		r.ScheduledTime = &observed
		r.DispatchedAt = nil
	}
	return nil
}

// MarkSent mirrors the worker's completion update: recurring rows return to
// pending, one-shot rows finish as sent.
func (s *memStore) MarkSent(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok || (r.Status != models.StatusPending && r.Status != models.StatusFailed) {
		return nil
	}
	r.Status = models.StatusSent
	if r.IsRecurring {
		r.Status = models.StatusPending
	}
	r.SentAt = &at
	r.ErrorMessage = ""
	return nil
}

type fakePublisher struct {
	mu    sync.Mutex
	jobs  []models.QueueJob
	fails int
}

func (p *fakePublisher) Publish(_ context.Context, _ models.ChannelType, job models.QueueJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fails > 0 {
		p.fails--
		return errors.New("broker unreachable")
	}
	p.jobs = append(p.jobs, job)
	return nil
}

func (p *fakePublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.jobs))
	for _, j := range p.jobs {
		ids = append(ids, j.NotificationID)
	}
	return ids
}

type fakeLease struct {
	ok       bool
	err      error
	released int
}

func (l *fakeLease) Acquire(context.Context) (func(context.Context), bool, error) {
	if l.err != nil || !l.ok {
		return nil, false, l.err
	}
	return func(context.Context) { l.released++ }, true, nil
}

// ==========================
// Test Helper Functions
// ==========================

// Monday 2024-03-04 12:00 UTC.
var fixedNow = time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	t := fixedNow.Add(d)
	return &t
}

func pending(id string, scheduled *time.Time) *models.Notification {
	return &models.Notification{
		ID:            id,
		RecipientID:   "u-" + id,
		TemplateID:    "t-1",
		Body:          "body",
		ChannelType:   models.ChannelEmail,
		Status:        models.StatusPending,
		ScheduledTime: scheduled,
	}
}

func newTestScheduler(t *testing.T, store NotificationStore, pub *fakePublisher, lease Lease) *Scheduler {
	t.Helper()
	s := NewScheduler(&Config{PollInterval: time.Second, BatchSize: 10}, store, pub, lease, nil, logger.NewTestLogger(t))
	s.now = func() time.Time { return fixedNow }
	return s
}

// ==========================
// Tick
// ==========================

func TestTick_PublishesDueOneShot(t *testing.T) {
	store := newMemStore(
		pending("due", at(-time.Minute)),
		pending("future", at(time.Hour)),
		pending("immediate", nil),
	)
	pub := &fakePublisher{}

	require.NoError(t, newTestScheduler(t, store, pub, nil).Tick(context.Background()))

	assert.Equal(t, []string{"due"}, pub.published())
	row := store.row("due")
	assert.Nil(t, row.ScheduledTime)
	require.NotNil(t, row.DispatchedAt)
	assert.True(t, fixedNow.Equal(*row.DispatchedAt))
	assert.Equal(t, models.StatusPending, row.Status)

	// The claim cleared the schedule, so nothing is published again.
	require.NoError(t, newTestScheduler(t, store, pub, nil).Tick(context.Background()))
	assert.Len(t, pub.published(), 1)
}

func TestTick_AdvancesRecurring(t *testing.T) {
	n := pending("weekly", at(-time.Hour))
	n.IsRecurring = true
	n.RecurrencePattern = "weekly:FRI"
	store := newMemStore(n)
	pub := &fakePublisher{}

	require.NoError(t, newTestScheduler(t, store, pub, nil).Tick(context.Background()))

	assert.Equal(t, []string{"weekly"}, pub.published())
	row := store.row("weekly")
	assert.Equal(t, models.StatusPending, row.Status)
	require.NotNil(t, row.ScheduledTime)
	assert.True(t, schedule.NextOccurrence(fixedNow, "weekly:FRI").Equal(*row.ScheduledTime))
	assert.True(t, row.ScheduledTime.After(fixedNow))
}

func TestTick_RearmsFinishedRecurring(t *testing.T) {
	n := pending("yearly", at(-time.Minute))
	n.Status = models.StatusSent
	n.IsRecurring = true
	n.RecurrencePattern = "yearly:03-04"
	store := newMemStore(n)
	pub := &fakePublisher{}

	require.NoError(t, newTestScheduler(t, store, pub, nil).Tick(context.Background()))

	assert.Equal(t, []string{"yearly"}, pub.published())
	row := store.row("yearly")
	assert.Equal(t, models.StatusPending, row.Status)
	assert.Equal(t, 2025, row.ScheduledTime.Year())
}

func TestTick_RecurringCycleAfterDelivery(t *testing.T) {
	occurrence := at(-time.Minute)
	weekly := pending("weekly", occurrence)
	weekly.IsRecurring = true
	weekly.RecurrencePattern = "weekly:MON"
	store := newMemStore(weekly, pending("once", at(-2*time.Minute)))
	pub := &fakePublisher{}
	s := newTestScheduler(t, store, pub, nil)
	ctx := context.Background()

	require.NoError(t, s.Tick(ctx))
	assert.Equal(t, []string{"once", "weekly"}, pub.published())

	// Delivery completes both occurrences.
	require.NoError(t, store.MarkSent(ctx, "weekly", fixedNow))
	require.NoError(t, store.MarkSent(ctx, "once", fixedNow))

	row := store.row("weekly")
	assert.Equal(t, models.StatusPending, row.Status)
	require.NotNil(t, row.ScheduledTime)
	assert.True(t, row.ScheduledTime.After(*occurrence), "next occurrence %s must follow %s", row.ScheduledTime, occurrence)
	assert.True(t, time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC).Equal(*row.ScheduledTime))
	assert.Equal(t, models.StatusSent, store.row("once").Status)

	// Nothing is due again until the next occurrence.
	require.NoError(t, s.Tick(ctx))
	assert.Len(t, pub.published(), 2)

	next := *row.ScheduledTime
	s.now = func() time.Time { return next }
	require.NoError(t, s.Tick(ctx))
	assert.Equal(t, []string{"once", "weekly", "weekly"}, pub.published())

	row = store.row("weekly")
	assert.Equal(t, models.StatusPending, row.Status)
	assert.True(t, row.ScheduledTime.After(next))
}

func TestTick_PublishFailureReleasesClaim(t *testing.T) {
	observed := at(-time.Minute)
	store := newMemStore(pending("n-1", observed))
	pub := &fakePublisher{fails: 1}
	s := newTestScheduler(t, store, pub, nil)

	require.NoError(t, s.Tick(context.Background()))
	assert.Empty(t, pub.published())
	row := store.row("n-1")
	require.NotNil(t, row.ScheduledTime)
	assert.True(t, observed.Equal(*row.ScheduledTime))
	assert.Nil(t, row.DispatchedAt)

	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, []string{"n-1"}, pub.published())
}

func TestTick_OverlappingTicksPublishOnce(t *testing.T) {
	store := newMemStore(pending("a", at(-2*time.Minute)), pending("b", at(-time.Minute)))
	store.barrier = &sync.WaitGroup{}
	store.barrier.Add(2)
	pub := &fakePublisher{}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, newTestScheduler(t, store, pub, nil).Tick(context.Background()))
		}()
	}
	wg.Wait()

	got := pub.published()
	sort.Strings(got)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestTick_BatchSize(t *testing.T) {
	store := newMemStore(pending("1", at(-3*time.Minute)), pending("2", at(-2*time.Minute)), pending("3", at(-time.Minute)))
	pub := &fakePublisher{}
	s := newTestScheduler(t, store, pub, nil)
	s.config.BatchSize = 2

	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, []string{"1", "2"}, pub.published())
}

func TestTick_Lease(t *testing.T) {
	t.Run("held elsewhere", func(t *testing.T) {
		store := newMemStore(pending("n-1", at(-time.Minute)))
		pub := &fakePublisher{}
		require.NoError(t, newTestScheduler(t, store, pub, &fakeLease{ok: false}).Tick(context.Background()))
		assert.Empty(t, pub.published())
	})

	t.Run("acquired and released", func(t *testing.T) {
		store := newMemStore(pending("n-1", at(-time.Minute)))
		pub := &fakePublisher{}
		lease := &fakeLease{ok: true}
		require.NoError(t, newTestScheduler(t, store, pub, lease).Tick(context.Background()))
		assert.Len(t, pub.published(), 1)
		assert.Equal(t, 1, lease.released)
	})

	t.Run("redis down scans anyway", func(t *testing.T) {
		store := newMemStore(pending("n-1", at(-time.Minute)))
		pub := &fakePublisher{}
		lease := &fakeLease{err: errors.New("connection refused")}
		require.NoError(t, newTestScheduler(t, store, pub, lease).Tick(context.Background()))
		assert.Len(t, pub.published(), 1)
	})
}

func TestTick_ListError(t *testing.T) {
	store := newMemStore()
	store.listErr = errors.New("db down")
	assert.EqualError(t, newTestScheduler(t, store, &fakePublisher{}, nil).Tick(context.Background()), "db down")
}

// ==========================
// Run
// ==========================

func TestRun_TicksImmediatelyAndStops(t *testing.T) {
	store := newMemStore(pending("n-1", at(-time.Minute)))
	pub := &fakePublisher{}
	s := newTestScheduler(t, store, pub, nil)
	s.config.PollInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(pub.published()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

// panickyStore blows up on one RearmRecurring call.
type panickyStore struct {
	*memStore
	mu      sync.Mutex
	calls   int
	panicOn int
}

func (s *panickyStore) RearmRecurring(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	if n == s.panicOn {
		panic("boom on second tick")
	}
	return s.memStore.RearmRecurring(ctx, now)
}

func (s *panickyStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestRun_KeepsTickingAfterPanic(t *testing.T) {
	store := &panickyStore{memStore: newMemStore(), panicOn: 2}
	log, logs := logger.NewObserved(zapcore.DebugLevel)
	s := NewScheduler(&Config{PollInterval: time.Second, BatchSize: 10}, store, &fakePublisher{}, nil, nil, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return store.callCount() >= 3 }, 5*time.Second, 20*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, 1, logs.FilterMessage("cron: panic").Len())
}

func TestLoadConfig(t *testing.T) {
	cfg := LoadConfig(&config.Config{Scheduler: config.SchedulerConfig{PollInterval: 5000, UseLease: true}})
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.True(t, cfg.UseLease)
	assert.Equal(t, 4500*time.Millisecond, cfg.LeaseTTL)
}

// ==========================
// Redis lease
// ==========================

func TestRedisLease_Commands(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	lease := NewRedisLease(rdb, "", 9*time.Second)
	lease.newToken = func() string { return "token-1" }

	mock.ExpectSetNX(DefaultLeaseKey, "token-1", 9*time.Second).SetVal(true)
	mock.ExpectEvalSha(releaseScript.Hash(), []string{DefaultLeaseKey}, "token-1").SetVal(int64(1))

	release, ok, err := lease.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	release(context.Background())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLease_Error(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	lease := NewRedisLease(rdb, "lock", time.Second)
	lease.newToken = func() string { return "t" }
	mock.ExpectSetNX("lock", "t", time.Second).SetErr(errors.New("READONLY"))

	_, ok, err := lease.Acquire(context.Background())
	assert.False(t, ok)
	assert.ErrorContains(t, err, "READONLY")
}

func TestRedisLease_Contention(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	first := NewRedisLease(rdb, "", 5*time.Second)
	second := NewRedisLease(rdb, "", 5*time.Second)

	releaseFirst, ok, err := first.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists(DefaultLeaseKey))

	_, ok, err = second.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	releaseFirst(context.Background())
	assert.False(t, mr.Exists(DefaultLeaseKey))

	releaseSecond, ok, err := second.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	// A stale holder cannot delete a lease it no longer owns.
	releaseFirst(context.Background())
	assert.True(t, mr.Exists(DefaultLeaseKey))
	releaseSecond(context.Background())

	_, _, _ = first.Acquire(context.Background())
	mr.FastForward(6 * time.Second)
	assert.False(t, mr.Exists(DefaultLeaseKey))
}
