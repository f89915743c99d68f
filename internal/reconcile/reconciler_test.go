package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/domain"
	"github.com/lalithlochan/courier/internal/queue"
	"github.com/lalithlochan/courier/internal/redis"
)

func newStore(t *testing.T) *db.SQLiteRepository {
	t.Helper()
	store, err := db.OpenSQLite(context.Background(), ":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return redis.Wrap(rdb, zap.NewNop())
}

func newReconciler(t *testing.T, store Store, q queue.Queue, locker Locker) *Reconciler {
	t.Helper()
	r, err := New(store, q, locker, Config{Interval: time.Minute, Grace: time.Minute, Batch: 10}, zap.NewNop())
	require.NoError(t, err)
	// run as if the grace period has passed
	r.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	return r
}

func TestRunOnce_RepublishesOrphans(t *testing.T) {
	store := newStore(t)
	q := queue.NewMemory(8, 10*time.Millisecond)
	ctx := context.Background()

	orphan, err := store.Create(ctx, "a@example.com", domain.ChannelEmail, "hi")
	require.NoError(t, err)
	queued, err := store.Create(ctx, "a@example.com", domain.ChannelEmail, "queued")
	require.NoError(t, err)
	require.NoError(t, store.MarkEnqueued(ctx, queued.ID, 0))

	r := newReconciler(t, store, q, nil)
	res, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Republished)
	assert.False(t, res.Skipped)

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, orphan.ID, d.Item.NotificationID)
	assert.Equal(t, 0, d.Item.RetryCount)

	got, err := store.GetByID(ctx, orphan.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.EnqueuedAt)

	res, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Republished, "a republished record is not picked up again")
}

func TestRunOnce_RetryingOrphanKeepsRetryCount(t *testing.T) {
	store := newStore(t)
	q := queue.NewMemory(8, 10*time.Millisecond)
	ctx := context.Background()

	n, err := store.Create(ctx, "+15550100", domain.ChannelSMS, "code")
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(ctx, domain.StatusUpdate{
		ID: n.ID, FromStatus: domain.StatusPending, FromAttempts: 0,
		ToStatus: domain.StatusRetrying, Attempts: 2, LastError: "timeout",
	}))

	res, err := newReconciler(t, store, q, nil).RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Republished)

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 2, d.Item.RetryCount)
}

func TestRunOnce_IgnoresTerminalAndRecent(t *testing.T) {
	store := newStore(t)
	q := queue.NewMemory(8, 10*time.Millisecond)
	ctx := context.Background()

	n, err := store.Create(ctx, "u1", domain.ChannelInApp, "done")
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(ctx, domain.StatusUpdate{
		ID: n.ID, FromStatus: domain.StatusPending, ToStatus: domain.StatusSent, Attempts: 1,
	}))
	_, err = store.Create(ctx, "u1", domain.ChannelInApp, "fresh")
	require.NoError(t, err)

	r := newReconciler(t, store, q, nil)
	r.now = time.Now

	res, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Republished)
	assert.Equal(t, 0, q.Len())
}

func TestRunOnce_SkipsWhenLockHeld(t *testing.T) {
	store := newStore(t)
	q := queue.NewMemory(8, 10*time.Millisecond)
	client := newRedis(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "u1", domain.ChannelInApp, "hello")
	require.NoError(t, err)

	held, err := client.TryLock(ctx, lockKey, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, held)

	r := newReconciler(t, store, q, client)
	res, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 0, q.Len())

	require.NoError(t, held.Release(ctx))
	res, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Republished)

	again, err := client.TryLock(ctx, lockKey, time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, again, "the pass releases its lock")
}

func TestRunOnce_RecoversExpiredRedisItems(t *testing.T) {
	store := newStore(t)
	client := newRedis(t)
	q := redis.NewQueue(client, redis.QueueConfig{VisibilityTimeout: 10 * time.Millisecond, PollTimeout: 10 * time.Millisecond}, zap.NewNop())
	ctx := context.Background()

	n, err := store.Create(ctx, "u1", domain.ChannelInApp, "hello")
	require.NoError(t, err)
	require.NoError(t, q.Publish(ctx, queue.NewWorkItem(n)))
	require.NoError(t, store.MarkEnqueued(ctx, n.ID, 0))

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	time.Sleep(30 * time.Millisecond)

	res, err := newReconciler(t, store, q, nil).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recovered)
	assert.Zero(t, res.Republished)

	ready, err := q.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, ready)
}

func TestReconciler_Schedule(t *testing.T) {
	store := newStore(t)
	q := queue.NewMemory(8, 10*time.Millisecond)
	ctx := context.Background()

	_, err := store.Create(ctx, "u1", domain.ChannelInApp, "hello")
	require.NoError(t, err)

	r, err := New(store, q, nil, Config{Interval: 20 * time.Millisecond, Batch: 10}, zap.NewNop())
	require.NoError(t, err)
	r.now = func() time.Time { return time.Now().Add(time.Second) }

	r.Start()
	require.Eventually(t, func() bool { return q.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, r.Stop())
}

func TestPrepare_EphemeralQueueRestart(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	before := queue.NewMemory(8, 10*time.Millisecond)
	n, err := store.Create(ctx, "a@example.com", domain.ChannelEmail, "hi")
	require.NoError(t, err)
	require.NoError(t, before.Publish(ctx, queue.NewWorkItem(n)))
	require.NoError(t, store.MarkEnqueued(ctx, n.ID, 0))

	// a new process starts with an empty queue
	after := queue.NewMemory(8, 10*time.Millisecond)
	r := newReconciler(t, store, after, nil)
	require.NoError(t, r.Prepare(ctx))

	got, err := store.GetByID(ctx, n.ID)
	require.NoError(t, err)
	assert.Nil(t, got.EnqueuedAt)

	res, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Republished)

	d, err := after.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, n.ID, d.Item.NotificationID)
}

func TestPrepare_DurableQueueKeepsMarkers(t *testing.T) {
	store := newStore(t)
	client := newRedis(t)
	q := redis.NewQueue(client, redis.QueueConfig{VisibilityTimeout: time.Minute, PollTimeout: 10 * time.Millisecond}, zap.NewNop())
	ctx := context.Background()

	n, err := store.Create(ctx, "u1", domain.ChannelInApp, "hello")
	require.NoError(t, err)
	require.NoError(t, q.Publish(ctx, queue.NewWorkItem(n)))
	require.NoError(t, store.MarkEnqueued(ctx, n.ID, 0))

	r := newReconciler(t, store, q, nil)
	require.NoError(t, r.Prepare(ctx))

	got, err := store.GetByID(ctx, n.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.EnqueuedAt)

	res, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Republished)
}
