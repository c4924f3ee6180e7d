//go:build integration
// +build integration

package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/task"
)

func newTestStore(t *testing.T) (*RedisStore, func()) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	require.NoError(t, client.Ping(ctx).Err())
	require.NoError(t, client.FlushDB(ctx).Err())
	return NewRedisStore(client), func() {
		client.FlushDB(ctx)
		client.Close()
	}
}

func TestClaimIsFIFO(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		tk, err := s.Insert(ctx, "compute", json.RawMessage(`{}`), 5)
		require.NoError(t, err)
		ids = append(ids, tk.ID)
		time.Sleep(time.Millisecond)
	}

	for _, want := range ids {
		got, err := s.Claim(ctx, "worker-1", 60)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, want, got.ID)
	}

	none, err := s.Claim(ctx, "worker-1", 60)
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestSaveResultIsIdempotentOnCompleted(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	tk, err := s.Insert(ctx, "compute", json.RawMessage(`{}`), 5)
	require.NoError(t, err)
	_, err = s.Claim(ctx, "worker-1", 60)
	require.NoError(t, err)

	saved, err := s.SaveResult(ctx, tk.ID, "worker-1", map[string]interface{}{"primes": 3}, task.StatusCompleted, 1.23)
	require.NoError(t, err)
	require.True(t, saved)

	saved, err = s.SaveResult(ctx, tk.ID, "worker-1", map[string]interface{}{"primes": 3}, task.StatusCompleted, 1.23)
	require.NoError(t, err)
	require.False(t, saved, "a second completed write must be a no-op")
}

func TestSaveResultFailedDoesNotBlockFurtherWrites(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	tk, err := s.Insert(ctx, "compute", json.RawMessage(`{}`), 5)
	require.NoError(t, err)
	_, err = s.Claim(ctx, "worker-1", 60)
	require.NoError(t, err)

	saved, err := s.SaveResult(ctx, tk.ID, "worker-1", map[string]interface{}{"error": "boom"}, task.StatusFailed, 0.1)
	require.NoError(t, err)
	require.True(t, saved)

	// only `completed` is protected; a status=failed write never blocks a
	// later completed write from the same or a different worker.
	saved, err = s.SaveResult(ctx, tk.ID, "worker-2", map[string]interface{}{"primes": 5}, task.StatusCompleted, 2.0)
	require.NoError(t, err)
	require.True(t, saved)
}

func TestReclaimExpired(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	tk, err := s.Insert(ctx, "compute", json.RawMessage(`{}`), 5)
	require.NoError(t, err)
	_, err = s.Claim(ctx, "worker-1", -1) // already-expired lease
	require.NoError(t, err)

	n, err := s.ReclaimExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, _, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusPending, got.Status)
	require.Equal(t, 1, got.Attempts)
}

func TestMarkDeadAndReclaimFromDead(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, s.Heartbeat(ctx, "worker-1", "alive", nil))
	tk, err := s.Insert(ctx, "compute", json.RawMessage(`{}`), 5)
	require.NoError(t, err)
	_, err = s.Claim(ctx, "worker-1", 600)
	require.NoError(t, err)

	// Force the heartbeat to look stale.
	require.NoError(t, s.client.HSet(ctx, workerKey("worker-1"), "last_heartbeat", time.Now().Add(-time.Hour).Unix()).Err())

	n, err := s.MarkDead(ctx, 60)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = s.ReclaimFromDead(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, _, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusPending, got.Status)
}

func TestAttemptCapStopsReclaim(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	tk, err := s.Insert(ctx, "compute", json.RawMessage(`{}`), 1)
	require.NoError(t, err)
	_, err = s.Claim(ctx, "worker-1", -1)
	require.NoError(t, err)

	n, err := s.ReclaimExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n, "attempts already equals the cap, it must never be reclaimed again")

	got, _, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	require.True(t, got.AttemptCapReached())
}

func TestCheckpointRoundTrip(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	cp := &task.Checkpoint{TaskID: "t1", LastChecked: 100000, Partial: json.RawMessage(`[2,3,5]`), ElapsedTime: 1.5, Method: "trial_division"}
	require.NoError(t, s.SaveCheckpoint(ctx, cp))

	got, err := s.LoadCheckpoint(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, int64(100000), got.LastChecked)

	require.NoError(t, s.DeleteCheckpoint(ctx, "t1"))
	got, err = s.LoadCheckpoint(ctx, "t1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestDeadLetterListAndRetry(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	tk, err := s.Insert(ctx, "compute", json.RawMessage(`{}`), 1)
	require.NoError(t, err)
	_, err = s.Claim(ctx, "worker-1", -1) // lease already expired
	require.NoError(t, err)

	n, err := s.ReclaimExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n, "an attempt-capped task is dead-lettered, not reclaimed")

	dead, err := s.ListDeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, tk.ID, dead[0].ID)

	retried, err := s.RetryDeadLetter(ctx, tk.ID)
	require.NoError(t, err)
	require.True(t, retried)

	dead, err = s.ListDeadLetters(ctx)
	require.NoError(t, err)
	require.Empty(t, dead)

	got, _, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusPending, got.Status)
	require.Equal(t, 0, got.Attempts)
}
