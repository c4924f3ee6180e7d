package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/task"
)

func newTestCache(t *testing.T, ttl time.Duration) *Cache {
	t.Helper()
	fs := afero.NewMemMapFs()
	c, err := New(fs, "/cache", ttl)
	require.NoError(t, err)
	return c
}

func TestSaveAndReplaySuccessDeletesEntry(t *testing.T) {
	c := newTestCache(t, time.Hour)
	require.NoError(t, c.Save(Entry{TaskID: "t1", Status: task.StatusCompleted, WorkerID: "w1", ResultBody: map[string]interface{}{"primes": 3}}))

	var replayed int
	err := c.ReplayAll(context.Background(), func(ctx context.Context, e Entry) error {
		replayed++
		assert.Equal(t, "t1", e.TaskID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, replayed)

	names, err := c.listCacheFiles()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestReplayFailureLeavesEntryForNextAttempt(t *testing.T) {
	c := newTestCache(t, time.Hour)
	require.NoError(t, c.Save(Entry{TaskID: "t2", Status: task.StatusFailed}))

	err := c.ReplayAll(context.Background(), func(ctx context.Context, e Entry) error {
		return assert.AnError
	})
	require.NoError(t, err)

	names, err := c.listCacheFiles()
	require.NoError(t, err)
	assert.Len(t, names, 1)
}

func TestExpiredEntryIsDroppedUnsent(t *testing.T) {
	c := newTestCache(t, time.Millisecond)
	require.NoError(t, c.Save(Entry{TaskID: "t3", CaptureTime: time.Now().Add(-time.Hour)}))

	called := false
	err := c.ReplayAll(context.Background(), func(ctx context.Context, e Entry) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, called, "expired entries must not be replayed")

	names, err := c.listCacheFiles()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestReplayIsIdempotentPerEntry(t *testing.T) {
	c := newTestCache(t, time.Hour)
	require.NoError(t, c.Save(Entry{TaskID: "t4"}))

	var commits int
	submit := func(ctx context.Context, e Entry) error {
		commits++
		return nil
	}
	require.NoError(t, c.ReplayAll(context.Background(), submit))
	require.NoError(t, c.ReplayAll(context.Background(), submit))
	assert.Equal(t, 1, commits, "the entry is deleted after its first successful replay")
}
