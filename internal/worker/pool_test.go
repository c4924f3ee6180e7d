package worker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/executor"
	"github.com/taskmesh/taskmesh/internal/outbox"
	"github.com/taskmesh/taskmesh/pkg/client"
)

type fakeDispatcher struct {
	mu          sync.Mutex
	tasks       []*client.TaskResponse
	claimCalls  int32
	heartbeats  int32
	results     []client.ResultSubmission
	submitErr   error
	checkpoints map[string]client.CheckpointPayload
}

func newFakeDispatcher(tasks ...*client.TaskResponse) *fakeDispatcher {
	return &fakeDispatcher{tasks: tasks, checkpoints: make(map[string]client.CheckpointPayload)}
}

func (f *fakeDispatcher) ClaimTask(ctx context.Context, workerID string) (*client.TaskResponse, error) {
	atomic.AddInt32(&f.claimCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tasks) == 0 {
		return nil, nil
	}
	t := f.tasks[0]
	f.tasks = f.tasks[1:]
	return t, nil
}

func (f *fakeDispatcher) SubmitResult(ctx context.Context, taskID string, result client.ResultSubmission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.results = append(f.results, result)
	return nil
}

func (f *fakeDispatcher) Heartbeat(ctx context.Context, workerID string) error {
	atomic.AddInt32(&f.heartbeats, 1)
	return nil
}

func (f *fakeDispatcher) LoadCheckpoint(ctx context.Context, taskID string) (*client.CheckpointPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp, ok := f.checkpoints[taskID]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (f *fakeDispatcher) SaveCheckpoint(ctx context.Context, taskID string, cp client.CheckpointPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints[taskID] = cp
	return nil
}

func (f *fakeDispatcher) DeleteCheckpoint(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.checkpoints, taskID)
	return nil
}

func newTestPool(t *testing.T, api DispatcherClient) (*Pool, *executor.Registry, afero.Fs) {
	t.Helper()
	registry := executor.NewRegistry()
	fs := afero.NewMemMapFs()
	cache, err := outbox.New(fs, "/cache", time.Hour)
	require.NoError(t, err)

	cfg := &config.WorkerConfig{
		ID:                "worker-test",
		PollInterval:      5 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
	}
	return NewPool(cfg, api, registry, cache), registry, fs
}

func TestPoolExecutesClaimedTaskAndSubmitsResult(t *testing.T) {
	task := &client.TaskResponse{ID: "t1", Type: "echo", Payload: json.RawMessage(`{"msg":"hi"}`)}
	api := newFakeDispatcher(task)
	pool, registry, _ := newTestPool(t, api)

	var executed int32
	registry.Register("echo", func(ctx context.Context, taskID string, payload json.RawMessage, cp executor.Checkpointer) (map[string]interface{}, error) {
		atomic.AddInt32(&executed, 1)
		return map[string]interface{}{"echoed": true}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	require.Eventually(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return len(api.results) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	pool.Stop(context.Background())

	assert.Equal(t, int32(1), atomic.LoadInt32(&executed))
	assert.Equal(t, "completed", api.results[0].Status)
}

func TestPoolCachesResultWhenSubmitFails(t *testing.T) {
	task := &client.TaskResponse{ID: "t2", Type: "echo"}
	api := newFakeDispatcher(task)
	api.submitErr = assert.AnError
	pool, registry, fs := newTestPool(t, api)

	registry.Register("echo", func(ctx context.Context, taskID string, payload json.RawMessage, cp executor.Checkpointer) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	require.Eventually(t, func() bool {
		infos, err := afero.ReadDir(fs, "/cache")
		return err == nil && len(infos) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	pool.Stop(context.Background())
}

func TestPoolSendsHeartbeats(t *testing.T) {
	api := newFakeDispatcher()
	pool, _, _ := newTestPool(t, api)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&api.heartbeats) >= 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	pool.Stop(context.Background())
}

func TestPoolReportsFailedExecution(t *testing.T) {
	task := &client.TaskResponse{ID: "t3", Type: "boom"}
	api := newFakeDispatcher(task)
	pool, registry, _ := newTestPool(t, api)

	registry.Register("boom", func(ctx context.Context, taskID string, payload json.RawMessage, cp executor.Checkpointer) (map[string]interface{}, error) {
		return nil, assert.AnError
	})

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	require.Eventually(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return len(api.results) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	pool.Stop(context.Background())

	assert.Equal(t, "failed", api.results[0].Status)
}
