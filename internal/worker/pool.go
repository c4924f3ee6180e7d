// Package worker implements the worker-side runtime: a polling loop that
// claims tasks from the dispatcher over HTTP, executes them through the
// executor registry, and reports results back — falling back to the
// outbound cache when the dispatcher is unreachable. Grounded on the
// teacher's worker.Pool (concurrency handling, state, graceful shutdown)
// but with claim/retry logic moved to the dispatcher: this runtime never
// retries or requeues a task itself, per the simplified 4-state model.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/executor"
	"github.com/taskmesh/taskmesh/internal/logger"
	"github.com/taskmesh/taskmesh/internal/metrics"
	"github.com/taskmesh/taskmesh/internal/outbox"
	"github.com/taskmesh/taskmesh/internal/task"
	"github.com/taskmesh/taskmesh/pkg/client"
)

// State represents the worker pool's current operational state.
type State int

const (
	StateIdle State = iota
	StateBusy
	StatePaused
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StatePaused:
		return "paused"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// DispatcherClient is the subset of *client.Client the pool depends on,
// narrowed so tests can substitute a fake.
type DispatcherClient interface {
	ClaimTask(ctx context.Context, workerID string) (*client.TaskResponse, error)
	SubmitResult(ctx context.Context, taskID string, result client.ResultSubmission) error
	Heartbeat(ctx context.Context, workerID string) error
	LoadCheckpoint(ctx context.Context, taskID string) (*client.CheckpointPayload, error)
	SaveCheckpoint(ctx context.Context, taskID string, cp client.CheckpointPayload) error
	DeleteCheckpoint(ctx context.Context, taskID string) error
}

// Pool runs a single worker's claim/execute/report loop, plus its
// heartbeat and outbound-cache-replay side loops.
type Pool struct {
	id       string
	api      DispatcherClient
	registry *executor.Registry
	cache    *outbox.Cache
	cfg      *config.WorkerConfig

	state   State
	stateMu sync.RWMutex

	wg     sync.WaitGroup
	stopCh chan struct{}

	forkExecutor ForkExecutor
}

// ForkExecutor runs a task in an isolated child process (spec.md §9's
// fork-execution mode), implemented by *subprocess.Executor. Narrowed to
// an interface here so internal/worker never imports internal/checkpoint.
type ForkExecutor interface {
	ExecuteTask(ctx context.Context, taskID, taskType string, payload json.RawMessage) (map[string]interface{}, error)
}

// WithForkExecutor enables fork-execution: every claimed task runs in an
// isolated child process via fe instead of in-process through the
// registry. Call before Start.
func (p *Pool) WithForkExecutor(fe ForkExecutor) *Pool {
	p.forkExecutor = fe
	return p
}

// NewPool creates a worker pool bound to the given dispatcher client and
// task registry.
func NewPool(cfg *config.WorkerConfig, api DispatcherClient, registry *executor.Registry, cache *outbox.Cache) *Pool {
	id := cfg.ID
	if id == "" {
		id = fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	}
	return &Pool{
		id:       id,
		api:      api,
		registry: registry,
		cache:    cache,
		cfg:      cfg,
		state:    StateIdle,
		stopCh:   make(chan struct{}),
	}
}

func (p *Pool) ID() string { return p.id }

func (p *Pool) State() State {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.state
}

func (p *Pool) setState(s State) {
	p.stateMu.Lock()
	p.state = s
	p.stateMu.Unlock()
}

// Start launches the task loop, the heartbeat loop and the cache-replay
// loop as three independent activities sharing only the stop signal.
func (p *Pool) Start(ctx context.Context) {
	p.setState(StateBusy)

	p.wg.Add(3)
	go p.taskLoop(ctx)
	go p.heartbeatLoop(ctx)
	go p.cacheReplayLoop(ctx)

	logger.Info().Str("worker_id", p.id).Msg("worker pool started")
}

// Stop signals all loops to exit and waits for them, bounded by the
// caller's context.
func (p *Pool) Stop(ctx context.Context) {
	p.setState(StateShuttingDown)
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Str("worker_id", p.id).Msg("worker pool stopped gracefully")
	case <-ctx.Done():
		logger.Warn().Str("worker_id", p.id).Msg("worker pool shutdown canceled")
	}
}

func (p *Pool) taskLoop(ctx context.Context) {
	defer p.wg.Done()
	log := logger.WithWorker(p.id)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		claimed, err := p.api.ClaimTask(ctx, p.id)
		if err != nil {
			log.Warn().Err(err).Msg("claim failed")
			p.sleep(p.cfg.PollInterval)
			continue
		}
		if claimed == nil {
			p.sleep(p.cfg.PollInterval)
			continue
		}

		p.execute(ctx, claimed)
	}
}

func (p *Pool) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-p.stopCh:
	}
}

func (p *Pool) execute(ctx context.Context, t *client.TaskResponse) {
	log := logger.WithTask(t.ID)

	start := time.Now()
	var (
		body map[string]interface{}
		err  error
	)
	if p.forkExecutor != nil {
		body, err = p.forkExecutor.ExecuteTask(ctx, t.ID, t.Type, t.Payload)
	} else {
		cp := &checkpointAdapter{api: p.api, taskID: t.ID}
		body, err = p.registry.Execute(ctx, t.ID, t.Type, t.Payload, cp)
	}
	duration := time.Since(start).Seconds()

	var result client.ResultSubmission
	if err != nil {
		log.Error().Err(err).Msg("task execution failed")
		result = client.ResultSubmission{
			WorkerID:        p.id,
			Status:          string(task.StatusFailed),
			Body:            map[string]interface{}{"error": err.Error()},
			ComputationTime: duration,
		}
		metrics.RecordTaskCompletion(t.Type, string(task.StatusFailed), duration)
	} else {
		result = client.ResultSubmission{
			WorkerID:        p.id,
			Status:          string(task.StatusCompleted),
			Body:            body,
			ComputationTime: duration,
		}
		metrics.RecordTaskCompletion(t.Type, string(task.StatusCompleted), duration)
	}

	if submitErr := p.api.SubmitResult(ctx, t.ID, result); submitErr != nil {
		log.Warn().Err(submitErr).Msg("failed to submit result, stashing in outbound cache")
		status := task.StatusCompleted
		if err != nil {
			status = task.StatusFailed
		}
		cacheErr := p.cache.Save(outbox.Entry{
			TaskID:     t.ID,
			ResultBody: result.Body,
			Status:     status,
			WorkerID:   p.id,
		})
		if cacheErr != nil {
			log.Error().Err(cacheErr).Msg("failed to stash result in outbound cache")
		} else {
			metrics.RecordCacheEntrySaved()
		}
	}
}

func (p *Pool) heartbeatLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.api.Heartbeat(ctx, p.id); err != nil {
				logger.Warn().Err(err).Str("worker_id", p.id).Msg("heartbeat failed")
				continue
			}
			metrics.RecordWorkerHeartbeat(p.id)
		}
	}
}

func (p *Pool) cacheReplayLoop(ctx context.Context) {
	defer p.wg.Done()

	interval := p.cfg.PollInterval * 5
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	submit := func(ctx context.Context, e outbox.Entry) error {
		err := p.api.SubmitResult(ctx, e.TaskID, client.ResultSubmission{
			WorkerID: e.WorkerID,
			Status:   string(e.Status),
			Body:     e.ResultBody,
		})
		if err != nil {
			metrics.RecordCacheReplayFailed()
			return err
		}
		metrics.RecordCacheReplaySucceeded()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.cache.ReplayAll(ctx, submit); err != nil {
				logger.Warn().Err(err).Msg("cache replay pass failed")
			}
		}
	}
}

// checkpointAdapter lets the executor registry save/load/delete
// checkpoints through the dispatcher's HTTP API without knowing about it.
type checkpointAdapter struct {
	api    DispatcherClient
	taskID string
}

func (c *checkpointAdapter) LoadCheckpoint(ctx context.Context, taskID string) (*task.Checkpoint, error) {
	cp, err := c.api.LoadCheckpoint(ctx, taskID)
	if err != nil || cp == nil {
		return nil, err
	}
	return &task.Checkpoint{
		TaskID:      taskID,
		LastChecked: cp.LastChecked,
		Partial:     json.RawMessage(cp.Partial),
		ElapsedTime: cp.ElapsedTime,
		Method:      cp.Method,
	}, nil
}

func (c *checkpointAdapter) SaveCheckpoint(ctx context.Context, cp *task.Checkpoint) error {
	return c.api.SaveCheckpoint(ctx, cp.TaskID, client.CheckpointPayload{
		LastChecked: cp.LastChecked,
		Partial:     json.RawMessage(cp.Partial),
		ElapsedTime: cp.ElapsedTime,
		Method:      cp.Method,
	})
}

func (c *checkpointAdapter) DeleteCheckpoint(ctx context.Context, taskID string) error {
	return c.api.DeleteCheckpoint(ctx, taskID)
}
