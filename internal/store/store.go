// Package store implements the persistent task store: a durable, atomically-claimable queue of tasks,
// results, worker liveness, and checkpoints backed by Redis.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskmesh/taskmesh/internal/task"
)

var (
	ErrTaskNotFound = errors.New("store: task not found")
)

const (
	keyTaskPrefix       = "task:"
	keyResultSuffix     = ":result"
	keyCheckpointPrefix = "checkpoint:"
	keyWorkerPrefix     = "worker:"
	keyPending          = "tasks:pending"
	keyInflight         = "tasks:inflight"
	keyWorkersAll       = "workers:all"
	keyDead             = "tasks:dead"
	keyNextID           = "tasks:next_id"
)

// Store is the persistent task store contract from spec.md §4.A.
type Store interface {
	Insert(ctx context.Context, taskType string, payload json.RawMessage, maxAttempts int) (*task.Task, error)
	Claim(ctx context.Context, workerID string, leaseSeconds int) (*task.Task, error)
	Heartbeat(ctx context.Context, workerID, status string, metadata map[string]interface{}) error
	SaveResult(ctx context.Context, taskID, workerID string, body map[string]interface{}, status task.Status, computationTime float64) (saved bool, err error)
	GetTask(ctx context.Context, taskID string) (*task.Task, *task.Result, error)
	ReclaimExpired(ctx context.Context) (int, error)
	MarkDead(ctx context.Context, thresholdSeconds int) (int, error)
	ReclaimFromDead(ctx context.Context) (int, error)
	SaveCheckpoint(ctx context.Context, cp *task.Checkpoint) error
	LoadCheckpoint(ctx context.Context, taskID string) (*task.Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, taskID string) error
	Stats(ctx context.Context) (*Stats, error)
	ListDeadLetters(ctx context.Context) ([]*task.Task, error)
	RetryDeadLetter(ctx context.Context, taskID string) (bool, error)
}

// Stats is the read-only snapshot backing GET /stats.
type Stats struct {
	PendingTasks  int64          `json:"pending_tasks"`
	ActiveWorkers int64          `json:"active_workers"`
	Workers       []*task.Worker `json:"workers"`
}

// RedisStore is the Store backed by github.com/redis/go-redis/v9.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func taskKey(id string) string       { return keyTaskPrefix + id }
func resultKey(id string) string     { return keyTaskPrefix + id + keyResultSuffix }
func checkpointKey(id string) string { return keyCheckpointPrefix + id }
func workerKey(id string) string     { return keyWorkerPrefix + id }

// Insert assigns the new task's id from a Redis INCR counter inside
// insertScript (spec.md §3's "unique monotonically assigned identifier"),
// so the id itself doubles as the tasks:pending ordering key and ties can
// never occur.
func (s *RedisStore) Insert(ctx context.Context, taskType string, payload json.RawMessage, maxAttempts int) (*task.Task, error) {
	if maxAttempts <= 0 {
		maxAttempts = task.DefaultMaxAttempts
	}
	now := time.Now().UTC()
	id, err := insertScript.Run(ctx, s.client,
		[]string{keyNextID, keyPending},
		taskType, string(payload), maxAttempts, now.UnixNano(), keyTaskPrefix,
	).Int64()
	if err != nil {
		return nil, fmt.Errorf("store: insert task: %w", err)
	}
	return task.New(strconv.FormatInt(id, 10), taskType, payload, maxAttempts), nil
}

func (s *RedisStore) Claim(ctx context.Context, workerID string, leaseSeconds int) (*task.Task, error) {
	now := time.Now().UTC()
	res, err := claimScript.Run(ctx, s.client,
		[]string{keyPending, keyInflight},
		workerID, leaseSeconds, now.Unix(), keyTaskPrefix,
	).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: claim: %w", err)
	}
	fields, ok := res.([]interface{})
	if !ok || len(fields) == 0 {
		return nil, nil
	}
	return taskFromHGETALL(fields)
}

func (s *RedisStore) Heartbeat(ctx context.Context, workerID, status string, metadata map[string]interface{}) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("store: marshal worker metadata: %w", err)
	}
	alive := "1"
	if status == "dead" {
		alive = "0"
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, workerKey(workerID),
		"last_heartbeat", time.Now().UTC().Unix(),
		"alive", alive,
		"metadata", string(meta),
	)
	pipe.SAdd(ctx, keyWorkersAll, workerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: heartbeat: %w", err)
	}
	return nil
}

func (s *RedisStore) SaveResult(ctx context.Context, taskID, workerID string, body map[string]interface{}, status task.Status, computationTime float64) (bool, error) {
	if status != task.StatusCompleted && status != task.StatusFailed {
		return false, fmt.Errorf("store: save result: invalid terminal status %q", status)
	}
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return false, fmt.Errorf("store: marshal result body: %w", err)
	}
	now := time.Now().UTC().Unix()
	res, err := saveResultScript.Run(ctx, s.client,
		[]string{taskKey(taskID), resultKey(taskID), keyInflight},
		workerID, string(status), string(bodyJSON), computationTime, now, taskID,
	).Result()
	if err != nil {
		if strings.Contains(err.Error(), "task_not_found") {
			return false, ErrTaskNotFound
		}
		return false, fmt.Errorf("store: save result: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) == 0 {
		return false, fmt.Errorf("store: save result: unexpected script reply")
	}
	saved, _ := arr[0].(int64)
	return saved == 1, nil
}

func (s *RedisStore) GetTask(ctx context.Context, taskID string) (*task.Task, *task.Result, error) {
	fields, err := s.client.HGetAll(ctx, taskKey(taskID)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("store: get task: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil, ErrTaskNotFound
	}
	t, err := taskFromMap(taskID, fields)
	if err != nil {
		return nil, nil, err
	}

	resFields, err := s.client.HGetAll(ctx, resultKey(taskID)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("store: get result: %w", err)
	}
	if len(resFields) == 0 {
		return t, nil, nil
	}
	r, err := resultFromMap(taskID, resFields)
	if err != nil {
		return t, nil, err
	}
	return t, r, nil
}

func (s *RedisStore) ReclaimExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC().Unix()
	res, err := reclaimExpiredScript.Run(ctx, s.client,
		[]string{keyInflight, keyPending, keyDead},
		now, keyTaskPrefix,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("store: reclaim expired: %w", err)
	}
	return res, nil
}

func (s *RedisStore) MarkDead(ctx context.Context, thresholdSeconds int) (int, error) {
	now := time.Now().UTC().Unix()
	res, err := markDeadScript.Run(ctx, s.client,
		[]string{keyWorkersAll},
		now, thresholdSeconds, keyWorkerPrefix,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("store: mark dead: %w", err)
	}
	return res, nil
}

func (s *RedisStore) ReclaimFromDead(ctx context.Context) (int, error) {
	now := time.Now().UTC().Unix()
	res, err := reclaimFromDeadScript.Run(ctx, s.client,
		[]string{keyInflight, keyPending, keyDead},
		now, keyTaskPrefix, keyWorkerPrefix,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("store: reclaim from dead: %w", err)
	}
	return res, nil
}

func (s *RedisStore) SaveCheckpoint(ctx context.Context, cp *task.Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	err := s.client.HSet(ctx, checkpointKey(cp.TaskID),
		"last_checked", cp.LastChecked,
		"partial", string(cp.Partial),
		"elapsed_time", cp.ElapsedTime,
		"method", cp.Method,
		"updated_at", cp.UpdatedAt.Unix(),
	).Err()
	if err != nil {
		return fmt.Errorf("store: save checkpoint: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadCheckpoint(ctx context.Context, taskID string) (*task.Checkpoint, error) {
	fields, err := s.client.HGetAll(ctx, checkpointKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: load checkpoint: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	lastChecked, _ := strconv.ParseInt(fields["last_checked"], 10, 64)
	elapsed, _ := strconv.ParseFloat(fields["elapsed_time"], 64)
	updatedUnix, _ := strconv.ParseInt(fields["updated_at"], 10, 64)
	return &task.Checkpoint{
		TaskID:      taskID,
		LastChecked: lastChecked,
		Partial:     json.RawMessage(fields["partial"]),
		ElapsedTime: elapsed,
		Method:      fields["method"],
		UpdatedAt:   time.Unix(updatedUnix, 0).UTC(),
	}, nil
}

func (s *RedisStore) DeleteCheckpoint(ctx context.Context, taskID string) error {
	if err := s.client.Del(ctx, checkpointKey(taskID)).Err(); err != nil {
		return fmt.Errorf("store: delete checkpoint: %w", err)
	}
	return nil
}

func (s *RedisStore) Stats(ctx context.Context) (*Stats, error) {
	pending, err := s.client.ZCard(ctx, keyPending).Result()
	if err != nil {
		return nil, fmt.Errorf("store: stats pending: %w", err)
	}
	ids, err := s.client.SMembers(ctx, keyWorkersAll).Result()
	if err != nil {
		return nil, fmt.Errorf("store: stats workers: %w", err)
	}
	workers := make([]*task.Worker, 0, len(ids))
	var active int64
	for _, id := range ids {
		fields, err := s.client.HGetAll(ctx, workerKey(id)).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		w := workerFromMap(id, fields)
		if w.Alive {
			active++
		}
		workers = append(workers, w)
	}
	return &Stats{PendingTasks: pending, ActiveWorkers: active, Workers: workers}, nil
}

// ListDeadLetters returns tasks that exhausted their attempt budget while
// in-progress and were never re-queued or resolved.
func (s *RedisStore) ListDeadLetters(ctx context.Context) ([]*task.Task, error) {
	ids, err := s.client.SMembers(ctx, keyDead).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list dead letters: %w", err)
	}
	tasks := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		fields, err := s.client.HGetAll(ctx, taskKey(id)).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		t, err := taskFromMap(id, fields)
		if err != nil {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// RetryDeadLetter resets a dead-lettered task's attempt count and returns
// it to the pending queue. It reports (false, nil) if taskID was not
// dead-lettered.
func (s *RedisStore) RetryDeadLetter(ctx context.Context, taskID string) (bool, error) {
	now := time.Now().UTC().Unix()
	res, err := retryDeadLetterScript.Run(ctx, s.client,
		[]string{taskKey(taskID), keyPending, keyDead},
		now, taskID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("store: retry dead letter: %w", err)
	}
	return res == 1, nil
}

func taskFromHGETALL(fields []interface{}) (*task.Task, error) {
	m := make(map[string]string, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		k, _ := fields[i].(string)
		v, _ := fields[i+1].(string)
		m[k] = v
	}
	return taskFromMap(m["id"], m)
}

func taskFromMap(id string, m map[string]string) (*task.Task, error) {
	if id == "" {
		id = m["id"]
	}
	attempts, _ := strconv.Atoi(m["attempts"])
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])
	createdNano, _ := strconv.ParseInt(m["created_at"], 10, 64)
	updatedUnix, _ := strconv.ParseInt(m["updated_at"], 10, 64)

	t := &task.Task{
		ID:          id,
		Type:        m["task_type"],
		Payload:     json.RawMessage(m["payload"]),
		Status:      task.Status(m["status"]),
		AssignedTo:  m["assigned_to"],
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Unix(0, createdNano).UTC(),
		UpdatedAt:   time.Unix(updatedUnix, 0).UTC(),
	}
	if v, ok := m["claimed_at"]; ok && v != "" {
		sec, _ := strconv.ParseInt(v, 10, 64)
		ts := time.Unix(sec, 0).UTC()
		t.ClaimedAt = &ts
	}
	if v, ok := m["lease_expires"]; ok && v != "" {
		sec, _ := strconv.ParseFloat(v, 64)
		ts := time.Unix(int64(sec), 0).UTC()
		t.LeaseExpires = &ts
	}
	return t, nil
}

func resultFromMap(taskID string, m map[string]string) (*task.Result, error) {
	var body map[string]interface{}
	if err := json.Unmarshal([]byte(m["result_body"]), &body); err != nil {
		return nil, fmt.Errorf("store: unmarshal result body: %w", err)
	}
	computation, _ := strconv.ParseFloat(m["computation_time"], 64)
	createdUnix, _ := strconv.ParseInt(m["created_at"], 10, 64)
	return &task.Result{
		TaskID:          taskID,
		WorkerID:        m["worker_id"],
		Status:          task.Status(m["status"]),
		Body:            body,
		ComputationTime: computation,
		CreatedAt:       time.Unix(createdUnix, 0).UTC(),
	}, nil
}

func workerFromMap(id string, m map[string]string) *task.Worker {
	lastUnix, _ := strconv.ParseInt(m["last_heartbeat"], 10, 64)
	var meta map[string]interface{}
	_ = json.Unmarshal([]byte(m["metadata"]), &meta)
	return &task.Worker{
		ID:            id,
		LastHeartbeat: time.Unix(lastUnix, 0).UTC(),
		Alive:         m["alive"] == "1",
		Metadata:      meta,
	}
}
