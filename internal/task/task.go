package task

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a Task. The core only ever sees four
// states; there is no scheduled/retrying/cancelled/dead-letter tier —
// attempt-cap exhaustion is a read-only condition surfaced in stats, not
// a distinct status (see design notes in SPEC_FULL.md).
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) String() string { return string(s) }

// IsTerminal reports whether no further SaveResult or reclamation should
// change this status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return Status(s), true
	default:
		return "", false
	}
}

// Task is a unit of work tracked by the persistent task store.
type Task struct {
	ID           string          `json:"id"`
	Type         string          `json:"task_type"`
	Payload      json.RawMessage `json:"payload"`
	Status       Status          `json:"status"`
	AssignedTo   string          `json:"assigned_to,omitempty"`
	ClaimedAt    *time.Time      `json:"claimed_at,omitempty"`
	LeaseExpires *time.Time      `json:"lease_expires,omitempty"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// New creates a pending Task ready for Store.Insert. id is caller-assigned:
// the store generates it from a monotonic counter (spec.md §3's "unique
// monotonically assigned identifier"), never from task.New itself.
func New(id, taskType string, payload json.RawMessage, maxAttempts int) *Task {
	now := time.Now().UTC()
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Task{
		ID:          id,
		Type:        taskType,
		Payload:     payload,
		Status:      StatusPending,
		Attempts:    0,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// DefaultMaxAttempts mirrors DEFAULT_MAX_ATTEMPTS from the configuration surface.
const DefaultMaxAttempts = 5

// CanClaim reports whether the task is eligible to be claimed right now:
// pending, or in-progress with an expired lease, and under the attempt cap.
func (t *Task) CanClaim(now time.Time) bool {
	if t.Attempts >= t.MaxAttempts {
		return false
	}
	if t.Status == StatusPending {
		return true
	}
	if t.Status == StatusInProgress && t.LeaseExpires != nil && t.LeaseExpires.Before(now) {
		return true
	}
	return false
}

// AttemptCapReached reports whether the task can never be claimed again
// regardless of status, the condition operators must dead-letter manually.
func (t *Task) AttemptCapReached() bool {
	return !t.Status.IsTerminal() && t.Attempts >= t.MaxAttempts
}

// Envelope is the wire shape returned by get-task: an opaque task handed
// to a worker for execution.
type Envelope struct {
	TaskID  string          `json:"task_id"`
	Type    string          `json:"task_type"`
	Payload json.RawMessage `json:"payload"`
}

func (t *Task) Envelope() Envelope {
	return Envelope{TaskID: t.ID, Type: t.Type, Payload: t.Payload}
}

// Result is the outcome of running a task, generalized to an opaque body
// map instead of the original's hard-coded prime-specific fields.
type Result struct {
	TaskID          string                 `json:"task_id"`
	WorkerID        string                 `json:"worker_id"`
	Status          Status                 `json:"status"`
	Body            map[string]interface{} `json:"result_body"`
	ComputationTime float64                `json:"computation_time"`
	CreatedAt       time.Time              `json:"created_at"`
}

// Worker is a logical executor tracked by liveness heartbeats.
type Worker struct {
	ID            string                 `json:"worker_id"`
	LastHeartbeat time.Time              `json:"last_heartbeat"`
	Alive         bool                   `json:"alive"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Checkpoint is a resumable snapshot of an in-progress task's progress.
type Checkpoint struct {
	TaskID      string          `json:"task_id"`
	LastChecked int64           `json:"last_checked"`
	Partial     json.RawMessage `json:"partial"`
	ElapsedTime float64         `json:"elapsed_time"`
	Method      string          `json:"method"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
