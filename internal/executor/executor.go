// Package executor implements the explicit task-type registry called
// for in SPEC_FULL.md / spec.md §9's "dynamic task dispatch" design
// note: the original resolves a handler by constructing a module name
// from task_type at runtime; here every handler is registered once at
// startup and unknown types fail fast with a structured error.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/taskmesh/taskmesh/internal/logger"
	"github.com/taskmesh/taskmesh/internal/task"
)

var (
	ErrHandlerNotFound = errors.New("executor: no handler registered for task type")
	ErrTaskCanceled    = errors.New("executor: task canceled")
)

// Checkpointer is the narrow slice of the store a Handler needs to save,
// load and clear its application-level checkpoint (spec.md §4.F).
type Checkpointer interface {
	LoadCheckpoint(ctx context.Context, taskID string) (*task.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp *task.Checkpoint) error
	DeleteCheckpoint(ctx context.Context, taskID string) error
}

// Handler executes one task type. It returns the opaque result body on
// success; a non-nil error is reported by the worker runtime as a
// terminal status=failed with the error folded into the body.
type Handler func(ctx context.Context, taskID string, payload json.RawMessage, cp Checkpointer) (map[string]interface{}, error)

// Registry is the startup-time map from task type to Handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(taskType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

func (r *Registry) HasHandler(taskType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[taskType]
	return ok
}

// Execute resolves the handler for taskType and runs it, recovering from
// panics the way the teacher's worker/executor.go does and mapping
// context cancellation to ErrTaskCanceled.
func (r *Registry) Execute(ctx context.Context, taskID, taskType string, payload json.RawMessage, cp Checkpointer) (body map[string]interface{}, err error) {
	r.mu.RLock()
	h, ok := r.handlers[taskType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrHandlerNotFound, taskType)
	}

	defer func() {
		if p := recover(); p != nil {
			logger.Error().
				Str("task_id", taskID).
				Str("task_type", taskType).
				Interface("panic", p).
				Str("stack", string(debug.Stack())).
				Msg("executor handler panicked")
			err = fmt.Errorf("executor: handler panic: %v", p)
		}
	}()

	body, err = h(ctx, taskID, payload, cp)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ErrTaskCanceled
		}
		return nil, err
	}
	return body, nil
}
