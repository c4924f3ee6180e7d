// Package subprocess implements the isolated fork-execution path from
// spec.md §4.F / §9: running a task in a standalone child process so a
// CRIU snapshot can be taken and restored independently of the worker's
// own lifetime. Grounded on worker/worker.py's _execute_task_forked and
// worker/task_executor.py: the parent here plays worker.py's role, and
// RunChild (child.go) plays task_executor.py's role, re-exec'd from the
// worker's own binary instead of a separate Python script.
package subprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/taskmesh/taskmesh/internal/checkpoint"
	"github.com/taskmesh/taskmesh/internal/logger"
)

// ChildEnvVar flags a re-exec'd process as the isolated task-executor
// child rather than a normal worker process.
const ChildEnvVar = "TASKMESH_SUBPROCESS_CHILD"

const (
	taskIDEnvVar     = "TASKMESH_TASK_ID"
	taskTypeEnvVar   = "TASKMESH_TASK_TYPE"
	resultFileEnvVar = "TASKMESH_RESULT_FILE"

	restoreTimeout = 300 * time.Second
	restorePoll    = 2 * time.Second
)

// TaskSpec is what the parent feeds a forked child over stdin.
type TaskSpec struct {
	TaskID  string          `json:"task_id"`
	Type    string          `json:"task_type"`
	Payload json.RawMessage `json:"payload"`
}

// childResult is the wire shape task_executor.py / RunChild emits.
type childResult struct {
	Status string                 `json:"status"`
	Body   map[string]interface{} `json:"body,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// Executor runs tasks in an isolated child process, optionally
// checkpointing and restoring them via CRIU.
type Executor struct {
	mgr      checkpoint.ProcessManager
	enabled  bool
	interval time.Duration
}

// NewExecutor builds a forked-execution runner. mgr is nil-safe: when
// enabled is false the checkpoint side is never touched.
func NewExecutor(mgr checkpoint.ProcessManager, enabled bool, interval time.Duration) *Executor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Executor{mgr: mgr, enabled: enabled, interval: interval}
}

// ExecuteTask adapts Execute to the shape worker.ForkExecutor expects.
func (e *Executor) ExecuteTask(ctx context.Context, taskID, taskType string, payload json.RawMessage) (map[string]interface{}, error) {
	return e.Execute(ctx, TaskSpec{TaskID: taskID, Type: taskType, Payload: payload})
}

// Execute runs spec in an isolated child process, first attempting to
// resume a live CRIU snapshot for the same task ID if one exists.
func (e *Executor) Execute(ctx context.Context, spec TaskSpec) (map[string]interface{}, error) {
	if e.enabled && e.mgr != nil {
		if result, restored, err := e.tryRestore(ctx, spec.TaskID); restored {
			return result, err
		}
	}
	return e.runFresh(ctx, spec)
}

func (e *Executor) tryRestore(ctx context.Context, taskID string) (map[string]interface{}, bool, error) {
	checkpoints, err := e.mgr.List()
	if err != nil {
		return nil, false, nil
	}
	var found bool
	for _, c := range checkpoints {
		if c.TaskID == taskID {
			found = true
			break
		}
	}
	if !found {
		return nil, false, nil
	}

	resultFile := e.mgr.ResultFilePath(taskID)
	if r, ok := readResultFile(resultFile); ok && r.Status == "completed" {
		_ = e.mgr.Delete(taskID)
		return r.Body, true, nil
	}

	logger.Info().Str("task_id", taskID).Msg("attempting checkpoint restore")
	if _, err := e.mgr.Restore(taskID); err != nil {
		logger.Warn().Str("task_id", taskID).Err(err).Msg("checkpoint restore failed, falling back to fresh execution")
		_ = e.mgr.Delete(taskID)
		return nil, false, nil
	}

	deadline := time.Now().Add(restoreTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, true, ctx.Err()
		case <-time.After(restorePoll):
		}
		if r, ok := readResultFile(resultFile); ok {
			_ = e.mgr.Delete(taskID)
			if r.Status == "completed" {
				return r.Body, true, nil
			}
			return nil, true, fmt.Errorf("subprocess: restored task failed: %s", r.Error)
		}
	}

	logger.Warn().Str("task_id", taskID).Msg("timed out waiting for restored process, falling back to fresh execution")
	_ = e.mgr.Delete(taskID)
	return nil, false, nil
}

func readResultFile(path string) (*childResult, bool) {
	if path == "" {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var r childResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, false
	}
	return &r, true
}

func (e *Executor) runFresh(ctx context.Context, spec TaskSpec) (map[string]interface{}, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("subprocess: resolve self path: %w", err)
	}

	var resultFile string
	if e.enabled && e.mgr != nil {
		resultFile = e.mgr.ResultFilePath(spec.TaskID)
		if resultFile != "" {
			if err := os.MkdirAll(filepath.Dir(resultFile), 0o777); err != nil {
				return nil, fmt.Errorf("subprocess: create checkpoint dir: %w", err)
			}
		}
	}

	cmd := exec.CommandContext(ctx, self)
	cmd.Env = append(os.Environ(),
		ChildEnvVar+"=1",
		taskIDEnvVar+"="+spec.TaskID,
		taskTypeEnvVar+"="+spec.Type,
		resultFileEnvVar+"="+resultFile,
	)
	inBytes, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("subprocess: marshal task spec: %w", err)
	}
	cmd.Stdin = bytes.NewReader(inBytes)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("subprocess: start child: %w", err)
	}
	logger.Info().Str("task_id", spec.TaskID).Int("pid", cmd.Process.Pid).Msg("forked child process started")

	stopCheckpointing := make(chan struct{})
	if e.enabled && e.mgr != nil && resultFile != "" {
		go e.checkpointPeriodically(cmd.Process.Pid, spec.TaskID, stopCheckpointing)
	}

	waitErr := cmd.Wait()
	close(stopCheckpointing)

	if resultFile != "" {
		if r, ok := readResultFile(resultFile); ok {
			if r.Status == "failed" {
				return nil, fmt.Errorf("subprocess: task failed: %s", r.Error)
			}
			return r.Body, nil
		}
	}
	if waitErr != nil {
		return nil, fmt.Errorf("subprocess: child exited: %w (stderr: %s)", waitErr, stderr.String())
	}

	var r childResult
	if err := json.Unmarshal(stdout.Bytes(), &r); err != nil {
		return nil, fmt.Errorf("subprocess: decode child stdout: %w", err)
	}
	if r.Status == "failed" {
		return nil, fmt.Errorf("subprocess: task failed: %s", r.Error)
	}
	return r.Body, nil
}

func (e *Executor) checkpointPeriodically(pid int, taskID string, stop <-chan struct{}) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := e.mgr.Checkpoint(pid, taskID); err != nil {
				logger.Warn().Str("task_id", taskID).Err(err).Msg("periodic checkpoint failed")
			}
		}
	}
}
