package subprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/taskmesh/taskmesh/internal/executor"
	"github.com/taskmesh/taskmesh/internal/task"
)

// IsChild reports whether the current process was re-exec'd as an
// isolated task-executor child (ChildEnvVar set by Executor.runFresh).
func IsChild() bool {
	return os.Getenv(ChildEnvVar) != ""
}

// RunChild is task_executor.py's execute_task_isolated, ported: it reads
// a TaskSpec from stdin, runs it through registry, and deposits the
// result either at TASKMESH_RESULT_FILE or on stdout. It never returns an
// error to the caller's caller — by design it always reports outcome
// through the result sink and exits 0, since the parent reads status
// from the body, not the exit code (matching the original).
//
// The child has no dispatcher connection, so app-level checkpoint/resume
// is unavailable to it; CRIU handles resumption at the process level
// instead, one layer up.
func RunChild(ctx context.Context, registry *executor.Registry) {
	taskID := os.Getenv(taskIDEnvVar)
	taskType := os.Getenv(taskTypeEnvVar)
	resultFile := os.Getenv(resultFileEnvVar)

	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		writeChildResult(resultFile, childResult{Status: "failed", Error: fmt.Sprintf("read stdin: %v", err)})
		return
	}
	var spec TaskSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		writeChildResult(resultFile, childResult{Status: "failed", Error: fmt.Sprintf("decode task spec: %v", err)})
		return
	}
	if taskID == "" {
		taskID = spec.TaskID
	}
	if taskType == "" {
		taskType = spec.Type
	}

	body, err := registry.Execute(ctx, taskID, taskType, spec.Payload, noopCheckpointer{})
	if err != nil {
		writeChildResult(resultFile, childResult{Status: "failed", Error: err.Error()})
		return
	}
	writeChildResult(resultFile, childResult{Status: "completed", Body: body})
}

func writeChildResult(path string, r childResult) {
	data, err := json.Marshal(r)
	if err != nil {
		data = []byte(`{"status":"failed","error":"marshal result"}`)
	}
	if path != "" {
		_ = os.WriteFile(path, data, 0o644)
		return
	}
	os.Stdout.Write(data)
}

// noopCheckpointer discards application-level checkpoint calls; see
// RunChild's doc comment for why the isolated child doesn't use them.
type noopCheckpointer struct{}

func (noopCheckpointer) LoadCheckpoint(ctx context.Context, taskID string) (*task.Checkpoint, error) {
	return nil, nil
}
func (noopCheckpointer) SaveCheckpoint(ctx context.Context, cp *task.Checkpoint) error { return nil }
func (noopCheckpointer) DeleteCheckpoint(ctx context.Context, taskID string) error     { return nil }
