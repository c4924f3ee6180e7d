// Package checkpoint implements the process-level (OS-assisted)
// checkpoint subsystem from spec.md §4.F: an optional, privileged
// snapshot/restore of a running task's child process via CRIU, grounded
// on the original worker/checkpoint_manager.py. It is strictly an
// optimization — correctness comes from the task store's at-least-once
// semantics, never from this package.
package checkpoint

import "errors"

// ErrUnsupported is returned by ProcessManager implementations on
// platforms where CRIU-based process checkpointing isn't available.
var ErrUnsupported = errors.New("checkpoint: process-level checkpointing unsupported on this platform")

// Metadata is the small header persisted alongside a process snapshot.
type Metadata struct {
	TaskID        string `json:"task_id"`
	PID           int    `json:"pid"`
	WorkerID      string `json:"worker_id"`
	CheckpointDir string `json:"checkpoint_dir"`
	CheckpointAt  string `json:"checkpoint_time"`
}

// ProcessManager snapshots and restores the subprocess running an
// isolated task execution. Implementations are platform-specific; see
// process_linux.go (real CRIU invocation) and process_other.go (stub).
type ProcessManager interface {
	// Checkpoint dumps the running process at pid into a per-task
	// directory, leaving it running (--leave-running).
	Checkpoint(pid int, taskID string) (dir string, err error)
	// Restore attempts to resume a previously checkpointed task,
	// returning the directory it restored from.
	Restore(taskID string) (dir string, err error)
	// Delete removes a task's checkpoint images.
	Delete(taskID string) error
	// List enumerates stored checkpoints' metadata.
	List() ([]Metadata, error)
	// ResultFilePath is where a forked child is told to deposit its task
	// result, so a restored process can be polled by reading this path
	// instead of an exited process's stdout pipe.
	ResultFilePath(taskID string) string
}
