//go:build linux

package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/taskmesh/taskmesh/internal/logger"
)

// CRIUManager shells out to `criu` exactly as checkpoint_manager.py does:
// dump with --leave-running so the task keeps making progress after the
// snapshot, restore in the background and let the caller poll the task's
// own result file / store state for completion.
type CRIUManager struct {
	baseDir  string
	workerID string
}

func NewCRIUManager(baseDir, workerID string) (*CRIUManager, error) {
	shared := filepath.Join(baseDir, "shared")
	if err := os.MkdirAll(shared, 0o777); err != nil {
		return nil, fmt.Errorf("checkpoint: create shared dir: %w", err)
	}
	return &CRIUManager{baseDir: shared, workerID: workerID}, nil
}

func (m *CRIUManager) taskDir(taskID string) string {
	return filepath.Join(m.baseDir, "task_"+taskID)
}

func (m *CRIUManager) Checkpoint(pid int, taskID string) (string, error) {
	dir := m.taskDir(taskID)
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return "", fmt.Errorf("checkpoint: mkdir: %w", err)
	}
	_ = os.Chmod(dir, 0o777)

	meta := Metadata{TaskID: taskID, PID: pid, WorkerID: m.workerID, CheckpointDir: dir, CheckpointAt: time.Now().UTC().Format(time.RFC3339)}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), metaBytes, 0o644); err != nil {
		return "", fmt.Errorf("checkpoint: write metadata: %w", err)
	}

	logPath := filepath.Join(dir, "dump.log")
	cmd := exec.Command("sudo", "criu", "dump",
		"-t", fmt.Sprintf("%d", pid),
		"--images-dir", dir,
		"--shell-job",
		"--leave-running",
		"-v4",
		"--log-file", logPath,
	)
	if err := cmd.Run(); err != nil {
		logger.Warn().Str("task_id", taskID).Err(err).Msg("criu dump failed")
		return "", fmt.Errorf("checkpoint: criu dump: %w", err)
	}
	return dir, nil
}

func (m *CRIUManager) Restore(taskID string) (string, error) {
	dir := m.taskDir(taskID)
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("checkpoint: no checkpoint for task %s", taskID)
	}

	cmd := exec.Command("sudo", "criu", "restore",
		"--images-dir", dir,
		"--shell-job",
		"-d",
		"-v4",
	)
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("checkpoint: criu restore: %w", err)
	}
	// Non-blocking, matching the original: give the restore a moment to
	// either fail fast or hand the process back, then return control to
	// the caller which waits on the task's own completion signal.
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("checkpoint: criu restore exited early: %w", err)
		}
	case <-time.After(2 * time.Second):
	}
	return dir, nil
}

func (m *CRIUManager) Delete(taskID string) error {
	return os.RemoveAll(m.taskDir(taskID))
}

func (m *CRIUManager) ResultFilePath(taskID string) string {
	return filepath.Join(m.taskDir(taskID), "result.json")
}

func (m *CRIUManager) List() ([]Metadata, error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Metadata
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.baseDir, e.Name(), "metadata.json"))
		if err != nil {
			continue
		}
		var meta Metadata
		if err := json.Unmarshal(data, &meta); err == nil {
			out = append(out, meta)
		}
	}
	return out, nil
}
