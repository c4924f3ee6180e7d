package subprocess

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/checkpoint"
)

type fakeProcessManager struct {
	checkpoints []checkpoint.Metadata
	restoreErr  error
	resultDir   string
}

func (f *fakeProcessManager) Checkpoint(pid int, taskID string) (string, error) { return "", nil }
func (f *fakeProcessManager) Restore(taskID string) (string, error) {
	return f.resultDir, f.restoreErr
}
func (f *fakeProcessManager) Delete(taskID string) error { return nil }
func (f *fakeProcessManager) List() ([]checkpoint.Metadata, error) {
	return f.checkpoints, nil
}
func (f *fakeProcessManager) ResultFilePath(taskID string) string {
	return filepath.Join(f.resultDir, "result.json")
}

func TestNewExecutorDefaultsInterval(t *testing.T) {
	e := NewExecutor(nil, false, 0)
	assert.Equal(t, 15*time.Second, e.interval)
}

func TestTryRestoreWithoutCheckpointsWhenDisabled(t *testing.T) {
	e := NewExecutor(&fakeProcessManager{}, false, time.Second)
	_, restored, err := e.tryRestore(context.Background(), "t1")
	assert.False(t, restored)
	assert.NoError(t, err)
}

func TestTryRestoreReturnsCompletedResultFromFile(t *testing.T) {
	dir := t.TempDir()
	mgr := &fakeProcessManager{
		checkpoints: []checkpoint.Metadata{{TaskID: "t1"}},
		resultDir:   dir,
	}
	resultFile := mgr.ResultFilePath("t1")
	body := childResult{Status: "completed", Body: map[string]interface{}{"ok": true}}
	data, err := json.Marshal(body)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(resultFile, data, 0o644))

	e := NewExecutor(mgr, true, time.Second)
	result, restored, err := e.tryRestore(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, restored)
	assert.Equal(t, true, result["ok"])
}

func TestTryRestoreFallsBackWhenNoCheckpointExists(t *testing.T) {
	mgr := &fakeProcessManager{}
	e := NewExecutor(mgr, true, time.Second)
	_, restored, err := e.tryRestore(context.Background(), "missing")
	assert.False(t, restored)
	assert.NoError(t, err)
}

func TestReadResultFileMissingPath(t *testing.T) {
	_, ok := readResultFile("")
	assert.False(t, ok)
}
