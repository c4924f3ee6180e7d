package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdminHandler() (*AdminHandler, *fakeStore, *WorkerPool) {
	fs := newFakeStore()
	wp := NewWorkerPool()
	return NewAdminHandler(fs, nil, wp), fs, wp
}

func TestListAndRetryDeadLetter(t *testing.T) {
	h, fs, _ := newTestAdminHandler()
	tk, err := fs.Insert(context.Background(), "compute", json.RawMessage(`{}`), 1)
	require.NoError(t, err)
	fs.dead[tk.ID] = true

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/dead-letters", nil)
	w := httptest.NewRecorder()
	h.ListDeadLetters(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string][]map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp["entries"], 1)

	req2 := httptest.NewRequest(http.MethodPost, "/v1/admin/dead-letters/"+tk.ID+"/retry", nil)
	req2 = withURLParam(req2, "taskID", tk.ID)
	w2 := httptest.NewRecorder()
	h.RetryDeadLetter(w2, req2)
	assert.Equal(t, http.StatusOK, w2.Code)
	assert.False(t, fs.dead[tk.ID])
}

func TestRetryDeadLetterNotFound(t *testing.T) {
	h, _, _ := newTestAdminHandler()
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/dead-letters/missing/retry", nil)
	req = withURLParam(req, "taskID", "missing")
	w := httptest.NewRecorder()

	h.RetryDeadLetter(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPauseAndResumeWorker(t *testing.T) {
	h, _, wp := newTestAdminHandler()

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/workers/w1/pause", nil)
	req = withURLParam(req, "workerID", "w1")
	w := httptest.NewRecorder()
	h.PauseWorker(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, wp.IsPaused("w1"))

	req2 := httptest.NewRequest(http.MethodPost, "/v1/admin/workers/w1/resume", nil)
	req2 = withURLParam(req2, "workerID", "w1")
	w2 := httptest.NewRecorder()
	h.ResumeWorker(w2, req2)
	require.Equal(t, http.StatusOK, w2.Code)
	assert.False(t, wp.IsPaused("w1"))
}
