package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*Client, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	c, err := New(srv.URL)
	require.NoError(t, err)
	return c, srv.Close
}

func envelope(t *testing.T, w http.ResponseWriter, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	_ = json.NewEncoder(w).Encode(apiEnvelope{Status: "success", Message: "ok", Data: raw})
}

func TestSubmitTask(t *testing.T) {
	c, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/submit-task", r.URL.Path)
		var req TaskRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "compute", req.Type)

		w.WriteHeader(http.StatusCreated)
		envelope(t, w, SubmittedTask{TaskID: "1", TaskType: "compute", Status: "pending", MaxAttempts: 5})
	})
	defer closeFn()

	task, err := c.SubmitTask(context.Background(), TaskRequest{Type: "compute"})
	require.NoError(t, err)
	assert.Equal(t, "1", task.TaskID)
	assert.Equal(t, "pending", task.Status)
}

func TestGetTaskNotFound(t *testing.T) {
	c, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(apiError{Message: "Task not found"})
	})
	defer closeFn()

	_, err := c.GetTask(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Task not found")
}

func TestGetTaskReturnsDataMap(t *testing.T) {
	c, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/task/t1", r.URL.Path)
		envelope(t, w, map[string]interface{}{"task_id": "t1", "status": "completed"})
	})
	defer closeFn()

	data, err := c.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", data["task_id"])
	assert.Equal(t, "completed", data["status"])
}

func TestHeartbeat(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	c, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		envelope(t, w, map[string]interface{}{"worker_id": gotBody["worker_id"], "status": "alive"})
	})
	defer closeFn()

	require.NoError(t, c.Heartbeat(context.Background(), "worker-1"))
	assert.Equal(t, "/heartbeat", gotPath)
	assert.Equal(t, "worker-1", gotBody["worker_id"])
}

func TestClaimTaskReturnsNilOnMiss(t *testing.T) {
	c, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/get-task", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"task": nil})
	})
	defer closeFn()

	task, err := c.ClaimTask(context.Background(), "worker-1")
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestClaimTaskReturnsEnvelopeOnHit(t *testing.T) {
	c, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"task_id": "t1", "task_type": "compute", "payload": json.RawMessage(`{"n":5}`),
		})
	})
	defer closeFn()

	task, err := c.ClaimTask(context.Background(), "worker-1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "t1", task.ID)
	assert.Equal(t, "compute", task.Type)
}

func TestSubmitResult(t *testing.T) {
	c, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/submit-result", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "t1", body["task_id"])
		assert.Equal(t, "completed", body["status"])
		assert.Equal(t, float64(168), body["primes"])
		envelope(t, w, map[string]interface{}{"task_id": "t1", "status": "completed", "saved": true})
	})
	defer closeFn()

	err := c.SubmitResult(context.Background(), "t1", ResultSubmission{
		WorkerID: "worker-1",
		Status:   "completed",
		Body:     map[string]interface{}{"primes": 168},
	})
	require.NoError(t, err)
}

func TestStats(t *testing.T) {
	c, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stats", r.URL.Path)
		envelope(t, w, StatsResponse{PendingTasks: 3, ActiveWorkers: 2})
	})
	defer closeFn()

	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.PendingTasks)
	assert.Equal(t, 2, stats.ActiveWorkers)
}

func TestWorkerPoolStats(t *testing.T) {
	c, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/worker-pool/stats", r.URL.Path)
		envelope(t, w, map[string]interface{}{"paused_count": 1})
	})
	defer closeFn()

	stats, err := c.WorkerPoolStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, float64(1), stats["paused_count"])
}

func TestHealth(t *testing.T) {
	c, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		_ = json.NewEncoder(w).Encode(HealthResponse{Status: "healthy", Service: "dispatcher"})
	})
	defer closeFn()

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", h.Status)
}

func TestWithAPIKeySetsAuthHeader(t *testing.T) {
	var gotAuth string
	c, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		envelope(t, w, map[string]interface{}{"worker_id": "worker-1", "status": "alive"})
	})
	defer closeFn()

	c.opts.apiKey = "secret-token"
	require.NoError(t, c.Heartbeat(context.Background(), "worker-1"))
	assert.Equal(t, "Bearer secret-token", gotAuth)
}

func TestNewRejectsEmptyBaseURL(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}
