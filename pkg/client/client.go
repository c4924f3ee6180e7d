package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// TaskRequest describes a POST /submit-task request body, per spec.md §6.
type TaskRequest struct {
	Type string          `json:"task_type"`
	Data json.RawMessage `json:"task_data,omitempty"`
}

// SubmittedTask is the data object returned by POST /submit-task.
type SubmittedTask struct {
	TaskID      string `json:"task_id"`
	TaskType    string `json:"task_type"`
	Status      string `json:"status"`
	MaxAttempts int    `json:"max_attempts"`
}

// TaskResponse is the wire shape POST /get-task returns on a hit: an
// opaque task envelope, mirroring internal/task.Envelope.
type TaskResponse struct {
	ID      string          `json:"task_id"`
	Type    string          `json:"task_type"`
	Payload json.RawMessage `json:"payload"`
}

// ResultSubmission is what a worker posts back after executing a task,
// matching POST /submit-result's flat body (spec.md §6): the generic
// status/computation_time envelope plus whatever the compute handler's
// opaque result body contributed (primes, method, was_resumed, ...).
type ResultSubmission struct {
	TaskID          string                 `json:"-"`
	WorkerID        string                 `json:"worker_id"`
	Status          string                 `json:"status"`
	Body            map[string]interface{} `json:"-"`
	ComputationTime float64                `json:"computation_time,omitempty"`
}

// MarshalJSON flattens Body's entries to the top level alongside the
// envelope fields, matching the literal /submit-result request shape.
func (r ResultSubmission) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{
		"task_id":          r.TaskID,
		"worker_id":        r.WorkerID,
		"status":           r.Status,
		"computation_time": r.ComputationTime,
	}
	for k, v := range r.Body {
		out[k] = v
	}
	return json.Marshal(out)
}

// WorkerResponse describes a registered worker.
type WorkerResponse struct {
	ID            string `json:"id"`
	Alive         bool   `json:"alive"`
	LastHeartbeat string `json:"last_heartbeat"`
}

// CheckpointPayload is the wire shape of an application-level checkpoint.
type CheckpointPayload struct {
	LastChecked int64           `json:"last_checked"`
	Partial     json.RawMessage `json:"partial,omitempty"`
	ElapsedTime float64         `json:"elapsed_time"`
	Method      string          `json:"method"`
}

// WorkerListResponse wraps ListWorkers.
type WorkerListResponse struct {
	Workers []WorkerResponse `json:"workers"`
}

// StatsResponse reports dispatcher-wide queue statistics, per the literal
// GET /stats response data object.
type StatsResponse struct {
	PendingTasks  int `json:"pending_tasks"`
	ActiveWorkers int `json:"active_workers"`
}

// HealthResponse is the GET /health payload.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// DeadLetterEntry describes a task that exhausted its attempts.
type DeadLetterEntry struct {
	TaskID   string `json:"task_id"`
	Type     string `json:"type"`
	Attempts int    `json:"attempts"`
}

// DeadLetterListResponse wraps ListDeadLetters.
type DeadLetterListResponse struct {
	Entries []DeadLetterEntry `json:"entries"`
}

// apiError covers both of the dispatcher's non-2xx response shapes: a
// bare {"error": ...} for request-validation failures, and a
// {"status": "error", "message": ...} envelope for everything else.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (e apiError) text() string {
	if e.Error != "" {
		return e.Error
	}
	return e.Message
}

// apiEnvelope is the {"status", "message", "data"} shape the dispatcher
// wraps successful non-get-task/non-health responses in.
type apiEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// StatusError wraps a non-2xx dispatcher response so callers can branch on
// the HTTP status code (e.g. treat 404 as "no checkpoint yet").
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s (%d)", e.Message, e.StatusCode)
}

// Client is a hand-rolled HTTP client for the dispatcher's task API, plus
// an optional WebSocket connection for the live event feed.
type Client struct {
	baseURL string
	opts    *options
	ws      *WebSocketClient
}

// New creates a Client against the dispatcher at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("client: base URL required")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("client: invalid base URL: %w", err)
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	return &Client{baseURL: baseURL, opts: o}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.opts.applyHeaders()(ctx, req); err != nil {
		return fmt.Errorf("client: apply headers: %w", err)
	}

	resp, err := c.opts.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("client: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		_ = json.Unmarshal(data, &apiErr)
		msg := apiErr.text()
		if msg == "" {
			msg = resp.Status
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("%s %s: %s", method, path, msg)}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("client: decode response: %w", err)
		}
	}
	return nil
}

// doEnveloped calls do and unwraps the dispatcher's
// {"status", "message", "data"} envelope into out.
func (c *Client) doEnveloped(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var env apiEnvelope
	if err := c.do(ctx, method, path, body, &env); err != nil {
		return err
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("client: decode response data: %w", err)
		}
	}
	return nil
}

// SubmitTask creates a new task via POST /submit-task.
func (c *Client) SubmitTask(ctx context.Context, req TaskRequest) (*SubmittedTask, error) {
	var out SubmittedTask
	if err := c.doEnveloped(ctx, http.MethodPost, "/submit-task", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTask retrieves a task's status and result, if any, via GET /task/{id}.
// The response shape is heterogeneous (it grows extra fields once a
// result exists), so callers get the decoded data object as a map.
func (c *Client) GetTask(ctx context.Context, taskID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.doEnveloped(ctx, http.MethodGet, "/task/"+url.PathEscape(taskID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Heartbeat reports worker liveness to the dispatcher via POST /heartbeat.
func (c *Client) Heartbeat(ctx context.Context, workerID string) error {
	body := map[string]string{"worker_id": workerID}
	return c.doEnveloped(ctx, http.MethodPost, "/heartbeat", body, nil)
}

// ClaimTask asks the dispatcher for the next pending (or lease-expired)
// task via POST /get-task. It returns (nil, nil) when the response is
// {"task": null}, i.e. nothing is currently claimable.
func (c *Client) ClaimTask(ctx context.Context, workerID string) (*TaskResponse, error) {
	body := map[string]string{"worker_id": workerID}
	var out struct {
		TaskID  *string         `json:"task_id"`
		Type    string          `json:"task_type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := c.do(ctx, http.MethodPost, "/get-task", body, &out); err != nil {
		return nil, err
	}
	if out.TaskID == nil {
		return nil, nil
	}
	return &TaskResponse{ID: *out.TaskID, Type: out.Type, Payload: out.Payload}, nil
}

// SaveCheckpoint persists the worker's progress on a task so another
// worker can resume it after a lease expires.
func (c *Client) SaveCheckpoint(ctx context.Context, taskID string, cp CheckpointPayload) error {
	return c.do(ctx, http.MethodPut, "/v1/tasks/"+url.PathEscape(taskID)+"/checkpoint", cp, nil)
}

// LoadCheckpoint fetches a previously saved checkpoint, if any.
func (c *Client) LoadCheckpoint(ctx context.Context, taskID string) (*CheckpointPayload, error) {
	var out CheckpointPayload
	err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(taskID)+"/checkpoint", nil, &out)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

// DeleteCheckpoint removes a checkpoint after the task completes.
func (c *Client) DeleteCheckpoint(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/tasks/"+url.PathEscape(taskID)+"/checkpoint", nil, nil)
}

// SubmitResult reports the outcome of executing a task via POST /submit-result.
func (c *Client) SubmitResult(ctx context.Context, taskID string, result ResultSubmission) error {
	result.TaskID = taskID
	return c.doEnveloped(ctx, http.MethodPost, "/submit-result", result, nil)
}

// Stats returns dispatcher-wide queue statistics via GET /stats.
func (c *Client) Stats(ctx context.Context) (*StatsResponse, error) {
	var out StatsResponse
	if err := c.doEnveloped(ctx, http.MethodGet, "/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WorkerPoolStats returns advisory worker-pool state via GET /worker-pool/stats.
func (c *Client) WorkerPoolStats(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.doEnveloped(ctx, http.MethodGet, "/worker-pool/stats", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListWorkers returns all known workers.
func (c *Client) ListWorkers(ctx context.Context) (*WorkerListResponse, error) {
	var out WorkerListResponse
	if err := c.do(ctx, http.MethodGet, "/v1/workers", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health checks dispatcher health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PauseWorker marks a worker as paused, so the dispatcher stops handing it new claims.
func (c *Client) PauseWorker(ctx context.Context, workerID string) error {
	return c.do(ctx, http.MethodPost, "/v1/admin/workers/"+url.PathEscape(workerID)+"/pause", nil, nil)
}

// ResumeWorker un-pauses a worker.
func (c *Client) ResumeWorker(ctx context.Context, workerID string) error {
	return c.do(ctx, http.MethodPost, "/v1/admin/workers/"+url.PathEscape(workerID)+"/resume", nil, nil)
}

// ListDeadLetters returns tasks that exhausted their attempts.
func (c *Client) ListDeadLetters(ctx context.Context) (*DeadLetterListResponse, error) {
	var out DeadLetterListResponse
	if err := c.do(ctx, http.MethodGet, "/v1/admin/dead-letters", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RetryDeadLetter resets a dead-lettered task back to pending with a fresh attempt budget.
func (c *Client) RetryDeadLetter(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodPost, "/v1/admin/dead-letters/"+url.PathEscape(taskID)+"/retry", nil, nil)
}

// ConnectWebSocket establishes a connection to the live event feed.
func (c *Client) ConnectWebSocket(ctx context.Context) error {
	if c.ws != nil && c.ws.IsConnected() {
		return nil
	}
	c.ws = newWebSocketClient(c.baseURL, c.opts.apiKey)
	return c.ws.Connect(ctx)
}

// Events returns a channel that receives WebSocket events. Call ConnectWebSocket first.
func (c *Client) Events() <-chan *Event {
	if c.ws == nil {
		ch := make(chan *Event)
		close(ch)
		return ch
	}
	return c.ws.Events()
}

// CloseWebSocket closes the WebSocket connection.
func (c *Client) CloseWebSocket() error {
	if c.ws == nil {
		return nil
	}
	return c.ws.Close()
}

// SubscribeEvents subscribes to specific event types on an open connection.
func (c *Client) SubscribeEvents(eventTypes ...EventType) error {
	if c.ws == nil {
		return fmt.Errorf("client: websocket not connected")
	}
	return c.ws.Subscribe(eventTypes...)
}
