package executor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/task"
)

type memCheckpointer struct {
	cps map[string]*task.Checkpoint
}

func newMemCheckpointer() *memCheckpointer {
	return &memCheckpointer{cps: make(map[string]*task.Checkpoint)}
}

func (m *memCheckpointer) LoadCheckpoint(ctx context.Context, taskID string) (*task.Checkpoint, error) {
	return m.cps[taskID], nil
}

func (m *memCheckpointer) SaveCheckpoint(ctx context.Context, cp *task.Checkpoint) error {
	m.cps[cp.TaskID] = cp
	return nil
}

func (m *memCheckpointer) DeleteCheckpoint(ctx context.Context, taskID string) error {
	delete(m.cps, taskID)
	return nil
}

func TestComputeHandlerSieveCountsPrimesUnder1000(t *testing.T) {
	h := NewComputeHandler(100000, 1000000)
	cp := newMemCheckpointer()
	body, err := h(context.Background(), "t1", json.RawMessage(`{"limit":1000,"method":"sieve"}`), cp)
	require.NoError(t, err)
	primes := body["primes"].([]int)
	assert.Len(t, primes, 168)
}

func TestComputeHandlerTrialDivisionMatchesSieve(t *testing.T) {
	h := NewComputeHandler(50, 1000000)
	cp := newMemCheckpointer()
	body, err := h(context.Background(), "t2", json.RawMessage(`{"limit":500,"method":"trial_division"}`), cp)
	require.NoError(t, err)
	assert.Len(t, body["primes"].([]int), 95)
	assert.False(t, body["was_resumed"].(bool))
}

func TestComputeHandlerResumesFromCheckpoint(t *testing.T) {
	cp := newMemCheckpointer()
	partial, _ := json.Marshal([]int{2, 3, 5, 7})
	cp.cps["t3"] = &task.Checkpoint{TaskID: "t3", LastChecked: 10, Partial: partial, ElapsedTime: 1.5, Method: "trial_division"}

	h := NewComputeHandler(1000, 1000000)
	body, err := h(context.Background(), "t3", json.RawMessage(`{"limit":100,"method":"trial_division"}`), cp)
	require.NoError(t, err)
	assert.True(t, body["was_resumed"].(bool))
	assert.GreaterOrEqual(t, body["computation_time"].(float64), 1.5)
	_, stillThere := cp.cps["t3"]
	assert.False(t, stillThere, "checkpoint must be deleted on success")
}

func TestComputeHandlerCapsRequestedLimit(t *testing.T) {
	h := NewComputeHandler(100000, 100)
	cp := newMemCheckpointer()
	body, err := h(context.Background(), "t4", json.RawMessage(`{"limit":10000,"method":"sieve"}`), cp)
	require.NoError(t, err)
	assert.Equal(t, 10000, body["requested_limit"])
	assert.Contains(t, body["warning"].(string), "capped")
}

func TestRegistryUnknownTypeFails(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), "t5", "unknown", nil, newMemCheckpointer())
	require.ErrorIs(t, err, ErrHandlerNotFound)
}

func TestRegistryDispatchesRegisteredHandler(t *testing.T) {
	r := NewRegistry()
	r.Register("compute", NewComputeHandler(1000, 1000000))
	assert.True(t, r.HasHandler("compute"))

	body, err := r.Execute(context.Background(), "t6", "compute", json.RawMessage(`{"limit":50,"method":"sieve"}`), newMemCheckpointer())
	require.NoError(t, err)
	assert.Len(t, body["primes"].([]int), 15)
}
