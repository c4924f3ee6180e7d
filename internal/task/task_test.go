package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsMaxAttempts(t *testing.T) {
	tk := New("1", "compute", []byte(`{"limit":100}`), 0)
	require.NotEmpty(t, tk.ID)
	assert.Equal(t, StatusPending, tk.Status)
	assert.Equal(t, DefaultMaxAttempts, tk.MaxAttempts)
	assert.Equal(t, 0, tk.Attempts)
}

func TestCanClaimPending(t *testing.T) {
	tk := New("1", "compute", nil, 5)
	assert.True(t, tk.CanClaim(time.Now()))
}

func TestCanClaimExpiredLease(t *testing.T) {
	tk := New("1", "compute", nil, 5)
	tk.Status = StatusInProgress
	tk.Attempts = 1
	past := time.Now().Add(-time.Second)
	tk.LeaseExpires = &past
	assert.True(t, tk.CanClaim(time.Now()))
}

func TestCanClaimLiveLeaseNotClaimable(t *testing.T) {
	tk := New("1", "compute", nil, 5)
	tk.Status = StatusInProgress
	tk.Attempts = 1
	future := time.Now().Add(time.Minute)
	tk.LeaseExpires = &future
	assert.False(t, tk.CanClaim(time.Now()))
}

func TestCanClaimAttemptCapReached(t *testing.T) {
	tk := New("1", "compute", nil, 1)
	tk.Attempts = 1
	assert.False(t, tk.CanClaim(time.Now()))
}

func TestAttemptCapReached(t *testing.T) {
	tk := New("1", "compute", nil, 2)
	tk.Status = StatusInProgress
	tk.Attempts = 2
	assert.True(t, tk.AttemptCapReached())

	tk.Status = StatusCompleted
	assert.False(t, tk.AttemptCapReached(), "terminal tasks are never considered dead-lettered")
}

func TestEnvelope(t *testing.T) {
	tk := New("1", "compute", []byte(`{"limit":1000}`), 5)
	env := tk.Envelope()
	assert.Equal(t, tk.ID, env.TaskID)
	assert.Equal(t, "compute", env.Type)
	assert.JSONEq(t, `{"limit":1000}`, string(env.Payload))
}
