package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransitionTo(t *testing.T) {
	assert.True(t, StatusPending.CanTransitionTo(StatusInProgress))
	assert.False(t, StatusPending.CanTransitionTo(StatusCompleted))
	assert.True(t, StatusInProgress.CanTransitionTo(StatusCompleted))
	assert.True(t, StatusInProgress.CanTransitionTo(StatusFailed))
	assert.True(t, StatusInProgress.CanTransitionTo(StatusPending))
	assert.False(t, StatusCompleted.CanTransitionTo(StatusPending))
	assert.False(t, StatusFailed.CanTransitionTo(StatusInProgress))
}
