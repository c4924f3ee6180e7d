package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkerPoolPauseResume(t *testing.T) {
	wp := NewWorkerPool()
	assert.False(t, wp.IsPaused("w1"))

	wp.Pause("w1")
	assert.True(t, wp.IsPaused("w1"))

	wp.Resume("w1")
	assert.False(t, wp.IsPaused("w1"))
}

func TestWorkerPoolInFlightEstimateExcludesPaused(t *testing.T) {
	wp := NewWorkerPool()
	wp.Touch("w1")
	wp.Touch("w2")
	wp.Pause("w2")

	assert.Equal(t, 1, wp.InFlightEstimate())
}

func TestWorkerPoolStatsReportsPausedAndActive(t *testing.T) {
	wp := NewWorkerPool()
	wp.Touch("w1")
	wp.Touch("w2")
	wp.Pause("w2")

	stats := wp.PoolStats()
	assert.Equal(t, 2, stats["total_workers_seen"])
	assert.Equal(t, []string{"w2"}, stats["paused_workers"])
	assert.Equal(t, 1, stats["paused_count"])
	assert.Equal(t, 1, stats["active_estimate"])
}
