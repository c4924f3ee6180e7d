package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewMonitor(t *testing.T) {
	m := NewMonitor(nil, nil, nil, 15*time.Second, 60)

	assert.NotNil(t, m)
	assert.Equal(t, 15*time.Second, m.interval)
	assert.Equal(t, 60, m.heartbeatExpiry)
	assert.NotNil(t, m.stopCh)
}

func TestMonitorConstants(t *testing.T) {
	assert.Equal(t, "dispatcher:monitor:lock", monitorLockKey)
	assert.Equal(t, 5*time.Second, monitorLockTTL)
}
