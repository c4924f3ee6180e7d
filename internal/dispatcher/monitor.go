package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/logger"
	"github.com/taskmesh/taskmesh/internal/metrics"
	"github.com/taskmesh/taskmesh/internal/store"
)

const (
	monitorLockKey = "dispatcher:monitor:lock"
	monitorLockTTL = 5 * time.Second
)

// Monitor is the liveness and reclamation loop: every tick it marks stale workers dead, reclaims
// their in-flight tasks, then sweeps any task whose lease outright
// expired. Grounded on the teacher's queue.Scheduler (ticker loop plus
// a Redis SetNX lock so only one dispatcher replica runs a tick).
type Monitor struct {
	client          *redis.Client
	store           store.Store
	publisher       events.Publisher
	interval        time.Duration
	heartbeatExpiry int

	lastDeadLetterCount int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewMonitor(client *redis.Client, s store.Store, publisher events.Publisher, interval time.Duration, heartbeatExpirySeconds int) *Monitor {
	return &Monitor{
		client:          client,
		store:           s,
		publisher:       publisher,
		interval:        interval,
		heartbeatExpiry: heartbeatExpirySeconds,
		stopCh:          make(chan struct{}),
	}
}

func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.loop(ctx)
	logger.Info().Dur("interval", m.interval).Msg("liveness monitor started")
}

func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	logger.Info().Msg("liveness monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	locked, err := m.client.SetNX(ctx, monitorLockKey, "1", monitorLockTTL).Result()
	if err != nil || !locked {
		return // another dispatcher replica is running this tick
	}
	defer m.client.Del(ctx, monitorLockKey)

	dead, err := m.store.MarkDead(ctx, m.heartbeatExpiry)
	if err != nil {
		logger.Error().Err(err).Msg("mark-dead pass failed")
	} else if dead > 0 {
		for i := 0; i < dead; i++ {
			metrics.RecordWorkerMarkedDead()
		}
		logger.Info().Int("count", dead).Msg("workers marked dead")
	}

	reclaimedFromDead, err := m.store.ReclaimFromDead(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("reclaim-from-dead pass failed")
	} else if reclaimedFromDead > 0 {
		logger.Info().Int("count", reclaimedFromDead).Msg("tasks reclaimed from dead workers")
		if m.publisher != nil {
			_ = m.publisher.Publish(ctx, events.NewEvent(events.EventTaskReclaimed, map[string]interface{}{"count": reclaimedFromDead, "reason": "worker_dead"}))
		}
	}

	reclaimedExpired, err := m.store.ReclaimExpired(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("reclaim-expired pass failed")
	} else if reclaimedExpired > 0 {
		logger.Info().Int("count", reclaimedExpired).Msg("tasks reclaimed after lease expiry")
		if m.publisher != nil {
			_ = m.publisher.Publish(ctx, events.NewEvent(events.EventTaskReclaimed, map[string]interface{}{"count": reclaimedExpired, "reason": "lease_expired"}))
		}
	}

	if deadLetters, err := m.store.ListDeadLetters(ctx); err == nil {
		count := len(deadLetters)
		metrics.SetDeadLetterDepth(float64(count))
		for i := 0; i < count-m.lastDeadLetterCount; i++ {
			metrics.RecordTaskDeadLettered()
		}
		m.lastDeadLetterCount = count
	}
}
