// Package events publishes lifecycle notifications over Redis Pub/Sub so
// the optional /ws live feed (internal/api/websocket) can fan them out to
// connected dashboard clients without polling the store.
package events

import (
	"context"
	"encoding/json"
	"time"
)

// EventType represents the type of event.
type EventType string

const (
	EventTaskSubmitted    EventType = "task.submitted"
	EventTaskClaimed      EventType = "task.claimed"
	EventTaskCompleted    EventType = "task.completed"
	EventTaskFailed       EventType = "task.failed"
	EventTaskReclaimed    EventType = "task.reclaimed"
	EventTaskDeadLettered EventType = "task.dead_lettered"

	EventWorkerJoined  EventType = "worker.joined"
	EventWorkerDead    EventType = "worker.dead"
	EventWorkerPaused  EventType = "worker.paused"
	EventWorkerResumed EventType = "worker.resumed"

	EventQueueDepth EventType = "queue.depth"
)

// Event represents a system event.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

func NewEvent(eventType EventType, data map[string]interface{}) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

func FromJSON(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// Publisher defines the interface for event publishers.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
	Subscribe(ctx context.Context, eventTypes ...EventType) (<-chan *Event, error)
	Close() error
}

// TaskEventData creates event data for task events.
func TaskEventData(taskID, taskType string, extra map[string]interface{}) map[string]interface{} {
	data := map[string]interface{}{
		"task_id": taskID,
		"type":    taskType,
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}

// WorkerEventData creates event data for worker events.
func WorkerEventData(workerID, state string, extra map[string]interface{}) map[string]interface{} {
	data := map[string]interface{}{
		"worker_id": workerID,
		"state":     state,
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}

// QueueDepthData creates event data for queue depth events.
func QueueDepthData(pending, inflight int64) map[string]interface{} {
	return map[string]interface{}{
		"pending":  pending,
		"inflight": inflight,
	}
}
