// Package events is an in-memory pub/sub bus for project lifecycle
// events, fed to the control-plane SSE stream (C11, spec §4.11 serving
// surface) and to the Temporal workflow activities.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	EventProjectCreated    EventType = "project_created"
	EventProjectDeleted    EventType = "project_deleted"
	EventUploadCompleted   EventType = "upload_completed"
	EventDeployStarted     EventType = "deploy_started"
	EventDeploySucceeded   EventType = "deploy_succeeded"
	EventDeployFailed      EventType = "deploy_failed"
	EventWatchdogSwept     EventType = "watchdog_swept"
	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventComponentHealth   EventType = "component_health_change"
	EventHeartbeat         EventType = "heartbeat"
)

// Event is a single lifecycle event published on the bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	ProjectID   string `json:"projectId,omitempty"`
	ProjectName string `json:"projectName,omitempty"`
	Status      string `json:"status,omitempty"`
	ErrorMsg    string `json:"errorMsg,omitempty"`
	Reason      string `json:"reason,omitempty"`

	NewAssets     int `json:"newAssets,omitempty"`
	SkippedAssets int `json:"skippedAssets,omitempty"`
	DeletedCount  int `json:"deletedCount,omitempty"`

	// Workflow fields (populated for workflow events).
	WorkflowID   string `json:"workflowId,omitempty"`
	WorkflowType string `json:"workflowType,omitempty"`
	Activity     string `json:"activity,omitempty"`

	// Component-health fields (populated for EventComponentHealth).
	ComponentID string `json:"componentId,omitempty"`
	OldState    string `json:"oldState,omitempty"`
	NewState    string `json:"newState,omitempty"`
}

// JSON returns the event as a JSON byte slice.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Subscriber receives events on a channel.
type Subscriber struct {
	C    chan Event
	done chan struct{}
}

// Bus is an in-memory pub/sub event bus for lifecycle events.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Subscribe creates a new subscriber with a buffered channel.
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{
		C:    make(chan Event, bufSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its done channel; C is left
// open and receives no further events.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
	close(s.done)
}

// Publish sends an event to all subscribers (non-blocking).
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		select {
		case s.C <- e:
		default:
			// Drop event if subscriber is slow (back-pressure).
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
