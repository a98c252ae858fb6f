// Package bus carries agent lifecycle events between the control plane and
// whoever watches it. Subjects are dot-separated (agent.sandbox.exited);
// subscribers may use NATS wildcards: * for one token, > for the rest.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one lifecycle notification. AgentID is promoted out of Data so
// consumers can route on it without decoding the payload.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	AgentID   string                 `json:"agentId,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates an event with a fresh ID stamped now in UTC.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// NewAgentEvent creates an event about one agent. The ID is also written to
// Data["agent_id"] for consumers that only read the payload.
func NewAgentEvent(eventType, source, agentID string, data map[string]interface{}) *Event {
	if data == nil {
		data = make(map[string]interface{})
	}
	data["agent_id"] = agentID
	e := NewEvent(eventType, source, data)
	e.AgentID = agentID
	return e
}

// EventHandler handles one delivered event. A returned error is logged by
// the bus and does not stop delivery to other subscribers.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is implemented by the in-process bus and the NATS bus.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe registers handler for every subject matching pattern.
	Subscribe(pattern string, handler EventHandler) (Subscription, error)

	Close()

	IsConnected() bool
}
