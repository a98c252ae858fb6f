package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/kandev/agentplane/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	received := make(chan *Event, 1)
	sub, err := bus.Subscribe("agent.sandbox.created", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	event := NewEvent("agent.sandbox.created", "test", map[string]interface{}{"agent_id": "a1"})
	if err := bus.Publish(context.Background(), "agent.sandbox.created", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case e := <-received:
		if e.ID != event.ID {
			t.Errorf("Expected event ID %s, got %s", event.ID, e.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event")
	}
}

func TestMemoryEventBus_Wildcards(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	single := make(chan string, 4)
	multi := make(chan string, 4)
	if _, err := bus.Subscribe("agent.sandbox.*", func(_ context.Context, e *Event) error {
		single <- e.Type
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := bus.Subscribe("agent.>", func(_ context.Context, e *Event) error {
		multi <- e.Type
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ctx := context.Background()
	_ = bus.Publish(ctx, "agent.sandbox.exited", NewEvent("exited", "test", nil))
	_ = bus.Publish(ctx, "agent.volume.recovered", NewEvent("recovered", "test", nil))

	got := map[string]int{}
	timeout := time.After(time.Second)
	for i := 0; i < 3; i++ {
		select {
		case typ := <-single:
			got["single:"+typ]++
		case typ := <-multi:
			got["multi:"+typ]++
		case <-timeout:
			t.Fatalf("Timeout, got %v", got)
		}
	}
	if got["single:exited"] != 1 || got["multi:exited"] != 1 || got["multi:recovered"] != 1 {
		t.Errorf("Unexpected deliveries: %v", got)
	}

	select {
	case typ := <-single:
		t.Errorf("Single-token wildcard matched %s", typ)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	received := make(chan struct{}, 1)
	sub, err := bus.Subscribe("s", func(context.Context, *Event) error {
		received <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalid")
	}

	_ = bus.Publish(context.Background(), "s", NewEvent("t", "test", nil))
	select {
	case <-received:
		t.Error("Received event after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryEventBus_Closed(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	bus.Close()

	if bus.IsConnected() {
		t.Error("Expected bus to be disconnected")
	}
	if err := bus.Publish(context.Background(), "s", NewEvent("t", "test", nil)); err == nil {
		t.Error("Expected publish on closed bus to fail")
	}
	if _, err := bus.Subscribe("s", func(context.Context, *Event) error { return nil }); err == nil {
		t.Error("Expected subscribe on closed bus to fail")
	}
}

func TestNewAgentEvent(t *testing.T) {
	e := NewAgentEvent("agent.sandbox.exited", "agentplane", "a1", map[string]interface{}{"exit_code": 137})
	if e.AgentID != "a1" {
		t.Errorf("AgentID = %q, want a1", e.AgentID)
	}
	if e.Data["agent_id"] != "a1" {
		t.Errorf("Data[agent_id] = %v, want a1", e.Data["agent_id"])
	}
	if e.ID == "" || e.Timestamp.Location() != time.UTC {
		t.Errorf("expected an ID and a UTC timestamp, got %q %v", e.ID, e.Timestamp)
	}

	raw, err := json.Marshal(NewAgentEvent("agent.volume.recovered", "agentplane", "a2", nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["agentId"] != "a2" {
		t.Errorf("agentId on the wire = %v, want a2", decoded["agentId"])
	}
}
