package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentplane/internal/agent/plugin"
	"github.com/kandev/agentplane/internal/agent/recovery"
	"github.com/kandev/agentplane/internal/common/config"
	"github.com/kandev/agentplane/internal/common/logger"
	"github.com/kandev/agentplane/internal/events/bus"
)

func TestProvide_DefaultsToMemory(t *testing.T) {
	provided, cleanup, err := Provide(&config.Config{}, logger.NewNop())
	require.NoError(t, err)
	defer func() { _ = cleanup() }()

	assert.NotNil(t, provided.Memory)
	assert.Nil(t, provided.NATS)
	assert.True(t, provided.Bus.IsConnected())
}

func TestPublisher_EmitsLifecycleEvents(t *testing.T) {
	memBus := bus.NewMemoryEventBus(logger.NewNop())
	defer memBus.Close()

	received := make(chan *bus.Event, 4)
	_, err := memBus.Subscribe("agent.>", func(_ context.Context, e *bus.Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	pub := NewPublisher(memBus, logger.NewNop())
	ctx := context.Background()
	pub.SandboxExited(ctx, "a1", 137)
	pub.SandboxDestroyed(ctx, "a1", plugin.SynthesizedKillResponse())
	pub.VolumeRecovered(ctx, recovery.Result{AgentID: "a2", Recovered: 2, VolumeDeleted: true})

	got := map[string]*bus.Event{}
	for i := 0; i < 3; i++ {
		select {
		case e := <-received:
			got[e.Type] = e
		case <-time.After(time.Second):
			t.Fatalf("timeout, got %d events", len(got))
		}
	}

	require.Contains(t, got, SandboxExited)
	assert.Equal(t, int64(137), got[SandboxExited].Data["exit_code"])
	assert.Equal(t, "a1", got[SandboxExited].AgentID)
	assert.Equal(t, "a1", got[SandboxExited].Data["agent_id"])
	assert.Equal(t, "a2", got[VolumeRecovered].AgentID)
	require.Contains(t, got, SandboxDestroyed)
	assert.Equal(t, "synthesized", got[SandboxDestroyed].Data["source"])
	require.Contains(t, got, VolumeRecovered)
	assert.Equal(t, 2, got[VolumeRecovered].Data["recovered"])
}

func TestPublisher_ClosedBusIsNotFatal(t *testing.T) {
	memBus := bus.NewMemoryEventBus(logger.NewNop())
	memBus.Close()

	pub := NewPublisher(memBus, logger.NewNop())
	pub.SandboxExited(context.Background(), "a1", 1)
}
