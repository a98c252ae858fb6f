// Package events defines the lifecycle events agentplane publishes and
// wires the configured event bus.
package events

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kandev/agentplane/internal/agent/plugin"
	"github.com/kandev/agentplane/internal/agent/recovery"
	"github.com/kandev/agentplane/internal/common/config"
	"github.com/kandev/agentplane/internal/common/logger"
	"github.com/kandev/agentplane/internal/events/bus"
)

// Lifecycle subjects.
const (
	SandboxCreated   = "agent.sandbox.created"
	SandboxExited    = "agent.sandbox.exited"
	SandboxDestroyed = "agent.sandbox.destroyed"
	VolumeRecovered  = "agent.volume.recovered"
)

const source = "agentplane"

// ProvidedBus wraps the active event bus implementation.
type ProvidedBus struct {
	Bus    bus.EventBus
	Memory *bus.MemoryEventBus
	NATS   *bus.NATSEventBus
}

// Provide builds the configured event bus: NATS when a URL is set, in
// memory otherwise.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return &ProvidedBus{Bus: natsBus, NATS: natsBus}, cleanup, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	cleanup := func() error {
		memBus.Close()
		return nil
	}
	return &ProvidedBus{Bus: memBus, Memory: memBus}, cleanup, nil
}

// Publisher emits lifecycle events. Publish failures are logged and
// otherwise ignored.
type Publisher struct {
	bus    bus.EventBus
	logger *logger.Logger
}

// NewPublisher creates a publisher on b.
func NewPublisher(b bus.EventBus, log *logger.Logger) *Publisher {
	return &Publisher{bus: b, logger: log.WithFields(zap.String("component", "event-publisher"))}
}

// SandboxCreated announces a newly spawned agent.
func (p *Publisher) SandboxCreated(ctx context.Context, handle plugin.AgentHandle, sandbox plugin.SandboxInfo) {
	p.publish(ctx, SandboxCreated, handle.ID, map[string]interface{}{
		"plugin":        handle.PluginName,
		"session_id":    handle.SessionID,
		"provider_type": sandbox.ProviderType,
		"sandbox_id":    sandbox.Transport.SandboxID,
		"rpc_endpoint":  sandbox.Transport.RPCEndpoint,
	})
}

// SandboxExited announces a sandbox that stopped without being killed.
func (p *Publisher) SandboxExited(ctx context.Context, agentID string, exitCode int64) {
	p.publish(ctx, SandboxExited, agentID, map[string]interface{}{
		"exit_code": exitCode,
	})
}

// SandboxDestroyed announces a completed kill.
func (p *Publisher) SandboxDestroyed(ctx context.Context, agentID string, resp *plugin.KillResponse) {
	data := map[string]interface{}{}
	if resp != nil {
		data["clean_shutdown"] = resp.CleanShutdown
		data["artifacts_extracted"] = resp.ArtifactsExtracted
		data["source"] = string(resp.Source)
	}
	p.publish(ctx, SandboxDestroyed, agentID, data)
}

// VolumeRecovered announces the outcome of one volume recovery.
func (p *Publisher) VolumeRecovered(ctx context.Context, r recovery.Result) {
	p.publish(ctx, VolumeRecovered, r.AgentID, map[string]interface{}{
		"volume":         r.VolumeName,
		"recovered":      r.Recovered,
		"skipped":        r.Skipped,
		"orphaned":       r.Orphaned,
		"volume_deleted": r.VolumeDeleted,
	})
}

func (p *Publisher) publish(ctx context.Context, subject, agentID string, data map[string]interface{}) {
	if p == nil || p.bus == nil {
		return
	}
	if err := p.bus.Publish(ctx, subject, bus.NewAgentEvent(subject, source, agentID, data)); err != nil {
		p.logger.Warn("failed to publish event",
			zap.String("subject", subject),
			zap.String("agent_id", agentID),
			zap.Error(err))
	}
}
