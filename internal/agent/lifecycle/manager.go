// Package lifecycle ties plugins to the registry: it spawns and kills
// agents through their plugin, keeps the registry in step and publishes
// lifecycle events.
package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/agentplane/internal/agent/plugin"
	"github.com/kandev/agentplane/internal/agent/registry"
	apperrors "github.com/kandev/agentplane/internal/common/errors"
	"github.com/kandev/agentplane/internal/common/logger"
)

// SandboxDescriber is implemented by plugins that can describe the sandbox
// behind an agent they track.
type SandboxDescriber interface {
	Sandbox(agentID string) (plugin.SandboxInfo, bool)
}

// Adopter is implemented by plugins that can track an agent started
// elsewhere from a handle the agent supplied.
type Adopter interface {
	Adopt(handle plugin.AgentHandle, brief *plugin.AgentBrief) error
}

// EventPublisher receives lifecycle notifications. *events.Publisher
// implements it.
type EventPublisher interface {
	SandboxCreated(ctx context.Context, handle plugin.AgentHandle, sandbox plugin.SandboxInfo)
	SandboxExited(ctx context.Context, agentID string, exitCode int64)
	SandboxDestroyed(ctx context.Context, agentID string, resp *plugin.KillResponse)
}

// Manager spawns and kills agents.
type Manager struct {
	catalog  *plugin.Catalog
	registry *registry.Registry
	events   EventPublisher
	logger   *logger.Logger

	mu     sync.Mutex
	owners map[string]string // agent ID -> plugin name
}

// NewManager creates a lifecycle manager. events may be nil.
func NewManager(catalog *plugin.Catalog, reg *registry.Registry, events EventPublisher, log *logger.Logger) *Manager {
	return &Manager{
		catalog:  catalog,
		registry: reg,
		events:   events,
		logger:   log.WithFields(zap.String("component", "lifecycle")),
		owners:   make(map[string]string),
	}
}

// Spawn starts an agent through the named plugin and registers it.
func (m *Manager) Spawn(ctx context.Context, pluginName string, brief *plugin.AgentBrief) (*plugin.AgentHandle, error) {
	p, err := m.catalog.Get(pluginName)
	if err != nil {
		return nil, apperrors.BadRequest(err.Error())
	}
	if !p.Capabilities().Supports(plugin.OpSpawn) {
		return nil, apperrors.Unsupported(pluginName, plugin.OpSpawn)
	}

	handle, err := p.Spawn(ctx, brief)
	if err != nil {
		return nil, err
	}

	if err := m.register(ctx, p, *handle); err != nil {
		return nil, err
	}
	return handle, nil
}

// Adopt registers an agent that is already running, through a plugin that
// supports adoption.
func (m *Manager) Adopt(ctx context.Context, pluginName string, handle plugin.AgentHandle, brief *plugin.AgentBrief) (*plugin.AgentHandle, error) {
	p, err := m.catalog.Get(pluginName)
	if err != nil {
		return nil, apperrors.BadRequest(err.Error())
	}
	a, ok := p.(Adopter)
	if !ok || !p.Capabilities().SpawnAdoptsAgent {
		return nil, apperrors.Unsupported(pluginName, "adopt")
	}
	if _, exists := m.registry.GetByID(handle.ID); exists {
		return nil, apperrors.DuplicateAgent(handle.ID)
	}
	if err := a.Adopt(handle, brief); err != nil {
		return nil, err
	}
	handle.PluginName = pluginName
	if handle.Status == "" {
		handle.Status = plugin.StatusRunning
	}
	if err := m.register(ctx, p, handle); err != nil {
		return nil, err
	}
	return &handle, nil
}

func (m *Manager) register(ctx context.Context, p plugin.AgentPlugin, handle plugin.AgentHandle) error {
	pluginName := p.Name()
	info := plugin.SandboxInfo{AgentID: handle.ID, ProviderType: pluginName}
	if d, ok := p.(SandboxDescriber); ok {
		if described, found := d.Sandbox(handle.ID); found {
			info = described
		}
	}

	if err := m.registry.Register(handle, info); err != nil {
		// Lost a race with another spawn for the same ID; undo ours.
		if _, killErr := p.Kill(context.WithoutCancel(ctx), &handle, nil); killErr != nil {
			m.logger.Warn("failed to kill duplicate agent",
				zap.String("agent_id", handle.ID),
				zap.Error(killErr))
		}
		return err
	}

	m.mu.Lock()
	m.owners[handle.ID] = pluginName
	m.mu.Unlock()

	if m.events != nil {
		m.events.SandboxCreated(ctx, handle, info)
	}
	m.logger.Info("agent registered",
		zap.String("agent_id", handle.ID),
		zap.String("plugin", pluginName))
	return nil
}

// Kill tears an agent down through its plugin and unregisters it.
func (m *Manager) Kill(ctx context.Context, agentID string, opts *plugin.KillRequest) (*plugin.KillResponse, error) {
	entry, ok := m.registry.GetByID(agentID)
	if !ok {
		return nil, apperrors.UnknownAgent(fmt.Sprintf("agent %s is not registered", agentID))
	}
	resp, err := m.kill(ctx, entry.Handle, opts)
	if err != nil {
		return nil, err
	}
	m.registry.Unregister(agentID)
	return resp, nil
}

func (m *Manager) kill(ctx context.Context, handle plugin.AgentHandle, opts *plugin.KillRequest) (*plugin.KillResponse, error) {
	m.mu.Lock()
	pluginName, ok := m.owners[handle.ID]
	m.mu.Unlock()
	if !ok {
		pluginName = handle.PluginName
	}

	p, err := m.catalog.Get(pluginName)
	if err != nil {
		return nil, err
	}
	resp, err := p.Kill(ctx, &handle, opts)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	delete(m.owners, handle.ID)
	m.mu.Unlock()

	if m.events != nil {
		m.events.SandboxDestroyed(ctx, handle.ID, resp)
	}
	return resp, nil
}

// HandleExit records that an agent's sandbox died on its own. The agent
// stays registered with status error until someone kills it.
func (m *Manager) HandleExit(agentID string, exitCode int64) {
	status := plugin.StatusError
	if _, err := m.registry.UpdateHandle(agentID, plugin.HandlePatch{Status: &status}); err != nil {
		m.logger.Debug("exit for unregistered agent",
			zap.String("agent_id", agentID),
			zap.Error(err))
	}
	if m.events != nil {
		m.events.SandboxExited(context.Background(), agentID, exitCode)
	}
}

// Shutdown clears the registry and kills every agent that was in it,
// concurrently.
func (m *Manager) Shutdown(ctx context.Context) error {
	snapshot := m.registry.GetAll()
	ids := m.registry.KillAll()

	// A plain group: one failed kill must not cancel the others.
	var g errgroup.Group
	for _, id := range ids {
		entry, ok := snapshot[id]
		if !ok {
			continue
		}
		handle := entry.Handle
		g.Go(func() error {
			if _, err := m.kill(ctx, handle, nil); err != nil {
				m.logger.Error("failed to kill agent during shutdown",
					zap.String("agent_id", handle.ID),
					zap.Error(err))
				return fmt.Errorf("kill %s: %w", handle.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}
