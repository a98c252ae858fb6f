// Package plugin defines the capability contract every agent backend
// implements, the wire model shared with sandboxes, and a catalog of
// backends keyed by plugin name.
package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/agentplane/internal/common/logger"
)

// Operation names used in unsupported-operation errors.
const (
	OpSpawn             = "spawn"
	OpPause             = "pause"
	OpResume            = "resume"
	OpKill              = "kill"
	OpResolveDecision   = "resolveDecision"
	OpInjectContext     = "injectContext"
	OpUpdateBrief       = "updateBrief"
	OpRequestCheckpoint = "requestCheckpoint"
)

// Capabilities tells callers which operations a backend supports and how.
// Callers must consult it before invoking an operation; an unsupported
// operation fails with errors.ErrUnsupportedOperation.
type Capabilities struct {
	Spawn             bool `json:"spawn"`
	Pause             bool `json:"pause"`
	Resume            bool `json:"resume"`
	Kill              bool `json:"kill"`
	ResolveDecision   bool `json:"resolveDecision"`
	InjectContext     bool `json:"injectContext"`
	UpdateBrief       bool `json:"updateBrief"`
	RequestCheckpoint bool `json:"requestCheckpoint"`

	// SpawnAdoptsAgent means Spawn only starts tracking an agent that runs
	// elsewhere; it does not start a process.
	SpawnAdoptsAgent bool `json:"spawnAdoptsAgent"`
	// KillIsAdvisory means Kill signals the agent but cannot confirm it stopped.
	KillIsAdvisory bool `json:"killIsAdvisory"`
	// CheckpointIsSynthesized means RequestCheckpoint builds the state
	// locally instead of asking the agent.
	CheckpointIsSynthesized bool `json:"checkpointIsSynthesized"`
}

// Supports reports whether the named operation is available.
func (c Capabilities) Supports(op string) bool {
	switch op {
	case OpSpawn:
		return c.Spawn
	case OpPause:
		return c.Pause
	case OpResume:
		return c.Resume
	case OpKill:
		return c.Kill
	case OpResolveDecision:
		return c.ResolveDecision
	case OpInjectContext:
		return c.InjectContext
	case OpUpdateBrief:
		return c.UpdateBrief
	case OpRequestCheckpoint:
		return c.RequestCheckpoint
	default:
		return false
	}
}

// AgentPlugin is implemented by every backend. Each backend owns its own
// state; implementations share only these signatures.
type AgentPlugin interface {
	Name() string
	Capabilities() Capabilities

	Spawn(ctx context.Context, brief *AgentBrief) (*AgentHandle, error)
	Pause(ctx context.Context, handle *AgentHandle) (*SerializedAgentState, error)
	Resume(ctx context.Context, state *SerializedAgentState) (*AgentHandle, error)
	// Kill tears the agent down. A nil opts means DefaultKillRequest.
	Kill(ctx context.Context, handle *AgentHandle, opts *KillRequest) (*KillResponse, error)
	ResolveDecision(ctx context.Context, handle *AgentHandle, decisionID string, resolution DecisionResolution) error
	InjectContext(ctx context.Context, handle *AgentHandle, injection ContextInjection) error
	UpdateBrief(ctx context.Context, handle *AgentHandle, changes BriefPatch) error
	RequestCheckpoint(ctx context.Context, handle *AgentHandle, decisionID string) (*SerializedAgentState, error)
}

// ErrPluginNotFound is returned when no plugin is registered under a name.
var ErrPluginNotFound = fmt.Errorf("plugin not found")

// Catalog holds the available plugins keyed by name.
type Catalog struct {
	plugins map[string]AgentPlugin
	mu      sync.RWMutex
	logger  *logger.Logger
}

// NewCatalog creates an empty catalog.
func NewCatalog(log *logger.Logger) *Catalog {
	return &Catalog{
		plugins: make(map[string]AgentPlugin),
		logger:  log.WithFields(zap.String("component", "plugin-catalog")),
	}
}

// Register adds p under p.Name(), replacing any plugin with the same name.
func (c *Catalog) Register(p AgentPlugin) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.plugins[p.Name()] = p
	c.logger.Info("registered plugin",
		zap.String("plugin", p.Name()),
		zap.Any("capabilities", p.Capabilities()))
}

// Get returns the plugin registered under name.
func (c *Catalog) Get(name string) (AgentPlugin, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.plugins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	return p, nil
}

// Names returns the registered plugin names in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.plugins))
	for name := range c.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
