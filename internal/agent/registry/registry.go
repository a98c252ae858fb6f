// Package registry is the in-memory directory of live agents: agent ID to
// handle and sandbox info. It only keeps books; killing agents, releasing
// containers and the like are left to the caller.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/agentplane/internal/agent/plugin"
	apperrors "github.com/kandev/agentplane/internal/common/errors"
	"github.com/kandev/agentplane/internal/common/logger"
)

// Entry is one registered agent.
type Entry struct {
	Handle  plugin.AgentHandle `json:"handle"`
	Sandbox plugin.SandboxInfo `json:"sandbox"`
}

func (e Entry) clone() Entry {
	return Entry{Handle: e.Handle.Clone(), Sandbox: e.Sandbox}
}

// Registry maps agent IDs to their entries. All methods are safe for
// concurrent use and never block on I/O.
type Registry struct {
	entries map[string]Entry
	mu      sync.RWMutex
	logger  *logger.Logger
}

// New creates an empty registry.
func New(log *logger.Logger) *Registry {
	return &Registry{
		entries: make(map[string]Entry),
		logger:  log.WithFields(zap.String("component", "agent-registry")),
	}
}

// Register adds an agent. It fails with a duplicate-agent error if the ID is
// already present, leaving the existing entry untouched.
func (r *Registry) Register(handle plugin.AgentHandle, sandbox plugin.SandboxInfo) error {
	if handle.ID == "" {
		return apperrors.BadRequest("agent handle has no id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[handle.ID]; exists {
		return apperrors.DuplicateAgent(handle.ID)
	}
	if sandbox.AgentID == "" {
		sandbox.AgentID = handle.ID
	}
	r.entries[handle.ID] = Entry{Handle: handle.Clone(), Sandbox: sandbox}

	r.logger.Debug("agent registered",
		zap.String("agent_id", handle.ID),
		zap.String("plugin", handle.PluginName))
	return nil
}

// Unregister removes an agent and reports whether it was present.
func (r *Registry) Unregister(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[agentID]; !exists {
		return false
	}
	delete(r.entries, agentID)
	r.logger.Debug("agent unregistered", zap.String("agent_id", agentID))
	return true
}

// GetByID returns a copy of the agent's entry.
func (r *Registry) GetByID(agentID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[agentID]
	if !ok {
		return Entry{}, false
	}
	return entry.clone(), true
}

// GetAll returns a snapshot of every entry. Each call builds a new map;
// changing it does not affect the registry.
func (r *Registry) GetAll() map[string]Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Entry, len(r.entries))
	for id, entry := range r.entries {
		out[id] = entry.clone()
	}
	return out
}

// List returns a snapshot of every entry ordered by agent ID.
func (r *Registry) List() []Entry {
	all := r.GetAll()
	out := make([]Entry, 0, len(all))
	for _, entry := range all {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle.ID < out[j].Handle.ID })
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// UpdateHandle merges patch into the agent's handle and returns the result.
func (r *Registry) UpdateHandle(agentID string, patch plugin.HandlePatch) (plugin.AgentHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[agentID]
	if !ok {
		return plugin.AgentHandle{}, unknownAgent(agentID)
	}
	entry.Handle = entry.Handle.Apply(patch)
	r.entries[agentID] = entry
	return entry.Handle.Clone(), nil
}

// UpdateSandbox merges patch into the agent's sandbox info and returns the result.
func (r *Registry) UpdateSandbox(agentID string, patch plugin.SandboxPatch) (plugin.SandboxInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[agentID]
	if !ok {
		return plugin.SandboxInfo{}, unknownAgent(agentID)
	}
	entry.Sandbox = entry.Sandbox.Apply(patch)
	r.entries[agentID] = entry
	return entry.Sandbox, nil
}

// KillAll clears the registry and returns the removed agent IDs in sorted
// order. It does not contact any agent.
func (r *Registry) KillAll() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	r.entries = make(map[string]Entry)

	if len(ids) > 0 {
		r.logger.Info("registry cleared", zap.Int("count", len(ids)))
	}
	return ids
}

func unknownAgent(agentID string) error {
	return apperrors.UnknownAgent(fmt.Sprintf("agent %s is not registered", agentID))
}
