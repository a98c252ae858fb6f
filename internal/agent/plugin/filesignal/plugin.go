// Package filesignal implements the agent plugin contract for agents that
// run outside this process and register themselves. Control happens
// through files dropped into a per-agent signal directory that the agent
// polls.
package filesignal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	"go.uber.org/zap"

	"github.com/kandev/agentplane/internal/agent/plugin"
	apperrors "github.com/kandev/agentplane/internal/common/errors"
	"github.com/kandev/agentplane/internal/common/logger"
)

// Name is the plugin name used in handles and the catalog.
const Name = "file_signal"

// Signal file names inside an agent's signal directory.
const (
	BrakeFile   = "BRAKE"
	ContextFile = "context.md"
)

// Brake is the content of the brake file.
type Brake struct {
	AgentID        string    `json:"agentId"`
	Grace          bool      `json:"grace"`
	GraceTimeoutMs *int64    `json:"graceTimeoutMs,omitempty"`
	IssuedAt       time.Time `json:"issuedAt"`
}

type tracked struct {
	handle       plugin.AgentHandle
	brief        *plugin.AgentBrief
	signalDir    string
	lastSequence int64
	trackedAt    time.Time
}

// Plugin is the file-signal AgentPlugin.
type Plugin struct {
	baseDir string
	logger  *logger.Logger
	now     func() time.Time

	mu     sync.Mutex
	agents map[string]*tracked
}

var _ plugin.AgentPlugin = (*Plugin)(nil)

// New creates a plugin rooted at baseDir. Each agent gets baseDir/<agentID>.
func New(baseDir string, log *logger.Logger) *Plugin {
	return &Plugin{
		baseDir: baseDir,
		logger:  log.WithFields(zap.String("component", "filesignal-plugin")),
		now:     time.Now,
		agents:  make(map[string]*tracked),
	}
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) Capabilities() plugin.Capabilities {
	return plugin.Capabilities{
		Spawn:                   true,
		Kill:                    true,
		InjectContext:           true,
		RequestCheckpoint:       true,
		SpawnAdoptsAgent:        true,
		KillIsAdvisory:          true,
		CheckpointIsSynthesized: true,
	}
}

// SignalDir returns the signal directory for agentID, confined to the base
// directory.
func (p *Plugin) SignalDir(agentID string) (string, error) {
	if agentID == "" {
		return "", apperrors.BadRequest("agent id is required")
	}
	dir, err := securejoin.SecureJoin(p.baseDir, agentID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve signal dir for %s: %w", agentID, err)
	}
	if filepath.Dir(dir) != filepath.Clean(p.baseDir) || filepath.Base(dir) != agentID {
		return "", apperrors.BadRequest(fmt.Sprintf("invalid agent id %q", agentID))
	}
	return dir, nil
}

// Spawn starts tracking the brief's agent. The agent process itself is
// started by someone else.
func (p *Plugin) Spawn(_ context.Context, brief *plugin.AgentBrief) (*plugin.AgentHandle, error) {
	if brief == nil || brief.AgentID == "" {
		return nil, apperrors.BadRequest("brief must carry an agentId")
	}
	handle := plugin.AgentHandle{
		ID:         brief.AgentID,
		PluginName: Name,
		Status:     plugin.StatusRunning,
		SessionID:  uuid.New().String(),
	}
	briefCopy := *brief
	if err := p.track(handle, &briefCopy); err != nil {
		return nil, err
	}
	return &handle, nil
}

// Adopt starts tracking an agent that registered itself with a pre-built
// handle. brief may be nil.
func (p *Plugin) Adopt(handle plugin.AgentHandle, brief *plugin.AgentBrief) error {
	if handle.ID == "" {
		return apperrors.BadRequest("handle must carry an id")
	}
	handle.PluginName = Name
	if handle.Status == "" {
		handle.Status = plugin.StatusRunning
	}
	return p.track(handle, brief)
}

func (p *Plugin) track(handle plugin.AgentHandle, brief *plugin.AgentBrief) error {
	dir, err := p.SignalDir(handle.ID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.agents[handle.ID]; exists {
		return apperrors.DuplicateAgent(handle.ID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create signal dir: %w", err)
	}
	// A brake left over from an earlier run would stop the agent at once.
	if err := os.Remove(filepath.Join(dir, BrakeFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to clear stale brake: %w", err)
	}

	p.agents[handle.ID] = &tracked{handle: handle.Clone(), brief: brief, signalDir: dir, trackedAt: p.now()}
	p.logger.Info("tracking agent",
		zap.String("agent_id", handle.ID),
		zap.String("signal_dir", dir))
	return nil
}

// Transport returns the sandbox transport for a tracked agent.
func (p *Plugin) Transport(agentID string) (plugin.SandboxTransport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.agents[agentID]
	if !ok {
		return plugin.SandboxTransport{}, false
	}
	return plugin.SandboxTransport{Type: plugin.TransportFileSignal, SignalDir: t.signalDir}, true
}

// Sandbox describes the signal directory of a tracked agent.
func (p *Plugin) Sandbox(agentID string) (plugin.SandboxInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.agents[agentID]
	if !ok {
		return plugin.SandboxInfo{}, false
	}
	return plugin.SandboxInfo{
		AgentID:      agentID,
		Transport:    plugin.SandboxTransport{Type: plugin.TransportFileSignal, SignalDir: t.signalDir},
		ProviderType: Name,
		CreatedAt:    t.trackedAt,
	}, true
}

// RecordSequence advances the last seen event sequence for an agent. Older
// sequence numbers are ignored.
func (p *Plugin) RecordSequence(agentID string, seq int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.agents[agentID]
	if !ok {
		return unknownAgent(agentID)
	}
	if seq > t.lastSequence {
		t.lastSequence = seq
	}
	return nil
}

func (p *Plugin) Pause(context.Context, *plugin.AgentHandle) (*plugin.SerializedAgentState, error) {
	return nil, apperrors.Unsupported(Name, plugin.OpPause)
}

func (p *Plugin) Resume(context.Context, *plugin.SerializedAgentState) (*plugin.AgentHandle, error) {
	return nil, apperrors.Unsupported(Name, plugin.OpResume)
}

func (p *Plugin) ResolveDecision(context.Context, *plugin.AgentHandle, string, plugin.DecisionResolution) error {
	return apperrors.Unsupported(Name, plugin.OpResolveDecision)
}

func (p *Plugin) UpdateBrief(context.Context, *plugin.AgentHandle, plugin.BriefPatch) error {
	return apperrors.Unsupported(Name, plugin.OpUpdateBrief)
}

// Kill drops the brake file and stops tracking the agent. Whether the
// agent actually stops is up to the agent.
func (p *Plugin) Kill(_ context.Context, handle *plugin.AgentHandle, opts *plugin.KillRequest) (*plugin.KillResponse, error) {
	p.mu.Lock()
	t, ok := p.agents[handle.ID]
	p.mu.Unlock()
	if !ok {
		return nil, unknownAgent(handle.ID)
	}

	req := plugin.DefaultKillRequest()
	if opts != nil {
		req = *opts
	}
	brake, err := json.Marshal(Brake{
		AgentID:        handle.ID,
		Grace:          req.Grace,
		GraceTimeoutMs: req.GraceTimeoutMs,
		IssuedAt:       p.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	if err := atomic.WriteFile(filepath.Join(t.signalDir, BrakeFile), bytes.NewReader(brake)); err != nil {
		return nil, fmt.Errorf("failed to write brake for %s: %w", handle.ID, err)
	}

	p.mu.Lock()
	if p.agents[handle.ID] == t {
		delete(p.agents, handle.ID)
	}
	p.mu.Unlock()

	p.logger.Info("brake engaged", zap.String("agent_id", handle.ID))
	return plugin.SynthesizedKillResponse(), nil
}

// InjectContext replaces the agent's pending context file.
func (p *Plugin) InjectContext(_ context.Context, handle *plugin.AgentHandle, injection plugin.ContextInjection) error {
	p.mu.Lock()
	t, ok := p.agents[handle.ID]
	p.mu.Unlock()
	if !ok {
		return unknownAgent(handle.ID)
	}

	if err := atomic.WriteFile(filepath.Join(t.signalDir, ContextFile), bytes.NewReader(renderContext(injection))); err != nil {
		return fmt.Errorf("failed to write context for %s: %w", handle.ID, err)
	}
	return nil
}

// ConsumeContext returns and removes the agent's pending context file. A
// given injection is returned at most once; ok is false when none is
// pending.
func (p *Plugin) ConsumeContext(agentID string) (content string, ok bool, err error) {
	dir, err := p.SignalDir(agentID)
	if err != nil {
		return "", false, err
	}

	path := filepath.Join(dir, ContextFile)
	claimed := path + ".consumed-" + uuid.New().String()
	if err := os.Rename(path, claimed); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	defer func() { _ = os.Remove(claimed) }()

	data, err := os.ReadFile(claimed)
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

// RequestCheckpoint builds a state from what is tracked locally; the
// agent is not consulted.
func (p *Plugin) RequestCheckpoint(_ context.Context, handle *plugin.AgentHandle, decisionID string) (*plugin.SerializedAgentState, error) {
	p.mu.Lock()
	t, ok := p.agents[handle.ID]
	var (
		h   plugin.AgentHandle
		seq int64
		b   plugin.AgentBrief
	)
	if ok {
		h = t.handle.Clone()
		seq = t.lastSequence
		if t.brief != nil {
			b = *t.brief
		}
	}
	p.mu.Unlock()
	if !ok {
		return nil, unknownAgent(handle.ID)
	}

	checkpoint, err := json.Marshal(map[string]any{
		"synthesized":  true,
		"lastSequence": seq,
	})
	if err != nil {
		return nil, err
	}

	pending := []string{}
	if decisionID != "" {
		pending = append(pending, decisionID)
	}

	state := &plugin.SerializedAgentState{
		AgentID:            h.ID,
		PluginName:         Name,
		SessionID:          h.SessionID,
		Checkpoint:         checkpoint,
		BriefSnapshot:      b,
		PendingDecisionIDs: pending,
		LastSequence:       seq,
		SerializedAt:       p.now().UTC(),
		SerializedBy:       plugin.SerializedByDecisionCheckpoint,
	}
	if encoded, err := json.Marshal(state); err == nil {
		state.EstimatedSizeBytes = int64(len(encoded))
	}
	return state, nil
}

func renderContext(injection plugin.ContextInjection) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "<!-- snapshotVersion: %d -->\n", injection.SnapshotVersion)
	if injection.Priority != "" {
		fmt.Fprintf(&buf, "<!-- priority: %s -->\n", injection.Priority)
	}
	if injection.Format != "" {
		fmt.Fprintf(&buf, "<!-- format: %s -->\n", injection.Format)
	}
	buf.WriteString("\n")
	buf.WriteString(injection.Content)
	if injection.Content != "" && injection.Content[len(injection.Content)-1] != '\n' {
		buf.WriteString("\n")
	}
	return buf.Bytes()
}

func unknownAgent(agentID string) error {
	return apperrors.UnknownAgent(fmt.Sprintf("agent %s is not tracked by the file-signal plugin", agentID))
}
