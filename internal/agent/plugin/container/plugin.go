// Package container implements the agent plugin contract over a per-agent
// Docker sandbox reached through JSON-over-HTTP RPC.
package container

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentplane/internal/agent/plugin"
	"github.com/kandev/agentplane/internal/agent/sandbox"
	"github.com/kandev/agentplane/internal/agent/sandboxrpc"
	"github.com/kandev/agentplane/internal/auth"
	apperrors "github.com/kandev/agentplane/internal/common/errors"
	"github.com/kandev/agentplane/internal/common/logger"
)

// Name is the plugin name used in handles and the catalog.
const Name = "container"

// Orchestrator manages sandbox containers. *sandbox.Driver implements it.
type Orchestrator interface {
	CreateSandbox(ctx context.Context, agentID string, opts sandbox.CreateOptions) (*sandbox.CreateResult, error)
	Cleanup(ctx context.Context, agentID string, port int) error
}

// Provisioner computes the tool-server environment variable for a brief.
// *mcpconfig.Provisioner implements it.
type Provisioner interface {
	Provision(brief *plugin.AgentBrief, token string) (key, value string, ok bool, err error)
}

// Config holds the plugin's static settings.
type Config struct {
	// BackendURL is the base URL sandboxes use to call back.
	BackendURL string
	// Image overrides the driver's default sandbox image when set.
	Image string
}

// Option configures a Plugin.
type Option func(*Plugin)

// WithProvisioner enables tool-server provisioning on spawn.
func WithProvisioner(p Provisioner) Option {
	return func(pl *Plugin) {
		pl.provisioner = p
	}
}

// WithExitHandler registers fn for unexpected sandbox exits of every agent
// this plugin spawns.
func WithExitHandler(fn sandbox.ExitListener) Option {
	return func(pl *Plugin) {
		pl.onExit = fn
	}
}

type record struct {
	result    *sandbox.CreateResult
	transport plugin.SandboxTransport
	createdAt time.Time
}

// Plugin is the container-backed AgentPlugin.
type Plugin struct {
	orchestrator Orchestrator
	tokens       auth.TokenProvider
	rpc          *sandboxrpc.Client
	provisioner  Provisioner
	onExit       sandbox.ExitListener
	cfg          Config
	logger       *logger.Logger

	mu       sync.Mutex
	records  map[string]*record
	// spawning holds agent IDs whose Spawn is in flight.
	spawning map[string]struct{}
}

var _ plugin.AgentPlugin = (*Plugin)(nil)

// New creates a container plugin.
func New(orchestrator Orchestrator, tokens auth.TokenProvider, rpc *sandboxrpc.Client, cfg Config, log *logger.Logger, opts ...Option) *Plugin {
	p := &Plugin{
		orchestrator: orchestrator,
		tokens:       tokens,
		rpc:          rpc,
		cfg:          cfg,
		logger:       log.WithFields(zap.String("component", "container-plugin")),
		records:      make(map[string]*record),
		spawning:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) Capabilities() plugin.Capabilities {
	return plugin.Capabilities{
		Spawn:             true,
		Pause:             true,
		Resume:            true,
		Kill:              true,
		ResolveDecision:   true,
		InjectContext:     true,
		UpdateBrief:       true,
		RequestCheckpoint: true,
	}
}

// Spawn starts a sandbox for the brief's agent and asks it to begin work.
func (p *Plugin) Spawn(ctx context.Context, brief *plugin.AgentBrief) (*plugin.AgentHandle, error) {
	if brief == nil || brief.AgentID == "" {
		return nil, apperrors.BadRequest("brief must carry an agentId")
	}
	agentID := brief.AgentID

	if err := p.reserve(agentID); err != nil {
		return nil, err
	}
	defer p.release(agentID)

	token, err := p.tokens.IssueToken(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue token for agent %s: %w", agentID, err)
	}

	env := make(map[string]string)
	if p.provisioner != nil {
		key, value, ok, err := p.provisioner.Provision(brief, token.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to provision tool servers: %w", err)
		}
		if ok {
			env[key] = value
		}
	}

	result, err := p.orchestrator.CreateSandbox(ctx, agentID, sandbox.CreateOptions{
		Image:                 p.cfg.Image,
		Bootstrap:             sandbox.NewBootstrap(p.cfg.BackendURL, agentID, token.Value, token.ExpiresAt),
		WorkspaceRequirements: brief.WorkspaceRequirements,
		Env:                   env,
		OnExit:                p.onExit,
	})
	if err != nil {
		return nil, err
	}

	rec := &record{result: result, transport: result.Transport, createdAt: time.Now().UTC()}
	p.mu.Lock()
	p.records[agentID] = rec
	p.mu.Unlock()

	var handle plugin.AgentHandle
	if err := p.rpc.Call(ctx, agentID, rec.transport.RPCEndpoint, sandboxrpc.VerbSpawn, brief, &handle); err != nil {
		p.logger.Warn("sandbox rejected spawn, tearing down",
			zap.String("agent_id", agentID),
			zap.Error(err))
		p.teardown(context.WithoutCancel(ctx), agentID, rec)
		return nil, err
	}

	if handle.ID == "" {
		handle.ID = agentID
	}
	if handle.PluginName == "" {
		handle.PluginName = Name
	}
	if handle.Status == "" {
		handle.Status = plugin.StatusRunning
	}

	p.logger.Info("agent spawned",
		zap.String("agent_id", agentID),
		zap.String("sandbox_id", result.SandboxID),
		zap.Int("port", result.Port))
	return &handle, nil
}

func (p *Plugin) Pause(ctx context.Context, handle *plugin.AgentHandle) (*plugin.SerializedAgentState, error) {
	var state plugin.SerializedAgentState
	if err := p.call(ctx, handle.ID, sandboxrpc.VerbPause, struct{}{}, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (p *Plugin) Resume(ctx context.Context, state *plugin.SerializedAgentState) (*plugin.AgentHandle, error) {
	var handle plugin.AgentHandle
	if err := p.call(ctx, state.AgentID, sandboxrpc.VerbResume, state, &handle); err != nil {
		return nil, err
	}
	if handle.ID == "" {
		handle.ID = state.AgentID
	}
	if handle.PluginName == "" {
		handle.PluginName = Name
	}
	return &handle, nil
}

// Kill asks the sandbox to stop, then removes its container whatever the
// sandbox answered.
func (p *Plugin) Kill(ctx context.Context, handle *plugin.AgentHandle, opts *plugin.KillRequest) (*plugin.KillResponse, error) {
	rec, err := p.lookup(handle.ID)
	if err != nil {
		return nil, err
	}

	req := plugin.DefaultKillRequest()
	if opts != nil {
		req = *opts
	}

	var resp plugin.KillResponse
	if err := p.rpc.Call(ctx, handle.ID, rec.transport.RPCEndpoint, sandboxrpc.VerbKill, req, &resp); err != nil {
		p.logger.Warn("sandbox did not answer kill, synthesizing response",
			zap.String("agent_id", handle.ID),
			zap.Error(err))
		resp = *plugin.SynthesizedKillResponse()
	} else {
		resp.Source = plugin.KillReported
	}

	p.teardown(context.WithoutCancel(ctx), handle.ID, rec)
	return &resp, nil
}

func (p *Plugin) ResolveDecision(ctx context.Context, handle *plugin.AgentHandle, decisionID string, resolution plugin.DecisionResolution) error {
	body := struct {
		DecisionID string                    `json:"decisionId"`
		Resolution plugin.DecisionResolution `json:"resolution"`
	}{decisionID, resolution}
	return p.call(ctx, handle.ID, sandboxrpc.VerbResolve, body, nil)
}

func (p *Plugin) InjectContext(ctx context.Context, handle *plugin.AgentHandle, injection plugin.ContextInjection) error {
	return p.call(ctx, handle.ID, sandboxrpc.VerbInjectContext, injection, nil)
}

func (p *Plugin) UpdateBrief(ctx context.Context, handle *plugin.AgentHandle, changes plugin.BriefPatch) error {
	return p.call(ctx, handle.ID, sandboxrpc.VerbUpdateBrief, changes, nil)
}

func (p *Plugin) RequestCheckpoint(ctx context.Context, handle *plugin.AgentHandle, decisionID string) (*plugin.SerializedAgentState, error) {
	body := struct {
		DecisionID string `json:"decisionId"`
	}{decisionID}
	var state plugin.SerializedAgentState
	if err := p.call(ctx, handle.ID, sandboxrpc.VerbCheckpoint, body, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Health fetches the sandbox's self-reported health.
func (p *Plugin) Health(ctx context.Context, agentID string) (*plugin.SandboxHealth, error) {
	rec, err := p.lookup(agentID)
	if err != nil {
		return nil, err
	}
	var health plugin.SandboxHealth
	if err := p.rpc.Get(ctx, agentID, rec.transport.HealthEndpoint, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// Sandbox returns the sandbox description for a tracked agent, ready to be
// stored in the registry.
func (p *Plugin) Sandbox(agentID string) (plugin.SandboxInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[agentID]
	if !ok {
		return plugin.SandboxInfo{}, false
	}
	return plugin.SandboxInfo{
		AgentID:         agentID,
		Transport:       rec.transport,
		ProviderType:    sandbox.ProviderDocker,
		CreatedAt:       rec.createdAt,
		LastHeartbeatAt: rec.createdAt,
	}, true
}

// Tracked reports whether the plugin holds a record for the agent.
func (p *Plugin) Tracked(agentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.records[agentID]
	return ok
}

// reserve claims agentID for one Spawn. It fails if the agent is already
// tracked or another Spawn for it is in flight.
func (p *Plugin) reserve(agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.records[agentID]; exists {
		return apperrors.DuplicateAgent(agentID)
	}
	if _, busy := p.spawning[agentID]; busy {
		return apperrors.DuplicateAgent(agentID)
	}
	p.spawning[agentID] = struct{}{}
	return nil
}

func (p *Plugin) release(agentID string) {
	p.mu.Lock()
	delete(p.spawning, agentID)
	p.mu.Unlock()
}

func (p *Plugin) lookup(agentID string) (*record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[agentID]
	if !ok {
		return nil, apperrors.UnknownAgent(fmt.Sprintf("No container found for agent %s", agentID))
	}
	return rec, nil
}

func (p *Plugin) call(ctx context.Context, agentID, verb string, body, out any) error {
	rec, err := p.lookup(agentID)
	if err != nil {
		return err
	}
	return p.rpc.Call(ctx, agentID, rec.transport.RPCEndpoint, verb, body, out)
}

// teardown cleans up the container and drops the record. The record is
// only removed if it is still the one that was torn down.
func (p *Plugin) teardown(ctx context.Context, agentID string, rec *record) {
	if err := p.orchestrator.Cleanup(ctx, agentID, rec.result.Port); err != nil {
		p.logger.Error("failed to clean up sandbox",
			zap.String("agent_id", agentID),
			zap.Error(err))
	}

	p.mu.Lock()
	if p.records[agentID] == rec {
		delete(p.records, agentID)
	}
	p.mu.Unlock()
}
