package plugin

import (
	"encoding/json"
	"time"
)

// AgentStatus is the lifecycle status reported on an AgentHandle.
type AgentStatus string

const (
	StatusRunning        AgentStatus = "running"
	StatusPaused         AgentStatus = "paused"
	StatusWaitingOnHuman AgentStatus = "waiting_on_human"
	StatusCompleted      AgentStatus = "completed"
	StatusError          AgentStatus = "error"
)

// ControlMode mirrors the brief's controlMode field.
type ControlMode string

const (
	ControlModeOrchestrator ControlMode = "orchestrator"
	ControlModeAdaptive     ControlMode = "adaptive"
	ControlModeEcosystem    ControlMode = "ecosystem"
)

// AgentHandle is the caller-facing identity and status of a spawned agent.
type AgentHandle struct {
	ID                  string          `json:"id"`
	PluginName          string          `json:"pluginName"`
	Status              AgentStatus     `json:"status"`
	SessionID           string          `json:"sessionId"`
	PendingBriefChanges json.RawMessage `json:"pendingBriefChanges,omitempty"`
}

// Clone returns a deep copy of the handle.
func (h AgentHandle) Clone() AgentHandle {
	if h.PendingBriefChanges != nil {
		h.PendingBriefChanges = append(json.RawMessage(nil), h.PendingBriefChanges...)
	}
	return h
}

// TransportType identifies how a sandbox is reached.
type TransportType string

const (
	TransportContainer  TransportType = "container"
	TransportFileSignal TransportType = "file_signal"
)

// SandboxTransport holds the endpoints for reaching a sandbox. Which fields
// are set depends on Type.
type SandboxTransport struct {
	Type                TransportType `json:"type"`
	SandboxID           string        `json:"sandboxId,omitempty"`
	RPCEndpoint         string        `json:"rpcEndpoint,omitempty"`
	EventStreamEndpoint string        `json:"eventStreamEndpoint,omitempty"`
	HealthEndpoint      string        `json:"healthEndpoint,omitempty"`
	SignalDir           string        `json:"signalDir,omitempty"`
}

// SandboxInfo describes the environment one live agent runs in.
type SandboxInfo struct {
	AgentID         string           `json:"agentId"`
	Transport       SandboxTransport `json:"transport"`
	ProviderType    string           `json:"providerType"`
	CreatedAt       time.Time        `json:"createdAt"`
	LastHeartbeatAt time.Time        `json:"lastHeartbeatAt"`
}

// WorkspaceMount binds a host path into the sandbox.
type WorkspaceMount struct {
	HostPath    string `json:"hostPath"`
	SandboxPath string `json:"sandboxPath"`
	ReadOnly    bool   `json:"readOnly"`
}

// ResourceLimits caps the sandbox's memory and CPU.
type ResourceLimits struct {
	MemoryMB int64   `json:"memoryMb,omitempty"`
	CPUCores float64 `json:"cpuCores,omitempty"`
}

// WorkspaceRequirements describes what the sandbox needs beyond the default image.
type WorkspaceRequirements struct {
	Mounts         []WorkspaceMount `json:"mounts"`
	Capabilities   []string         `json:"capabilities"`
	ResourceLimits *ResourceLimits  `json:"resourceLimits,omitempty"`
	BaseImage      string           `json:"baseImage,omitempty"`
}

// MCPServerConfig is a caller-declared tool server carried on the brief.
type MCPServerConfig struct {
	Name      string            `json:"name"`
	Transport string            `json:"transport,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Config    json.RawMessage   `json:"config,omitempty"`
}

// AgentBrief is the spawn input. The typed fields are the ones this core
// reads; the rest are forwarded to the sandbox untouched.
type AgentBrief struct {
	AgentID               string                 `json:"agentId"`
	Role                  string                 `json:"role"`
	Description           string                 `json:"description"`
	Workstream            string                 `json:"workstream"`
	ReadableWorkstreams   []string               `json:"readableWorkstreams"`
	Constraints           []string               `json:"constraints"`
	EscalationProtocol    json.RawMessage        `json:"escalationProtocol,omitempty"`
	ControlMode           ControlMode            `json:"controlMode,omitempty"`
	ProjectBrief          json.RawMessage        `json:"projectBrief,omitempty"`
	KnowledgeSnapshot     json.RawMessage        `json:"knowledgeSnapshot,omitempty"`
	ModelPreference       string                 `json:"modelPreference,omitempty"`
	AllowedTools          []string               `json:"allowedTools"`
	MCPServers            []MCPServerConfig      `json:"mcpServers,omitempty"`
	WorkspaceRequirements *WorkspaceRequirements `json:"workspaceRequirements,omitempty"`

	OutputSchema           json.RawMessage `json:"outputSchema,omitempty"`
	GuardrailPolicy        json.RawMessage `json:"guardrailPolicy,omitempty"`
	DelegationPolicy       json.RawMessage `json:"delegationPolicy,omitempty"`
	SessionPolicy          json.RawMessage `json:"sessionPolicy,omitempty"`
	ContextInjectionPolicy json.RawMessage `json:"contextInjectionPolicy,omitempty"`
	SecretRefs             json.RawMessage `json:"secretRefs,omitempty"`
	ProviderConfig         json.RawMessage `json:"providerConfig,omitempty"`
}

// Mounts returns the brief's workspace mounts, or nil.
func (b *AgentBrief) Mounts() []WorkspaceMount {
	if b == nil || b.WorkspaceRequirements == nil {
		return nil
	}
	return b.WorkspaceRequirements.Mounts
}

// SerializedBy records which operation produced a SerializedAgentState.
type SerializedBy string

const (
	SerializedByPause              SerializedBy = "pause"
	SerializedByKillGrace          SerializedBy = "kill_grace"
	SerializedByCrashRecovery      SerializedBy = "crash_recovery"
	SerializedByDecisionCheckpoint SerializedBy = "decision_checkpoint"
)

// SerializedAgentState is a resumable snapshot of an agent.
type SerializedAgentState struct {
	AgentID             string          `json:"agentId"`
	PluginName          string          `json:"pluginName"`
	SessionID           string          `json:"sessionId"`
	Checkpoint          json.RawMessage `json:"checkpoint"`
	BriefSnapshot       AgentBrief      `json:"briefSnapshot"`
	ConversationSummary string          `json:"conversationSummary,omitempty"`
	PendingDecisionIDs  []string        `json:"pendingDecisionIds"`
	LastSequence        int64           `json:"lastSequence"`
	SerializedAt        time.Time       `json:"serializedAt"`
	SerializedBy        SerializedBy    `json:"serializedBy"`
	EstimatedSizeBytes  int64           `json:"estimatedSizeBytes"`
}

// KillRequest carries the caller's kill options.
type KillRequest struct {
	Grace          bool   `json:"grace"`
	GraceTimeoutMs *int64 `json:"graceTimeoutMs,omitempty"`
}

// DefaultKillRequest is used when the caller passes no options.
func DefaultKillRequest() KillRequest {
	return KillRequest{Grace: true}
}

// KillSource tells whether a KillResponse came from the sandbox or was
// filled in locally because the sandbox could not be reached.
type KillSource string

const (
	KillReported    KillSource = "reported"
	KillSynthesized KillSource = "synthesized"
)

// KillResponse is the outcome of a kill.
type KillResponse struct {
	State              *SerializedAgentState `json:"state,omitempty"`
	ArtifactsExtracted int                   `json:"artifactsExtracted"`
	CleanShutdown      bool                  `json:"cleanShutdown"`
	Source             KillSource            `json:"source,omitempty"`
}

// SynthesizedKillResponse is the low-confidence response used when the
// sandbox did not answer the kill call.
func SynthesizedKillResponse() *KillResponse {
	return &KillResponse{
		CleanShutdown:      false,
		ArtifactsExtracted: 0,
		Source:             KillSynthesized,
	}
}

// DecisionResolution is a human's answer to a pending decision. Option
// decisions set ChosenOptionID; tool approvals set Action.
type DecisionResolution struct {
	Type           string          `json:"type"`
	ChosenOptionID string          `json:"chosenOptionId,omitempty"`
	Action         string          `json:"action,omitempty"`
	ModifiedArgs   json.RawMessage `json:"modifiedArgs,omitempty"`
	AlwaysApprove  *bool           `json:"alwaysApprove,omitempty"`
	Rationale      string          `json:"rationale,omitempty"`
	ActionKind     string          `json:"actionKind"`
}

// ContextInjection is a fire-and-forget payload pushed into a running agent.
type ContextInjection struct {
	Content         string `json:"content"`
	Format          string `json:"format"`
	SnapshotVersion int64  `json:"snapshotVersion"`
	EstimatedTokens int    `json:"estimatedTokens"`
	Priority        string `json:"priority"`
}

// ResourceUsage is the sandbox's self-reported resource consumption.
type ResourceUsage struct {
	CPUPercent  float64   `json:"cpuPercent"`
	MemoryMB    float64   `json:"memoryMb"`
	DiskMB      float64   `json:"diskMb"`
	CollectedAt time.Time `json:"collectedAt"`
}

// SandboxHealth is the body of a sandbox's GET /health.
type SandboxHealth struct {
	Status                 string        `json:"status"`
	AgentStatus            AgentStatus   `json:"agentStatus"`
	UptimeMs               int64         `json:"uptimeMs"`
	ResourceUsage          ResourceUsage `json:"resourceUsage"`
	PendingEventBufferSize int           `json:"pendingEventBufferSize"`
}
