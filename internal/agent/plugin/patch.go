package plugin

import (
	"encoding/json"
	"time"
)

// Patches share one precedence rule: a non-nil field in the patch replaces
// the current value, a nil field leaves it unchanged. There is no way to
// clear a field through a patch.
//
// List fields are pointers so that an explicit empty list survives
// serialization: &[]string{} encodes as [] while nil is omitted.

// BriefPatch is a partial update to an AgentBrief.
type BriefPatch struct {
	Role                   *string                `json:"role,omitempty"`
	Description            *string                `json:"description,omitempty"`
	Workstream             *string                `json:"workstream,omitempty"`
	ReadableWorkstreams    *[]string              `json:"readableWorkstreams,omitempty"`
	Constraints            *[]string              `json:"constraints,omitempty"`
	EscalationProtocol     json.RawMessage        `json:"escalationProtocol,omitempty"`
	ControlMode            *ControlMode           `json:"controlMode,omitempty"`
	ProjectBrief           json.RawMessage        `json:"projectBrief,omitempty"`
	KnowledgeSnapshot      json.RawMessage        `json:"knowledgeSnapshot,omitempty"`
	ModelPreference        *string                `json:"modelPreference,omitempty"`
	AllowedTools           *[]string              `json:"allowedTools,omitempty"`
	MCPServers             *[]MCPServerConfig     `json:"mcpServers,omitempty"`
	WorkspaceRequirements  *WorkspaceRequirements `json:"workspaceRequirements,omitempty"`
	OutputSchema           json.RawMessage        `json:"outputSchema,omitempty"`
	GuardrailPolicy        json.RawMessage        `json:"guardrailPolicy,omitempty"`
	DelegationPolicy       json.RawMessage        `json:"delegationPolicy,omitempty"`
	SessionPolicy          json.RawMessage        `json:"sessionPolicy,omitempty"`
	ContextInjectionPolicy json.RawMessage        `json:"contextInjectionPolicy,omitempty"`
	SecretRefs             json.RawMessage        `json:"secretRefs,omitempty"`
	ProviderConfig         json.RawMessage        `json:"providerConfig,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p BriefPatch) IsEmpty() bool {
	return p.Role == nil && p.Description == nil && p.Workstream == nil &&
		p.ReadableWorkstreams == nil && p.Constraints == nil && p.EscalationProtocol == nil &&
		p.ControlMode == nil && p.ProjectBrief == nil && p.KnowledgeSnapshot == nil &&
		p.ModelPreference == nil && p.AllowedTools == nil && p.MCPServers == nil &&
		p.WorkspaceRequirements == nil && p.OutputSchema == nil && p.GuardrailPolicy == nil &&
		p.DelegationPolicy == nil && p.SessionPolicy == nil && p.ContextInjectionPolicy == nil &&
		p.SecretRefs == nil && p.ProviderConfig == nil
}

// Apply returns a copy of b with the patch merged in. b is not modified.
func (b AgentBrief) Apply(p BriefPatch) AgentBrief {
	out := b
	if p.Role != nil {
		out.Role = *p.Role
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	if p.Workstream != nil {
		out.Workstream = *p.Workstream
	}
	if p.ReadableWorkstreams != nil {
		out.ReadableWorkstreams = append([]string{}, *p.ReadableWorkstreams...)
	}
	if p.Constraints != nil {
		out.Constraints = append([]string{}, *p.Constraints...)
	}
	if p.EscalationProtocol != nil {
		out.EscalationProtocol = p.EscalationProtocol
	}
	if p.ControlMode != nil {
		out.ControlMode = *p.ControlMode
	}
	if p.ProjectBrief != nil {
		out.ProjectBrief = p.ProjectBrief
	}
	if p.KnowledgeSnapshot != nil {
		out.KnowledgeSnapshot = p.KnowledgeSnapshot
	}
	if p.ModelPreference != nil {
		out.ModelPreference = *p.ModelPreference
	}
	if p.AllowedTools != nil {
		out.AllowedTools = append([]string{}, *p.AllowedTools...)
	}
	if p.MCPServers != nil {
		out.MCPServers = append([]MCPServerConfig{}, *p.MCPServers...)
	}
	if p.WorkspaceRequirements != nil {
		req := *p.WorkspaceRequirements
		out.WorkspaceRequirements = &req
	}
	if p.OutputSchema != nil {
		out.OutputSchema = p.OutputSchema
	}
	if p.GuardrailPolicy != nil {
		out.GuardrailPolicy = p.GuardrailPolicy
	}
	if p.DelegationPolicy != nil {
		out.DelegationPolicy = p.DelegationPolicy
	}
	if p.SessionPolicy != nil {
		out.SessionPolicy = p.SessionPolicy
	}
	if p.ContextInjectionPolicy != nil {
		out.ContextInjectionPolicy = p.ContextInjectionPolicy
	}
	if p.SecretRefs != nil {
		out.SecretRefs = p.SecretRefs
	}
	if p.ProviderConfig != nil {
		out.ProviderConfig = p.ProviderConfig
	}
	return out
}

// HandlePatch is a partial update to an AgentHandle.
type HandlePatch struct {
	PluginName          *string
	Status              *AgentStatus
	SessionID           *string
	PendingBriefChanges json.RawMessage
}

// Apply returns a copy of h with the patch merged in.
func (h AgentHandle) Apply(p HandlePatch) AgentHandle {
	out := h.Clone()
	if p.PluginName != nil {
		out.PluginName = *p.PluginName
	}
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.SessionID != nil {
		out.SessionID = *p.SessionID
	}
	if p.PendingBriefChanges != nil {
		out.PendingBriefChanges = append(json.RawMessage(nil), p.PendingBriefChanges...)
	}
	return out
}

// SandboxPatch is a partial update to a SandboxInfo. The agent ID and
// creation time are fixed at registration.
type SandboxPatch struct {
	Transport       *SandboxTransport
	ProviderType    *string
	LastHeartbeatAt *time.Time
}

// Apply returns a copy of s with the patch merged in.
func (s SandboxInfo) Apply(p SandboxPatch) SandboxInfo {
	out := s
	if p.Transport != nil {
		out.Transport = *p.Transport
	}
	if p.ProviderType != nil {
		out.ProviderType = *p.ProviderType
	}
	if p.LastHeartbeatAt != nil {
		out.LastHeartbeatAt = *p.LastHeartbeatAt
	}
	return out
}
