// Package sandbox is the orchestration driver: it creates per-agent
// containers, tears them down, reports unexpected exits and exposes the
// per-agent volumes the recovery sweep works on.
package sandbox

import (
	"strings"
	"time"

	"github.com/kandev/agentplane/internal/agent/plugin"
)

// Container labels.
const (
	LabelManaged = "agentplane.managed"
	LabelAgentID = "agentplane.agent-id"
	LabelHelper  = "agentplane.helper"
)

// Sandbox environment variables.
const (
	EnvBootstrap = "AGENT_BOOTSTRAP"
	EnvPort      = "AGENT_PORT"
	EnvAgentID   = "AGENT_ID"
)

// ArtifactUploadPath is appended to the backend URL to form the sandbox's
// artifact upload endpoint.
const ArtifactUploadPath = "/api/artifacts"

// ProviderDocker is the SandboxInfo.ProviderType for container sandboxes.
const ProviderDocker = "docker"

// Bootstrap is serialized into AGENT_BOOTSTRAP for the sandbox.
type Bootstrap struct {
	BackendURL             string    `json:"backendUrl"`
	BackendToken           string    `json:"backendToken"`
	TokenExpiresAt         time.Time `json:"tokenExpiresAt"`
	AgentID                string    `json:"agentId"`
	ArtifactUploadEndpoint string    `json:"artifactUploadEndpoint"`
}

// NewBootstrap builds a bootstrap payload, deriving the artifact upload
// endpoint from backendURL.
func NewBootstrap(backendURL, agentID, token string, expiresAt time.Time) Bootstrap {
	base := strings.TrimRight(backendURL, "/")
	return Bootstrap{
		BackendURL:             base,
		BackendToken:           token,
		TokenExpiresAt:         expiresAt.UTC(),
		AgentID:                agentID,
		ArtifactUploadEndpoint: base + ArtifactUploadPath,
	}
}

// CreateOptions are the inputs to CreateSandbox.
type CreateOptions struct {
	// Image overrides the driver's default image. WorkspaceRequirements.BaseImage
	// takes precedence over both.
	Image                 string
	Bootstrap             Bootstrap
	WorkspaceRequirements *plugin.WorkspaceRequirements
	// Env holds extra environment variables for the sandbox.
	Env map[string]string
	// OnExit, when set, is registered before the crash watcher starts.
	OnExit ExitListener
}

// CreateResult describes a started sandbox.
type CreateResult struct {
	SandboxID  string
	Port       int
	VolumeName string
	Transport  plugin.SandboxTransport
}

// ExitListener is called with the container's exit code when a sandbox
// stops without Cleanup having been called.
type ExitListener func(agentID string, exitCode int64)

// VolumeFile is one regular file read from an agent volume.
type VolumeFile struct {
	// Path is relative to the volume root, slash-separated.
	Path string
	Size int64
	// Content is nil when the file exceeded the read limit.
	Content []byte
}

// Oversize reports whether the file was too large to read.
func (f VolumeFile) Oversize() bool {
	return f.Content == nil && f.Size > 0
}
