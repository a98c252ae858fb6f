package api

import (
	"github.com/kandev/agentplane/internal/agent/plugin"
	"github.com/kandev/agentplane/internal/agent/registry"
)

// SpawnAgentRequest is the body of POST /api/agents.
type SpawnAgentRequest struct {
	Plugin string            `json:"plugin" binding:"required"`
	Brief  plugin.AgentBrief `json:"brief"`
}

// UploadArtifactRequest is the body of POST /api/artifacts.
type UploadArtifactRequest struct {
	AgentID    string `json:"agentId" binding:"required"`
	ArtifactID string `json:"artifactId" binding:"required"`
	Content    string `json:"content"`
	MimeType   string `json:"mimeType,omitempty"`
	SourcePath string `json:"sourcePath,omitempty"`
}

// UploadArtifactResponse is returned with 201 Created.
type UploadArtifactResponse struct {
	BackendURI string `json:"backendUri"`
}

// AgentsResponse is the body of GET /api/agents.
type AgentsResponse struct {
	Agents []registry.Entry `json:"agents"`
	Total  int              `json:"total"`
}
