// Package api is the backend HTTP surface sandboxes and operators talk to:
// health, agent spawn/list/kill and the artifact upload endpoint named in
// every sandbox's bootstrap payload.
package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"go.uber.org/zap"

	"github.com/kandev/agentplane/internal/agent/plugin"
	"github.com/kandev/agentplane/internal/agent/registry"
	"github.com/kandev/agentplane/internal/common/errors"
	"github.com/kandev/agentplane/internal/common/logger"
)

// MaxUploadBytes caps the size of an artifact upload request body.
const MaxUploadBytes = 16 << 20

// AgentLister lists registered agents. *registry.Registry implements it.
type AgentLister interface {
	List() []registry.Entry
}

// AgentController spawns and kills agents. *lifecycle.Manager implements it.
type AgentController interface {
	Spawn(ctx context.Context, pluginName string, brief *plugin.AgentBrief) (*plugin.AgentHandle, error)
	Kill(ctx context.Context, agentID string, opts *plugin.KillRequest) (*plugin.KillResponse, error)
}

// ArtifactWriter persists uploaded artifacts. *artifacts.Store implements it.
type ArtifactWriter interface {
	Put(ctx context.Context, agentID, artifactID, sourcePath, mimeType string, content []byte) error
}

// TokenVerifier checks a sandbox bearer token and returns its agent ID.
// *auth.JWTProvider implements it.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Handler contains the HTTP handlers
type Handler struct {
	agents    AgentLister
	control   AgentController
	artifacts ArtifactWriter
	tokens    TokenVerifier
	logger    *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(agents AgentLister, control AgentController, artifacts ArtifactWriter, tokens TokenVerifier, log *logger.Logger) *Handler {
	return &Handler{
		agents:    agents,
		control:   control,
		artifacts: artifacts,
		tokens:    tokens,
		logger:    log.WithFields(zap.String("component", "api")),
	}
}

// Health reports liveness
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListAgents returns the registry snapshot
// GET /api/agents
func (h *Handler) ListAgents(c *gin.Context) {
	entries := h.agents.List()
	c.JSON(http.StatusOK, AgentsResponse{Agents: entries, Total: len(entries)})
}

// SpawnAgent starts an agent through the named plugin
// POST /api/agents
func (h *Handler) SpawnAgent(c *gin.Context) {
	var req SpawnAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if req.Brief.AgentID == "" {
		appErr := errors.BadRequest("brief.agentId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	handle, err := h.control.Spawn(c.Request.Context(), req.Plugin, &req.Brief)
	if err != nil {
		h.respondError(c, "failed to spawn agent", err)
		return
	}
	c.JSON(http.StatusCreated, handle)
}

// KillAgent tears an agent down
// DELETE /api/agents/:agentId
func (h *Handler) KillAgent(c *gin.Context) {
	// Read the body whatever ContentLength says; chunked requests report -1.
	body, err := c.GetRawData()
	if err != nil {
		appErr := errors.BadRequest("failed to read request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	var opts *plugin.KillRequest
	if len(bytes.TrimSpace(body)) > 0 {
		opts = &plugin.KillRequest{}
		if err := binding.JSON.BindBody(body, opts); err != nil {
			appErr := errors.BadRequest("invalid request body: " + err.Error())
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
	}

	resp, err := h.control.Kill(c.Request.Context(), c.Param("agentId"), opts)
	if err != nil {
		h.respondError(c, "failed to kill agent", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) respondError(c *gin.Context, msg string, err error) {
	status := errors.GetHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// UploadArtifact stores content a sandbox produced
// POST /api/artifacts
func (h *Handler) UploadArtifact(c *gin.Context) {
	agentID, err := h.authenticate(c)
	if err != nil {
		appErr := errors.Unauthorized(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadBytes)
	var req UploadArtifactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if req.AgentID != agentID {
		appErr := errors.Unauthorized(fmt.Sprintf("token was not issued for agent %s", req.AgentID))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	err = h.artifacts.Put(c.Request.Context(), req.AgentID, req.ArtifactID, req.SourcePath, req.MimeType, []byte(req.Content))
	if err != nil {
		h.logger.Error("failed to store artifact",
			zap.String("agent_id", req.AgentID),
			zap.String("artifact_id", req.ArtifactID),
			zap.Error(err))
		appErr := errors.InternalError("failed to store artifact", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusCreated, UploadArtifactResponse{
		BackendURI: fmt.Sprintf("artifact://%s/%s", req.AgentID, req.ArtifactID),
	})
}

func (h *Handler) authenticate(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("missing bearer token")
	}
	agentID, err := h.tokens.Verify(strings.TrimSpace(token))
	if err != nil {
		return "", err
	}
	return agentID, nil
}
