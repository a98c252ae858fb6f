// Package recovery reconciles per-agent volumes left behind by an unclean
// shutdown. It runs once at startup, salvages artifacts from volumes no
// live agent owns and then deletes those volumes.
package recovery

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kandev/agentplane/internal/agent/plugin"
	"github.com/kandev/agentplane/internal/agent/registry"
	"github.com/kandev/agentplane/internal/agent/sandbox"
	"github.com/kandev/agentplane/internal/artifacts"
	"github.com/kandev/agentplane/internal/common/logger"
	"github.com/kandev/agentplane/internal/common/tracing"
)

// VolumeSource exposes the runtime's per-agent volumes. *sandbox.Driver
// implements it.
type VolumeSource interface {
	ListAgentVolumes(ctx context.Context) ([]string, error)
	AgentIDFromVolume(name string) (string, bool)
	ListLiveAgentIDs(ctx context.Context) (map[string]bool, error)
	ReadVolume(ctx context.Context, name string) ([]sandbox.VolumeFile, error)
	RemoveVolume(ctx context.Context, name string) error
}

// ArtifactIndex lists artifacts already stored for an agent.
// *artifacts.Store implements it.
type ArtifactIndex interface {
	ListByAgent(ctx context.Context, agentID string) ([]artifacts.KnownArtifact, error)
}

// UploadFunc persists recovered content into the artifact store.
type UploadFunc func(ctx context.Context, agentID, artifactID, sourcePath string, content []byte) error

// HandleLookup reads the registry. *registry.Registry implements it.
type HandleLookup interface {
	GetByID(id string) (registry.Entry, bool)
}

// Recoverer salvages one orphaned volume.
type Recoverer interface {
	Recover(ctx context.Context, agentID, volumeName string, known []artifacts.KnownArtifact) (*Result, error)
}

// Result summarizes the recovery of one volume.
type Result struct {
	AgentID       string `json:"agentId"`
	VolumeName    string `json:"volumeName"`
	Recovered     int    `json:"recovered"`
	Skipped       int    `json:"skipped"`
	Orphaned      int    `json:"orphaned"`
	VolumeDeleted bool   `json:"volumeDeleted"`
}

// Sweeper runs the startup sweep.
type Sweeper struct {
	volumes     VolumeSource
	registry    HandleLookup
	index       ArtifactIndex
	recoverer   Recoverer
	onRecovered func(Result)
	logger      *logger.Logger
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithResultHandler is called after each volume is recovered.
func WithResultHandler(fn func(Result)) SweeperOption {
	return func(s *Sweeper) {
		s.onRecovered = fn
	}
}

// NewSweeper creates a sweeper.
func NewSweeper(volumes VolumeSource, reg HandleLookup, index ArtifactIndex, recoverer Recoverer, log *logger.Logger, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		volumes:   volumes,
		registry:  reg,
		index:     index,
		recoverer: recoverer,
		logger:    log.WithFields(zap.String("component", "volume-recovery")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep recovers every orphaned agent volume, one at a time. Failures for
// one agent are logged and do not stop the sweep; only a failure to list
// volumes is returned.
func (s *Sweeper) Sweep(ctx context.Context) ([]Result, error) {
	names, err := s.volumes.ListAgentVolumes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent volumes: %w", err)
	}
	if len(names) == 0 {
		s.logger.Debug("no agent volumes found")
		return nil, nil
	}

	// The registry is empty right after a restart, so running containers
	// are the only reliable sign that an agent is still alive.
	live, err := s.volumes.ListLiveAgentIDs(ctx)
	if err != nil {
		s.logger.Warn("failed to list running sandboxes, treating none as live", zap.Error(err))
		live = nil
	}

	var results []Result
	for _, name := range names {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}

		agentID, ok := s.volumes.AgentIDFromVolume(name)
		if !ok {
			continue
		}
		if s.isAlive(agentID, live) {
			s.logger.Debug("volume belongs to a live agent, skipping",
				zap.String("agent_id", agentID),
				zap.String("volume", name))
			continue
		}

		result, err := s.recoverOne(ctx, agentID, name)
		if err != nil {
			s.logger.Error("volume recovery failed",
				zap.String("agent_id", agentID),
				zap.String("volume", name),
				zap.Error(err))
			continue
		}
		results = append(results, *result)
		if s.onRecovered != nil {
			s.onRecovered(*result)
		}
	}

	var recovered, orphaned, deleted int
	for _, r := range results {
		recovered += r.Recovered
		orphaned += r.Orphaned
		if r.VolumeDeleted {
			deleted++
		}
	}
	s.logger.Info("volume recovery sweep complete",
		zap.Int("volumes", len(names)),
		zap.Int("recovered_volumes", len(results)),
		zap.Int("deleted_volumes", deleted),
		zap.Int("recovered_files", recovered),
		zap.Int("orphaned_files", orphaned))
	return results, nil
}

func (s *Sweeper) isAlive(agentID string, live map[string]bool) bool {
	if live[agentID] {
		return true
	}
	if entry, ok := s.registry.GetByID(agentID); ok && entry.Handle.Status != plugin.StatusError {
		return true
	}
	return false
}

func (s *Sweeper) recoverOne(ctx context.Context, agentID, volumeName string) (result *Result, err error) {
	ctx, span := tracing.TraceRuntimeCall(ctx, "recover-volume", agentID)
	defer func() { tracing.EndWithError(span, err) }()

	known, err := s.index.ListByAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list known artifacts: %w", err)
	}
	return s.recoverer.Recover(ctx, agentID, volumeName, known)
}

// VolumeRecoverer reads an orphaned volume and uploads what it can
// attribute to an artifact.
//
// A file at path p with content hash h is:
//   - skipped if a known artifact has source path p and hash h;
//   - recovered under the known artifact's ID if one has source path p but
//     a different hash;
//   - recovered under <id> if p has the form artifacts/<id>/<rest>;
//   - orphaned otherwise, including empty files, files too large to read
//     and files whose upload failed.
//
// The volume is deleted only if every recoverable file was uploaded.
type VolumeRecoverer struct {
	volumes VolumeSource
	upload  UploadFunc
	logger  *logger.Logger
}

// NewVolumeRecoverer creates a recoverer.
func NewVolumeRecoverer(volumes VolumeSource, upload UploadFunc, log *logger.Logger) *VolumeRecoverer {
	return &VolumeRecoverer{
		volumes: volumes,
		upload:  upload,
		logger:  log.WithFields(zap.String("component", "volume-recoverer")),
	}
}

// Recover salvages the named volume.
func (r *VolumeRecoverer) Recover(ctx context.Context, agentID, volumeName string, known []artifacts.KnownArtifact) (*Result, error) {
	files, err := r.volumes.ReadVolume(ctx, volumeName)
	if err != nil {
		return nil, fmt.Errorf("failed to read volume %s: %w", volumeName, err)
	}

	byPath := make(map[string]artifacts.KnownArtifact, len(known))
	byID := make(map[string]artifacts.KnownArtifact, len(known))
	for _, k := range known {
		if k.SourcePath != "" {
			byPath[k.SourcePath] = k
		}
		byID[k.ID] = k
	}

	result := &Result{AgentID: agentID, VolumeName: volumeName}
	uploadFailed := false

	for _, f := range files {
		artifactID, action := classify(f, byPath, byID)
		switch action {
		case actionSkip:
			result.Skipped++
		case actionOrphan:
			result.Orphaned++
		case actionRecover:
			if err := r.upload(ctx, agentID, artifactID, f.Path, f.Content); err != nil {
				r.logger.Warn("failed to upload recovered artifact",
					zap.String("agent_id", agentID),
					zap.String("artifact_id", artifactID),
					zap.String("path", f.Path),
					zap.Error(err))
				result.Orphaned++
				uploadFailed = true
				continue
			}
			result.Recovered++
		}
	}

	if uploadFailed {
		r.logger.Warn("keeping volume, some artifacts could not be stored",
			zap.String("agent_id", agentID),
			zap.String("volume", volumeName))
		return result, nil
	}

	if err := r.volumes.RemoveVolume(ctx, volumeName); err != nil {
		r.logger.Warn("failed to delete recovered volume",
			zap.String("volume", volumeName),
			zap.Error(err))
		return result, nil
	}
	result.VolumeDeleted = true

	r.logger.Info("recovered orphaned volume",
		zap.String("agent_id", agentID),
		zap.String("volume", volumeName),
		zap.Int("recovered", result.Recovered),
		zap.Int("skipped", result.Skipped),
		zap.Int("orphaned", result.Orphaned))
	return result, nil
}

type action int

const (
	actionOrphan action = iota
	actionSkip
	actionRecover
)

// ArtifactDir is the volume directory sandboxes write artifacts under,
// one subdirectory per artifact ID.
const ArtifactDir = "artifacts"

func classify(f sandbox.VolumeFile, byPath, byID map[string]artifacts.KnownArtifact) (string, action) {
	if f.Oversize() {
		return "", actionOrphan
	}
	hash := artifacts.HashContent(f.Content)

	if k, ok := byPath[f.Path]; ok {
		if k.ContentHash == hash {
			return k.ID, actionSkip
		}
		if len(f.Content) > 0 {
			return k.ID, actionRecover
		}
	}
	if len(f.Content) == 0 {
		return "", actionOrphan
	}

	if id, ok := artifactIDFromPath(f.Path); ok {
		if k, known := byID[id]; known && k.ContentHash == hash {
			return id, actionSkip
		}
		return id, actionRecover
	}
	return "", actionOrphan
}

func artifactIDFromPath(p string) (string, bool) {
	parts := strings.SplitN(p, "/", 3)
	if len(parts) != 3 || parts[0] != ArtifactDir || parts[1] == "" || parts[2] == "" {
		return "", false
	}
	return parts[1], true
}
