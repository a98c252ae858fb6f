package filesignal

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentplane/internal/agent/plugin"
	apperrors "github.com/kandev/agentplane/internal/common/errors"
	"github.com/kandev/agentplane/internal/common/logger"
)

func newTestPlugin(t *testing.T) (*Plugin, string) {
	t.Helper()
	dir := t.TempDir()
	return New(dir, logger.NewNop()), dir
}

func TestSpawn_TracksAgentAndCreatesSignalDir(t *testing.T) {
	p, base := newTestPlugin(t)

	handle, err := p.Spawn(context.Background(), &plugin.AgentBrief{AgentID: "lead-1"})
	require.NoError(t, err)
	assert.Equal(t, "lead-1", handle.ID)
	assert.Equal(t, Name, handle.PluginName)
	assert.Equal(t, plugin.StatusRunning, handle.Status)
	assert.NotEmpty(t, handle.SessionID)

	info, err := os.Stat(filepath.Join(base, "lead-1"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	transport, ok := p.Transport("lead-1")
	require.True(t, ok)
	assert.Equal(t, plugin.TransportFileSignal, transport.Type)

	sandbox, ok := p.Sandbox("lead-1")
	require.True(t, ok)
	assert.Equal(t, Name, sandbox.ProviderType)
	assert.Equal(t, filepath.Join(base, "lead-1"), sandbox.Transport.SignalDir)
	assert.False(t, sandbox.CreatedAt.IsZero())

	_, ok = p.Sandbox("missing")
	assert.False(t, ok)
}

func TestAdopt_DuplicateAndStaleBrake(t *testing.T) {
	p, base := newTestPlugin(t)
	require.NoError(t, os.MkdirAll(filepath.Join(base, "a1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "a1", BrakeFile), []byte("{}"), 0o644))

	require.NoError(t, p.Adopt(plugin.AgentHandle{ID: "a1", SessionID: "s"}, nil))
	_, err := os.Stat(filepath.Join(base, "a1", BrakeFile))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	err = p.Adopt(plugin.AgentHandle{ID: "a1"}, nil)
	assert.True(t, errors.Is(err, apperrors.ErrDuplicateAgent))
}

func TestSignalDir_RejectsEscapingIDs(t *testing.T) {
	p, _ := newTestPlugin(t)
	for _, id := range []string{"", "..", "a/b", "../etc"} {
		_, err := p.SignalDir(id)
		assert.Error(t, err, "id %q", id)
	}
}

func TestUnsupportedOperations(t *testing.T) {
	p, _ := newTestPlugin(t)
	handle := &plugin.AgentHandle{ID: "a1"}
	ctx := context.Background()

	_, err := p.Pause(ctx, handle)
	assert.True(t, errors.Is(err, apperrors.ErrUnsupportedOperation))
	_, err = p.Resume(ctx, &plugin.SerializedAgentState{AgentID: "a1"})
	assert.True(t, errors.Is(err, apperrors.ErrUnsupportedOperation))
	assert.True(t, errors.Is(p.ResolveDecision(ctx, handle, "d", plugin.DecisionResolution{}), apperrors.ErrUnsupportedOperation))
	assert.True(t, errors.Is(p.UpdateBrief(ctx, handle, plugin.BriefPatch{}), apperrors.ErrUnsupportedOperation))

	caps := p.Capabilities()
	assert.False(t, caps.Supports(plugin.OpPause))
	assert.True(t, caps.KillIsAdvisory)
	assert.True(t, caps.CheckpointIsSynthesized)
}

func TestKill_WritesBrake(t *testing.T) {
	p, base := newTestPlugin(t)
	handle, err := p.Spawn(context.Background(), &plugin.AgentBrief{AgentID: "a1"})
	require.NoError(t, err)

	resp, err := p.Kill(context.Background(), handle, nil)
	require.NoError(t, err)
	assert.False(t, resp.CleanShutdown)
	assert.Equal(t, plugin.KillSynthesized, resp.Source)

	data, err := os.ReadFile(filepath.Join(base, "a1", BrakeFile))
	require.NoError(t, err)
	var brake Brake
	require.NoError(t, json.Unmarshal(data, &brake))
	assert.Equal(t, "a1", brake.AgentID)
	assert.True(t, brake.Grace)

	_, ok := p.Transport("a1")
	assert.False(t, ok)

	_, err = p.Kill(context.Background(), handle, nil)
	assert.True(t, errors.Is(err, apperrors.ErrUnknownAgent))
}

func TestInjectAndConsumeContext_AtMostOnce(t *testing.T) {
	p, _ := newTestPlugin(t)
	handle, err := p.Spawn(context.Background(), &plugin.AgentBrief{AgentID: "a1"})
	require.NoError(t, err)

	require.NoError(t, p.InjectContext(context.Background(), handle, plugin.ContextInjection{
		Content: "first", SnapshotVersion: 1,
	}))
	require.NoError(t, p.InjectContext(context.Background(), handle, plugin.ContextInjection{
		Content: "# Update\nsecond", SnapshotVersion: 2, Priority: "immediate", Format: "markdown",
	}))

	content, ok, err := p.ConsumeContext("a1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, content, "snapshotVersion: 2")
	assert.Contains(t, content, "priority: immediate")
	assert.Contains(t, content, "# Update\nsecond\n")
	assert.NotContains(t, content, "first")

	_, ok, err = p.ConsumeContext("a1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRequestCheckpoint_UsesTrackedSequence(t *testing.T) {
	p, _ := newTestPlugin(t)
	handle, err := p.Spawn(context.Background(), &plugin.AgentBrief{AgentID: "a1", Role: "lead"})
	require.NoError(t, err)

	require.NoError(t, p.RecordSequence("a1", 12))
	require.NoError(t, p.RecordSequence("a1", 5))
	assert.True(t, errors.Is(p.RecordSequence("ghost", 1), apperrors.ErrUnknownAgent))

	state, err := p.RequestCheckpoint(context.Background(), handle, "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), state.LastSequence)
	assert.Equal(t, []string{"d1"}, state.PendingDecisionIDs)
	assert.Equal(t, "lead", state.BriefSnapshot.Role)
	assert.Equal(t, plugin.SerializedByDecisionCheckpoint, state.SerializedBy)
	assert.Equal(t, handle.SessionID, state.SessionID)
	assert.Positive(t, state.EstimatedSizeBytes)
}
