package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentplane/internal/agent/plugin"
	apperrors "github.com/kandev/agentplane/internal/common/errors"
	"github.com/kandev/agentplane/internal/common/logger"
)

func testOptions() Options {
	return Options{
		Image:           "agentplane/sandbox:latest",
		HelperImage:     "busybox:latest",
		SandboxPort:     9100,
		PortRangeStart:  9200,
		PortRangeEnd:    9210,
		VolumePrefix:    "agentplane-workspace",
		VolumeMountPath: "/agent-data",
		StopTimeout:     time.Second,
	}
}

func newTestDriver(t *testing.T) (*Driver, *fakeRuntime) {
	t.Helper()
	rt := newFakeRuntime()
	d := NewDriver(rt, testOptions(), logger.NewNop())
	d.ports.probe = func(int) bool { return true }
	return d, rt
}

func envMap(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		out[k] = v
	}
	return out
}

func TestCreateSandbox_BuildsEndpointsAndEnvironment(t *testing.T) {
	d, rt := newTestDriver(t)
	expires := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	res, err := d.CreateSandbox(context.Background(), "a1", CreateOptions{
		Bootstrap: NewBootstrap("http://localhost:8080/", "a1", "tok", expires),
		Env:       map[string]string{"MCP_SERVERS": "[]"},
		WorkspaceRequirements: &plugin.WorkspaceRequirements{
			Mounts: []plugin.WorkspaceMount{{HostPath: "/src", SandboxPath: "/workspace", ReadOnly: true}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 9200, res.Port)
	assert.Equal(t, "agentplane-workspace-a1", res.VolumeName)
	assert.Equal(t, plugin.TransportContainer, res.Transport.Type)
	assert.Equal(t, "http://127.0.0.1:9200", res.Transport.RPCEndpoint)
	assert.Equal(t, "ws://127.0.0.1:9200/events", res.Transport.EventStreamEndpoint)
	assert.Equal(t, "http://127.0.0.1:9200/health", res.Transport.HealthEndpoint)

	cfg := rt.config(res.SandboxID)
	assert.Equal(t, "true", cfg.Labels[LabelManaged])
	assert.Equal(t, "a1", cfg.Labels[LabelAgentID])
	require.Len(t, cfg.Ports, 1)
	assert.Equal(t, "127.0.0.1", cfg.Ports[0].HostIP)
	assert.Equal(t, 9200, cfg.Ports[0].HostPort)
	assert.Equal(t, 9100, cfg.Ports[0].ContainerPort)
	require.Len(t, cfg.Mounts, 2)
	assert.True(t, cfg.Mounts[0].Volume)
	assert.Equal(t, "/agent-data", cfg.Mounts[0].Target)
	assert.True(t, cfg.Mounts[1].ReadOnly)

	env := envMap(cfg.Env)
	assert.Equal(t, "9100", env[EnvPort])
	assert.Equal(t, "a1", env[EnvAgentID])
	assert.Equal(t, "[]", env["MCP_SERVERS"])

	var boot Bootstrap
	require.NoError(t, json.Unmarshal([]byte(env[EnvBootstrap]), &boot))
	assert.Equal(t, "tok", boot.BackendToken)
	assert.Equal(t, "http://localhost:8080", boot.BackendURL)
	assert.Equal(t, "http://localhost:8080/api/artifacts", boot.ArtifactUploadEndpoint)
	assert.True(t, boot.TokenExpiresAt.Equal(expires))
}

func TestCreateSandbox_DuplicateAgent(t *testing.T) {
	d, _ := newTestDriver(t)
	_, err := d.CreateSandbox(context.Background(), "a1", CreateOptions{})
	require.NoError(t, err)

	_, err = d.CreateSandbox(context.Background(), "a1", CreateOptions{})
	assert.True(t, errors.Is(err, apperrors.ErrDuplicateAgent))
}

func TestCreateSandbox_RejectsConcurrentCreateForSameAgent(t *testing.T) {
	d, rt := newTestDriver(t)
	rt.createHold = make(chan struct{})
	rt.createEntered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		_, err := d.CreateSandbox(context.Background(), "a1", CreateOptions{})
		done <- err
	}()
	<-rt.createEntered

	_, err := d.CreateSandbox(context.Background(), "a1", CreateOptions{})
	assert.True(t, errors.Is(err, apperrors.ErrDuplicateAgent))

	close(rt.createHold)
	require.NoError(t, <-done)
	assert.Equal(t, 1, rt.containerCount())
	assert.True(t, d.Has("a1"))
}

func TestCreateSandbox_FailureFreesAgentID(t *testing.T) {
	d, rt := newTestDriver(t)
	rt.createErr = errors.New("boom")
	_, err := d.CreateSandbox(context.Background(), "a1", CreateOptions{})
	require.Error(t, err)

	rt.createErr = nil
	_, err = d.CreateSandbox(context.Background(), "a1", CreateOptions{})
	require.NoError(t, err)
}

func TestCreateSandbox_StartFailureReleasesPort(t *testing.T) {
	d, rt := newTestDriver(t)
	rt.startErr = errors.New("boom")

	_, err := d.CreateSandbox(context.Background(), "a1", CreateOptions{})
	require.Error(t, err)
	assert.False(t, d.ports.IsAllocated(9200))
	assert.Equal(t, 0, rt.containerCount())
	assert.False(t, d.Has("a1"))
}

func TestCreateSandbox_BaseImageOverride(t *testing.T) {
	d, rt := newTestDriver(t)
	res, err := d.CreateSandbox(context.Background(), "a1", CreateOptions{
		Image:                 "custom:1",
		WorkspaceRequirements: &plugin.WorkspaceRequirements{BaseImage: "base:2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "base:2", rt.config(res.SandboxID).Image)
}

func TestCleanup_IsIdempotentAndReleasesPort(t *testing.T) {
	d, rt := newTestDriver(t)
	res, err := d.CreateSandbox(context.Background(), "a1", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, d.Cleanup(context.Background(), "a1", res.Port))
	require.NoError(t, d.Cleanup(context.Background(), "a1", res.Port))

	assert.False(t, d.ports.IsAllocated(res.Port))
	assert.Equal(t, 0, rt.containerCount())
	assert.False(t, d.Has("a1"))

	_, volumeKept := rt.volumes["agentplane-workspace-a1"]
	assert.True(t, volumeKept)
}

func TestOnExit_FiresOnlyForUnexpectedExit(t *testing.T) {
	d, rt := newTestDriver(t)

	crashed, err := d.CreateSandbox(context.Background(), "a1", CreateOptions{})
	require.NoError(t, err)
	stopped, err := d.CreateSandbox(context.Background(), "a2", CreateOptions{})
	require.NoError(t, err)

	exits := make(chan string, 4)
	d.OnExit("a1", func(agentID string, code int64) {
		assert.Equal(t, int64(137), code)
		exits <- agentID
	})
	d.OnExit("a2", func(agentID string, _ int64) { exits <- agentID })

	require.NoError(t, d.Cleanup(context.Background(), "a2", stopped.Port))
	rt.crash(crashed.SandboxID, 137)

	select {
	case id := <-exits:
		assert.Equal(t, "a1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("exit listener was not called")
	}

	select {
	case id := <-exits:
		t.Fatalf("unexpected exit notification for %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCreateSandbox_OnExitListenerCoversImmediateCrash(t *testing.T) {
	d, rt := newTestDriver(t)
	exits := make(chan int64, 1)

	res, err := d.CreateSandbox(context.Background(), "a1", CreateOptions{
		OnExit: func(_ string, code int64) { exits <- code },
	})
	require.NoError(t, err)
	rt.crash(res.SandboxID, 1)

	select {
	case code := <-exits:
		assert.Equal(t, int64(1), code)
	case <-time.After(2 * time.Second):
		t.Fatal("exit listener was not called")
	}
}

func TestListLiveAgentIDs(t *testing.T) {
	d, _ := newTestDriver(t)
	_, err := d.CreateSandbox(context.Background(), "a1", CreateOptions{})
	require.NoError(t, err)

	live, err := d.ListLiveAgentIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"a1": true}, live)
}

func TestListAgentVolumes_FiltersByConvention(t *testing.T) {
	d, rt := newTestDriver(t)
	rt.volumes["agentplane-workspace-b"] = nil
	rt.volumes["agentplane-workspace-a"] = nil
	rt.volumes["agentplane-workspace-"] = nil
	rt.volumes["unrelated"] = nil

	names, err := d.ListAgentVolumes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"agentplane-workspace-a", "agentplane-workspace-b"}, names)

	id, ok := d.AgentIDFromVolume("agentplane-workspace-a")
	assert.True(t, ok)
	assert.Equal(t, "a", id)
}

func TestReadVolume_ReturnsFilesAndRemovesHelper(t *testing.T) {
	d, rt := newTestDriver(t)
	rt.volumes["agentplane-workspace-a1"] = nil
	rt.archives["agentplane-workspace-a1"] = buildTar("volume", map[string]string{
		"notes.md":               "hello",
		"artifacts/art-1/out.py": "print(1)",
	})

	files, err := d.ReadVolume(context.Background(), "agentplane-workspace-a1")
	require.NoError(t, err)

	got := make(map[string]string, len(files))
	for _, f := range files {
		got[f.Path] = string(f.Content)
	}
	assert.Equal(t, map[string]string{
		"notes.md":               "hello",
		"artifacts/art-1/out.py": "print(1)",
	}, got)
	assert.Equal(t, 0, rt.containerCount())
}

func TestReadTarFiles_DropsOversizeContent(t *testing.T) {
	archive := buildTar("volume", map[string]string{"big.bin": "0123456789"})

	files, err := readTarFiles(strings.NewReader(string(archive)), "volume", 4)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.True(t, files[0].Oversize())
	assert.Equal(t, int64(10), files[0].Size)
}
