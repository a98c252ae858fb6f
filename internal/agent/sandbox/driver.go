package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/agentplane/internal/agent/docker"
	"github.com/kandev/agentplane/internal/agent/plugin"
	"github.com/kandev/agentplane/internal/common/config"
	apperrors "github.com/kandev/agentplane/internal/common/errors"
	"github.com/kandev/agentplane/internal/common/logger"
	"github.com/kandev/agentplane/internal/common/tracing"
)

// Runtime is the container runtime API the driver needs. *docker.Client
// implements it.
type Runtime interface {
	Ping(ctx context.Context) error
	EnsureImage(ctx context.Context, image string) error
	CreateContainer(ctx context.Context, cfg docker.ContainerConfig) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	WaitContainer(ctx context.Context, containerID string) (int64, error)
	ListContainers(ctx context.Context, labels map[string]string, all bool) ([]docker.ContainerInfo, error)
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, error)
	EnsureVolume(ctx context.Context, name string, labels map[string]string) error
	ListVolumes(ctx context.Context, prefix string) ([]docker.VolumeInfo, error)
	RemoveVolume(ctx context.Context, name string) error
}

// Options configures a Driver.
type Options struct {
	Image           string
	HelperImage     string
	Network         string
	HostIP          string
	SandboxPort     int
	PortRangeStart  int
	PortRangeEnd    int
	VolumePrefix    string
	VolumeMountPath string
	StopTimeout     time.Duration
}

// OptionsFromConfig maps the docker config section onto driver options.
func OptionsFromConfig(cfg config.DockerConfig) Options {
	return Options{
		Image:           cfg.Image,
		HelperImage:     cfg.HelperImage,
		Network:         cfg.Network,
		HostIP:          "127.0.0.1",
		SandboxPort:     cfg.SandboxPort,
		PortRangeStart:  cfg.PortRangeStart,
		PortRangeEnd:    cfg.PortRangeEnd,
		VolumePrefix:    cfg.VolumePrefix,
		VolumeMountPath: cfg.VolumeMountPath,
		StopTimeout:     cfg.StopTimeout(),
	}
}

type sandboxRecord struct {
	containerID string
	port        int
	stopping    bool
	cancelWait  context.CancelFunc
}

// Driver manages the container behind each agent. One Driver owns one port
// range; all methods are safe for concurrent use.
type Driver struct {
	rt     Runtime
	opts   Options
	ports  *PortAllocator
	logger *logger.Logger

	mu        sync.Mutex
	sandboxes map[string]*sandboxRecord
	creating  map[string]struct{}
	listeners map[string][]ExitListener
}

// NewDriver creates a driver over rt.
func NewDriver(rt Runtime, opts Options, log *logger.Logger) *Driver {
	if opts.HostIP == "" {
		opts.HostIP = "127.0.0.1"
	}
	return &Driver{
		rt:        rt,
		opts:      opts,
		ports:     NewPortAllocator(opts.PortRangeStart, opts.PortRangeEnd),
		logger:    log.WithFields(zap.String("component", "sandbox-driver")),
		sandboxes: make(map[string]*sandboxRecord),
		creating:  make(map[string]struct{}),
		listeners: make(map[string][]ExitListener),
	}
}

// NewDriverFromConfig connects to the Docker daemon described by cfg and
// returns a driver for it. An unreachable daemon yields an error wrapping
// errors.ErrRuntimeUnavailable; whether that is fatal is the caller's call.
func NewDriverFromConfig(ctx context.Context, cfg config.DockerConfig, log *logger.Logger) (*Driver, error) {
	cli, err := docker.NewClient(cfg, log.WithFields(zap.String("runtime", "docker")))
	if err != nil {
		return nil, apperrors.RuntimeUnavailable("docker", err)
	}
	if err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, apperrors.RuntimeUnavailable("docker", err)
	}
	return NewDriver(cli, OptionsFromConfig(cfg), log), nil
}

// Close releases the runtime client if it holds resources.
func (d *Driver) Close() error {
	if closer, ok := d.rt.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// VolumeName returns the durable volume name for an agent.
func (d *Driver) VolumeName(agentID string) string {
	return d.opts.VolumePrefix + "-" + agentID
}

// AgentIDFromVolume derives the agent ID from a volume name, or reports
// false if the name does not follow the per-agent convention.
func (d *Driver) AgentIDFromVolume(name string) (string, bool) {
	prefix := d.opts.VolumePrefix + "-"
	if !strings.HasPrefix(name, prefix) || len(name) == len(prefix) {
		return "", false
	}
	return strings.TrimPrefix(name, prefix), true
}

// CreateSandbox allocates a port, starts the agent's container and returns
// the endpoints built from that port.
func (d *Driver) CreateSandbox(ctx context.Context, agentID string, opts CreateOptions) (result *CreateResult, err error) {
	ctx, span := tracing.TraceRuntimeCall(ctx, "create", agentID)
	defer func() { tracing.EndWithError(span, err) }()

	d.mu.Lock()
	_, exists := d.sandboxes[agentID]
	_, busy := d.creating[agentID]
	if exists || busy {
		d.mu.Unlock()
		return nil, apperrors.DuplicateAgent(agentID)
	}
	d.creating[agentID] = struct{}{}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.creating, agentID)
		d.mu.Unlock()
	}()

	port, err := d.ports.Allocate(agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate port for agent %s: %w", agentID, err)
	}

	volumeName := d.VolumeName(agentID)
	labels := map[string]string{
		LabelManaged: "true",
		LabelAgentID: agentID,
	}
	if err := d.rt.EnsureVolume(ctx, volumeName, labels); err != nil {
		d.ports.Release(port)
		return nil, err
	}

	env, err := d.buildEnv(agentID, opts)
	if err != nil {
		d.ports.Release(port)
		return nil, err
	}

	cfg := d.buildContainerConfig(agentID, port, volumeName, labels, env, opts)
	containerID, err := d.rt.CreateContainer(ctx, cfg)
	if err != nil {
		d.ports.Release(port)
		return nil, err
	}

	if err := d.rt.StartContainer(ctx, containerID); err != nil {
		_ = d.rt.RemoveContainer(context.WithoutCancel(ctx), containerID, true)
		d.ports.Release(port)
		return nil, err
	}

	waitCtx, cancel := context.WithCancel(context.Background())
	rec := &sandboxRecord{containerID: containerID, port: port, cancelWait: cancel}

	d.mu.Lock()
	d.sandboxes[agentID] = rec
	if opts.OnExit != nil {
		d.listeners[agentID] = append(d.listeners[agentID], opts.OnExit)
	}
	d.mu.Unlock()

	go d.watch(waitCtx, agentID, rec)

	base := fmt.Sprintf("%s:%d", d.opts.HostIP, port)
	result = &CreateResult{
		SandboxID:  containerID,
		Port:       port,
		VolumeName: volumeName,
		Transport: plugin.SandboxTransport{
			Type:                plugin.TransportContainer,
			SandboxID:           containerID,
			RPCEndpoint:         "http://" + base,
			EventStreamEndpoint: "ws://" + base + "/events",
			HealthEndpoint:      "http://" + base + "/health",
		},
	}

	d.logger.Info("sandbox created",
		zap.String("agent_id", agentID),
		zap.String("container_id", containerID),
		zap.Int("port", port))
	return result, nil
}

func (d *Driver) buildEnv(agentID string, opts CreateOptions) ([]string, error) {
	bootstrap, err := json.Marshal(opts.Bootstrap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bootstrap: %w", err)
	}

	env := []string{
		EnvBootstrap + "=" + string(bootstrap),
		EnvPort + "=" + strconv.Itoa(d.opts.SandboxPort),
		EnvAgentID + "=" + agentID,
	}

	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+opts.Env[k])
	}
	return env, nil
}

func (d *Driver) buildContainerConfig(agentID string, port int, volumeName string, labels map[string]string, env []string, opts CreateOptions) docker.ContainerConfig {
	image := d.opts.Image
	if opts.Image != "" {
		image = opts.Image
	}

	mounts := []docker.MountConfig{{
		Source: volumeName,
		Target: d.opts.VolumeMountPath,
		Volume: true,
	}}

	var memory, nanoCPUs int64
	if req := opts.WorkspaceRequirements; req != nil {
		if req.BaseImage != "" {
			image = req.BaseImage
		}
		for _, m := range req.Mounts {
			mounts = append(mounts, docker.MountConfig{
				Source:   m.HostPath,
				Target:   m.SandboxPath,
				ReadOnly: m.ReadOnly,
			})
		}
		if limits := req.ResourceLimits; limits != nil {
			memory = limits.MemoryMB * 1024 * 1024
			nanoCPUs = int64(limits.CPUCores * 1e9)
		}
	}

	return docker.ContainerConfig{
		Name:   fmt.Sprintf("agentplane-%s-%s", agentID, uuid.New().String()[:8]),
		Image:  image,
		Env:    env,
		Mounts: mounts,
		Ports: []docker.PortBinding{{
			ContainerPort: d.opts.SandboxPort,
			HostIP:        d.opts.HostIP,
			HostPort:      port,
		}},
		NetworkMode: d.opts.Network,
		Memory:      memory,
		NanoCPUs:    nanoCPUs,
		Labels:      labels,
	}
}

// watch waits for the container to stop and notifies exit listeners unless
// the stop was requested through Cleanup.
func (d *Driver) watch(ctx context.Context, agentID string, rec *sandboxRecord) {
	code, err := d.rt.WaitContainer(ctx, rec.containerID)

	d.mu.Lock()
	expected := rec.stopping
	listeners := append([]ExitListener(nil), d.listeners[agentID]...)
	d.mu.Unlock()

	if expected || ctx.Err() != nil {
		return
	}
	if err != nil {
		d.logger.Warn("lost track of sandbox container",
			zap.String("agent_id", agentID),
			zap.String("container_id", rec.containerID),
			zap.Error(err))
		return
	}

	d.logger.Warn("sandbox exited unexpectedly",
		zap.String("agent_id", agentID),
		zap.String("container_id", rec.containerID),
		zap.Int64("exit_code", code))
	for _, listener := range listeners {
		listener(agentID, code)
	}
}

// OnExit registers a listener for unexpected exits of the agent's sandbox.
// Listeners are dropped when the sandbox is cleaned up.
func (d *Driver) OnExit(agentID string, listener ExitListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners[agentID] = append(d.listeners[agentID], listener)
}

// Cleanup stops and removes the agent's container and releases port. It is
// safe to call when the container has already exited or was never
// recorded. The agent's volume is left in place.
func (d *Driver) Cleanup(ctx context.Context, agentID string, port int) (err error) {
	ctx, span := tracing.TraceRuntimeCall(ctx, "cleanup", agentID)
	defer func() { tracing.EndWithError(span, err) }()

	d.mu.Lock()
	rec := d.sandboxes[agentID]
	delete(d.sandboxes, agentID)
	delete(d.listeners, agentID)
	if rec != nil {
		rec.stopping = true
	}
	d.mu.Unlock()

	d.ports.Release(port)
	if rec == nil {
		d.logger.Debug("cleanup for unknown sandbox", zap.String("agent_id", agentID))
		return nil
	}
	if rec.port != port {
		d.ports.Release(rec.port)
	}
	rec.cancelWait()

	if err := d.rt.StopContainer(ctx, rec.containerID, d.opts.StopTimeout); err != nil {
		d.logger.Warn("failed to stop container gracefully, forcing removal",
			zap.String("agent_id", agentID),
			zap.String("container_id", rec.containerID),
			zap.Error(err))
	}
	if err := d.rt.RemoveContainer(ctx, rec.containerID, true); err != nil {
		return err
	}

	d.logger.Info("sandbox cleaned up",
		zap.String("agent_id", agentID),
		zap.String("container_id", rec.containerID))
	return nil
}

// Has reports whether the driver holds a container record for the agent.
func (d *Driver) Has(agentID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.sandboxes[agentID]
	return ok
}

// ListLiveAgentIDs returns the agent IDs of running managed containers.
func (d *Driver) ListLiveAgentIDs(ctx context.Context) (map[string]bool, error) {
	containers, err := d.rt.ListContainers(ctx, map[string]string{LabelManaged: "true"}, false)
	if err != nil {
		return nil, err
	}
	live := make(map[string]bool, len(containers))
	for _, ctr := range containers {
		if id := ctr.Labels[LabelAgentID]; id != "" {
			live[id] = true
		}
	}
	return live, nil
}

// ListAgentVolumes returns the names of volumes following the per-agent
// naming convention.
func (d *Driver) ListAgentVolumes(ctx context.Context) ([]string, error) {
	volumes, err := d.rt.ListVolumes(ctx, d.opts.VolumePrefix+"-")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(volumes))
	for _, v := range volumes {
		if _, ok := d.AgentIDFromVolume(v.Name); ok {
			names = append(names, v.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// RemoveVolume deletes a volume.
func (d *Driver) RemoveVolume(ctx context.Context, name string) error {
	return d.rt.RemoveVolume(ctx, name)
}
