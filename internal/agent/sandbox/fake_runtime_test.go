package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/kandev/agentplane/internal/agent/docker"
)

type fakeContainer struct {
	cfg     docker.ContainerConfig
	running bool
	exit    chan int64
}

// fakeRuntime is an in-memory Runtime. Containers "run" until Stop or
// crash is called.
type fakeRuntime struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*fakeContainer
	volumes    map[string]map[string]string
	archives   map[string][]byte // volume name -> tar stream
	removed    []string
	stopped    []string

	createErr error
	startErr  error
	listErr   error

	// When createHold is set, CreateContainer signals createEntered and
	// then blocks until createHold is closed.
	createHold    chan struct{}
	createEntered chan struct{}
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		containers: make(map[string]*fakeContainer),
		volumes:    make(map[string]map[string]string),
		archives:   make(map[string][]byte),
	}
}

func (f *fakeRuntime) Ping(context.Context) error { return nil }

func (f *fakeRuntime) EnsureImage(context.Context, string) error { return nil }

func (f *fakeRuntime) CreateContainer(_ context.Context, cfg docker.ContainerConfig) (string, error) {
	if f.createHold != nil {
		f.createEntered <- struct{}{}
		<-f.createHold
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.seq++
	id := fmt.Sprintf("ctr-%d", f.seq)
	f.containers[id] = &fakeContainer{cfg: cfg, exit: make(chan int64, 1)}
	return id, nil
}

func (f *fakeRuntime) StartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("no such container %s", id)
	}
	c.running = true
	return nil
}

func (f *fakeRuntime) StopContainer(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	if c, ok := f.containers[id]; ok && c.running {
		c.running = false
		c.exit <- 0
	}
	return nil
}

func (f *fakeRuntime) RemoveContainer(_ context.Context, id string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	delete(f.containers, id)
	return nil
}

func (f *fakeRuntime) WaitContainer(ctx context.Context, id string) (int64, error) {
	f.mu.Lock()
	c, ok := f.containers[id]
	f.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("no such container %s", id)
	}
	select {
	case code := <-c.exit:
		return code, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// crash makes the container exit on its own with code.
func (f *fakeRuntime) crash(id string, code int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok && c.running {
		c.running = false
		c.exit <- code
	}
}

func (f *fakeRuntime) ListContainers(_ context.Context, labels map[string]string, all bool) ([]docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []docker.ContainerInfo
	for id, c := range f.containers {
		if !all && !c.running {
			continue
		}
		match := true
		for k, v := range labels {
			if c.cfg.Labels[k] != v {
				match = false
			}
		}
		if match {
			out = append(out, docker.ContainerInfo{ID: id, Name: c.cfg.Name, Labels: c.cfg.Labels})
		}
	}
	return out, nil
}

func (f *fakeRuntime) CopyFromContainer(_ context.Context, id, srcPath string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return nil, fmt.Errorf("no such container %s", id)
	}
	for _, m := range c.cfg.Mounts {
		if m.Target == srcPath {
			return io.NopCloser(bytes.NewReader(f.archives[m.Source])), nil
		}
	}
	return nil, fmt.Errorf("path %s not mounted", srcPath)
}

func (f *fakeRuntime) EnsureVolume(_ context.Context, name string, labels map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.volumes[name]; !ok {
		f.volumes[name] = labels
	}
	return nil
}

func (f *fakeRuntime) ListVolumes(_ context.Context, prefix string) ([]docker.VolumeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []docker.VolumeInfo
	for name, labels := range f.volumes {
		if strings.HasPrefix(name, prefix) {
			out = append(out, docker.VolumeInfo{Name: name, Labels: labels})
		}
	}
	return out, nil
}

func (f *fakeRuntime) RemoveVolume(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.volumes, name)
	return nil
}

func (f *fakeRuntime) containerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

func (f *fakeRuntime) config(id string) docker.ContainerConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[id].cfg
}

// buildTar returns a tar stream rooted at root containing files.
func buildTar(root string, files map[string]string) []byte {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	_ = tw.WriteHeader(&tar.Header{Name: root + "/", Typeflag: tar.TypeDir, Mode: 0o755})
	for name, content := range files {
		_ = tw.WriteHeader(&tar.Header{
			Name:     root + "/" + name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(content)),
		})
		_, _ = tw.Write([]byte(content))
	}
	_ = tw.Close()
	return buf.Bytes()
}
