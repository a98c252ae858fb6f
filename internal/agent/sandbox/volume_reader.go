package sandbox

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/kandev/agentplane/internal/agent/docker"
	"github.com/kandev/agentplane/internal/common/tracing"
)

// MaxVolumeFileSize is the largest file ReadVolume returns content for.
const MaxVolumeFileSize = 10 * 1024 * 1024

const helperMountPath = "/volume"

// ReadVolume returns every regular file stored in the named volume. The
// volume is mounted read-only into a short-lived helper container and its
// contents are streamed out as a tar archive.
func (d *Driver) ReadVolume(ctx context.Context, volumeName string) (files []VolumeFile, err error) {
	agentID, _ := d.AgentIDFromVolume(volumeName)
	ctx, span := tracing.TraceRuntimeCall(ctx, "read-volume", agentID)
	defer func() { tracing.EndWithError(span, err) }()

	if err := d.rt.EnsureImage(ctx, d.opts.HelperImage); err != nil {
		return nil, err
	}

	helperID, err := d.rt.CreateContainer(ctx, docker.ContainerConfig{
		Name:  "agentplane-recover-" + volumeName,
		Image: d.opts.HelperImage,
		Cmd:   []string{"true"},
		Mounts: []docker.MountConfig{{
			Source:   volumeName,
			Target:   helperMountPath,
			ReadOnly: true,
			Volume:   true,
		}},
		Labels: map[string]string{LabelHelper: "true"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create helper container: %w", err)
	}
	defer func() {
		if rmErr := d.rt.RemoveContainer(context.WithoutCancel(ctx), helperID, true); rmErr != nil {
			d.logger.Warn("failed to remove helper container",
				zap.String("container_id", helperID),
				zap.Error(rmErr))
		}
	}()

	rc, err := d.rt.CopyFromContainer(ctx, helperID, helperMountPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	return readTarFiles(rc, path.Base(helperMountPath), MaxVolumeFileSize)
}

// readTarFiles extracts regular files from a tar stream. Entry names are
// made relative to root; content is dropped for files larger than limit.
func readTarFiles(r io.Reader, root string, limit int64) ([]VolumeFile, error) {
	tr := tar.NewReader(r)
	var files []VolumeFile
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read volume archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		rel := relativeEntryName(hdr.Name, root)
		if rel == "" {
			continue
		}

		file := VolumeFile{Path: rel, Size: hdr.Size}
		if hdr.Size <= limit {
			content, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s from volume archive: %w", rel, err)
			}
			file.Content = content
		}
		files = append(files, file)
	}
}

func relativeEntryName(name, root string) string {
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	if name == root {
		return ""
	}
	return strings.TrimPrefix(name, root+"/")
}
