package docker

import (
	"context"
	"fmt"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/volume"
	"go.uber.org/zap"
)

// VolumeInfo describes a Docker volume.
type VolumeInfo struct {
	Name   string
	Labels map[string]string
}

// EnsureVolume creates the named volume if it does not exist yet.
// Creating a volume that already exists is a no-op in Docker.
func (c *Client) EnsureVolume(ctx context.Context, name string, labels map[string]string) error {
	_, err := c.cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Labels: labels,
	})
	if err != nil {
		return fmt.Errorf("failed to create volume %s: %w", name, err)
	}
	return nil
}

// ListVolumes returns the volumes whose name starts with prefix.
func (c *Client) ListVolumes(ctx context.Context, prefix string) ([]VolumeInfo, error) {
	resp, err := c.cli.VolumeList(ctx, volume.ListOptions{
		// The name filter is a substring match; the prefix check below is exact.
		Filters: filters.NewArgs(filters.Arg("name", prefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes: %w", err)
	}

	infos := make([]VolumeInfo, 0, len(resp.Volumes))
	for _, v := range resp.Volumes {
		if v == nil || !strings.HasPrefix(v.Name, prefix) {
			continue
		}
		infos = append(infos, VolumeInfo{Name: v.Name, Labels: v.Labels})
	}
	return infos, nil
}

// RemoveVolume deletes a volume. Removing a volume that is already gone is
// not an error.
func (c *Client) RemoveVolume(ctx context.Context, name string) error {
	if err := c.cli.VolumeRemove(ctx, name, false); err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove volume %s: %w", name, err)
	}
	c.logger.Info("Volume removed", zap.String("volume", name))
	return nil
}
