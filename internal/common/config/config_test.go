package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithPath_Defaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 3001, cfg.Server.Port)
	assert.Equal(t, "agentplane-workspace", cfg.Docker.VolumePrefix)
	assert.Equal(t, 9100, cfg.Docker.SandboxPort)
	assert.Equal(t, "/agent-data", cfg.Docker.VolumeMountPath)
	assert.NotEmpty(t, cfg.Auth.JWTSecret, "dev secret should be generated")
	assert.Equal(t, []string{"npx", "-y", "@modelcontextprotocol/server-filesystem"}, cfg.MCP.FilesystemCommand)
}

func TestLoadWithPath_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`
server:
  port: 4000
  publicUrl: http://backend.local:4000/
docker:
  volumePrefix: pt-vol
  required: true
auth:
  jwtSecret: s3cret
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, "http://backend.local:4000", cfg.Server.BackendURL())
	assert.Equal(t, "pt-vol", cfg.Docker.VolumePrefix)
	assert.True(t, cfg.Docker.Required)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
}

func TestValidate_RejectsBadPortRange(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{Port: 3001},
		Docker: DockerConfig{
			Enabled:        true,
			SandboxPort:    9100,
			PortRangeStart: 9300,
			PortRangeEnd:   9200,
			VolumePrefix:   "v",
			Image:          "img",
		},
		Auth:    AuthConfig{JWTSecret: "x", TokenDuration: 60},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port range")
}

func TestServerConfig_BackendURLDefault(t *testing.T) {
	s := ServerConfig{Port: 3001}
	assert.Equal(t, "http://host.docker.internal:3001", s.BackendURL())
}
