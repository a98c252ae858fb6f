// Package config provides configuration management for the agent plane.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Docker     DockerConfig     `mapstructure:"docker"`
	Auth       AuthConfig       `mapstructure:"auth"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Database   DatabaseConfig   `mapstructure:"database"`
	FileSignal FileSignalConfig `mapstructure:"fileSignal"`
	MCP        MCPConfig        `mapstructure:"mcp"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// PublicURL is the backend URL handed to sandboxes in their bootstrap.
	// Empty means http://host.docker.internal:{port}.
	PublicURL string `mapstructure:"publicUrl"`
}

// DockerConfig holds container runtime configuration.
type DockerConfig struct {
	// Enabled controls whether the container-backed plugin is offered at all.
	Enabled bool `mapstructure:"enabled"`
	// Required makes an unreachable daemon a startup error instead of
	// silently disabling the container-backed plugin.
	Required           bool   `mapstructure:"required"`
	Host               string `mapstructure:"host"`
	APIVersion         string `mapstructure:"apiVersion"`
	Network            string `mapstructure:"network"`
	Image              string `mapstructure:"image"`
	HelperImage        string `mapstructure:"helperImage"`
	SandboxPort        int    `mapstructure:"sandboxPort"`
	PortRangeStart     int    `mapstructure:"portRangeStart"`
	PortRangeEnd       int    `mapstructure:"portRangeEnd"`
	VolumePrefix       string `mapstructure:"volumePrefix"`
	VolumeMountPath    string `mapstructure:"volumeMountPath"`
	StopTimeoutSeconds int    `mapstructure:"stopTimeoutSeconds"`
}

// AuthConfig holds sandbox token configuration.
type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwtSecret"`
	TokenDuration int    `mapstructure:"tokenDuration"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DatabaseConfig holds the artifact store location.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// FileSignalConfig holds the drop-file directory for self-registering agents.
type FileSignalConfig struct {
	BaseDir string `mapstructure:"baseDir"`
}

// MCPConfig holds the commands used for the default in-sandbox tool servers
// and any backend-hosted servers offered to every agent.
type MCPConfig struct {
	FilesystemCommand []string           `mapstructure:"filesystemCommand"`
	TerminalCommand   []string           `mapstructure:"terminalCommand"`
	BackendServers    []BackendMCPServer `mapstructure:"backendServers"`
}

// BackendMCPServer is a tool server hosted by the backend itself.
type BackendMCPServer struct {
	Name         string `mapstructure:"name"`
	URL          string `mapstructure:"url"`
	Transport    string `mapstructure:"transport"`
	RequiresAuth bool   `mapstructure:"requiresAuth"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TokenDurationTime returns the token duration as a time.Duration.
func (a *AuthConfig) TokenDurationTime() time.Duration {
	return time.Duration(a.TokenDuration) * time.Second
}

// StopTimeout returns the container stop timeout as a time.Duration.
func (d *DockerConfig) StopTimeout() time.Duration {
	return time.Duration(d.StopTimeoutSeconds) * time.Second
}

// BackendURL returns the URL sandboxes use to reach this process.
func (s *ServerConfig) BackendURL() string {
	if s.PublicURL != "" {
		return strings.TrimRight(s.PublicURL, "/")
	}
	return fmt.Sprintf("http://host.docker.internal:%d", s.Port)
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTPLANE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.publicUrl", "")

	v.SetDefault("docker.enabled", true)
	v.SetDefault("docker.required", false)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "")
	v.SetDefault("docker.network", "")
	v.SetDefault("docker.image", "agentplane/adapter-shim:latest")
	v.SetDefault("docker.helperImage", "busybox:latest")
	v.SetDefault("docker.sandboxPort", 9100)
	v.SetDefault("docker.portRangeStart", 9200)
	v.SetDefault("docker.portRangeEnd", 9299)
	v.SetDefault("docker.volumePrefix", "agentplane-workspace")
	v.SetDefault("docker.volumeMountPath", "/agent-data")
	v.SetDefault("docker.stopTimeoutSeconds", 10)

	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenDuration", 3600)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentplane")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("database.path", "./agentplane.db")

	v.SetDefault("fileSignal.baseDir", "./.agentplane/signals")

	v.SetDefault("mcp.filesystemCommand", []string{"npx", "-y", "@modelcontextprotocol/server-filesystem"})
	v.SetDefault("mcp.terminalCommand", []string{"npx", "-y", "mcp-server-commands"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTPLANE_.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AGENTPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// camelCase keys do not map to SNAKE_CASE env vars on their own.
	_ = v.BindEnv("server.publicUrl", "AGENTPLANE_SERVER_PUBLIC_URL")
	_ = v.BindEnv("docker.required", "AGENTPLANE_DOCKER_REQUIRED")
	_ = v.BindEnv("docker.volumePrefix", "AGENTPLANE_DOCKER_VOLUME_PREFIX")
	_ = v.BindEnv("auth.jwtSecret", "AGENTPLANE_AUTH_JWT_SECRET")
	_ = v.BindEnv("database.path", "AGENTPLANE_DB_PATH")
	_ = v.BindEnv("fileSignal.baseDir", "AGENTPLANE_SIGNAL_DIR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentplane/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Docker.Enabled {
		if cfg.Docker.PortRangeStart <= 0 || cfg.Docker.PortRangeEnd > 65535 || cfg.Docker.PortRangeStart > cfg.Docker.PortRangeEnd {
			errs = append(errs, "docker.portRangeStart/portRangeEnd must describe a valid port range")
		}
		if cfg.Docker.SandboxPort <= 0 || cfg.Docker.SandboxPort > 65535 {
			errs = append(errs, "docker.sandboxPort must be between 1 and 65535")
		}
		if strings.TrimSpace(cfg.Docker.VolumePrefix) == "" {
			errs = append(errs, "docker.volumePrefix is required")
		}
		if cfg.Docker.Image == "" {
			errs = append(errs, "docker.image is required")
		}
	}

	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = generateDevSecret()
	}
	if cfg.Auth.TokenDuration <= 0 {
		errs = append(errs, "auth.tokenDuration must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// generateDevSecret generates a throwaway signing secret for development mode.
// In production, set AGENTPLANE_AUTH_JWT_SECRET.
func generateDevSecret() string {
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
