package mcpconfig

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kandev/agentplane/internal/agent/plugin"
	"github.com/kandev/agentplane/internal/common/logger"
)

var fileEditTools = map[string]bool{
	"read":         true,
	"write":        true,
	"edit":         true,
	"multiedit":    true,
	"glob":         true,
	"grep":         true,
	"ls":           true,
	"notebookedit": true,
	"read_file":    true,
	"write_file":   true,
	"edit_file":    true,
	"apply_patch":  true,
}

var shellTools = map[string]bool{
	"bash":         true,
	"shell":        true,
	"terminal":     true,
	"run_command":  true,
	"exec_command": true,
	"local_shell":  true,
}

// IsFileEditTool reports whether the tool name maps to a filesystem server.
func IsFileEditTool(name string) bool {
	return fileEditTools[strings.ToLower(strings.TrimSpace(name))]
}

// IsShellTool reports whether the tool name maps to a terminal server.
func IsShellTool(name string) bool {
	return shellTools[strings.ToLower(strings.TrimSpace(name))]
}

// Provisioner maps an agent's allowed tools to tool-server definitions.
type Provisioner struct {
	opts   Options
	logger *logger.Logger
}

// NewProvisioner creates a Provisioner.
func NewProvisioner(opts Options, log *logger.Logger) *Provisioner {
	return &Provisioner{
		opts:   opts,
		logger: log.WithFields(zap.String("component", "mcp-provisioner")),
	}
}

// Servers computes the server list for a brief. Servers declared on the
// brief are kept verbatim and replace a default server of the same name.
// Backend servers that require auth get a bearer header built from token.
func (p *Provisioner) Servers(brief *plugin.AgentBrief, token string) []ServerDef {
	if brief == nil {
		return nil
	}

	var servers []ServerDef
	seen := make(map[string]bool)
	add := func(def ServerDef) {
		if seen[def.Name] {
			return
		}
		seen[def.Name] = true
		servers = append(servers, def)
	}

	for _, custom := range brief.MCPServers {
		add(customServer(custom))
	}

	wantFS, wantTerminal := false, false
	for _, tool := range brief.AllowedTools {
		switch {
		case IsFileEditTool(tool):
			wantFS = true
		case IsShellTool(tool):
			wantTerminal = true
		}
	}

	if wantFS && len(p.opts.FilesystemCommand) > 0 {
		add(p.filesystemServer(brief.Mounts()))
	}
	if wantTerminal && len(p.opts.TerminalCommand) > 0 {
		add(ServerDef{
			Name:      string(ServerKindTerminal),
			Kind:      ServerKindTerminal,
			Transport: ServerTypeStdio,
			Command:   p.opts.TerminalCommand[0],
			Args:      append([]string{}, p.opts.TerminalCommand[1:]...),
		})
	}

	for _, backend := range p.opts.BackendServers {
		add(backendServer(backend, token))
	}

	return servers
}

// Provision computes the server list and returns it as a single sandbox
// environment entry. ok is false when there is nothing to provision.
func (p *Provisioner) Provision(brief *plugin.AgentBrief, token string) (key, value string, ok bool, err error) {
	servers := p.Servers(brief, token)
	if len(servers) == 0 {
		return "", "", false, nil
	}

	data, err := json.Marshal(servers)
	if err != nil {
		return "", "", false, fmt.Errorf("failed to serialize mcp servers: %w", err)
	}

	names := make([]string, 0, len(servers))
	for _, s := range servers {
		names = append(names, s.Name)
	}
	p.logger.Debug("provisioned mcp servers",
		zap.String("agent_id", brief.AgentID),
		zap.Strings("servers", names))

	return EnvKey, string(data), true, nil
}

func (p *Provisioner) filesystemServer(mounts []plugin.WorkspaceMount) ServerDef {
	paths := scopedPaths(mounts)
	args := append([]string{}, p.opts.FilesystemCommand[1:]...)
	args = append(args, paths...)
	return ServerDef{
		Name:      string(ServerKindFilesystem),
		Kind:      ServerKindFilesystem,
		Transport: ServerTypeStdio,
		Command:   p.opts.FilesystemCommand[0],
		Args:      args,
		Env:       map[string]string{AllowedPathsEnv: strings.Join(paths, ":")},
	}
}

// scopedPaths returns the distinct sandbox-side mount paths in mount order,
// or the default workspace path when there are none.
func scopedPaths(mounts []plugin.WorkspaceMount) []string {
	var paths []string
	seen := make(map[string]bool)
	for _, m := range mounts {
		path := strings.TrimSpace(m.SandboxPath)
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		paths = append(paths, path)
	}
	if len(paths) == 0 {
		return []string{DefaultWorkspacePath}
	}
	return paths
}

func customServer(cfg plugin.MCPServerConfig) ServerDef {
	def := ServerDef{
		Name:      cfg.Name,
		Kind:      ServerKindCustom,
		Transport: normalizeTransport(cfg.Transport, cfg.Command, cfg.URL),
		Command:   cfg.Command,
		Args:      append([]string(nil), cfg.Args...),
		Env:       cloneStringMap(cfg.Env),
		URL:       cfg.URL,
		Headers:   cloneStringMap(cfg.Headers),
	}
	if len(cfg.Config) > 0 {
		var extra map[string]any
		if err := json.Unmarshal(cfg.Config, &extra); err == nil {
			def.Config = extra
		}
	}
	return def
}

func backendServer(b BackendServer, token string) ServerDef {
	transport := b.Transport
	if transport == "" {
		transport = ServerTypeHTTP
	}
	def := ServerDef{
		Name:      b.Name,
		Kind:      ServerKindBackend,
		Transport: transport,
		URL:       b.URL,
	}
	if b.RequiresAuth && token != "" {
		def.Headers = map[string]string{"Authorization": "Bearer " + token}
	}
	return def
}

func normalizeTransport(transport, command, url string) ServerType {
	if transport != "" {
		return ServerType(transport)
	}
	if strings.TrimSpace(command) != "" {
		return ServerTypeStdio
	}
	if strings.TrimSpace(url) != "" {
		return ServerTypeHTTP
	}
	return ""
}

func cloneStringMap(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
