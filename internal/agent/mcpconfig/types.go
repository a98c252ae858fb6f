// Package mcpconfig computes the tool servers (MCP servers) a sandbox should
// start for an agent and serializes them into the sandbox environment.
package mcpconfig

// EnvKey is the sandbox environment variable carrying the server list.
const EnvKey = "MCP_SERVERS"

// AllowedPathsEnv scopes a filesystem server to the listed paths.
const AllowedPathsEnv = "MCP_ALLOWED_PATHS"

// DefaultWorkspacePath is the filesystem scope used when a brief has no mounts.
const DefaultWorkspacePath = "/workspace"

type ServerKind string

type ServerType string

const (
	ServerKindFilesystem ServerKind = "filesystem"
	ServerKindTerminal   ServerKind = "terminal"
	ServerKindCustom     ServerKind = "custom"
	ServerKindBackend    ServerKind = "backend"
)

const (
	ServerTypeStdio          ServerType = "stdio"
	ServerTypeHTTP           ServerType = "http"
	ServerTypeSSE            ServerType = "sse"
	ServerTypeStreamableHTTP ServerType = "streamable_http"
)

// ServerDef is one tool server as the sandbox sees it.
type ServerDef struct {
	Name      string            `json:"name"`
	Kind      ServerKind        `json:"kind"`
	Transport ServerType        `json:"transport"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Config    map[string]any    `json:"config,omitempty"`
}

// BackendServer is a tool server hosted by the backend and offered to
// every sandbox.
type BackendServer struct {
	Name         string
	URL          string
	Transport    ServerType
	RequiresAuth bool
}

// Options configures a Provisioner.
type Options struct {
	// FilesystemCommand is the command (and leading args) that starts a
	// filesystem server. Scoped paths are appended as further args.
	FilesystemCommand []string
	// TerminalCommand is the command (and args) that starts a terminal server.
	TerminalCommand []string
	BackendServers  []BackendServer
}
