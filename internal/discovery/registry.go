// Package discovery maintains the imported-server registry: MCP server
// entries harvested from third-party client configuration files (Claude,
// Cursor, VS Code) and persisted for connect-by-name.
package discovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mcpway/mcpway/internal/atomicfile"
)

// Transport labels a registry entry's wire protocol.
type Transport string

const (
	TransportStdio          Transport = "stdio"
	TransportSSE            Transport = "sse"
	TransportWS             Transport = "ws"
	TransportStreamableHTTP Transport = "streamable-http"
)

// Server is one discovered MCP server entry. Secret-bearing values are kept
// as the literal placeholders found in the source config (e.g.
// "Bearer ${TOKEN}"); the registry never expands them.
type Server struct {
	Name       string            `json:"name"`
	Source     string            `json:"source"`
	Scope      string            `json:"scope"`
	OriginPath string            `json:"origin_path"`
	Transport  Transport         `json:"transport"`
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Enabled    bool              `json:"enabled"`
}

// Registry is the persisted registry document.
type Registry struct {
	SchemaVersion  string   `json:"schema_version"`
	GeneratedAtUTC string   `json:"generated_at_utc"`
	Servers        []Server `json:"servers"`
}

// DefaultRegistryPath resolves the registry file location.
func DefaultRegistryPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".mcpway", "imported-mcp-registry.json")
	}
	return filepath.Join(".mcpway", "imported-mcp-registry.json")
}

// WriteRegistry persists the servers atomically under the cross-process
// registry lock.
func WriteRegistry(path string, servers []Server) (*Registry, error) {
	registry := &Registry{
		SchemaVersion:  "1",
		GeneratedAtUTC: strconv.FormatInt(time.Now().UTC().Unix(), 10),
		Servers:        servers,
	}
	data, err := json.MarshalIndent(registry, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("serialize registry: %w", err)
	}
	data = append(data, '\n')

	if err := atomicfile.Write(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("write registry: %w", err)
	}
	return registry, nil
}

// ReadRegistry loads and parses the registry document.
func ReadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}
	var registry Registry
	if err := json.Unmarshal(data, &registry); err != nil {
		return nil, fmt.Errorf("invalid registry JSON in %s: %w", path, err)
	}
	return &registry, nil
}

// ResolveServer finds a named entry, using the default path when none is
// given.
func ResolveServer(name, registryPath string) (*Server, error) {
	path := registryPath
	if path == "" {
		path = DefaultRegistryPath()
	}
	registry, err := ReadRegistry(path)
	if err != nil {
		return nil, err
	}
	for i := range registry.Servers {
		if registry.Servers[i].Name == name {
			server := registry.Servers[i]
			if server.Transport == TransportStdio && server.Command == "" {
				return nil, fmt.Errorf("server %q is stdio but missing command", name)
			}
			if server.Transport != TransportStdio && server.URL == "" {
				return nil, fmt.Errorf("server %q is remote but missing URL", name)
			}
			return &server, nil
		}
	}
	return nil, fmt.Errorf("server %q not found in registry %s", name, path)
}
