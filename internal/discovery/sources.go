package discovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SourceKind names a supported third-party config source.
type SourceKind string

const (
	SourceClaude SourceKind = "claude"
	SourceCursor SourceKind = "cursor"
	SourceVSCode SourceKind = "vscode"
)

// Options narrows a discovery run.
type Options struct {
	From        SourceKind // empty scans every source
	ProjectRoot string     // defaults to the working directory
}

// Issue is a non-fatal problem found while scanning a source file.
type Issue struct {
	Source  SourceKind `json:"source"`
	Origin  string     `json:"origin_path"`
	Message string     `json:"message"`
}

// Conflict records a name collision resolved by source priority.
type Conflict struct {
	Name          string     `json:"name"`
	KeptSource    SourceKind `json:"kept_source"`
	DroppedSource SourceKind `json:"dropped_source"`
}

// Report is the result of one discovery run.
type Report struct {
	ProjectRoot string     `json:"project_root"`
	Servers     []Server   `json:"servers"`
	Conflicts   []Conflict `json:"conflicts"`
	Issues      []Issue    `json:"issues"`
}

// sourceSpec describes where a source keeps its MCP server definitions.
// Priority resolves cross-source name conflicts (lower wins).
type sourceSpec struct {
	kind     SourceKind
	priority int
	paths    func(projectRoot, home string) []scanTarget
}

type scanTarget struct {
	path  string
	scope string
}

var sourceSpecs = []sourceSpec{
	{
		kind:     SourceClaude,
		priority: 0,
		paths: func(projectRoot, home string) []scanTarget {
			return []scanTarget{
				{path: filepath.Join(projectRoot, ".mcp.json"), scope: "project"},
				{path: filepath.Join(home, ".claude.json"), scope: "global"},
			}
		},
	},
	{
		kind:     SourceCursor,
		priority: 1,
		paths: func(projectRoot, home string) []scanTarget {
			return []scanTarget{
				{path: filepath.Join(projectRoot, ".cursor", "mcp.json"), scope: "project"},
				{path: filepath.Join(home, ".cursor", "mcp.json"), scope: "global"},
			}
		},
	},
	{
		kind:     SourceVSCode,
		priority: 2,
		paths: func(projectRoot, home string) []scanTarget {
			return []scanTarget{
				{path: filepath.Join(projectRoot, ".vscode", "mcp.json"), scope: "project"},
			}
		},
	},
}

// mcpServersDocument is the common config shape across sources: a
// "mcpServers" (or "servers") object keyed by server name.
type mcpServersDocument struct {
	McpServers map[string]serverEntry `json:"mcpServers"`
	Servers    map[string]serverEntry `json:"servers"`
}

type serverEntry struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	URL     string            `json:"url"`
	Type    string            `json:"type"`
	Env     map[string]string `json:"env"`
	Headers map[string]string `json:"headers"`
}

// Discover scans the configured sources and merges their entries, resolving
// cross-source name conflicts by source priority.
func Discover(opts Options) (*Report, error) {
	projectRoot := opts.ProjectRoot
	if projectRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		projectRoot = wd
	}
	home, _ := os.UserHomeDir()

	report := &Report{ProjectRoot: projectRoot}
	byName := make(map[string]int) // server name -> priority of kept entry

	for _, spec := range sourceSpecs {
		if opts.From != "" && opts.From != spec.kind {
			continue
		}
		for _, target := range spec.paths(projectRoot, home) {
			servers, issue := scanFile(spec.kind, target)
			if issue != nil {
				report.Issues = append(report.Issues, *issue)
				continue
			}
			for _, server := range servers {
				if keptPriority, seen := byName[server.Name]; seen {
					dropped := spec.kind
					if keptPriority > spec.priority {
						// New entry wins; demote the old one.
						for i := range report.Servers {
							if report.Servers[i].Name == server.Name {
								dropped = SourceKind(report.Servers[i].Source)
								report.Servers[i] = server
								break
							}
						}
						byName[server.Name] = spec.priority
					}
					report.Conflicts = append(report.Conflicts, Conflict{
						Name:          server.Name,
						KeptSource:    SourceKind(keptSourceName(report.Servers, server.Name)),
						DroppedSource: dropped,
					})
					continue
				}
				byName[server.Name] = spec.priority
				report.Servers = append(report.Servers, server)
			}
		}
	}

	sort.Slice(report.Servers, func(i, j int) bool {
		return report.Servers[i].Name < report.Servers[j].Name
	})
	return report, nil
}

func keptSourceName(servers []Server, name string) string {
	for i := range servers {
		if servers[i].Name == name {
			return servers[i].Source
		}
	}
	return ""
}

// scanFile reads one config file; a missing file is silently skipped.
func scanFile(kind SourceKind, target scanTarget) ([]Server, *Issue) {
	data, err := os.ReadFile(target.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &Issue{Source: kind, Origin: target.path, Message: err.Error()}
	}

	var doc mcpServersDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &Issue{Source: kind, Origin: target.path, Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	entries := doc.McpServers
	if len(entries) == 0 {
		entries = doc.Servers
	}

	var servers []Server
	for name, entry := range entries {
		server := Server{
			Name:       name,
			Source:     string(kind),
			Scope:      target.scope,
			OriginPath: target.path,
			Command:    entry.Command,
			Args:       entry.Args,
			URL:        entry.URL,
			Headers:    entry.Headers,
			Env:        entry.Env,
			Enabled:    true,
		}
		server.Transport = classifyEntry(entry)
		servers = append(servers, server)
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Name < servers[j].Name })
	return servers, nil
}

// classifyEntry infers the transport from an entry's declared type or URL
// shape; command-bearing entries are stdio.
func classifyEntry(entry serverEntry) Transport {
	switch strings.ToLower(entry.Type) {
	case "sse":
		return TransportSSE
	case "ws", "websocket":
		return TransportWS
	case "http", "streamable-http", "streamablehttp":
		return TransportStreamableHTTP
	case "stdio":
		return TransportStdio
	}
	if entry.Command != "" {
		return TransportStdio
	}
	lower := strings.ToLower(entry.URL)
	switch {
	case strings.HasPrefix(lower, "ws://"), strings.HasPrefix(lower, "wss://"):
		return TransportWS
	case strings.Contains(lower, "/sse"):
		return TransportSSE
	default:
		return TransportStreamableHTTP
	}
}
