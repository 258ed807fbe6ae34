package cmd

import (
	"fmt"
	"os"
)

// bannerText renders the no-arguments startup banner. ANSI bold is dropped
// when NO_COLOR is set.
func bannerText() string {
	bold := func(s string) string {
		if os.Getenv("NO_COLOR") != "" {
			return s
		}
		return "\x1b[1m" + s + "\x1b[0m"
	}
	return fmt.Sprintf(`%s %s - MCP transport gateway

Pick an input transport to get started:

  mcpway --stdio "npx -y @modelcontextprotocol/server-filesystem /tmp"
  mcpway --sse https://mcp.example.com/sse
  mcpway connect wss://mcp.example.com/mcp

Run 'mcpway --help' for the full flag reference.

`, bold("mcpway"), Version)
}
