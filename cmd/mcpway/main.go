// Command mcpway is a bidirectional MCP transport gateway: it accepts MCP
// traffic on one transport and forwards it to an MCP server on another,
// preserving JSON-RPC ids, ordering, and session identity.
package main

import "github.com/mcpway/mcpway/cmd/mcpway/cmd"

func main() {
	cmd.Execute()
}
