package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcpway/mcpway/internal/discovery"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Scan third-party client configs for MCP server entries",
	Long: `Discover scans well-known MCP client configuration files (Claude,
Cursor, VS Code) for server entries and prints what it finds. Cross-source
name conflicts are resolved by source priority; nothing is written.

Use 'mcpway import' to persist the result into the registry.`,
	RunE: runDiscover,
}

var discoverFlags struct {
	from            string
	projectRoot     string
	printJSON       bool
	strictConflicts bool
}

func init() {
	flags := discoverCmd.Flags()
	flags.StringVar(&discoverFlags.from, "from", "", "restrict to one source: claude|cursor|vscode")
	flags.StringVar(&discoverFlags.projectRoot, "project-root", "", "project directory to scan (default: working directory)")
	flags.BoolVar(&discoverFlags.printJSON, "json", false, "print the report as JSON")
	flags.BoolVar(&discoverFlags.strictConflicts, "strict-conflicts", false, "fail when cross-source conflicts are found")
	rootCmd.AddCommand(discoverCmd)
}

func runDiscover(_ *cobra.Command, _ []string) error {
	report, err := discovery.Discover(discovery.Options{
		From:        discovery.SourceKind(discoverFlags.from),
		ProjectRoot: discoverFlags.projectRoot,
	})
	if err != nil {
		return err
	}
	if discoverFlags.strictConflicts && len(report.Conflicts) > 0 {
		return conflictsError(report.Conflicts)
	}

	if discoverFlags.printJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	}
	printDiscoverHuman(report)
	return nil
}

func printDiscoverHuman(report *discovery.Report) {
	fmt.Printf("[mcpway] Discovered %d server(s) in %s\n", len(report.Servers), report.ProjectRoot)
	for _, server := range report.Servers {
		fmt.Printf("  - %s [%s %s %s]\n", server.Name, server.Transport, server.Source, server.Scope)
	}
	if len(report.Conflicts) > 0 {
		fmt.Printf("[mcpway] Resolved %d cross-source conflict(s)\n", len(report.Conflicts))
	}
	if len(report.Issues) > 0 {
		fmt.Println("[mcpway] Warnings:")
		for _, issue := range report.Issues {
			fmt.Printf("  - %s %s: %s\n", issue.Source, issue.Origin, issue.Message)
		}
	}
}

func conflictsError(conflicts []discovery.Conflict) error {
	message := "discovery conflicts detected with --strict-conflicts:\n"
	for _, conflict := range conflicts {
		message += fmt.Sprintf("  - %q: kept %s, dropped %s\n",
			conflict.Name, conflict.KeptSource, conflict.DroppedSource)
	}
	return fmt.Errorf("%s", message)
}
