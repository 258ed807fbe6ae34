package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcpway/mcpway/internal/discovery"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Discover MCP servers and write them into the registry",
	Long: `Import runs discovery and persists the result into the mcpway registry
so entries become addressable by name via 'mcpway connect --server NAME'.

Secret-bearing values are stored as the literal placeholders found in the
source configs; they are never expanded or copied.`,
	RunE: runImport,
}

var importFlags struct {
	from            string
	projectRoot     string
	registryPath    string
	printJSON       bool
	strictConflicts bool
}

func init() {
	flags := importCmd.Flags()
	flags.StringVar(&importFlags.from, "from", "", "restrict to one source: claude|cursor|vscode")
	flags.StringVar(&importFlags.projectRoot, "project-root", "", "project directory to scan (default: working directory)")
	flags.StringVar(&importFlags.registryPath, "registry", "", "registry file path (default ~/.mcpway/imported-mcp-registry.json)")
	flags.BoolVar(&importFlags.printJSON, "json", false, "print the result as JSON")
	flags.BoolVar(&importFlags.strictConflicts, "strict-conflicts", false, "fail when cross-source conflicts are found")
	rootCmd.AddCommand(importCmd)
}

func runImport(_ *cobra.Command, _ []string) error {
	report, err := discovery.Discover(discovery.Options{
		From:        discovery.SourceKind(importFlags.from),
		ProjectRoot: importFlags.projectRoot,
	})
	if err != nil {
		return err
	}
	if importFlags.strictConflicts && len(report.Conflicts) > 0 {
		return conflictsError(report.Conflicts)
	}

	registryPath := importFlags.registryPath
	if registryPath == "" {
		registryPath = discovery.DefaultRegistryPath()
	}
	if _, err := discovery.WriteRegistry(registryPath, report.Servers); err != nil {
		return err
	}

	if importFlags.printJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(map[string]any{
			"registry_path": registryPath,
			"project_root":  report.ProjectRoot,
			"imported":      len(report.Servers),
			"conflicts":     report.Conflicts,
			"issues":        report.Issues,
		})
	}

	fmt.Printf("[mcpway] Imported %d server(s) into %s\n", len(report.Servers), registryPath)
	if len(report.Conflicts) > 0 {
		fmt.Printf("[mcpway] Conflicts resolved by source priority: %d\n", len(report.Conflicts))
	}
	if len(report.Issues) > 0 {
		fmt.Printf("[mcpway] Warnings emitted during import: %d\n", len(report.Issues))
	}
	return nil
}
