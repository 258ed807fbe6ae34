package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcpway/mcpway/internal/logstore"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Read the structured gateway log",
	Long: `Logs reads the NDJSON gateway log (default ~/.mcpway/logs/mcpway.ndjson,
override with MCPWAY_LOG_PATH) and prints matching records.

Examples:
  mcpway logs --lines 50
  mcpway logs --level error --transport sse
  mcpway logs --search "circuit" --follow`,
	RunE: runLogs,
}

var logsFlags struct {
	lines     int
	level     string
	transport string
	search    string
	follow    bool
	printJSON bool
}

func init() {
	flags := logsCmd.Flags()
	flags.IntVar(&logsFlags.lines, "lines", 300, "number of recent records to show (max 5000)")
	flags.StringVar(&logsFlags.level, "level", "", "filter by level: debug|info|warn|error")
	flags.StringVar(&logsFlags.transport, "transport", "", "filter by transport label")
	flags.StringVar(&logsFlags.search, "search", "", "filter by message substring (case-insensitive)")
	flags.BoolVar(&logsFlags.follow, "follow", false, "poll for new records until interrupted")
	flags.BoolVar(&logsFlags.printJSON, "json", false, "print raw NDJSON records")
	rootCmd.AddCommand(logsCmd)
}

func runLogs(_ *cobra.Command, _ []string) error {
	path := logstore.DefaultPath()
	opts := logstore.FilterOptions{
		Lines:     logsFlags.lines,
		Level:     logsFlags.level,
		Transport: logsFlags.transport,
		Search:    logsFlags.search,
	}

	records, err := logstore.ReadRecent(path, opts)
	if err != nil {
		return err
	}
	printRecords(records)

	if !logsFlags.follow {
		return nil
	}

	// Follow mode: poll the file and print records newer than the last one
	// already shown.
	lastSeen := int64(0)
	if len(records) > 0 {
		lastSeen = records[len(records)-1].TsUTC
	}
	for {
		time.Sleep(400 * time.Millisecond)
		recent, err := logstore.ReadRecent(path, opts)
		if err != nil {
			continue
		}
		var fresh []logstore.Record
		for _, record := range recent {
			if record.TsUTC > lastSeen {
				fresh = append(fresh, record)
			}
		}
		if len(fresh) > 0 {
			printRecords(fresh)
			lastSeen = fresh[len(fresh)-1].TsUTC
		}
	}
}

func printRecords(records []logstore.Record) {
	for _, record := range records {
		if logsFlags.printJSON {
			line, err := json.Marshal(record)
			if err != nil {
				continue
			}
			fmt.Println(string(line))
			continue
		}
		ts := time.Unix(record.TsUTC, 0).UTC().Format(time.RFC3339)
		fmt.Fprintf(os.Stdout, "%s %-5s [%s/%s] %s", ts, record.Level, record.Mode, record.Transport, record.Message)
		for key, value := range record.Fields {
			fmt.Fprintf(os.Stdout, " %s=%s", key, value)
		}
		fmt.Fprintln(os.Stdout)
	}
}
