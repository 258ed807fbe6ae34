// Package cmd provides the CLI commands for mcpway.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mcpway/mcpway/internal/config"
	"github.com/mcpway/mcpway/internal/gateway"
	"github.com/mcpway/mcpway/internal/logstore"
	"github.com/mcpway/mcpway/internal/telemetry"
)

// Version is stamped at build time.
var Version = "1.3.0"

var rootCmd = &cobra.Command{
	Use:   "mcpway",
	Short: "mcpway - MCP transport gateway",
	Long: `mcpway bridges Model Context Protocol traffic between transports.

A single process pairs one input transport with one output transport and
pipes JSON-RPC 2.0 messages between them, preserving ids, ordering, and
session identity:

  input --stdio CMD             a local MCP server subprocess (NDJSON stdio)
  input --sse URL               a remote SSE MCP server
  input --streamable-http URL   a remote streamable-HTTP MCP server

  --output-transport {stdio|sse|ws|streamable-http|grpc}
      defaults: stdio input serves SSE; remote inputs expose local stdio

Examples:
  # Serve a local stdio MCP server over SSE on port 8000
  mcpway --stdio "npx -y @modelcontextprotocol/server-filesystem /tmp"

  # Serve it over streamable HTTP with stateful sessions
  mcpway --stdio "node server.js" --output-transport streamable-http \
      --stateful --session-timeout 600000

  # Expose a remote SSE server on local stdio
  mcpway --sse https://mcp.example.com/sse

Subcommands:
  connect     Ad-hoc client: expose any remote MCP server on local stdio
  discover    Scan third-party client configs for MCP server entries
  import      Discover and write entries into the mcpway registry
  logs        Read the structured gateway log
  version     Print version information`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runGateway,
}

var rootFlags struct {
	stdio          string
	sse            string
	streamableHTTP string

	outputTransport string
	port            int
	baseURL         string
	ssePath         string
	messagePath     string
	streamablePath  string
	headers         []string
	env             []string
	oauth2Bearer    string
	stateful        bool
	sessionTimeout  int64
	protocolVersion string
	cors            []string
	healthEndpoints []string
	logLevel        string
	telemetryOn     bool

	retryAttempts    uint32
	retryBaseDelayMs int64
	retryMaxDelayMs  int64
	circuitThreshold uint32
	circuitCooldown  int64

	runtimeAdminPort  int
	runtimeAdminToken string
}

// Execute runs the root command, exiting 1 on startup errors.
func Execute() {
	if len(os.Args) == 1 {
		fmt.Fprint(os.Stderr, bannerText())
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "[mcpway] Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&rootFlags.stdio, "stdio", "", "input: shell-quoted command of a stdio MCP server")
	flags.StringVar(&rootFlags.sse, "sse", "", "input: URL of a remote SSE MCP server")
	flags.StringVar(&rootFlags.streamableHTTP, "streamable-http", "", "input: URL of a remote streamable-HTTP MCP server")
	flags.StringVar(&rootFlags.outputTransport, "output-transport", "", "output transport: stdio|sse|ws|streamable-http|grpc")
	flags.IntVar(&rootFlags.port, "port", 0, "listen port for server-mode outputs (default 8000, or $PORT)")
	flags.StringVar(&rootFlags.baseURL, "base-url", "", "public base URL advertised in SSE endpoint events")
	flags.StringVar(&rootFlags.ssePath, "sse-path", "/sse", "SSE event-stream path")
	flags.StringVar(&rootFlags.messagePath, "message-path", "/message", "SSE message-POST path")
	flags.StringVar(&rootFlags.streamablePath, "streamable-http-path", "/mcp", "streamable-HTTP endpoint path")
	flags.StringArrayVar(&rootFlags.headers, "header", nil, "outbound header K:V (repeatable)")
	flags.StringArrayVar(&rootFlags.env, "env", nil, "child environment K=V (repeatable)")
	flags.StringVar(&rootFlags.oauth2Bearer, "oauth2-bearer", "", "shorthand for --header \"Authorization: Bearer TOKEN\"")
	flags.BoolVar(&rootFlags.stateful, "stateful", false, "enable stateful streamable-HTTP sessions")
	flags.Int64Var(&rootFlags.sessionTimeout, "session-timeout", 0, "session idle timeout in milliseconds (must be > 0)")
	flags.StringVar(&rootFlags.protocolVersion, "protocol-version", "2024-11-05", "MCP protocol version for synthesized initialize requests")
	flags.StringArrayVar(&rootFlags.cors, "cors", nil, "enable CORS; empty or '*' allows all, otherwise an allow-list origin (repeatable)")
	flags.Lookup("cors").NoOptDefVal = "*"
	flags.StringArrayVar(&rootFlags.healthEndpoints, "health-endpoint", nil, "liveness endpoint path (repeatable)")
	flags.StringVar(&rootFlags.logLevel, "log-level", "info", "log level: debug|info|none")
	flags.BoolVar(&rootFlags.telemetryOn, "telemetry", false, "enable OpenTelemetry trace export")
	flags.Uint32Var(&rootFlags.retryAttempts, "retry-attempts", 2, "max retries for outbound requests")
	flags.Int64Var(&rootFlags.retryBaseDelayMs, "retry-base-delay-ms", 250, "base backoff delay in milliseconds")
	flags.Int64Var(&rootFlags.retryMaxDelayMs, "retry-max-delay-ms", 2000, "max backoff delay in milliseconds")
	flags.Uint32Var(&rootFlags.circuitThreshold, "circuit-failure-threshold", 3, "consecutive failures before the circuit opens (0 disables)")
	flags.Int64Var(&rootFlags.circuitCooldown, "circuit-cooldown-ms", 5000, "circuit cooldown in milliseconds")
	flags.IntVar(&rootFlags.runtimeAdminPort, "runtime-admin-port", 0, "loopback port for the runtime admin endpoint (0 disables)")
	flags.StringVar(&rootFlags.runtimeAdminToken, "runtime-admin-token", "", "bearer token for the runtime admin endpoint (default $MCPWAY_RUNTIME_ADMIN_TOKEN)")
}

func runGateway(cmd *cobra.Command, _ []string) error {
	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}

	mode := "gateway"
	transportLabel := string(cfg.OutputTransport)
	logger, err := buildLogger(cfg.LogLevel, mode, transportLabel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	_, shutdownTelemetry, err := telemetry.Init(rootFlags.telemetryOn, mode, transportLabel)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	return gateway.Run(cmd.Context(), cfg, logger)
}

func buildConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Defaults()
	cfg.Stdio = rootFlags.stdio
	cfg.SSE = rootFlags.sse
	cfg.StreamableHTTP = rootFlags.streamableHTTP
	cfg.BaseURL = rootFlags.baseURL
	cfg.SSEPath = rootFlags.ssePath
	cfg.MessagePath = rootFlags.messagePath
	cfg.StreamableHTTPPath = rootFlags.streamablePath
	cfg.HealthEndpoints = rootFlags.healthEndpoints
	cfg.Stateful = rootFlags.stateful
	cfg.ProtocolVersion = rootFlags.protocolVersion
	cfg.LogLevel = config.LogLevel(rootFlags.logLevel)
	cfg.Telemetry = rootFlags.telemetryOn
	cfg.RetryAttempts = rootFlags.retryAttempts
	cfg.RetryBaseDelay = time.Duration(rootFlags.retryBaseDelayMs) * time.Millisecond
	cfg.RetryMaxDelay = time.Duration(rootFlags.retryMaxDelayMs) * time.Millisecond
	cfg.CircuitThreshold = rootFlags.circuitThreshold
	cfg.CircuitCooldown = time.Duration(rootFlags.circuitCooldown) * time.Millisecond
	cfg.RuntimeAdminPort = rootFlags.runtimeAdminPort

	if rootFlags.sessionTimeout < 0 || (cmd.Flags().Changed("session-timeout") && rootFlags.sessionTimeout == 0) {
		return cfg, fmt.Errorf("--session-timeout must be > 0")
	}
	cfg.SessionTimeout = time.Duration(rootFlags.sessionTimeout) * time.Millisecond

	// Output transport: explicit flag, else inferred from the input choice.
	if rootFlags.outputTransport != "" {
		cfg.OutputTransport = config.OutputTransport(rootFlags.outputTransport)
	} else {
		inferred, ok := config.DefaultOutputFor(cfg.InboundName())
		if !ok {
			return cfg, fmt.Errorf("an input transport is required: one of --stdio, --sse, --streamable-http")
		}
		cfg.OutputTransport = inferred
	}

	// Port: flag, then $PORT, then default.
	v := viper.New()
	config.InitViper(v)
	if cmd.Flags().Changed("port") {
		cfg.Port = rootFlags.port
	} else if envPort := v.GetInt("port"); envPort > 0 {
		cfg.Port = envPort
	}

	headers, err := config.ParseHeaders(rootFlags.headers, rootFlags.oauth2Bearer)
	if err != nil {
		return cfg, err
	}
	cfg.Headers = headers
	cfg.Env = config.ParseEnvValues(rootFlags.env)
	cfg.CORS = config.ParseCORS(cmd.Flags().Changed("cors"), rootFlags.cors)

	cfg.RuntimeAdminToken = rootFlags.runtimeAdminToken
	if cfg.RuntimeAdminToken == "" {
		cfg.RuntimeAdminToken = os.Getenv("MCPWAY_RUNTIME_ADMIN_TOKEN")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// buildLogger assembles the stderr text handler plus the NDJSON file sink.
// Level "none" discards everything.
func buildLogger(level config.LogLevel, mode, transportLabel string) (*slog.Logger, error) {
	if level == config.LogNone {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), nil
	}
	slogLevel := slog.LevelInfo
	if level == config.LogDebug {
		slogLevel = slog.LevelDebug
	}

	text := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})
	ndjson, err := logstore.NewHandler(logstore.DefaultPath(), mode, transportLabel, slogLevel)
	if err != nil {
		// The file sink is best-effort; the gateway still runs with stderr
		// logging only.
		fmt.Fprintf(os.Stderr, "[mcpway] log file unavailable: %v\n", err)
		return slog.New(text), nil
	}
	return slog.New(logstore.NewMulti(text, ndjson)), nil
}
