package cmd

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcpway/mcpway/internal/config"
	"github.com/mcpway/mcpway/internal/discovery"
	"github.com/mcpway/mcpway/internal/gateway"
	"github.com/mcpway/mcpway/internal/oauth"
	"github.com/mcpway/mcpway/internal/runtime"
	"github.com/mcpway/mcpway/internal/transport"
)

var connectCmd = &cobra.Command{
	Use:   "connect [ENDPOINT]",
	Short: "Expose a remote MCP server on local stdio",
	Long: `Connect is the ad-hoc client mode: it dials a remote MCP server and
bridges it onto this process's stdin/stdout.

The transport is inferred from the endpoint URL scheme:

  ws://, wss://        WebSocket
  grpc://, grpcs://    gRPC
  http(s)://.../sse    SSE (any path segment "sse", case-insensitive)
  http(s)://...        Streamable HTTP

Query-string hints such as ?transport=... are ignored.

Instead of an endpoint, --server NAME resolves an entry from the imported
registry (see 'mcpway import').

Examples:
  mcpway connect https://mcp.example.com/sse
  mcpway connect wss://mcp.example.com/mcp --header "Authorization: Bearer t"
  mcpway connect --server github`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConnect,
}

var connectFlags struct {
	server          string
	registryPath    string
	headers         []string
	oauth2Bearer    string
	protocolVersion string
	logLevel        string

	retryAttempts    uint32
	retryBaseDelayMs int64
	retryMaxDelayMs  int64
	circuitThreshold uint32
	circuitCooldown  int64
}

func init() {
	flags := connectCmd.Flags()
	flags.StringVar(&connectFlags.server, "server", "", "registry entry name instead of an endpoint URL")
	flags.StringVar(&connectFlags.registryPath, "registry", "", "registry file path (default ~/.mcpway/imported-mcp-registry.json)")
	flags.StringArrayVar(&connectFlags.headers, "header", nil, "outbound header K:V (repeatable)")
	flags.StringVar(&connectFlags.oauth2Bearer, "oauth2-bearer", "", "shorthand for --header \"Authorization: Bearer TOKEN\"")
	flags.StringVar(&connectFlags.protocolVersion, "protocol-version", "2024-11-05", "MCP protocol version for synthesized initialize requests")
	flags.StringVar(&connectFlags.logLevel, "log-level", "info", "log level: debug|info|none")
	flags.Uint32Var(&connectFlags.retryAttempts, "retry-attempts", 2, "max retries for outbound requests")
	flags.Int64Var(&connectFlags.retryBaseDelayMs, "retry-base-delay-ms", 250, "base backoff delay in milliseconds")
	flags.Int64Var(&connectFlags.retryMaxDelayMs, "retry-max-delay-ms", 2000, "max backoff delay in milliseconds")
	flags.Uint32Var(&connectFlags.circuitThreshold, "circuit-failure-threshold", 3, "consecutive failures before the circuit opens (0 disables)")
	flags.Int64Var(&connectFlags.circuitCooldown, "circuit-cooldown-ms", 5000, "circuit cooldown in milliseconds")
	rootCmd.AddCommand(connectCmd)
}

// connectTarget is the resolved destination of a connect invocation.
type connectTarget struct {
	protocol transport.Protocol
	endpoint string
	stdio    string // set for registry stdio entries (loopback pairing)
	env      map[string]string
}

func runConnect(cmd *cobra.Command, args []string) error {
	endpoint := ""
	if len(args) == 1 {
		endpoint = args[0]
	}
	if endpoint == "" && connectFlags.server == "" {
		return fmt.Errorf("an endpoint URL or --server NAME is required")
	}

	headers, err := config.ParseHeaders(connectFlags.headers, connectFlags.oauth2Bearer)
	if err != nil {
		return err
	}

	target, err := resolveConnectTarget(endpoint, &headers)
	if err != nil {
		return err
	}

	cfg := config.Defaults()
	cfg.OutputTransport = config.OutputStdio
	cfg.ProtocolVersion = connectFlags.protocolVersion
	cfg.LogLevel = config.LogLevel(connectFlags.logLevel)
	cfg.RetryAttempts = connectFlags.retryAttempts
	cfg.RetryBaseDelay = time.Duration(connectFlags.retryBaseDelayMs) * time.Millisecond
	cfg.RetryMaxDelay = time.Duration(connectFlags.retryMaxDelayMs) * time.Millisecond
	cfg.CircuitThreshold = connectFlags.circuitThreshold
	cfg.CircuitCooldown = time.Duration(connectFlags.circuitCooldown) * time.Millisecond
	cfg.Headers = headers
	cfg.Env = target.env

	// Cached OAuth tokens attach automatically when no credentials were
	// given explicitly.
	if _, has := headers.Get("Authorization"); !has && target.endpoint != "" {
		fingerprint := transport.Fingerprint(
			string(target.protocol), target.endpoint, headers.Map(), cfg.ProtocolVersion)
		if token, ok := oauth.Open().Lookup(fingerprint); ok {
			_ = cfg.Headers.Set("Authorization", "Bearer "+token.AccessToken)
		}
	}

	logger, err := buildLogger(cfg.LogLevel, "connect", string(target.protocol))
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	store := runtime.NewStore(runtime.Args{Headers: cfg.Headers, Env: cfg.Env})
	updates := runtime.NewUpdateChannel()
	ctx := cmd.Context()
	gateway.InstallSignalHandlers(logger, nil)

	switch {
	case target.stdio != "":
		cfg.Stdio = target.stdio
		return gateway.RunStdioToStdio(ctx, cfg, store, updates, logger)
	case target.protocol == transport.ProtocolSSE:
		cfg.SSE = target.endpoint
		return gateway.RunSSEToStdio(ctx, cfg, store, updates, logger)
	case target.protocol == transport.ProtocolStreamableHTTP:
		cfg.StreamableHTTP = target.endpoint
		return gateway.RunStreamableHTTPToStdio(ctx, cfg, store, updates, logger)
	case target.protocol == transport.ProtocolWS:
		return gateway.RunWSToStdio(ctx, target.endpoint, cfg, store, updates, logger)
	case target.protocol == transport.ProtocolGRPC:
		return gateway.RunGRPCToStdio(ctx, target.endpoint, cfg, store, updates, logger)
	default:
		return fmt.Errorf("unsupported connect protocol %q", target.protocol)
	}
}

// resolveConnectTarget turns the endpoint or --server flag into a concrete
// target, merging registry headers under explicitly-given ones.
func resolveConnectTarget(endpoint string, headers *runtime.Headers) (connectTarget, error) {
	if connectFlags.server == "" {
		protocol, err := transport.InferProtocol(endpoint)
		if err != nil {
			return connectTarget{}, err
		}
		return connectTarget{protocol: protocol, endpoint: endpoint}, nil
	}

	server, err := discovery.ResolveServer(connectFlags.server, connectFlags.registryPath)
	if err != nil {
		return connectTarget{}, err
	}
	if server.Transport == discovery.TransportStdio {
		command := server.Command
		if len(server.Args) > 0 {
			command += " " + strings.Join(server.Args, " ")
		}
		return connectTarget{stdio: command, env: server.Env}, nil
	}

	for key, value := range server.Headers {
		if _, exists := headers.Get(key); !exists {
			if err := headers.Set(key, value); err != nil {
				return connectTarget{}, err
			}
		}
	}
	return connectTarget{
		protocol: transport.Protocol(server.Transport),
		endpoint: server.URL,
	}, nil
}
