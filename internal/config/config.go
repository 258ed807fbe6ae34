// Package config defines the gateway configuration: which transport pair to
// run, the HTTP surface of the server-mode adapters, reliability tuning, and
// the runtime admin endpoint.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mcpway/mcpway/internal/runtime"
)

// OutputTransport names the outbound side of the gateway.
type OutputTransport string

const (
	OutputStdio          OutputTransport = "stdio"
	OutputSSE            OutputTransport = "sse"
	OutputWS             OutputTransport = "ws"
	OutputStreamableHTTP OutputTransport = "streamable-http"
	OutputGRPC           OutputTransport = "grpc"
)

// LogLevel is the CLI-facing log level.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogNone  LogLevel = "none"
)

// CORSConfig controls cross-origin headers on the server-mode adapters.
// Absent flag = disabled; bare flag or "*" = allow all; otherwise allow-list.
type CORSConfig struct {
	Enabled  bool
	AllowAll bool
	Origins  []string
}

// AllowedOrigin resolves the Access-Control-Allow-Origin value for an
// incoming Origin header, or "" when the origin is not allowed.
func (c CORSConfig) AllowedOrigin(origin string) string {
	if !c.Enabled {
		return ""
	}
	if c.AllowAll {
		return "*"
	}
	for _, allowed := range c.Origins {
		if strings.EqualFold(allowed, origin) {
			return origin
		}
	}
	return ""
}

// Config is the gateway (run-mode) configuration.
type Config struct {
	// Exactly one of Stdio, SSE, StreamableHTTP selects the inbound side.
	Stdio          string `validate:"omitempty"`
	SSE            string `validate:"omitempty,url"`
	StreamableHTTP string `validate:"omitempty,url"`

	OutputTransport OutputTransport `validate:"required,oneof=stdio sse ws streamable-http grpc"`

	Port               int    `validate:"min=0,max=65535"`
	BaseURL            string `validate:"omitempty,url"`
	SSEPath            string
	MessagePath        string
	StreamableHTTPPath string
	HealthEndpoints    []string

	Headers runtime.Headers
	Env     map[string]string

	Stateful       bool
	SessionTimeout time.Duration // 0 means "not set"

	ProtocolVersion string     `validate:"required"`
	LogLevel        LogLevel   `validate:"oneof=debug info none"`
	CORS            CORSConfig

	RetryAttempts    uint32
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	CircuitThreshold uint32
	CircuitCooldown  time.Duration

	RuntimeAdminPort  int `validate:"min=0,max=65535"`
	RuntimeAdminToken string

	Telemetry bool
}

// Defaults mirrors the CLI defaults.
func Defaults() Config {
	return Config{
		Port:               8000,
		SSEPath:            "/sse",
		MessagePath:        "/message",
		StreamableHTTPPath: "/mcp",
		ProtocolVersion:    "2024-11-05",
		LogLevel:           LogInfo,
		Env:                map[string]string{},
		RetryAttempts:      2,
		RetryBaseDelay:     250 * time.Millisecond,
		RetryMaxDelay:      2 * time.Second,
		CircuitThreshold:   3,
		CircuitCooldown:    5 * time.Second,
	}
}

// InboundName returns the label of the selected inbound transport.
func (c *Config) InboundName() string {
	switch {
	case c.Stdio != "":
		return "stdio"
	case c.SSE != "":
		return "sse"
	case c.StreamableHTTP != "":
		return "streamable-http"
	default:
		return ""
	}
}

// DefaultOutputFor infers the output transport from the inbound choice:
// stdio serves SSE by default, remote inbounds expose local stdio.
func DefaultOutputFor(inbound string) (OutputTransport, bool) {
	switch inbound {
	case "stdio":
		return OutputSSE, true
	case "sse", "streamable-http":
		return OutputStdio, true
	default:
		return "", false
	}
}

// Validate checks structural validity and the supported transport pairings.
func (c *Config) Validate() error {
	active := 0
	for _, v := range []string{c.Stdio, c.SSE, c.StreamableHTTP} {
		if v != "" {
			active++
		}
	}
	if active == 0 {
		return fmt.Errorf("an input transport is required: one of --stdio, --sse, --streamable-http")
	}
	if active > 1 {
		return fmt.Errorf("only one input transport may be specified")
	}

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := c.validatePairing(); err != nil {
		return err
	}

	if c.SessionTimeout < 0 || (c.Stateful && c.SessionTimeout == 0) {
		return fmt.Errorf("--session-timeout must be > 0 in stateful mode")
	}
	return nil
}

// validatePairing enforces the supported inbound x outbound matrix.
func (c *Config) validatePairing() error {
	inbound := c.InboundName()
	switch inbound {
	case "stdio":
		return nil // stdio pairs with every outbound
	case "sse", "streamable-http":
		if c.OutputTransport != OutputStdio {
			return fmt.Errorf(
				"%s input only supports stdio output, got %q", inbound, c.OutputTransport)
		}
		return nil
	default:
		return fmt.Errorf("invalid input transport")
	}
}

// RetryPolicyLabel renders reliability settings for startup logging.
func (c *Config) RetryPolicyLabel() string {
	return fmt.Sprintf("retries=%d base=%s max=%s breaker=%d cooldown=%s",
		c.RetryAttempts, c.RetryBaseDelay, c.RetryMaxDelay, c.CircuitThreshold, c.CircuitCooldown)
}

var validate = validator.New(validator.WithRequiredStructEnabled())
