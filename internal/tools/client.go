package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Metadata describes one tool from tools/list.
type Metadata struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// CatalogEntry summarizes a tool for listings.
type CatalogEntry struct {
	Name          string
	Description   string
	RequiredKeys  int
	DefaultedKeys int
}

// Client is the typed tool-API client. It lazily initializes the MCP
// handshake, caches the tool index, and validates call arguments against
// each tool's schema before sending tools/call.
type Client struct {
	mu              sync.Mutex
	wire            wire
	protocolVersion string
	requestSeq      uint64
	initialized     bool
	tools           []Metadata
	toolsByName     map[string]Metadata
}

// NewClient builds a Client over the chosen transport.
func NewClient(kind Transport, opts Options) (*Client, error) {
	if opts.ProtocolVersion == "" {
		opts.ProtocolVersion = "2024-11-05"
	}
	w, err := newWire(kind, opts)
	if err != nil {
		return nil, err
	}
	return &Client{
		wire:            w,
		protocolVersion: opts.ProtocolVersion,
		toolsByName:     make(map[string]Metadata),
	}, nil
}

// Close releases the underlying transport.
func (c *Client) Close() error {
	return c.wire.Close()
}

// RefreshTools issues tools/list and rebuilds the canonical-name index.
func (c *Client) RefreshTools(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshToolsLocked(ctx)
}

func (c *Client) refreshToolsLocked(ctx context.Context) error {
	if err := c.ensureInitializedLocked(ctx); err != nil {
		return err
	}
	response, err := c.sendRequestLocked(ctx, "tools/list", json.RawMessage(`{}`))
	if err != nil {
		return err
	}
	tools, err := parseToolsList(response)
	if err != nil {
		return err
	}
	c.tools = tools
	c.toolsByName = make(map[string]Metadata, len(tools))
	for _, tool := range tools {
		c.toolsByName[tool.Name] = tool
	}
	return nil
}

// Tools returns the facade for tool lookup.
func (c *Client) Tools() *Facade {
	return &Facade{client: c}
}

// Catalog refreshes and summarizes the tool list.
func (c *Client) Catalog(ctx context.Context) ([]CatalogEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.refreshToolsLocked(ctx); err != nil {
		return nil, err
	}
	entries := make([]CatalogEntry, 0, len(c.tools))
	for _, tool := range c.tools {
		entries = append(entries, CatalogEntry{
			Name:          tool.Name,
			Description:   tool.Description,
			RequiredKeys:  CountRequiredKeys(tool.InputSchema),
			DefaultedKeys: CountDefaultedKeys(tool.InputSchema),
		})
	}
	return entries, nil
}

// resolve finds a tool, refreshing the index once on a miss.
func (c *Client) resolve(ctx context.Context, name string) (Metadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tool, ok := c.toolsByName[name]; ok {
		return tool, nil
	}
	if err := c.refreshToolsLocked(ctx); err != nil {
		return Metadata{}, err
	}
	if tool, ok := c.toolsByName[name]; ok {
		return tool, nil
	}
	return Metadata{}, &ToolNotFoundError{Name: name}
}

// CallByName resolves a tool and invokes it.
func (c *Client) CallByName(ctx context.Context, name string, args any) (json.RawMessage, error) {
	tool, err := c.resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	return c.call(ctx, tool, args)
}

// call normalizes arguments against the schema and sends tools/call,
// returning the raw JSON-RPC response.
func (c *Client) call(ctx context.Context, tool Metadata, args any) (json.RawMessage, error) {
	argsObject, err := normalizeArgs(tool, args)
	if err != nil {
		return nil, err
	}

	params, err := json.Marshal(map[string]any{
		"name":      tool.Name,
		"arguments": argsObject,
	})
	if err != nil {
		return nil, &InvalidArgumentsError{Reason: err.Error()}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureInitializedLocked(ctx); err != nil {
		return nil, err
	}
	return c.sendRequestLocked(ctx, "tools/call", params)
}

// normalizeArgs enforces the object shape, injects schema defaults, and
// validates required keys.
func normalizeArgs(tool Metadata, args any) (map[string]any, error) {
	var argsObject map[string]any
	switch typed := args.(type) {
	case nil:
		argsObject = map[string]any{}
	case map[string]any:
		argsObject = typed
	case json.RawMessage:
		if err := json.Unmarshal(typed, &argsObject); err != nil {
			return nil, &InvalidArgumentsError{
				Reason: fmt.Sprintf("tool %q expects JSON object arguments", tool.Name),
			}
		}
	default:
		data, err := json.Marshal(typed)
		if err != nil {
			return nil, &InvalidArgumentsError{Reason: err.Error()}
		}
		if err := json.Unmarshal(data, &argsObject); err != nil {
			return nil, &InvalidArgumentsError{
				Reason: fmt.Sprintf("tool %q expects JSON object arguments", tool.Name),
			}
		}
	}

	ApplyDefaults(tool.InputSchema, argsObject)
	if err := ValidateRequired(tool.Name, tool.InputSchema, argsObject); err != nil {
		return nil, err
	}
	return argsObject, nil
}

// ensureInitializedLocked performs the MCP handshake once.
func (c *Client) ensureInitializedLocked(ctx context.Context) error {
	if c.initialized {
		return nil
	}

	request, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      c.nextRequestID(),
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": c.protocolVersion,
			"capabilities": map[string]any{
				"roots":    map[string]any{"listChanged": true},
				"sampling": map[string]any{},
			},
			"clientInfo": map[string]any{
				"name":    "mcpway-tool-api",
				"version": "1.3.0",
			},
		},
	})
	response, err := c.wire.SendRequest(ctx, request)
	if err != nil {
		return err
	}
	if err := rpcError("initialize", response); err != nil {
		return err
	}

	notification := json.RawMessage(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if err := c.wire.SendNotification(ctx, notification); err != nil {
		return err
	}
	c.initialized = true
	return nil
}

func (c *Client) sendRequestLocked(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	request, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      c.nextRequestID(),
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, &ProtocolError{Reason: err.Error()}
	}
	response, err := c.wire.SendRequest(ctx, request)
	if err != nil {
		return nil, err
	}
	if err := rpcError(method, response); err != nil {
		return nil, err
	}
	return response, nil
}

func (c *Client) nextRequestID() string {
	c.requestSeq++
	return fmt.Sprintf("tool-api-%d", c.requestSeq)
}

// Facade exposes lookup + handle semantics.
type Facade struct {
	client *Client
}

// ByName returns a handle for the named tool, re-refreshing once on a miss.
func (f *Facade) ByName(ctx context.Context, name string) (*Handle, error) {
	tool, err := f.client.resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	return &Handle{client: f.client, metadata: tool}, nil
}

// List returns the cached tool metadata.
func (f *Facade) List() []Metadata {
	f.client.mu.Lock()
	defer f.client.mu.Unlock()
	out := make([]Metadata, len(f.client.tools))
	copy(out, f.client.tools)
	return out
}

// Handle is a bound tool.
type Handle struct {
	client   *Client
	metadata Metadata
}

// Metadata returns the tool's descriptor.
func (h *Handle) Metadata() Metadata {
	return h.metadata
}

// Call invokes the tool with defaults injection and required validation.
func (h *Handle) Call(ctx context.Context, args any) (json.RawMessage, error) {
	return h.client.call(ctx, h.metadata, args)
}

func parseToolsList(response json.RawMessage) ([]Metadata, error) {
	var envelope struct {
		Result *struct {
			Tools []struct {
				Name        string          `json:"name"`
				Description string          `json:"description"`
				InputSchema json.RawMessage `json:"inputSchema"`
			} `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal(response, &envelope); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("tools/list response was not JSON: %v", err)}
	}
	if envelope.Result == nil {
		return nil, &ProtocolError{Reason: "tools/list response missing result"}
	}
	if envelope.Result.Tools == nil {
		return nil, &ProtocolError{Reason: "tools/list result missing tools array"}
	}

	tools := make([]Metadata, 0, len(envelope.Result.Tools))
	for _, tool := range envelope.Result.Tools {
		if tool.Name == "" {
			return nil, &ProtocolError{Reason: "tool entry missing non-empty name"}
		}
		schema := tool.InputSchema
		if schema == nil {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		tools = append(tools, Metadata{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	return tools, nil
}

func rpcError(method string, response json.RawMessage) error {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(response, &envelope); err != nil {
		return &ProtocolError{Reason: fmt.Sprintf("response was not JSON: %v", err)}
	}
	if envelope.Error != nil {
		return &ProtocolError{Reason: fmt.Sprintf("RPC method %q returned error: %s", method, envelope.Error)}
	}
	return nil
}
