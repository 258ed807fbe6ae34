// Package tools provides a typed in-process client for MCP tool discovery
// and invocation over the gateway's outbound transports, with JSON-schema
// default injection and required-field validation on call arguments.
package tools

import "fmt"

// InvalidEndpointError reports an endpoint the client cannot speak to.
type InvalidEndpointError struct {
	Reason string
}

func (e *InvalidEndpointError) Error() string {
	return fmt.Sprintf("invalid endpoint: %s", e.Reason)
}

// InvalidArgumentsError reports non-object or otherwise malformed call args.
type InvalidArgumentsError struct {
	Reason string
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments: %s", e.Reason)
}

// MissingRequiredError reports a required schema key absent from the call
// arguments, with the dotted path to the violating object.
type MissingRequiredError struct {
	Tool string
	Path string
	Key  string
}

func (e *MissingRequiredError) Error() string {
	return fmt.Sprintf("missing required argument for tool %q: %s.%s", e.Tool, e.Path, e.Key)
}

// ToolNotFoundError reports an unknown tool name after a refresh.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool not found: %s", e.Name)
}

// AuthorizationRequiredError surfaces HTTP 401/403 from the endpoint.
type AuthorizationRequiredError struct {
	Status int
	Hint   string
}

func (e *AuthorizationRequiredError) Error() string {
	return fmt.Sprintf("authorization required (HTTP %d): %s", e.Status, e.Hint)
}

// ProtocolError reports malformed or unexpected JSON-RPC traffic.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

// TransportError reports connect/send/receive failures; Status carries the
// HTTP status when one was observed.
type TransportError struct {
	Reason string
	Status int
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport error (HTTP %d): %s", e.Status, e.Reason)
	}
	return fmt.Sprintf("transport error: %s", e.Reason)
}
