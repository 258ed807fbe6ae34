package transport

import (
	"fmt"
	"net/url"
	"strings"
)

// Protocol identifies the wire protocol of a connect-mode endpoint.
type Protocol string

const (
	ProtocolSSE            Protocol = "sse"
	ProtocolWS             Protocol = "ws"
	ProtocolStreamableHTTP Protocol = "streamable-http"
	ProtocolGRPC           Protocol = "grpc"
)

// InferProtocol maps an endpoint URL to its transport. Query-string hints
// such as ?transport=sse are ignored so that the transport choice cannot be
// injected through the URL.
func InferProtocol(endpoint string) (Protocol, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
		return ProtocolWS, nil
	case "grpc", "grpcs":
		return ProtocolGRPC, nil
	case "http", "https":
		if hasSSEPathSegment(u.Path) {
			return ProtocolSSE, nil
		}
		return ProtocolStreamableHTTP, nil
	default:
		return "", fmt.Errorf(
			"unsupported endpoint scheme %q: use ws://, wss://, http://, https://, grpc://, or grpcs://",
			u.Scheme,
		)
	}
}

// hasSSEPathSegment reports whether any path segment equals "sse",
// case-insensitively.
func hasSSEPathSegment(path string) bool {
	for _, segment := range strings.Split(path, "/") {
		if strings.EqualFold(segment, "sse") {
			return true
		}
	}
	return false
}

// NormalizeGRPCEndpoint rewrites grpc:// and grpcs:// schemes to the
// http(s):// form the gRPC dialer expects.
func NormalizeGRPCEndpoint(endpoint string) (string, error) {
	if rest, ok := strings.CutPrefix(endpoint, "grpc://"); ok {
		return "http://" + rest, nil
	}
	if rest, ok := strings.CutPrefix(endpoint, "grpcs://"); ok {
		return "https://" + rest, nil
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid gRPC endpoint URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		return u.String(), nil
	default:
		return "", fmt.Errorf(
			"unsupported gRPC endpoint scheme %q: use grpc://, grpcs://, http://, or https://", u.Scheme)
	}
}
