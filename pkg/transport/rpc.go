package transport

import "context"

// StatusFunc returns a JSON-encoded status payload for management /status.
// Using []byte keeps the transports independent of the server types.
type StatusFunc func(ctx context.Context) ([]byte, error)

// StatusServer exposes the management endpoints of a running node.
type StatusServer interface {
	Start(ctx context.Context, status StatusFunc) error
	Addr() string
	Stop(ctx context.Context) error
}

// StatusClient reads the status of a node over the chosen management
// protocol (HTTP/JSON or gRPC JSON codec).
type StatusClient interface {
	GetStatus(ctx context.Context, addr string) ([]byte, error)
}
