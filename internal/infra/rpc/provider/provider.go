// Package provider implements the transport the dispatcher talks to.
//
// This package contains:
//   - Transport interface: unary and server-streaming call factories
//   - GRPCTransport: gRPC implementation over wrapped byte messages
//   - Monitor: latency, error rate and throttle tracking
//   - ToFailure: mapping of transport errors into domain failures
package provider

import (
	"context"
	"maps"
)

// Metadata is attached to every outgoing call.
type Metadata map[string]string

// Clone returns an independent copy of m.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	return maps.Clone(m)
}

// Receiver yields server-pushed payloads until io.EOF.
type Receiver interface {
	Recv() ([]byte, error)
}

// Transport performs raw calls against the remote service.
type Transport interface {
	// Unary sends payload and waits for a single response.
	Unary(ctx context.Context, method string, payload []byte, md Metadata) ([]byte, error)

	// ServerStream sends payload and returns a receiver for pushed items.
	// The stream ends when ctx is cancelled.
	ServerStream(ctx context.Context, method string, payload []byte, md Metadata) (Receiver, error)

	// Close releases the underlying connection.
	Close() error
}
