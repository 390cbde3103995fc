package transport

import (
	"context"
	"net"

	"github.com/ValentinKolb/kvhost/rpc/common"
)

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ServerHandleFunc is a function type that handles incoming requests
// This function is called by a server transport layer when a request is received
// It takes the request payload and returns the response payload. Decoding errors
// are the handler's business, the transport never inspects payloads.
type ServerHandleFunc func(req []byte) (resp []byte)

// IRPCServerTransport is the interface for the RPC transport layer
type IRPCServerTransport interface {
	// RegisterHandler registers a handler for the transport layer
	// This handler is called for every received frame, possibly concurrently
	RegisterHandler(handler ServerHandleFunc)
	// Listen binds the listener and serves connections in the background.
	// It returns once the transport accepts connections.
	Listen(config common.ServerConfig) error
	// Addr returns the bound address, nil before Listen
	Addr() net.Addr
	// Close stops accepting connections and waits until the requests already
	// read are answered, or until ctx is done (then connections are dropped).
	Close(ctx context.Context) error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IRPCClientTransport is the interface for the RPC client transport
type IRPCClientTransport interface {
	// Connect initializes the transport with the given configuration
	Connect(config common.ClientConfig) error
	// Send sends a request to the server and returns the response
	Send(req []byte) (resp []byte, err error)
	// Close closes the transport connection
	Close() error
}
