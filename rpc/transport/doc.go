// Package transport defines the interfaces for moving request and response
// payloads between the kvhost server and its clients. Implementations live in
// the tcp and unix packages, both built on the framed protocol of package base.
//
// Key Components:
//
//   - IRPCClientTransport: client side, handles connection management and
//     request sending.
//
//   - IRPCServerTransport: server side, accepts connections and hands every
//     received payload to the registered ServerHandleFunc. Close drains
//     in-flight requests before returning.
//
//   - ServerHandleFunc: Function type for request handling callbacks.
package transport
