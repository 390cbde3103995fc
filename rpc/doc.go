// Package rpc provides the request/response layer of kvhost. It connects
// clients to the server over a framed protocol and routes every request to
// the database it names.
//
// The package is organized into several subpackages:
//
//   - common: Core data structures and utilities used across the RPC system,
//     including the Message protocol, configuration structures, and logging.
//
//   - transport: Network communication abstractions with tcp and unix socket
//     implementations sharing one framed protocol.
//
//   - serializer: Message serialization with multiple format options (Binary, JSON, GOB)
//     for converting between Message objects and byte arrays.
//
//   - client: The RPC client with database lifecycle operations and per
//     database key-value views.
//
//   - server: The request dispatcher and the lifecycle of a running server,
//     with adapters for key-value and database lifecycle operations.
package rpc
