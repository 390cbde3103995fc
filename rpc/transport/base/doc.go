// Package base implements the framed request/response protocol shared by the
// tcp and unix transports of kvhost. It is independent of the network medium
// and extended with protocol-specific connectors.
//
// Frame format (all integers big endian):
//
//	+----------------+----------------+-----------------+
//	| request id (8) | length (4)     | payload (length)|
//	+----------------+----------------+-----------------+
//
// The server answers every frame with a frame carrying the same request id,
// possibly out of order. A frame larger than the configured maximum, or a
// connection that dies mid frame, is transport corruption: the connection is
// closed. Payload problems are the handler's concern and never close it.
//
// Key Components:
//
//   - IClientConnector/IServerConnector: Interfaces for protocol-specific operations
//     that allow extending the base transport with different network protocols.
//
//   - clientTransport: Core client implementation that manages multiple connections
//     with round-robin load balancing and reconnects broken ones in the
//     background. Requests waiting on a broken connection fail immediately and
//     are retried with exponential backoff.
//
//   - serverTransport: Core server implementation that accepts connections and
//     hands every payload to the registered handler. Each connection runs up to
//     MaxWorkersPerConn handlers concurrently (a buffered channel semaphore).
//
// Shutdown:
//
//	serverTransport.Close stops accepting, unblocks the connection readers with
//	an immediate read deadline and waits until every request already read has
//	been answered. Only when the context expires are connections dropped.
//
// Performance Optimizations:
//
//   - Buffer Pooling: The server uses a sync.Pool to reuse read buffers.
//
//   - Asynchronous Processing: The client sends requests and correlates responses
//     asynchronously using unique request IDs, enabling higher throughput.
//
//   - Frame Batching: net.Buffers combines header and payload into a single
//     write.
//
// Thread Safety:
//
//	All public methods are thread-safe. The client transport uses atomic operations
//	and mutexes to ensure concurrent access safety, while the server creates a
//	dedicated goroutine for each connection.
package base
