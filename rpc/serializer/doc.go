// Package serializer turns common.Message values into frame payloads and back.
// It defines a common interface and three implementations, selected by name
// with New (the serializer setting of server and client must match).
//
// Key Components:
//
//   - IRPCSerializer: Core interface that all serializer implementations must satisfy.
//
//   - binarySerializerImpl: Custom binary format optimized for speed and space.
//     A 16 bit flag word marks the present fields, so absent fields cost nothing.
//     Lists (mget keys, batch ops, result pairs, database infos) are length
//     prefixed. Truncated data and trailing bytes are rejected.
//
//   - gobSerializerImpl: Implementation using Go's built-in gob encoding, offering
//     good compatibility with Go's type system but with larger serialized sizes.
//
//   - jsonSerializerImpl: Implementation using JSON encoding, useful for debugging
//     or interoperability with other systems, but with lower performance.
//
// Binary is the default. JSON is handy when debugging with generic tools,
// gob has no advantage over the other two and is kept for completeness.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent use
//	across multiple goroutines without additional synchronization.
//
// Usage:
//
//	Serializers are typically created once and reused throughout the application:
//
//	  serializer, err := serializer.New("binary")
//	  data, err := serializer.Serialize(message)
//	  // ... send data ...
//	  var receivedMsg common.Message
//	  err = serializer.Deserialize(receivedData, &receivedMsg)
package serializer
