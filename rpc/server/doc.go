// Package server implements the kvhost request dispatcher. It ties the
// manifest, the registry and the majordome to the RPC transports and owns
// the lifecycle of a running instance.
//
// Key Components:
//
//   - Start: Validates a common.ServerConfig, loads the manifest, creates the
//     default database if needed and starts the tcp and unix transports, the
//     majordome and the optional admin http endpoint.
//
//   - Server.Shutdown: Stops accepting connections, lets in-flight requests
//     finish, stops the majordome, unmounts every database and flushes the
//     manifest.
//
//   - IRPCServerAdapter: Translates a decoded common.Message into registry and
//     storage calls. NewDataServerAdapter serves the key value operations,
//     NewAdminServerAdapter the database lifecycle operations.
//
// Request Flow:
//
// Every data request resolves its database name (an empty name selects the
// default database), mounts the database if needed and brackets the storage
// call with BeginOp and End, so the majordome and explicit unmounts never
// close a handle that is still in use. Failures travel back as an errs.Code
// inside the response, the connection stays open. A payload the serializer
// can not decode is answered with errs.CodeProtocolError.
//
// Usage Example:
//
//	config := common.DefaultServerConfig()
//	config.DatabaseStore = "/var/lib/kvhost/manifest.yaml"
//	config.DatabasesStoragePath = "/var/lib/kvhost/databases"
//	config.UnixSocket = "/run/kvhost.sock"
//
//	s, err := server.Start(config)
//	if err != nil {
//		log.Fatalf("Server error: %v", err)
//	}
//	defer s.Shutdown(context.Background())
//
// Admin Endpoint:
//
// When MetricsEndpoint is set, a chi router serves /metrics in the prometheus
// text format together with /healthz and /databases.
package server
