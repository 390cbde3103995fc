// Package client implements the RPC client of kvhost. It is used by the
// command line interface and by applications that embed kvhost access.
//
// Key Components:
//
//   - New: Connects to a server over the transport named in the
//     common.ClientConfig (tcp or unix) with the configured serializer.
//
//   - NewRPCClient: Same as New with an explicit transport and serializer.
//
//   - Client: The database lifecycle operations (Connect, Create, Drop, List,
//     Mount, Unmount, Stats) and the entry point for Database views.
//
//   - Database: The key value operations (Get, Put, Delete, Has, Range, Slice,
//     Batch, MGet) on one database. An empty name targets the default
//     database of the server.
//
// Usage Example:
//
//	config := common.DefaultClientConfig("unix", "/run/kvhost.sock")
//	c, err := client.New(config)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer c.Close()
//
//	if _, err := c.Create("users", "", ""); err != nil && !errors.Is(err, errs.ErrAlreadyExists) {
//		log.Fatal(err)
//	}
//
//	users := c.Database("users")
//	_ = users.Put([]byte("alice"), []byte("admin"))
//	value, found, _ := users.Get([]byte("alice"))
//
// Errors:
//
// Failures reported by the server are returned as *errs.Error carrying the
// server's code, so errors.Is matches the sentinels of the errs package.
// Transport failures (timeouts, lost connections) are plain errors.
//
// Thread Safety:
//
//	A Client and its Database views can be used concurrently from multiple
//	goroutines. Requests are spread round robin over the connections.
package client
