// Package cmd implements the command-line interface of kvhost. It provides a
// hierarchical command structure with operations for running the server and
// interacting with it as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Starts and configures the kvhost server
//   - kv: Key-value operations on one database (get, put, del, range, ...)
//   - db: Database lifecycle operations (create, drop, list, mount, ...)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See kvhost -help for a list of all commands.
package cmd
