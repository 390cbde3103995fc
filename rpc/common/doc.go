// Package common provides the data structures shared by the kvhost server,
// its transports and its client. It defines the wire message, the server and
// client configuration and the logging setup.
//
// Key Components:
//
//   - Message: the single structure used for every request and response.
//     Requests name the target database (empty selects the default database)
//     and the operation specific fields. Responses carry the result and, on
//     failure, the errs.Code plus a human readable message so the client can
//     rebuild a typed error with Message.Error.
//
//   - MessageType: the operations understood by the server, split into data
//     operations (get, put, delete, has, range, slice, batch, mget) and
//     database lifecycle operations (db.connect, db.create, db.drop, db.list,
//     db.mount, db.unmount, db.stats).
//
//   - ServerConfig: the resolved configuration the server core starts with.
//     The CLI fills it from flags, environment and config file; the core
//     never reads configuration sources itself.
//
//   - ClientConfig: transport, endpoints, timeouts and retries of a client.
//
//   - Logger: a custom implementation of dragonboat's logger.ILogger. Debug
//     and info lines go to the activity log, warnings and errors to the
//     errors log.
package common
