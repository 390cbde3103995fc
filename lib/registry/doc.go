// Package registry implements the database registry and mount manager: the
// in-memory table of mounted databases layered on the manifest.
//
// Every database name moves through the state machine
//
//	Nonexistent -(Create)-> Unmounted -(EnsureMounted)-> Active -(Unmount)-> Unmounted -(Drop)-> Nonexistent
//
// where Mounting and Unmounting are transient states that only exist while
// the per-name transition lock is held.
//
// Guarantees:
//
//   - At most one storage handle is open per name. Concurrent EnsureMounted
//     calls share a single mount attempt (golang.org/x/sync/singleflight) and
//     all observe its result, including its error.
//
//   - BeginOp/Op.End bracket every operation. BeginOp checks the Active state
//     and increments the in-flight counter atomically, so an unmount can never
//     close a handle that an operation is still using.
//
//   - Unmount without force fails with errs.CodeBusy while operations are in
//     flight. With force it waits for them to drain, bounded by
//     Options.UnmountTimeout.
//
//   - Drop only succeeds on unmounted databases.
//
// Thread Safety:
//
//	Transitions of one name are serialized by a per-name mutex; records of
//	different names never share a lock, so a slow mount of one database does
//	not stall requests to another.
package registry
