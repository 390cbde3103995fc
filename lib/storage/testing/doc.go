// Package testing provides a conformance suite for storage.Handle
// implementations. Every engine package runs the same suite:
//
//	func Test(t *testing.T) {
//		storagetesting.RunHandleTests(t, "Badger", Open)
//	}
//
// The suite covers point reads and writes, atomic batches, inclusive range
// scans with limits, persistence across reopen and concurrent access.
package testing
