// Package storage defines the Handle interface every embedded storage engine
// implements, together with a small registry so engines can be selected by
// name at mount time.
//
// Key Components:
//
//   - Handle: a single open store rooted at a filesystem path, offering
//     get/put/delete, atomic batches, snapshot scans and Close.
//
//   - Register / Open: engine packages register an OpenFunc in their init
//     function; the registry opens handles through Open(engine, path).
//
// Engines:
//
//   - engines/badger: github.com/dgraph-io/badger/v4, the default engine.
//   - engines/bolt: github.com/boltdb/bolt, a single-file B+tree engine.
//
// Usage:
//
//	import _ "github.com/ValentinKolb/kvhost/lib/storage/engines/badger"
//
//	h, err := storage.Open(storage.EngineBadger, "/var/lib/kvhost/orders")
//	if err != nil { ... }
//	defer h.Close()
//	_ = h.Put([]byte("k"), []byte("v"))
//
// Thread Safety:
//
//	All Handle implementations are safe for concurrent use. Callers must not
//	call any method after Close has returned.
package storage
