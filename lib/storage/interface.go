package storage

import (
	"fmt"
	"sort"
	"sync"
)

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

// Engine names a storage engine implementation
type Engine string

const (
	EngineBadger Engine = "badger"
	EngineBolt   Engine = "bolt"

	// DefaultEngine is used when a database does not name an engine
	DefaultEngine = EngineBadger
)

// BatchOpKind is the kind of a single batch operation
type BatchOpKind uint8

const (
	BatchPut BatchOpKind = iota + 1
	BatchDelete
)

// BatchOp is a single write inside an atomic batch
type BatchOp struct {
	Kind  BatchOpKind
	Key   []byte
	Value []byte
}

// ScanFunc is called for every key-value pair visited by Scan.
// Returning false stops the iteration. key and value are only valid
// for the duration of the call.
type ScanFunc func(key, value []byte) (cont bool)

// --------------------------------------------------------------------------
// Handle Interface
// --------------------------------------------------------------------------

// Handle is one open embedded store rooted at a filesystem path.
// Implementations must be safe for concurrent use; durability is the
// engine's own business.
type Handle interface {
	// Get returns the value for key. found is false if the key does not exist.
	Get(key []byte) (value []byte, found bool, err error)

	// Put inserts or updates a key-value pair.
	Put(key, value []byte) (err error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key []byte) (err error)

	// Write applies all operations atomically.
	Write(ops []BatchOp) (err error)

	// Scan visits pairs in key order starting at from (inclusive) and ending at
	// to (inclusive, nil means no upper bound), at most limit pairs (0 means no
	// limit). The iteration runs against a consistent snapshot.
	Scan(from, to []byte, limit int, fn ScanFunc) (err error)

	// Close releases the handle. The handle must not be used afterwards.
	Close() (err error)
}

// OpenFunc opens a handle rooted at path
type OpenFunc func(path string) (Handle, error)

// --------------------------------------------------------------------------
// Engine Registry
// --------------------------------------------------------------------------

var (
	enginesMu sync.RWMutex
	engines   = map[Engine]OpenFunc{}
)

// Register makes an engine available to Open.
// It is called from the init function of each engine package.
func Register(engine Engine, open OpenFunc) {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	if _, dup := engines[engine]; dup {
		panic(fmt.Sprintf("storage: engine %s registered twice", engine))
	}
	engines[engine] = open
}

// Open opens a handle at path with the given engine.
// An empty engine selects DefaultEngine.
func Open(engine Engine, path string) (Handle, error) {
	if engine == "" {
		engine = DefaultEngine
	}
	enginesMu.RLock()
	open, ok := engines[engine]
	enginesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown storage engine %q (registered: %v)", engine, Engines())
	}
	return open(path)
}

// Engines lists the registered engines
func Engines() []Engine {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	list := make([]Engine, 0, len(engines))
	for e := range engines {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}

// Known reports whether engine is registered (the empty engine is always known)
func Known(engine Engine) bool {
	if engine == "" {
		return true
	}
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	_, ok := engines[engine]
	return ok
}
