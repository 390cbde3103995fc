package badger

import (
	"bytes"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ValentinKolb/kvhost/lib/storage"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("storage/badger")

func init() {
	storage.Register(storage.EngineBadger, Open)
}

type handleImpl struct {
	db *badgerdb.DB
}

// Open opens (or creates) a badger database in the directory path.
func Open(path string) (storage.Handle, error) {
	// badger.Logger is a subset of the dragonboat ILogger, levels are
	// filtered by the log level of the "storage/badger" logger
	opts := badgerdb.DefaultOptions(path).WithLogger(Logger)

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database at %s: %w", path, err)
	}
	return &handleImpl{db: db}, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see storage/interface.go)
// --------------------------------------------------------------------------

func (h *handleImpl) Get(key []byte) ([]byte, bool, error) {
	var value []byte
	err := h.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (h *handleImpl) Put(key, value []byte) error {
	return h.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(key, value)
	})
}

func (h *handleImpl) Delete(key []byte) error {
	return h.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(key)
	})
}

func (h *handleImpl) Write(ops []storage.BatchOp) error {
	return h.db.Update(func(txn *badgerdb.Txn) error {
		for i, op := range ops {
			var err error
			switch op.Kind {
			case storage.BatchPut:
				err = txn.Set(op.Key, op.Value)
			case storage.BatchDelete:
				err = txn.Delete(op.Key)
			default:
				err = fmt.Errorf("unknown batch operation kind %d", op.Kind)
			}
			if err != nil {
				return fmt.Errorf("batch operation %d: %w", i, err)
			}
		}
		return nil
	})
}

func (h *handleImpl) Scan(from, to []byte, limit int, fn storage.ScanFunc) error {
	// a read-only txn is a consistent snapshot
	return h.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()

		visited := 0
		for it.Seek(from); it.Valid(); it.Next() {
			item := it.Item()
			key := item.Key()
			if to != nil && bytes.Compare(key, to) > 0 {
				break
			}
			cont := true
			if err := item.Value(func(val []byte) error {
				cont = fn(key, val)
				return nil
			}); err != nil {
				return err
			}
			visited++
			if !cont || (limit > 0 && visited >= limit) {
				break
			}
		}
		return nil
	})
}

func (h *handleImpl) Close() error {
	return h.db.Close()
}
