package bolt

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ValentinKolb/kvhost/lib/storage"
	boltdb "github.com/boltdb/bolt"
)

const (
	// fileName is the name of the bolt file inside the database directory
	fileName = "data.bolt"

	// openTimeout bounds the wait for the file lock held by another handle
	openTimeout = 2 * time.Second
)

// bucket holds every key of the database
var bucket = []byte("kv")

func init() {
	storage.Register(storage.EngineBolt, Open)
}

type handleImpl struct {
	db *boltdb.DB
}

// Open opens (or creates) a bolt database in the directory path.
func Open(path string) (storage.Handle, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory %s: %w", path, err)
	}

	db, err := boltdb.Open(filepath.Join(path, fileName), 0o600, &boltdb.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database at %s: %w", path, err)
	}

	if err := db.Update(func(tx *boltdb.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize bolt database at %s: %w", path, err)
	}

	return &handleImpl{db: db}, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see storage/interface.go)
// --------------------------------------------------------------------------

func (h *handleImpl) Get(key []byte) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := h.db.View(func(tx *boltdb.Tx) error {
		v := tx.Bucket(bucket).Get(key)
		if v == nil {
			return nil
		}
		// bolt values are only valid inside the transaction
		found = true
		value = append([]byte{}, v...)
		return nil
	})
	return value, found, err
}

func (h *handleImpl) Put(key, value []byte) error {
	return h.db.Update(func(tx *boltdb.Tx) error {
		return tx.Bucket(bucket).Put(key, value)
	})
}

func (h *handleImpl) Delete(key []byte) error {
	return h.db.Update(func(tx *boltdb.Tx) error {
		return tx.Bucket(bucket).Delete(key)
	})
}

func (h *handleImpl) Write(ops []storage.BatchOp) error {
	return h.db.Update(func(tx *boltdb.Tx) error {
		b := tx.Bucket(bucket)
		for i, op := range ops {
			var err error
			switch op.Kind {
			case storage.BatchPut:
				err = b.Put(op.Key, op.Value)
			case storage.BatchDelete:
				err = b.Delete(op.Key)
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
	return h.db.View(func(tx *boltdb.Tx) error {
		c := tx.Bucket(bucket).Cursor()

		visited := 0
		for k, v := c.Seek(from); k != nil; k, v = c.Next() {
			if to != nil && bytes.Compare(k, to) > 0 {
				break
			}
			visited++
			if !fn(k, v) || (limit > 0 && visited >= limit) {
				break
			}
		}
		return nil
	})
}

func (h *handleImpl) Close() error {
	return h.db.Close()
}
