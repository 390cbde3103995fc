package client

import (
	"github.com/ValentinKolb/kvhost/rpc/common"
)

// Database sends key value operations to one database of the server
type Database struct {
	name    string
	adapter *rpcClientAdapter
}

// Name returns the database name, empty for the default database
func (d *Database) Name() string {
	return d.name
}

// --------------------------------------------------------------------------
// Key Value Operations
// --------------------------------------------------------------------------

// Get returns the value of key, loaded is false if the key does not exist
func (d *Database) Get(key []byte) (value []byte, loaded bool, err error) {
	resp, err := d.adapter.invoke(common.NewGetRequest(d.name, key))
	if err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Ok, nil
}

// Put stores value under key
func (d *Database) Put(key, value []byte) error {
	_, err := d.adapter.invoke(common.NewPutRequest(d.name, key, value))
	return err
}

// Delete removes key. Deleting a missing key is not an error.
func (d *Database) Delete(key []byte) error {
	_, err := d.adapter.invoke(common.NewDeleteRequest(d.name, key))
	return err
}

// Has reports whether key exists
func (d *Database) Has(key []byte) (bool, error) {
	resp, err := d.adapter.invoke(common.NewHasRequest(d.name, key))
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

// Range returns the pairs between from and to, both inclusive. An empty to
// means no upper bound, a zero limit means no limit.
func (d *Database) Range(from, to []byte, limit uint32) ([]common.KVPair, error) {
	resp, err := d.adapter.invoke(common.NewRangeRequest(d.name, from, to, limit))
	if err != nil {
		return nil, err
	}
	return resp.Pairs, nil
}

// Slice returns up to count pairs starting at from
func (d *Database) Slice(from []byte, count uint32) ([]common.KVPair, error) {
	resp, err := d.adapter.invoke(common.NewSliceRequest(d.name, from, count))
	if err != nil {
		return nil, err
	}
	return resp.Pairs, nil
}

// Batch applies puts and deletes atomically
func (d *Database) Batch(ops []common.BatchOp) error {
	_, err := d.adapter.invoke(common.NewBatchRequest(d.name, ops))
	return err
}

// MGet returns one pair per key in request order. missing is true when at
// least one key does not exist, its pair has Found set to false.
func (d *Database) MGet(keys [][]byte) (pairs []common.KVPair, missing bool, err error) {
	resp, err := d.adapter.invoke(common.NewMGetRequest(d.name, keys))
	if err != nil {
		return nil, false, err
	}
	return resp.Pairs, resp.Warning, nil
}
