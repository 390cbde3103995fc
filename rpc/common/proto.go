package common

import (
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/kvhost/lib/errs"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for both requests and responses.
// Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// Routing, empty selects the default database
	Database string `json:"db,omitempty"`

	// General fields
	Key    []byte   `json:"key,omitempty"`    // Used for: Get, Put, Delete, Has, Range (lower bound), Slice (start)
	KeyTo  []byte   `json:"key_to,omitempty"` // Used for: Range (inclusive upper bound, empty means unbounded)
	Limit  uint32   `json:"limit,omitempty"`  // Used for: Range (0 means unlimited), Slice (count)
	Value  []byte   `json:"value,omitempty"`  // Used for: Put (request), Get (response)
	Keys   [][]byte `json:"keys,omitempty"`   // Used for: MGet
	Ops    []BatchOp `json:"ops,omitempty"`   // Used for: Batch
	Force  bool     `json:"force,omitempty"`  // Used for: DBUnmount
	Path   string   `json:"path,omitempty"`   // Used for: DBCreate
	Engine string   `json:"engine,omitempty"` // Used for: DBCreate

	// Response only fields
	Pairs     []KVPair       `json:"pairs,omitempty"`     // Used for: Range, Slice, MGet responses
	Databases []DatabaseInfo `json:"databases,omitempty"` // Used for: DB* responses
	Ok        bool           `json:"ok,omitempty"`        // Used for: Get, Has responses
	Warning   bool           `json:"warning,omitempty"`   // Used for: MGet when at least one key is missing
	Code      errs.Code      `json:"code,omitempty"`      // errs.CodeOK if no error
	Err       string         `json:"err,omitempty"`       // Empty if no error, otherwise contains the error message

	// Meta information
	Meta []byte `json:"meta,omitempty"` // Unused, free for additional adapters
}

// Error rebuilds the error carried by a response, nil if there is none
func (m *Message) Error() error {
	if m.Code == errs.CodeOK && m.Err == "" {
		return nil
	}
	code := m.Code
	if code == errs.CodeOK {
		code = errs.CodeStorageError
	}
	return &errs.Error{Code: code, Msg: m.Err}
}

// BatchOp is a single write inside a Batch request
type BatchOp struct {
	Delete bool   `json:"delete,omitempty"`
	Key    []byte `json:"key"`
	Value  []byte `json:"value,omitempty"`
}

// KVPair is a key with its value. Found is false for missing MGet keys.
type KVPair struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value,omitempty"`
	Found bool   `json:"found"`
}

// DatabaseInfo describes a database in admin responses. Runtime fields are
// only set for mounted databases, times are unix nanoseconds.
type DatabaseInfo struct {
	Name      string `json:"name"`
	UID       string `json:"uid,omitempty"`
	Path      string `json:"path,omitempty"`
	Engine    string `json:"engine,omitempty"`
	CreatedAt int64  `json:"created_at,omitempty"`

	Mounted     bool    `json:"mounted"`
	Inflight    int64   `json:"inflight,omitempty"`
	LastAccess  int64   `json:"last_access,omitempty"`
	MountedAt   int64   `json:"mounted_at,omitempty"`
	Operations  int64   `json:"operations,omitempty"`
	MeanLatency int64   `json:"mean_latency_ns,omitempty"`
	P99Latency  int64   `json:"p99_latency_ns,omitempty"`
	Rate1       float64 `json:"rate1,omitempty"`
}

// --------------------------------------------------------------------------
// Message Factory Functions (requests)
// --------------------------------------------------------------------------

// NewGetRequest creates a new Get request
func NewGetRequest(db string, key []byte) *Message {
	return &Message{MsgType: MsgTGet, Database: db, Key: key}
}

// NewPutRequest creates a new Put request
func NewPutRequest(db string, key, value []byte) *Message {
	return &Message{MsgType: MsgTPut, Database: db, Key: key, Value: value}
}

// NewDeleteRequest creates a new Delete request
func NewDeleteRequest(db string, key []byte) *Message {
	return &Message{MsgType: MsgTDelete, Database: db, Key: key}
}

// NewHasRequest creates a new Has request
func NewHasRequest(db string, key []byte) *Message {
	return &Message{MsgType: MsgTHas, Database: db, Key: key}
}

// NewRangeRequest creates a new Range request for the keys in [from, to]
func NewRangeRequest(db string, from, to []byte, limit uint32) *Message {
	return &Message{MsgType: MsgTRange, Database: db, Key: from, KeyTo: to, Limit: limit}
}

// NewSliceRequest creates a new Slice request for count keys starting at from
func NewSliceRequest(db string, from []byte, count uint32) *Message {
	return &Message{MsgType: MsgTSlice, Database: db, Key: from, Limit: count}
}

// NewBatchRequest creates a new Batch request
func NewBatchRequest(db string, ops []BatchOp) *Message {
	return &Message{MsgType: MsgTBatch, Database: db, Ops: ops}
}

// NewMGetRequest creates a new MGet request
func NewMGetRequest(db string, keys [][]byte) *Message {
	return &Message{MsgType: MsgTMGet, Database: db, Keys: keys}
}

// NewDBConnectRequest creates a request that resolves and mounts a database
func NewDBConnectRequest(db string) *Message {
	return &Message{MsgType: MsgTDBConnect, Database: db}
}

// NewDBCreateRequest creates a new DBCreate request, path and engine may be empty
func NewDBCreateRequest(db, path, engine string) *Message {
	return &Message{MsgType: MsgTDBCreate, Database: db, Path: path, Engine: engine}
}

// NewDBDropRequest creates a new DBDrop request
func NewDBDropRequest(db string) *Message {
	return &Message{MsgType: MsgTDBDrop, Database: db}
}

// NewDBListRequest creates a new DBList request
func NewDBListRequest() *Message {
	return &Message{MsgType: MsgTDBList}
}

// NewDBMountRequest creates a new DBMount request
func NewDBMountRequest(db string) *Message {
	return &Message{MsgType: MsgTDBMount, Database: db}
}

// NewDBUnmountRequest creates a new DBUnmount request
func NewDBUnmountRequest(db string, force bool) *Message {
	return &Message{MsgType: MsgTDBUnmount, Database: db, Force: force}
}

// NewDBStatsRequest creates a new DBStats request
func NewDBStatsRequest(db string) *Message {
	return &Message{MsgType: MsgTDBStats, Database: db}
}

// --------------------------------------------------------------------------
// Message Factory Functions (responses)
// --------------------------------------------------------------------------

// NewResponse creates a response of type t carrying err (may be nil)
func NewResponse(t MessageType, err error) *Message {
	msg := &Message{MsgType: t}
	msg.SetError(err)
	return msg
}

// NewGetResponse creates a new Get response
func NewGetResponse(value []byte, ok bool, err error) *Message {
	msg := NewResponse(MsgTGet, err)
	msg.Value = value
	msg.Ok = ok
	return msg
}

// NewHasResponse creates a new Has response
func NewHasResponse(ok bool, err error) *Message {
	msg := NewResponse(MsgTHas, err)
	msg.Ok = ok
	return msg
}

// NewPairsResponse creates a Range, Slice or MGet response
func NewPairsResponse(t MessageType, pairs []KVPair, warning bool, err error) *Message {
	msg := NewResponse(t, err)
	msg.Pairs = pairs
	msg.Warning = warning
	return msg
}

// NewDatabasesResponse creates a response for the admin operations
func NewDatabasesResponse(t MessageType, dbs []DatabaseInfo, err error) *Message {
	msg := NewResponse(t, err)
	msg.Databases = dbs
	return msg
}

// NewErrorResponse creates a new Error response
func NewErrorResponse(code errs.Code, err string) *Message {
	return &Message{MsgType: MsgTError, Code: code, Err: err}
}

// SetError stores err and its code in the message
func (m *Message) SetError(err error) {
	if err == nil {
		return
	}
	m.Code = errs.CodeOf(err)
	m.Err = err.Error()
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	if s, ok := msgTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// IsAdmin reports whether t is a database lifecycle operation
func (t MessageType) IsAdmin() bool {
	return t >= MsgTDBConnect && t <= MsgTDBStats
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
// This allows MessageType to be deserialized from a string in JSON.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for k, v := range msgTypeNames {
		if v == s {
			*t = k
			return nil
		}
	}
	return fmt.Errorf("unknown message type: %s", s)
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	// General message types
	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred

	// Data operations, routed to a database
	MsgTGet    // Get a value by key
	MsgTPut    // Set a key-value pair
	MsgTDelete // Delete a key-value pair
	MsgTHas    // Check if a key exists
	MsgTRange  // Scan an inclusive key range
	MsgTSlice  // Scan a number of keys from a start key
	MsgTBatch  // Apply puts and deletes atomically
	MsgTMGet   // Get several keys at once

	// Database lifecycle operations
	MsgTDBConnect // Resolve and mount a database
	MsgTDBCreate  // Add a database to the manifest
	MsgTDBDrop    // Remove an unmounted database
	MsgTDBList    // List all databases
	MsgTDBMount   // Mount a database
	MsgTDBUnmount // Unmount a database
	MsgTDBStats   // Runtime statistics of a mounted database
)

var msgTypeNames = map[MessageType]string{
	MsgTSuccess:   "success",
	MsgTError:     "error",
	MsgTGet:       "get",
	MsgTPut:       "put",
	MsgTDelete:    "delete",
	MsgTHas:       "has",
	MsgTRange:     "range",
	MsgTSlice:     "slice",
	MsgTBatch:     "batch",
	MsgTMGet:      "mget",
	MsgTDBConnect: "db.connect",
	MsgTDBCreate:  "db.create",
	MsgTDBDrop:    "db.drop",
	MsgTDBList:    "db.list",
	MsgTDBMount:   "db.mount",
	MsgTDBUnmount: "db.unmount",
	MsgTDBStats:   "db.stats",
}
