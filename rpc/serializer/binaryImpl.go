package serializer

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ValentinKolb/kvhost/lib/errs"
	"github.com/ValentinKolb/kvhost/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format.
//
// Layout: 1 byte MsgType, 2 bytes flags (big endian), then every field whose
// flag is set, in flag order. Byte strings are prefixed with a uint32 length,
// lists with a uint32 element count.
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasDatabase uint16 = 1 << iota
	hasKey
	hasKeyTo
	hasLimit
	hasValue
	hasKeys
	hasOps
	hasForce
	hasPath
	hasEngine
	hasPairs
	hasDatabases
	hasOk
	hasWarning
	hasErr // code + message
	hasMeta
)

const headerSize = 3

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	w := &writer{buf: make([]byte, headerSize, b.sizeBytes(msg))}
	w.buf[0] = byte(msg.MsgType)

	var flags uint16

	if msg.Database != "" {
		flags |= hasDatabase
		w.bytes([]byte(msg.Database))
	}
	if msg.Key != nil {
		flags |= hasKey
		w.bytes(msg.Key)
	}
	if msg.KeyTo != nil {
		flags |= hasKeyTo
		w.bytes(msg.KeyTo)
	}
	if msg.Limit > 0 {
		flags |= hasLimit
		w.uint32(msg.Limit)
	}
	if msg.Value != nil {
		flags |= hasValue
		w.bytes(msg.Value)
	}
	if msg.Keys != nil {
		flags |= hasKeys
		w.uint32(uint32(len(msg.Keys)))
		for _, k := range msg.Keys {
			w.bytes(k)
		}
	}
	if msg.Ops != nil {
		flags |= hasOps
		w.uint32(uint32(len(msg.Ops)))
		for _, op := range msg.Ops {
			w.bool(op.Delete)
			w.bytes(op.Key)
			w.bytes(op.Value)
		}
	}
	if msg.Force {
		flags |= hasForce
	}
	if msg.Path != "" {
		flags |= hasPath
		w.bytes([]byte(msg.Path))
	}
	if msg.Engine != "" {
		flags |= hasEngine
		w.bytes([]byte(msg.Engine))
	}
	if msg.Pairs != nil {
		flags |= hasPairs
		w.uint32(uint32(len(msg.Pairs)))
		for _, p := range msg.Pairs {
			w.bool(p.Found)
			w.bytes(p.Key)
			w.bytes(p.Value)
		}
	}
	if msg.Databases != nil {
		flags |= hasDatabases
		w.uint32(uint32(len(msg.Databases)))
		for _, db := range msg.Databases {
			w.database(db)
		}
	}
	if msg.Ok {
		flags |= hasOk
	}
	if msg.Warning {
		flags |= hasWarning
	}
	if msg.Code != errs.CodeOK || msg.Err != "" {
		flags |= hasErr
		w.buf = append(w.buf, byte(msg.Code))
		w.bytes([]byte(msg.Err))
	}
	if msg.Meta != nil {
		flags |= hasMeta
		w.bytes(msg.Meta)
	}

	// Set flags after knowing which fields are present
	binary.BigEndian.PutUint16(w.buf[1:3], flags)

	return w.buf, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	// Check minimum size (MsgType + flags)
	if len(data) < headerSize {
		return fmt.Errorf("data too short for message header")
	}

	*msg = common.Message{MsgType: common.MessageType(data[0])}
	flags := binary.BigEndian.Uint16(data[1:3])
	r := &reader{data: data, pos: headerSize}

	if flags&hasDatabase != 0 {
		msg.Database = string(r.bytes("database"))
	}
	if flags&hasKey != 0 {
		msg.Key = r.bytes("key")
	}
	if flags&hasKeyTo != 0 {
		msg.KeyTo = r.bytes("key_to")
	}
	if flags&hasLimit != 0 {
		msg.Limit = r.uint32("limit")
	}
	if flags&hasValue != 0 {
		msg.Value = r.bytes("value")
	}
	if flags&hasKeys != 0 {
		n := r.count("keys")
		msg.Keys = make([][]byte, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			msg.Keys = append(msg.Keys, r.bytes("keys"))
		}
	}
	if flags&hasOps != 0 {
		n := r.count("ops")
		msg.Ops = make([]common.BatchOp, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			op := common.BatchOp{Delete: r.bool("ops"), Key: r.bytes("ops")}
			// deletes carry no value
			op.Value = nilIf(op.Delete, r.bytes("ops"))
			msg.Ops = append(msg.Ops, op)
		}
	}
	msg.Force = flags&hasForce != 0
	if flags&hasPath != 0 {
		msg.Path = string(r.bytes("path"))
	}
	if flags&hasEngine != 0 {
		msg.Engine = string(r.bytes("engine"))
	}
	if flags&hasPairs != 0 {
		n := r.count("pairs")
		msg.Pairs = make([]common.KVPair, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			p := common.KVPair{Found: r.bool("pairs"), Key: r.bytes("pairs")}
			// missing keys carry no value
			p.Value = nilIf(!p.Found, r.bytes("pairs"))
			msg.Pairs = append(msg.Pairs, p)
		}
	}
	if flags&hasDatabases != 0 {
		n := r.count("databases")
		msg.Databases = make([]common.DatabaseInfo, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			msg.Databases = append(msg.Databases, r.database())
		}
	}
	msg.Ok = flags&hasOk != 0
	msg.Warning = flags&hasWarning != 0
	if flags&hasErr != 0 {
		msg.Code = errs.Code(r.byte("code"))
		msg.Err = string(r.bytes("err"))
	}
	if flags&hasMeta != 0 {
		msg.Meta = r.bytes("meta")
	}

	if r.err != nil {
		return r.err
	}
	if r.pos != len(data) {
		return fmt.Errorf("%d trailing bytes after message", len(data)-r.pos)
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes estimates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	// 1 byte for MsgType + 2 bytes for flags
	size := headerSize
	size += 4 + len(msg.Database)
	size += 4 + len(msg.Key)
	size += 4 + len(msg.KeyTo)
	size += 4 // limit
	size += 4 + len(msg.Value)
	size += 4
	for _, k := range msg.Keys {
		size += 4 + len(k)
	}
	size += 4
	for _, op := range msg.Ops {
		size += 9 + len(op.Key) + len(op.Value)
	}
	size += 8 + len(msg.Path) + len(msg.Engine)
	size += 4
	for _, p := range msg.Pairs {
		size += 9 + len(p.Key) + len(p.Value)
	}
	size += 4 + len(msg.Databases)*96
	size += 5 + len(msg.Err)
	size += 4 + len(msg.Meta)
	return size
}

// writer appends encoded fields to buf
type writer struct {
	buf []byte
}

func (w *writer) uint32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *writer) int64(v int64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v))
}

func (w *writer) bool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *writer) bytes(v []byte) {
	w.uint32(uint32(len(v)))
	w.buf = append(w.buf, v...)
}

func (w *writer) database(db common.DatabaseInfo) {
	w.bytes([]byte(db.Name))
	w.bytes([]byte(db.UID))
	w.bytes([]byte(db.Path))
	w.bytes([]byte(db.Engine))
	w.int64(db.CreatedAt)
	w.bool(db.Mounted)
	w.int64(db.Inflight)
	w.int64(db.LastAccess)
	w.int64(db.MountedAt)
	w.int64(db.Operations)
	w.int64(db.MeanLatency)
	w.int64(db.P99Latency)
	w.buf = binary.BigEndian.AppendUint64(w.buf, math.Float64bits(db.Rate1))
}

// reader decodes fields from data. The first error sticks, later reads
// return zero values.
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) need(n int, field string) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.pos+n > len(r.data) {
		r.err = fmt.Errorf("data too short for %s", field)
		return false
	}
	return true
}

func (r *reader) byte(field string) byte {
	if !r.need(1, field) {
		return 0
	}
	v := r.data[r.pos]
	r.pos++
	return v
}

func (r *reader) bool(field string) bool {
	return r.byte(field) != 0
}

func (r *reader) uint32(field string) uint32 {
	if !r.need(4, field) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.data[r.pos : r.pos+4])
	r.pos += 4
	return v
}

func (r *reader) uint64(field string) uint64 {
	if !r.need(8, field) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.data[r.pos : r.pos+8])
	r.pos += 8
	return v
}

// count reads a list length and rejects lengths that can not fit the rest
// of the data, every element takes at least one byte
func (r *reader) count(field string) int {
	n := int(r.uint32(field))
	if r.err == nil && n > len(r.data)-r.pos {
		r.err = fmt.Errorf("invalid element count %d for %s", n, field)
		return 0
	}
	return n
}

// bytes reads a length prefixed byte string. The result is a copy, so the
// caller may reuse data.
func (r *reader) bytes(field string) []byte {
	n := int(r.uint32(field))
	if !r.need(n, field) {
		return nil
	}
	v := make([]byte, n)
	copy(v, r.data[r.pos:r.pos+n])
	r.pos += n
	return v
}

// nilIf returns nil for empty b when cond holds
func nilIf(cond bool, b []byte) []byte {
	if cond && len(b) == 0 {
		return nil
	}
	return b
}

func (r *reader) database() common.DatabaseInfo {
	return common.DatabaseInfo{
		Name:        string(r.bytes("database name")),
		UID:         string(r.bytes("database uid")),
		Path:        string(r.bytes("database path")),
		Engine:      string(r.bytes("database engine")),
		CreatedAt:   int64(r.uint64("database created_at")),
		Mounted:     r.bool("database mounted"),
		Inflight:    int64(r.uint64("database inflight")),
		LastAccess:  int64(r.uint64("database last_access")),
		MountedAt:   int64(r.uint64("database mounted_at")),
		Operations:  int64(r.uint64("database operations")),
		MeanLatency: int64(r.uint64("database mean_latency")),
		P99Latency:  int64(r.uint64("database p99_latency")),
		Rate1:       math.Float64frombits(r.uint64("database rate1")),
	}
}
