package server

import (
	"bytes"
	"errors"

	"github.com/ValentinKolb/kvhost/lib/errs"
	"github.com/ValentinKolb/kvhost/lib/registry"
	"github.com/ValentinKolb/kvhost/lib/storage"
	"github.com/ValentinKolb/kvhost/rpc/common"
)

// mountAttempts bounds how often a request mounts its database again when it
// loses the race against an unmount between EnsureMounted and BeginOp
const mountAttempts = 3

// NewDataServerAdapter creates the adapter for key value operations. Every
// request is bracketed by BeginOp and End on its database.
func NewDataServerAdapter(reg *registry.Registry) IRPCServerAdapter {
	return &dataServerAdapterImpl{reg: reg}
}

type dataServerAdapterImpl struct {
	reg *registry.Registry
}

func (adapter *dataServerAdapterImpl) Handle(req *common.Message) *common.Message {
	if err := validateDataRequest(req); err != nil {
		return common.NewResponse(req.MsgType, err)
	}

	name, err := resolve(req.Database, adapter.reg.DefaultDB())
	if err != nil {
		return common.NewResponse(req.MsgType, err)
	}

	op, err := acquire(adapter.reg, name)
	if err != nil {
		return common.NewResponse(req.MsgType, err)
	}
	// End runs on every path, including a failing execute
	defer op.End()

	return execute(req, op.Handle)
}

// resolve returns the database a request targets
func resolve(name, defaultDB string) (string, error) {
	if name != "" {
		return name, nil
	}
	if defaultDB == "" {
		return "", errs.New(errs.CodeNotFound, "request names no database and no default database is configured")
	}
	return defaultDB, nil
}

// acquire mounts name if needed and starts an operation on it
func acquire(reg *registry.Registry, name string) (*registry.Op, error) {
	var lastErr error
	for i := 0; i < mountAttempts; i++ {
		if _, err := reg.EnsureMounted(name); err != nil {
			return nil, err
		}
		op, err := reg.BeginOp(name)
		if err == nil {
			return op, nil
		}
		if !errors.Is(err, errs.ErrNotMounted) {
			return nil, err
		}
		// unmounted between EnsureMounted and BeginOp
		lastErr = err
	}
	return nil, lastErr
}

// validateDataRequest checks the fields every operation needs
func validateDataRequest(req *common.Message) error {
	switch req.MsgType {
	case common.MsgTGet, common.MsgTPut, common.MsgTDelete, common.MsgTHas:
		if len(req.Key) == 0 {
			return errs.New(errs.CodeInvalidArgument, "%s needs a non empty key", req.MsgType)
		}
	case common.MsgTRange:
		if len(req.KeyTo) > 0 && bytes.Compare(req.KeyTo, req.Key) < 0 {
			return errs.New(errs.CodeInvalidArgument, "range upper bound is below the lower bound")
		}
	case common.MsgTSlice:
		if req.Limit == 0 {
			return errs.New(errs.CodeInvalidArgument, "slice needs a count above zero")
		}
	case common.MsgTBatch:
		for i, op := range req.Ops {
			if len(op.Key) == 0 {
				return errs.New(errs.CodeInvalidArgument, "batch operation %d has an empty key", i)
			}
		}
	case common.MsgTMGet:
		for i, key := range req.Keys {
			if len(key) == 0 {
				return errs.New(errs.CodeInvalidArgument, "mget key %d is empty", i)
			}
		}
	default:
		return errs.New(errs.CodeProtocolError, "unsupported message type: %s", req.MsgType)
	}
	return nil
}

// execute runs a validated request against a pinned storage handle
func execute(req *common.Message, h storage.Handle) *common.Message {
	switch req.MsgType {
	case common.MsgTGet:
		val, ok, err := h.Get(req.Key)
		return common.NewGetResponse(val, ok, storageErr(err))

	case common.MsgTPut:
		return common.NewResponse(req.MsgType, storageErr(h.Put(req.Key, req.Value)))

	case common.MsgTDelete:
		return common.NewResponse(req.MsgType, storageErr(h.Delete(req.Key)))

	case common.MsgTHas:
		_, ok, err := h.Get(req.Key)
		return common.NewHasResponse(ok, storageErr(err))

	case common.MsgTRange:
		var to []byte
		if len(req.KeyTo) > 0 {
			to = req.KeyTo
		}
		pairs, err := scan(h, req.Key, to, int(req.Limit))
		return common.NewPairsResponse(req.MsgType, pairs, false, err)

	case common.MsgTSlice:
		pairs, err := scan(h, req.Key, nil, int(req.Limit))
		return common.NewPairsResponse(req.MsgType, pairs, false, err)

	case common.MsgTBatch:
		ops := make([]storage.BatchOp, len(req.Ops))
		for i, op := range req.Ops {
			ops[i] = storage.BatchOp{Kind: storage.BatchPut, Key: op.Key, Value: op.Value}
			if op.Delete {
				ops[i] = storage.BatchOp{Kind: storage.BatchDelete, Key: op.Key}
			}
		}
		return common.NewResponse(req.MsgType, storageErr(h.Write(ops)))

	case common.MsgTMGet:
		pairs := make([]common.KVPair, len(req.Keys))
		missing := false
		for i, key := range req.Keys {
			val, ok, err := h.Get(key)
			if err != nil {
				return common.NewPairsResponse(req.MsgType, nil, false, storageErr(err))
			}
			pairs[i] = common.KVPair{Key: key, Value: val, Found: ok}
			missing = missing || !ok
		}
		return common.NewPairsResponse(req.MsgType, pairs, missing, nil)
	}

	return common.NewErrorResponse(errs.CodeProtocolError, "unsupported message type: "+req.MsgType.String())
}

// scan collects the pairs of a key range, copying keys and values out of
// the engine's buffers
func scan(h storage.Handle, from, to []byte, limit int) ([]common.KVPair, error) {
	pairs := []common.KVPair{}
	err := h.Scan(from, to, limit, func(key, value []byte) bool {
		pairs = append(pairs, common.KVPair{
			Key:   append([]byte(nil), key...),
			Value: append([]byte{}, value...),
			Found: true,
		})
		return true
	})
	if err != nil {
		return nil, storageErr(err)
	}
	return pairs, nil
}

// storageErr classifies engine errors that carry no code
func storageErr(err error) error {
	if err == nil {
		return nil
	}
	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}
	return errs.Wrap(errs.CodeStorageError, err, "storage operation failed")
}
