package server

import (
	"errors"

	"github.com/ValentinKolb/kvhost/lib/errs"
	"github.com/ValentinKolb/kvhost/lib/manifest"
	"github.com/ValentinKolb/kvhost/lib/registry"
	"github.com/ValentinKolb/kvhost/lib/storage"
	"github.com/ValentinKolb/kvhost/rpc/common"
)

// NewAdminServerAdapter creates the adapter for the database lifecycle operations
func NewAdminServerAdapter(reg *registry.Registry) IRPCServerAdapter {
	return &adminServerAdapterImpl{reg: reg}
}

type adminServerAdapterImpl struct {
	reg *registry.Registry
}

func (adapter *adminServerAdapterImpl) Handle(req *common.Message) *common.Message {
	reg := adapter.reg

	switch req.MsgType {
	case common.MsgTDBList:
		return common.NewDatabasesResponse(req.MsgType, listDatabases(reg), nil)

	case common.MsgTDBCreate:
		if req.Database == "" {
			return common.NewResponse(req.MsgType, errs.New(errs.CodeInvalidArgument, "db.create needs a database name"))
		}
		entry, err := reg.Create(req.Database, req.Path, storage.Engine(req.Engine))
		if err != nil {
			return common.NewResponse(req.MsgType, err)
		}
		Logger.Infof("created database %q at %s (%s)", entry.Name, entry.Path, entry.Engine)
		return common.NewDatabasesResponse(req.MsgType, []common.DatabaseInfo{entryInfo(entry)}, nil)

	case common.MsgTDBDrop:
		if req.Database == "" {
			return common.NewResponse(req.MsgType, errs.New(errs.CodeInvalidArgument, "db.drop needs a database name"))
		}
		entry, err := reg.Drop(req.Database)
		if err != nil {
			return common.NewResponse(req.MsgType, err)
		}
		Logger.Infof("dropped database %q", entry.Name)
		return common.NewDatabasesResponse(req.MsgType, []common.DatabaseInfo{entryInfo(entry)}, nil)
	}

	// the remaining operations default to the default database
	name, err := resolve(req.Database, reg.DefaultDB())
	if err != nil {
		return common.NewResponse(req.MsgType, err)
	}

	switch req.MsgType {
	case common.MsgTDBConnect, common.MsgTDBMount:
		if _, err := reg.EnsureMounted(name); err != nil {
			return common.NewResponse(req.MsgType, err)
		}
		return adapter.describe(req.MsgType, name)

	case common.MsgTDBUnmount:
		if err := reg.Unmount(name, req.Force); err != nil {
			return common.NewResponse(req.MsgType, err)
		}
		return adapter.describe(req.MsgType, name)

	case common.MsgTDBStats:
		if !reg.Manifest().Has(name) {
			return common.NewResponse(req.MsgType, errs.New(errs.CodeNotFound, "database %q does not exist", name))
		}
		s, err := reg.Stats(name)
		if errors.Is(err, errs.ErrNotMounted) {
			// unmounted databases have no runtime statistics
			return adapter.describe(req.MsgType, name)
		}
		if err != nil {
			return common.NewResponse(req.MsgType, err)
		}
		entry, err := reg.Manifest().Get(name)
		if err != nil {
			return common.NewResponse(req.MsgType, err)
		}
		info := entryInfo(entry)
		applyRecord(&info, s.RecordInfo)
		info.Operations = s.Operations
		info.MeanLatency = int64(s.MeanLatency)
		info.P99Latency = int64(s.P99Latency)
		info.Rate1 = s.Rate1
		return common.NewDatabasesResponse(req.MsgType, []common.DatabaseInfo{info}, nil)
	}

	return common.NewErrorResponse(errs.CodeProtocolError, "unsupported message type: "+req.MsgType.String())
}

// describe answers with the manifest entry and mount state of name
func (adapter *adminServerAdapterImpl) describe(t common.MessageType, name string) *common.Message {
	entry, err := adapter.reg.Manifest().Get(name)
	if err != nil {
		return common.NewResponse(t, err)
	}
	info := entryInfo(entry)
	for _, rec := range adapter.reg.Snapshot() {
		if rec.Name == name {
			applyRecord(&info, rec)
		}
	}
	return common.NewDatabasesResponse(t, []common.DatabaseInfo{info}, nil)
}

// listDatabases merges the manifest with the registry records
func listDatabases(reg *registry.Registry) []common.DatabaseInfo {
	records := map[string]registry.RecordInfo{}
	for _, rec := range reg.Snapshot() {
		records[rec.Name] = rec
	}

	entries := reg.Manifest().List()
	infos := make([]common.DatabaseInfo, 0, len(entries))
	for _, entry := range entries {
		info := entryInfo(entry)
		if rec, ok := records[entry.Name]; ok {
			applyRecord(&info, rec)
		}
		infos = append(infos, info)
	}
	return infos
}

func entryInfo(entry manifest.Entry) common.DatabaseInfo {
	return common.DatabaseInfo{
		Name:      entry.Name,
		UID:       entry.UID,
		Path:      entry.Path,
		Engine:    string(entry.Engine),
		CreatedAt: entry.CreatedAt.UnixNano(),
	}
}

func applyRecord(info *common.DatabaseInfo, rec registry.RecordInfo) {
	info.Mounted = rec.State == registry.Active
	info.Inflight = rec.Inflight
	if !rec.LastAccess.IsZero() {
		info.LastAccess = rec.LastAccess.UnixNano()
	}
	if !rec.MountedAt.IsZero() {
		info.MountedAt = rec.MountedAt.UnixNano()
	}
}
