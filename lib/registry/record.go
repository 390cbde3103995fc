package registry

import (
	"sync"
	"time"

	"github.com/ValentinKolb/kvhost/lib/manifest"
	"github.com/ValentinKolb/kvhost/lib/storage"
	gometrics "github.com/rcrowley/go-metrics"
)

// MountState is the state of a registry record. Mounting and Unmounting
// only exist while the transition lock of the name is held.
type MountState uint8

const (
	Mounting MountState = iota + 1
	Active
	Unmounting
)

func (s MountState) String() string {
	switch s {
	case Mounting:
		return "mounting"
	case Active:
		return "active"
	case Unmounting:
		return "unmounting"
	default:
		return "unknown"
	}
}

// record is the registry entry of one mounted database
type record struct {
	name  string
	entry manifest.Entry

	mu         sync.Mutex // protects the fields below
	state      MountState
	handle     storage.Handle
	inflight   int64
	lastAccess time.Time
	mountedAt  time.Time
	drained    chan struct{} // closed when inflight reaches zero during a forced unmount
	timer      gometrics.Timer
}

// activeHandle returns the handle if the record is Active, nil otherwise
func (rec *record) activeHandle() storage.Handle {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state != Active {
		return nil
	}
	return rec.handle
}

// stopTimer detaches the operation timer from the go-metrics arbiter
func (rec *record) stopTimer() {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.timer != nil {
		rec.timer.Stop()
	}
}

func (rec *record) info() RecordInfo {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.infoLocked()
}

func (rec *record) infoLocked() RecordInfo {
	return RecordInfo{
		Name:       rec.name,
		Path:       rec.entry.Path,
		State:      rec.state,
		Inflight:   rec.inflight,
		LastAccess: rec.lastAccess,
		MountedAt:  rec.mountedAt,
	}
}

// RecordInfo is a point in time copy of a registry record
type RecordInfo struct {
	Name       string
	Path       string
	State      MountState
	Inflight   int64
	LastAccess time.Time
	MountedAt  time.Time
}

// DatabaseStats extends RecordInfo with operation latency statistics
type DatabaseStats struct {
	RecordInfo
	Operations  int64
	MeanLatency time.Duration
	P99Latency  time.Duration
	Rate1       float64 // operations per second, one minute moving average
}

// --------------------------------------------------------------------------
// Op
// --------------------------------------------------------------------------

// Op is an operation in flight on a mounted database, returned by BeginOp.
// End must be called exactly once, typically deferred right after BeginOp.
type Op struct {
	// Handle is the storage handle pinned for the duration of the operation
	Handle storage.Handle
	// Name is the database name
	Name string

	reg   *Registry
	rec   *record
	start time.Time
	once  sync.Once
}

// End releases the operation. Calls after the first are no-ops.
func (op *Op) End() {
	op.once.Do(func() {
		if err := op.reg.endOp(op.rec, max(time.Since(op.start), time.Nanosecond)); err != nil {
			Logger.Errorf("%v", err)
		}
	})
}
