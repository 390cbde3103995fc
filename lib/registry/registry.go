package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ValentinKolb/kvhost/lib/errs"
	"github.com/ValentinKolb/kvhost/lib/manifest"
	"github.com/ValentinKolb/kvhost/lib/stats"
	"github.com/ValentinKolb/kvhost/lib/storage"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	gometrics "github.com/rcrowley/go-metrics"
	"golang.org/x/sync/singleflight"
)

var Logger = logger.GetLogger("registry")

// newTimer creates the operation timer of a mount. Timers register with the
// go-metrics arbiter and must be stopped on unmount.
var newTimer = gometrics.NewTimer

const defaultUnmountTimeout = 30 * time.Second

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// OpenFunc opens the storage handle for a manifest entry
type OpenFunc func(entry manifest.Entry) (storage.Handle, error)

// OpenFromManifest opens entries with the engine recorded in the manifest
func OpenFromManifest(entry manifest.Entry) (storage.Handle, error) {
	return storage.Open(entry.Engine, entry.Path)
}

// Options configures a Registry
type Options struct {
	// Open opens storage handles, defaults to OpenFromManifest
	Open OpenFunc
	// StorageRoot is the directory every database created through the
	// registry lives in. Drop only deletes data below it.
	StorageRoot string
	// DefaultEngine is recorded for databases created without an engine
	DefaultEngine storage.Engine
	// DefaultDB can not be dropped
	DefaultDB string
	// UnmountTimeout bounds how long a forced unmount waits for in-flight operations
	UnmountTimeout time.Duration
	// Metrics is optional
	Metrics *stats.Metrics
	// Now is the clock used for last access times, defaults to time.Now
	Now func() time.Time
}

// --------------------------------------------------------------------------
// Registry
// --------------------------------------------------------------------------

// Registry is the in-memory table of mounted databases layered on top of
// the manifest. All state transitions of one database name are serialized by
// a per-name lock, different names never contend.
type Registry struct {
	manifest *manifest.Store
	opts     Options

	records *xsync.MapOf[string, *record]
	locks   *xsync.MapOf[string, *sync.Mutex]
	mounts  singleflight.Group
}

// New creates a registry backed by the given manifest
func New(m *manifest.Store, opts Options) *Registry {
	if opts.Open == nil {
		opts.Open = OpenFromManifest
	}
	if opts.UnmountTimeout <= 0 {
		opts.UnmountTimeout = defaultUnmountTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &Registry{
		manifest: m,
		opts:     opts,
		records:  xsync.NewMapOf[string, *record](),
		locks:    xsync.NewMapOf[string, *sync.Mutex](),
	}
	opts.Metrics.Gauge(`kvhost_mounted_databases`, func() float64 {
		return float64(r.records.Size())
	})
	return r
}

// Manifest returns the manifest the registry writes through to
func (r *Registry) Manifest() *manifest.Store {
	return r.manifest
}

// DefaultDB returns the name of the default database (may be empty)
func (r *Registry) DefaultDB() string {
	return r.opts.DefaultDB
}

// lockFor returns the transition lock of name
func (r *Registry) lockFor(name string) *sync.Mutex {
	l, _ := r.locks.LoadOrCompute(name, func() *sync.Mutex { return &sync.Mutex{} })
	return l
}

// --------------------------------------------------------------------------
// Mount / Unmount
// --------------------------------------------------------------------------

// EnsureMounted returns the handle of name, mounting it first if needed.
// Concurrent callers for the same name share a single mount attempt and
// observe its result, so at most one handle per name is ever open.
func (r *Registry) EnsureMounted(name string) (storage.Handle, error) {
	if rec, ok := r.records.Load(name); ok {
		if h := rec.activeHandle(); h != nil {
			return h, nil
		}
	}

	// unknown names never reach the lock table
	if !r.manifest.Has(name) {
		return nil, errs.New(errs.CodeNotFound, "database %q does not exist", name)
	}

	v, err, _ := r.mounts.Do(name, func() (interface{}, error) {
		return r.mount(name)
	})
	if err != nil {
		return nil, err
	}
	return v.(storage.Handle), nil
}

// mount performs the Mounting transition while holding the lock of name
func (r *Registry) mount(name string) (storage.Handle, error) {
	lock := r.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	// mounted while we waited for the lock
	if rec, ok := r.records.Load(name); ok {
		if h := rec.activeHandle(); h != nil {
			return h, nil
		}
	}

	entry, err := r.manifest.Get(name)
	if err != nil {
		return nil, err
	}

	rec := &record{name: name, entry: entry, state: Mounting}
	r.records.Store(name, rec)

	start := time.Now()
	h, err := r.opts.Open(entry)
	if err != nil {
		r.records.Delete(name)
		r.opts.Metrics.MountFailed()
		Logger.Errorf("failed to mount database %q at %s: %v", name, entry.Path, err)
		return nil, errs.Wrap(errs.CodeMountFailed, err, "failed to mount database %q", name)
	}

	now := r.opts.Now()
	rec.mu.Lock()
	rec.handle = h
	rec.state = Active
	rec.mountedAt = now
	rec.lastAccess = now
	rec.timer = newTimer()
	rec.mu.Unlock()

	r.opts.Metrics.MountSucceeded()
	Logger.Infof("mounted database %q (%s) in %s", name, entry.Path, time.Since(start))
	return h, nil
}

// Unmount closes the handle of name and removes it from the registry.
// If operations are in flight and force is false it fails with
// errs.CodeBusy and leaves the database mounted. With force it waits up to
// the unmount timeout for them to finish, or fails with
// errs.CodeUnmountTimeout. The manifest is not touched.
func (r *Registry) Unmount(name string, force bool) error {
	return r.unmount(name, force, stats.ReasonClient, time.Time{})
}

// UnmountIdle is Unmount(name, false) for the majordome. It additionally
// fails with errs.CodeBusy if the database was accessed after cutoff, which
// closes the window between the majordome's snapshot and the unmount.
func (r *Registry) UnmountIdle(name string, cutoff time.Time) error {
	return r.unmount(name, false, stats.ReasonMajordome, cutoff)
}

func (r *Registry) unmount(name string, force bool, reason string, idleCutoff time.Time) error {
	if _, ok := r.records.Load(name); !ok {
		return errs.New(errs.CodeNotMounted, "database %q is not mounted", name)
	}

	lock := r.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	rec, ok := r.records.Load(name)
	if !ok {
		return errs.New(errs.CodeNotMounted, "database %q is not mounted", name)
	}

	rec.mu.Lock()
	if rec.state != Active {
		rec.mu.Unlock()
		return errs.New(errs.CodeNotMounted, "database %q is not mounted", name)
	}
	if !idleCutoff.IsZero() && rec.lastAccess.After(idleCutoff) {
		rec.mu.Unlock()
		return errs.New(errs.CodeBusy, "database %q was accessed at %s", name, rec.lastAccess.Format(time.RFC3339))
	}
	rec.state = Unmounting

	if n := rec.inflight; n > 0 {
		if !force {
			rec.state = Active
			rec.mu.Unlock()
			return errs.New(errs.CodeBusy, "database %q has %d in-flight operations", name, n)
		}

		drained := make(chan struct{})
		rec.drained = drained
		rec.mu.Unlock()

		if err := r.waitDrained(rec, drained); err != nil {
			return err
		}
	} else {
		rec.mu.Unlock()
	}

	// the record is Unmounting with no operations in flight, BeginOp rejects new ones
	err := rec.handle.Close()
	r.records.Delete(name)
	rec.stopTimer()
	r.opts.Metrics.Unmounted(reason)

	if err != nil {
		Logger.Errorf("error closing database %q: %v", name, err)
		return errs.Wrap(errs.CodeStorageError, err, "failed to close database %q", name)
	}
	Logger.Infof("unmounted database %q (%s)", name, reason)
	return nil
}

// waitDrained blocks until drained is closed or the unmount timeout expires.
// On timeout the record reverts to Active.
func (r *Registry) waitDrained(rec *record, drained <-chan struct{}) error {
	timer := time.NewTimer(r.opts.UnmountTimeout)
	defer timer.Stop()

	select {
	case <-drained:
		return nil
	case <-timer.C:
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.inflight == 0 {
		// drained right at the deadline
		rec.drained = nil
		return nil
	}
	rec.state = Active
	rec.drained = nil
	return errs.New(errs.CodeUnmountTimeout, "database %q still has %d in-flight operations after %s",
		rec.name, rec.inflight, r.opts.UnmountTimeout)
}

// UnmountAll force-unmounts every mounted database. It is used on shutdown.
func (r *Registry) UnmountAll() error {
	var errList []error
	for _, info := range r.Snapshot() {
		if err := r.unmount(info.Name, true, stats.ReasonShutdown, time.Time{}); err != nil && !errors.Is(err, errs.ErrNotMounted) {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// --------------------------------------------------------------------------
// Operations
// --------------------------------------------------------------------------

// BeginOp marks the start of an operation on name and returns the handle to
// run it against. It fails with errs.CodeNotMounted unless the database is
// Active; the check and the increment happen atomically. Every successful
// BeginOp must be paired with exactly one Op.End (or EndOp).
func (r *Registry) BeginOp(name string) (*Op, error) {
	rec, ok := r.records.Load(name)
	if !ok {
		return nil, errs.New(errs.CodeNotMounted, "database %q is not mounted", name)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state != Active {
		return nil, errs.New(errs.CodeNotMounted, "database %q is not mounted", name)
	}
	rec.inflight++

	return &Op{Handle: rec.handle, Name: name, reg: r, rec: rec, start: time.Now()}, nil
}

// EndOp marks the end of an operation started with BeginOp on name.
func (r *Registry) EndOp(name string) error {
	rec, ok := r.records.Load(name)
	if !ok {
		return errs.New(errs.CodeNotMounted, "database %q is not mounted", name)
	}
	return r.endOp(rec, 0)
}

func (r *Registry) endOp(rec *record, elapsed time.Duration) error {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.inflight == 0 {
		return fmt.Errorf("end of operation on %q without a matching begin", rec.name)
	}
	rec.inflight--
	rec.lastAccess = r.opts.Now()
	if elapsed > 0 && rec.timer != nil {
		rec.timer.Update(elapsed)
	}
	if rec.inflight == 0 && rec.drained != nil {
		close(rec.drained)
		rec.drained = nil
	}
	return nil
}

// --------------------------------------------------------------------------
// Create / Drop
// --------------------------------------------------------------------------

// Create adds a database to the manifest. Its data lives below the storage
// root: an empty path uses the name, a relative path is joined to the root
// and an absolute path must already lie below it. Paths overlapping another
// database fail with errs.CodeAlreadyExists. An empty engine selects the
// default engine.
func (r *Registry) Create(name, path string, engine storage.Engine) (manifest.Entry, error) {
	if err := manifest.ValidateName(name); err != nil {
		return manifest.Entry{}, err
	}
	if engine == "" {
		engine = r.opts.DefaultEngine
	}
	if !storage.Known(engine) {
		return manifest.Entry{}, errs.New(errs.CodeInvalidArgument, "unknown storage engine %q", engine)
	}
	path, err := r.resolvePath(name, path)
	if err != nil {
		return manifest.Entry{}, err
	}

	lock := r.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	return r.manifest.Add(name, path, engine)
}

// Drop removes an unmounted database from the manifest and deletes its
// data directory. Mounted databases fail with errs.CodeStillMounted.
func (r *Registry) Drop(name string) (manifest.Entry, error) {
	if name == r.opts.DefaultDB && name != "" {
		return manifest.Entry{}, errs.New(errs.CodeForbidden, "the default database %q can not be dropped", name)
	}

	if !r.manifest.Has(name) {
		return manifest.Entry{}, errs.New(errs.CodeNotFound, "database %q does not exist", name)
	}

	lock := r.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	if _, mounted := r.records.Load(name); mounted {
		return manifest.Entry{}, errs.New(errs.CodeStillMounted, "database %q is mounted, unmount it first", name)
	}

	entry, err := r.manifest.Remove(name)
	if err != nil {
		return manifest.Entry{}, err
	}
	r.locks.Delete(name)

	if !r.withinRoot(entry.Path) {
		Logger.Warningf("database %q dropped, its data at %s is outside the storage root and was kept", name, entry.Path)
		return entry, nil
	}
	if err := os.RemoveAll(entry.Path); err != nil {
		Logger.Warningf("database %q dropped but its data at %s could not be removed: %v", name, entry.Path, err)
	}
	return entry, nil
}

// resolvePath returns the absolute data path of a new database
func (r *Registry) resolvePath(name, path string) (string, error) {
	if r.opts.StorageRoot == "" {
		return "", errs.New(errs.CodeInvalidArgument, "no storage root configured for database %q", name)
	}
	if path == "" {
		path = name
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.opts.StorageRoot, path)
	}
	path = filepath.Clean(path)
	if !r.withinRoot(path) {
		return "", errs.New(errs.CodeForbidden, "database path %q is outside the storage root %s", path, r.opts.StorageRoot)
	}
	return path, nil
}

// withinRoot reports whether path lies strictly below the storage root
func (r *Registry) withinRoot(path string) bool {
	if r.opts.StorageRoot == "" {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(r.opts.StorageRoot), filepath.Clean(path))
	if err != nil || rel == "." || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// --------------------------------------------------------------------------
// Introspection
// --------------------------------------------------------------------------

// IsMounted reports whether name has a registry record in the Active state
func (r *Registry) IsMounted(name string) bool {
	rec, ok := r.records.Load(name)
	return ok && rec.activeHandle() != nil
}

// Snapshot returns a copy of all registry records sorted by name
func (r *Registry) Snapshot() []RecordInfo {
	var list []RecordInfo
	r.records.Range(func(_ string, rec *record) bool {
		list = append(list, rec.info())
		return true
	})
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Stats returns the runtime statistics of a mounted database
func (r *Registry) Stats(name string) (DatabaseStats, error) {
	rec, ok := r.records.Load(name)
	if !ok {
		return DatabaseStats{}, errs.New(errs.CodeNotMounted, "database %q is not mounted", name)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	s := DatabaseStats{RecordInfo: rec.infoLocked()}
	if rec.timer != nil {
		snap := rec.timer.Snapshot()
		s.Operations = snap.Count()
		s.MeanLatency = time.Duration(snap.Mean())
		s.P99Latency = time.Duration(snap.Percentile(0.99))
		s.Rate1 = snap.Rate1()
	}
	return s, nil
}
