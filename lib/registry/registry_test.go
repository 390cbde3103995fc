package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/kvhost/lib/errs"
	"github.com/ValentinKolb/kvhost/lib/manifest"
	"github.com/ValentinKolb/kvhost/lib/storage"
	_ "github.com/ValentinKolb/kvhost/lib/storage/engines/badger"
	_ "github.com/ValentinKolb/kvhost/lib/storage/engines/bolt"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Test doubles
// --------------------------------------------------------------------------

// memHandle is an in-memory storage.Handle that records Close
type memHandle struct {
	mu     sync.Mutex
	data   map[string][]byte
	closed atomic.Bool
}

func (h *memHandle) Get(key []byte) ([]byte, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.data[string(key)]
	return v, ok, nil
}

func (h *memHandle) Put(key, value []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data[string(key)] = value
	return nil
}

func (h *memHandle) Delete(key []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.data, string(key))
	return nil
}

func (h *memHandle) Write(ops []storage.BatchOp) error { return nil }

func (h *memHandle) Scan(from, to []byte, limit int, fn storage.ScanFunc) error { return nil }

func (h *memHandle) Close() error {
	h.closed.Store(true)
	return nil
}

// countingOpener counts open calls and optionally delays or fails them
type countingOpener struct {
	opens   atomic.Int64
	delay   time.Duration
	fail    error
	handles []*memHandle
	mu      sync.Mutex
}

func (o *countingOpener) open(entry manifest.Entry) (storage.Handle, error) {
	o.opens.Add(1)
	time.Sleep(o.delay)
	if o.fail != nil {
		return nil, o.fail
	}
	h := &memHandle{data: map[string][]byte{}}
	o.mu.Lock()
	o.handles = append(o.handles, h)
	o.mu.Unlock()
	return h, nil
}

func newRegistry(t *testing.T, opener *countingOpener, opts Options) *Registry {
	t.Helper()
	dir := t.TempDir()
	m, err := manifest.Load(filepath.Join(dir, "databases.yaml"))
	require.NoError(t, err)

	if opener != nil {
		opts.Open = opener.open
	}
	if opts.StorageRoot == "" {
		opts.StorageRoot = filepath.Join(dir, "data")
	}
	return New(m, opts)
}

func mustCreate(t *testing.T, r *Registry, name string) manifest.Entry {
	t.Helper()
	e, err := r.Create(name, "", "")
	require.NoError(t, err)
	return e
}

// --------------------------------------------------------------------------
// Mount
// --------------------------------------------------------------------------

func TestConcurrentEnsureMountedOpensOnce(t *testing.T) {
	opener := &countingOpener{delay: 20 * time.Millisecond}
	r := newRegistry(t, opener, Options{})
	mustCreate(t, r, "orders")

	const callers = 50
	handles := make([]storage.Handle, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := r.EnsureMounted("orders")
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), opener.opens.Load(), "exactly one storage handle must be opened")
	for i := 1; i < callers; i++ {
		assert.Same(t, handles[0], handles[i])
	}
	assert.True(t, r.IsMounted("orders"))
}

func TestEnsureMountedUnknownDatabase(t *testing.T) {
	opener := &countingOpener{}
	r := newRegistry(t, opener, Options{})

	_, err := r.EnsureMounted("missing")
	require.ErrorIs(t, err, errs.ErrNotFound)
	assert.Zero(t, opener.opens.Load())
	assert.Empty(t, r.Snapshot())
}

func TestMountFailureLeavesNoRecord(t *testing.T) {
	cause := errors.New("permission denied")
	opener := &countingOpener{delay: 10 * time.Millisecond, fail: cause}
	r := newRegistry(t, opener, Options{})
	mustCreate(t, r, "broken")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.EnsureMounted("broken")
			assert.ErrorIs(t, err, errs.ErrMountFailed)
			assert.ErrorIs(t, err, cause)
		}()
	}
	wg.Wait()

	assert.Empty(t, r.Snapshot())
	assert.False(t, r.IsMounted("broken"))
	_, err := r.BeginOp("broken")
	assert.ErrorIs(t, err, errs.ErrNotMounted)
}

func TestMountFailureOnRealStorage(t *testing.T) {
	r := newRegistry(t, nil, Options{})

	// a regular file where badger expects a directory
	require.NoError(t, os.MkdirAll(r.opts.StorageRoot, 0o755))
	path := filepath.Join(r.opts.StorageRoot, "file")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	_, err := r.Create("corrupt", path, storage.EngineBadger)
	require.NoError(t, err)

	_, err = r.EnsureMounted("corrupt")
	require.ErrorIs(t, err, errs.ErrMountFailed)
	assert.Empty(t, r.Snapshot())
}

// stopRecordingTimer records Stop so tests can see the timer left the arbiter
type stopRecordingTimer struct {
	gometrics.Timer
	stopped atomic.Bool
}

func (t *stopRecordingTimer) Stop() {
	t.stopped.Store(true)
	t.Timer.Stop()
}

func TestUnmountStopsOperationTimer(t *testing.T) {
	var mu sync.Mutex
	var timers []*stopRecordingTimer
	orig := newTimer
	newTimer = func() gometrics.Timer {
		tm := &stopRecordingTimer{Timer: orig()}
		mu.Lock()
		timers = append(timers, tm)
		mu.Unlock()
		return tm
	}
	t.Cleanup(func() { newTimer = orig })

	r := newRegistry(t, &countingOpener{}, Options{})
	mustCreate(t, r, "orders")

	for i := 0; i < 3; i++ {
		_, err := r.EnsureMounted("orders")
		require.NoError(t, err)
		require.NoError(t, r.Unmount("orders", false))
	}
	_, err := r.EnsureMounted("orders")
	require.NoError(t, err)
	require.NoError(t, r.UnmountAll())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, timers, 4)
	for i, tm := range timers {
		assert.True(t, tm.stopped.Load(), "timer of mount %d was not stopped", i)
	}
}

func TestRemountOpensNewHandle(t *testing.T) {
	opener := &countingOpener{}
	r := newRegistry(t, opener, Options{})
	mustCreate(t, r, "orders")

	first, err := r.EnsureMounted("orders")
	require.NoError(t, err)
	require.NoError(t, r.Unmount("orders", false))
	assert.True(t, first.(*memHandle).closed.Load())

	second, err := r.EnsureMounted("orders")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, int64(2), opener.opens.Load())
}

// --------------------------------------------------------------------------
// Operations & Unmount
// --------------------------------------------------------------------------

func TestBeginOpRequiresMount(t *testing.T) {
	r := newRegistry(t, &countingOpener{}, Options{})
	mustCreate(t, r, "orders")

	_, err := r.BeginOp("orders")
	require.ErrorIs(t, err, errs.ErrNotMounted)

	_, err = r.EnsureMounted("orders")
	require.NoError(t, err)

	op, err := r.BeginOp("orders")
	require.NoError(t, err)
	require.NoError(t, op.Handle.Put([]byte("k"), []byte("v")))
	op.End()
	op.End() // idempotent

	info := r.Snapshot()[0]
	assert.Equal(t, Active, info.State)
	assert.Zero(t, info.Inflight)
}

func TestEndOpByName(t *testing.T) {
	r := newRegistry(t, &countingOpener{}, Options{})
	mustCreate(t, r, "orders")
	_, err := r.EnsureMounted("orders")
	require.NoError(t, err)

	_, err = r.BeginOp("orders")
	require.NoError(t, err)
	require.NoError(t, r.EndOp("orders"))

	// unbalanced end
	assert.Error(t, r.EndOp("orders"))
	assert.ErrorIs(t, r.EndOp("missing"), errs.ErrNotMounted)
}

func TestEndOpUpdatesLastAccess(t *testing.T) {
	var now atomic.Int64
	now.Store(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	clock := func() time.Time { return time.Unix(0, now.Load()) }

	r := newRegistry(t, &countingOpener{}, Options{Now: clock})
	mustCreate(t, r, "orders")
	_, err := r.EnsureMounted("orders")
	require.NoError(t, err)
	mountedAt := r.Snapshot()[0].LastAccess

	now.Add(int64(time.Hour))
	op, err := r.BeginOp("orders")
	require.NoError(t, err)
	op.End()

	assert.Equal(t, mountedAt.Add(time.Hour), r.Snapshot()[0].LastAccess)
}

func TestUnmountBusy(t *testing.T) {
	opener := &countingOpener{}
	r := newRegistry(t, opener, Options{})
	mustCreate(t, r, "orders")
	_, err := r.EnsureMounted("orders")
	require.NoError(t, err)

	op, err := r.BeginOp("orders")
	require.NoError(t, err)

	err = r.Unmount("orders", false)
	require.ErrorIs(t, err, errs.ErrBusy)
	assert.True(t, r.IsMounted("orders"), "a busy unmount must leave the record active")
	assert.False(t, opener.handles[0].closed.Load())

	op.End()
	require.NoError(t, r.Unmount("orders", false))
	assert.True(t, opener.handles[0].closed.Load())

	_, err = r.BeginOp("orders")
	assert.ErrorIs(t, err, errs.ErrNotMounted)
	assert.ErrorIs(t, r.Unmount("orders", false), errs.ErrNotMounted)
}

func TestForcedUnmountWaitsForInflight(t *testing.T) {
	r := newRegistry(t, &countingOpener{}, Options{UnmountTimeout: 5 * time.Second})
	mustCreate(t, r, "orders")
	_, err := r.EnsureMounted("orders")
	require.NoError(t, err)

	op, err := r.BeginOp("orders")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- r.Unmount("orders", true) }()

	// while draining no new operation may start
	require.Eventually(t, func() bool {
		probe, err := r.BeginOp("orders")
		if err == nil {
			// the unmount has not started draining yet
			probe.End()
			return false
		}
		return errors.Is(err, errs.ErrNotMounted)
	}, time.Second, 5*time.Millisecond)

	select {
	case err := <-done:
		t.Fatalf("unmount returned before the operation ended: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	op.End()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("forced unmount did not finish after the operation ended")
	}
	assert.False(t, r.IsMounted("orders"))
}

func TestForcedUnmountTimeout(t *testing.T) {
	r := newRegistry(t, &countingOpener{}, Options{UnmountTimeout: 50 * time.Millisecond})
	mustCreate(t, r, "orders")
	_, err := r.EnsureMounted("orders")
	require.NoError(t, err)

	op, err := r.BeginOp("orders")
	require.NoError(t, err)
	defer op.End()

	err = r.Unmount("orders", true)
	require.ErrorIs(t, err, errs.ErrUnmountTimeout)

	// the record is back to active and usable
	assert.True(t, r.IsMounted("orders"))
	op2, err := r.BeginOp("orders")
	require.NoError(t, err)
	op2.End()
}

func TestOrdersScenario(t *testing.T) {
	r := newRegistry(t, nil, Options{UnmountTimeout: 5 * time.Second})
	_, err := r.Create("orders", "", storage.EngineBadger)
	require.NoError(t, err)

	_, err = r.EnsureMounted("orders")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			op, err := r.BeginOp("orders")
			if !assert.NoError(t, err) {
				return
			}
			defer op.End()
			assert.NoError(t, op.Handle.Put([]byte(fmt.Sprintf("order-%d", i)), []byte("paid")))
		}(i)
	}
	wg.Wait()

	s, err := r.Stats("orders")
	require.NoError(t, err)
	assert.Zero(t, s.Inflight)
	assert.Equal(t, int64(5), s.Operations)

	start := time.Now()
	require.NoError(t, r.Unmount("orders", true))
	assert.Less(t, time.Since(start), 5*time.Second)

	// data survives the remount
	h, err := r.EnsureMounted("orders")
	require.NoError(t, err)
	v, ok, err := h.Get([]byte("order-3"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "paid", string(v))
	require.NoError(t, r.UnmountAll())
}

// --------------------------------------------------------------------------
// Create / Drop
// --------------------------------------------------------------------------

func TestCreate(t *testing.T) {
	r := newRegistry(t, &countingOpener{}, Options{DefaultEngine: storage.EngineBolt})

	e := mustCreate(t, r, "orders")
	assert.Equal(t, storage.EngineBolt, e.Engine)
	assert.Equal(t, "orders", filepath.Base(e.Path))

	_, err := r.Create("orders", "", "")
	assert.ErrorIs(t, err, errs.ErrAlreadyExists)

	_, err = r.Create("other", "", "leveldb")
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	_, err = r.Create("bad/name", "", "")
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestDropRequiresUnmount(t *testing.T) {
	r := newRegistry(t, nil, Options{})
	e, err := r.Create("orders", "", storage.EngineBadger)
	require.NoError(t, err)

	_, err = r.EnsureMounted("orders")
	require.NoError(t, err)

	_, err = r.Drop("orders")
	require.ErrorIs(t, err, errs.ErrStillMounted)
	assert.True(t, r.Manifest().Has("orders"))

	require.NoError(t, r.Unmount("orders", false))
	_, err = r.Drop("orders")
	require.NoError(t, err)
	assert.False(t, r.Manifest().Has("orders"))
	_, statErr := os.Stat(e.Path)
	assert.True(t, os.IsNotExist(statErr), "data directory must be removed")

	_, err = r.Drop("orders")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCreateConfinesPathsToStorageRoot(t *testing.T) {
	r := newRegistry(t, &countingOpener{}, Options{})
	root := r.opts.StorageRoot

	e, err := r.Create("orders", "shop/orders", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "shop", "orders"), e.Path)

	e, err = r.Create("users", filepath.Join(root, "users"), "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "users"), e.Path)

	outside := t.TempDir()
	for name, path := range map[string]string{
		"absolute": outside,
		"escape":   "../../precious",
		"root":     root,
		"dotdot":   filepath.Join(root, "..", "sibling"),
	} {
		_, err := r.Create(name, path, "")
		assert.ErrorIs(t, err, errs.ErrForbidden, name)
		assert.False(t, r.Manifest().Has(name))
	}

	// a second name on the data of another database
	_, err = r.Create("alias", "users", "")
	assert.ErrorIs(t, err, errs.ErrAlreadyExists)
	_, err = r.Create("nested", "users/inner", "")
	assert.ErrorIs(t, err, errs.ErrAlreadyExists)
}

func TestDropKeepsDataOutsideStorageRoot(t *testing.T) {
	r := newRegistry(t, &countingOpener{}, Options{})

	// entries written by hand into the manifest may point anywhere
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "keep"), []byte("x"), 0o600))
	_, err := r.Manifest().Add("legacy", outside, storage.EngineBadger)
	require.NoError(t, err)

	_, err = r.Drop("legacy")
	require.NoError(t, err)
	assert.False(t, r.Manifest().Has("legacy"))
	_, statErr := os.Stat(filepath.Join(outside, "keep"))
	assert.NoError(t, statErr, "data outside the storage root must not be deleted")
}

func TestUnknownNamesDoNotGrowLockTable(t *testing.T) {
	r := newRegistry(t, &countingOpener{}, Options{})
	mustCreate(t, r, "orders")
	before := r.locks.Size()

	for i := 0; i < 100; i++ {
		name := fmt.Sprintf("nope-%d", i)
		_, err := r.EnsureMounted(name)
		assert.ErrorIs(t, err, errs.ErrNotFound)
		assert.ErrorIs(t, r.Unmount(name, true), errs.ErrNotMounted)
		_, err = r.Drop(name)
		assert.ErrorIs(t, err, errs.ErrNotFound)
	}
	assert.Equal(t, before, r.locks.Size())

	_, err := r.Drop("orders")
	require.NoError(t, err)
	_, ok := r.locks.Load("orders")
	assert.False(t, ok, "drop must release the lock of the name")
}

func TestDropMissingKeepsManifestFile(t *testing.T) {
	r := newRegistry(t, &countingOpener{}, Options{})
	mustCreate(t, r, "orders")

	before, err := os.ReadFile(r.Manifest().Path())
	require.NoError(t, err)

	_, err = r.Drop("missing")
	require.ErrorIs(t, err, errs.ErrNotFound)

	after, err := os.ReadFile(r.Manifest().Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestDropDefaultForbidden(t *testing.T) {
	r := newRegistry(t, &countingOpener{}, Options{DefaultDB: "default"})
	mustCreate(t, r, "default")

	_, err := r.Drop("default")
	assert.ErrorIs(t, err, errs.ErrForbidden)
	assert.True(t, r.Manifest().Has("default"))
}

func TestUnrelatedDatabasesDoNotContend(t *testing.T) {
	slow := &countingOpener{delay: 300 * time.Millisecond}
	r := newRegistry(t, slow, Options{})
	mustCreate(t, r, "slow")
	mustCreate(t, r, "fast")

	// mount fast first so it is already active
	_, err := r.EnsureMounted("fast")
	require.NoError(t, err)

	go func() { _, _ = r.EnsureMounted("slow") }()
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	op, err := r.BeginOp("fast")
	require.NoError(t, err)
	op.End()
	require.NoError(t, r.Unmount("fast", false))
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestUnmountIdleRechecksLastAccess(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	r := newRegistry(t, &countingOpener{}, Options{Now: clock})
	mustCreate(t, r, "orders")

	_, err := r.EnsureMounted("orders")
	require.NoError(t, err)

	// accessed after the cutoff, the majordome snapshot is stale
	err = r.UnmountIdle("orders", now.Add(-time.Minute))
	assert.ErrorIs(t, err, errs.ErrBusy)
	assert.True(t, r.IsMounted("orders"))

	err = r.UnmountIdle("orders", now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, r.IsMounted("orders"))
}
