package testing

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/ValentinKolb/kvhost/lib/storage"
)

// OpenFunc opens a fresh handle rooted at path
type OpenFunc func(path string) (storage.Handle, error)

// RunHandleTests runs the conformance suite for a storage.Handle implementation.
// Every sub test gets its own directory below t.TempDir().
func RunHandleTests(t *testing.T, name string, open OpenFunc) {
	t.Run(name, func(t *testing.T) {
		t.Run("Put&Get", func(t *testing.T) {
			testPutGet(t, mustOpen(t, open, t.TempDir()))
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, mustOpen(t, open, t.TempDir()))
		})

		t.Run("Batch", func(t *testing.T) {
			testBatch(t, mustOpen(t, open, t.TempDir()))
		})

		t.Run("ScanRange", func(t *testing.T) {
			testScanRange(t, mustOpen(t, open, t.TempDir()))
		})

		t.Run("ScanLimit", func(t *testing.T) {
			testScanLimit(t, mustOpen(t, open, t.TempDir()))
		})

		t.Run("Reopen", func(t *testing.T) {
			testReopen(t, open)
		})

		t.Run("Concurrent", func(t *testing.T) {
			testConcurrent(t, mustOpen(t, open, t.TempDir()))
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// mustOpen opens a handle and closes it when the test ends
func mustOpen(t *testing.T, open OpenFunc, path string) storage.Handle {
	t.Helper()
	h, err := open(path)
	if err != nil {
		t.Fatalf("failed to open handle at %s: %v", path, err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func mustGet(t *testing.T, h storage.Handle, key string) ([]byte, bool) {
	t.Helper()
	v, ok, err := h.Get([]byte(key))
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", key, err)
	}
	return v, ok
}

func collect(t *testing.T, h storage.Handle, from, to []byte, limit int) []string {
	t.Helper()
	var keys []string
	err := h.Scan(from, to, limit, func(key, value []byte) bool {
		keys = append(keys, fmt.Sprintf("%s=%s", key, value))
		return true
	})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	return keys
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testPutGet(t *testing.T, h storage.Handle) {
	if _, ok := mustGet(t, h, "missing"); ok {
		t.Errorf("expected missing key to be absent")
	}

	if err := h.Put([]byte("key1"), []byte("value1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	v, ok := mustGet(t, h, "key1")
	if !ok || !bytes.Equal(v, []byte("value1")) {
		t.Errorf("expected value1, got %q (found=%v)", v, ok)
	}

	// overwrite
	if err := h.Put([]byte("key1"), []byte("value2")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	v, _ = mustGet(t, h, "key1")
	if !bytes.Equal(v, []byte("value2")) {
		t.Errorf("expected value2 after overwrite, got %q", v)
	}

	// empty value
	if err := h.Put([]byte("empty"), []byte{}); err != nil {
		t.Fatalf("Put of empty value failed: %v", err)
	}
	v, ok = mustGet(t, h, "empty")
	if !ok || len(v) != 0 {
		t.Errorf("expected empty value to be found, got %q (found=%v)", v, ok)
	}
}

func testDelete(t *testing.T, h storage.Handle) {
	_ = h.Put([]byte("key"), []byte("value"))
	if err := h.Delete([]byte("key")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok := mustGet(t, h, "key"); ok {
		t.Errorf("expected key to be deleted")
	}
	// deleting a missing key is not an error
	if err := h.Delete([]byte("never-existed")); err != nil {
		t.Errorf("Delete of missing key failed: %v", err)
	}
}

func testBatch(t *testing.T, h storage.Handle) {
	_ = h.Put([]byte("old"), []byte("x"))

	err := h.Write([]storage.BatchOp{
		{Kind: storage.BatchPut, Key: []byte("a"), Value: []byte("1")},
		{Kind: storage.BatchPut, Key: []byte("b"), Value: []byte("2")},
		{Kind: storage.BatchDelete, Key: []byte("old")},
	})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got := collect(t, h, nil, nil, 0)
	want := []string{"a=1", "b=2"}
	if !equalStrings(got, want) {
		t.Errorf("expected %v after batch, got %v", want, got)
	}

	// an invalid op aborts the whole batch
	err = h.Write([]storage.BatchOp{
		{Kind: storage.BatchPut, Key: []byte("c"), Value: []byte("3")},
		{Kind: 0, Key: []byte("d")},
	})
	if err == nil {
		t.Fatalf("expected batch with unknown op kind to fail")
	}
	if _, ok := mustGet(t, h, "c"); ok {
		t.Errorf("expected failed batch to leave no writes behind")
	}
}

func testScanRange(t *testing.T, h storage.Handle) {
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		_ = h.Put([]byte(k), []byte(k+k))
	}

	got := collect(t, h, []byte("b"), []byte("d"), 0)
	want := []string{"b=bb", "c=cc", "d=dd"}
	if !equalStrings(got, want) {
		t.Errorf("expected inclusive range %v, got %v", want, got)
	}

	// from between keys
	got = collect(t, h, []byte("bb"), []byte("z"), 0)
	want = []string{"c=cc", "d=dd", "e=ee"}
	if !equalStrings(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	// stop early
	var n int
	_ = h.Scan(nil, nil, 0, func(key, value []byte) bool {
		n++
		return n < 2
	})
	if n != 2 {
		t.Errorf("expected scan to stop after 2 pairs, visited %d", n)
	}
}

func testScanLimit(t *testing.T, h storage.Handle) {
	for i := 0; i < 10; i++ {
		_ = h.Put([]byte(fmt.Sprintf("key%02d", i)), []byte(fmt.Sprintf("%d", i)))
	}
	got := collect(t, h, []byte("key03"), nil, 3)
	want := []string{"key03=3", "key04=4", "key05=5"}
	if !equalStrings(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func testReopen(t *testing.T, open OpenFunc) {
	dir := t.TempDir()

	h, err := open(dir)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	_ = h.Put([]byte("persisted"), []byte("yes"))
	if err := h.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	h = mustOpen(t, open, dir)
	v, ok := mustGet(t, h, "persisted")
	if !ok || string(v) != "yes" {
		t.Errorf("expected value to survive reopen, got %q (found=%v)", v, ok)
	}
}

func testConcurrent(t *testing.T, h storage.Handle) {
	const workers = 8
	const perWorker = 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := []byte(fmt.Sprintf("w%d-k%d", w, i))
				if err := h.Put(key, key); err != nil {
					t.Errorf("Put failed: %v", err)
					return
				}
				if _, _, err := h.Get(key); err != nil {
					t.Errorf("Get failed: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	if got := len(collect(t, h, nil, nil, 0)); got != workers*perWorker {
		t.Errorf("expected %d keys, got %d", workers*perWorker, got)
	}
}
