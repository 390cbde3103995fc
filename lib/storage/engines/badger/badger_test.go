package badger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ValentinKolb/kvhost/lib/storage"
	storagetesting "github.com/ValentinKolb/kvhost/lib/storage/testing"
)

func Test(t *testing.T) {
	storagetesting.RunHandleTests(t, "Badger", Open)
}

func TestOpenOnRegularFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Errorf("expected open on a regular file to fail")
	}
}

func TestRegistered(t *testing.T) {
	h, err := storage.Open("", t.TempDir())
	if err != nil {
		t.Fatalf("default engine should be badger: %v", err)
	}
	_ = h.Close()
}
