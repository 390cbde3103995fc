package bolt

import (
	"testing"

	"github.com/ValentinKolb/kvhost/lib/storage"
	storagetesting "github.com/ValentinKolb/kvhost/lib/storage/testing"
)

func Test(t *testing.T) {
	storagetesting.RunHandleTests(t, "Bolt", Open)
}

func TestOpenThroughRegistry(t *testing.T) {
	h, err := storage.Open(storage.EngineBolt, t.TempDir())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
}
