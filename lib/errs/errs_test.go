package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesOnCode(t *testing.T) {
	err := New(CodeBusy, "database %q has %d in-flight operations", "orders", 3)

	if !errors.Is(err, ErrBusy) {
		t.Errorf("expected errors.Is(err, ErrBusy) to be true")
	}
	if errors.Is(err, ErrNotFound) {
		t.Errorf("expected errors.Is(err, ErrNotFound) to be false")
	}

	// wrapped by fmt.Errorf
	wrapped := fmt.Errorf("majordome: %w", err)
	if !errors.Is(wrapped, ErrBusy) {
		t.Errorf("expected wrapped error to match ErrBusy")
	}
	if CodeOf(wrapped) != CodeBusy {
		t.Errorf("expected CodeOf to return Busy, got %s", CodeOf(wrapped))
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("permission denied")
	err := Wrap(CodeMountFailed, cause, "failed to open %s", "/data/orders")

	if !errors.Is(err, cause) {
		t.Errorf("expected cause to be reachable through Unwrap")
	}
	if !errors.Is(err, ErrMountFailed) {
		t.Errorf("expected errors.Is(err, ErrMountFailed)")
	}
	if got := err.Error(); got != "MountFailed: failed to open /data/orders: permission denied" {
		t.Errorf("unexpected message: %s", got)
	}
}

func TestCodeOf(t *testing.T) {
	if CodeOf(nil) != CodeOK {
		t.Errorf("nil error should map to OK")
	}
	if CodeOf(errors.New("boom")) != CodeStorageError {
		t.Errorf("foreign errors should map to StorageError")
	}
	for c := CodeOK; c <= CodeStorageError; c++ {
		if c.String() == "Unknown" {
			t.Errorf("code %d has no name", c)
		}
	}
}
