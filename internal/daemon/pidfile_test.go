package daemon

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteReadRemovePID(t *testing.T) {
	dir := t.TempDir()

	if err := WritePID(dir); err != nil {
		t.Fatalf("WritePID: %v", err)
	}

	pid, err := ReadPID(dir)
	if err != nil {
		t.Fatalf("ReadPID: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("got PID %d, want %d", pid, os.Getpid())
	}

	if err := RemovePID(dir); err != nil {
		t.Fatalf("RemovePID: %v", err)
	}
	if _, err := ReadPID(dir); err == nil {
		t.Error("expected error reading removed PID file")
	}
}

func TestRemovePID_MissingFileIsNoError(t *testing.T) {
	if err := RemovePID(t.TempDir()); err != nil {
		t.Errorf("RemovePID on missing file: %v", err)
	}
}

func TestIsRunning(t *testing.T) {
	dir := t.TempDir()
	if IsRunning(dir) {
		t.Error("no PID file means not running")
	}

	if err := WritePID(dir); err != nil {
		t.Fatalf("WritePID: %v", err)
	}
	// Our own PID is alive.
	if !IsRunning(dir) {
		t.Error("expected running with our own PID")
	}

	// A stale PID is not running.
	stale := filepath.Join(dir, pidFilename)
	if err := os.WriteFile(stale, []byte("999999"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if IsRunning(dir) {
		t.Error("stale PID must not count as running")
	}
}
