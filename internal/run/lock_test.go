package run

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/Iron-Ham/paperrepro/internal/errors"
)

func TestAcquireLock(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run-1")

	lock, err := AcquireLock(dir, "run-1", nil)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	if lock.PID != os.Getpid() || lock.RunID != "run-1" {
		t.Errorf("lock = %+v", lock)
	}
	if _, locked := IsLocked(dir); !locked {
		t.Error("IsLocked() = false while held")
	}

	if _, err := AcquireLock(dir, "run-1", nil); !errors.Is(err, errors.ErrRunLocked) {
		t.Fatalf("second AcquireLock() error = %v, want ErrRunLocked", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}
	if _, locked := IsLocked(dir); locked {
		t.Error("IsLocked() = true after release")
	}

	again, err := AcquireLock(dir, "run-1", nil)
	if err != nil {
		t.Fatalf("AcquireLock() after release error = %v", err)
	}
	again.Release()
}

func TestAcquireLock_StaleLock(t *testing.T) {
	dir := t.TempDir()
	stale := Lock{RunID: "run-1", PID: 999999999, Hostname: "gone"}
	data, err := json.Marshal(stale)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, LockFileName), data, 0o644); err != nil {
		t.Fatal(err)
	}

	lock, err := AcquireLock(dir, "run-1", nil)
	if err != nil {
		t.Fatalf("AcquireLock() over a stale lock error = %v", err)
	}
	defer lock.Release()
	if lock.PID != os.Getpid() {
		t.Errorf("lock PID = %d, want %d", lock.PID, os.Getpid())
	}
}

func TestRelease_ForeignLockKept(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir, "run-1", nil)
	if err != nil {
		t.Fatal(err)
	}

	foreign := Lock{RunID: "run-1", PID: lock.PID + 1, Hostname: "other"}
	data, _ := json.Marshal(foreign)
	if err := os.WriteFile(filepath.Join(dir, LockFileName), data, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := lock.Release(); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadLock(filepath.Join(dir, LockFileName)); err != nil {
		t.Error("Release() removed a lock owned by another process")
	}
}

func TestReadLock_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), LockFileName)
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadLock(path); err == nil {
		t.Error("ReadLock() of corrupt file should fail")
	}
}
