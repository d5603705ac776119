package shmem

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCreateAttachRoundTrip(t *testing.T) {
	dir := t.TempDir()

	// 1. Create a region and write through the creator's mapping.
	r, err := Create(dir, "cov", 4096)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer r.Close()
	copy(r.Bytes(), []byte("hello"))

	// 2. Attach from the same path and observe the write.
	a, err := Attach(r.Path())
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer a.Close()
	if string(a.Bytes()[:5]) != "hello" {
		t.Errorf("attached view = %q, want hello", a.Bytes()[:5])
	}

	// 3. Writes propagate in the other direction too.
	a.Bytes()[0] = 'H'
	if r.Bytes()[0] != 'H' {
		t.Error("write through attached mapping not visible to creator")
	}
}

func TestCreateRejectsBadSize(t *testing.T) {
	if _, err := Create(t.TempDir(), "cov", 0); err == nil {
		t.Error("Create with size 0 succeeded, want error")
	}
}

func TestCloseRemovesOwnedFile(t *testing.T) {
	dir := t.TempDir()
	r, err := Create(dir, "cov", 64)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	path := r.Path()
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("region file still present after owner Close: %v", err)
	}
}

func TestAttachedCloseKeepsFile(t *testing.T) {
	dir := t.TempDir()
	r, err := Create(dir, "cov", 64)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer r.Close()

	a, err := Attach(r.Path())
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := os.Stat(r.Path()); err != nil {
		t.Errorf("attacher Close removed the file: %v", err)
	}
}

func TestCleanupStale(t *testing.T) {
	dir := t.TempDir()

	// Two stale regions and one unrelated file.
	for _, name := range []string{namePrefix + "cov-123", namePrefix + "input-456"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte{0}, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "keepme"), []byte{0}, 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := CleanupStale(dir)
	if err != nil {
		t.Fatalf("CleanupStale failed: %v", err)
	}
	if n != 2 {
		t.Errorf("removed %d files, want 2", n)
	}
	if _, err := os.Stat(filepath.Join(dir, "keepme")); err != nil {
		t.Errorf("unrelated file was removed: %v", err)
	}
}
