// Package shmem manages the named shared-memory regions used to move
// coverage maps and test cases between the orchestrator and target
// execution contexts.
package shmem

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DefaultDir is where region files are created. Tests override it with a
// temporary directory.
const DefaultDir = "/dev/shm"

// namePrefix marks region files as ours so stale ones from an unclean
// shutdown can be removed at startup.
const namePrefix = "fuzz-region-"

// Region is a file-backed, mmap'd shared-memory segment. The creating
// process owns the file and is responsible for Unlink on teardown; targets
// attach by path.
type Region struct {
	path  string
	data  []byte
	owner bool
}

// Create allocates a new region of the given size under dir. The returned
// region is zero-filled and owned by the caller.
func Create(dir, tag string, size int) (*Region, error) {
	if size <= 0 {
		return nil, errors.Errorf("invalid region size %d", size)
	}
	f, err := os.CreateTemp(dir, namePrefix+tag+"-")
	if err != nil {
		return nil, errors.Wrap(err, "create region file")
	}
	defer f.Close()
	if err := unix.Ftruncate(int(f.Fd()), int64(size)); err != nil {
		os.Remove(f.Name())
		return nil, errors.Wrap(err, "size region file")
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		os.Remove(f.Name())
		return nil, errors.Wrap(err, "map region")
	}
	return &Region{path: f.Name(), data: data, owner: true}, nil
}

// Attach maps an existing region file created by another process.
func Attach(path string) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "open region file")
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat region file")
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "map region")
	}
	return &Region{path: path, data: data}, nil
}

// Path returns the filesystem name targets use to attach.
func (r *Region) Path() string { return r.path }

// Bytes exposes the mapped segment.
func (r *Region) Bytes() []byte { return r.data }

// Close unmaps the segment and, if this process created it, removes the
// backing file.
func (r *Region) Close() error {
	var first error
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil && first == nil {
			first = errors.Wrap(err, "unmap region")
		}
		r.data = nil
	}
	if r.owner {
		if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) && first == nil {
			first = errors.Wrap(err, "remove region file")
		}
	}
	return first
}

// CleanupStale removes region files left behind by a previous unclean
// shutdown. It returns the number of files removed.
func CleanupStale(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, errors.Wrap(err, "scan region dir")
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), namePrefix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
