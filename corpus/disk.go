package corpus

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create corpus dir %s", dir)
	}
	return nil
}

// persist writes the entry under its content address. Concurrent writers
// targeting the same input produce the same name with the same bytes, so
// collisions are harmless.
func (s *Store) persist(e *Entry) error {
	if s.dir == "" {
		return nil
	}
	path := filepath.Join(s.dir, e.Hash)
	if err := os.WriteFile(path, e.Input, 0o644); err != nil {
		return errors.Wrapf(err, "persist corpus entry %s", e.Hash)
	}
	return nil
}

func (s *Store) replaceOnDisk(old, e *Entry) error {
	s.removeFromDisk(old)
	return s.persist(e)
}

func (s *Store) removeFromDisk(e *Entry) {
	if s.dir == "" {
		return
	}
	// Best effort: a leftover file only means a redundant seed on restart.
	os.Remove(filepath.Join(s.dir, e.Hash))
}

// ReadSeedDir bulk-reads pre-existing seed files for startup import. The
// caller routes each seed through the regular feedback gate; nothing is
// trusted at this point. Files are returned in name order so import is
// deterministic.
func ReadSeedDir(dir string) ([][]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read seed dir %s", dir)
	}
	names := make([]string, 0, len(entries))
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		names = append(names, ent.Name())
	}
	sort.Strings(names)

	seeds := make([][]byte, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, errors.Wrapf(err, "read seed %s", name)
		}
		seeds = append(seeds, data)
	}
	return seeds, nil
}
