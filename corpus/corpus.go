// Package corpus maintains the evolving set of interesting inputs together
// with their coverage metadata, backed by one content-addressed file per
// entry.
package corpus

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"alma.local/fuzz/covmap"
)

// Entry is one retained test case. Entries are immutable after Add; the
// minimization pass may cull them but never rewrites them.
type Entry struct {
	Input    []byte
	Sig      covmap.Signature
	Cover    covmap.Snapshot
	ExecTime time.Duration

	// Derivation lineage.
	Parent   string // content hash of the seed this was mutated from, "" for seeds
	Mutation string // name of the mutation op that produced it, "" for seeds

	// Hash is the content address used as the on-disk filename.
	Hash string
}

// HashInput derives the content address for an input.
func HashInput(input []byte) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:16])
}

// NewEntry builds an entry for input with its observed coverage.
func NewEntry(input []byte, cover covmap.Snapshot, execTime time.Duration) *Entry {
	owned := make([]byte, len(input))
	copy(owned, input)
	return &Entry{
		Input:    owned,
		Sig:      cover.Signature(),
		Cover:    cover,
		ExecTime: execTime,
		Hash:     HashInput(owned),
	}
}

// Store holds corpus entries. Adds arrive only through the feedback
// pipeline's "interesting" verdict; selection never removes.
type Store struct {
	mu      sync.RWMutex
	entries []*Entry
	bySig   map[covmap.Signature]int // signature -> index into entries
	dir     string                   // "" disables persistence
}

// NewStore creates a store persisting entries under dir. An empty dir
// keeps the corpus in memory only.
func NewStore(dir string) (*Store, error) {
	s := &Store{bySig: make(map[covmap.Signature]int), dir: dir}
	if dir != "" {
		if err := ensureDir(dir); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ErrRedundant reports an Add whose signature is already covered at equal
// or lower cost.
var ErrRedundant = errors.New("corpus: signature already covered")

// Add appends entry, or replaces the existing entry with an identical
// signature when the newcomer is strictly cheaper to execute. A disk write
// failure keeps the entry in memory and is returned for the caller to
// count; it never rejects the entry.
func (s *Store) Add(e *Entry) (replaced bool, err error) {
	s.mu.Lock()
	if idx, ok := s.bySig[e.Sig]; ok {
		old := s.entries[idx]
		if e.ExecTime >= old.ExecTime {
			s.mu.Unlock()
			return false, ErrRedundant
		}
		s.entries[idx] = e
		s.mu.Unlock()
		err = s.replaceOnDisk(old, e)
		return true, err
	}
	s.bySig[e.Sig] = len(s.entries)
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	return false, s.persist(e)
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// At returns the i-th entry. The scheduler indexes entries positionally;
// indices stay valid until the next Minimize.
func (s *Store) At(i int) *Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[i]
}

// Snapshot returns the current entry slice. Callers must not mutate it.
func (s *Store) Snapshot() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Minimize drops entries whose coverage is strictly dominated by the union
// of the retained ones. Each unique signature keeps at least one entry
// (guaranteed structurally: Add never stores two entries per signature).
// Returns the number of culled entries.
func (s *Store) Minimize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) <= 1 {
		return 0
	}

	// Greedy set cover: smallest-and-fastest entries claim slots first,
	// then anything that covers no otherwise-uncovered slot goes.
	order := make([]int, len(s.entries))
	for i := range order {
		order[i] = i
	}
	sortEntryOrder(order, s.entries)

	// Domination is tracked at bucket-bit granularity, matching the novelty
	// gate: an entry whose coverage differs only by a hit-count bucket on a
	// known slot still holds a unique signature and must survive.
	covered := make(map[int]byte)
	keep := make([]bool, len(s.entries))
	for _, idx := range order {
		e := s.entries[idx]
		contributes := false
		for slot, v := range e.Cover {
			if v&^covered[slot] != 0 {
				contributes = true
				break
			}
		}
		if contributes {
			keep[idx] = true
			for slot, v := range e.Cover {
				if v != 0 {
					covered[slot] |= v
				}
			}
		}
	}

	var kept []*Entry
	culled := 0
	newBySig := make(map[covmap.Signature]int)
	for i, e := range s.entries {
		if keep[i] {
			newBySig[e.Sig] = len(kept)
			kept = append(kept, e)
		} else {
			culled++
			s.removeFromDisk(e)
		}
	}
	s.entries = kept
	s.bySig = newBySig
	return culled
}

// sortEntryOrder orders indices by coverage size descending, then exec
// time ascending, then input size ascending. Stable across runs so the
// minimized corpus is deterministic for a given entry set.
func sortEntryOrder(order []int, entries []*Entry) {
	sort.Slice(order, func(x, y int) bool {
		ea, eb := entries[order[x]], entries[order[y]]
		ca, cb := ea.Cover.CountBits(), eb.Cover.CountBits()
		if ca != cb {
			return ca > cb
		}
		if ea.ExecTime != eb.ExecTime {
			return ea.ExecTime < eb.ExecTime
		}
		if len(ea.Input) != len(eb.Input) {
			return len(ea.Input) < len(eb.Input)
		}
		return ea.Hash < eb.Hash
	})
}
