// Package scheduler picks the next corpus entry to mutate. Entries move
// between two states, unfavored and favored: an entry is favored while it
// is the cheapest way to reach some map slot nobody else covers as
// cheaply. Selection is weighted random toward favored entries.
package scheduler

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"alma.local/fuzz/corpus"
)

// ErrEmptyCorpus is returned by Select before any seed has been loaded.
var ErrEmptyCorpus = errors.New("scheduler: corpus is empty")

// favoredBias is the percentage of selections that go to the favored set
// when it is non-empty.
const favoredBias = 80

// Scheduler selects entries from a corpus store. Safe for concurrent use.
type Scheduler struct {
	store *corpus.Store

	mu      sync.Mutex
	rng     *rand.Rand
	favored map[string]struct{} // entry hash -> favored
}

// New creates a scheduler over store with a seeded randomness source.
func New(store *corpus.Store, seed int64) *Scheduler {
	return &Scheduler{
		store:   store,
		rng:     rand.New(rand.NewSource(seed)),
		favored: make(map[string]struct{}),
	}
}

// RecomputeFavorites runs the favor pass over the whole corpus: for every
// covered map slot, the entry with the lowest execution-time x size score
// claims it; the union of claimants becomes the favored set. Everything
// else is unfavored.
func (s *Scheduler) RecomputeFavorites() {
	entries := s.store.Snapshot()

	type claim struct {
		score float64
		hash  string
	}
	best := make(map[int]claim)
	for _, e := range entries {
		score := float64(e.ExecTime.Nanoseconds()+1) * float64(len(e.Input)+1)
		for slot, v := range e.Cover {
			if v == 0 {
				continue
			}
			if cur, ok := best[slot]; !ok || score < cur.score || (score == cur.score && e.Hash < cur.hash) {
				best[slot] = claim{score: score, hash: e.Hash}
			}
		}
	}

	next := make(map[string]struct{})
	for _, c := range best {
		next[c.hash] = struct{}{}
	}

	s.mu.Lock()
	s.favored = next
	s.mu.Unlock()
}

// Favored reports the entry's current scheduling state.
func (s *Scheduler) Favored(e *corpus.Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.favored[e.Hash]
	return ok
}

// Select returns the next entry to mutate. It never blocks and never
// removes; it fails only while the corpus is still empty.
func (s *Scheduler) Select() (*corpus.Entry, error) {
	entries := s.store.Snapshot()
	if len(entries) == 0 {
		return nil, ErrEmptyCorpus
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.favored) > 0 && s.rng.Intn(100) < favoredBias {
		// Collect the live favored entries; the favor set may reference
		// entries culled by a minimization pass since the last recompute.
		var fav []*corpus.Entry
		for _, e := range entries {
			if _, ok := s.favored[e.Hash]; ok {
				fav = append(fav, e)
			}
		}
		if len(fav) > 0 {
			return fav[s.rng.Intn(len(fav))], nil
		}
	}
	return entries[s.rng.Intn(len(entries))], nil
}

// SpliceSource picks a random entry other than exclude, for crossover and
// splice mutations. Returns nil when the corpus has no other entry.
func (s *Scheduler) SpliceSource(exclude *corpus.Entry) *corpus.Entry {
	entries := s.store.Snapshot()
	if len(entries) < 2 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for tries := 0; tries < 4; tries++ {
		e := entries[s.rng.Intn(len(entries))]
		if e.Hash != exclude.Hash {
			return e
		}
	}
	return nil
}
