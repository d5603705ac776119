package scheduler

import (
	"errors"
	"testing"
	"time"

	"alma.local/fuzz/corpus"
	"alma.local/fuzz/covmap"
)

func snap(size int, slots ...int) covmap.Snapshot {
	s := make(covmap.Snapshot, size)
	for _, slot := range slots {
		s[slot] = 1
	}
	return s
}

func TestSelectEmptyCorpus(t *testing.T) {
	store, _ := corpus.NewStore("")
	s := New(store, 1)
	if _, err := s.Select(); !errors.Is(err, ErrEmptyCorpus) {
		t.Fatalf("Select on empty corpus: err = %v, want ErrEmptyCorpus", err)
	}
}

func TestSelectAlwaysReturnsWhenNonEmpty(t *testing.T) {
	store, _ := corpus.NewStore("")
	store.Add(corpus.NewEntry([]byte("seed"), snap(16, 1), time.Millisecond))
	s := New(store, 1)
	for i := 0; i < 100; i++ {
		e, err := s.Select()
		if err != nil || e == nil {
			t.Fatalf("Select failed on non-empty corpus: %v", err)
		}
	}
}

func TestRecomputeFavoritesPicksCheapestPerSlot(t *testing.T) {
	store, _ := corpus.NewStore("")

	// fast uniquely covers slot 1 cheaply; slow covers slots 1+2 but is
	// expensive, so it stays favored only through its unique slot 2.
	fast := corpus.NewEntry([]byte("f"), snap(16, 1), time.Millisecond)
	slow := corpus.NewEntry([]byte("slow-entry-bytes"), snap(16, 1, 2), 100*time.Millisecond)
	redundant := corpus.NewEntry([]byte("redundant-and-long"), snap(16, 1), 200*time.Millisecond)
	for _, e := range []*corpus.Entry{fast, slow, redundant} {
		if _, err := store.Add(e); err != nil {
			t.Fatal(err)
		}
	}

	s := New(store, 1)
	s.RecomputeFavorites()

	if !s.Favored(fast) {
		t.Error("cheapest cover of slot 1 not favored")
	}
	if !s.Favored(slow) {
		t.Error("sole cover of slot 2 not favored")
	}
	if s.Favored(redundant) {
		t.Error("dominated entry favored")
	}
}

func TestSelectionPrefersFavored(t *testing.T) {
	store, _ := corpus.NewStore("")
	fav := corpus.NewEntry([]byte("a"), snap(16, 1), time.Millisecond)
	other := corpus.NewEntry([]byte("bb-much-longer-entry"), snap(16, 1), time.Second)
	store.Add(fav)
	store.Add(other)

	s := New(store, 42)
	s.RecomputeFavorites()

	favCount := 0
	const rounds = 1000
	for i := 0; i < rounds; i++ {
		e, err := s.Select()
		if err != nil {
			t.Fatal(err)
		}
		if e.Hash == fav.Hash {
			favCount++
		}
	}
	// 80% bias plus the uniform fallback's share; anything clearly above
	// uniform (50%) proves the weighting works.
	if favCount < rounds*6/10 {
		t.Errorf("favored entry selected %d/%d times, want a clear majority", favCount, rounds)
	}
}

func TestSelectionUniformWithoutFavorites(t *testing.T) {
	store, _ := corpus.NewStore("")
	a := corpus.NewEntry([]byte("a"), snap(16, 1), time.Millisecond)
	b := corpus.NewEntry([]byte("b"), snap(16, 2), time.Millisecond)
	store.Add(a)
	store.Add(b)

	// No RecomputeFavorites call: selection falls back to uniform.
	s := New(store, 7)
	seen := map[string]int{}
	for i := 0; i < 1000; i++ {
		e, err := s.Select()
		if err != nil {
			t.Fatal(err)
		}
		seen[e.Hash]++
	}
	if seen[a.Hash] == 0 || seen[b.Hash] == 0 {
		t.Errorf("uniform fallback starved an entry: %v", seen)
	}
}

func TestSpliceSource(t *testing.T) {
	store, _ := corpus.NewStore("")
	a := corpus.NewEntry([]byte("a"), snap(16, 1), time.Millisecond)
	s := New(store, 3)

	store.Add(a)
	if src := s.SpliceSource(a); src != nil {
		t.Error("splice source from a single-entry corpus should be nil")
	}

	b := corpus.NewEntry([]byte("b"), snap(16, 2), time.Millisecond)
	store.Add(b)
	found := false
	for i := 0; i < 20 && !found; i++ {
		if src := s.SpliceSource(a); src != nil && src.Hash == b.Hash {
			found = true
		}
	}
	if !found {
		t.Error("splice source never returned the other entry")
	}
}
