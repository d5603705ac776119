package feedback

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"alma.local/fuzz/covmap"
	"alma.local/fuzz/executor"
)

func snap(size int, slots ...int) covmap.Snapshot {
	s := make(covmap.Snapshot, size)
	for _, slot := range slots {
		s[slot] = 1
	}
	return s
}

func TestCoverMonotonicGrowth(t *testing.T) {
	c := NewCover(16)
	if got := c.Merge(snap(16, 1, 2)); got != 2 {
		t.Errorf("first merge = %d new slots, want 2", got)
	}
	if got := c.Merge(snap(16, 2, 3)); got != 1 {
		t.Errorf("overlapping merge = %d new slots, want 1", got)
	}
	if got := c.Merge(snap(16, 1, 2, 3)); got != 0 {
		t.Errorf("redundant merge = %d new slots, want 0", got)
	}
	if c.Len() != 3 {
		t.Errorf("Len = %d, want 3", c.Len())
	}

	// Coverage never shrinks: every merge leaves Len >= previous.
	prev := c.Len()
	for i := 0; i < 16; i++ {
		c.Merge(snap(16, i))
		if c.Len() < prev {
			t.Fatalf("coverage shrank: %d -> %d", prev, c.Len())
		}
		prev = c.Len()
	}
}

func TestCoverBucketBitsCountAsNovelty(t *testing.T) {
	c := NewCover(8)
	one := make(covmap.Snapshot, 8)
	one[0] = 1 // bucket "hit once"
	many := make(covmap.Snapshot, 8)
	many[0] = 8 // bucket "hit 4-7 times"

	if c.Merge(one) != 1 {
		t.Fatal("first bucket not novel")
	}
	if c.Merge(many) != 1 {
		t.Error("new hit-count bucket on a known slot should be novel")
	}
	// Slot count stays 1; only the bucket set grew.
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestNovelDoesNotMerge(t *testing.T) {
	c := NewCover(8)
	s := snap(8, 4)
	if !c.Novel(s) {
		t.Fatal("unseen snapshot reported as known")
	}
	if !c.Novel(s) {
		t.Fatal("Novel must not merge as a side effect")
	}
}

func newTestPipeline(t *testing.T) (*Pipeline, string) {
	t.Helper()
	dir := t.TempDir()
	p, err := NewPipeline(NewCover(16), dir)
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}
	return p, dir
}

func TestNoveltyGate(t *testing.T) {
	p, _ := newTestPipeline(t)

	// 1. First input with this coverage is interesting.
	res := executor.Result{Status: executor.StatusNormal, Cover: snap(16, 1)}
	v, err := p.Evaluate([]byte("a"), res)
	if err != nil || v != VerdictInteresting {
		t.Fatalf("first = (%v, %v), want interesting", v, err)
	}

	// 2. A byte-identical coverage map from a different input is redundant.
	v, err = p.Evaluate([]byte("completely different bytes"), res)
	if err != nil || v != VerdictRedundant {
		t.Fatalf("second = (%v, %v), want redundant", v, err)
	}

	// 3. New coverage flips the verdict back.
	v, _ = p.Evaluate([]byte("c"), executor.Result{Status: executor.StatusNormal, Cover: snap(16, 1, 2)})
	if v != VerdictInteresting {
		t.Fatalf("novel coverage = %v, want interesting", v)
	}
}

func TestObjectiveDedupAndArtifact(t *testing.T) {
	p, dir := newTestPipeline(t)

	crash := executor.Result{Status: executor.StatusCrash, Cover: snap(16, 3), Signal: 11}

	// 1. First crash with this signature becomes an artifact.
	v, err := p.Evaluate([]byte("\xff\xff"), crash)
	if err != nil || v != VerdictObjective {
		t.Fatalf("first crash = (%v, %v), want objective", v, err)
	}

	// 2. A distinct input with the identical signature is a duplicate.
	v, err = p.Evaluate([]byte("other"), crash)
	if err != nil || v != VerdictDuplicate {
		t.Fatalf("second crash = (%v, %v), want duplicate", v, err)
	}

	// 3. Exactly one artifact exists and it holds the triggering bytes.
	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("objective dir has %d files, want 1", len(files))
	}
	if !strings.HasPrefix(files[0].Name(), "crash-") {
		t.Errorf("artifact name = %q, want crash- prefix", files[0].Name())
	}
	data, _ := os.ReadFile(filepath.Join(dir, files[0].Name()))
	if string(data) != "\xff\xff" {
		t.Errorf("artifact content = %q, want the triggering input", data)
	}
}

func TestTimeoutAndCrashAreDistinctObjectives(t *testing.T) {
	p, dir := newTestPipeline(t)

	cover := snap(16, 5)
	if v, _ := p.Evaluate([]byte("t"), executor.Result{Status: executor.StatusTimeout, Cover: cover}); v != VerdictObjective {
		t.Fatalf("timeout verdict = %v", v)
	}
	if v, _ := p.Evaluate([]byte("c"), executor.Result{Status: executor.StatusCrash, Cover: cover}); v != VerdictObjective {
		t.Fatalf("crash verdict = %v", v)
	}

	files, _ := os.ReadDir(dir)
	if len(files) != 2 {
		t.Fatalf("got %d artifacts, want 2 (timeout and crash differ)", len(files))
	}
}

func TestObjectiveSignatureDependsOnSignal(t *testing.T) {
	cover := snap(16, 1)
	segv := executor.Result{Status: executor.StatusCrash, Cover: cover, Signal: 11}
	abrt := executor.Result{Status: executor.StatusCrash, Cover: cover, Signal: 6}
	if ObjectiveSignature(segv) == ObjectiveSignature(abrt) {
		t.Error("different signals produced the same objective signature")
	}
	if ObjectiveSignature(segv) != ObjectiveSignature(segv) {
		t.Error("objective signature not deterministic")
	}
}

func TestObjectivePartialCoverageStillMerges(t *testing.T) {
	p, _ := newTestPipeline(t)
	p.Evaluate([]byte("x"), executor.Result{Status: executor.StatusCrash, Cover: snap(16, 7)})
	if p.Cover().Len() != 1 {
		t.Error("partial coverage from a faulting run was not merged")
	}
}
