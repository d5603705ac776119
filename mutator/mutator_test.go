package mutator

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func newTestMutator(t *testing.T, cfg Config) *Mutator {
	t.Helper()
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return m
}

func TestMutateNeverEmptyByDefault(t *testing.T) {
	m := newTestMutator(t, Config{Seed: 1})
	data := []byte{0x41}
	for i := 0; i < 2000; i++ {
		out, applied := m.Mutate(data, Aux{})
		if len(out) == 0 {
			t.Fatalf("iteration %d: empty output from ops %v", i, applied)
		}
		if len(applied) == 0 {
			t.Fatalf("iteration %d: no op applied", i)
		}
	}
}

func TestMutateAllowEmpty(t *testing.T) {
	m := newTestMutator(t, Config{Seed: 7, AllowEmpty: true})
	sawEmpty := false
	for i := 0; i < 5000 && !sawEmpty; i++ {
		out, _ := m.Mutate([]byte{1, 2, 3}, Aux{})
		if len(out) == 0 {
			sawEmpty = true
		}
	}
	if !sawEmpty {
		t.Error("AllowEmpty never produced an empty output in 5000 tries")
	}
}

func TestMutateDeterministicUnderSeed(t *testing.T) {
	a := newTestMutator(t, Config{Seed: 42})
	b := newTestMutator(t, Config{Seed: 42})
	data := []byte("seed input for determinism")
	aux := Aux{Splice: []byte("other entry bytes")}
	for i := 0; i < 200; i++ {
		outA, opsA := a.Mutate(data, aux)
		outB, opsB := b.Mutate(data, aux)
		if !bytes.Equal(outA, outB) {
			t.Fatalf("iteration %d: outputs diverged", i)
		}
		if len(opsA) != len(opsB) {
			t.Fatalf("iteration %d: op lists diverged", i)
		}
	}
}

func TestMutateDoesNotAliasInput(t *testing.T) {
	m := newTestMutator(t, Config{Seed: 3})
	data := []byte("immutable parent")
	orig := append([]byte(nil), data...)
	for i := 0; i < 500; i++ {
		m.Mutate(data, Aux{})
		if !bytes.Equal(data, orig) {
			t.Fatalf("iteration %d: parent input was modified in place", i)
		}
	}
}

func TestApplyEveryOpOnRealisticInput(t *testing.T) {
	m := newTestMutator(t, Config{Seed: 11, Tokens: [][]byte{[]byte("TOK")}})
	data := []byte("0123456789abcdef")
	aux := Aux{
		Splice: []byte("spliceable material"),
		Cmps:   []CmpHint{{A: 0x33323130, B: 0x64636261}}, // "0123" as LE uint32
	}
	for _, op := range Ops() {
		applied := false
		for i := 0; i < 64 && !applied; i++ {
			out, ok := m.Apply(op, data, aux)
			if !ok {
				continue
			}
			applied = true
			if len(out) == 0 {
				t.Errorf("op %v produced empty output", op)
			}
		}
		if !applied {
			t.Errorf("op %v never applied to a 16-byte input with full aux", op)
		}
	}
}

func TestApplySkipsWithoutAux(t *testing.T) {
	m := newTestMutator(t, Config{Seed: 5})
	data := []byte("abcd")
	for _, op := range []Op{OpCrossoverInsert, OpCrossoverReplace, OpSplice, OpTokenInsert, OpTokenReplace, OpCmpReplace} {
		if _, ok := m.Apply(op, data, Aux{}); ok {
			t.Errorf("op %v applied without its auxiliary data", op)
		}
	}
}

func TestCmpReplaceSubstitutesOperand(t *testing.T) {
	m := newTestMutator(t, Config{Seed: 9})
	// Input contains the 4-byte LE encoding of 0xdeadbeef.
	data := []byte{0x00, 0xef, 0xbe, 0xad, 0xde, 0x00}
	hint := CmpHint{A: 0xdeadbeef, B: 0x11223344}

	found := false
	for i := 0; i < 128 && !found; i++ {
		out, ok := m.Apply(OpCmpReplace, data, Aux{Cmps: []CmpHint{hint}})
		if !ok {
			continue
		}
		if bytes.Contains(out, []byte{0x44, 0x33, 0x22, 0x11}) {
			found = true
		}
	}
	if !found {
		t.Error("cmp_replace never substituted the matching operand")
	}
}

func TestSpliceCombinesBothParents(t *testing.T) {
	m := newTestMutator(t, Config{Seed: 13})
	a := bytes.Repeat([]byte{0xaa}, 32)
	b := bytes.Repeat([]byte{0xbb}, 32)
	out, ok := m.Apply(OpSplice, a, Aux{Splice: b})
	if !ok {
		t.Fatal("splice did not apply")
	}
	if !bytes.Contains(out, []byte{0xaa}) {
		t.Error("splice output lost the head parent")
	}
}

func TestMaxSizeRespected(t *testing.T) {
	m := newTestMutator(t, Config{Seed: 17, MaxSize: 32})
	data := bytes.Repeat([]byte{1}, 30)
	for i := 0; i < 2000; i++ {
		out, _ := m.Mutate(data, Aux{Splice: bytes.Repeat([]byte{2}, 30)})
		if len(out) > 32 {
			t.Fatalf("iteration %d: output %d bytes exceeds max 32", i, len(out))
		}
	}
}

func TestOpStrings(t *testing.T) {
	for _, op := range Ops() {
		if op.String() == "unknown" {
			t.Errorf("op %d has no name", op)
		}
	}
	if Op(999).String() != "unknown" {
		t.Error("out-of-range op should be unknown")
	}
}

func TestLoadTokens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fuzz.dict")
	content := `# png-ish dictionary
header_png="\x89PNG"
keyword_ihdr="IHDR"
"bare"
quoted="say \"hi\" \\ done"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	tokens, err := LoadTokens(path)
	if err != nil {
		t.Fatalf("LoadTokens failed: %v", err)
	}
	want := [][]byte{
		{0x89, 'P', 'N', 'G'},
		[]byte("IHDR"),
		[]byte("bare"),
		[]byte(`say "hi" \ done`),
	}
	if len(tokens) != len(want) {
		t.Fatalf("got %d tokens, want %d: %q", len(tokens), len(want), tokens)
	}
	for i := range want {
		if !bytes.Equal(tokens[i], want[i]) {
			t.Errorf("token %d = %q, want %q", i, tokens[i], want[i])
		}
	}
}

func TestLoadTokensRejectsMalformed(t *testing.T) {
	for _, content := range []string{
		`noquotes`,
		`bad="\q"`,
		`trunc="\x4"`,
	} {
		path := filepath.Join(t.TempDir(), "bad.dict")
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadTokens(path); err == nil {
			t.Errorf("malformed dictionary %q accepted", content)
		}
	}
}
