// Package mutator produces candidate inputs by applying byte-level
// transformation ops to corpus entries. The op set is a closed, tagged
// variant set so schedulers can enumerate and weight it deterministically.
package mutator

import (
	"bytes"
	"encoding/binary"
	"math/rand"

	"github.com/pkg/errors"
)

// Op tags one mutation strategy.
type Op int

const (
	OpBitFlip Op = iota
	OpByteFlip
	OpByteInc
	OpByteDec
	OpByteNeg
	OpByteRand
	OpInteresting8
	OpInteresting16
	OpInteresting32
	OpArith16
	OpArith32
	OpBlockDelete
	OpBlockInsert
	OpBlockDup
	OpBlockSwap
	OpBlockCopy
	OpTruncate
	OpCrossoverInsert
	OpCrossoverReplace
	OpSplice
	OpTokenInsert
	OpTokenReplace
	OpCmpReplace

	opCount // keep last
)

var opNames = [...]string{
	"bit_flip", "byte_flip", "byte_inc", "byte_dec", "byte_neg", "byte_rand",
	"interesting8", "interesting16", "interesting32", "arith16", "arith32",
	"block_delete", "block_insert", "block_dup", "block_swap", "block_copy", "truncate",
	"crossover_insert", "crossover_replace", "splice",
	"token_insert", "token_replace", "cmp_replace",
}

func (op Op) String() string {
	if op < 0 || int(op) >= len(opNames) {
		return "unknown"
	}
	return opNames[op]
}

// Ops enumerates the full variant set.
func Ops() []Op {
	out := make([]Op, opCount)
	for i := range out {
		out[i] = Op(i)
	}
	return out
}

// CmpHint is one comparison-operand pair harvested from instrumentation,
// consumed by the input-to-state substitution op.
type CmpHint struct {
	A, B uint64
}

// Aux carries the optional auxiliary data some ops need. Missing data
// makes the dependent ops report "skipped" rather than fail.
type Aux struct {
	// Splice is another corpus entry's input for crossover/splice ops.
	Splice []byte
	// Cmps are comparison hints from the last execution of the parent.
	Cmps []CmpHint
}

// Config configures a Mutator.
type Config struct {
	Seed       int64    // RNG seed; identical seeds give identical streams
	MaxSize    int      // output size cap, default 1 MiB
	MaxStack   uint     // stacked ops per Mutate call are 1..1<<MaxStack, default 4
	AllowEmpty bool     // permit zero-length outputs
	Tokens     [][]byte // dictionary tokens
}

// Mutator owns a seeded randomness source and applies ops. Not safe for
// concurrent use; each worker owns one.
type Mutator struct {
	rng        *rand.Rand
	maxSize    int
	maxStack   uint
	allowEmpty bool
	tokens     [][]byte
}

// New creates a Mutator.
func New(cfg Config) (*Mutator, error) {
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 1 << 20
	}
	if cfg.MaxSize < 0 {
		return nil, errors.Errorf("invalid max size %d", cfg.MaxSize)
	}
	if cfg.MaxStack == 0 {
		cfg.MaxStack = 4
	}
	return &Mutator{
		rng:        rand.New(rand.NewSource(cfg.Seed)),
		maxSize:    cfg.MaxSize,
		maxStack:   cfg.MaxStack,
		allowEmpty: cfg.AllowEmpty,
		tokens:     cfg.Tokens,
	}, nil
}

// Mutate derives a new, independently owned input from data by stacking
// 1..1<<MaxStack randomly chosen ops. It reports the ops that actually
// applied; at least one always does.
func (m *Mutator) Mutate(data []byte, aux Aux) ([]byte, []Op) {
	out := append([]byte(nil), data...)
	steps := 1 << (1 + m.rng.Intn(int(m.maxStack)))
	var applied []Op
	for i := 0; i < steps; i++ {
		op := Op(m.rng.Intn(int(opCount)))
		next, ok := m.Apply(op, out, aux)
		if !ok {
			continue
		}
		out = next
		applied = append(applied, op)
	}
	for len(applied) == 0 {
		// Every pick skipped (e.g. empty input, no aux data). Insert or
		// rewrite a byte so the caller never gets the input back verbatim.
		for _, op := range []Op{OpBlockInsert, OpByteRand} {
			if next, ok := m.Apply(op, out, aux); ok {
				out = next
				applied = append(applied, op)
				break
			}
		}
	}
	return out, applied
}

// Apply runs a single op against data, returning a fresh buffer. ok is
// false when the op does not apply (empty input for in-place ops, missing
// aux data); data is never modified in place.
func (m *Mutator) Apply(op Op, data []byte, aux Aux) (out []byte, ok bool) {
	switch op {
	case OpBitFlip:
		if len(data) == 0 {
			return nil, false
		}
		out = clone(data)
		bit := m.rng.Intn(len(out) * 8)
		out[bit/8] ^= 1 << uint(bit%8)
		return out, true

	case OpByteFlip:
		if len(data) == 0 {
			return nil, false
		}
		out = clone(data)
		out[m.rng.Intn(len(out))] ^= 0xff
		return out, true

	case OpByteInc:
		if len(data) == 0 {
			return nil, false
		}
		out = clone(data)
		out[m.rng.Intn(len(out))]++
		return out, true

	case OpByteDec:
		if len(data) == 0 {
			return nil, false
		}
		out = clone(data)
		out[m.rng.Intn(len(out))]--
		return out, true

	case OpByteNeg:
		if len(data) == 0 {
			return nil, false
		}
		out = clone(data)
		i := m.rng.Intn(len(out))
		out[i] = ^out[i]
		return out, true

	case OpByteRand:
		if len(data) == 0 {
			return nil, false
		}
		out = clone(data)
		out[m.rng.Intn(len(out))] = byte(m.rng.Intn(256))
		return out, true

	case OpInteresting8:
		if len(data) == 0 {
			return nil, false
		}
		out = clone(data)
		out[m.rng.Intn(len(out))] = byte(interesting8[m.rng.Intn(len(interesting8))])
		return out, true

	case OpInteresting16:
		if len(data) < 2 {
			return nil, false
		}
		out = clone(data)
		i := m.rng.Intn(len(out) - 1)
		v := uint16(interesting16[m.rng.Intn(len(interesting16))])
		if m.rng.Intn(2) == 0 {
			binary.LittleEndian.PutUint16(out[i:], v)
		} else {
			binary.BigEndian.PutUint16(out[i:], v)
		}
		return out, true

	case OpInteresting32:
		if len(data) < 4 {
			return nil, false
		}
		out = clone(data)
		i := m.rng.Intn(len(out) - 3)
		v := uint32(interesting32[m.rng.Intn(len(interesting32))])
		if m.rng.Intn(2) == 0 {
			binary.LittleEndian.PutUint32(out[i:], v)
		} else {
			binary.BigEndian.PutUint32(out[i:], v)
		}
		return out, true

	case OpArith16:
		if len(data) < 2 {
			return nil, false
		}
		out = clone(data)
		i := m.rng.Intn(len(out) - 1)
		delta := uint16(1 + m.rng.Intn(arithMax))
		v := binary.LittleEndian.Uint16(out[i:])
		if m.rng.Intn(2) == 0 {
			v += delta
		} else {
			v -= delta
		}
		binary.LittleEndian.PutUint16(out[i:], v)
		return out, true

	case OpArith32:
		if len(data) < 4 {
			return nil, false
		}
		out = clone(data)
		i := m.rng.Intn(len(out) - 3)
		delta := uint32(1 + m.rng.Intn(arithMax))
		v := binary.LittleEndian.Uint32(out[i:])
		if m.rng.Intn(2) == 0 {
			v += delta
		} else {
			v -= delta
		}
		binary.LittleEndian.PutUint32(out[i:], v)
		return out, true

	case OpBlockDelete:
		floor := m.minLen()
		if len(data) <= floor {
			return nil, false
		}
		out = clone(data)
		n := 1 + m.rng.Intn(len(out)-floor)
		off := m.rng.Intn(len(out) - n + 1)
		return append(out[:off], out[off+n:]...), true

	case OpBlockInsert:
		n := 1 + m.rng.Intn(16)
		if len(data)+n > m.maxSize {
			return nil, false
		}
		block := make([]byte, n)
		for i := range block {
			block[i] = byte(m.rng.Intn(256))
		}
		off := 0
		if len(data) > 0 {
			off = m.rng.Intn(len(data) + 1)
		}
		return insert(data, block, off), true

	case OpBlockDup:
		if len(data) == 0 || len(data)*2 > m.maxSize {
			return nil, false
		}
		n := 1 + m.rng.Intn(len(data))
		from := m.rng.Intn(len(data) - n + 1)
		to := m.rng.Intn(len(data) + 1)
		block := append([]byte(nil), data[from:from+n]...)
		return insert(data, block, to), true

	case OpBlockSwap:
		if len(data) < 2 {
			return nil, false
		}
		out = clone(data)
		n := 1 + m.rng.Intn(len(out)/2)
		a := m.rng.Intn(len(out) - n + 1)
		b := m.rng.Intn(len(out) - n + 1)
		for i := 0; i < n; i++ {
			out[a+i], out[b+i] = out[b+i], out[a+i]
		}
		return out, true

	case OpBlockCopy:
		if len(data) < 2 {
			return nil, false
		}
		out = clone(data)
		n := 1 + m.rng.Intn(len(out)/2)
		from := m.rng.Intn(len(out) - n + 1)
		to := m.rng.Intn(len(out) - n + 1)
		copy(out[to:to+n], data[from:from+n])
		return out, true

	case OpTruncate:
		floor := m.minLen()
		if len(data) <= floor {
			return nil, false
		}
		keep := floor + m.rng.Intn(len(data)-floor)
		return clone(data)[:keep], true

	case OpCrossoverInsert:
		if len(aux.Splice) == 0 {
			return nil, false
		}
		n := 1 + m.rng.Intn(len(aux.Splice))
		if len(data)+n > m.maxSize {
			return nil, false
		}
		from := m.rng.Intn(len(aux.Splice) - n + 1)
		off := 0
		if len(data) > 0 {
			off = m.rng.Intn(len(data) + 1)
		}
		block := append([]byte(nil), aux.Splice[from:from+n]...)
		return insert(data, block, off), true

	case OpCrossoverReplace:
		if len(data) == 0 || len(aux.Splice) == 0 {
			return nil, false
		}
		out = clone(data)
		n := 1 + m.rng.Intn(min(len(out), len(aux.Splice)))
		from := m.rng.Intn(len(aux.Splice) - n + 1)
		to := m.rng.Intn(len(out) - n + 1)
		copy(out[to:to+n], aux.Splice[from:from+n])
		return out, true

	case OpSplice:
		// Head of one input, tail of the other.
		if len(data) < 2 || len(aux.Splice) < 2 {
			return nil, false
		}
		head := 1 + m.rng.Intn(len(data)-1)
		tail := m.rng.Intn(len(aux.Splice))
		out = append([]byte(nil), data[:head]...)
		out = append(out, aux.Splice[tail:]...)
		if len(out) > m.maxSize {
			out = out[:m.maxSize]
		}
		return out, true

	case OpTokenInsert:
		if len(m.tokens) == 0 {
			return nil, false
		}
		tok := m.tokens[m.rng.Intn(len(m.tokens))]
		if len(data)+len(tok) > m.maxSize {
			return nil, false
		}
		off := 0
		if len(data) > 0 {
			off = m.rng.Intn(len(data) + 1)
		}
		return insert(data, tok, off), true

	case OpTokenReplace:
		if len(m.tokens) == 0 || len(data) == 0 {
			return nil, false
		}
		tok := m.tokens[m.rng.Intn(len(m.tokens))]
		if len(tok) > len(data) {
			return nil, false
		}
		out = clone(data)
		off := m.rng.Intn(len(out) - len(tok) + 1)
		copy(out[off:], tok)
		return out, true

	case OpCmpReplace:
		return m.cmpReplace(data, aux.Cmps)
	}
	return nil, false
}

// cmpReplace implements input-to-state substitution: when one comparison
// operand occurs verbatim in the input, overwrite it with the other
// operand so the comparison flips.
func (m *Mutator) cmpReplace(data []byte, cmps []CmpHint) ([]byte, bool) {
	if len(cmps) == 0 || len(data) == 0 {
		return nil, false
	}
	hint := cmps[m.rng.Intn(len(cmps))]
	needle, repl := hint.A, hint.B
	if m.rng.Intn(2) == 0 {
		needle, repl = repl, needle
	}
	// Try operand widths from widest to narrowest; narrow operands occur
	// in inputs far more often.
	for _, width := range []int{8, 4, 2, 1} {
		if len(data) < width {
			continue
		}
		if width < 8 && needle >= 1<<(uint(width)*8) {
			continue
		}
		var nb, rb [8]byte
		binary.LittleEndian.PutUint64(nb[:], needle)
		binary.LittleEndian.PutUint64(rb[:], repl)
		if off := bytes.Index(data, nb[:width]); off >= 0 {
			out := clone(data)
			copy(out[off:], rb[:width])
			return out, true
		}
	}
	return nil, false
}

// minLen is the smallest output the shrinking ops may produce.
func (m *Mutator) minLen() int {
	if m.allowEmpty {
		return 0
	}
	return 1
}

func clone(data []byte) []byte {
	return append([]byte(nil), data...)
}

func insert(data, block []byte, off int) []byte {
	out := make([]byte, 0, len(data)+len(block))
	out = append(out, data[:off]...)
	out = append(out, block...)
	out = append(out, data[off:]...)
	return out
}

