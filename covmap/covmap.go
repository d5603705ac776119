// Package covmap implements the fixed-size coverage map shared between the
// orchestrator and a target execution context, and the compact signature
// derived from it for novelty comparisons.
package covmap

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// DefaultSize is the default coverage map capacity in bytes.
// It matches the classic AFL edge map.
const DefaultSize = 1 << 16

// bucketLUT folds raw hit counts into coarse buckets so that loop-count
// jitter does not register as novelty. Same classes AFL uses.
var bucketLUT [256]byte

func init() {
	for i := 0; i < 256; i++ {
		switch {
		case i == 0:
			bucketLUT[i] = 0
		case i == 1:
			bucketLUT[i] = 1
		case i == 2:
			bucketLUT[i] = 2
		case i == 3:
			bucketLUT[i] = 4
		case i <= 7:
			bucketLUT[i] = 8
		case i <= 15:
			bucketLUT[i] = 16
		case i <= 31:
			bucketLUT[i] = 32
		case i <= 127:
			bucketLUT[i] = 64
		default:
			bucketLUT[i] = 128
		}
	}
}

// Map is a fixed-capacity hit-count buffer. The buffer may alias a
// shared-memory region attached by the target process; the Map itself is
// owned by exactly one in-flight execution at a time.
type Map struct {
	buf []byte
}

// New allocates a private coverage map of the given capacity.
func New(size int) (*Map, error) {
	if size <= 0 || size&(size-1) != 0 {
		return nil, errors.Errorf("coverage map size must be a positive power of two, got %d", size)
	}
	return &Map{buf: make([]byte, size)}, nil
}

// FromBuffer wraps an existing buffer (typically a shared-memory region)
// without copying. The caller keeps ownership of the region's lifetime.
func FromBuffer(buf []byte) *Map {
	return &Map{buf: buf}
}

// Size returns the map capacity in bytes.
func (m *Map) Size() int { return len(m.buf) }

// Buffer exposes the raw backing buffer for the execution context to fill.
func (m *Map) Buffer() []byte { return m.buf }

// Reset re-arms the map to the all-zero baseline. Must be called before
// every execution to avoid cross-execution contamination.
func (m *Map) Reset() {
	for i := range m.buf {
		m.buf[i] = 0
	}
}

// Hit records one edge hit. Used by in-process harnesses; instrumented
// subprocess targets write the region directly.
func (m *Map) Hit(idx uint32) {
	slot := &m.buf[idx&uint32(len(m.buf)-1)]
	if *slot < 0xff {
		*slot++
	}
}

// Snapshot returns an independently owned, bucketed copy of the map.
// The snapshot is what the feedback pipeline compares and merges; the raw
// map can be reset immediately afterwards.
func (m *Map) Snapshot() Snapshot {
	out := make(Snapshot, len(m.buf))
	for i, v := range m.buf {
		out[i] = bucketLUT[v]
	}
	return out
}

// Snapshot is a bucketed coverage map copy. Treated as immutable once taken.
type Snapshot []byte

// CountBits returns the number of non-zero slots.
func (s Snapshot) CountBits() int {
	n := 0
	for _, v := range s {
		if v != 0 {
			n++
		}
	}
	return n
}

// Signature fingerprints the snapshot. Two inputs with identical signatures
// are coverage-redundant regardless of byte content.
func (s Snapshot) Signature() Signature {
	return Signature(xxhash.Sum64(s))
}

// Signature is a compact coverage fingerprint.
type Signature uint64

// String renders the signature as fixed-width hex, suitable for filenames.
func (sig Signature) String() string {
	return fmt.Sprintf("%016x", uint64(sig))
}
