package covmap

import "testing"

func TestNewRejectsBadSizes(t *testing.T) {
	for _, size := range []int{0, -1, 3, 1000} {
		if _, err := New(size); err == nil {
			t.Errorf("New(%d) succeeded, want error", size)
		}
	}
	m, err := New(64)
	if err != nil {
		t.Fatalf("New(64) failed: %v", err)
	}
	if m.Size() != 64 {
		t.Errorf("Size() = %d, want 64", m.Size())
	}
}

func TestResetClearsAllSlots(t *testing.T) {
	m, _ := New(64)
	for i := 0; i < 64; i++ {
		m.Hit(uint32(i))
	}
	m.Reset()
	if got := m.Snapshot().CountBits(); got != 0 {
		t.Errorf("CountBits after Reset = %d, want 0", got)
	}
}

func TestHitWrapsAndSaturates(t *testing.T) {
	m, _ := New(8)

	// Index wraps modulo capacity.
	m.Hit(9)
	if m.Buffer()[1] != 1 {
		t.Errorf("Hit(9) did not land on slot 1: %v", m.Buffer())
	}

	// Counter saturates at 0xff instead of rolling over to zero.
	for i := 0; i < 300; i++ {
		m.Hit(0)
	}
	if m.Buffer()[0] != 0xff {
		t.Errorf("slot 0 = %#x after 300 hits, want 0xff", m.Buffer()[0])
	}
}

func TestSnapshotBuckets(t *testing.T) {
	m, _ := New(8)
	raw := m.Buffer()
	raw[0] = 0
	raw[1] = 1
	raw[2] = 3
	raw[3] = 5
	raw[4] = 20
	raw[5] = 200

	s := m.Snapshot()
	want := []byte{0, 1, 4, 8, 32, 128, 0, 0}
	for i, w := range want {
		if s[i] != w {
			t.Errorf("bucket[%d] = %d, want %d", i, s[i], w)
		}
	}
	if got := s.CountBits(); got != 5 {
		t.Errorf("CountBits = %d, want 5", got)
	}
}

func TestSnapshotIsIndependent(t *testing.T) {
	m, _ := New(8)
	m.Hit(2)
	s := m.Snapshot()
	m.Reset()
	if s.CountBits() != 1 {
		t.Errorf("snapshot changed after Reset: %v", s)
	}
}

func TestSignatureDeterminism(t *testing.T) {
	// 1. Identical maps produce identical signatures.
	a, _ := New(32)
	b, _ := New(32)
	for _, idx := range []uint32{1, 7, 7, 19} {
		a.Hit(idx)
		b.Hit(idx)
	}
	if a.Snapshot().Signature() != b.Snapshot().Signature() {
		t.Fatal("identical maps yielded different signatures")
	}

	// 2. A different hit pattern changes the signature.
	b.Hit(30)
	if a.Snapshot().Signature() == b.Snapshot().Signature() {
		t.Fatal("distinct maps yielded the same signature")
	}
}

func TestSignatureString(t *testing.T) {
	if got := Signature(0xabc).String(); got != "0000000000000abc" {
		t.Errorf("String() = %q", got)
	}
}
