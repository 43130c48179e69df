package random

import (
	"bytes"
	"testing"
)

func TestSameSeedSameSequence(t *testing.T) {
	for _, seed := range []uint64{0, 1, 42, 1337, 0xffffffffffffffff} {
		a := New(seed)
		b := New(seed)
		for i := 0; i < 10000; i++ {
			if x, y := a.Next(), b.Next(); x != y {
				t.Fatalf("seed %d diverged at draw %d: %x vs %x", seed, i, x, y)
			}
		}
	}
}

// The first outputs are pinned so a change in the algorithm (or a platform
// difference) shows up as a test failure rather than as a desync.
func TestPinnedSequence(t *testing.T) {
	r := New(42)
	want := []uint64{0xbe15272cdf80b6c2, 0xaf6e2ee49ff5d0e3, 0xca56edd0338a318f}
	for i, w := range want {
		if got := r.Next(); got != w {
			t.Fatalf("draw %d: got %#x want %#x", i, got, w)
		}
	}
}

func TestDifferentSeedsDiverge(t *testing.T) {
	a := New(1)
	b := New(2)
	same := 0
	for i := 0; i < 100; i++ {
		if a.Next() == b.Next() {
			same++
		}
	}
	if same > 0 {
		t.Fatalf("expected independent streams, %d equal draws", same)
	}
}

func TestBranchIsReproducibleAndLeavesParentAlone(t *testing.T) {
	parent := New(7)
	ref := New(7)

	b1 := parent.Branch(3)
	b2 := New(7).Branch(3)
	for i := 0; i < 1000; i++ {
		if b1.Next() != b2.Next() {
			t.Fatalf("branch diverged at %d", i)
		}
	}
	for i := 0; i < 1000; i++ {
		if parent.Next() != ref.Next() {
			t.Fatalf("branching advanced the parent (draw %d)", i)
		}
	}

	other := New(7).Branch(4)
	again := New(7).Branch(3)
	if other.Next() == again.Next() {
		t.Fatalf("different stream ids produced the same first draw")
	}
}

func TestBranchDoesNotDependOnParentPosition(t *testing.T) {
	a := New(9)
	for i := 0; i < 50; i++ {
		a.Next()
	}
	if a.Branch(1).Next() != New(9).Branch(1).Next() {
		t.Fatalf("branch depends on parent position")
	}
}

func TestRestoreResumesSequence(t *testing.T) {
	r := New(99)
	for i := 0; i < 17; i++ {
		r.Next()
	}
	st := r.State()
	want := []uint64{r.Next(), r.Next(), r.Next()}

	var c Rand
	c.Restore(st)
	for i, w := range want {
		if got := c.Next(); got != w {
			t.Fatalf("restored draw %d: got %x want %x", i, got, w)
		}
	}
	if c.Seed() != 99 {
		t.Fatalf("seed not restored: %d", c.Seed())
	}
}

func TestBoundedDraws(t *testing.T) {
	r := New(5)
	for i := 0; i < 5000; i++ {
		if v := r.Intn(7); v < 0 || v >= 7 {
			t.Fatalf("Intn out of range: %d", v)
		}
		if v := r.Range(-3, 3); v < -3 || v > 3 {
			t.Fatalf("Range out of range: %d", v)
		}
		if v := r.Fixed(); v < 0 || v >= 10000 {
			t.Fatalf("Fixed out of range: %d", v)
		}
	}
	if r.Chance(0) || !r.Chance(1000) {
		t.Fatalf("Chance bounds wrong")
	}
	if r.Uint64n(0) != 0 {
		t.Fatalf("Uint64n(0) should be 0")
	}
}

func TestCodecResumesSequence(t *testing.T) {
	r := New(77)
	for i := 0; i < 5; i++ {
		r.Next()
	}
	var buf bytes.Buffer
	if _, err := r.WriteTo(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	var back Rand
	if _, err := back.ReadFrom(&buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if back.Seed() != 77 {
		t.Fatalf("seed = %d", back.Seed())
	}
	for i := 0; i < 10; i++ {
		if a, b := r.Next(), back.Next(); a != b {
			t.Fatalf("draw %d: %x != %x", i, a, b)
		}
	}
	if _, err := back.ReadFrom(bytes.NewReader([]byte("NOPE"))); err == nil {
		t.Fatalf("bad tag accepted")
	}
}
