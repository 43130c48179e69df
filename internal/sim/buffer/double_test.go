package buffer

import (
	"errors"
	"sync"
	"testing"
)

func TestSwapBeforeSyncIsRejected(t *testing.T) {
	d := New[int](4)
	d.Set(1, 10)
	if err := d.Swap(); !errors.Is(err, ErrNotSynced) {
		t.Fatalf("expected ErrNotSynced, got %v", err)
	}
}

func TestSyncAfterLoadMakesBothCopiesValid(t *testing.T) {
	d := New[int](4)
	for i := 0; i < 4; i++ {
		d.Set(i, i+1)
	}
	if got := d.Read()[2]; got != 0 {
		t.Fatalf("read copy should still be empty during load, got %d", got)
	}
	d.SyncAfterLoad()
	for i := 0; i < 4; i++ {
		if d.Read()[i] != i+1 || d.At(i) != i+1 {
			t.Fatalf("index %d not synced: read=%d write=%d", i, d.Read()[i], d.At(i))
		}
	}
	if d.Pending() != 0 {
		t.Fatalf("load writes must not be tracked as dirty")
	}
}

func TestSwapPublishesAndCarriesWritesOver(t *testing.T) {
	d := New[int](8)
	d.SyncAfterLoad()

	d.Set(3, 30)
	if d.Read()[3] != 0 {
		t.Fatalf("write leaked into read copy before swap")
	}
	if err := d.Swap(); err != nil {
		t.Fatalf("swap: %v", err)
	}
	if d.Read()[3] != 30 {
		t.Fatalf("swap did not publish write: %d", d.Read()[3])
	}
	if d.At(3) != 30 {
		t.Fatalf("new write copy lost the change: %d", d.At(3))
	}

	d.Set(5, 50)
	d.Set(5, 51)
	if d.Pending() != 1 {
		t.Fatalf("repeated writes should be tracked once, pending=%d", d.Pending())
	}
	if err := d.Swap(); err != nil {
		t.Fatalf("swap: %v", err)
	}
	if d.Read()[3] != 30 || d.Read()[5] != 51 {
		t.Fatalf("read copy stale after second swap: %v", d.Read())
	}
	if d.At(3) != 30 || d.At(5) != 51 {
		t.Fatalf("write copy stale after second swap: %v", d.Write())
	}
}

func TestGenerationAdvances(t *testing.T) {
	d := New[int](1)
	g0 := d.Generation()
	d.SyncAfterLoad()
	_ = d.Swap()
	if d.Generation() != g0+2 {
		t.Fatalf("generation = %d, want %d", d.Generation(), g0+2)
	}
}

func TestResetReturnsToLoadPhase(t *testing.T) {
	d := New[int](2)
	d.SyncAfterLoad()
	d.Set(0, 1)
	d.Reset()
	if d.Synced() || d.Pending() != 0 || d.At(0) != 0 || d.Read()[0] != 0 {
		t.Fatalf("reset did not clear state")
	}
	if err := d.Swap(); !errors.Is(err, ErrNotSynced) {
		t.Fatalf("swap after reset should require a sync, got %v", err)
	}
}

// Readers only touch the read copy while the owner mutates the write copy.
func TestConcurrentReadersBetweenSwaps(t *testing.T) {
	d := New[int](1024)
	d.SyncAfterLoad()
	for frame := 0; frame < 20; frame++ {
		read := d.Read()
		var wg sync.WaitGroup
		for r := 0; r < 4; r++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				sum := 0
				for _, v := range read {
					sum += v
				}
				if want := frame * len(read); sum != want {
					t.Errorf("frame %d: sum %d want %d", frame, sum, want)
				}
			}()
		}
		for i := 0; i < d.Len(); i++ {
			d.Set(i, frame+1)
		}
		wg.Wait()
		if err := d.Swap(); err != nil {
			t.Fatalf("swap: %v", err)
		}
	}
}
