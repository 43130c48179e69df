// Package buffer provides the double buffer that separates the simulation's
// write state from the frozen copy handed to presentation consumers.
package buffer

import (
	"errors"
	"sync/atomic"
)

// ErrNotSynced is returned by Swap while the buffer is still in its load phase.
var ErrNotSynced = errors.New("buffer: swap before SyncAfterLoad")

// Double holds two equally sized copies of an entity array.
//
// The write copy is owned by the tick goroutine. The read copy may be read by
// any number of goroutines between swaps and must not be retained across a
// Swap. Swap is the only place buffer identity changes.
type Double[T any] struct {
	bufs  [2][]T
	write atomic.Uint32
	gen   atomic.Uint64

	synced bool

	// indices written since the last swap; each index appears at most once
	dirty  []uint32
	marked []uint64
}

func New[T any](n int) *Double[T] {
	if n < 0 {
		n = 0
	}
	return &Double[T]{
		bufs:   [2][]T{make([]T, n), make([]T, n)},
		dirty:  make([]uint32, 0, n),
		marked: make([]uint64, (n+63)/64),
	}
}

func (d *Double[T]) Len() int { return len(d.bufs[0]) }

// At reads from the write copy.
func (d *Double[T]) At(i int) T {
	return d.bufs[d.write.Load()][i]
}

// Write exposes the write copy for read-only iteration by the tick goroutine.
// Mutations must go through Set so the next Swap can carry them over.
func (d *Double[T]) Write() []T {
	return d.bufs[d.write.Load()]
}

// Set stores v in the write copy.
func (d *Double[T]) Set(i int, v T) {
	d.bufs[d.write.Load()][i] = v
	if !d.synced {
		return
	}
	word, bit := i>>6, uint64(1)<<(uint(i)&63)
	if d.marked[word]&bit == 0 {
		d.marked[word] |= bit
		d.dirty = append(d.dirty, uint32(i))
	}
}

// Read returns the frozen read copy.
func (d *Double[T]) Read() []T {
	return d.bufs[1-d.write.Load()]
}

// SyncAfterLoad ends the load phase by copying the write copy into the read
// copy in full. It must run after any bulk population (scenario or save load)
// and before the first Swap; otherwise readers would observe an empty buffer.
func (d *Double[T]) SyncAfterLoad() {
	w := d.write.Load()
	copy(d.bufs[1-w], d.bufs[w])
	d.clearDirty()
	d.synced = true
	d.gen.Add(1)
}

// Synced reports whether SyncAfterLoad has run since the last Reset.
func (d *Double[T]) Synced() bool { return d.synced }

// Reset zeroes both copies and returns the buffer to its load phase.
func (d *Double[T]) Reset() {
	var zero T
	for b := range d.bufs {
		for i := range d.bufs[b] {
			d.bufs[b][i] = zero
		}
	}
	d.clearDirty()
	d.synced = false
}

// Swap exchanges the read and write copies, then replays the entries written
// since the previous swap into the new write copy so the simulation continues
// from the latest state. Cost is proportional to the number of changed entries.
func (d *Double[T]) Swap() error {
	if !d.synced {
		return ErrNotSynced
	}
	old := d.write.Load()
	d.write.Store(1 - old)
	src, dst := d.bufs[old], d.bufs[1-old]
	for _, i := range d.dirty {
		dst[i] = src[i]
	}
	d.clearDirty()
	d.gen.Add(1)
	return nil
}

// Generation increments on every swap and sync; consumers can use it to detect
// that the read copy changed.
func (d *Double[T]) Generation() uint64 { return d.gen.Load() }

// Pending reports how many entries changed since the last swap.
func (d *Double[T]) Pending() int { return len(d.dirty) }

func (d *Double[T]) clearDirty() {
	for _, i := range d.dirty {
		d.marked[i>>6] = 0
	}
	d.dirty = d.dirty[:0]
}
