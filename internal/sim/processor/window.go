package processor

// window is a fixed tick window counter.
type window struct {
	start uint32
	count int
}

// allow counts one event at nowTick against at most max events per size
// ticks. A zero size or non-positive max disables the limit. When the event
// is refused it also reports how many ticks remain until the window resets.
func (w *window) allow(nowTick, size uint32, max int) (ok bool, cooldown uint32) {
	if size == 0 || max <= 0 {
		return true, 0
	}
	if nowTick-w.start >= size {
		w.start = nowTick
		w.count = 0
	}
	w.count++
	if w.count <= max {
		return true, 0
	}
	return false, w.start + size - nowTick
}
