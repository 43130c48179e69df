package world

import (
	"errors"
	"fmt"
	"time"

	"lockstep.gg/internal/sim/checksum"
)

var (
	ErrDesync = errors.New("world: desync")
	// ErrChecksumUnknown is returned for a report about a tick this peer no
	// longer remembers or never hashed.
	ErrChecksumUnknown = errors.New("world: no local checksum for tick")
)

// ChecksumReport is a peer's checksum of one tick.
type ChecksumReport struct {
	Peer string
	Tick uint32
	Sum  uint32
}

type DesyncError struct {
	Tick   uint32
	Local  uint32
	Remote uint32
	Peer   string
}

func (e *DesyncError) Error() string {
	return fmt.Sprintf("world: desync at tick %d with %s: local %08x, remote %08x", e.Tick, e.Peer, e.Local, e.Remote)
}

func (e *DesyncError) Unwrap() error { return ErrDesync }

type resyncWait struct {
	tick  uint32
	since time.Time
}

// checksumRing keeps the most recent local checksums, one slot per tick
// modulo its size.
type checksumRing struct {
	buf []checksum.Result
	ok  []bool
}

func newChecksumRing(n int) *checksumRing {
	return &checksumRing{buf: make([]checksum.Result, n), ok: make([]bool, n)}
}

func (r *checksumRing) put(res checksum.Result) {
	i := int(res.Tick % uint32(len(r.buf)))
	r.buf[i], r.ok[i] = res, true
}

func (r *checksumRing) get(tick uint32) (checksum.Result, bool) {
	i := int(tick % uint32(len(r.buf)))
	if !r.ok[i] || r.buf[i].Tick != tick {
		return checksum.Result{}, false
	}
	return r.buf[i], true
}

func (r *checksumRing) reset() { clear(r.ok) }

// ObserveChecksum compares a peer's checksum with the local one. Reports for
// ticks not reached yet are held until Step hashes that tick.
func (w *World) ObserveChecksum(peer string, tick, sum uint32) error {
	if local, ok := w.sums.get(tick); ok {
		if local.MainHash != sum {
			return w.desync(&DesyncError{Tick: tick, Local: local.MainHash, Remote: sum, Peer: peer})
		}
		return nil
	}
	next := w.proc.Tick()
	if tick < next || tick-next >= uint32(len(w.sums.buf)) {
		return fmt.Errorf("%w %d (current %d)", ErrChecksumUnknown, tick, next)
	}
	w.early[tick] = append(w.early[tick], ChecksumReport{Peer: peer, Tick: tick, Sum: sum})
	return nil
}

func (w *World) matchEarly(tick, sum uint32) error {
	reports, ok := w.early[tick]
	if !ok {
		return nil
	}
	delete(w.early, tick)
	var first error
	for _, r := range reports {
		if r.Sum != sum && first == nil {
			first = w.desync(&DesyncError{Tick: tick, Local: sum, Remote: r.Sum, Peer: r.Peer})
		}
	}
	return first
}

func (w *World) desync(e *DesyncError) error {
	w.totals.desyncs++
	w.logger.Printf("%v", e)
	if w.cfg.DesyncLogger != nil {
		entry := DesyncEntry{Tick: e.Tick, Peer: e.Peer, Local: e.Local, Remote: e.Remote, Host: w.cfg.Host}
		if err := w.cfg.DesyncLogger.WriteDesync(entry); err != nil {
			w.logger.Printf("desync log: %v", err)
		}
	}
	return e
}

// handleDesync starts the resync: the host broadcasts its state, everyone
// else stops stepping and waits for it.
func (w *World) handleDesync(err error) {
	var de *DesyncError
	if !errors.As(err, &de) {
		w.logger.Printf("%v", err)
		return
	}
	if w.cfg.Host {
		if w.cfg.Broadcaster == nil {
			return
		}
		s, err := w.Save()
		if err != nil {
			w.logger.Printf("resync save: %v", err)
			return
		}
		if err := w.cfg.Broadcaster.SendResync(s); err != nil {
			w.logger.Printf("resync broadcast: %v", err)
		}
		return
	}
	if w.resync == nil {
		w.resync = &resyncWait{tick: de.Tick, since: time.Now()}
	}
}

// Resyncing reports whether the world is paused waiting for the host's state.
func (w *World) Resyncing() bool { return w.resync != nil }
