package world

import (
	"fmt"
	"io"
	"slices"

	"lockstep.gg/internal/sim/command"
	"lockstep.gg/internal/sim/encoding"
)

// peerMarks records, per player, the last tick whose batch is settled: for
// remote players the newest batch received, for the local player the newest
// batch announced. A save carries the saver's marks so an importer knows
// which batches the save already holds.
type peerMarks map[command.PlayerID]int64

// WriteTo writes the marks in player order.
func (m peerMarks) WriteTo(w io.Writer) (int64, error) {
	e := encoding.NewWriter(w)
	e.Tag("PEER")
	players := make([]command.PlayerID, 0, len(m))
	for p := range m {
		players = append(players, p)
	}
	slices.Sort(players)
	e.U16(uint16(len(players)))
	for _, p := range players {
		e.U16(uint16(p))
		e.I64(m[p])
	}
	return e.N(), e.Err()
}

func (m peerMarks) ReadFrom(r io.Reader) (int64, error) {
	d := encoding.NewReader(r)
	d.Expect("PEER")
	n := int(d.U16())
	clear(m)
	for i := 0; i < n && d.Err() == nil; i++ {
		p := command.PlayerID(d.U16())
		v := d.I64()
		if d.Err() == nil && v < -1 {
			d.Fail(fmt.Errorf("world: player %d mark %d", p, v))
		}
		m[p] = v
	}
	return d.N(), d.Err()
}

// marks snapshots what this peer has settled, for a save.
func (w *World) marks() peerMarks {
	m := make(peerMarks, len(w.seen)+1)
	for p, t := range w.seen {
		m[p] = t
	}
	m[w.cfg.LocalPlayer] = w.announced
	return m
}

// adoptMarks rebuilds peer bookkeeping after a save taken with marks has
// been loaded at tick. Batches the save holds are forgotten; retained ones
// it does not hold are queued again. Local commands follow the same rule,
// then every local batch the saver had not heard is announced.
func (w *World) adoptMarks(m peerMarks, tick uint32) {
	settled := func(p command.PlayerID) int64 {
		if v, ok := m[p]; ok {
			return v
		}
		return -1
	}
	floor := int64(tick) - 1

	for t, bs := range w.remote {
		if t < tick {
			delete(w.remote, t)
			continue
		}
		kept := bs[:0]
		for _, b := range bs {
			if int64(t) > settled(b.Player) {
				if err := w.enqueueBatch(b); err != nil {
					w.logger.Printf("load: %v", err)
				}
				kept = append(kept, b)
			}
		}
		if len(kept) == 0 {
			delete(w.remote, t)
		} else {
			w.remote[t] = kept
		}
	}
	for p, v := range m {
		if p == w.cfg.LocalPlayer {
			continue
		}
		if cur, ok := w.seen[p]; !ok || v > cur {
			w.seen[p] = v
		}
	}

	local := w.cfg.LocalPlayer
	for t, cmds := range w.local {
		if int64(t) <= settled(local) || t < tick {
			delete(w.local, t)
			continue
		}
		kept := cmds[:0]
		for _, c := range cmds {
			if res := w.proc.Enqueue(c); res.Accepted {
				kept = append(kept, c)
			} else {
				w.logger.Printf("load: dropped local %s for tick %d: %v", command.Name(c.Type()), t, res.Err)
			}
		}
		w.local[t] = kept
	}
	w.announced = max(settled(local), floor)
}

// enqueueBatch queues the commands of a remote batch against the schedule.
func (w *World) enqueueBatch(b command.Batch) error {
	var firstErr error
	for _, c := range b.Commands {
		c.SetPlayer(b.Player)
		if res := w.proc.Enqueue(c); !res.Accepted && firstErr == nil {
			firstErr = fmt.Errorf("world: player %d tick %d: %w", b.Player, c.Meta().Tick, res.Err)
		}
	}
	return firstErr
}
