package world

import (
	"bytes"
	"fmt"
	"io"

	"lockstep.gg/internal/persistence/snapshot"
	"lockstep.gg/internal/sim/checksum"
)

// Save is an encoded save together with its decoded header.
type Save struct {
	Header snapshot.Header
	Data   []byte
}

// store, modifiers, random stream, command queue, peer marks
const saveSections = 5

type sectionReader func(r io.Reader) (int64, error)

func (f sectionReader) ReadFrom(r io.Reader) (int64, error) { return f(r) }

func (w *World) header() snapshot.Header {
	tick := w.proc.Tick()
	sum := w.validator.Sum(checksum.Input{State: w.state, Modifiers: w.mods, RNG: w.rng, Tick: tick})
	return snapshot.Header{
		SessionID:      w.cfg.SessionID,
		Tick:           tick,
		Seed:           w.rng.Seed(),
		ScenarioDigest: w.scenarioDigest,
		Checksum:       sum.MainHash,
	}
}

// ExportSave writes the complete simulation state: store, modifiers, random
// stream and the queued commands, then the peer marks. The header carries the checksum of that
// state at the next tick to run.
func (w *World) ExportSave(out io.Writer) error {
	if !w.loaded {
		return ErrNotLoaded
	}
	return snapshot.Write(out, w.header(), w.state, w.mods, w.rng, w.proc, w.marks())
}

// Save is ExportSave into memory.
func (w *World) Save() (Save, error) {
	if !w.loaded {
		return Save{}, ErrNotLoaded
	}
	h := w.header()
	data, err := snapshot.Encode(h, w.state, w.mods, w.rng, w.proc, w.marks())
	if err != nil {
		return Save{}, err
	}
	h.Version, h.Sections = snapshot.Version, saveSections
	return Save{Header: h, Data: data}, nil
}

// ImportSave replaces the whole simulation with a save. The store's load
// phase is finished as soon as its section is read, so the view is valid
// before the next frame swap. Local and peer batches the save does not hold
// are queued again and local batches the saver never heard are announced.
// On error the world is left unloaded.
func (w *World) ImportSave(r io.Reader) error {
	reload := w.resync != nil || w.loaded
	marks := make(peerMarks)
	check := func(h snapshot.Header) error {
		if w.cfg.SessionID != "" && h.SessionID != "" && h.SessionID != w.cfg.SessionID {
			return fmt.Errorf("%w: %q", ErrSessionMismatch, h.SessionID)
		}
		w.loaded = false
		w.state.Reset()
		w.mods.Reset()
		return nil
	}
	stateSection := sectionReader(func(r io.Reader) (int64, error) {
		n, err := w.state.ReadFrom(r)
		if err != nil {
			return n, err
		}
		return n, w.state.FinishLoad()
	})
	h, err := snapshot.Read(r, check, stateSection, w.mods, w.rng, w.proc, marks)
	if err != nil {
		return fmt.Errorf("world: import: %w", err)
	}
	if tick := w.proc.Tick(); tick != h.Tick {
		return fmt.Errorf("world: import: header tick %d, queue tick %d", h.Tick, tick)
	}
	if h.Checksum != 0 {
		sum := w.validator.Sum(checksum.Input{State: w.state, Modifiers: w.mods, RNG: w.rng, Tick: h.Tick})
		if sum.MainHash != h.Checksum {
			return fmt.Errorf("%w: header %08x, loaded %08x", ErrSaveChecksum, h.Checksum, sum.MainHash)
		}
	}

	w.scenarioDigest = h.ScenarioDigest
	w.sums.reset()
	for t := range w.early {
		if t < h.Tick {
			delete(w.early, t)
		}
	}
	w.resync = nil
	w.loaded = true
	w.adoptMarks(marks, h.Tick)
	w.resetPeers(h.Tick)
	if reload {
		w.totals.resyncs++
	}
	w.flushLocal()
	w.storeMetrics()
	return nil
}

// LoadSave is ImportSave from bytes.
func (w *World) LoadSave(data []byte) error {
	return w.ImportSave(bytes.NewReader(data))
}
