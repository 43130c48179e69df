package world

import (
	"bytes"
	"testing"

	"lockstep.gg/internal/sim/command"
)

func TestPeerMarksCodec(t *testing.T) {
	m := peerMarks{3: 40, 1: -1, 2: 7}
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := peerMarks{9: 9}
	if _, err := got.ReadFrom(&buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 3 || got[3] != 40 || got[1] != -1 || got[2] != 7 {
		t.Fatalf("marks = %v", got)
	}
}

// A peer that joins with no scenario loads the host's save and must still
// run the host's batches that were sent after the save was taken.
func TestJoinerQueuesBatchesNewerThanSave(t *testing.T) {
	delay := uint32(testTuning().Commands.InputDelayTicks)
	toGuest := &pipe{t: t, name: "host"}
	toHost := &pipe{t: t, name: "guest"}
	host := newWorld(t, Config{SessionID: "join", LocalPlayer: 1, Host: true, Broadcaster: toGuest, Gate: NewPeerGate(delay, 2)})
	guest, err := New(Config{SessionID: "join", Tuning: testTuning(), LocalPlayer: 2, Broadcaster: toHost, Gate: NewPeerGate(delay, 1)}, nil)
	if err != nil {
		t.Fatalf("new guest: %v", err)
	}
	toGuest.to, toHost.to = guest, host

	s, err := host.Save()
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	// the host runs on through the delay window; its batches for ticks 2
	// and 3 reach the guest before the save does
	for k := uint32(0); k < delay; k++ {
		script(host, k)
		stepN(t, host, 1)
	}
	if host.cfg.Gate.Ready(host.Tick()) {
		t.Fatalf("host ran past the delay without the guest")
	}

	if err := guest.LoadSave(s.Data); err != nil {
		t.Fatalf("join: %v", err)
	}
	if guest.Tick() != 0 || guest.proc.Pending() != host.proc.Pending() {
		t.Fatalf("guest tick %d pending %d, host pending %d", guest.Tick(), guest.proc.Pending(), host.proc.Pending())
	}

	hostSums, guestSums := map[uint32]uint32{}, map[uint32]uint32{}
	for guest.Tick() < 40 {
		progressed := false
		if host.Tick() < 40 && host.cfg.Gate.Ready(host.Tick()) {
			script(host, host.Tick())
			hr := stepN(t, host, 1)
			hostSums[hr.Tick] = hr.Checksum
			progressed = true
		}
		if guest.cfg.Gate.Ready(guest.Tick()) {
			script(guest, guest.Tick())
			gr := stepN(t, guest, 1)
			guestSums[gr.Tick] = gr.Checksum
			progressed = true
		}
		if !progressed {
			t.Fatalf("stalled: host at %d, guest at %d", host.Tick(), guest.Tick())
		}
	}
	for tick, want := range hostSums {
		if got, ok := guestSums[tick]; ok && got != want {
			t.Fatalf("tick %d: guest %08x host %08x", tick, got, want)
		}
	}
	if toGuest.desyncs != 0 || toHost.desyncs != 0 {
		t.Fatalf("desyncs: %d %d", toGuest.desyncs, toHost.desyncs)
	}
	if host.Metrics().ExecutedTotal == 0 {
		t.Fatalf("nothing ran")
	}
}

func TestDuplicateBatchIgnored(t *testing.T) {
	w := newWorld(t, Config{LocalPlayer: 1})
	b := command.Batch{Player: 2, Tick: 3, Commands: []command.Command{treasury(3, 2, 1)}}
	for i := 0; i < 2; i++ {
		if err := w.SubmitBatch(b); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if w.proc.Pending() != 1 || w.totals.dupes != 1 {
		t.Fatalf("pending %d dupes %d", w.proc.Pending(), w.totals.dupes)
	}
}
