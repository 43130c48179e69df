package world

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"lockstep.gg/internal/sim/command"
	"lockstep.gg/internal/sim/fixed"
	"lockstep.gg/internal/sim/modifiers"
)

func stepN(t *testing.T, w *World, n int) TickReport {
	t.Helper()
	var rep TickReport
	for i := 0; i < n; i++ {
		var err error
		if rep, err = w.Step(); err != nil {
			t.Fatalf("step %d: %v", w.Tick(), err)
		}
	}
	return rep
}

func TestSaveLoadKeepsChecksum(t *testing.T) {
	w := newWorld(t, Config{SessionID: "s1", LocalPlayer: 1})
	for k := uint32(0); k < 12; k++ {
		script(w, k)
		at := w.Tick() + 2
		w.Submit(&command.AddModifier{
			Header: command.Header{Tick: at},
			Scope:  modifiers.ScopeProvince,
			Target: uint16(1 + k%5),
			Source: modifiers.Source{Type: modifiers.SourceBuilding, SourceID: k, Value: fixed.One, Temporary: true, ExpiresTick: at + 6},
		})
		stepN(t, w, 1)
	}
	// queued work and a moved random stream must survive the save
	w.Submit(treasury(w.Tick()+3, 1, 7))
	w.Submit(treasury(w.Tick()+5, 3, 2))
	w.Rand().Next()

	s, err := w.Save()
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if s.Header.Tick != 12 || s.Header.SessionID != "s1" || s.Header.Checksum == 0 {
		t.Fatalf("header = %+v", s.Header)
	}

	var streamed bytes.Buffer
	if err := w.ExportSave(&streamed); err != nil {
		t.Fatalf("export: %v", err)
	}

	loaded, err := New(Config{SessionID: "s1", Tuning: testTuning(), LocalPlayer: 1}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := loaded.ImportSave(&streamed); err != nil {
		t.Fatalf("import: %v", err)
	}
	if loaded.Tick() != w.Tick() || loaded.proc.Pending() != w.proc.Pending() {
		t.Fatalf("loaded tick %d pending %d, want %d %d", loaded.Tick(), loaded.proc.Pending(), w.Tick(), w.proc.Pending())
	}
	if loaded.ScenarioDigest() != w.ScenarioDigest() {
		t.Fatalf("scenario digest lost")
	}

	// the view is valid straight after the load, before any swap
	if got := loaded.View().GetCountryProvinces(1); len(got) != w.State().CountryProvinceCount(1) {
		t.Fatalf("view provinces = %v", got)
	}

	for i := 0; i < 10; i++ {
		a := stepN(t, w, 1)
		b := stepN(t, loaded, 1)
		if a.Checksum != b.Checksum || a.Executed != b.Executed || a.Expired != b.Expired {
			t.Fatalf("tick %d: original %+v loaded %+v", a.Tick, a, b)
		}
	}

	other, _ := New(Config{SessionID: "s2", Tuning: testTuning()}, nil)
	if err := other.LoadSave(s.Data); !errors.Is(err, ErrSessionMismatch) {
		t.Fatalf("foreign session: %v", err)
	}
	if err := other.LoadSave(s.Data[:len(s.Data)/2]); err == nil || other.Loaded() {
		t.Fatalf("truncated save: err=%v loaded=%v", err, other.Loaded())
	}
}

func TestDesyncDetection(t *testing.T) {
	var logged []DesyncEntry
	w := newWorld(t, Config{DesyncLogger: desyncRecorder(func(e DesyncEntry) { logged = append(logged, e) })})
	rep := stepN(t, w, 1)

	if err := w.ObserveChecksum("peer", rep.Tick, rep.Checksum); err != nil {
		t.Fatalf("matching report: %v", err)
	}
	err := w.ObserveChecksum("peer", rep.Tick, rep.Checksum+1)
	var de *DesyncError
	if !errors.Is(err, ErrDesync) || !errors.As(err, &de) || de.Tick != rep.Tick || de.Peer != "peer" || de.Remote != rep.Checksum+1 {
		t.Fatalf("mismatch: %v", err)
	}

	// a report ahead of the local tick is held until the tick runs
	if err := w.ObserveChecksum("early", w.Tick(), 1); err != nil {
		t.Fatalf("early report: %v", err)
	}
	if _, err := w.Step(); !errors.As(err, &de) || de.Peer != "early" {
		t.Fatalf("early mismatch not reported: %v", err)
	}

	stepN(t, w, 20)
	if err := w.ObserveChecksum("late", 0, 1); !errors.Is(err, ErrChecksumUnknown) {
		t.Fatalf("evicted tick: %v", err)
	}
	if err := w.ObserveChecksum("far", w.Tick()+100, 1); !errors.Is(err, ErrChecksumUnknown) {
		t.Fatalf("far future tick: %v", err)
	}
	if m := w.Metrics(); m.Desyncs != 2 {
		t.Fatalf("desyncs = %d", m.Desyncs)
	}
	if len(logged) != 2 || logged[1].Peer != "early" {
		t.Fatalf("logged = %+v", logged)
	}
}

type desyncRecorder func(DesyncEntry)

func (f desyncRecorder) WriteDesync(e DesyncEntry) error { f(e); return nil }

func TestResyncFromHost(t *testing.T) {
	host, guest, toGuest, toHost := newPair(t, false)
	stepN(t, host, 3)
	stepN(t, guest, 3)

	// corrupt the guest behind the command layer
	wr := guest.State().BeginExec()
	if err := wr.SetTerrain(5, 999); err != nil {
		t.Fatalf("set terrain: %v", err)
	}
	guest.State().EndExec()

	stepN(t, host, 1)
	_, err := guest.Step()
	if !errors.Is(err, ErrDesync) {
		t.Fatalf("guest step: %v", err)
	}
	guest.handleDesync(err)
	if !guest.Resyncing() {
		t.Fatalf("guest is not waiting for the host")
	}
	if toHost.desyncs != 1 || len(toGuest.resyncs) != 1 {
		t.Fatalf("host saw %d desyncs and sent %d resyncs", toHost.desyncs, len(toGuest.resyncs))
	}

	if err := guest.LoadSave(toGuest.resyncs[0].Data); err != nil {
		t.Fatalf("resync import: %v", err)
	}
	if guest.Resyncing() || guest.Tick() != host.Tick() || guest.Metrics().Resyncs != 1 {
		t.Fatalf("guest after resync: %+v", guest.Metrics())
	}
	if p, _ := guest.State().Province(5); p.TerrainType == 999 {
		t.Fatalf("corruption survived the resync")
	}
	for i := 0; i < 5; i++ {
		h := stepN(t, host, 1)
		g := stepN(t, guest, 1)
		if h.Checksum != g.Checksum {
			t.Fatalf("tick %d still diverges", h.Tick)
		}
	}
}

func TestResyncTimeout(t *testing.T) {
	w := newWorld(t, Config{})
	w.resync = &resyncWait{tick: 4, since: time.Now().Add(-time.Hour)}
	if err := w.tickOnce(); !errors.Is(err, ErrResyncTimeout) {
		t.Fatalf("tickOnce: %v", err)
	}
}

type tickRecorder struct{ entries []TickLogEntry }

func (r *tickRecorder) WriteTick(e TickLogEntry) error {
	r.entries = append(r.entries, e)
	return nil
}

func TestJournalRecordsDueBatches(t *testing.T) {
	rec := &tickRecorder{}
	w := newWorld(t, Config{LocalPlayer: 1, TickLogger: rec})
	w.Submit(treasury(2, 1, 1))
	w.Submit(treasury(2, 2, 1))
	if err := w.SubmitBatch(command.Batch{Player: 3, Tick: 2, Commands: []command.Command{treasury(2, 3, 1)}}); err != nil {
		t.Fatalf("peer batch: %v", err)
	}
	stepN(t, w, 3)

	if len(rec.entries) != 3 {
		t.Fatalf("entries = %d", len(rec.entries))
	}
	e := rec.entries[2]
	if e.Tick != 2 || e.Executed != 3 || !e.Checked || len(e.Batches) != 2 {
		t.Fatalf("entry = %+v", e)
	}
	first, err := command.DecodeBatch(e.Batches[0])
	if err != nil || first.Player != 1 || len(first.Commands) != 2 {
		t.Fatalf("first batch = %+v (%v)", first, err)
	}
	if c := first.Commands[1].(*command.AdjustTreasury); c.Country != 2 {
		t.Fatalf("arrival order lost: %+v", c)
	}
	second, _ := command.DecodeBatch(e.Batches[1])
	if second.Player != 3 || second.Tick != 2 {
		t.Fatalf("second batch = %+v", second)
	}
}

func TestRunStepsSubmitsAndSaves(t *testing.T) {
	tu := testTuning()
	tu.TickRateHz = 200
	tu.Commands.LeadWindowTicks = 64
	tu.Sync.SaveEveryTicks = 5
	w := newWorld(t, Config{Tuning: tu, LocalPlayer: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	res, err := w.RequestSubmit(ctx, treasury(w.Tick()+30, 1, 5))
	if err != nil || !res.Accepted {
		t.Fatalf("submit: %+v %v", res, err)
	}
	select {
	case s := <-w.Saves():
		if s.Header.Tick == 0 || s.Header.Tick%5 != 0 {
			t.Fatalf("periodic save at tick %d", s.Header.Tick)
		}
	case <-ctx.Done():
		t.Fatalf("no periodic save")
	}
	for w.Metrics().ExecutedTotal == 0 {
		select {
		case <-ctx.Done():
			t.Fatalf("submitted command never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
	s, err := w.RequestSave(ctx)
	if err != nil || s.Header.Tick == 0 {
		t.Fatalf("request save: %+v %v", s.Header, err)
	}
	w.Stop()
	w.Stop()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestReplayFromSaveMatchesJournal(t *testing.T) {
	rec := &tickRecorder{}
	w := newWorld(t, Config{SessionID: "r", LocalPlayer: 1, TickLogger: rec})
	for k := uint32(0); k < 5; k++ {
		script(w, k)
		stepN(t, w, 1)
	}
	s, err := w.Save()
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	from := len(rec.entries)
	for k := uint32(5); k < 25; k++ {
		script(w, k)
		stepN(t, w, 1)
	}

	r, err := New(Config{SessionID: "r", Tuning: testTuning()}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := r.LoadSave(s.Data); err != nil {
		t.Fatalf("load: %v", err)
	}
	for _, e := range rec.entries[from:] {
		rep, err := r.Replay(e.Batches)
		if err != nil {
			t.Fatalf("replay tick %d: %v", e.Tick, err)
		}
		if rep.Tick != e.Tick || rep.Checksum != e.Checksum || rep.CommandChecksum != e.CommandChecksum || rep.Executed != e.Executed {
			t.Fatalf("tick %d: replay %+v journal %+v", e.Tick, rep, e)
		}
	}
	if r.Tick() != w.Tick() {
		t.Fatalf("replay ended at %d, want %d", r.Tick(), w.Tick())
	}

	if _, err := r.Replay([][]byte{{1, 2}}); err == nil {
		t.Fatalf("truncated batch replayed")
	}
}
