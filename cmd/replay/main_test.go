package main

import (
	"testing"

	persistlog "lockstep.gg/internal/persistence/log"
	"lockstep.gg/internal/sim/command"
	"lockstep.gg/internal/sim/fixed"
	"lockstep.gg/internal/sim/scenario"
	"lockstep.gg/internal/sim/tuning"
	"lockstep.gg/internal/sim/world"
)

func TestReplayJournalFromSave(t *testing.T) {
	dir := t.TempDir()
	tune := tuning.Defaults()
	tune.Sync.SaveEveryTicks = 0
	sc, err := scenario.Generate(scenario.GenerateConfig{Seed: 3, Provinces: 24, Countries: 3})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	journal := persistlog.NewTickLogger(dir)
	w, err := world.New(world.Config{SessionID: "rp", Tuning: tune, LocalPlayer: 1, TickLogger: journal}, sc)
	if err != nil {
		t.Fatalf("world: %v", err)
	}
	save, err := w.Save()
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	delay := uint32(tune.Commands.InputDelayTicks)
	for i := 0; i < 12; i++ {
		w.Submit(&command.AdjustTreasury{Header: command.Header{Tick: w.Tick() + delay}, Country: 1, Delta: fixed.FromInt(int64(i))})
		if _, err := w.Step(); err != nil {
			t.Fatalf("step: %v", err)
		}
	}
	journal.Close()

	entries, err := loadJournal(dir, 0, 0)
	if err != nil || len(entries) != 12 {
		t.Fatalf("journal = %d entries (%v)", len(entries), err)
	}
	if short, _ := loadJournal(dir, 0, 5); len(short) != 6 {
		t.Fatalf("to_tick 5 kept %d", len(short))
	}

	r, _ := world.New(world.Config{SessionID: "rp", Tuning: tune}, nil)
	if err := r.LoadSave(save.Data); err != nil {
		t.Fatalf("load: %v", err)
	}
	res, err := replay(r, entries)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Ticks != 12 || res.Checked == 0 || len(res.Mismatches) != 0 {
		t.Fatalf("result = %+v", res)
	}

	// a tampered entry is reported, not fatal
	r2, _ := world.New(world.Config{SessionID: "rp", Tuning: tune}, nil)
	_ = r2.LoadSave(save.Data)
	entries[4].Checksum ^= 1
	res, err = replay(r2, entries)
	if err != nil || len(res.Mismatches) != 1 || res.Mismatches[0].Tick != 4 || res.Mismatches[0].Field != "state" {
		t.Fatalf("tampered: %+v %v", res, err)
	}
}
