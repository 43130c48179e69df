// Command replay re-runs a session from a save using the tick journal and
// checks every journaled checksum against the recomputed one.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"lockstep.gg/internal/persistence/indexdb"
	persistlog "lockstep.gg/internal/persistence/log"
	"lockstep.gg/internal/persistence/snapshot"
	"lockstep.gg/internal/sim/tuning"
	"lockstep.gg/internal/sim/world"
)

type result struct {
	Ticks      int
	Checked    int
	Mismatches []mismatch
}

type mismatch struct {
	Tick           uint32
	Journal, Local uint32
	Field          string
}

func main() {
	var (
		savePath   = flag.String("save", "", "path to .snap.zst (default: oldest save in <session>/saves)")
		sessionDir = flag.String("session", "", "session data dir holding ticks/ and saves/")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "tuning the session ran with")
		indexPath  = flag.String("index", "", "sqlite index to cross-check (optional)")
		toTick     = flag.Uint("to_tick", 0, "stop after this tick (0: end of journal)")
	)
	flag.Parse()

	if *sessionDir == "" {
		fmt.Fprintln(os.Stderr, "missing -session")
		os.Exit(2)
	}
	if *savePath == "" {
		all, err := snapshot.List(filepath.Join(*sessionDir, "saves"))
		if err != nil || len(all) == 0 {
			fmt.Fprintln(os.Stderr, "no save found; pass -save")
			os.Exit(2)
		}
		*savePath = all[0]
	}
	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, "load tuning:", err)
			os.Exit(1)
		}
		tune = tuning.Defaults()
	}

	data, err := os.ReadFile(*savePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read save:", err)
		os.Exit(1)
	}
	h, err := snapshot.ReadHeaderFile(*savePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read save header:", err)
		os.Exit(1)
	}
	fmt.Printf("save v%d session=%s tick=%d seed=%d checksum=%08x size=%s\n",
		h.Version, h.SessionID, h.Tick, h.Seed, h.Checksum, humanize.Bytes(uint64(len(data))))

	w, err := world.New(world.Config{SessionID: h.SessionID, Tuning: tune}, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "world:", err)
		os.Exit(1)
	}
	if err := w.LoadSave(data); err != nil {
		fmt.Fprintln(os.Stderr, "load save:", err)
		os.Exit(1)
	}

	journal, err := loadJournal(*sessionDir, h.Tick, uint32(*toTick))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read journal:", err)
		os.Exit(1)
	}

	res, err := replay(w, journal)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("replayed %d ticks to %d, %d checksums compared\n", res.Ticks, w.Tick(), res.Checked)

	if *indexPath != "" {
		idx, err := indexdb.OpenSQLite(*indexPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "open index:", err)
			os.Exit(1)
		}
		res.Mismatches = append(res.Mismatches, crossCheck(idx, journal)...)
		idx.Close()
	}

	for _, m := range res.Mismatches {
		fmt.Printf("MISMATCH tick=%d %s journal=%08x local=%08x\n", m.Tick, m.Field, m.Journal, m.Local)
	}
	if len(res.Mismatches) > 0 {
		os.Exit(1)
	}
	fmt.Println("OK")
}

// loadJournal collects the entries from the save tick on. A tick journaled
// twice (a resync rewound the node) keeps its last entry. The run stops at
// the first gap.
func loadJournal(sessionDir string, from, to uint32) ([]world.TickLogEntry, error) {
	byTick := make(map[uint32]world.TickLogEntry)
	err := persistlog.ReadTicks(sessionDir, func(e world.TickLogEntry) error {
		if e.Tick >= from && (to == 0 || e.Tick <= to) {
			byTick[e.Tick] = e
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var out []world.TickLogEntry
	for t := from; ; t++ {
		e, ok := byTick[t]
		if !ok {
			return out, nil
		}
		out = append(out, e)
	}
}

func replay(w *world.World, journal []world.TickLogEntry) (result, error) {
	var res result
	for _, e := range journal {
		rep, err := w.Replay(e.Batches)
		if err != nil {
			return res, err
		}
		res.Ticks++
		if rep.CommandChecksum != e.CommandChecksum {
			res.Mismatches = append(res.Mismatches, mismatch{Tick: e.Tick, Field: "commands", Journal: e.CommandChecksum, Local: rep.CommandChecksum})
		}
		if e.Checked && rep.Checked {
			res.Checked++
			if rep.Checksum != e.Checksum {
				res.Mismatches = append(res.Mismatches, mismatch{Tick: e.Tick, Field: "state", Journal: e.Checksum, Local: rep.Checksum})
			}
		}
	}
	return res, nil
}

func crossCheck(idx *indexdb.SQLiteIndex, journal []world.TickLogEntry) []mismatch {
	var out []mismatch
	for _, e := range journal {
		if !e.Checked {
			continue
		}
		sum, ok, err := idx.ChecksumAt(e.Tick)
		if err != nil || !ok {
			continue
		}
		if sum != e.Checksum {
			out = append(out, mismatch{Tick: e.Tick, Field: "index", Journal: e.Checksum, Local: sum})
		}
	}
	return out
}
