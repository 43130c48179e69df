package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"lockstep.gg/internal/persistence/snapshot"
	"lockstep.gg/internal/sim/tuning"
	"lockstep.gg/internal/sim/world"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "saves":
			savesCmd(os.Args[2:])
			return
		case "inspect":
			inspectCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "save":
			saveCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	entries, err := os.ReadDir(filepath.Join(*dataDir, "sessions"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		if e.IsDir() {
			fmt.Println(e.Name())
		}
	}
}

func sessionDir(dataDir, session string) string {
	return filepath.Join(dataDir, "sessions", session)
}

func savesCmd(args []string) {
	fs := flag.NewFlagSet("saves", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	session := fs.String("session", "", "session id")
	_ = fs.Parse(args)
	if strings.TrimSpace(*session) == "" {
		fmt.Fprintln(os.Stderr, "missing -session")
		os.Exit(2)
	}
	if err := listSaves(os.Stdout, filepath.Join(sessionDir(*dataDir, *session), "saves")); err != nil {
		fmt.Fprintln(os.Stderr, "saves:", err)
		os.Exit(1)
	}
}

// listSaves prints one line per save in dir, oldest first.
func listSaves(out io.Writer, dir string) error {
	paths, err := snapshot.List(dir)
	if err != nil {
		return err
	}
	for _, p := range paths {
		h, err := snapshot.ReadHeaderFile(p)
		if err != nil {
			fmt.Fprintf(out, "%s\tunreadable: %v\n", filepath.Base(p), err)
			continue
		}
		var size uint64
		if st, err := os.Stat(p); err == nil {
			size = uint64(st.Size())
		}
		fmt.Fprintf(out, "%s\ttick=%d\tseed=%d\tchecksum=%08x\tscenario=%016x\t%s\n",
			filepath.Base(p), h.Tick, h.Seed, h.Checksum, h.ScenarioDigest, humanize.Bytes(size))
	}
	return nil
}

type saveSummary struct {
	Path    string             `json:"path"`
	Header  snapshot.Header    `json:"header"`
	Metrics world.WorldMetrics `json:"metrics"`
}

func inspectCmd(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	savePath := fs.String("save", "", "path to .snap.zst")
	tuningPath := fs.String("tuning", "./configs/tuning.yaml", "tuning the save was made with")
	_ = fs.Parse(args)
	if *savePath == "" {
		fmt.Fprintln(os.Stderr, "missing -save")
		os.Exit(2)
	}
	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, "load tuning:", err)
			os.Exit(1)
		}
		tune = tuning.Defaults()
	}
	sum, err := inspectSave(*savePath, tune)
	if err != nil {
		fmt.Fprintln(os.Stderr, "inspect:", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(sum)
}

// inspectSave fully loads a save, which also verifies its checksum.
func inspectSave(path string, tune tuning.Tuning) (saveSummary, error) {
	h, err := snapshot.ReadHeaderFile(path)
	if err != nil {
		return saveSummary{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return saveSummary{}, err
	}
	w, err := world.New(world.Config{SessionID: h.SessionID, Tuning: tune}, nil)
	if err != nil {
		return saveSummary{}, err
	}
	if err := w.LoadSave(data); err != nil {
		return saveSummary{}, err
	}
	return saveSummary{Path: path, Header: h, Metrics: w.Metrics()}, nil
}
