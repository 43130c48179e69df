package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"lockstep.gg/internal/persistence/indexdb"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	session := fs.String("session", "", "session id (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	from := fs.Uint("from", 0, "first tick (ticks)")
	to := fs.Uint("to", 0, "last tick (ticks; 0: from+limit)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "saves"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*session) == "" {
			fmt.Fprintln(os.Stderr, "missing -session or -db")
			os.Exit(2)
		}
		path = filepath.Join(sessionDir(*dataDir, *session), "index", "session.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}

	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer idx.Close()

	if err := runQuery(os.Stdout, idx, q, uint32(*from), uint32(*to), *limit); err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
}

// runQuery writes the result of q as one JSON value.
func runQuery(out io.Writer, idx *indexdb.SQLiteIndex, q string, from, to uint32, limit int) error {
	var v any
	switch q {
	case "saves":
		row, ok, err := idx.LatestSave(^uint32(0))
		if err != nil {
			return err
		}
		if ok {
			v = row
		}
	case "ticks":
		if to == 0 {
			to = from + uint32(max(limit, 1)) - 1
		}
		rows, err := idx.Ticks(from, to)
		if err != nil {
			return err
		}
		v = rows
	case "desyncs":
		rows, err := idx.Desyncs(limit)
		if err != nil {
			return err
		}
		v = rows
	case "session":
		m := map[string]string{}
		for _, k := range []string{"schema_version", "session_id", "scenario_digest", "tuning_digest", "tuning"} {
			val, err := idx.Meta(k)
			if err != nil {
				return err
			}
			m[k] = val
		}
		v = m
	default:
		return fmt.Errorf("unknown query %q (saves, ticks, desyncs, session)", q)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
