// Package indexdb keeps a queryable SQLite read-model of the node's journals:
// per-tick checksums, desync reports, and the saves written to disk. The
// JSONL journals remain the source of truth; the index may lag or drop rows.
package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"lockstep.gg/internal/persistence/snapshot"
	"lockstep.gg/internal/sim/tuning"
	"lockstep.gg/internal/sim/world"
)

const schemaVersion = "1"

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTick   atomic.Uint64
	dropDesync atomic.Uint64
	dropSave   atomic.Uint64
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqDesync
	reqSave
)

type req struct {
	kind reqKind

	tick   world.TickLogEntry
	desync world.DesyncEntry
	save   SaveRow
}

// SaveRow is one save file known to the index.
type SaveRow struct {
	Tick      uint32 `json:"tick"`
	Path      string `json:"path"`
	SessionID string `json:"session_id"`
	Seed      uint64 `json:"seed"`
	Checksum  uint32 `json:"checksum"`
	Bytes     int64  `json:"bytes"`
}

// TickRow is the indexed summary of one journal entry.
type TickRow struct {
	Tick            uint32 `json:"tick"`
	Checksum        uint32 `json:"checksum"`
	Checked         bool   `json:"checked"`
	Executed        int    `json:"executed"`
	Rejected        int    `json:"rejected"`
	CommandChecksum uint32 `json:"command_checksum"`
	Batches         int    `json:"batches"`
}

// DesyncRow is one recorded checksum mismatch.
type DesyncRow struct {
	Tick       uint32 `json:"tick"`
	Peer       string `json:"peer"`
	Local      uint32 `json:"local"`
	Remote     uint32 `json:"remote"`
	Host       bool   `json:"host"`
	RecordedAt string `json:"recorded_at"`
}

// Stats reports the writer queue and the rows dropped because it was full.
type Stats struct {
	QueueDepth      int    `json:"queue_depth"`
	QueueCapacity   int    `json:"queue_capacity"`
	DropTickTotal   uint64 `json:"drop_tick_total"`
	DropDesyncTotal uint64 `json:"drop_desync_total"`
	DropSaveTotal   uint64 `json:"drop_save_total"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 65536)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER PRIMARY KEY,
			checksum INTEGER NOT NULL,
			checked INTEGER NOT NULL,
			executed INTEGER NOT NULL,
			rejected INTEGER NOT NULL,
			command_checksum INTEGER NOT NULL,
			batches INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS desyncs (
			tick INTEGER NOT NULL,
			peer TEXT NOT NULL,
			local INTEGER NOT NULL,
			remote INTEGER NOT NULL,
			host INTEGER NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (tick, peer)
		);`,
		`CREATE TABLE IF NOT EXISTS saves (
			tick INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			session_id TEXT NOT NULL,
			seed INTEGER NOT NULL,
			checksum INTEGER NOT NULL,
			bytes INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ticks_checked ON ticks(checked, tick);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	_, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version',?)`, schemaVersion)
	return err
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:      len(s.ch),
		QueueCapacity:   cap(s.ch),
		DropTickTotal:   s.dropTick.Load(),
		DropDesyncTotal: s.dropDesync.Load(),
		DropSaveTotal:   s.dropSave.Load(),
	}
}

func (s *SQLiteIndex) WriteTick(entry world.TickLogEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTick, tick: entry}:
	default:
		s.dropTick.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) WriteDesync(entry world.DesyncEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqDesync, desync: entry}:
	default:
		s.dropDesync.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) RecordSave(path string, h snapshot.Header, size int64) {
	if s == nil || s.closed.Load() || path == "" {
		return
	}
	r := SaveRow{
		Tick:      h.Tick,
		Path:      path,
		SessionID: h.SessionID,
		Seed:      h.Seed,
		Checksum:  h.Checksum,
		Bytes:     size,
	}
	select {
	case s.ch <- req{kind: reqSave, save: r}:
	default:
		s.dropSave.Add(1)
	}
}

// UpsertSession records what the session runs with: its id, the scenario
// digest and the applied tuning.
func (s *SQLiteIndex) UpsertSession(sessionID string, scenarioDigest uint64, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(tune)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, kv := range [][2]string{
		{"session_id", sessionID},
		{"scenario_digest", fmt.Sprintf("%016x", scenarioDigest)},
		{"tuning", string(b)},
		{"tuning_digest", hex.EncodeToString(sum[:])},
	} {
		if _, err := stmt.Exec(kv[0], kv[1]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Meta returns one meta value, or "" when the key is unset.
func (s *SQLiteIndex) Meta(key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key=?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// Ticks returns the indexed ticks in [from, to], oldest first.
func (s *SQLiteIndex) Ticks(from, to uint32) ([]TickRow, error) {
	rows, err := s.db.Query(`SELECT tick,checksum,checked,executed,rejected,command_checksum,batches
		FROM ticks WHERE tick BETWEEN ? AND ? ORDER BY tick`, int64(from), int64(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TickRow
	for rows.Next() {
		var r TickRow
		if err := rows.Scan(&r.Tick, &r.Checksum, &r.Checked, &r.Executed, &r.Rejected, &r.CommandChecksum, &r.Batches); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ChecksumAt returns the recorded state checksum of a checked tick.
func (s *SQLiteIndex) ChecksumAt(tick uint32) (uint32, bool, error) {
	var sum uint32
	err := s.db.QueryRow(`SELECT checksum FROM ticks WHERE tick=? AND checked=1`, int64(tick)).Scan(&sum)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return sum, true, nil
}

// Desyncs returns the most recent mismatches, newest first.
func (s *SQLiteIndex) Desyncs(limit int) ([]DesyncRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT tick,peer,local,remote,host,recorded_at
		FROM desyncs ORDER BY tick DESC, peer LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DesyncRow
	for rows.Next() {
		var r DesyncRow
		if err := rows.Scan(&r.Tick, &r.Peer, &r.Local, &r.Remote, &r.Host, &r.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestSave returns the save with the highest tick at or below tick.
func (s *SQLiteIndex) LatestSave(atOrBefore uint32) (SaveRow, bool, error) {
	var (
		r    SaveRow
		seed int64
	)
	err := s.db.QueryRow(`SELECT tick,path,session_id,seed,checksum,bytes
		FROM saves WHERE tick<=? ORDER BY tick DESC LIMIT 1`, int64(atOrBefore)).
		Scan(&r.Tick, &r.Path, &r.SessionID, &seed, &r.Checksum, &r.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return SaveRow{}, false, nil
	}
	if err != nil {
		return SaveRow{}, false, err
	}
	r.Seed = uint64(seed)
	return r, true, nil
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(tick,checksum,checked,executed,rejected,command_checksum,batches,raw_json) VALUES(?,?,?,?,?,?,?,?)`)
	insertDesync, _ := s.db.Prepare(`INSERT OR REPLACE INTO desyncs(tick,peer,local,remote,host,recorded_at) VALUES(?,?,?,?,?,?)`)
	insertSave, _ := s.db.Prepare(`INSERT OR REPLACE INTO saves(tick,path,session_id,seed,checksum,bytes) VALUES(?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTick, insertDesync, insertSave} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTick:
			t := r.tick
			b, _ := json.Marshal(t)
			exec(insertTick, int64(t.Tick), int64(t.Checksum), t.Checked, t.Executed, t.Rejected,
				int64(t.CommandChecksum), len(t.Batches), string(b))
		case reqDesync:
			d := r.desync
			exec(insertDesync, int64(d.Tick), d.Peer, int64(d.Local), int64(d.Remote), d.Host,
				time.Now().UTC().Format(time.RFC3339Nano))
		case reqSave:
			sv := r.save
			// sqlite integers are signed; the seed keeps its bits
			exec(insertSave, int64(sv.Tick), sv.Path, sv.SessionID, int64(sv.Seed), int64(sv.Checksum), sv.Bytes)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}
