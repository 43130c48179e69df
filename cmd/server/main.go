package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"

	"lockstep.gg/internal/persistence/indexdb"
	persistlog "lockstep.gg/internal/persistence/log"
	"lockstep.gg/internal/persistence/snapshot"
	"lockstep.gg/internal/sim/command"
	"lockstep.gg/internal/sim/scenario"
	"lockstep.gg/internal/sim/tuning"
	"lockstep.gg/internal/sim/world"
	"lockstep.gg/internal/transport/ws"
)

// nodeConfig is read from LOCKSTEP_* variables first; flags override it.
type nodeConfig struct {
	Addr      string `env:"LOCKSTEP_ADDR" envDefault:":8080"`
	DataDir   string `env:"LOCKSTEP_DATA" envDefault:"./data"`
	ConfigDir string `env:"LOCKSTEP_CONFIGS" envDefault:"./configs"`
	Session   string `env:"LOCKSTEP_SESSION" envDefault:"session_1"`

	TuningPath   string `env:"LOCKSTEP_TUNING"`
	ScenarioPath string `env:"LOCKSTEP_SCENARIO"`
	Seed         uint64 `env:"LOCKSTEP_SEED" envDefault:"1337"`
	Provinces    int    `env:"LOCKSTEP_PROVINCES" envDefault:"256"`
	Countries    int    `env:"LOCKSTEP_COUNTRIES" envDefault:"8"`

	Player  int    `env:"LOCKSTEP_PLAYER" envDefault:"1"`
	Name    string `env:"LOCKSTEP_NAME"`
	Players []int  `env:"LOCKSTEP_PLAYERS" envSeparator:","`
	// Join is the host's websocket url; empty makes this node the host.
	Join string `env:"LOCKSTEP_JOIN"`

	SavePath   string `env:"LOCKSTEP_SAVE"`
	LoadLatest bool   `env:"LOCKSTEP_LOAD_LATEST" envDefault:"true"`
	DisableDB  bool   `env:"LOCKSTEP_DISABLE_DB"`
	AdminHTTP  bool   `env:"LOCKSTEP_ENABLE_ADMIN_HTTP" envDefault:"true"`
	PprofHTTP  bool   `env:"LOCKSTEP_ENABLE_PPROF_HTTP"`
}

func loadConfig(args []string) (nodeConfig, error) {
	var cfg nodeConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	fs, players := nodeFlags(&cfg)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	ps, err := parseInts(*players)
	if err != nil {
		return cfg, fmt.Errorf("-players: %w", err)
	}
	cfg.Players = ps
	if cfg.Player < 1 || cfg.Player > 0xffff {
		return cfg, fmt.Errorf("-player %d out of range", cfg.Player)
	}
	if cfg.TuningPath == "" {
		cfg.TuningPath = filepath.Join(cfg.ConfigDir, "tuning.yaml")
	}
	return cfg, nil
}

// nodeFlags binds the command line over cfg, which already holds the env
// values. The roster is returned as text for parseInts.
func nodeFlags(cfg *nodeConfig) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "http listen address")
	fs.StringVar(&cfg.DataDir, "data", cfg.DataDir, "runtime data directory")
	fs.StringVar(&cfg.ConfigDir, "configs", cfg.ConfigDir, "config directory")
	fs.StringVar(&cfg.Session, "session", cfg.Session, "session id shared by every peer")
	fs.StringVar(&cfg.TuningPath, "tuning", cfg.TuningPath, "path to tuning.yaml (default: <configs>/tuning.yaml)")
	fs.StringVar(&cfg.ScenarioPath, "scenario", cfg.ScenarioPath, "scenario json; a generated map is used when empty")
	fs.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "seed of the generated map")
	fs.IntVar(&cfg.Provinces, "provinces", cfg.Provinces, "provinces of the generated map")
	fs.IntVar(&cfg.Countries, "countries", cfg.Countries, "countries of the generated map")
	fs.IntVar(&cfg.Player, "player", cfg.Player, "local player id")
	fs.StringVar(&cfg.Name, "name", cfg.Name, "display name")
	players := fs.String("players", joinInts(cfg.Players), "comma separated player ids of the session, this node included")
	fs.StringVar(&cfg.Join, "join", cfg.Join, "host websocket url, e.g. ws://host:8080/v1/ws (empty: act as host)")
	fs.StringVar(&cfg.SavePath, "save", cfg.SavePath, "save to resume from (host only)")
	fs.BoolVar(&cfg.LoadLatest, "load_latest_save", cfg.LoadLatest, "resume from the newest save in the data dir when -save is empty")
	fs.BoolVar(&cfg.DisableDB, "disable_db", cfg.DisableDB, "disable the sqlite index")
	return fs, players
}

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := log.New(os.Stdout, "[node] ", log.LstdFlags|log.Lmicroseconds)
	host := cfg.Join == ""

	sessionDir := filepath.Join(cfg.DataDir, "sessions", cfg.Session)
	savesDir := filepath.Join(sessionDir, "saves")
	_ = os.MkdirAll(sessionDir, 0o755)

	tune, err := tuning.Load(cfg.TuningPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", cfg.TuningPath)
		tune = tuning.Defaults()
	}
	tuneDigest, err := tune.Digest()
	if err != nil {
		logger.Fatalf("tuning digest: %v", err)
	}

	var sc *scenario.Scenario
	if cfg.ScenarioPath != "" {
		if sc, err = scenario.Load(cfg.ScenarioPath); err != nil {
			logger.Fatalf("load scenario: %v", err)
		}
	} else if host {
		sc, err = scenario.Generate(scenario.GenerateConfig{Seed: cfg.Seed, Provinces: cfg.Provinces, Countries: cfg.Countries})
		if err != nil {
			logger.Fatalf("generate scenario: %v", err)
		}
	}

	saveToLoad := cfg.SavePath
	if host && saveToLoad == "" && cfg.LoadLatest {
		if saveToLoad, err = snapshot.Latest(savesDir); err != nil && !os.IsNotExist(err) {
			logger.Fatalf("list saves: %v", err)
		}
	}

	var idx *indexdb.SQLiteIndex
	if !cfg.DisableDB {
		if idx, err = indexdb.OpenSQLite(filepath.Join(sessionDir, "index", "session.sqlite")); err != nil {
			logger.Fatalf("open index: %v", err)
		}
		defer idx.Close()
	}

	tickLog := persistlog.NewTickLogger(sessionDir)
	desyncLog := persistlog.NewDesyncLogger(sessionDir)
	defer tickLog.Close()
	defer desyncLog.Close()

	local := command.PlayerID(cfg.Player)
	var gate *world.PeerGate
	others := otherPlayers(cfg.Players, local)
	if len(others) > 0 {
		gate = world.NewPeerGate(uint32(tune.Commands.InputDelayTicks), others...)
	}

	var digest uint64
	if sc != nil {
		digest = sc.Digest
	}
	if saveToLoad != "" {
		h, err := snapshot.ReadHeaderFile(saveToLoad)
		if err != nil {
			logger.Fatalf("read save header: %v", err)
		}
		digest = h.ScenarioDigest
	}
	hub := ws.NewHub(ws.Config{
		SessionID:      cfg.Session,
		Player:         local,
		Name:           cfg.Name,
		Host:           host,
		ScenarioDigest: digest,
		TuningDigest:   tuneDigest,
		Players:        others,
		Logger:         log.New(os.Stdout, "[ws] ", log.LstdFlags|log.Lmicroseconds),
	})
	defer hub.Close()

	wcfg := world.Config{
		SessionID:    cfg.Session,
		Tuning:       tune,
		LocalPlayer:  local,
		Host:         host,
		Logger:       log.New(os.Stdout, "[world] ", log.LstdFlags|log.Lmicroseconds),
		TickLogger:   multiTickLogger{tickLog, idx},
		DesyncLogger: multiDesyncLogger{desyncLog, idx},
		Broadcaster:  hub,
	}
	if gate != nil {
		wcfg.Gate = gate
	}
	start := sc
	if !host || saveToLoad != "" {
		start = nil
	}
	w, err := world.New(wcfg, start)
	if err != nil {
		logger.Fatalf("world: %v", err)
	}
	if saveToLoad != "" {
		data, err := os.ReadFile(saveToLoad)
		if err != nil {
			logger.Fatalf("read save: %v", err)
		}
		if err := w.LoadSave(data); err != nil {
			logger.Fatalf("load save: %v", err)
		}
		logger.Printf("resumed from %s tick=%d", filepath.Base(saveToLoad), w.Tick())
	}
	hub.Bind(w)

	if idx != nil && w.Loaded() {
		if err := idx.UpsertSession(cfg.Session, w.ScenarioDigest(), tune); err != nil {
			logger.Printf("index: upsert session: %v", err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	saveOne := func(s world.Save) (string, error) {
		path := snapshot.Path(savesDir, s.Header.Tick)
		if err := snapshot.WriteFile(path, s.Data); err != nil {
			return "", err
		}
		if idx != nil {
			idx.RecordSave(path, s.Header, int64(len(s.Data)))
		}
		return path, nil
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-w.Saves():
				path, err := saveOne(s)
				if err != nil {
					logger.Printf("save write: %v", err)
					continue
				}
				logger.Printf("saved tick=%d %s (%s)", s.Header.Tick, filepath.Base(path), humanize.Bytes(uint64(len(s.Data))))
			}
		}
	}()

	go func() {
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("world stopped: %v", err)
			cancel()
		}
	}()
	go hub.Run(ctx)

	if !host {
		dctx, dcancel := context.WithTimeout(ctx, 10*time.Second)
		err := hub.Dial(dctx, cfg.Join)
		dcancel()
		if err != nil {
			logger.Fatalf("join %s: %v", cfg.Join, err)
		}
		logger.Printf("joined %s as player %d", cfg.Join, local)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeWorldMetrics(rw, cfg.Session, w.Metrics())
		writeHubMetrics(rw, cfg.Session, hub.Stats())
		if idx != nil {
			writeIndexMetrics(rw, cfg.Session, idx.Stats())
		}
	})

	if cfg.AdminHTTP {
		// loopback only; nothing here feeds the simulation
		mux.HandleFunc("/admin/v1/state", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(struct {
				SessionID string             `json:"session_id"`
				Host      bool               `json:"host"`
				Player    int                `json:"player"`
				Tick      uint32             `json:"tick"`
				Metrics   world.WorldMetrics `json:"metrics"`
				Peers     []ws.PeerInfo      `json:"peers"`
				Link      ws.Stats           `json:"link"`
			}{cfg.Session, host, cfg.Player, w.Tick(), w.Metrics(), hub.Peers(), hub.Stats()})
		}))
		mux.HandleFunc("/admin/v1/save", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			ctx2, cancel2 := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel2()
			rw.Header().Set("Content-Type", "application/json")
			s, err := w.RequestSave(ctx2)
			if err != nil {
				rw.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
				return
			}
			path, err := saveOne(s)
			if err != nil {
				rw.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "tick": s.Header.Tick, "error": err.Error()})
				return
			}
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "tick": s.Header.Tick, "path": path, "bytes": len(s.Data)})
		}))
	} else {
		logger.Printf("admin endpoints disabled (LOCKSTEP_ENABLE_ADMIN_HTTP=false)")
	}
	if cfg.PprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/v1/ws", hub.Handler())

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s session=%s player=%d host=%v", cfg.Addr, cfg.Session, cfg.Player, host)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
