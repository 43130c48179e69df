package main

import (
	"bytes"
	"strings"
	"testing"

	"lockstep.gg/internal/sim/command"
	"lockstep.gg/internal/sim/world"
	"lockstep.gg/internal/transport/ws"
)

func TestLoadConfigEnvThenFlags(t *testing.T) {
	t.Setenv("LOCKSTEP_SESSION", "from-env")
	t.Setenv("LOCKSTEP_PLAYERS", "1,2,3")
	t.Setenv("LOCKSTEP_PLAYER", "2")

	cfg, err := loadConfig([]string{"-player", "3", "-configs", "/etc/ls"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Session != "from-env" || cfg.Player != 3 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.Players) != 3 || cfg.Players[2] != 3 {
		t.Fatalf("players = %v", cfg.Players)
	}
	if cfg.TuningPath != "/etc/ls/tuning.yaml" || cfg.Addr != ":8080" {
		t.Fatalf("defaults: %+v", cfg)
	}

	if _, err := loadConfig([]string{"-player", "0"}); err == nil {
		t.Fatalf("player 0 accepted")
	}
	if _, err := loadConfig([]string{"-players", "1,x"}); err == nil {
		t.Fatalf("bad roster accepted")
	}
}

func TestScenarioFlagNamesJSON(t *testing.T) {
	var cfg nodeConfig
	fs, _ := nodeFlags(&cfg)
	f := fs.Lookup("scenario")
	if f == nil || !strings.Contains(f.Usage, "json") || strings.Contains(f.Usage, "yaml") {
		t.Fatalf("scenario usage = %+v", f)
	}
}

func TestOtherPlayers(t *testing.T) {
	got := otherPlayers([]int{3, 1, 2, 3}, command.PlayerID(1))
	if len(got) != 2 || got[0] != 3 || got[1] != 2 {
		t.Fatalf("others = %v", got)
	}
	if got := otherPlayers(nil, 1); len(got) != 0 {
		t.Fatalf("empty roster = %v", got)
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:5000": true,
		"[::1]:80":       true,
		"10.0.0.3:80":    false,
		"garbage":        false,
	} {
		if got := isLoopbackRemote(addr); got != want {
			t.Fatalf("%s: %v", addr, got)
		}
	}
}

func TestMetricsText(t *testing.T) {
	var buf bytes.Buffer
	writeWorldMetrics(&buf, "s1", world.WorldMetrics{Tick: 42, Loaded: true, ExecutedTotal: 7, Desyncs: 1})
	writeHubMetrics(&buf, "s1", ws.Stats{Peers: 2})
	out := buf.String()
	for _, want := range []string{
		`lockstep_world_tick{session="s1"} 42`,
		`lockstep_world_loaded{session="s1"} 1`,
		`lockstep_commands_total{session="s1",outcome="executed"} 7`,
		`lockstep_sync_events_total{session="s1",event="desync"} 1`,
		`lockstep_peers{session="s1"} 2`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in\n%s", want, out)
		}
	}
}
