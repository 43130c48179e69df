package main

import (
	"fmt"
	"strconv"
	"strings"

	"lockstep.gg/internal/persistence/indexdb"
	"lockstep.gg/internal/sim/command"
	"lockstep.gg/internal/sim/world"
)

func parseInts(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		if v < 1 || v > 0xffff {
			return nil, fmt.Errorf("player %d out of range", v)
		}
		out = append(out, v)
	}
	return out, nil
}

func joinInts(vs []int) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// otherPlayers is the session roster without the local player, deduplicated
// in first-seen order.
func otherPlayers(all []int, local command.PlayerID) []command.PlayerID {
	var out []command.PlayerID
	seen := map[command.PlayerID]bool{local: true}
	for _, v := range all {
		p := command.PlayerID(v)
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

type multiTickLogger struct {
	a world.TickLogger
	b *indexdb.SQLiteIndex
}

func (m multiTickLogger) WriteTick(entry world.TickLogEntry) error {
	if m.a != nil {
		_ = m.a.WriteTick(entry)
	}
	if m.b != nil {
		_ = m.b.WriteTick(entry)
	}
	return nil
}

type multiDesyncLogger struct {
	a world.DesyncLogger
	b *indexdb.SQLiteIndex
}

func (m multiDesyncLogger) WriteDesync(entry world.DesyncEntry) error {
	if m.a != nil {
		_ = m.a.WriteDesync(entry)
	}
	if m.b != nil {
		_ = m.b.WriteDesync(entry)
	}
	return nil
}
