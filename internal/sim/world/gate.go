package world

import (
	"slices"

	"lockstep.gg/internal/sim/command"
)

// Gate decides whether a tick may run. Arrived is told about every peer
// batch; a batch for tick t means the peer will send nothing more for t or
// any earlier tick.
type Gate interface {
	Arrived(player command.PlayerID, tick uint32)
	Ready(tick uint32) bool
	// Reset restarts the bookkeeping after a load at tick.
	Reset(tick uint32)
}

// PeerGate waits for one batch per remote player and tick. Ticks inside the
// input delay after a reset are complete by construction.
type PeerGate struct {
	delay   uint32
	players []command.PlayerID
	// through is the last tick each peer has completed, plus one; 0 means
	// none yet.
	through map[command.PlayerID]uint32
	base    uint32
}

func NewPeerGate(delay uint32, players ...command.PlayerID) *PeerGate {
	g := &PeerGate{
		delay:   delay,
		players: slices.Clone(players),
		through: make(map[command.PlayerID]uint32, len(players)),
	}
	g.Reset(0)
	return g
}

func (g *PeerGate) Arrived(player command.PlayerID, tick uint32) {
	if _, ok := g.through[player]; !ok {
		return
	}
	if tick+1 > g.through[player] {
		g.through[player] = tick + 1
	}
}

func (g *PeerGate) Ready(tick uint32) bool {
	if tick < g.base+g.delay {
		return true
	}
	for _, p := range g.players {
		if g.through[p] <= tick {
			return false
		}
	}
	return true
}

func (g *PeerGate) Reset(tick uint32) {
	g.base = tick
	for _, p := range g.players {
		g.through[p] = 0
	}
}

// Waiting lists the peers tick is still waiting for.
func (g *PeerGate) Waiting(tick uint32) []command.PlayerID {
	if tick < g.base+g.delay {
		return nil
	}
	var out []command.PlayerID
	for _, p := range g.players {
		if g.through[p] <= tick {
			out = append(out, p)
		}
	}
	return out
}
