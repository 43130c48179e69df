package world

import (
	"log"

	"lockstep.gg/internal/sim/command"
	"lockstep.gg/internal/sim/tuning"
)

type Config struct {
	// SessionID ties saves and peer messages to one game.
	SessionID string
	Tuning    tuning.Tuning

	// LocalPlayer is stamped on every command given to Submit.
	LocalPlayer command.PlayerID
	// Host answers desyncs by broadcasting its own state; other peers stop
	// stepping until that state arrives.
	Host bool

	Logger       *log.Logger
	TickLogger   TickLogger
	DesyncLogger DesyncLogger
	Broadcaster  Broadcaster
	// Gate holds a tick back until every peer's commands for it arrived.
	// Nil runs without peers.
	Gate Gate
}
