// Package world drives the simulation: it owns the state store, the modifier
// system, the session random stream and the command processor, advances them
// one tick at a time and keeps peers honest by comparing state checksums.
//
// A World is single-threaded. Either call its methods from one goroutine, or
// start Run and talk to it through the Request*/Deliver* methods, which hand
// work to the loop over channels.
package world

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"lockstep.gg/internal/sim/checksum"
	"lockstep.gg/internal/sim/command"
	"lockstep.gg/internal/sim/modifiers"
	"lockstep.gg/internal/sim/processor"
	"lockstep.gg/internal/sim/random"
	"lockstep.gg/internal/sim/scenario"
	"lockstep.gg/internal/sim/state"
	"lockstep.gg/internal/sim/tuning"
)

var (
	ErrNotLoaded       = errors.New("world: no state loaded")
	ErrSessionMismatch = errors.New("world: save belongs to another session")
	ErrSaveChecksum    = errors.New("world: save checksum mismatch")
	ErrResyncTimeout   = errors.New("world: resync timed out")
	ErrStopped         = errors.New("world: run loop has exited")
)

// TickLogger receives one entry per processed tick.
type TickLogger interface {
	WriteTick(TickLogEntry) error
}

type DesyncLogger interface {
	WriteDesync(DesyncEntry) error
}

// Broadcaster carries the loop's outbound messages to peers. Implementations
// must not block the caller.
type Broadcaster interface {
	SendBatch(b command.Batch) error
	SendChecksum(tick, sum uint32) error
	SendResync(s Save) error
}

// TickLogEntry is the journal record of a tick. Batches hold every command
// that was due at the tick, one encoded command.Batch per player in arrival
// order, so a replay can queue them again.
type TickLogEntry struct {
	Tick            uint32   `json:"tick"`
	Batches         [][]byte `json:"batches,omitempty"`
	Executed        int      `json:"executed"`
	Rejected        int      `json:"rejected"`
	CommandChecksum uint32   `json:"command_checksum"`
	Checksum        uint32   `json:"checksum,omitempty"`
	Checked         bool     `json:"checked,omitempty"`
}

type DesyncEntry struct {
	Tick   uint32 `json:"tick"`
	Peer   string `json:"peer"`
	Local  uint32 `json:"local"`
	Remote uint32 `json:"remote"`
	Host   bool   `json:"host"`
}

// TickReport summarises one Step.
type TickReport struct {
	Tick            uint32
	Executed        int
	Rejected        int
	CommandChecksum uint32
	Expired         int
	Decayed         int
	// Checksum is valid when Checked; ticks off the checksum cadence are not
	// hashed.
	Checksum uint32
	Checked  bool
}

type World struct {
	cfg    Config
	tun    tuning.Tuning
	logger *log.Logger

	state *state.Store
	mods  *modifiers.System
	rng   *random.Rand
	env   *command.Env
	proc  *processor.Processor

	validator      *checksum.Validator
	sums           *checksumRing
	early          map[uint32][]ChecksumReport
	scenarioDigest uint64
	loaded         bool

	// local and remote hold the commands of every tick that has not run
	// yet, local ones from Submit and remote ones as received batches, so a
	// load can queue again what its save does not hold.
	local     map[uint32][]command.Command
	remote    map[uint32][]command.Batch
	seen      peerMarks
	announced int64
	delay     uint32

	resync *resyncWait

	tick    atomic.Uint32
	totals  totals
	metrics atomic.Value

	submitReq chan submitReq
	batchIn   chan command.Batch
	reportIn  chan ChecksumReport
	importReq chan importReq
	saveReq   chan chan saveResp
	saves     chan Save
	swapReq   chan chan error
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	doneOnce  sync.Once
}

type totals struct {
	executed uint64
	rejected uint64
	desyncs  uint64
	resyncs  uint64
	stalls   uint64
	dupes    uint64
	last     TickReport
	stepMS   float64
}

// New builds a world from cfg.Tuning. With a scenario the world is ready to
// step; with nil it waits for ImportSave.
func New(cfg Config, sc *scenario.Scenario) (*World, error) {
	tun := cfg.Tuning
	if err := tun.Validate(); err != nil {
		return nil, fmt.Errorf("world: %w", err)
	}
	if cfg.Gate != nil && tun.Commands.InputDelayTicks == 0 {
		return nil, fmt.Errorf("world: peers need commands.input_delay_ticks > 0")
	}
	st, err := state.New(tun.StateConfig())
	if err != nil {
		return nil, fmt.Errorf("world: %w", err)
	}
	reg, err := tun.Registry()
	if err != nil {
		return nil, fmt.Errorf("world: %w", err)
	}
	mods, err := modifiers.New(reg, tun.ModifierConfig(), st)
	if err != nil {
		return nil, fmt.Errorf("world: %w", err)
	}
	seed := tun.Seed
	if sc != nil && sc.Seed != 0 {
		seed = sc.Seed
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	w := &World{
		cfg:       cfg,
		tun:       tun,
		logger:    logger,
		state:     st,
		mods:      mods,
		rng:       random.New(seed),
		validator: checksum.NewValidator(),
		sums:      newChecksumRing(tun.Sync.ChecksumHistory),
		early:     make(map[uint32][]ChecksumReport),
		local:     make(map[uint32][]command.Command),
		remote:    make(map[uint32][]command.Batch),
		seen:      make(peerMarks),
		announced: int64(tun.Commands.InputDelayTicks) - 1,
		delay:     uint32(tun.Commands.InputDelayTicks),

		submitReq: make(chan submitReq, 256),
		batchIn:   make(chan command.Batch, 256),
		reportIn:  make(chan ChecksumReport, 256),
		importReq: make(chan importReq, 1),
		saveReq:   make(chan chan saveResp, 4),
		saves:     make(chan Save, 1),
		swapReq:   make(chan chan error, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	w.env = &command.Env{State: st, Modifiers: mods}
	w.proc = processor.New(w.env, tun.ProcessorConfig())

	if sc != nil {
		if err := sc.Apply(st, mods); err != nil {
			return nil, fmt.Errorf("world: %w", err)
		}
		w.scenarioDigest = sc.Digest
		w.loaded = true
		w.resetPeers(0)
	}
	w.storeMetrics()
	return w, nil
}

func (w *World) SessionID() string { return w.cfg.SessionID }

// Tick is the next tick Step will run. Safe from any goroutine.
func (w *World) Tick() uint32 { return w.tick.Load() }

func (w *World) Loaded() bool { return w.loaded }

func (w *World) ScenarioDigest() uint64 { return w.scenarioDigest }

func (w *World) Tuning() tuning.Tuning { return w.tun }

func (w *World) State() *state.Store { return w.state }

func (w *World) Modifiers() *modifiers.System { return w.mods }

// Rand is the session stream. Draws advance the checksummed state.
func (w *World) Rand() *random.Rand { return w.rng }

// View is the read side of the double buffer; it changes only at a frame
// swap. While Run is active the swap happens only through RequestSwapFrame,
// so a reader that requests the swap itself never sees the copy change
// under it. A save import rewrites both copies, so readers pause around
// RequestImport.
func (w *World) View() state.View { return w.state.View() }

// SwapFrame publishes the simulation's latest state to View readers. It must
// not be called while Run is active; use RequestSwapFrame there.
func (w *World) SwapFrame() error { return w.state.SwapFrame() }

// Checksum returns the local checksum of tick while it is still in the
// history ring.
func (w *World) Checksum(tick uint32) (checksum.Result, bool) {
	return w.sums.get(tick)
}

// finalized is the last tick whose command set can no longer change.
func (w *World) finalized() int64 {
	return int64(w.proc.Tick()) + int64(w.delay) - 1
}

// resetPeers restarts the gate after a load at tick and replays the batches
// already settled.
func (w *World) resetPeers(tick uint32) {
	w.tick.Store(tick)
	if w.cfg.Gate == nil {
		return
	}
	w.cfg.Gate.Reset(tick)
	for p, t := range w.seen {
		if t >= 0 {
			w.cfg.Gate.Arrived(p, uint32(t))
		}
	}
}
