// Package processor is the per-tick intake of commands: it validates and
// queues submissions, then drains each tick's commands in a deterministic
// order.
package processor

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"lockstep.gg/internal/sim/command"
)

var (
	ErrQueueFull   = errors.New("processor: command queue is full")
	ErrRateLimited = errors.New("processor: player exceeded submission rate")
)

type Config struct {
	// LeadWindow is how many ticks ahead of the current tick a command may be
	// scheduled.
	LeadWindow uint32
	// QueueLimit caps pending commands across all future ticks.
	QueueLimit int
	// RateWindow/RateMax limit local submissions per player.
	RateWindow uint32
	RateMax    int
}

func (c Config) withDefaults() Config {
	if c.QueueLimit <= 0 {
		c.QueueLimit = 4096
	}
	if c.LeadWindow == 0 {
		c.LeadWindow = 8
	}
	return c
}

type SubmissionResult struct {
	Accepted bool
	Err      error
	Seq      uint64
}

type TickResult struct {
	Tick     uint32
	Executed int
	Rejected int
	// Checksum folds the executed commands in execution order.
	Checksum uint32
}

// Rejection records a queued command that failed at processing time.
type Rejection struct {
	Cmd command.Command
	Err error
}

type entry struct {
	cmd command.Command
	seq uint64
}

type Processor struct {
	env *command.Env
	cfg Config

	tick uint32
	seq  uint64

	pending  []entry
	due      []entry
	executed []command.Command
	rejected []Rejection

	rates map[command.PlayerID]*window
}

func New(env *command.Env, cfg Config) *Processor {
	cfg = cfg.withDefaults()
	return &Processor{
		env:      env,
		cfg:      cfg,
		pending:  make([]entry, 0, cfg.QueueLimit),
		due:      make([]entry, 0, cfg.QueueLimit),
		executed: make([]command.Command, 0, cfg.QueueLimit),
		rates:    make(map[command.PlayerID]*window),
	}
}

// Tick is the next tick ProcessTick will run.
func (p *Processor) Tick() uint32 { return p.tick }

// SetTick moves the processor to tick, dropping nothing; used after loads.
func (p *Processor) SetTick(tick uint32) { p.tick = tick }

func (p *Processor) Pending() int { return len(p.pending) }

// Submit takes a locally issued command. It is validated against the current
// state right away so bad input is refused synchronously instead of silently
// failing at the tick boundary.
func (p *Processor) Submit(c command.Command) SubmissionResult {
	if err := p.checkSchedule(c); err != nil {
		return SubmissionResult{Err: err}
	}
	m := c.Meta()
	w := p.rates[m.Player]
	if w == nil {
		w = &window{start: p.tick}
		p.rates[m.Player] = w
	}
	if ok, cooldown := w.allow(p.tick, p.cfg.RateWindow, p.cfg.RateMax); !ok {
		return SubmissionResult{Err: fmt.Errorf("%w: retry in %d ticks", ErrRateLimited, cooldown)}
	}
	if err := c.Validate(p.env); err != nil {
		return SubmissionResult{Err: err}
	}
	return p.enqueue(c)
}

// Enqueue takes a command that a peer already accepted. Only scheduling is
// checked: validation happens when the tick is processed, identically on
// every peer.
func (p *Processor) Enqueue(c command.Command) SubmissionResult {
	if err := p.checkSchedule(c); err != nil {
		return SubmissionResult{Err: err}
	}
	return p.enqueue(c)
}

func (p *Processor) checkSchedule(c command.Command) error {
	t := c.Meta().Tick
	if t < p.tick {
		return &command.ValidationError{
			Kind: command.KindInvalidParameters,
			Msg:  fmt.Sprintf("tick %d already passed (current %d)", t, p.tick),
		}
	}
	if t-p.tick > p.cfg.LeadWindow {
		return &command.ValidationError{
			Kind: command.KindInvalidParameters,
			Msg:  fmt.Sprintf("tick %d beyond lead window (current %d, lead %d)", t, p.tick, p.cfg.LeadWindow),
		}
	}
	return nil
}

func (p *Processor) enqueue(c command.Command) SubmissionResult {
	if len(p.pending) >= p.cfg.QueueLimit {
		return SubmissionResult{Err: ErrQueueFull}
	}
	p.seq++
	p.pending = append(p.pending, entry{cmd: c, seq: p.seq})
	return SubmissionResult{Accepted: true, Seq: p.seq}
}

// ProcessTick drains the commands scheduled for the current tick, sorted by
// (type id, player id, arrival), executes those that still validate and
// advances to the next tick. A rejected command never aborts its siblings.
func (p *Processor) ProcessTick() TickResult {
	tick := p.tick
	p.due = p.due[:0]
	kept := 0
	for _, e := range p.pending {
		if e.cmd.Meta().Tick == tick {
			p.due = append(p.due, e)
			continue
		}
		p.pending[kept] = e
		kept++
	}
	clear(p.pending[kept:])
	p.pending = p.pending[:kept]

	slices.SortStableFunc(p.due, func(a, b entry) int {
		if c := cmp.Compare(a.cmd.Type(), b.cmd.Type()); c != 0 {
			return c
		}
		if c := cmp.Compare(a.cmd.Meta().Player, b.cmd.Meta().Player); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})

	clear(p.executed)
	p.executed = p.executed[:0]
	p.rejected = p.rejected[:0]
	for _, e := range p.due {
		if err := e.cmd.Validate(p.env); err != nil {
			p.rejected = append(p.rejected, Rejection{Cmd: e.cmd, Err: err})
			continue
		}
		w := p.env.State.BeginExec()
		res := e.cmd.Execute(&command.ExecEnv{Env: *p.env, W: w})
		p.env.State.EndExec()
		if !res.OK {
			p.rejected = append(p.rejected, Rejection{Cmd: e.cmd, Err: res.Err})
			continue
		}
		p.executed = append(p.executed, e.cmd)
	}
	clear(p.due)
	p.tick++
	return TickResult{
		Tick:     tick,
		Executed: len(p.executed),
		Rejected: len(p.rejected),
		Checksum: command.StreamChecksum(p.executed),
	}
}

// Executed lists the commands executed by the last ProcessTick, in execution
// order. The slice is reused by the next call.
func (p *Processor) Executed() []command.Command { return p.executed }

// Rejected lists the processing-time rejections of the last ProcessTick.
func (p *Processor) Rejected() []Rejection { return p.rejected }

// PendingFor returns the queued commands for tick in arrival order.
func (p *Processor) PendingFor(tick uint32) []command.Command {
	var out []command.Command
	for _, e := range p.pending {
		if e.cmd.Meta().Tick == tick {
			out = append(out, e.cmd)
		}
	}
	return out
}

// Drop removes the queued commands for tick and reports how many went.
func (p *Processor) Drop(tick uint32) int {
	kept := 0
	for _, e := range p.pending {
		if e.cmd.Meta().Tick != tick {
			p.pending[kept] = e
			kept++
		}
	}
	n := len(p.pending) - kept
	clear(p.pending[kept:])
	p.pending = p.pending[:kept]
	return n
}

// Reset drops every queued command and rate window.
func (p *Processor) Reset(tick uint32) {
	clear(p.pending)
	p.pending = p.pending[:0]
	clear(p.executed)
	p.executed = p.executed[:0]
	p.rejected = p.rejected[:0]
	clear(p.rates)
	p.tick = tick
	p.seq = 0
}
