package world

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"lockstep.gg/internal/sim/checksum"
	"lockstep.gg/internal/sim/command"
	"lockstep.gg/internal/sim/processor"
)

// Submit queues a command issued by the local player. The command must be
// scheduled at least the input delay ahead of the current tick; anything
// earlier has already been announced to peers.
func (w *World) Submit(c command.Command) processor.SubmissionResult {
	if !w.loaded {
		return processor.SubmissionResult{Err: ErrNotLoaded}
	}
	c.SetPlayer(w.cfg.LocalPlayer)
	t := c.Meta().Tick
	if int64(t) <= w.finalized() {
		return processor.SubmissionResult{Err: &command.ValidationError{
			Kind: command.KindInvalidParameters,
			Msg:  fmt.Sprintf("tick %d is inside the input delay (current %d, delay %d)", t, w.proc.Tick(), w.delay),
		}}
	}
	res := w.proc.Submit(c)
	if res.Accepted {
		w.local[t] = append(w.local[t], c)
	}
	return res
}

// SubmitBatch queues a peer's batch. Commands are only checked against the
// schedule here; validation happens when the tick runs, identically on every
// peer. A batch for a tick the player has already settled is a duplicate and
// is ignored. An unloaded world keeps batches for the load to queue.
func (w *World) SubmitBatch(b command.Batch) error {
	if b.Player == w.cfg.LocalPlayer {
		return fmt.Errorf("world: batch for tick %d claims the local player %d", b.Tick, b.Player)
	}
	if w.cfg.Gate != nil {
		w.cfg.Gate.Arrived(b.Player, b.Tick)
	}
	if last, ok := w.seen[b.Player]; ok && int64(b.Tick) <= last {
		w.totals.dupes++
		return nil
	}
	w.seen[b.Player] = int64(b.Tick)
	for _, c := range b.Commands {
		c.SetPlayer(b.Player)
	}
	if len(b.Commands) > 0 {
		w.remote[b.Tick] = append(w.remote[b.Tick], b)
	}
	if !w.loaded {
		return nil
	}
	return w.enqueueBatch(b)
}

// Step runs one tick: due commands, modifier expiry, opinion decay on its
// cadence, then the checksum of the write buffer on its cadence. The
// returned error is a *DesyncError when an early peer report disagrees with
// the new checksum; the tick itself still completed.
func (w *World) Step() (TickReport, error) {
	if !w.loaded {
		return TickReport{}, ErrNotLoaded
	}
	start := time.Now()
	t := w.proc.Tick()

	var entry TickLogEntry
	if w.cfg.TickLogger != nil {
		batches, err := w.dueBatches(t)
		if err != nil {
			return TickReport{}, err
		}
		entry.Batches = batches
	}

	res := w.proc.ProcessTick()
	rep := TickReport{
		Tick:            t,
		Executed:        res.Executed,
		Rejected:        res.Rejected,
		CommandChecksum: res.Checksum,
	}
	for _, r := range w.proc.Rejected() {
		w.logger.Printf("tick %d: rejected %s from player %d: %v", t, command.Name(r.Cmd.Type()), r.Cmd.Meta().Player, r.Err)
	}

	rep.Expired = w.mods.Expire(t)
	if every := uint32(w.tun.Opinion.DecayEveryTicks); t%every == 0 {
		wr := w.state.BeginExec()
		removed, err := wr.DecayOpinions(t, w.tun.Opinion.DecayWorkers)
		w.state.EndExec()
		if err != nil {
			return rep, fmt.Errorf("world: tick %d decay: %w", t, err)
		}
		rep.Decayed = removed
	}

	var desync error
	if t%uint32(w.tun.Sync.ChecksumEveryTicks) == 0 {
		sum := w.validator.Sum(checksum.Input{State: w.state, Modifiers: w.mods, RNG: w.rng, Tick: t})
		w.sums.put(sum)
		rep.Checksum, rep.Checked = sum.MainHash, true
		if b := w.cfg.Broadcaster; b != nil {
			if err := b.SendChecksum(t, sum.MainHash); err != nil {
				w.logger.Printf("tick %d: broadcast checksum: %v", t, err)
			}
		}
		desync = w.matchEarly(t, sum.MainHash)
	} else {
		delete(w.early, t)
	}

	delete(w.local, t)
	delete(w.remote, t)
	w.tick.Store(t + 1)
	w.flushLocal()

	if w.cfg.TickLogger != nil {
		entry.Tick = t
		entry.Executed, entry.Rejected = rep.Executed, rep.Rejected
		entry.CommandChecksum = rep.CommandChecksum
		entry.Checksum, entry.Checked = rep.Checksum, rep.Checked
		if err := w.cfg.TickLogger.WriteTick(entry); err != nil {
			w.logger.Printf("tick %d: journal: %v", t, err)
		}
	}

	w.totals.executed += uint64(rep.Executed)
	w.totals.rejected += uint64(rep.Rejected)
	w.totals.last = rep
	w.totals.stepMS = float64(time.Since(start).Microseconds()) / 1000
	w.storeMetrics()
	return rep, desync
}

// flushLocal announces every local batch that became final since the last
// call. Empty batches are sent too: they tell peers the tick is complete.
func (w *World) flushLocal() {
	f := w.finalized()
	for w.announced < f {
		w.announced++
		tick := uint32(w.announced)
		if w.cfg.Broadcaster == nil {
			continue
		}
		b := command.Batch{Player: w.cfg.LocalPlayer, Tick: tick, Commands: w.local[tick]}
		if err := w.cfg.Broadcaster.SendBatch(b); err != nil {
			w.logger.Printf("tick %d: broadcast batch: %v", tick, err)
		}
	}
}

// dueBatches encodes the commands due at tick, one batch per player in
// ascending player order, each in arrival order.
func (w *World) dueBatches(tick uint32) ([][]byte, error) {
	due := w.proc.PendingFor(tick)
	if len(due) == 0 {
		return nil, nil
	}
	slices.SortStableFunc(due, func(a, b command.Command) int {
		return cmp.Compare(a.Meta().Player, b.Meta().Player)
	})
	var out [][]byte
	for i := 0; i < len(due); {
		j := i
		for j < len(due) && due[j].Meta().Player == due[i].Meta().Player {
			j++
		}
		raw, err := command.EncodeBatch(nil, command.Batch{Player: due[i].Meta().Player, Tick: tick, Commands: due[i:j]})
		if err != nil {
			return nil, fmt.Errorf("world: journal tick %d: %w", tick, err)
		}
		out = append(out, raw)
		i = j
	}
	return out, nil
}

// Replay runs the current tick with journaled batches in place of whatever
// the queue holds for it. Batches are re-queued in journal order, which
// keeps the arrival order the live run used.
func (w *World) Replay(batches [][]byte) (TickReport, error) {
	if !w.loaded {
		return TickReport{}, ErrNotLoaded
	}
	t := w.proc.Tick()
	w.proc.Drop(t)
	for _, raw := range batches {
		b, err := command.DecodeBatch(raw)
		if err != nil {
			return TickReport{}, fmt.Errorf("world: replay tick %d: %w", t, err)
		}
		if b.Tick != t {
			return TickReport{}, fmt.Errorf("world: replay tick %d got a batch for tick %d", t, b.Tick)
		}
		for _, c := range b.Commands {
			if res := w.proc.Enqueue(c); !res.Accepted {
				return TickReport{}, fmt.Errorf("world: replay tick %d: %w", t, res.Err)
			}
		}
	}
	return w.Step()
}
