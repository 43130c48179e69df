package world

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lockstep.gg/internal/sim/command"
	"lockstep.gg/internal/sim/processor"
)

type submitReq struct {
	cmd  command.Command
	resp chan processor.SubmissionResult
}

type importReq struct {
	data []byte
	resp chan error
}

type saveResp struct {
	save Save
	err  error
}

// Run steps the world on the tuning's tick rate until ctx ends or Stop is
// called. All other traffic arrives over the loop's channels and is handled
// between ticks. A tick waits while the gate is not ready or a resync is
// pending; a resync that does not arrive within the timeout ends Run.
//
// Run does not swap frames on its own. The presentation side calls
// RequestSwapFrame at its frame boundary. Once Run returns, every Deliver and
// Request call fails with ErrStopped.
func (w *World) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.tun.TickDuration())
	defer ticker.Stop()
	defer w.doneOnce.Do(func() { close(w.done) })

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case req := <-w.submitReq:
			req.resp <- w.Submit(req.cmd)
		case b := <-w.batchIn:
			if err := w.SubmitBatch(b); err != nil {
				w.logger.Printf("batch from player %d: %v", b.Player, err)
			}
		case r := <-w.reportIn:
			if err := w.ObserveChecksum(r.Peer, r.Tick, r.Sum); err != nil {
				w.handleDesync(err)
			}
		case req := <-w.importReq:
			err := w.LoadSave(req.data)
			if err != nil {
				w.logger.Printf("import save: %v", err)
			}
			req.resp <- err
		case resp := <-w.saveReq:
			s, err := w.Save()
			resp <- saveResp{save: s, err: err}
		case resp := <-w.swapReq:
			resp <- w.state.SwapFrame()
		case <-ticker.C:
			if err := w.tickOnce(); err != nil {
				return err
			}
		}
	}
}

func (w *World) tickOnce() error {
	if !w.loaded {
		return nil
	}
	if w.resync != nil {
		if time.Since(w.resync.since) > w.tun.ResyncTimeout() {
			return fmt.Errorf("%w after desync at tick %d", ErrResyncTimeout, w.resync.tick)
		}
		return nil
	}
	if w.cfg.Gate != nil && !w.cfg.Gate.Ready(w.proc.Tick()) {
		w.totals.stalls++
		return nil
	}
	rep, err := w.Step()
	if err != nil {
		var de *DesyncError
		if !errors.As(err, &de) {
			return err
		}
		w.handleDesync(err)
	}
	if every := uint32(w.tun.Sync.SaveEveryTicks); every > 0 && (rep.Tick+1)%every == 0 {
		s, err := w.Save()
		if err != nil {
			w.logger.Printf("periodic save: %v", err)
			return nil
		}
		sendSave(w.saves, s)
	}
	return nil
}

// sendSave keeps only the newest save when the consumer lags.
func sendSave(ch chan Save, s Save) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

func (w *World) stopped() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *World) Stop() { w.stopOnce.Do(func() { close(w.stop) }) }

// Saves delivers the periodic saves made by Run.
func (w *World) Saves() <-chan Save { return w.saves }

// DeliverBatch hands a peer batch to the running loop. Before Run starts the
// batch waits in the loop's queue.
func (w *World) DeliverBatch(ctx context.Context, b command.Batch) error {
	if w.stopped() {
		return ErrStopped
	}
	select {
	case w.batchIn <- b:
		return nil
	case <-w.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeliverChecksum hands a peer checksum report to the running loop.
func (w *World) DeliverChecksum(ctx context.Context, r ChecksumReport) error {
	if w.stopped() {
		return ErrStopped
	}
	select {
	case w.reportIn <- r:
		return nil
	case <-w.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestSwapFrame swaps the frame between ticks. A reader that calls it
// from its own goroutine may use View freely until its next call.
func (w *World) RequestSwapFrame(ctx context.Context) error {
	if w.stopped() {
		return ErrStopped
	}
	resp := make(chan error, 1)
	select {
	case w.swapReq <- resp:
	case <-w.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	return awaitErr(ctx, w.done, resp)
}

// RequestSubmit submits a local command through the running loop.
func (w *World) RequestSubmit(ctx context.Context, c command.Command) (processor.SubmissionResult, error) {
	if w.stopped() {
		return processor.SubmissionResult{}, ErrStopped
	}
	req := submitReq{cmd: c, resp: make(chan processor.SubmissionResult, 1)}
	select {
	case w.submitReq <- req:
	case <-w.done:
		return processor.SubmissionResult{}, ErrStopped
	case <-ctx.Done():
		return processor.SubmissionResult{}, ctx.Err()
	}
	return awaitReply(ctx, w.done, req.resp)
}

// RequestSave asks the running loop for a save taken between ticks.
func (w *World) RequestSave(ctx context.Context) (Save, error) {
	if w.stopped() {
		return Save{}, ErrStopped
	}
	resp := make(chan saveResp, 1)
	select {
	case w.saveReq <- resp:
	case <-w.done:
		return Save{}, ErrStopped
	case <-ctx.Done():
		return Save{}, ctx.Err()
	}
	r, err := awaitReply(ctx, w.done, resp)
	if err != nil {
		return Save{}, err
	}
	return r.save, r.err
}

// RequestImport loads a save (typically the host's resync state) through the
// running loop.
func (w *World) RequestImport(ctx context.Context, data []byte) error {
	if w.stopped() {
		return ErrStopped
	}
	req := importReq{data: data, resp: make(chan error, 1)}
	select {
	case w.importReq <- req:
	case <-w.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	return awaitErr(ctx, w.done, req.resp)
}

// awaitReply waits for the loop's reply. A reply sent just before the loop
// exited still wins over ErrStopped.
func awaitReply[T any](ctx context.Context, done <-chan struct{}, resp <-chan T) (T, error) {
	var zero T
	select {
	case v := <-resp:
		return v, nil
	case <-done:
		select {
		case v := <-resp:
			return v, nil
		default:
			return zero, ErrStopped
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func awaitErr(ctx context.Context, done <-chan struct{}, resp <-chan error) error {
	err, werr := awaitReply(ctx, done, resp)
	if werr != nil {
		return werr
	}
	return err
}
