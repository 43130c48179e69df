package processor

import (
	"fmt"
	"io"

	"lockstep.gg/internal/sim/command"
	"lockstep.gg/internal/sim/encoding"
)

const codecVersion = 1

// WriteTo saves the current tick and the pending queue in arrival order.
func (p *Processor) WriteTo(w io.Writer) (int64, error) {
	e := encoding.NewWriter(w)
	e.Tag("PROC")
	e.U16(codecVersion)
	e.U32(p.tick)
	e.U64(p.seq)
	e.U32(uint32(len(p.pending)))
	var rec []byte
	for _, en := range p.pending {
		var err error
		if rec, err = command.Encode(rec[:0], en.cmd); err != nil {
			return e.N(), err
		}
		e.U16(uint16(en.cmd.Meta().Player))
		e.U64(en.seq)
		e.Bytes(rec)
	}
	return e.N(), e.Err()
}

// ReadFrom replaces the queue with a saved one.
func (p *Processor) ReadFrom(r io.Reader) (int64, error) {
	d := encoding.NewReader(r)
	d.Expect("PROC")
	if v := d.U16(); d.Err() == nil && v != codecVersion {
		return d.N(), fmt.Errorf("processor: unsupported section version %d", v)
	}
	tick := d.U32()
	seq := d.U64()
	n := d.U32()
	if d.Err() != nil {
		return d.N(), d.Err()
	}
	if int(n) > p.cfg.QueueLimit {
		return d.N(), fmt.Errorf("%w: saved queue holds %d commands, limit %d", ErrQueueFull, n, p.cfg.QueueLimit)
	}
	p.Reset(tick)
	for i := uint32(0); i < n && d.Err() == nil; i++ {
		player := command.PlayerID(d.U16())
		s := d.U64()
		rec := d.Bytes()
		if d.Err() != nil {
			break
		}
		c, used, err := command.Decode(rec)
		if err == nil && used != len(rec) {
			err = fmt.Errorf("processor: record %d has %d trailing bytes", i, len(rec)-used)
		}
		if err != nil {
			d.Fail(err)
			break
		}
		c.SetPlayer(player)
		p.pending = append(p.pending, entry{cmd: c, seq: s})
	}
	if d.Err() != nil {
		p.Reset(tick)
		return d.N(), d.Err()
	}
	p.seq = seq
	return d.N(), nil
}
