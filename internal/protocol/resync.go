package protocol

import (
	"encoding/binary"
	"fmt"
)

// A save rarely fits one frame, so a resync travels as numbered chunks:
// index u16, total u16, data.
const resyncChunkHeader = 4

const resyncChunkData = MaxPayload - resyncChunkHeader

const maxResyncChunks = 1<<16 - 1

// EncodeResync splits a save taken at tick into resync frames.
func EncodeResync(tick uint32, save []byte) ([][]byte, error) {
	total := (len(save) + resyncChunkData - 1) / resyncChunkData
	if total == 0 {
		total = 1
	}
	if total > maxResyncChunks {
		return nil, fmt.Errorf("%w: save of %d bytes", ErrPayloadTooLarge, len(save))
	}
	out := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		lo := i * resyncChunkData
		hi := min(lo+resyncChunkData, len(save))
		payload := make([]byte, resyncChunkHeader, resyncChunkHeader+hi-lo)
		binary.LittleEndian.PutUint16(payload[0:2], uint16(i))
		binary.LittleEndian.PutUint16(payload[2:4], uint16(total))
		payload = append(payload, save[lo:hi]...)
		f, err := AppendFrame(nil, TypeResync, tick, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// ResyncAssembler collects resync chunks. A chunk for a newer tick discards
// a partial older save.
type ResyncAssembler struct {
	tick   uint32
	total  int
	have   int
	chunks [][]byte
}

// Add takes one resync frame and returns the whole save once every chunk of
// its tick has arrived.
func (a *ResyncAssembler) Add(f Frame) (save []byte, tick uint32, done bool, err error) {
	if f.Type != TypeResync || len(f.Payload) < resyncChunkHeader {
		return nil, 0, false, fmt.Errorf("%w: resync chunk", ErrBadPayload)
	}
	idx := int(binary.LittleEndian.Uint16(f.Payload[0:2]))
	total := int(binary.LittleEndian.Uint16(f.Payload[2:4]))
	if total == 0 || idx >= total {
		return nil, 0, false, fmt.Errorf("%w: resync chunk %d of %d", ErrBadPayload, idx, total)
	}
	switch {
	case a.chunks == nil || f.Tick > a.tick:
		a.tick, a.total, a.have = f.Tick, total, 0
		a.chunks = make([][]byte, total)
	case f.Tick < a.tick:
		return nil, 0, false, nil
	case total != a.total:
		return nil, 0, false, fmt.Errorf("%w: resync for tick %d changed chunk count", ErrBadPayload, f.Tick)
	}
	if a.chunks[idx] == nil {
		a.chunks[idx] = append([]byte{}, f.Payload[resyncChunkHeader:]...)
		a.have++
	}
	if a.have < a.total {
		return nil, 0, false, nil
	}
	n := 0
	for _, c := range a.chunks {
		n += len(c)
	}
	save = make([]byte, 0, n)
	for _, c := range a.chunks {
		save = append(save, c...)
	}
	tick = a.tick
	*a = ResyncAssembler{}
	return save, tick, true, nil
}
