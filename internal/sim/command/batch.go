package command

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
)

// BatchVersion is the wire version of a command batch.
const BatchVersion = 1

// version u8, player u16, tick u32, count u16
const batchHeaderSize = 1 + 2 + 4 + 2

// MaxBatchCommands bounds the records accepted in one batch.
const MaxBatchCommands = 4096

var ErrBatchVersion = errors.New("command: unsupported batch version")

// Batch is the unit peers exchange: every command one player issued during a
// tick. The player id travels once in the envelope, not in each record.
type Batch struct {
	Player   PlayerID
	Tick     uint32
	Commands []Command
}

// EncodeBatch appends b's wire form to dst.
func EncodeBatch(dst []byte, b Batch) ([]byte, error) {
	if len(b.Commands) > MaxBatchCommands {
		return dst, fmt.Errorf("command: batch of %d commands exceeds %d", len(b.Commands), MaxBatchCommands)
	}
	size := batchHeaderSize
	for _, c := range b.Commands {
		size += c.Size()
	}
	start := len(dst)
	dst = slices.Grow(dst, size)[:start+batchHeaderSize]
	h := dst[start:]
	h[0] = BatchVersion
	binary.LittleEndian.PutUint16(h[1:3], uint16(b.Player))
	binary.LittleEndian.PutUint32(h[3:7], b.Tick)
	binary.LittleEndian.PutUint16(h[7:9], uint16(len(b.Commands)))
	var err error
	for _, c := range b.Commands {
		if dst, err = Encode(dst, c); err != nil {
			return dst[:start], err
		}
	}
	return dst, nil
}

// DecodeBatch parses a batch and stamps the envelope's player on every
// command. Any malformed record fails the whole batch.
func DecodeBatch(src []byte) (Batch, error) {
	if len(src) < batchHeaderSize {
		return Batch{}, fmt.Errorf("%w: batch header needs %d bytes, have %d", ErrTruncatedPayload, batchHeaderSize, len(src))
	}
	if src[0] != BatchVersion {
		return Batch{}, fmt.Errorf("%w: %d", ErrBatchVersion, src[0])
	}
	b := Batch{
		Player: PlayerID(binary.LittleEndian.Uint16(src[1:3])),
		Tick:   binary.LittleEndian.Uint32(src[3:7]),
	}
	n := int(binary.LittleEndian.Uint16(src[7:9]))
	if n > MaxBatchCommands {
		return Batch{}, fmt.Errorf("command: batch declares %d commands", n)
	}
	b.Commands = make([]Command, 0, n)
	off := batchHeaderSize
	for i := 0; i < n; i++ {
		c, used, err := Decode(src[off:])
		if err != nil {
			return Batch{}, fmt.Errorf("record %d: %w", i, err)
		}
		c.SetPlayer(b.Player)
		b.Commands = append(b.Commands, c)
		off += used
	}
	if off != len(src) {
		return Batch{}, fmt.Errorf("command: %d trailing bytes after batch", len(src)-off)
	}
	return b, nil
}
