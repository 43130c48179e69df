// Package protocol defines what peers put on the wire: a 7-byte frame header
// followed by a typed payload, and the stable error codes carried in replies.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Version is the protocol version peers must agree on at handshake.
const Version = 1

// MsgType is the first byte of every frame.
type MsgType uint8

const (
	TypeHandshake MsgType = iota + 1
	TypeCommandBatch
	TypeChecksum
	TypeTickSync
	TypeLobby
	TypeResync
)

func (t MsgType) String() string {
	switch t {
	case TypeHandshake:
		return "HANDSHAKE"
	case TypeCommandBatch:
		return "COMMAND_BATCH"
	case TypeChecksum:
		return "CHECKSUM"
	case TypeTickSync:
		return "TICK_SYNC"
	case TypeLobby:
		return "LOBBY"
	case TypeResync:
		return "RESYNC"
	}
	return fmt.Sprintf("MsgType(%d)", uint8(t))
}

func (t MsgType) valid() bool { return t >= TypeHandshake && t <= TypeResync }

// type u8, tick u32, payload length u16
const HeaderSize = 1 + 4 + 2

const MaxPayload = 1<<16 - 1

var (
	ErrShortFrame      = errors.New("protocol: frame shorter than header")
	ErrLengthMismatch  = errors.New("protocol: payload length mismatch")
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
	ErrUnknownType     = errors.New("protocol: unknown message type")
)

type Header struct {
	Type   MsgType
	Tick   uint32
	Length uint16
}

// Frame is one message: exactly one frame travels in each transport message.
type Frame struct {
	Type    MsgType
	Tick    uint32
	Payload []byte
}

// AppendFrame appends the framed message to dst.
func AppendFrame(dst []byte, typ MsgType, tick uint32, payload []byte) ([]byte, error) {
	if !typ.valid() {
		return dst, fmt.Errorf("%w: %d", ErrUnknownType, typ)
	}
	if len(payload) > MaxPayload {
		return dst, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	var h [HeaderSize]byte
	h[0] = byte(typ)
	binary.LittleEndian.PutUint32(h[1:5], tick)
	binary.LittleEndian.PutUint16(h[5:7], uint16(len(payload)))
	dst = append(dst, h[:]...)
	return append(dst, payload...), nil
}

func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(b))
	}
	h := Header{
		Type:   MsgType(b[0]),
		Tick:   binary.LittleEndian.Uint32(b[1:5]),
		Length: binary.LittleEndian.Uint16(b[5:7]),
	}
	if !h.Type.valid() {
		return Header{}, fmt.Errorf("%w: %d", ErrUnknownType, b[0])
	}
	return h, nil
}

// ParseFrame parses a whole transport message. The payload aliases b.
func ParseFrame(b []byte) (Frame, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return Frame{}, err
	}
	if int(h.Length) != len(b)-HeaderSize {
		return Frame{}, fmt.Errorf("%w: header says %d, have %d", ErrLengthMismatch, h.Length, len(b)-HeaderSize)
	}
	return Frame{Type: h.Type, Tick: h.Tick, Payload: b[HeaderSize:]}, nil
}
