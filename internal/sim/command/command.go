// Package command defines the typed mutation requests that are the only way
// simulation state changes, together with their fixed-size wire records.
package command

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"lockstep.gg/internal/sim/modifiers"
	"lockstep.gg/internal/sim/state"
)

var (
	// ErrInvalidEntity indicates a command referencing an unknown entity.
	ErrInvalidEntity = errors.New("invalid entity")
	// ErrInvalidParameters indicates out-of-range or contradictory arguments.
	ErrInvalidParameters = errors.New("invalid parameters")
	// ErrPreconditionFailed indicates a state that does not allow the command.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrUnknownCommandType indicates an unregistered wire tag.
	ErrUnknownCommandType = errors.New("unknown command type")
	// ErrTruncatedPayload indicates a buffer shorter than the tag's record size.
	ErrTruncatedPayload = errors.New("truncated payload")
	// ErrShortBuffer indicates an encode destination that is too small.
	ErrShortBuffer = errors.New("command: destination buffer too small")
)

// TypeID is the stable one-byte wire tag of a command type.
type TypeID uint8

// PlayerID identifies the peer that issued a command.
type PlayerID uint16

// Meta is the envelope shared by every command.
type Meta struct {
	Tick   uint32
	Player PlayerID
}

type Kind uint8

const (
	KindInvalidEntity Kind = iota + 1
	KindInvalidParameters
	KindPreconditionFailed
)

func (k Kind) String() string {
	switch k {
	case KindInvalidEntity:
		return "InvalidEntity"
	case KindInvalidParameters:
		return "InvalidParameters"
	case KindPreconditionFailed:
		return "PreconditionFailed"
	}
	return "Unknown"
}

// ValidationError is returned by Validate. It unwraps to one of the three
// validation sentinels so callers can use errors.Is.
type ValidationError struct {
	Kind Kind
	Msg  string
}

func (e *ValidationError) Error() string { return e.Kind.String() + ": " + e.Msg }

func (e *ValidationError) Unwrap() error {
	switch e.Kind {
	case KindInvalidEntity:
		return ErrInvalidEntity
	case KindInvalidParameters:
		return ErrInvalidParameters
	case KindPreconditionFailed:
		return ErrPreconditionFailed
	}
	return nil
}

func invalidEntity(format string, args ...any) error {
	return &ValidationError{Kind: KindInvalidEntity, Msg: fmt.Sprintf(format, args...)}
}

func invalidParameters(format string, args ...any) error {
	return &ValidationError{Kind: KindInvalidParameters, Msg: fmt.Sprintf(format, args...)}
}

func preconditionFailed(format string, args ...any) error {
	return &ValidationError{Kind: KindPreconditionFailed, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the validation kind from err, or 0.
func KindOf(err error) Kind {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return 0
}

// Env is the read-only context handed to Validate.
type Env struct {
	State     *state.Store
	Modifiers *modifiers.System
}

// ExecEnv adds the store writer for Execute.
type ExecEnv struct {
	Env
	W *state.Writer
}

type EntityKind uint8

const (
	EntityProvince EntityKind = iota + 1
	EntityCountry
	EntityRelation
	EntityScope
)

// EntityRef names a mutated entity. Relation refs pack (from<<16 | to); scope
// refs pack (scope<<16 | target).
type EntityRef struct {
	Kind EntityKind
	ID   uint32
}

// MaxAffected bounds the entity refs a single command reports.
const MaxAffected = 4

// Result reports the outcome of Execute. Affected refs live in a fixed array
// so executing a command does not allocate.
type Result struct {
	OK       bool
	Err      error
	affected [MaxAffected]EntityRef
	n        uint8
}

func (r *Result) touch(kind EntityKind, id uint32) {
	if int(r.n) < MaxAffected {
		r.affected[r.n] = EntityRef{Kind: kind, ID: id}
		r.n++
	}
}

// Affected returns the mutated entity refs.
func (r *Result) Affected() []EntityRef { return r.affected[:r.n] }

func succeeded() Result { return Result{OK: true} }

func failed(err error) Result { return Result{Err: err} }

// Command is implemented by every concrete command type.
type Command interface {
	Type() TypeID
	Meta() Meta
	SetPlayer(PlayerID)
	// Validate must not mutate anything.
	Validate(env *Env) error
	// Execute runs only after Validate passed against the same state.
	Execute(env *ExecEnv) Result
	// Size is the fixed wire size including the tag byte.
	Size() int
	Encode(dst []byte) (int, error)
	Decode(src []byte) (int, error)
	Checksum() uint32
}

// Header carries the envelope fields; concrete commands embed it.
type Header struct {
	Tick   uint32
	Player PlayerID
}

func (h *Header) Meta() Meta           { return Meta{Tick: h.Tick, Player: h.Player} }
func (h *Header) SetPlayer(p PlayerID) { h.Player = p }

// headerSize is tag + tick.
const headerSize = 5

func putHeader(dst []byte, tag TypeID, tick uint32) {
	dst[0] = byte(tag)
	binary.LittleEndian.PutUint32(dst[1:5], tick)
}

// checkEncode reports ErrShortBuffer for dst shorter than size.
func checkEncode(dst []byte, size int) error {
	if len(dst) < size {
		return fmt.Errorf("%w: need %d, have %d", ErrShortBuffer, size, len(dst))
	}
	return nil
}

// checkDecode verifies the tag and the record length and returns the tick.
func checkDecode(src []byte, tag TypeID, size int) (uint32, error) {
	if len(src) == 0 {
		return 0, fmt.Errorf("%w: empty buffer", ErrTruncatedPayload)
	}
	if TypeID(src[0]) != tag {
		return 0, fmt.Errorf("%w: tag %d, want %d", ErrUnknownCommandType, src[0], tag)
	}
	if len(src) < size {
		return 0, fmt.Errorf("%w: %s needs %d bytes, have %d", ErrTruncatedPayload, Name(tag), size, len(src))
	}
	return binary.LittleEndian.Uint32(src[1:5]), nil
}

// checksum hashes the little-endian wire record plus the issuing player, so
// it does not depend on host byte order.
func checksum(c Command) uint32 {
	var buf [maxRecordSize + 2]byte
	n, err := c.Encode(buf[:])
	if err != nil {
		return 0
	}
	binary.LittleEndian.PutUint16(buf[n:n+2], uint16(c.Meta().Player))
	h := xxhash.Sum64(buf[:n+2])
	return uint32(h ^ h>>32)
}

// StreamChecksum folds the checksums of an ordered command stream.
func StreamChecksum(cmds []Command) uint32 {
	d := xxhash.New()
	var b [4]byte
	for _, c := range cmds {
		binary.LittleEndian.PutUint32(b[:], c.Checksum())
		_, _ = d.Write(b[:])
	}
	h := d.Sum64()
	return uint32(h ^ h>>32)
}

func requireProvince(env *Env, id state.ProvinceID) error {
	if !env.State.ProvinceRegistered(id) {
		return invalidEntity("province %d does not exist", id)
	}
	return nil
}

func requireCountry(env *Env, id state.CountryID) error {
	if !env.State.CountryRegistered(id) {
		return invalidEntity("country %d does not exist", id)
	}
	return nil
}
