package modifiers

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"lockstep.gg/internal/sim/fixed"
)

// SourceType says what kind of game object granted a modifier.
type SourceType uint8

const (
	SourceUnknown SourceType = iota
	SourceEvent
	SourceBuilding
	SourceTechnology
	SourceDecision
	SourcePolicy
	SourceScript
)

// Scope is a level of the inheritance chain.
type Scope uint8

const (
	ScopeGlobal Scope = iota
	ScopeCountry
	ScopeProvince
)

func (s Scope) String() string {
	switch s {
	case ScopeGlobal:
		return "global"
	case ScopeCountry:
		return "country"
	case ScopeProvince:
		return "province"
	}
	return "unknown"
}

// Source is one stacked bonus. Multiplicative sources add to the (1 + sum)
// factor; additive ones add to the base. Temporary sources are removed by
// Expire once ExpiresTick is reached.
type Source struct {
	Type           SourceType
	SourceID       uint32
	ModType        TypeID
	Value          fixed.Value
	Multiplicative bool
	Temporary      bool
	ExpiresTick    uint32
}

// Checksum hashes the identity of a source: type, source id, modifier type,
// value and the multiplicative flag. Expiry bookkeeping is not part of it.
func (s Source) Checksum() uint32 {
	var b [16]byte
	b[0] = byte(s.Type)
	binary.LittleEndian.PutUint32(b[1:5], s.SourceID)
	binary.LittleEndian.PutUint16(b[5:7], uint16(s.ModType))
	binary.LittleEndian.PutUint64(b[7:15], uint64(s.Value))
	if s.Multiplicative {
		b[15] = 1
	}
	h := xxhash.Sum64(b[:])
	return uint32(h ^ h>>32)
}

// Flags packs the boolean fields for the wire.
func (s Source) Flags() uint8 {
	var f uint8
	if s.Multiplicative {
		f |= flagMultiplicative
	}
	if s.Temporary {
		f |= flagTemporary
	}
	return f
}

const (
	flagMultiplicative uint8 = 1 << iota
	flagTemporary
)

// FlagsKnown reports whether f only uses defined flag bits.
func FlagsKnown(f uint8) bool { return f&^(flagMultiplicative|flagTemporary) == 0 }

// SetFlags is the inverse of Flags.
func (s *Source) SetFlags(f uint8) {
	s.Multiplicative = f&flagMultiplicative != 0
	s.Temporary = f&flagTemporary != 0
}
