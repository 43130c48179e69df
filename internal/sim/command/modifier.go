package command

import (
	"encoding/binary"

	"lockstep.gg/internal/sim/fixed"
	"lockstep.gg/internal/sim/modifiers"
	"lockstep.gg/internal/sim/state"
)

const (
	// tick, scope u8, target u16, type u8, id u32, modType u16, value i64, flags u8, expires u32
	addModifierSize = headerSize + 1 + 2 + 1 + 4 + 2 + 8 + 1 + 4
	// tick, scope u8, target u16, type u8, id u32
	removeModifierSize = headerSize + 1 + 2 + 1 + 4
)

func validateScope(env *Env, sc modifiers.Scope, target uint16) error {
	if env.Modifiers == nil {
		return preconditionFailed("modifier system not available")
	}
	switch sc {
	case modifiers.ScopeGlobal:
		if target != 0 {
			return invalidParameters("global scope target must be 0, got %d", target)
		}
	case modifiers.ScopeCountry:
		return requireCountry(env, state.CountryID(target))
	case modifiers.ScopeProvince:
		return requireProvince(env, state.ProvinceID(target))
	default:
		return invalidParameters("unknown scope %d", sc)
	}
	return nil
}

func scopeRef(sc modifiers.Scope, target uint16) uint32 {
	return uint32(sc)<<16 | uint32(target)
}

// AddModifier attaches a modifier source to a scope.
type AddModifier struct {
	Header
	Scope  modifiers.Scope
	Target uint16
	Source modifiers.Source
}

func (c *AddModifier) Type() TypeID     { return TypeAddModifier }
func (c *AddModifier) Size() int        { return addModifierSize }
func (c *AddModifier) Checksum() uint32 { return checksum(c) }

func (c *AddModifier) Validate(env *Env) error {
	if err := validateScope(env, c.Scope, c.Target); err != nil {
		return err
	}
	if int(c.Source.ModType) >= env.Modifiers.Registry().Len() {
		return invalidParameters("unknown modifier type %d", c.Source.ModType)
	}
	if c.Source.Temporary && c.Source.ExpiresTick <= c.Tick {
		return invalidParameters("temporary modifier expires at %d, not after tick %d", c.Source.ExpiresTick, c.Tick)
	}
	if env.Modifiers.Room(c.Scope, c.Target) == 0 {
		return preconditionFailed("%s scope %d is full", c.Scope, c.Target)
	}
	return nil
}

func (c *AddModifier) Execute(env *ExecEnv) Result {
	if err := env.Modifiers.Add(c.Scope, c.Target, c.Source); err != nil {
		return failed(err)
	}
	r := succeeded()
	r.touch(EntityScope, scopeRef(c.Scope, c.Target))
	return r
}

func (c *AddModifier) Encode(dst []byte) (int, error) {
	if err := checkEncode(dst, addModifierSize); err != nil {
		return 0, err
	}
	putHeader(dst, TypeAddModifier, c.Tick)
	dst[5] = byte(c.Scope)
	binary.LittleEndian.PutUint16(dst[6:8], c.Target)
	dst[8] = byte(c.Source.Type)
	binary.LittleEndian.PutUint32(dst[9:13], c.Source.SourceID)
	binary.LittleEndian.PutUint16(dst[13:15], uint16(c.Source.ModType))
	binary.LittleEndian.PutUint64(dst[15:23], uint64(c.Source.Value))
	dst[23] = c.Source.Flags()
	binary.LittleEndian.PutUint32(dst[24:28], c.Source.ExpiresTick)
	return addModifierSize, nil
}

func (c *AddModifier) Decode(src []byte) (int, error) {
	tick, err := checkDecode(src, TypeAddModifier, addModifierSize)
	if err != nil {
		return 0, err
	}
	c.Tick = tick
	c.Scope = modifiers.Scope(src[5])
	c.Target = binary.LittleEndian.Uint16(src[6:8])
	c.Source = modifiers.Source{
		Type:        modifiers.SourceType(src[8]),
		SourceID:    binary.LittleEndian.Uint32(src[9:13]),
		ModType:     modifiers.TypeID(binary.LittleEndian.Uint16(src[13:15])),
		Value:       fixed.Value(binary.LittleEndian.Uint64(src[15:23])),
		ExpiresTick: binary.LittleEndian.Uint32(src[24:28]),
	}
	c.Source.SetFlags(src[23])
	return addModifierSize, nil
}

// RemoveModifier drops every source of (SourceType, SourceID) from a scope.
type RemoveModifier struct {
	Header
	Scope      modifiers.Scope
	Target     uint16
	SourceType modifiers.SourceType
	SourceID   uint32
}

func (c *RemoveModifier) Type() TypeID     { return TypeRemoveModifier }
func (c *RemoveModifier) Size() int        { return removeModifierSize }
func (c *RemoveModifier) Checksum() uint32 { return checksum(c) }

func (c *RemoveModifier) Validate(env *Env) error {
	if err := validateScope(env, c.Scope, c.Target); err != nil {
		return err
	}
	for _, s := range env.Modifiers.Sources(c.Scope, c.Target) {
		if s.Type == c.SourceType && s.SourceID == c.SourceID {
			return nil
		}
	}
	return preconditionFailed("no source %d/%d in %s scope %d", c.SourceType, c.SourceID, c.Scope, c.Target)
}

func (c *RemoveModifier) Execute(env *ExecEnv) Result {
	if _, err := env.Modifiers.RemoveBySource(c.Scope, c.Target, c.SourceType, c.SourceID); err != nil {
		return failed(err)
	}
	r := succeeded()
	r.touch(EntityScope, scopeRef(c.Scope, c.Target))
	return r
}

func (c *RemoveModifier) Encode(dst []byte) (int, error) {
	if err := checkEncode(dst, removeModifierSize); err != nil {
		return 0, err
	}
	putHeader(dst, TypeRemoveModifier, c.Tick)
	dst[5] = byte(c.Scope)
	binary.LittleEndian.PutUint16(dst[6:8], c.Target)
	dst[8] = byte(c.SourceType)
	binary.LittleEndian.PutUint32(dst[9:13], c.SourceID)
	return removeModifierSize, nil
}

func (c *RemoveModifier) Decode(src []byte) (int, error) {
	tick, err := checkDecode(src, TypeRemoveModifier, removeModifierSize)
	if err != nil {
		return 0, err
	}
	c.Tick = tick
	c.Scope = modifiers.Scope(src[5])
	c.Target = binary.LittleEndian.Uint16(src[6:8])
	c.SourceType = modifiers.SourceType(src[8])
	c.SourceID = binary.LittleEndian.Uint32(src[9:13])
	return removeModifierSize, nil
}
