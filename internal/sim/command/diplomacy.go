package command

import (
	"encoding/binary"

	"lockstep.gg/internal/sim/fixed"
	"lockstep.gg/internal/sim/state"
)

const (
	// tick, from u16, to u16, source u16, value i64, decay i64
	addOpinionModifierSize = headerSize + 2 + 2 + 2 + 8 + 8
	// tick, from u16, to u16, treaty u16, on u8
	setTreatySize = headerSize + 2 + 2 + 2 + 1
)

func relationRef(from, to state.CountryID) uint32 { return uint32(from)<<16 | uint32(to) }

func requirePair(env *Env, from, to state.CountryID) error {
	if err := requireCountry(env, from); err != nil {
		return err
	}
	if err := requireCountry(env, to); err != nil {
		return err
	}
	if from == to {
		return invalidParameters("country %d cannot target itself", from)
	}
	return nil
}

// AddOpinionModifier records a decaying opinion change of From towards To.
type AddOpinionModifier struct {
	Header
	From, To state.CountryID
	Source   uint16
	Value    fixed.Value
	Decay    fixed.Value
}

func (c *AddOpinionModifier) Type() TypeID     { return TypeAddOpinionModifier }
func (c *AddOpinionModifier) Size() int        { return addOpinionModifierSize }
func (c *AddOpinionModifier) Checksum() uint32 { return checksum(c) }

func (c *AddOpinionModifier) Validate(env *Env) error {
	if err := requirePair(env, c.From, c.To); err != nil {
		return err
	}
	if c.Value == 0 {
		return invalidParameters("opinion modifier without value")
	}
	if c.Decay < 0 {
		return invalidParameters("negative decay %s", c.Decay)
	}
	if span := env.State.OpinionSpan(); c.Value > span || c.Value < -span {
		return invalidParameters("opinion modifier %s outside +-%s", c.Value, span)
	}
	if env.State.OpinionModifierRoom() == 0 {
		return preconditionFailed("opinion modifier store is full")
	}
	return nil
}

func (c *AddOpinionModifier) Execute(env *ExecEnv) Result {
	err := env.W.AddOpinionModifier(state.OpinionModifier{
		From:          c.From,
		To:            c.To,
		Source:        c.Source,
		Value:         c.Value,
		DecayPerTick:  c.Decay,
		CreatedTick:   c.Tick,
		LastDecayTick: c.Tick,
	})
	if err != nil {
		return failed(err)
	}
	r := succeeded()
	r.touch(EntityRelation, relationRef(c.From, c.To))
	return r
}

func (c *AddOpinionModifier) Encode(dst []byte) (int, error) {
	if err := checkEncode(dst, addOpinionModifierSize); err != nil {
		return 0, err
	}
	putHeader(dst, TypeAddOpinionModifier, c.Tick)
	binary.LittleEndian.PutUint16(dst[5:7], uint16(c.From))
	binary.LittleEndian.PutUint16(dst[7:9], uint16(c.To))
	binary.LittleEndian.PutUint16(dst[9:11], c.Source)
	binary.LittleEndian.PutUint64(dst[11:19], uint64(c.Value))
	binary.LittleEndian.PutUint64(dst[19:27], uint64(c.Decay))
	return addOpinionModifierSize, nil
}

func (c *AddOpinionModifier) Decode(src []byte) (int, error) {
	tick, err := checkDecode(src, TypeAddOpinionModifier, addOpinionModifierSize)
	if err != nil {
		return 0, err
	}
	c.Tick = tick
	c.From = state.CountryID(binary.LittleEndian.Uint16(src[5:7]))
	c.To = state.CountryID(binary.LittleEndian.Uint16(src[7:9]))
	c.Source = binary.LittleEndian.Uint16(src[9:11])
	c.Value = fixed.Value(binary.LittleEndian.Uint64(src[11:19]))
	c.Decay = fixed.Value(binary.LittleEndian.Uint64(src[19:27]))
	return addOpinionModifierSize, nil
}

// SetTreaty signs (On) or breaks treaty bits between two countries; treaties
// are symmetric.
type SetTreaty struct {
	Header
	From, To state.CountryID
	Treaty   state.Treaty
	On       bool
}

func (c *SetTreaty) Type() TypeID     { return TypeSetTreaty }
func (c *SetTreaty) Size() int        { return setTreatySize }
func (c *SetTreaty) Checksum() uint32 { return checksum(c) }

func (c *SetTreaty) Validate(env *Env) error {
	if err := requirePair(env, c.From, c.To); err != nil {
		return err
	}
	if c.Treaty == 0 || c.Treaty&^state.AllTreaties != 0 {
		return invalidParameters("treaty mask %#x", uint16(c.Treaty))
	}
	rel, err := env.State.Relation(c.From, c.To)
	if err != nil {
		return invalidEntity("relation %d->%d: %v", c.From, c.To, err)
	}
	if c.On && c.Treaty&(state.TreatyAlliance|state.TreatyMilitaryAccess) != 0 && rel.Treaties&state.TreatyWar != 0 {
		return preconditionFailed("countries %d and %d are at war", c.From, c.To)
	}
	return nil
}

func (c *SetTreaty) Execute(env *ExecEnv) Result {
	if err := env.W.SetTreaty(c.From, c.To, c.Treaty, c.On, c.Tick); err != nil {
		return failed(err)
	}
	r := succeeded()
	r.touch(EntityRelation, relationRef(c.From, c.To))
	r.touch(EntityRelation, relationRef(c.To, c.From))
	return r
}

func (c *SetTreaty) Encode(dst []byte) (int, error) {
	if err := checkEncode(dst, setTreatySize); err != nil {
		return 0, err
	}
	putHeader(dst, TypeSetTreaty, c.Tick)
	binary.LittleEndian.PutUint16(dst[5:7], uint16(c.From))
	binary.LittleEndian.PutUint16(dst[7:9], uint16(c.To))
	binary.LittleEndian.PutUint16(dst[9:11], uint16(c.Treaty))
	dst[11] = 0
	if c.On {
		dst[11] = 1
	}
	return setTreatySize, nil
}

func (c *SetTreaty) Decode(src []byte) (int, error) {
	tick, err := checkDecode(src, TypeSetTreaty, setTreatySize)
	if err != nil {
		return 0, err
	}
	c.Tick = tick
	c.From = state.CountryID(binary.LittleEndian.Uint16(src[5:7]))
	c.To = state.CountryID(binary.LittleEndian.Uint16(src[7:9]))
	c.Treaty = state.Treaty(binary.LittleEndian.Uint16(src[9:11]))
	c.On = src[11] != 0
	return setTreatySize, nil
}
