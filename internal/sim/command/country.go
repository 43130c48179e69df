package command

import (
	"encoding/binary"
	"fmt"

	"lockstep.gg/internal/sim/fixed"
	"lockstep.gg/internal/sim/state"
)

// tick, country u16, delta i64
const adjustTreasurySize = headerSize + 2 + 8

// AdjustTreasury adds Delta (possibly negative) to a country's treasury. A
// debit that would overdraw the treasury is refused.
type AdjustTreasury struct {
	Header
	Country state.CountryID
	Delta   fixed.Value
}

func (c *AdjustTreasury) Type() TypeID     { return TypeAdjustTreasury }
func (c *AdjustTreasury) Size() int        { return adjustTreasurySize }
func (c *AdjustTreasury) Checksum() uint32 { return checksum(c) }

func (c *AdjustTreasury) Validate(env *Env) error {
	if err := requireCountry(env, c.Country); err != nil {
		return err
	}
	if c.Delta == 0 {
		return invalidParameters("zero treasury delta")
	}
	hot, err := env.State.Country(c.Country)
	if err != nil {
		return invalidEntity("country %d: %v", c.Country, err)
	}
	next, ok := hot.Treasury.AddChecked(c.Delta)
	if !ok {
		return invalidParameters("country %d treasury %s cannot take %s", c.Country, hot.Treasury, c.Delta)
	}
	if next < 0 {
		return preconditionFailed("country %d cannot pay %s from %s", c.Country, c.Delta.Neg(), hot.Treasury)
	}
	return nil
}

func (c *AdjustTreasury) Execute(env *ExecEnv) Result {
	hot, err := env.State.Country(c.Country)
	if err != nil {
		return failed(err)
	}
	next, ok := hot.Treasury.AddChecked(c.Delta)
	if !ok || next < 0 {
		return failed(fmt.Errorf("country %d treasury %s cannot take %s", c.Country, hot.Treasury, c.Delta))
	}
	hot.Treasury = next
	if err := env.W.SetCountry(c.Country, hot); err != nil {
		return failed(err)
	}
	r := succeeded()
	r.touch(EntityCountry, uint32(c.Country))
	return r
}

func (c *AdjustTreasury) Encode(dst []byte) (int, error) {
	if err := checkEncode(dst, adjustTreasurySize); err != nil {
		return 0, err
	}
	putHeader(dst, TypeAdjustTreasury, c.Tick)
	binary.LittleEndian.PutUint16(dst[5:7], uint16(c.Country))
	binary.LittleEndian.PutUint64(dst[7:15], uint64(c.Delta))
	return adjustTreasurySize, nil
}

func (c *AdjustTreasury) Decode(src []byte) (int, error) {
	tick, err := checkDecode(src, TypeAdjustTreasury, adjustTreasurySize)
	if err != nil {
		return 0, err
	}
	c.Tick = tick
	c.Country = state.CountryID(binary.LittleEndian.Uint16(src[5:7]))
	c.Delta = fixed.Value(binary.LittleEndian.Uint64(src[7:15]))
	return adjustTreasurySize, nil
}
