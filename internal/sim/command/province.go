package command

import (
	"encoding/binary"

	"lockstep.gg/internal/sim/state"
)

const (
	changeOwnerSize   = headerSize + 4
	setControllerSize = headerSize + 4
	setTerrainSize    = headerSize + 4
)

// ChangeOwner transfers a province to another country. The controller follows
// the new owner.
type ChangeOwner struct {
	Header
	Province state.ProvinceID
	NewOwner state.CountryID
}

func (c *ChangeOwner) Type() TypeID     { return TypeChangeOwner }
func (c *ChangeOwner) Size() int        { return changeOwnerSize }
func (c *ChangeOwner) Checksum() uint32 { return checksum(c) }

func (c *ChangeOwner) Validate(env *Env) error {
	if err := requireProvince(env, c.Province); err != nil {
		return err
	}
	if err := requireCountry(env, c.NewOwner); err != nil {
		return err
	}
	if env.State.OwnerOf(c.Province) == c.NewOwner {
		return preconditionFailed("province %d already owned by %d", c.Province, c.NewOwner)
	}
	return nil
}

func (c *ChangeOwner) Execute(env *ExecEnv) Result {
	old := env.State.OwnerOf(c.Province)
	if err := env.W.SetOwner(c.Province, c.NewOwner); err != nil {
		return failed(err)
	}
	if env.Modifiers != nil {
		env.Modifiers.OnOwnerChanged(c.Province)
	}
	r := succeeded()
	r.touch(EntityProvince, uint32(c.Province))
	if old != state.NoCountry {
		r.touch(EntityCountry, uint32(old))
	}
	r.touch(EntityCountry, uint32(c.NewOwner))
	return r
}

func (c *ChangeOwner) Encode(dst []byte) (int, error) {
	if err := checkEncode(dst, changeOwnerSize); err != nil {
		return 0, err
	}
	putHeader(dst, TypeChangeOwner, c.Tick)
	binary.LittleEndian.PutUint16(dst[5:7], uint16(c.Province))
	binary.LittleEndian.PutUint16(dst[7:9], uint16(c.NewOwner))
	return changeOwnerSize, nil
}

func (c *ChangeOwner) Decode(src []byte) (int, error) {
	tick, err := checkDecode(src, TypeChangeOwner, changeOwnerSize)
	if err != nil {
		return 0, err
	}
	c.Tick = tick
	c.Province = state.ProvinceID(binary.LittleEndian.Uint16(src[5:7]))
	c.NewOwner = state.CountryID(binary.LittleEndian.Uint16(src[7:9]))
	return changeOwnerSize, nil
}

// SetController overrides the controlling country (occupation) without
// changing ownership. NoCountry hands control back to nobody.
type SetController struct {
	Header
	Province   state.ProvinceID
	Controller state.CountryID
}

func (c *SetController) Type() TypeID     { return TypeSetController }
func (c *SetController) Size() int        { return setControllerSize }
func (c *SetController) Checksum() uint32 { return checksum(c) }

func (c *SetController) Validate(env *Env) error {
	if err := requireProvince(env, c.Province); err != nil {
		return err
	}
	if c.Controller != state.NoCountry {
		return requireCountry(env, c.Controller)
	}
	return nil
}

func (c *SetController) Execute(env *ExecEnv) Result {
	if err := env.W.SetController(c.Province, c.Controller); err != nil {
		return failed(err)
	}
	r := succeeded()
	r.touch(EntityProvince, uint32(c.Province))
	return r
}

func (c *SetController) Encode(dst []byte) (int, error) {
	if err := checkEncode(dst, setControllerSize); err != nil {
		return 0, err
	}
	putHeader(dst, TypeSetController, c.Tick)
	binary.LittleEndian.PutUint16(dst[5:7], uint16(c.Province))
	binary.LittleEndian.PutUint16(dst[7:9], uint16(c.Controller))
	return setControllerSize, nil
}

func (c *SetController) Decode(src []byte) (int, error) {
	tick, err := checkDecode(src, TypeSetController, setControllerSize)
	if err != nil {
		return 0, err
	}
	c.Tick = tick
	c.Province = state.ProvinceID(binary.LittleEndian.Uint16(src[5:7]))
	c.Controller = state.CountryID(binary.LittleEndian.Uint16(src[7:9]))
	return setControllerSize, nil
}

type SetTerrain struct {
	Header
	Province state.ProvinceID
	Terrain  uint16
}

func (c *SetTerrain) Type() TypeID     { return TypeSetTerrain }
func (c *SetTerrain) Size() int        { return setTerrainSize }
func (c *SetTerrain) Checksum() uint32 { return checksum(c) }

func (c *SetTerrain) Validate(env *Env) error {
	return requireProvince(env, c.Province)
}

func (c *SetTerrain) Execute(env *ExecEnv) Result {
	if err := env.W.SetTerrain(c.Province, c.Terrain); err != nil {
		return failed(err)
	}
	r := succeeded()
	r.touch(EntityProvince, uint32(c.Province))
	return r
}

func (c *SetTerrain) Encode(dst []byte) (int, error) {
	if err := checkEncode(dst, setTerrainSize); err != nil {
		return 0, err
	}
	putHeader(dst, TypeSetTerrain, c.Tick)
	binary.LittleEndian.PutUint16(dst[5:7], uint16(c.Province))
	binary.LittleEndian.PutUint16(dst[7:9], c.Terrain)
	return setTerrainSize, nil
}

func (c *SetTerrain) Decode(src []byte) (int, error) {
	tick, err := checkDecode(src, TypeSetTerrain, setTerrainSize)
	if err != nil {
		return 0, err
	}
	c.Tick = tick
	c.Province = state.ProvinceID(binary.LittleEndian.Uint16(src[5:7]))
	c.Terrain = binary.LittleEndian.Uint16(src[7:9])
	return setTerrainSize, nil
}
