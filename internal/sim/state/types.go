package state

import (
	"errors"
	"fmt"

	"lockstep.gg/internal/sim/fixed"
)

// ProvinceID and CountryID are arena handles: they index the pre-allocated
// entity arrays directly.
type (
	ProvinceID uint16
	CountryID  uint16
)

// NoCountry marks an unowned province. It is never a registered country.
const NoCountry CountryID = 0

var (
	ErrOutOfRange     = errors.New("state: id out of range")
	ErrNotRegistered  = errors.New("state: entity not registered")
	ErrDuplicate      = errors.New("state: entity already registered")
	ErrLoadFinished   = errors.New("state: load phase already finished")
	ErrLoading        = errors.New("state: store is still loading")
	ErrNotExecuting   = errors.New("state: mutation outside command execution")
	ErrModifiersFull  = errors.New("state: opinion modifier store is full")
	ErrModifierRange  = errors.New("state: opinion modifier exceeds the opinion range")
	ErrReservedID     = errors.New("state: id 0 is reserved")
	ErrCapacityChange = errors.New("state: saved capacities do not match")
)

// CapacityError reports which fixed capacity a load tried to exceed.
type CapacityError struct {
	Kind     string
	Capacity int
	ID       int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("state: %s capacity %d exceeded (id %d)", e.Kind, e.Capacity, e.ID)
}

// Config fixes the store's capacities and opinion clamp at construction.
type Config struct {
	Provinces        int
	Countries        int
	OpinionModifiers int

	OpinionMin fixed.Value
	OpinionMax fixed.Value
}

func (c Config) validate() error {
	switch {
	case c.Provinces <= 0 || c.Provinces > 1<<16:
		return fmt.Errorf("state: province capacity %d not in (0, 65536]", c.Provinces)
	case c.Countries <= 1 || c.Countries > 1<<16:
		return fmt.Errorf("state: country capacity %d not in (1, 65536]", c.Countries)
	case c.OpinionModifiers < 0:
		return fmt.Errorf("state: negative opinion modifier capacity")
	case c.OpinionMin > c.OpinionMax:
		return fmt.Errorf("state: opinion range [%s, %s] is empty", c.OpinionMin, c.OpinionMax)
	}
	return nil
}

// ProvinceState is the 8-byte hot record of a province.
type ProvinceState struct {
	OwnerID      CountryID
	ControllerID CountryID
	TerrainType  uint16
	// GameDataSlot is an opaque index owned by layers above the core.
	GameDataSlot uint16
}

type CountryFlags uint16

const (
	CountryPlayable CountryFlags = 1 << iota
	CountryAIControlled
	CountryAtWar
	CountryBankrupt
	CountryEliminated
)

// CountryHot is iterated every tick; keep it small.
type CountryHot struct {
	Flags    CountryFlags
	Capital  ProvinceID
	Manpower int32
	Treasury fixed.Value
}

// CountryCold holds rarely read presentation data.
type CountryCold struct {
	Tag      string
	Name     string
	Color    [3]uint8
	Metadata map[string]string
}

type Treaty uint16

const (
	TreatyAlliance Treaty = 1 << iota
	TreatyRoyalMarriage
	TreatyGuarantee
	TreatyMilitaryAccess
	TreatyTruce
	TreatyWar
)

// AllTreaties is the mask of defined treaty bits.
const AllTreaties = TreatyAlliance | TreatyRoyalMarriage | TreatyGuarantee | TreatyMilitaryAccess | TreatyTruce | TreatyWar

// RelationData is the 8-byte record for the ordered pair (from, to).
type RelationData struct {
	Opinion     int16
	Treaties    Treaty
	LastContact uint32
}

// OpinionModifier is a cold, decaying adjustment of one relation's opinion.
// Value moves toward zero by DecayPerTick for every tick elapsed since
// LastDecayTick; a zero DecayPerTick never decays.
type OpinionModifier struct {
	From, To      CountryID
	Source        uint16
	Value         fixed.Value
	DecayPerTick  fixed.Value
	CreatedTick   uint32
	LastDecayTick uint32
}

// Current returns the value the modifier would have after decaying to tick.
func (m OpinionModifier) Current(tick uint32) fixed.Value {
	if m.DecayPerTick <= 0 || tick <= m.LastDecayTick || m.Value == 0 {
		return m.Value
	}
	step := m.DecayPerTick.MulInt(int64(tick - m.LastDecayTick))
	if m.Value > 0 {
		if step >= m.Value {
			return 0
		}
		return m.Value - step
	}
	if step >= -m.Value {
		return 0
	}
	return m.Value + step
}
