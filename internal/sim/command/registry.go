package command

import (
	"fmt"
	"slices"
)

const (
	TypeChangeOwner TypeID = iota + 1
	TypeSetController
	TypeSetTerrain
	TypeAddModifier
	TypeRemoveModifier
	TypeAddOpinionModifier
	TypeSetTreaty
	TypeAdjustTreasury
)

// maxRecordSize is the largest fixed record in the registry.
const maxRecordSize = 32

type registration struct {
	tag  TypeID
	name string
	size int
	new  func() Command
}

// registry is sorted by tag; tags are dense from 1 so lookup is an index.
var registry = []registration{
	{TypeChangeOwner, "change_owner", changeOwnerSize, func() Command { return &ChangeOwner{} }},
	{TypeSetController, "set_controller", setControllerSize, func() Command { return &SetController{} }},
	{TypeSetTerrain, "set_terrain", setTerrainSize, func() Command { return &SetTerrain{} }},
	{TypeAddModifier, "add_modifier", addModifierSize, func() Command { return &AddModifier{} }},
	{TypeRemoveModifier, "remove_modifier", removeModifierSize, func() Command { return &RemoveModifier{} }},
	{TypeAddOpinionModifier, "add_opinion_modifier", addOpinionModifierSize, func() Command { return &AddOpinionModifier{} }},
	{TypeSetTreaty, "set_treaty", setTreatySize, func() Command { return &SetTreaty{} }},
	{TypeAdjustTreasury, "adjust_treasury", adjustTreasurySize, func() Command { return &AdjustTreasury{} }},
}

func init() {
	for i, r := range registry {
		if int(r.tag) != i+1 {
			panic(fmt.Sprintf("command: registry entry %d has tag %d", i, r.tag))
		}
		c := r.new()
		if c.Type() != r.tag || c.Size() != r.size || r.size > maxRecordSize {
			panic(fmt.Sprintf("command: registry entry %s is inconsistent", r.name))
		}
	}
}

func lookup(tag TypeID) (registration, bool) {
	if tag == 0 || int(tag) > len(registry) {
		return registration{}, false
	}
	return registry[tag-1], true
}

// New returns a zero command for tag.
func New(tag TypeID) (Command, error) {
	r, ok := lookup(tag)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCommandType, tag)
	}
	return r.new(), nil
}

// Name returns the registered name of tag, or "unknown".
func Name(tag TypeID) string {
	if r, ok := lookup(tag); ok {
		return r.name
	}
	return "unknown"
}

// Size returns the fixed record size of tag.
func Size(tag TypeID) (int, bool) {
	r, ok := lookup(tag)
	return r.size, ok
}

// Types lists the registered tags in ascending order.
func Types() []TypeID {
	out := make([]TypeID, 0, len(registry))
	for _, r := range registry {
		out = append(out, r.tag)
	}
	return out
}

// ByName resolves a registered name, as used in journals and tooling.
func ByName(name string) (TypeID, bool) {
	i := slices.IndexFunc(registry, func(r registration) bool { return r.name == name })
	if i < 0 {
		return 0, false
	}
	return registry[i].tag, true
}

// Decode reads one record from src and returns it with the bytes consumed.
func Decode(src []byte) (Command, int, error) {
	if len(src) == 0 {
		return nil, 0, fmt.Errorf("%w: empty buffer", ErrTruncatedPayload)
	}
	r, ok := lookup(TypeID(src[0]))
	if !ok {
		return nil, 0, fmt.Errorf("%w: %d", ErrUnknownCommandType, src[0])
	}
	if len(src) < r.size {
		return nil, 0, fmt.Errorf("%w: %s needs %d bytes, have %d", ErrTruncatedPayload, r.name, r.size, len(src))
	}
	c := r.new()
	n, err := c.Decode(src)
	if err != nil {
		return nil, 0, err
	}
	return c, n, nil
}

// Encode appends c's record to dst.
func Encode(dst []byte, c Command) ([]byte, error) {
	start := len(dst)
	dst = slices.Grow(dst, c.Size())[:start+c.Size()]
	if _, err := c.Encode(dst[start:]); err != nil {
		return dst[:start], err
	}
	return dst, nil
}
