// Package checksum hashes simulation state for desync detection.
//
// Dense arrays are streamed in ascending id order. Lists whose storage order
// depends on history (opinion modifiers, modifier sources) are hashed as a
// multiset: every record is hashed alone and the record hashes are summed, so
// the same content reached by different command sequences hashes the same.
package checksum

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"lockstep.gg/internal/sim/modifiers"
	"lockstep.gg/internal/sim/random"
	"lockstep.gg/internal/sim/state"
)

// Sections holds the 64-bit hash of each part of the state.
type Sections struct {
	Provinces        uint64
	Countries        uint64
	Relations        uint64
	OpinionModifiers uint64
	Modifiers        uint64
	RNG              uint64
}

type Result struct {
	Tick        uint32
	MainHash    uint32
	EntityCount int
	Sections    Sections
}

// Input names what a full checksum covers. Nil parts hash as empty.
type Input struct {
	State     *state.Store
	Modifiers *modifiers.System
	RNG       *random.Rand
	Tick      uint32
}

// Checksum hashes the store's write buffer alone.
func Checksum(s *state.Store) Result {
	return NewValidator().Sum(Input{State: s})
}

func ChecksumAll(in Input) Result {
	return NewValidator().Sum(in)
}

// Validator reuses its digest between calls. Not safe for concurrent use.
type Validator struct {
	d   *xxhash.Digest
	rec [32]byte
}

func NewValidator() *Validator {
	return &Validator{d: xxhash.New()}
}

func (v *Validator) Sum(in Input) Result {
	r := Result{Tick: in.Tick}
	if in.State != nil {
		var n int
		r.Sections.Provinces, n = v.provinces(in.State)
		r.EntityCount += n
		r.Sections.Countries, n = v.countries(in.State)
		r.EntityCount += n
		r.Sections.Relations = v.relations(in.State)
		r.Sections.OpinionModifiers, n = v.opinionModifiers(in.State)
		r.EntityCount += n
	}
	if in.Modifiers != nil {
		var n int
		r.Sections.Modifiers, n = v.modifierSources(in.Modifiers)
		r.EntityCount += n
	}
	if in.RNG != nil {
		r.Sections.RNG = v.rng(in.RNG.State())
	}

	v.d.Reset()
	v.u32(in.Tick)
	v.u64(r.Sections.Provinces)
	v.u64(r.Sections.Countries)
	v.u64(r.Sections.Relations)
	v.u64(r.Sections.OpinionModifiers)
	v.u64(r.Sections.Modifiers)
	v.u64(r.Sections.RNG)
	r.MainHash = Fold(v.d.Sum64())
	return r
}

// Fold reduces a 64-bit hash to the 32 bits exchanged between peers.
func Fold(h uint64) uint32 { return uint32(h ^ h>>32) }

func (v *Validator) provinces(s *state.Store) (uint64, int) {
	v.d.Reset()
	n := 0
	for i, p := range s.Provinces() {
		id := state.ProvinceID(i)
		if !s.ProvinceRegistered(id) {
			continue
		}
		b := v.rec[:10]
		binary.LittleEndian.PutUint16(b[0:], uint16(id))
		binary.LittleEndian.PutUint16(b[2:], uint16(p.OwnerID))
		binary.LittleEndian.PutUint16(b[4:], uint16(p.ControllerID))
		binary.LittleEndian.PutUint16(b[6:], p.TerrainType)
		binary.LittleEndian.PutUint16(b[8:], p.GameDataSlot)
		v.d.Write(b)
		n++
	}
	return v.d.Sum64(), n
}

func (v *Validator) countries(s *state.Store) (uint64, int) {
	v.d.Reset()
	n := 0
	for i, c := range s.Countries() {
		id := state.CountryID(i)
		if !s.CountryRegistered(id) {
			continue
		}
		b := v.rec[:18]
		binary.LittleEndian.PutUint16(b[0:], uint16(id))
		binary.LittleEndian.PutUint16(b[2:], uint16(c.Flags))
		binary.LittleEndian.PutUint16(b[4:], uint16(c.Capital))
		binary.LittleEndian.PutUint32(b[6:], uint32(c.Manpower))
		binary.LittleEndian.PutUint64(b[10:], uint64(c.Treasury))
		v.d.Write(b)
		n++
	}
	return v.d.Sum64(), n
}

func (v *Validator) relations(s *state.Store) uint64 {
	v.d.Reset()
	s.ForEachRelation(func(from, to state.CountryID, rel state.RelationData) {
		b := v.rec[:12]
		binary.LittleEndian.PutUint16(b[0:], uint16(from))
		binary.LittleEndian.PutUint16(b[2:], uint16(to))
		binary.LittleEndian.PutUint16(b[4:], uint16(rel.Opinion))
		binary.LittleEndian.PutUint16(b[6:], uint16(rel.Treaties))
		binary.LittleEndian.PutUint32(b[8:], rel.LastContact)
		v.d.Write(b)
	})
	return v.d.Sum64()
}

func (v *Validator) opinionModifiers(s *state.Store) (uint64, int) {
	var set multiset
	for _, m := range s.OpinionModifiers() {
		b := v.rec[:30]
		binary.LittleEndian.PutUint16(b[0:], uint16(m.From))
		binary.LittleEndian.PutUint16(b[2:], uint16(m.To))
		binary.LittleEndian.PutUint16(b[4:], m.Source)
		binary.LittleEndian.PutUint64(b[6:], uint64(m.Value))
		binary.LittleEndian.PutUint64(b[14:], uint64(m.DecayPerTick))
		binary.LittleEndian.PutUint32(b[22:], m.CreatedTick)
		binary.LittleEndian.PutUint32(b[26:], m.LastDecayTick)
		set.add(b)
	}
	return v.finish(set), set.n
}

func (v *Validator) modifierSources(m *modifiers.System) (uint64, int) {
	var set multiset
	m.ForEach(func(sc modifiers.Scope, target uint16, srcs []modifiers.Source) {
		for _, src := range srcs {
			b := v.rec[:23]
			b[0] = byte(sc)
			binary.LittleEndian.PutUint16(b[1:], target)
			b[3] = byte(src.Type)
			binary.LittleEndian.PutUint32(b[4:], src.SourceID)
			binary.LittleEndian.PutUint16(b[8:], uint16(src.ModType))
			binary.LittleEndian.PutUint64(b[10:], uint64(src.Value))
			b[18] = src.Flags()
			binary.LittleEndian.PutUint32(b[19:], src.ExpiresTick)
			set.add(b)
		}
	})
	return v.finish(set), set.n
}

func (v *Validator) rng(st random.State) uint64 {
	v.d.Reset()
	v.u64(st.Seed)
	for _, x := range st.S {
		v.u64(x)
	}
	return v.d.Sum64()
}

// multiset sums record hashes with wrapping addition so duplicate records
// do not cancel out.
type multiset struct {
	sum uint64
	n   int
}

func (m *multiset) add(rec []byte) {
	m.sum += xxhash.Sum64(rec)
	m.n++
}

func (v *Validator) finish(m multiset) uint64 {
	v.d.Reset()
	v.u64(m.sum)
	v.u64(uint64(m.n))
	return v.d.Sum64()
}

func (v *Validator) u32(x uint32) {
	binary.LittleEndian.PutUint32(v.rec[:4], x)
	v.d.Write(v.rec[:4])
}

func (v *Validator) u64(x uint64) {
	binary.LittleEndian.PutUint64(v.rec[:8], x)
	v.d.Write(v.rec[:8])
}
