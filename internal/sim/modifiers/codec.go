package modifiers

import (
	"fmt"
	"io"
	"slices"

	"lockstep.gg/internal/sim/encoding"
	"lockstep.gg/internal/sim/fixed"
)

const codecVersion = 1

// WriteTo writes the layout (declared types and capacities) followed by the
// global list, every country list and every province list, in id order.
func (m *System) WriteTo(w io.Writer) (int64, error) {
	e := encoding.NewWriter(w)
	e.Tag("MODS")
	e.U16(codecVersion)
	e.U32(uint32(m.reg.Len()))
	for _, n := range m.reg.names {
		e.String(n)
	}
	e.U32(uint32(m.cfg.Countries))
	e.U32(uint32(m.cfg.Provinces))
	e.U32(uint32(m.cfg.GlobalSources))
	e.U32(uint32(m.cfg.CountrySources))
	e.U32(uint32(m.cfg.ProvinceSources))

	e.Tag("GLOB")
	writeList(e, m.global.src)
	e.Tag("CSCP")
	for i := range m.countries {
		writeList(e, m.countries[i].src)
	}
	e.Tag("PSCP")
	for i := range m.provinces {
		writeList(e, m.provinces[i].src)
	}
	return e.N(), e.Err()
}

func writeList(e *encoding.Writer, srcs []Source) {
	e.U32(uint32(len(srcs)))
	for _, s := range srcs {
		e.U8(uint8(s.Type))
		e.U32(s.SourceID)
		e.U16(uint16(s.ModType))
		e.I64(int64(s.Value))
		e.U8(s.Flags())
		e.U32(s.ExpiresTick)
	}
}

// ReadFrom replaces the system's content with a saved section. A layout that
// differs from this build's registry or capacities is rejected before any
// scope is touched; a list longer than its scope's capacity fails with a
// *CapacityError.
func (m *System) ReadFrom(r io.Reader) (int64, error) {
	d := encoding.NewReader(r)
	d.Expect("MODS")
	if v := d.U16(); d.Err() == nil && v != codecVersion {
		return d.N(), fmt.Errorf("modifiers: unsupported section version %d", v)
	}
	nt := d.U32()
	if d.Err() == nil && nt > MaxTypes {
		return d.N(), fmt.Errorf("%w: %d types", ErrCapacityChange, nt)
	}
	var names []string
	for i := uint32(0); i < nt && d.Err() == nil; i++ {
		names = append(names, d.String())
	}
	got := Config{
		Countries:       int(d.U32()),
		Provinces:       int(d.U32()),
		GlobalSources:   int(d.U32()),
		CountrySources:  int(d.U32()),
		ProvinceSources: int(d.U32()),
	}
	if d.Err() != nil {
		return d.N(), d.Err()
	}
	if got != m.cfg {
		return d.N(), fmt.Errorf("%w: save %+v, system %+v", ErrCapacityChange, got, m.cfg)
	}
	if !slices.Equal(names, m.reg.names) {
		return d.N(), fmt.Errorf("%w: modifier types %v, registry %v", ErrCapacityChange, names, m.reg.names)
	}

	m.Reset()
	d.Expect("GLOB")
	m.readList(d, ScopeGlobal, 0, &m.global)
	d.Expect("CSCP")
	for i := range m.countries {
		m.readList(d, ScopeCountry, uint16(i), &m.countries[i])
	}
	d.Expect("PSCP")
	for i := range m.provinces {
		m.readList(d, ScopeProvince, uint16(i), &m.provinces[i])
	}
	if d.Err() != nil {
		m.Reset()
	}
	return d.N(), d.Err()
}

func (m *System) readList(d *encoding.Reader, sc Scope, target uint16, s *scopeData) {
	n := d.U32()
	if d.Err() != nil {
		return
	}
	if int(n) > cap(s.src) {
		d.Fail(&CapacityError{Scope: sc, Target: target, Capacity: cap(s.src)})
		return
	}
	for ; n > 0 && d.Err() == nil; n-- {
		src := Source{
			Type:     SourceType(d.U8()),
			SourceID: d.U32(),
			ModType:  TypeID(d.U16()),
			Value:    fixed.Value(d.I64()),
		}
		flags := d.U8()
		src.ExpiresTick = d.U32()
		if d.Err() != nil {
			return
		}
		if int(src.ModType) >= m.reg.Len() || !FlagsKnown(flags) {
			d.Fail(fmt.Errorf("modifiers: corrupt source in %s scope %d", sc, target))
			return
		}
		src.SetFlags(flags)
		s.src = append(s.src, src)
		if src.Temporary {
			s.noteExpiry(src.ExpiresTick)
		}
		m.total++
	}
}
