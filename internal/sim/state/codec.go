package state

import (
	"fmt"
	"io"
	"sort"

	"lockstep.gg/internal/sim/encoding"
	"lockstep.gg/internal/sim/fixed"
)

const codecVersion = 1

// WriteTo writes the store's save section: capacities first so a loader can
// reject a mismatched build before touching entity data, then provinces,
// countries, relations and opinion modifiers in ascending id/storage order.
func (s *Store) WriteTo(w io.Writer) (int64, error) {
	e := encoding.NewWriter(w)
	e.Tag("STAT")
	e.U16(codecVersion)
	e.U32(uint32(s.cfg.Provinces))
	e.U32(uint32(s.cfg.Countries))
	e.U32(uint32(s.cfg.OpinionModifiers))
	e.I64(int64(s.cfg.OpinionMin))
	e.I64(int64(s.cfg.OpinionMax))

	e.Tag("PROV")
	e.U32(uint32(s.provinceCount))
	ps := s.provinces.Write()
	for id, ok := range s.provinceReg {
		if !ok {
			continue
		}
		st := ps[id]
		e.U16(uint16(id))
		e.U16(uint16(st.OwnerID))
		e.U16(uint16(st.ControllerID))
		e.U16(st.TerrainType)
		e.U16(st.GameDataSlot)
	}

	e.Tag("CTRY")
	e.U32(uint32(s.countryCount))
	cs := s.countries.Write()
	for id, ok := range s.countryReg {
		if !ok {
			continue
		}
		hot, cold := cs[id], s.cold[id]
		e.U16(uint16(id))
		e.U16(uint16(hot.Flags))
		e.U16(uint16(hot.Capital))
		e.U32(uint32(hot.Manpower))
		e.I64(int64(hot.Treasury))
		e.String(cold.Tag)
		e.String(cold.Name)
		e.U8(cold.Color[0])
		e.U8(cold.Color[1])
		e.U8(cold.Color[2])
		keys := make([]string, 0, len(cold.Metadata))
		for k := range cold.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		e.U32(uint32(len(keys)))
		for _, k := range keys {
			e.String(k)
			e.String(cold.Metadata[k])
		}
	}

	e.Tag("RELS")
	var nrel uint32
	s.ForEachRelation(func(CountryID, CountryID, RelationData) { nrel++ })
	e.U32(nrel)
	s.ForEachRelation(func(from, to CountryID, rel RelationData) {
		e.U16(uint16(from))
		e.U16(uint16(to))
		e.U16(uint16(rel.Opinion))
		e.U16(uint16(rel.Treaties))
		e.U32(rel.LastContact)
	})

	e.Tag("OMOD")
	e.U32(uint32(len(s.mods)))
	for _, m := range s.mods {
		e.U16(uint16(m.From))
		e.U16(uint16(m.To))
		e.U16(m.Source)
		e.I64(int64(m.Value))
		e.I64(int64(m.DecayPerTick))
		e.U32(m.CreatedTick)
		e.U32(m.LastDecayTick)
	}
	return e.N(), e.Err()
}

// ReadFrom loads a save section into a store that is in its load phase. The
// caller finishes the load (FinishLoad) once every other section is read.
func (s *Store) ReadFrom(r io.Reader) (int64, error) {
	if s.finished {
		return 0, ErrLoadFinished
	}
	d := encoding.NewReader(r)
	d.Expect("STAT")
	if v := d.U16(); d.Err() == nil && v != codecVersion {
		return d.N(), fmt.Errorf("state: unsupported section version %d", v)
	}
	got := Config{
		Provinces:        int(d.U32()),
		Countries:        int(d.U32()),
		OpinionModifiers: int(d.U32()),
		OpinionMin:       fixed.Value(d.I64()),
		OpinionMax:       fixed.Value(d.I64()),
	}
	if d.Err() != nil {
		return d.N(), d.Err()
	}
	if got != s.cfg {
		return d.N(), fmt.Errorf("%w: save %+v, store %+v", ErrCapacityChange, got, s.cfg)
	}

	d.Expect("PROV")
	for n := d.U32(); n > 0 && d.Err() == nil; n-- {
		id := ProvinceID(d.U16())
		st := ProvinceState{
			OwnerID:      CountryID(d.U16()),
			ControllerID: CountryID(d.U16()),
			TerrainType:  d.U16(),
			GameDataSlot: d.U16(),
		}
		if d.Err() == nil {
			d.Fail(s.AddProvince(id, st))
		}
	}

	d.Expect("CTRY")
	for n := d.U32(); n > 0 && d.Err() == nil; n-- {
		id := CountryID(d.U16())
		hot := CountryHot{
			Flags:    CountryFlags(d.U16()),
			Capital:  ProvinceID(d.U16()),
			Manpower: int32(d.U32()),
			Treasury: fixed.Value(d.I64()),
		}
		cold := CountryCold{Tag: d.String(), Name: d.String()}
		cold.Color = [3]uint8{d.U8(), d.U8(), d.U8()}
		if nm := d.U32(); nm > 0 && d.Err() == nil {
			if nm > encoding.MaxString {
				d.Fail(fmt.Errorf("state: country %d has %d metadata entries", id, nm))
				break
			}
			cold.Metadata = make(map[string]string, nm)
			for ; nm > 0 && d.Err() == nil; nm-- {
				k := d.String()
				cold.Metadata[k] = d.String()
			}
		}
		if d.Err() == nil {
			d.Fail(s.AddCountry(id, hot, cold))
		}
	}

	d.Expect("RELS")
	for n := d.U32(); n > 0 && d.Err() == nil; n-- {
		from, to := CountryID(d.U16()), CountryID(d.U16())
		rel := RelationData{
			Opinion:     int16(d.U16()),
			Treaties:    Treaty(d.U16()),
			LastContact: d.U32(),
		}
		if d.Err() == nil {
			d.Fail(s.LoadRelation(from, to, rel))
		}
	}

	d.Expect("OMOD")
	for n := d.U32(); n > 0 && d.Err() == nil; n-- {
		m := OpinionModifier{
			From:          CountryID(d.U16()),
			To:            CountryID(d.U16()),
			Source:        d.U16(),
			Value:         fixed.Value(d.I64()),
			DecayPerTick:  fixed.Value(d.I64()),
			CreatedTick:   d.U32(),
			LastDecayTick: d.U32(),
		}
		if d.Err() == nil {
			d.Fail(s.LoadOpinionModifier(m))
		}
	}
	return d.N(), d.Err()
}
