package state

// View is the consumer-side query API. It reads only the frozen read copies,
// so any number of goroutines may use it concurrently between frame swaps.
type View struct {
	s *Store
}

// View returns a query handle over the read copies. The copies are valid
// immediately after FinishLoad, before the first swap.
func (s *Store) View() View { return View{s: s} }

func (v View) Ready() bool { return v.s.finished }

func (v View) GetProvinceState(id ProvinceID) (ProvinceState, error) {
	if int(id) >= v.s.cfg.Provinces {
		return ProvinceState{}, ErrOutOfRange
	}
	if !v.s.provinceReg[id] {
		return ProvinceState{}, ErrNotRegistered
	}
	return v.s.provinces.Read()[id], nil
}

// GetCountryProvinces lists the provinces owned by owner in ascending id order.
func (v View) GetCountryProvinces(owner CountryID) []ProvinceID {
	return v.AppendCountryProvinces(nil, owner)
}

func (v View) AppendCountryProvinces(dst []ProvinceID, owner CountryID) []ProvinceID {
	ps := v.s.provinces.Read()
	for id, ok := range v.s.provinceReg {
		if ok && ps[id].OwnerID == owner {
			dst = append(dst, ProvinceID(id))
		}
	}
	return dst
}

func (v View) GetCountry(id CountryID) (CountryHot, error) {
	if int(id) >= v.s.cfg.Countries {
		return CountryHot{}, ErrOutOfRange
	}
	if !v.s.countryReg[id] {
		return CountryHot{}, ErrNotRegistered
	}
	return v.s.countries.Read()[id], nil
}

// CountryName is tooltip data from the cold store.
func (v View) CountryName(id CountryID) string {
	if !v.s.countryRegistered(id) {
		return ""
	}
	return v.s.cold[id].Name
}

// Generation changes whenever the read copy is replaced.
func (v View) Generation() uint64 { return v.s.provinces.Generation() }
