package state

import (
	"golang.org/x/sync/errgroup"

	"lockstep.gg/internal/sim/fixed"
)

// parallelDecayMin is the modifier count below which decay stays on the tick
// goroutine.
const parallelDecayMin = 4096

// Writer is the only mutation path once the load phase is over.
type Writer struct {
	s *Store
}

func (w *Writer) province(id ProvinceID) (ProvinceState, error) {
	if !w.s.execOpen {
		return ProvinceState{}, ErrNotExecuting
	}
	return w.s.Province(id)
}

// SetOwner transfers a province; the controller follows the owner.
func (w *Writer) SetOwner(id ProvinceID, owner CountryID) error {
	st, err := w.province(id)
	if err != nil {
		return err
	}
	if owner != NoCountry && !w.s.countryRegistered(owner) {
		return ErrNotRegistered
	}
	old := st.OwnerID
	st.OwnerID = owner
	st.ControllerID = owner
	w.s.provinces.Set(int(id), st)
	if old != owner {
		w.s.indexRemove(int32(id), old)
		w.s.indexInsert(int32(id), owner)
	}
	return nil
}

// SetController overrides the controller without touching ownership.
func (w *Writer) SetController(id ProvinceID, controller CountryID) error {
	st, err := w.province(id)
	if err != nil {
		return err
	}
	if controller != NoCountry && !w.s.countryRegistered(controller) {
		return ErrNotRegistered
	}
	st.ControllerID = controller
	w.s.provinces.Set(int(id), st)
	return nil
}

func (w *Writer) SetTerrain(id ProvinceID, terrain uint16) error {
	st, err := w.province(id)
	if err != nil {
		return err
	}
	st.TerrainType = terrain
	w.s.provinces.Set(int(id), st)
	return nil
}

func (w *Writer) SetGameDataSlot(id ProvinceID, slot uint16) error {
	st, err := w.province(id)
	if err != nil {
		return err
	}
	st.GameDataSlot = slot
	w.s.provinces.Set(int(id), st)
	return nil
}

func (w *Writer) SetCountry(id CountryID, hot CountryHot) error {
	if !w.s.execOpen {
		return ErrNotExecuting
	}
	if _, err := w.s.Country(id); err != nil {
		return err
	}
	w.s.countries.Set(int(id), hot)
	return nil
}

func (w *Writer) SetRelation(from, to CountryID, rel RelationData) error {
	if !w.s.execOpen {
		return ErrNotExecuting
	}
	i, err := w.s.pairIndex(from, to)
	if err != nil {
		return err
	}
	w.s.relations[i] = rel
	return nil
}

// SetTreaty sets or clears treaty bits in both directions and records contact.
func (w *Writer) SetTreaty(a, b CountryID, t Treaty, on bool, tick uint32) error {
	if !w.s.execOpen {
		return ErrNotExecuting
	}
	ia, err := w.s.pairIndex(a, b)
	if err != nil {
		return err
	}
	ib, _ := w.s.pairIndex(b, a)
	for _, i := range [2]int{ia, ib} {
		rel := &w.s.relations[i]
		if on {
			rel.Treaties |= t
		} else {
			rel.Treaties &^= t
		}
		rel.LastContact = tick
	}
	return nil
}

func (w *Writer) AddOpinionModifier(m OpinionModifier) error {
	if !w.s.execOpen {
		return ErrNotExecuting
	}
	if err := w.s.appendModifier(m); err != nil {
		return err
	}
	i, _ := w.s.pairIndex(m.From, m.To)
	w.s.relations[i].LastContact = m.CreatedTick
	return nil
}

// DecayOpinions decays every opinion modifier to tick and removes the ones
// that reached zero. Decay is measured from each modifier's LastDecayTick, so
// repeating the call for the same tick changes nothing.
//
// With workers > 1 and enough modifiers the per-modifier work is split into
// disjoint ranges; the call returns only after every worker has joined.
func (w *Writer) DecayOpinions(tick uint32, workers int) (removed int, err error) {
	if !w.s.execOpen {
		return 0, ErrNotExecuting
	}
	s := w.s
	mods := s.mods
	delta := s.modDelta[:len(mods)]

	if workers <= 1 || len(mods) < parallelDecayMin {
		decayRange(mods, delta, tick)
	} else {
		var g errgroup.Group
		chunk := (len(mods) + workers - 1) / workers
		for lo := 0; lo < len(mods); lo += chunk {
			lo := lo
			hi := min(lo+chunk, len(mods))
			g.Go(func() error {
				decayRange(mods[lo:hi], delta[lo:hi], tick)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return 0, err
		}
	}

	n := s.cfg.Countries
	kept := 0
	for i, m := range mods {
		pair := int(m.From)*n + int(m.To)
		s.modSum[pair] = s.modSum[pair].Add(delta[i])
		if m.Value == 0 {
			removed++
			continue
		}
		mods[kept] = m
		kept++
	}
	s.mods = mods[:kept]
	return removed, nil
}

func decayRange(mods []OpinionModifier, delta []fixed.Value, tick uint32) {
	for i := range mods {
		m := &mods[i]
		next := m.Current(tick)
		delta[i] = next.Sub(m.Value)
		m.Value = next
		if tick > m.LastDecayTick {
			m.LastDecayTick = tick
		}
	}
}
