// Package state is the compact entity store of the simulation. Every array is
// allocated once in New; nothing grows while ticks run.
package state

import (
	"slices"

	"lockstep.gg/internal/sim/buffer"
	"lockstep.gg/internal/sim/fixed"
)

// Store owns provinces, countries and diplomatic relations.
//
// Lifecycle: New -> Add*/Load* (load phase) -> FinishLoad -> ticks. Mutation
// after load goes exclusively through the Writer handed out by BeginExec.
type Store struct {
	cfg Config

	finished bool
	execOpen bool
	w        Writer

	provinces     *buffer.Double[ProvinceState]
	provinceReg   []bool
	provinceCount int

	countries    *buffer.Double[CountryHot]
	countryReg   []bool
	countryCount int
	cold         []CountryCold

	relations []RelationData

	// flat cold store of opinion modifiers; modSum caches the per-pair total
	mods     []OpinionModifier
	modSum   []fixed.Value
	modDelta []fixed.Value

	// owner -> provinces index as intrusive doubly linked lists
	ownerHead  []int32
	ownerCount []int32
	next, prev []int32
}

func New(cfg Config) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	pairs := cfg.Countries * cfg.Countries
	s := &Store{
		cfg:         cfg,
		provinces:   buffer.New[ProvinceState](cfg.Provinces),
		provinceReg: make([]bool, cfg.Provinces),
		countries:   buffer.New[CountryHot](cfg.Countries),
		countryReg:  make([]bool, cfg.Countries),
		cold:        make([]CountryCold, cfg.Countries),
		relations:   make([]RelationData, pairs),
		mods:        make([]OpinionModifier, 0, cfg.OpinionModifiers),
		modSum:      make([]fixed.Value, pairs),
		modDelta:    make([]fixed.Value, cfg.OpinionModifiers),
		ownerHead:   make([]int32, cfg.Countries),
		ownerCount:  make([]int32, cfg.Countries),
		next:        make([]int32, cfg.Provinces),
		prev:        make([]int32, cfg.Provinces),
	}
	s.w.s = s
	s.resetIndex()
	return s, nil
}

func (s *Store) Config() Config { return s.cfg }

// Loaded reports whether FinishLoad has completed.
func (s *Store) Loaded() bool { return s.finished }

// AddProvince registers a province during the load phase.
func (s *Store) AddProvince(id ProvinceID, st ProvinceState) error {
	if s.finished {
		return ErrLoadFinished
	}
	if int(id) >= s.cfg.Provinces {
		return &CapacityError{Kind: "provinces", Capacity: s.cfg.Provinces, ID: int(id)}
	}
	if s.provinceReg[id] {
		return ErrDuplicate
	}
	s.provinceReg[id] = true
	s.provinceCount++
	s.provinces.Set(int(id), st)
	return nil
}

// AddCountry registers a country during the load phase. Id 0 is reserved for
// "no owner".
func (s *Store) AddCountry(id CountryID, hot CountryHot, cold CountryCold) error {
	if s.finished {
		return ErrLoadFinished
	}
	if id == NoCountry {
		return ErrReservedID
	}
	if int(id) >= s.cfg.Countries {
		return &CapacityError{Kind: "countries", Capacity: s.cfg.Countries, ID: int(id)}
	}
	if s.countryReg[id] {
		return ErrDuplicate
	}
	s.countryReg[id] = true
	s.countryCount++
	s.countries.Set(int(id), hot)
	s.cold[id] = cold
	return nil
}

// LoadRelation sets a relation record during the load phase.
func (s *Store) LoadRelation(from, to CountryID, rel RelationData) error {
	if s.finished {
		return ErrLoadFinished
	}
	i, err := s.pairIndex(from, to)
	if err != nil {
		return err
	}
	s.relations[i] = rel
	return nil
}

// LoadOpinionModifier appends a modifier during the load phase.
func (s *Store) LoadOpinionModifier(m OpinionModifier) error {
	if s.finished {
		return ErrLoadFinished
	}
	if len(s.mods) == cap(s.mods) {
		return &CapacityError{Kind: "opinion_modifiers", Capacity: cap(s.mods), ID: len(s.mods)}
	}
	return s.appendModifier(m)
}

// FinishLoad ends the load phase: it checks references, builds the
// owner->provinces index and synchronises both halves of every double buffer.
// Nothing may read the store's view before this has run.
func (s *Store) FinishLoad() error {
	if s.finished {
		return ErrLoadFinished
	}
	ps := s.provinces.Write()
	for id, ok := range s.provinceReg {
		if !ok {
			continue
		}
		st := ps[id]
		if st.OwnerID != NoCountry && !s.countryRegistered(st.OwnerID) {
			return &CapacityError{Kind: "province owner", Capacity: s.cfg.Countries, ID: int(st.OwnerID)}
		}
		if st.ControllerID != NoCountry && !s.countryRegistered(st.ControllerID) {
			return &CapacityError{Kind: "province controller", Capacity: s.cfg.Countries, ID: int(st.ControllerID)}
		}
	}
	s.resetIndex()
	for id, ok := range s.provinceReg {
		if ok {
			s.indexInsert(int32(id), ps[id].OwnerID)
		}
	}
	s.provinces.SyncAfterLoad()
	s.countries.SyncAfterLoad()
	s.finished = true
	return nil
}

// Reset discards all content and returns the store to its load phase.
func (s *Store) Reset() {
	s.provinces.Reset()
	s.countries.Reset()
	clear(s.provinceReg)
	clear(s.countryReg)
	clear(s.cold)
	clear(s.relations)
	clear(s.modSum)
	s.mods = s.mods[:0]
	s.provinceCount, s.countryCount = 0, 0
	s.resetIndex()
	s.finished = false
	s.execOpen = false
}

// SwapFrame publishes the simulation's latest state to View consumers.
func (s *Store) SwapFrame() error {
	if !s.finished {
		return ErrLoading
	}
	if err := s.provinces.Swap(); err != nil {
		return err
	}
	return s.countries.Swap()
}

// Province reads the simulation's (write) copy.
func (s *Store) Province(id ProvinceID) (ProvinceState, error) {
	if int(id) >= s.cfg.Provinces {
		return ProvinceState{}, ErrOutOfRange
	}
	if !s.provinceReg[id] {
		return ProvinceState{}, ErrNotRegistered
	}
	return s.provinces.At(int(id)), nil
}

func (s *Store) ProvinceRegistered(id ProvinceID) bool {
	return int(id) < s.cfg.Provinces && s.provinceReg[id]
}

// OwnerOf returns NoCountry for unknown provinces.
func (s *Store) OwnerOf(id ProvinceID) CountryID {
	if !s.ProvinceRegistered(id) {
		return NoCountry
	}
	return s.provinces.At(int(id)).OwnerID
}

func (s *Store) Country(id CountryID) (CountryHot, error) {
	if int(id) >= s.cfg.Countries {
		return CountryHot{}, ErrOutOfRange
	}
	if !s.countryReg[id] {
		return CountryHot{}, ErrNotRegistered
	}
	return s.countries.At(int(id)), nil
}

func (s *Store) CountryCold(id CountryID) (CountryCold, error) {
	if int(id) >= s.cfg.Countries {
		return CountryCold{}, ErrOutOfRange
	}
	if !s.countryReg[id] {
		return CountryCold{}, ErrNotRegistered
	}
	return s.cold[id], nil
}

func (s *Store) CountryRegistered(id CountryID) bool { return s.countryRegistered(id) }

func (s *Store) countryRegistered(id CountryID) bool {
	return int(id) < s.cfg.Countries && s.countryReg[id]
}

func (s *Store) ProvinceCount() int { return s.provinceCount }
func (s *Store) CountryCount() int  { return s.countryCount }

// Provinces exposes the write copy for read-only iteration in hot loops;
// entries of unregistered ids are zero.
func (s *Store) Provinces() []ProvinceState { return s.provinces.Write() }

// Countries exposes the write copy of country hot data for read-only iteration.
func (s *Store) Countries() []CountryHot { return s.countries.Write() }

func (s *Store) Relation(from, to CountryID) (RelationData, error) {
	i, err := s.pairIndex(from, to)
	if err != nil {
		return RelationData{}, err
	}
	return s.relations[i], nil
}

// EffectiveOpinion is the base opinion plus all opinion modifiers, clamped.
func (s *Store) EffectiveOpinion(from, to CountryID) (fixed.Value, error) {
	i, err := s.pairIndex(from, to)
	if err != nil {
		return 0, err
	}
	v := fixed.FromInt(int64(s.relations[i].Opinion)).Add(s.modSum[i])
	return v.Clamp(s.cfg.OpinionMin, s.cfg.OpinionMax), nil
}

// OpinionModifiers exposes the cold store in storage order (read-only).
func (s *Store) OpinionModifiers() []OpinionModifier { return s.mods }

// OpinionSpan is the width of the opinion clamp. No single modifier may move
// opinion further than that, which keeps the per-pair sums from overflowing.
func (s *Store) OpinionSpan() fixed.Value { return s.cfg.OpinionMax.Sub(s.cfg.OpinionMin) }

// OpinionModifierRoom reports how many more modifiers fit.
func (s *Store) OpinionModifierRoom() int { return cap(s.mods) - len(s.mods) }

// ForEachRelation visits every relation that differs from the zero record, in
// ascending (from, to) order.
func (s *Store) ForEachRelation(fn func(from, to CountryID, rel RelationData)) {
	n := s.cfg.Countries
	for i, rel := range s.relations {
		if rel == (RelationData{}) {
			continue
		}
		fn(CountryID(i/n), CountryID(i%n), rel)
	}
}

// AppendCountryProvinces appends the provinces owned by owner (write copy) in
// ascending id order.
func (s *Store) AppendCountryProvinces(dst []ProvinceID, owner CountryID) []ProvinceID {
	if int(owner) >= s.cfg.Countries {
		return dst
	}
	start := len(dst)
	for p := s.ownerHead[owner]; p >= 0; p = s.next[p] {
		dst = append(dst, ProvinceID(p))
	}
	slices.Sort(dst[start:])
	return dst
}

// CountryProvinceCount is O(1) via the owner index.
func (s *Store) CountryProvinceCount(owner CountryID) int {
	if int(owner) >= s.cfg.Countries {
		return 0
	}
	return int(s.ownerCount[owner])
}

// BeginExec opens the mutation window for one command or system step. The
// returned Writer is rejected with ErrNotExecuting once EndExec runs.
func (s *Store) BeginExec() *Writer {
	s.execOpen = true
	return &s.w
}

func (s *Store) EndExec() { s.execOpen = false }

func (s *Store) pairIndex(from, to CountryID) (int, error) {
	n := s.cfg.Countries
	if int(from) >= n || int(to) >= n {
		return 0, ErrOutOfRange
	}
	if !s.countryReg[from] || !s.countryReg[to] {
		return 0, ErrNotRegistered
	}
	return int(from)*n + int(to), nil
}

func (s *Store) appendModifier(m OpinionModifier) error {
	i, err := s.pairIndex(m.From, m.To)
	if err != nil {
		return err
	}
	if span := s.OpinionSpan(); m.Value > span || m.Value < -span {
		return ErrModifierRange
	}
	if len(s.mods) == cap(s.mods) {
		return ErrModifiersFull
	}
	s.mods = append(s.mods, m)
	s.modSum[i] = s.modSum[i].Add(m.Value)
	return nil
}

func (s *Store) resetIndex() {
	for i := range s.ownerHead {
		s.ownerHead[i] = -1
		s.ownerCount[i] = 0
	}
	for i := range s.next {
		s.next[i] = -1
		s.prev[i] = -1
	}
}

func (s *Store) indexInsert(p int32, owner CountryID) {
	h := s.ownerHead[owner]
	s.next[p] = h
	s.prev[p] = -1
	if h >= 0 {
		s.prev[h] = p
	}
	s.ownerHead[owner] = p
	s.ownerCount[owner]++
}

func (s *Store) indexRemove(p int32, owner CountryID) {
	if pr := s.prev[p]; pr >= 0 {
		s.next[pr] = s.next[p]
	} else {
		s.ownerHead[owner] = s.next[p]
	}
	if nx := s.next[p]; nx >= 0 {
		s.prev[nx] = s.prev[p]
	}
	s.next[p], s.prev[p] = -1, -1
	s.ownerCount[owner]--
}
