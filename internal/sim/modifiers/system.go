// Package modifiers implements the global -> country -> province modifier
// hierarchy. Each scope keeps a capped source list and a cache of the values
// accumulated along its inheritance chain; mutations only mark caches dirty and
// queries rebuild them lazily.
package modifiers

import (
	"errors"
	"fmt"

	"lockstep.gg/internal/sim/fixed"
	"lockstep.gg/internal/sim/state"
)

var (
	ErrScopeFull      = errors.New("modifiers: scope is full")
	ErrTargetRange    = errors.New("modifiers: scope target out of range")
	ErrCapacityChange = errors.New("modifiers: saved layout does not match")
)

// CapacityError names the scope whose source list is full.
type CapacityError struct {
	Scope    Scope
	Target   uint16
	Capacity int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("modifiers: %s scope %d is full (capacity %d)", e.Scope, e.Target, e.Capacity)
}

func (e *CapacityError) Unwrap() error { return ErrScopeFull }

// Owners resolves province ownership; *state.Store satisfies it.
type Owners interface {
	OwnerOf(id state.ProvinceID) state.CountryID
	AppendCountryProvinces(dst []state.ProvinceID, owner state.CountryID) []state.ProvinceID
}

// Config sizes the arenas. Countries and Provinces are id capacities and must
// match the state store; the *Sources fields cap each scope's list.
type Config struct {
	Countries int
	Provinces int

	GlobalSources   int
	CountrySources  int
	ProvinceSources int
}

func (c Config) validate() error {
	if c.Countries <= 0 || c.Provinces <= 0 {
		return fmt.Errorf("modifiers: scope counts must be positive (countries=%d provinces=%d)", c.Countries, c.Provinces)
	}
	if c.GlobalSources < 0 || c.CountrySources < 0 || c.ProvinceSources < 0 {
		return fmt.Errorf("modifiers: negative source capacity")
	}
	return nil
}

// scopeData is a plain record stored by value in the scope arrays. Every
// mutation goes through a pointer into those arrays so the cleared dirty flag
// and rebuilt cache persist.
type scopeData struct {
	src []Source // len = live sources, cap = scope capacity (arena window)
	add []fixed.Value
	mul []fixed.Value

	dirty      bool
	version    uint32
	hasExpiry  bool
	nextExpiry uint32
}

type Stats struct {
	Rebuilds uint64
	Sources  int
}

type System struct {
	reg    *Registry
	cfg    Config
	owners Owners

	global    scopeData
	countries []scopeData
	provinces []scopeData

	total    int
	rebuilds uint64
	scratch  []state.ProvinceID
}

func New(reg *Registry, cfg Config, owners Owners) (*System, error) {
	if reg == nil || owners == nil {
		return nil, errors.New("modifiers: registry and owners are required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	nt := reg.Len()
	nscopes := 1 + cfg.Countries + cfg.Provinces
	arena := make([]Source, cfg.GlobalSources+cfg.Countries*cfg.CountrySources+cfg.Provinces*cfg.ProvinceSources)
	add := make([]fixed.Value, nscopes*nt)
	mul := make([]fixed.Value, nscopes*nt)

	m := &System{
		reg:       reg,
		cfg:       cfg,
		owners:    owners,
		countries: make([]scopeData, cfg.Countries),
		provinces: make([]scopeData, cfg.Provinces),
		scratch:   make([]state.ProvinceID, 0, cfg.Provinces),
	}
	off, slot := 0, 0
	carve := func(s *scopeData, n int) {
		s.src = arena[off : off : off+n]
		s.add = add[slot : slot+nt : slot+nt]
		s.mul = mul[slot : slot+nt : slot+nt]
		s.dirty = true
		off += n
		slot += nt
	}
	carve(&m.global, cfg.GlobalSources)
	for i := range m.countries {
		carve(&m.countries[i], cfg.CountrySources)
	}
	for i := range m.provinces {
		carve(&m.provinces[i], cfg.ProvinceSources)
	}
	return m, nil
}

func (m *System) Registry() *Registry { return m.reg }
func (m *System) Config() Config      { return m.cfg }

func (m *System) scope(sc Scope, target uint16) (*scopeData, error) {
	switch sc {
	case ScopeGlobal:
		return &m.global, nil
	case ScopeCountry:
		if int(target) < len(m.countries) {
			return &m.countries[target], nil
		}
	case ScopeProvince:
		if int(target) < len(m.provinces) {
			return &m.provinces[target], nil
		}
	}
	return nil, fmt.Errorf("%w: %s %d", ErrTargetRange, sc, target)
}

// Add appends src to the target scope and marks the scope and its dependents
// dirty.
func (m *System) Add(sc Scope, target uint16, src Source) error {
	if int(src.ModType) >= m.reg.Len() {
		return fmt.Errorf("%w: %d", ErrUnknownType, src.ModType)
	}
	s, err := m.scope(sc, target)
	if err != nil {
		return err
	}
	if len(s.src) == cap(s.src) {
		return &CapacityError{Scope: sc, Target: target, Capacity: cap(s.src)}
	}
	s.src = append(s.src, src)
	if src.Temporary {
		s.noteExpiry(src.ExpiresTick)
	}
	m.total++
	m.markDirty(sc, target)
	return nil
}

// Room reports how many more sources the target scope accepts.
func (m *System) Room(sc Scope, target uint16) int {
	s, err := m.scope(sc, target)
	if err != nil {
		return 0
	}
	return cap(s.src) - len(s.src)
}

// RemoveBySource drops every source of (typ, id) from the target scope.
func (m *System) RemoveBySource(sc Scope, target uint16, typ SourceType, id uint32) (int, error) {
	s, err := m.scope(sc, target)
	if err != nil {
		return 0, err
	}
	n := s.filter(func(src Source) bool { return src.Type == typ && src.SourceID == id })
	if n > 0 {
		m.total -= n
		m.markDirty(sc, target)
	}
	return n, nil
}

// Expire removes temporary sources whose expiry tick has been reached. Scopes
// are visited global first, then countries and provinces by ascending id.
func (m *System) Expire(tick uint32) int {
	removed := m.expireScope(ScopeGlobal, 0, &m.global, tick)
	for i := range m.countries {
		removed += m.expireScope(ScopeCountry, uint16(i), &m.countries[i], tick)
	}
	for i := range m.provinces {
		removed += m.expireScope(ScopeProvince, uint16(i), &m.provinces[i], tick)
	}
	return removed
}

func (m *System) expireScope(sc Scope, target uint16, s *scopeData, tick uint32) int {
	if !s.hasExpiry || s.nextExpiry > tick {
		return 0
	}
	n := s.filter(func(src Source) bool { return src.Temporary && src.ExpiresTick <= tick })
	if n > 0 {
		m.total -= n
		m.markDirty(sc, target)
	}
	return n
}

// OnOwnerChanged invalidates a province whose inheritance parent changed.
func (m *System) OnOwnerChanged(p state.ProvinceID) {
	if int(p) < len(m.provinces) {
		m.provinces[p].dirty = true
	}
}

func (m *System) markDirty(sc Scope, target uint16) {
	switch sc {
	case ScopeGlobal:
		m.global.dirty = true
		for i := range m.countries {
			m.countries[i].dirty = true
		}
		for i := range m.provinces {
			m.provinces[i].dirty = true
		}
	case ScopeCountry:
		m.countries[target].dirty = true
		m.scratch = m.owners.AppendCountryProvinces(m.scratch[:0], state.CountryID(target))
		for _, p := range m.scratch {
			if int(p) < len(m.provinces) {
				m.provinces[p].dirty = true
			}
		}
	case ScopeProvince:
		m.provinces[target].dirty = true
	}
}

// Query returns (base + sumAdditive) * (1 + sumMultiplicative) for a province,
// accumulated over global, owner country and province sources.
func (m *System) Query(p state.ProvinceID, t TypeID, base fixed.Value) fixed.Value {
	if int(p) >= len(m.provinces) || int(t) >= m.reg.Len() {
		return base
	}
	return apply(m.provinceCache(p), t, base)
}

func (m *System) QueryCountry(c state.CountryID, t TypeID, base fixed.Value) fixed.Value {
	if int(c) >= len(m.countries) || int(t) >= m.reg.Len() {
		return base
	}
	return apply(m.countryCache(c), t, base)
}

func (m *System) QueryGlobal(t TypeID, base fixed.Value) fixed.Value {
	if int(t) >= m.reg.Len() {
		return base
	}
	return apply(m.globalCache(), t, base)
}

func apply(s *scopeData, t TypeID, base fixed.Value) fixed.Value {
	return base.Add(s.add[t]).Mul(fixed.One.Add(s.mul[t]))
}

func (m *System) globalCache() *scopeData {
	s := &m.global
	if s.dirty {
		m.rebuild(s, nil)
	}
	return s
}

func (m *System) countryCache(c state.CountryID) *scopeData {
	s := &m.countries[c]
	if s.dirty {
		m.rebuild(s, m.globalCache())
	}
	return s
}

func (m *System) provinceCache(p state.ProvinceID) *scopeData {
	s := &m.provinces[p]
	if s.dirty {
		var parent *scopeData
		if owner := m.owners.OwnerOf(p); owner != state.NoCountry && int(owner) < len(m.countries) {
			parent = m.countryCache(owner)
		} else {
			parent = m.globalCache()
		}
		m.rebuild(s, parent)
	}
	return s
}

func (m *System) rebuild(s, parent *scopeData) {
	if parent != nil {
		copy(s.add, parent.add)
		copy(s.mul, parent.mul)
	} else {
		clear(s.add)
		clear(s.mul)
	}
	for _, src := range s.src {
		if src.Multiplicative {
			s.mul[src.ModType] = s.mul[src.ModType].Add(src.Value)
		} else {
			s.add[src.ModType] = s.add[src.ModType].Add(src.Value)
		}
	}
	s.dirty = false
	s.version++
	m.rebuilds++
}

// Dirty reports whether the scope's cache needs a rebuild.
func (m *System) Dirty(sc Scope, target uint16) bool {
	s, err := m.scope(sc, target)
	return err == nil && s.dirty
}

// Version counts the rebuilds of one scope's cache.
func (m *System) Version(sc Scope, target uint16) uint32 {
	s, err := m.scope(sc, target)
	if err != nil {
		return 0
	}
	return s.version
}

// Sources exposes a scope's live list (read-only, insertion order).
func (m *System) Sources(sc Scope, target uint16) []Source {
	s, err := m.scope(sc, target)
	if err != nil {
		return nil
	}
	return s.src
}

// ForEach visits every non-empty scope in save order.
func (m *System) ForEach(fn func(sc Scope, target uint16, srcs []Source)) {
	if len(m.global.src) > 0 {
		fn(ScopeGlobal, 0, m.global.src)
	}
	for i := range m.countries {
		if s := m.countries[i].src; len(s) > 0 {
			fn(ScopeCountry, uint16(i), s)
		}
	}
	for i := range m.provinces {
		if s := m.provinces[i].src; len(s) > 0 {
			fn(ScopeProvince, uint16(i), s)
		}
	}
}

func (m *System) Stats() Stats {
	return Stats{Rebuilds: m.rebuilds, Sources: m.total}
}

// Reset empties every scope. Capacities and the registry are kept.
func (m *System) Reset() {
	reset := func(s *scopeData) {
		s.src = s.src[:0]
		s.hasExpiry = false
		s.nextExpiry = 0
		s.dirty = true
	}
	reset(&m.global)
	for i := range m.countries {
		reset(&m.countries[i])
	}
	for i := range m.provinces {
		reset(&m.provinces[i])
	}
	m.total = 0
}

func (s *scopeData) noteExpiry(tick uint32) {
	if !s.hasExpiry || tick < s.nextExpiry {
		s.nextExpiry = tick
		s.hasExpiry = true
	}
}

// filter removes the sources matching drop, keeping the order of the rest,
// and recomputes the scope's next expiry.
func (s *scopeData) filter(drop func(Source) bool) int {
	kept := 0
	s.hasExpiry = false
	for _, src := range s.src {
		if drop(src) {
			continue
		}
		s.src[kept] = src
		kept++
		if src.Temporary {
			s.noteExpiry(src.ExpiresTick)
		}
	}
	n := len(s.src) - kept
	clear(s.src[kept:])
	s.src = s.src[:kept]
	return n
}
