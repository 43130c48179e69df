package scenario

import (
	"fmt"

	"lockstep.gg/internal/sim/modifiers"
	"lockstep.gg/internal/sim/state"
)

var countryFlags = map[string]state.CountryFlags{
	"playable":      state.CountryPlayable,
	"ai_controlled": state.CountryAIControlled,
	"at_war":        state.CountryAtWar,
	"bankrupt":      state.CountryBankrupt,
	"eliminated":    state.CountryEliminated,
}

var treaties = map[string]state.Treaty{
	"alliance":        state.TreatyAlliance,
	"royal_marriage":  state.TreatyRoyalMarriage,
	"guarantee":       state.TreatyGuarantee,
	"military_access": state.TreatyMilitaryAccess,
	"truce":           state.TreatyTruce,
	"war":             state.TreatyWar,
}

var sourceTypes = map[string]modifiers.SourceType{
	"":           modifiers.SourceScript,
	"event":      modifiers.SourceEvent,
	"building":   modifiers.SourceBuilding,
	"technology": modifiers.SourceTechnology,
	"decision":   modifiers.SourceDecision,
	"policy":     modifiers.SourcePolicy,
	"script":     modifiers.SourceScript,
}

// CountryID returns the id Apply assigns to tag.
func (s *Scenario) CountryID(tag string) (state.CountryID, bool) {
	for i, c := range s.Countries {
		if c.Tag == tag {
			return state.CountryID(i + 1), true
		}
	}
	return state.NoCountry, false
}

// TerrainID returns the terrain index of name; "" is terrain 0.
func (s *Scenario) TerrainID(name string) (uint16, bool) {
	if name == "" {
		return 0, true
	}
	for i, t := range s.Terrains {
		if t == name {
			return uint16(i), true
		}
	}
	return 0, false
}

// Apply registers the scenario into a store that is still in its load phase
// and ends the phase with FinishLoad, so the store's view is valid before
// the first frame swap. Starting modifiers go into mods afterwards; mods may
// be nil for a scenario without modifiers.
func (s *Scenario) Apply(st *state.Store, mods *modifiers.System) error {
	if st.Loaded() {
		return state.ErrLoadFinished
	}
	ids := make(map[string]state.CountryID, len(s.Countries))
	for i, c := range s.Countries {
		id := state.CountryID(i + 1)
		ids[c.Tag] = id
		var flags state.CountryFlags
		for _, f := range c.Flags {
			flags |= countryFlags[f]
		}
		hot := state.CountryHot{
			Flags:    flags,
			Capital:  state.ProvinceID(c.Capital),
			Manpower: c.Manpower,
			Treasury: c.Treasury,
		}
		cold := state.CountryCold{Tag: c.Tag, Name: c.Name, Color: c.Color, Metadata: c.Metadata}
		if err := st.AddCountry(id, hot, cold); err != nil {
			return fmt.Errorf("scenario: country %s: %w", c.Tag, err)
		}
	}

	for _, p := range s.Provinces {
		owner := ids[p.Owner]
		controller := owner
		if p.Controller != "" {
			controller = ids[p.Controller]
		}
		terrain, _ := s.TerrainID(p.Terrain)
		ps := state.ProvinceState{OwnerID: owner, ControllerID: controller, TerrainType: terrain}
		if err := st.AddProvince(state.ProvinceID(p.ID), ps); err != nil {
			return fmt.Errorf("scenario: province %d: %w", p.ID, err)
		}
	}

	for _, r := range s.Relations {
		var t state.Treaty
		for _, name := range r.Treaties {
			t |= treaties[name]
		}
		rel := state.RelationData{Opinion: r.Opinion, Treaties: t}
		if err := st.LoadRelation(ids[r.From], ids[r.To], rel); err != nil {
			return fmt.Errorf("scenario: relation %s->%s: %w", r.From, r.To, err)
		}
		if r.Mutual {
			if err := st.LoadRelation(ids[r.To], ids[r.From], rel); err != nil {
				return fmt.Errorf("scenario: relation %s->%s: %w", r.To, r.From, err)
			}
		}
	}

	for _, m := range s.OpinionModifiers {
		om := state.OpinionModifier{
			From:         ids[m.From],
			To:           ids[m.To],
			Source:       m.Source,
			Value:        m.Value,
			DecayPerTick: m.Decay,
		}
		if err := st.LoadOpinionModifier(om); err != nil {
			return fmt.Errorf("scenario: opinion modifier %s->%s: %w", m.From, m.To, err)
		}
	}

	if err := st.FinishLoad(); err != nil {
		return fmt.Errorf("scenario: %w", err)
	}

	if len(s.Modifiers) > 0 && mods == nil {
		return fmt.Errorf("scenario: %d modifiers but no modifier system", len(s.Modifiers))
	}
	for i, m := range s.Modifiers {
		t, ok := mods.Registry().Lookup(m.Modifier)
		if !ok {
			return fmt.Errorf("scenario: modifier %d: %w %q", i, modifiers.ErrUnknownType, m.Modifier)
		}
		sc, target := modifiers.ScopeGlobal, uint16(0)
		switch {
		case m.Country != "":
			sc, target = modifiers.ScopeCountry, uint16(ids[m.Country])
		case m.Province != 0:
			sc, target = modifiers.ScopeProvince, m.Province
		}
		src := modifiers.Source{
			Type:           sourceTypes[m.SourceType],
			SourceID:       m.SourceID,
			ModType:        t,
			Value:          m.Value,
			Multiplicative: m.Multiplicative,
			Temporary:      m.ExpiresTick != 0,
			ExpiresTick:    m.ExpiresTick,
		}
		if err := mods.Add(sc, target, src); err != nil {
			return fmt.Errorf("scenario: modifier %d: %w", i, err)
		}
	}
	return nil
}
