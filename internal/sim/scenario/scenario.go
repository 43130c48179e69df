// Package scenario loads the initial population of a game: countries,
// provinces, relations and starting modifiers. Files are JSON checked against
// an embedded schema before they are decoded.
package scenario

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"lockstep.gg/internal/sim/fixed"
)

//go:embed scenario.schema.json
var schemaJSON string

var schema = jsonschema.MustCompileString("scenario.schema.json", schemaJSON)

var ErrInvalid = errors.New("scenario: invalid")

type Scenario struct {
	Name             string            `json:"name"`
	Seed             uint64            `json:"seed,omitempty"`
	Terrains         []string          `json:"terrains,omitempty"`
	Countries        []Country         `json:"countries"`
	Provinces        []Province        `json:"provinces"`
	Relations        []Relation        `json:"relations,omitempty"`
	OpinionModifiers []OpinionModifier `json:"opinion_modifiers,omitempty"`
	Modifiers        []Modifier        `json:"modifiers,omitempty"`

	// Digest identifies the source bytes; peers compare it at handshake.
	Digest uint64 `json:"-"`
}

// Country ids are assigned in file order starting at 1.
type Country struct {
	Tag      string            `json:"tag"`
	Name     string            `json:"name,omitempty"`
	Color    [3]uint8          `json:"color"`
	Capital  uint16            `json:"capital,omitempty"`
	Treasury fixed.Value       `json:"treasury,omitempty"`
	Manpower int32             `json:"manpower,omitempty"`
	Flags    []string          `json:"flags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type Province struct {
	ID         uint16 `json:"id"`
	Owner      string `json:"owner,omitempty"`
	Controller string `json:"controller,omitempty"`
	Terrain    string `json:"terrain,omitempty"`
}

type Relation struct {
	From     string   `json:"from"`
	To       string   `json:"to"`
	Opinion  int16    `json:"opinion,omitempty"`
	Treaties []string `json:"treaties,omitempty"`
	// Mutual applies the record to both directions.
	Mutual bool `json:"mutual,omitempty"`
}

type OpinionModifier struct {
	From   string      `json:"from"`
	To     string      `json:"to"`
	Source uint16      `json:"source,omitempty"`
	Value  fixed.Value `json:"value"`
	Decay  fixed.Value `json:"decay,omitempty"`
}

// Modifier targets a country (by tag), a province (by id) or, with neither
// set, the global scope.
type Modifier struct {
	Country        string      `json:"country,omitempty"`
	Province       uint16      `json:"province,omitempty"`
	SourceType     string      `json:"source_type,omitempty"`
	SourceID       uint32      `json:"source_id,omitempty"`
	Modifier       string      `json:"modifier"`
	Value          fixed.Value `json:"value"`
	Multiplicative bool        `json:"multiplicative,omitempty"`
	ExpiresTick    uint32      `json:"expires_tick,omitempty"`
}

func Load(path string) (*Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sc, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// Parse validates raw against the schema, decodes it and checks references
// between entries (tags, province ids, terrain names).
func Parse(raw []byte) (*Scenario, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var sc Scenario
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := sc.check(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	sc.Digest = xxhash.Sum64(raw)
	return &sc, nil
}

// Marshal renders the scenario as indented JSON.
func (s *Scenario) Marshal() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

func (s *Scenario) check() error {
	tags := make(map[string]bool, len(s.Countries))
	for _, c := range s.Countries {
		if tags[c.Tag] {
			return fmt.Errorf("duplicate country tag %s", c.Tag)
		}
		tags[c.Tag] = true
		for _, f := range c.Flags {
			if _, ok := countryFlags[f]; !ok {
				return fmt.Errorf("country %s: unknown flag %q", c.Tag, f)
			}
		}
	}
	known := func(tag, what string) error {
		if tag != "" && !tags[tag] {
			return fmt.Errorf("%s: unknown country %s", what, tag)
		}
		return nil
	}
	terrains := make(map[string]bool, len(s.Terrains))
	for _, t := range s.Terrains {
		terrains[t] = true
	}
	provinces := make(map[uint16]bool, len(s.Provinces))
	for _, p := range s.Provinces {
		if provinces[p.ID] {
			return fmt.Errorf("duplicate province %d", p.ID)
		}
		provinces[p.ID] = true
		what := fmt.Sprintf("province %d", p.ID)
		if err := known(p.Owner, what); err != nil {
			return err
		}
		if err := known(p.Controller, what); err != nil {
			return err
		}
		if p.Terrain != "" && !terrains[p.Terrain] {
			return fmt.Errorf("%s: unknown terrain %q", what, p.Terrain)
		}
	}
	for _, c := range s.Countries {
		if c.Capital != 0 && !provinces[c.Capital] {
			return fmt.Errorf("country %s: capital %d is not a province", c.Tag, c.Capital)
		}
	}
	for _, r := range s.Relations {
		if err := pair(known, r.From, r.To, "relation"); err != nil {
			return err
		}
	}
	for _, m := range s.OpinionModifiers {
		if err := pair(known, m.From, m.To, "opinion modifier"); err != nil {
			return err
		}
	}
	for i, m := range s.Modifiers {
		if err := known(m.Country, fmt.Sprintf("modifier %d", i)); err != nil {
			return err
		}
		if m.Province != 0 && !provinces[m.Province] {
			return fmt.Errorf("modifier %d: unknown province %d", i, m.Province)
		}
	}
	return nil
}

func pair(known func(tag, what string) error, from, to, what string) error {
	if from == to {
		return fmt.Errorf("%s %s->%s: countries must differ", what, from, to)
	}
	if err := known(from, what); err != nil {
		return err
	}
	return known(to, what)
}
