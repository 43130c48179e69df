package scenario

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"lockstep.gg/internal/sim/fixed"
	"lockstep.gg/internal/sim/random"
)

// Template countries for generated scenarios.
var templateCountries = []struct {
	tag, name string
	color     [3]uint8
}{
	{"RED", "Red Empire", [3]uint8{200, 50, 50}},
	{"BLU", "Blue Kingdom", [3]uint8{50, 100, 200}},
	{"GRN", "Green Republic", [3]uint8{50, 180, 80}},
	{"YEL", "Yellow Dominion", [3]uint8{220, 200, 50}},
	{"PUR", "Purple Realm", [3]uint8{150, 50, 180}},
	{"ORG", "Orange Federation", [3]uint8{230, 140, 50}},
	{"CYN", "Cyan Alliance", [3]uint8{50, 180, 180}},
	{"PNK", "Pink Dynasty", [3]uint8{220, 100, 150}},
	{"BRN", "Brown Confederacy", [3]uint8{140, 90, 50}},
	{"GRY", "Gray Union", [3]uint8{120, 120, 130}},
}

// DefaultTerrains is the terrain table of generated scenarios; index 0 is
// water and never owned.
var DefaultTerrains = []string{
	"ocean", "grasslands", "plains", "hills", "highlands", "mountain",
	"desert", "savannah", "forest", "jungle", "marsh", "snow",
}

type GenerateConfig struct {
	Seed      uint64
	Provinces int
	Countries int
	// PerCountry caps the provinces handed to each country; the rest of the
	// map stays unowned.
	PerCountry int
}

// Generate builds a template scenario: countries get contiguous runs of
// province ids spread evenly over the map, starting at their capital.
// The same config always yields the same scenario.
func Generate(cfg GenerateConfig) (*Scenario, error) {
	if cfg.PerCountry <= 0 {
		cfg.PerCountry = 10
	}
	switch {
	case cfg.Countries <= 0 || cfg.Countries > len(templateCountries):
		return nil, fmt.Errorf("scenario: generate %d countries, have %d templates", cfg.Countries, len(templateCountries))
	case cfg.Provinces < cfg.Countries || cfg.Provinces > 65535:
		return nil, fmt.Errorf("scenario: generate %d provinces for %d countries", cfg.Provinces, cfg.Countries)
	}
	r := random.New(cfg.Seed)
	terrain := r.Branch(1)

	sc := &Scenario{
		Name:      fmt.Sprintf("generated-%d", cfg.Seed),
		Seed:      cfg.Seed,
		Terrains:  DefaultTerrains,
		Provinces: make([]Province, 0, cfg.Provinces),
		Countries: make([]Country, 0, cfg.Countries),
	}

	stride := cfg.Provinces / cfg.Countries
	run := min(cfg.PerCountry, stride)
	owner := make([]string, cfg.Provinces+1)
	for i := 0; i < cfg.Countries; i++ {
		t := templateCountries[i]
		first := 1 + i*stride
		for p := first; p < first+run; p++ {
			owner[p] = t.tag
		}
		sc.Countries = append(sc.Countries, Country{
			Tag:      t.tag,
			Name:     t.name,
			Color:    t.color,
			Capital:  uint16(first),
			Treasury: fixed.FromInt(int64(r.Range(50, 200))),
			Manpower: int32(r.Range(1, 20) * 1000),
			Flags:    []string{"playable"},
		})
	}
	for p := 1; p <= cfg.Provinces; p++ {
		name := DefaultTerrains[0]
		if owner[p] != "" || terrain.Chance(700) {
			name = DefaultTerrains[1+terrain.Intn(len(DefaultTerrains)-1)]
		}
		sc.Provinces = append(sc.Provinces, Province{ID: uint16(p), Owner: owner[p], Terrain: name})
	}
	// neighbouring countries start with a mild mutual opinion
	for i := 1; i < cfg.Countries; i++ {
		sc.Relations = append(sc.Relations, Relation{
			From:    templateCountries[i-1].tag,
			To:      templateCountries[i].tag,
			Opinion: int16(r.Range(-50, 50)),
			Mutual:  true,
		})
	}
	if err := sc.check(); err != nil {
		return nil, err
	}
	raw, err := sc.Marshal()
	if err != nil {
		return nil, err
	}
	sc.Digest = xxhash.Sum64(raw)
	return sc, nil
}
