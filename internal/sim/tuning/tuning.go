package tuning

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"lockstep.gg/internal/sim/fixed"
	"lockstep.gg/internal/sim/modifiers"
	"lockstep.gg/internal/sim/processor"
	"lockstep.gg/internal/sim/state"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickRateHz int    `yaml:"tick_rate_hz"`
	Seed       uint64 `yaml:"seed"`

	Capacities    Capacities `yaml:"capacities"`
	ModifierTypes []string   `yaml:"modifier_types"`
	Opinion       Opinion    `yaml:"opinion"`
	Commands      Commands   `yaml:"commands"`
	Sync          Sync       `yaml:"sync"`
}

type Capacities struct {
	Provinces        int `yaml:"provinces"`
	Countries        int `yaml:"countries"`
	OpinionModifiers int `yaml:"opinion_modifiers"`
	GlobalSources    int `yaml:"global_sources"`
	CountrySources   int `yaml:"country_sources"`
	ProvinceSources  int `yaml:"province_sources"`
}

type Opinion struct {
	Min             fixed.Value `yaml:"min"`
	Max             fixed.Value `yaml:"max"`
	DecayEveryTicks int         `yaml:"decay_every_ticks"`
	DecayWorkers    int         `yaml:"decay_workers"`
}

type Commands struct {
	LeadWindowTicks int `yaml:"lead_window_ticks"`
	QueueLimit      int `yaml:"queue_limit"`
	RateWindowTicks int `yaml:"rate_window_ticks"`
	RateMax         int `yaml:"rate_max"`
	// InputDelayTicks is how far ahead of the current tick local commands
	// must be scheduled, so their batch reaches every peer in time.
	InputDelayTicks int `yaml:"input_delay_ticks"`
}

type Sync struct {
	ChecksumEveryTicks int `yaml:"checksum_every_ticks"`
	// ChecksumHistory is how many past local checksums are kept for
	// comparison with late peer reports.
	ChecksumHistory int `yaml:"checksum_history"`
	ResyncTimeoutMs int `yaml:"resync_timeout_ms"`
	// SaveEveryTicks is the periodic save cadence; 0 disables it.
	SaveEveryTicks int `yaml:"save_every_ticks"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion: "1",
		TickRateHz:      10,
		Seed:            1,
		Capacities: Capacities{
			Provinces:        4096,
			Countries:        256,
			OpinionModifiers: 8192,
			GlobalSources:    64,
			CountrySources:   32,
			ProvinceSources:  8,
		},
		ModifierTypes: []string{"tax", "production", "manpower", "defense", "unrest"},
		Opinion: Opinion{
			Min:             fixed.FromInt(-200),
			Max:             fixed.FromInt(200),
			DecayEveryTicks: 10,
			DecayWorkers:    4,
		},
		Commands: Commands{
			LeadWindowTicks: 8,
			QueueLimit:      4096,
			RateWindowTicks: 10,
			RateMax:         64,
			InputDelayTicks: 2,
		},
		Sync: Sync{
			ChecksumEveryTicks: 1,
			ChecksumHistory:    64,
			ResyncTimeoutMs:    5000,
			SaveEveryTicks:     600,
		},
	}
}

// Load reads a YAML file over the defaults; keys missing from the file keep
// their default value.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t *Tuning) Normalize() {
	t.ProtocolVersion = strings.TrimSpace(t.ProtocolVersion)
	names := t.ModifierTypes[:0]
	for _, n := range t.ModifierTypes {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	t.ModifierTypes = names
	if t.Opinion.DecayWorkers <= 0 {
		t.Opinion.DecayWorkers = 1
	}
}

func (t Tuning) Validate() error {
	c := t.Capacities
	switch {
	case t.TickRateHz <= 0 || t.TickRateHz > 1000:
		return fmt.Errorf("tick_rate_hz must be in [1, 1000]")
	case c.Provinces <= 0 || c.Provinces > 1<<16:
		return fmt.Errorf("capacities.provinces must be in [1, 65536]")
	case c.Countries <= 1 || c.Countries > 1<<16:
		return fmt.Errorf("capacities.countries must be in [2, 65536]")
	case c.OpinionModifiers < 0:
		return fmt.Errorf("capacities.opinion_modifiers must be >= 0")
	case c.GlobalSources < 0 || c.CountrySources < 0 || c.ProvinceSources < 0:
		return fmt.Errorf("modifier source capacities must be >= 0")
	case len(t.ModifierTypes) > modifiers.MaxTypes:
		return fmt.Errorf("modifier_types: %d declared, at most %d", len(t.ModifierTypes), modifiers.MaxTypes)
	case t.Opinion.Min > t.Opinion.Max:
		return fmt.Errorf("opinion.min must be <= opinion.max")
	case t.Opinion.DecayEveryTicks <= 0:
		return fmt.Errorf("opinion.decay_every_ticks must be > 0")
	case t.Commands.LeadWindowTicks <= 0:
		return fmt.Errorf("commands.lead_window_ticks must be > 0")
	case t.Commands.QueueLimit <= 0:
		return fmt.Errorf("commands.queue_limit must be > 0")
	case t.Commands.RateWindowTicks < 0 || t.Commands.RateMax < 0:
		return fmt.Errorf("commands rate limit must be >= 0")
	case t.Commands.InputDelayTicks < 0 || 2*t.Commands.InputDelayTicks > t.Commands.LeadWindowTicks:
		return fmt.Errorf("commands.input_delay_ticks must be in [0, lead_window_ticks/2]")
	case t.Sync.ChecksumEveryTicks <= 0:
		return fmt.Errorf("sync.checksum_every_ticks must be > 0")
	case t.Sync.ChecksumHistory <= 0:
		return fmt.Errorf("sync.checksum_history must be > 0")
	case t.Sync.ResyncTimeoutMs <= 0:
		return fmt.Errorf("sync.resync_timeout_ms must be > 0")
	case t.Sync.SaveEveryTicks < 0:
		return fmt.Errorf("sync.save_every_ticks must be >= 0")
	}
	seen := make(map[string]bool, len(t.ModifierTypes))
	for _, n := range t.ModifierTypes {
		if seen[n] {
			return fmt.Errorf("modifier_types: duplicate %q", n)
		}
		seen[n] = true
	}
	return nil
}

func (t Tuning) TickDuration() time.Duration {
	return time.Second / time.Duration(t.TickRateHz)
}

func (t Tuning) ResyncTimeout() time.Duration {
	return time.Duration(t.Sync.ResyncTimeoutMs) * time.Millisecond
}

func (t Tuning) StateConfig() state.Config {
	return state.Config{
		Provinces:        t.Capacities.Provinces,
		Countries:        t.Capacities.Countries,
		OpinionModifiers: t.Capacities.OpinionModifiers,
		OpinionMin:       t.Opinion.Min,
		OpinionMax:       t.Opinion.Max,
	}
}

func (t Tuning) ModifierConfig() modifiers.Config {
	return modifiers.Config{
		Countries:       t.Capacities.Countries,
		Provinces:       t.Capacities.Provinces,
		GlobalSources:   t.Capacities.GlobalSources,
		CountrySources:  t.Capacities.CountrySources,
		ProvinceSources: t.Capacities.ProvinceSources,
	}
}

func (t Tuning) ProcessorConfig() processor.Config {
	return processor.Config{
		LeadWindow: uint32(t.Commands.LeadWindowTicks),
		QueueLimit: t.Commands.QueueLimit,
		RateWindow: uint32(t.Commands.RateWindowTicks),
		RateMax:    t.Commands.RateMax,
	}
}

func (t Tuning) Registry() (*modifiers.Registry, error) {
	return modifiers.NewRegistry(t.ModifierTypes...)
}

// Marshal renders the effective tuning as YAML.
func (t Tuning) Marshal() ([]byte, error) {
	return yaml.Marshal(t)
}

// Digest identifies the effective tuning; peers must run identical values.
func (t Tuning) Digest() (string, error) {
	b, err := t.Marshal()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
