package gate

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"bytemomo/charybdis/internal/domain"
)

// Config holds every weight and threshold the gate uses. Nothing in the
// scoring formula is hardcoded; deployments override these per bench.
type Config struct {
	// Threshold is the maximum score a physical-target case may carry
	// and still be authorized.
	Threshold float64 `yaml:"threshold"`

	// ModeWeight scales the execution-mode factor.
	ModeWeight float64 `yaml:"mode_weight"`
	// PhysicalFactor and EmulatedFactor are the mode factors per
	// execution mode. Physical must dominate.
	PhysicalFactor float64 `yaml:"physical_factor"`
	EmulatedFactor float64 `yaml:"emulated_factor"`

	// DestructWeight scales the payload destructiveness class.
	DestructWeight float64 `yaml:"destruct_weight"`
	// Destructiveness maps an abuse category to its class value in
	// [0,1]. Categories not listed fall back to DefaultDestructiveness.
	Destructiveness        map[domain.AttackCategory]float64 `yaml:"destructiveness"`
	DefaultDestructiveness float64                           `yaml:"default_destructiveness"`

	// FaultWeight scales the historical fault rate of the targeted
	// entry point.
	FaultWeight float64 `yaml:"fault_weight"`

	// RangeWeight is added when a register write lands outside the
	// profile's declared writable window.
	RangeWeight float64 `yaml:"range_weight"`

	// DecayWeight scales the safe-run decay term and DecayHalfLife is
	// the number of safe executions at which the term reaches half its
	// ceiling.
	DecayWeight   float64 `yaml:"decay_weight"`
	DecayHalfLife int     `yaml:"decay_half_life"`
}

// DefaultConfig returns conservative weights: physical mode alone puts
// a case near the threshold, so only decayed, whitelisted operations
// pass against hardware.
func DefaultConfig() Config {
	return Config{
		Threshold:      0.5,
		ModeWeight:     0.5,
		PhysicalFactor: 1.0,
		EmulatedFactor: 0.1,
		DestructWeight: 0.3,
		Destructiveness: map[domain.AttackCategory]float64{
			domain.AttackFlood:      0.9,
			domain.AttackExhaustion: 0.9,
			domain.AttackInjection:  0.7,
			domain.AttackSpoof:      0.6,
			domain.AttackDowngrade:  0.4,
			domain.AttackReplay:     0.3,
		},
		DefaultDestructiveness: 0.2,
		FaultWeight:            0.2,
		RangeWeight:            0.3,
		DecayWeight:            0.25,
		DecayHalfLife:          8,
	}
}

// Merge overlays non-zero fields of override onto c.
func (c Config) Merge(override Config) Config {
	if override.Threshold != 0 {
		c.Threshold = override.Threshold
	}
	if override.ModeWeight != 0 {
		c.ModeWeight = override.ModeWeight
	}
	if override.PhysicalFactor != 0 {
		c.PhysicalFactor = override.PhysicalFactor
	}
	if override.EmulatedFactor != 0 {
		c.EmulatedFactor = override.EmulatedFactor
	}
	if override.DestructWeight != 0 {
		c.DestructWeight = override.DestructWeight
	}
	if len(override.Destructiveness) != 0 {
		c.Destructiveness = override.Destructiveness
	}
	if override.DefaultDestructiveness != 0 {
		c.DefaultDestructiveness = override.DefaultDestructiveness
	}
	if override.FaultWeight != 0 {
		c.FaultWeight = override.FaultWeight
	}
	if override.RangeWeight != 0 {
		c.RangeWeight = override.RangeWeight
	}
	if override.DecayWeight != 0 {
		c.DecayWeight = override.DecayWeight
	}
	if override.DecayHalfLife != 0 {
		c.DecayHalfLife = override.DecayHalfLife
	}
	return c
}

// Validate rejects weight combinations that could never deny anything
// or could never authorize anything physical.
func (c Config) Validate() error {
	if c.Threshold <= 0 || c.Threshold > 1 {
		return fmt.Errorf("gate config: threshold %v outside (0,1]", c.Threshold)
	}
	if c.PhysicalFactor <= c.EmulatedFactor {
		return fmt.Errorf("gate config: physical factor %v must exceed emulated factor %v",
			c.PhysicalFactor, c.EmulatedFactor)
	}
	if c.DecayHalfLife <= 0 {
		return fmt.Errorf("gate config: decay half-life must be positive")
	}
	return nil
}

// LoadConfig reads a gate config file and merges it over the defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("gate config: %w", err)
	}
	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return Config{}, fmt.Errorf("gate config %s: %w", path, err)
	}
	cfg := DefaultConfig().Merge(override)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
