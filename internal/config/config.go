// Package config loads run plans: the targets to test, their device
// profiles, the exploit templates to seed from, and the campaign and
// gate settings.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"bytemomo/charybdis/internal/domain"
	"bytemomo/charybdis/internal/fuzz"
	"bytemomo/charybdis/internal/gate"
)

// Plan is one testing run: everything the engine needs to register
// targets and drive sessions or campaigns against them.
type Plan struct {
	Targets   []domain.Target          `yaml:"targets"`
	Profiles  []domain.DeviceProfile   `yaml:"profiles,omitempty"`
	Templates []domain.ExploitTemplate `yaml:"templates,omitempty"`
	Campaign  fuzz.Config              `yaml:"campaign,omitempty"`
	Gate      gate.Config              `yaml:"gate,omitempty"`
	// Seeds are hex-encoded corpus seed payloads.
	Seeds []string `yaml:"seeds,omitempty"`
	// CapturePath, when set, enables the pcap recorder.
	CapturePath string `yaml:"capture_path,omitempty"`
	// AuditPath, when set, mirrors the audit trail to a JSONL file.
	AuditPath string `yaml:"audit_path,omitempty"`
	// StorePath is the knowledge base location.
	StorePath string `yaml:"store_path,omitempty"`
}

// Validate checks every entity the plan declares.
func (p *Plan) Validate() error {
	if len(p.Targets) == 0 {
		return fmt.Errorf("plan declares no targets")
	}
	for i := range p.Targets {
		if err := p.Targets[i].Validate(); err != nil {
			return err
		}
	}
	for i := range p.Templates {
		if err := p.Templates[i].Validate(); err != nil {
			return err
		}
	}
	for _, s := range p.Seeds {
		if _, err := hex.DecodeString(s); err != nil {
			return fmt.Errorf("seed %q is not valid hex: %w", s, err)
		}
	}
	return nil
}

// SeedPayloads decodes the hex seeds. Call after Validate.
func (p *Plan) SeedPayloads() [][]byte {
	out := make([][]byte, 0, len(p.Seeds))
	for _, s := range p.Seeds {
		b, err := hex.DecodeString(s)
		if err != nil {
			continue
		}
		out = append(out, b)
	}
	return out
}

// Loader loads and validates plan files relative to a base path.
type Loader struct {
	basePath string
}

// NewLoader creates a loader rooted at basePath.
func NewLoader(basePath string) *Loader {
	if basePath == "" {
		basePath = "."
	}
	return &Loader{basePath: basePath}
}

// LoadPlan reads, env-expands, defaults, and validates a plan file.
func (l *Loader) LoadPlan(path string) (*Plan, error) {
	fullPath := l.resolvePath(path)

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file %s: %w", fullPath, err)
	}
	data = []byte(os.ExpandEnv(string(data)))

	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan file %s: %w", fullPath, err)
	}

	l.setDefaults(&plan)

	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("plan validation failed for %s: %w", fullPath, err)
	}
	return &plan, nil
}

// FindPlans searches for plan files in the specified directory.
func (l *Loader) FindPlans(dir string) ([]string, error) {
	searchDir := l.resolvePath(dir)
	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(searchDir, pattern))
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	return files, nil
}

func (l *Loader) setDefaults(plan *Plan) {
	plan.Campaign = fuzz.DefaultConfig().Merge(plan.Campaign)
	plan.Gate = gate.DefaultConfig().Merge(plan.Gate)
	if plan.StorePath == "" {
		plan.StorePath = "charybdis.db"
	}
	for i := range plan.Targets {
		if plan.Targets[i].Mode == "" {
			plan.Targets[i].Mode = domain.ModePhysical
		}
	}
}

func (l *Loader) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(l.basePath, path)
}
