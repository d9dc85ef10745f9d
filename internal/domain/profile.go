package domain

import "time"

// MemoryRegion describes one mapped region of a device or firmware image.
type MemoryRegion struct {
	Name     string `yaml:"name" json:"name"`
	Start    uint64 `yaml:"start" json:"start"`
	Size     uint64 `yaml:"size" json:"size"`
	Writable bool   `yaml:"writable,omitempty" json:"writable,omitempty"`
}

// Contains reports whether addr falls inside the region.
func (r MemoryRegion) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.Start+r.Size
}

// RegisterRange is a window of writable protocol registers, e.g. the
// Modbus coils an industrial profile permits writes to.
type RegisterRange struct {
	First uint16 `yaml:"first" json:"first"`
	Count uint16 `yaml:"count" json:"count"`
}

// Contains reports whether a register address is inside the window.
func (rr RegisterRange) Contains(addr uint16) bool {
	return rr.Count > 0 && addr >= rr.First && addr < rr.First+rr.Count
}

// CryptoWeakness is a static-analysis observation about weak cryptography
// in a firmware image.
type CryptoWeakness struct {
	Kind     string `yaml:"kind" json:"kind"` // hardcoded-key, weak-rng, legacy-cipher
	Evidence string `yaml:"evidence,omitempty" json:"evidence,omitempty"`
	Offset   uint64 `yaml:"offset,omitempty" json:"offset,omitempty"`
}

// EntryPointProfile accumulates per-function execution history. The gate
// reads it for destructiveness and decay, so the counters must only be
// advanced through RecordRun.
type EntryPointProfile struct {
	Name        string `yaml:"name" json:"name"`
	Offset      uint64 `yaml:"offset,omitempty" json:"offset,omitempty"`
	Invocations int    `yaml:"invocations,omitempty" json:"invocations,omitempty"`
	Faults      int    `yaml:"faults,omitempty" json:"faults,omitempty"`
	SafeRuns    int    `yaml:"safe_runs,omitempty" json:"safe_runs,omitempty"`
}

// FaultRate is the fraction of invocations that faulted.
func (ep *EntryPointProfile) FaultRate() float64 {
	if ep.Invocations == 0 {
		return 0
	}
	return float64(ep.Faults) / float64(ep.Invocations)
}

// RecordRun advances the history with one execution outcome. A safe run
// is a normal completion; timeouts count as neither safe nor faulting.
func (ep *EntryPointProfile) RecordRun(outcome Outcome) {
	ep.Invocations++
	switch outcome {
	case OutcomeFault:
		ep.Faults++
	case OutcomeNormal:
		ep.SafeRuns++
	}
}

// DeviceProfile is the accumulated knowledge about one device family:
// architecture, memory layout, protocol surface, crypto posture, and the
// operations an operator has whitelisted for physical execution.
type DeviceProfile struct {
	TargetID    string              `yaml:"target_id" json:"target_id"`
	Vendor      string              `yaml:"vendor,omitempty" json:"vendor,omitempty"`
	Model       string              `yaml:"model,omitempty" json:"model,omitempty"`
	Arch        Architecture        `yaml:"arch,omitempty" json:"arch,omitempty"`
	Protocols   []Protocol          `yaml:"protocols,omitempty" json:"protocols,omitempty"`
	Memory      []MemoryRegion      `yaml:"memory,omitempty" json:"memory,omitempty"`
	Whitelist   []string            `yaml:"whitelist,omitempty" json:"whitelist,omitempty"`
	Coils       RegisterRange       `yaml:"coils,omitempty" json:"coils,omitempty"`
	Crypto      []CryptoWeakness    `yaml:"crypto,omitempty" json:"crypto,omitempty"`
	EntryPoints []EntryPointProfile `yaml:"entry_points,omitempty" json:"entry_points,omitempty"`
	UpdatedAt   time.Time           `yaml:"updated_at,omitempty" json:"updated_at,omitempty"`
}

// Whitelisted reports whether the named operation may run on physical
// hardware. An empty whitelist permits nothing.
func (p *DeviceProfile) Whitelisted(operation string) bool {
	if p == nil {
		return false
	}
	for _, op := range p.Whitelist {
		if op == operation {
			return true
		}
	}
	return false
}

// EntryPoint returns the profile for a named function, creating it on
// first reference so histories survive across campaigns.
func (p *DeviceProfile) EntryPoint(name string) *EntryPointProfile {
	for i := range p.EntryPoints {
		if p.EntryPoints[i].Name == name {
			return &p.EntryPoints[i]
		}
	}
	p.EntryPoints = append(p.EntryPoints, EntryPointProfile{Name: name})
	return &p.EntryPoints[len(p.EntryPoints)-1]
}

// HasWeakCrypto reports whether static analysis flagged the given
// weakness kind.
func (p *DeviceProfile) HasWeakCrypto(kind string) bool {
	if p == nil {
		return false
	}
	for _, w := range p.Crypto {
		if w.Kind == kind {
			return true
		}
	}
	return false
}

// ExploitTemplate binds a named abuse sequence to the protocol it applies
// to, with parameter defaults an operator can override per run.
type ExploitTemplate struct {
	ID       string            `yaml:"id" json:"id"`
	Name     string            `yaml:"name" json:"name"`
	Protocol Protocol          `yaml:"protocol" json:"protocol"`
	Abuse    string            `yaml:"abuse" json:"abuse"`
	Category AttackCategory    `yaml:"category,omitempty" json:"category,omitempty"`
	Params   map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
	Notes    string            `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// Validate checks the template references a known protocol.
func (t *ExploitTemplate) Validate() error {
	if err := t.Protocol.Validate(); err != nil {
		return err
	}
	return nil
}
