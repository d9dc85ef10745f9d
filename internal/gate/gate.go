// Package gate is the single authority every test case passes before it
// reaches a target. It scores the pre-brick risk of an execution,
// authorizes or denies it, and seals each decision into the audit
// trail. Scoring is a pure function of its inputs, so any recorded
// decision can be replayed bit for bit.
package gate

import (
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"bytemomo/charybdis/internal/audit"
	"bytemomo/charybdis/internal/domain"
	"bytemomo/charybdis/internal/protocol"
)

// Budget reports whether the requesting campaign still has resource
// budget. Emulated targets are denied only on an exhausted budget.
type Budget interface {
	Exhausted() bool
}

// Gate evaluates test cases. Config swaps are atomic, so a hot reload
// never interleaves with an evaluation.
type Gate struct {
	mu    sync.RWMutex
	cfg   Config
	trail *audit.Trail
}

// New builds a gate writing decisions to trail.
func New(cfg Config, trail *audit.Trail) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Gate{cfg: cfg, trail: trail}, nil
}

// Config returns the active configuration.
func (g *Gate) Config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// SetConfig swaps the active configuration. Invalid configs are
// rejected and the previous one stays in force.
func (g *Gate) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
	log.WithFields(log.Fields{"threshold": cfg.Threshold}).Info("gate config updated")
	return nil
}

// Evaluate scores tc against target, records the decision, and returns
// it. A denial is a decision, not an error; the caller converts it to a
// GateDenialError when reporting upward.
//
// Physical targets are authorized only when the score stays under the
// threshold and the device profile whitelists the operation; the
// whitelist is checked first, so profile gaps always surface as
// NotWhitelisted regardless of how low the score is. Emulated targets
// are authorized unless the campaign budget is exhausted.
func (g *Gate) Evaluate(tc *domain.TestCase, target *domain.Target, profile *domain.DeviceProfile, budget Budget) domain.RiskScore {
	g.mu.RLock()
	cfg := g.cfg
	g.mu.RUnlock()

	score := g.score(cfg, tc, target, profile)
	score.Decision = domain.DecisionAuthorized

	switch {
	case target.Physical():
		if !profile.Whitelisted(tc.OperationKey()) {
			score.Decision = domain.DecisionDenied
			score.Reason = domain.DenialNotWhitelisted
		} else if score.Value > cfg.Threshold {
			score.Decision = domain.DecisionDenied
			score.Reason = domain.DenialExceedsRisk
		}
	default:
		if budget != nil && budget.Exhausted() {
			score.Decision = domain.DecisionDenied
			score.Reason = domain.DenialBudgetExhausted
		}
	}

	rec := g.trail.Append(target.ID, tc, target.Mode, score)
	entry := log.WithFields(log.Fields{
		"target":    target.ID,
		"case":      tc.ID,
		"operation": tc.OperationKey(),
		"score":     score.Value,
		"decision":  score.Decision,
		"audit":     rec.Index,
	})
	if score.Denied() {
		entry.WithField("reason", score.Reason).Warn("test case denied")
	} else {
		entry.Debug("test case authorized")
	}
	return score
}

// score computes the weighted risk value. Deterministic: identical
// inputs always produce the identical score.
func (g *Gate) score(cfg Config, tc *domain.TestCase, target *domain.Target, profile *domain.DeviceProfile) domain.RiskScore {
	mode := cfg.EmulatedFactor
	if target.Physical() {
		mode = cfg.PhysicalFactor
	}

	destruct, ok := cfg.Destructiveness[tc.Abuse]
	if !ok {
		destruct = cfg.DefaultDestructiveness
	}

	var faultRate float64
	var safeRuns int
	if profile != nil {
		if ep := lookupEntryPoint(profile, tc.OperationKey()); ep != nil {
			faultRate = ep.FaultRate()
			safeRuns = ep.SafeRuns
		}
	}

	// A register write outside the profile's declared writable window
	// carries extra risk. Profiles that declare no window take no
	// position and the factor stays zero.
	outOfRange := false
	if profile != nil && profile.Coils.Count > 0 && tc.Protocol == domain.ProtocolModbus {
		if addr, ok := protocol.ModbusWriteAddress(tc.Payload); ok && !profile.Coils.Contains(addr) {
			outOfRange = true
		}
	}
	var ranged float64
	if outOfRange {
		ranged = cfg.RangeWeight
	}

	// Accumulated safe executions are evidence of non-destructiveness:
	// the decay term approaches DecayWeight as safeRuns grows, halving
	// its remaining distance every DecayHalfLife runs.
	decay := cfg.DecayWeight * (1 - math.Exp2(-float64(safeRuns)/float64(cfg.DecayHalfLife)))

	value := cfg.ModeWeight*mode + cfg.DestructWeight*destruct + cfg.FaultWeight*faultRate + ranged - decay
	value = clamp01(value)

	return domain.RiskScore{
		Value:     value,
		Threshold: cfg.Threshold,
		Factors: domain.RiskFactors{
			ModeFactor:      mode,
			Destructiveness: destruct,
			Decay:           decay,
			SafeRuns:        safeRuns,
			FaultRate:       faultRate,
			OutOfRange:      outOfRange,
		},
		EvaluatedAt: time.Now().UTC(),
	}
}

// lookupEntryPoint avoids DeviceProfile.EntryPoint, which creates the
// record on first reference. Scoring must not mutate the profile.
func lookupEntryPoint(p *domain.DeviceProfile, name string) *domain.EntryPointProfile {
	for i := range p.EntryPoints {
		if p.EntryPoints[i].Name == name {
			return &p.EntryPoints[i]
		}
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
