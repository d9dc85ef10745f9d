package fuzz

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"bytemomo/charybdis/internal/domain"
	"bytemomo/charybdis/internal/protocol"
)

// TerminationReason records why a campaign stopped issuing cases.
type TerminationReason string

const (
	ReasonStopped          TerminationReason = "stopped"
	ReasonBudgetExhausted  TerminationReason = "budget-exhausted"
	ReasonTargetWedged     TerminationReason = "target-unresponsive"
	ReasonCorpusCorruption TerminationReason = "corpus-corruption"
)

// Config shapes one campaign. Zero fields fall back to defaults.
type Config struct {
	CaseBudget        int           `yaml:"case_budget" json:"case_budget"`
	RPS               float64       `yaml:"rps" json:"rps"`
	Burst             int           `yaml:"burst" json:"burst"`
	Workers           int           `yaml:"workers" json:"workers"`
	ExecTimeout       time.Duration `yaml:"exec_timeout" json:"exec_timeout"`
	UnresponsiveLimit int           `yaml:"unresponsive_limit" json:"unresponsive_limit"`
	Strategy          Strategy      `yaml:"strategy" json:"strategy"`
	Seed              int64         `yaml:"seed" json:"seed"`
	CorpusDir         string        `yaml:"corpus_dir" json:"corpus_dir"`
	EntryPoint        string        `yaml:"entry_point" json:"entry_point"`
}

// DefaultConfig returns the baseline campaign shape.
func DefaultConfig() Config {
	return Config{
		CaseBudget:        4096,
		RPS:               64,
		Burst:             8,
		Workers:           4,
		ExecTimeout:       2 * time.Second,
		UnresponsiveLimit: 3,
		Strategy:          StrategyMixed,
		Seed:              1,
	}
}

// Merge overlays non-zero fields of override onto c.
func (c Config) Merge(override Config) Config {
	if override.CaseBudget != 0 {
		c.CaseBudget = override.CaseBudget
	}
	if override.RPS != 0 {
		c.RPS = override.RPS
	}
	if override.Burst != 0 {
		c.Burst = override.Burst
	}
	if override.Workers != 0 {
		c.Workers = override.Workers
	}
	if override.ExecTimeout != 0 {
		c.ExecTimeout = override.ExecTimeout
	}
	if override.UnresponsiveLimit != 0 {
		c.UnresponsiveLimit = override.UnresponsiveLimit
	}
	if override.Strategy != "" {
		c.Strategy = override.Strategy
	}
	if override.Seed != 0 {
		c.Seed = override.Seed
	}
	if override.CorpusDir != "" {
		c.CorpusDir = override.CorpusDir
	}
	if override.EntryPoint != "" {
		c.EntryPoint = override.EntryPoint
	}
	return c
}

// Stats is a point-in-time snapshot of campaign progress.
type Stats struct {
	Cases            int               `json:"cases"`
	Crashes          int               `json:"crashes"`
	UniqueSignatures int               `json:"unique_signatures"`
	CoverageTiers    int               `json:"coverage_tiers"`
	CorpusSize       int               `json:"corpus_size"`
	Unresponsive     int               `json:"unresponsive"`
	Denied           int               `json:"denied"`
	Running          bool              `json:"running"`
	Reason           TerminationReason `json:"reason,omitempty"`
}

// Campaign is one fuzzing run against one target. Case issue and result
// recording are safe to call from any goroutine; the corpus serializes
// its own writes and the campaign mutex guards everything else.
type Campaign struct {
	ID       string
	TargetID string
	Protocol domain.Protocol

	cfg    Config
	corpus *Corpus
	mut    *Mutator

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	rng          *rand.Rand
	issued       int
	cases        int
	crashes      int
	unresponsive int
	denied       int
	consecWedged int
	reason       TerminationReason
	terminated   bool
}

func newCampaign(ctx context.Context, target *domain.Target, def *protocol.Definition, cfg Config) (*Campaign, error) {
	corpus, err := NewCorpus(cfg.CorpusDir)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithCancel(ctx)
	return &Campaign{
		ID:       uuid.NewString(),
		TargetID: target.ID,
		Protocol: target.Protocol,
		cfg:      cfg,
		corpus:   corpus,
		mut:      NewMutator(cfg.Seed, def),
		ctx:      cctx,
		cancel:   cancel,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Context is cancelled when the campaign terminates; dispatchers derive
// execution deadlines from it.
func (c *Campaign) Context() context.Context { return c.ctx }

// Config returns the effective campaign configuration.
func (c *Campaign) Config() Config { return c.cfg }

// Corpus exposes the working set, mainly for status reporting.
func (c *Campaign) Corpus() *Corpus { return c.corpus }

// NextTestCase mutates a corpus pick into a fresh case. Once terminated
// every call reports ErrCampaignTerminated with the recorded reason.
func (c *Campaign) NextTestCase() (*domain.TestCase, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return nil, fmt.Errorf("campaign %s (%s): %w", c.ID, c.reason, domain.ErrCampaignTerminated)
	}
	if c.issued >= c.cfg.CaseBudget {
		c.terminateLocked(ReasonBudgetExhausted)
		return nil, fmt.Errorf("campaign %s (%s): %w", c.ID, c.reason, domain.ErrCampaignTerminated)
	}

	entry, err := c.corpus.Pick(c.rng)
	if err != nil {
		if errors.Is(err, domain.ErrCorpusCorruption) {
			c.quarantineLocked()
			return nil, err
		}
		return nil, err
	}
	var donor []byte
	if d, err := c.corpus.Pick(c.rng); err == nil {
		donor = d.Payload
	}

	strategy := c.cfg.Strategy
	if strategy == StrategyMixed {
		strategy = allStrategies[c.issued%len(allStrategies)]
	}
	payload := c.mut.Mutate(strategy, entry.Payload, donor)

	tc := domain.NewTestCase(c.TargetID, domain.OriginFuzzer, payload)
	tc.Protocol = c.Protocol
	tc.CampaignID = c.ID
	tc.Strategy = string(strategy)
	tc.EntryPoint = c.cfg.EntryPoint
	c.issued++
	return tc, nil
}

// RecordResult folds one execution back into the campaign: stats,
// corpus admission, and the wedge counter. Three target-unresponsive
// outcomes in a row terminate the campaign.
func (c *Campaign) RecordResult(tc *domain.TestCase, tel domain.Telemetry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return
	}
	c.cases++
	if tel.Faulted() {
		c.crashes++
	}
	if tel.Unresponsive() {
		c.unresponsive++
		c.consecWedged++
		if c.consecWedged >= c.cfg.UnresponsiveLimit {
			log.WithFields(log.Fields{
				"campaign": c.ID,
				"target":   c.TargetID,
				"streak":   c.consecWedged,
			}).Warn("target wedged, terminating campaign")
			c.terminateLocked(ReasonTargetWedged)
			return
		}
	} else {
		c.consecWedged = 0
	}

	if entry, admitted := c.corpus.Admit(tc.Payload, tel); admitted {
		log.WithFields(log.Fields{
			"campaign": c.ID,
			"entry":    entry.ID,
			"fitness":  entry.Fitness,
			"crash":    entry.CrashKey != "",
		}).Debug("corpus admission")
	}
}

// RecordDenial counts a gate-denied case without executing it.
func (c *Campaign) RecordDenial() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.denied++
}

// Terminate stops the campaign with the given reason. The first caller
// wins; later reasons are ignored.
func (c *Campaign) Terminate(reason TerminationReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminateLocked(reason)
}

func (c *Campaign) terminateLocked(reason TerminationReason) {
	if c.terminated {
		return
	}
	c.terminated = true
	c.reason = reason
	c.cancel()
	log.WithFields(log.Fields{
		"campaign": c.ID,
		"target":   c.TargetID,
		"reason":   reason,
		"cases":    c.cases,
	}).Info("campaign terminated")
}

// quarantineLocked handles corpus corruption: the corpus dir is set
// aside and the campaign stops for good.
func (c *Campaign) quarantineLocked() {
	if err := c.corpus.Quarantine(); err != nil {
		log.WithFields(log.Fields{"campaign": c.ID, "err": err}).Error("quarantine failed")
	}
	c.terminateLocked(ReasonCorpusCorruption)
}

// Terminated reports whether the campaign has stopped and why.
func (c *Campaign) Terminated() (bool, TerminationReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated, c.reason
}

// Snapshot returns current campaign statistics.
func (c *Campaign) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Cases:            c.cases,
		Crashes:          c.crashes,
		UniqueSignatures: c.corpus.UniqueCrashes(),
		CoverageTiers:    c.corpus.CoverageTiers(),
		CorpusSize:       c.corpus.Len(),
		Unresponsive:     c.unresponsive,
		Denied:           c.denied,
		Running:          !c.terminated,
		Reason:           c.reason,
	}
}
