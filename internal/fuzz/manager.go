package fuzz

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"bytemomo/charybdis/internal/domain"
	"bytemomo/charybdis/internal/protocol"
)

// DispatchFunc executes one test case end to end: gate, audit, target
// execution, classification. The manager never talks to a target
// directly; the engine injects the pipeline here.
type DispatchFunc func(ctx context.Context, tc *domain.TestCase) (domain.Telemetry, error)

// Manager owns fuzz campaigns and the shared worker pool they execute
// on.
type Manager struct {
	pool *ants.Pool

	mu        sync.Mutex
	campaigns map[string]*Campaign
}

// NewManager builds a manager with a pre-allocated pool of poolSize
// workers shared by all campaigns.
func NewManager(poolSize int) (*Manager, error) {
	if poolSize <= 0 {
		poolSize = 16
	}
	pool, err := ants.NewPool(poolSize, ants.WithPreAlloc(true))
	if err != nil {
		return nil, fmt.Errorf("worker pool: %w", err)
	}
	return &Manager{pool: pool, campaigns: make(map[string]*Campaign)}, nil
}

// Close releases the worker pool. Campaigns must be terminated first.
func (m *Manager) Close() {
	m.pool.Release()
}

// CreateCampaign seeds a campaign corpus from explicit seeds plus the
// encoded abuse trains of the given exploit templates, then registers
// the campaign. It does not start dispatching; Run does.
func (m *Manager) CreateCampaign(ctx context.Context, target *domain.Target, seeds [][]byte, templates []*domain.ExploitTemplate, cfg Config) (*Campaign, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Strategy.Valid() {
		return nil, fmt.Errorf("campaign for %s: unknown strategy %q", target.ID, cfg.Strategy)
	}
	def, _ := protocol.Lookup(target.Protocol)

	c, err := newCampaign(ctx, target, def, cfg)
	if err != nil {
		return nil, err
	}
	for _, seed := range seeds {
		c.corpus.Seed(seed, "seed")
	}
	for _, tmpl := range templates {
		if tmpl.Protocol != target.Protocol || def == nil {
			continue
		}
		payloads, err := def.EncodeAbuse(tmpl.Abuse, tmpl.Params)
		if err != nil {
			log.WithFields(log.Fields{
				"campaign": c.ID,
				"template": tmpl.ID,
				"err":      err,
			}).Warn("template seed skipped")
			continue
		}
		for _, p := range payloads {
			c.corpus.Seed(p, "template:"+tmpl.ID)
		}
	}
	if def != nil {
		for _, token := range def.Dictionary {
			c.corpus.Seed(token, "dictionary")
		}
	}
	if c.corpus.Len() == 0 {
		c.cancel()
		return nil, fmt.Errorf("campaign for %s: no usable seeds", target.ID)
	}

	m.mu.Lock()
	m.campaigns[c.ID] = c
	m.mu.Unlock()
	log.WithFields(log.Fields{
		"campaign": c.ID,
		"target":   target.ID,
		"protocol": target.Protocol,
		"seeds":    c.corpus.Len(),
		"budget":   cfg.CaseBudget,
	}).Info("fuzz campaign created")
	return c, nil
}

// Campaign returns a registered campaign by id.
func (m *Manager) Campaign(id string) (*Campaign, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	return c, ok
}

// Campaigns returns a snapshot of all registered campaigns.
func (m *Manager) Campaigns() []*Campaign {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Campaign, 0, len(m.campaigns))
	for _, c := range m.campaigns {
		out = append(out, c)
	}
	return out
}

// Run drives a campaign to termination: pick, mutate, dispatch on the
// pool, record. The pace is shaped by the campaign's rate limit and the
// loop stops on budget exhaustion, a wedged target, corpus corruption,
// or context cancellation. The final corpus state stays available for
// status queries after Run returns.
func (m *Manager) Run(c *Campaign, dispatch DispatchFunc) error {
	limiter := rate.NewLimiter(rate.Limit(c.cfg.RPS), c.cfg.Burst)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if err := limiter.Wait(c.ctx); err != nil {
			c.Terminate(ReasonStopped)
			break
		}
		tc, err := c.NextTestCase()
		if err != nil {
			if errors.Is(err, domain.ErrCampaignTerminated) || errors.Is(err, domain.ErrCorpusCorruption) {
				break
			}
			return fmt.Errorf("campaign %s: %w", c.ID, err)
		}
		wg.Add(1)
		task := func() {
			defer wg.Done()
			m.runOne(c, tc, dispatch)
		}
		if err := m.pool.Submit(task); err != nil {
			wg.Done()
			c.Terminate(ReasonStopped)
			return fmt.Errorf("campaign %s: %w", c.ID, err)
		}
	}

	_, reason := c.Terminated()
	log.WithFields(log.Fields{
		"campaign": c.ID,
		"reason":   reason,
	}).Info("campaign run finished")
	return nil
}

// runOne executes a single case and feeds the result back. Gate
// denials terminate the campaign only when the authorization budget is
// gone; any other denial is counted and skipped.
func (m *Manager) runOne(c *Campaign, tc *domain.TestCase, dispatch DispatchFunc) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ExecTimeout)
	defer cancel()

	tel, err := dispatch(ctx, tc)
	if err != nil {
		var denial *domain.GateDenialError
		if errors.As(err, &denial) {
			c.RecordDenial()
			if denial.Reason == domain.DenialBudgetExhausted {
				c.Terminate(ReasonBudgetExhausted)
			}
			return
		}
		if tel.Outcome == "" {
			tel.Outcome = domain.OutcomeTransportError
		}
	}
	tel.TestCaseID = tc.ID
	c.RecordResult(tc, tel)
}
