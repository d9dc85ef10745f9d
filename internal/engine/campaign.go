package engine

import (
	"context"
	"fmt"

	"bytemomo/charybdis/internal/domain"
	"bytemomo/charybdis/internal/fuzz"
)

// campaignBudget adapts campaign termination state to the gate's budget
// contract: once a campaign's case budget is spent, the gate denies
// anything still in flight for it.
type campaignBudget struct {
	c *fuzz.Campaign
}

func (b campaignBudget) Exhausted() bool {
	terminated, reason := b.c.Terminated()
	return terminated && reason == fuzz.ReasonBudgetExhausted
}

// CreateFuzzCampaign seeds a campaign against a registered target. The
// corpus is seeded from the explicit seeds plus every stored exploit
// template for the target's protocol.
func (e *Engine) CreateFuzzCampaign(ctx context.Context, targetID string, seeds [][]byte, cfg fuzz.Config) (*fuzz.Campaign, error) {
	st, ok := e.state(targetID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownTarget, targetID)
	}

	stored, err := e.store.Templates(st.target.Protocol)
	if err != nil {
		return nil, fmt.Errorf("campaign for %s: %w", targetID, err)
	}
	templates := make([]*domain.ExploitTemplate, 0, len(stored))
	for i := range stored {
		templates = append(templates, &stored[i])
	}

	return e.fuzzer.CreateCampaign(ctx, st.target, seeds, templates, fuzz.DefaultConfig().Merge(cfg))
}

// RunCampaign drives a campaign to termination through the dispatch
// pipeline. It blocks until the campaign stops.
func (e *Engine) RunCampaign(campaignID string) error {
	c, ok := e.fuzzer.Campaign(campaignID)
	if !ok {
		return fmt.Errorf("unknown campaign %q", campaignID)
	}
	budget := campaignBudget{c: c}
	return e.fuzzer.Run(c, func(ctx context.Context, tc *domain.TestCase) (domain.Telemetry, error) {
		return e.dispatch(ctx, tc, budget)
	})
}

// CampaignStatus returns a point-in-time snapshot of campaign progress.
func (e *Engine) CampaignStatus(campaignID string) (fuzz.Stats, error) {
	c, ok := e.fuzzer.Campaign(campaignID)
	if !ok {
		return fuzz.Stats{}, fmt.Errorf("unknown campaign %q", campaignID)
	}
	return c.Snapshot(), nil
}
