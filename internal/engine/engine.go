// Package engine is the upward facade: it wires targets, the safety
// gate, adapters, the classifier, and the fuzz manager into one
// dispatch pipeline, and exposes the operations a CLI or API layer
// calls.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"bytemomo/charybdis/internal/audit"
	"bytemomo/charybdis/internal/classify"
	"bytemomo/charybdis/internal/domain"
	"bytemomo/charybdis/internal/fuzz"
	"bytemomo/charybdis/internal/gate"
	"bytemomo/charybdis/internal/protocol"
	"bytemomo/charybdis/internal/record"
)

const defaultExecTimeout = 2 * time.Second

type targetState struct {
	target      *domain.Target
	adapter     domain.TargetAdapter
	unreachable bool
}

// Engine runs the gate → adapter → classify pipeline for attack
// sessions and fuzz campaigns alike.
type Engine struct {
	store      domain.KnowledgeStore
	gate       *gate.Gate
	trail      *audit.Trail
	sessions   *protocol.Engine
	fuzzer     *fuzz.Manager
	classifier *classify.Classifier
	recorder   *record.Recorder
	adapters   []domain.TargetAdapter

	maxRetries int
	backoff    time.Duration

	mu      sync.Mutex
	targets map[string]*targetState
}

// Option configures an Engine.
type Option func(*Engine)

// WithAdapters sets the adapter chain. Targets bind to the first
// adapter that supports them, in order.
func WithAdapters(adapters ...domain.TargetAdapter) Option {
	return func(e *Engine) { e.adapters = adapters }
}

// WithRecorder captures every exchange to a pcap file.
func WithRecorder(r *record.Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithDeliveryRetry bounds the transport retry loop around Execute.
func WithDeliveryRetry(max int, backoff time.Duration) Option {
	return func(e *Engine) {
		e.maxRetries = max
		e.backoff = backoff
	}
}

// New wires an engine. The trail must be the same one the gate writes
// to, so audit queries see gate decisions.
func New(store domain.KnowledgeStore, g *gate.Gate, trail *audit.Trail, fuzzer *fuzz.Manager, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		gate:       g,
		trail:      trail,
		sessions:   protocol.NewEngine(),
		fuzzer:     fuzzer,
		classifier: classify.New(store),
		maxRetries: 2,
		backoff:    100 * time.Millisecond,
		targets:    make(map[string]*targetState),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// RegisterTarget binds a target to the first adapter that supports it,
// connects, and ensures a device profile exists in the store.
func (e *Engine) RegisterTarget(ctx context.Context, t *domain.Target) error {
	if err := t.Validate(); err != nil {
		return err
	}
	var adapter domain.TargetAdapter
	for _, a := range e.adapters {
		if a.Supports(t) {
			adapter = a
			break
		}
	}
	if adapter == nil {
		return fmt.Errorf("target %s (%s/%s): no adapter", t.ID, t.Protocol, t.Mode)
	}
	if err := adapter.Connect(ctx, t); err != nil {
		return fmt.Errorf("target %s: %w", t.ID, err)
	}

	profile, err := e.store.Profile(t.ID)
	if err != nil {
		return fmt.Errorf("target %s: %w", t.ID, err)
	}
	if profile == nil {
		profile = &domain.DeviceProfile{
			TargetID:  t.ID,
			Arch:      t.Arch,
			Protocols: []domain.Protocol{t.Protocol},
			UpdatedAt: time.Now().UTC(),
		}
		if err := e.store.PutProfile(profile); err != nil {
			return fmt.Errorf("target %s: %w", t.ID, err)
		}
	}

	e.mu.Lock()
	e.targets[t.ID] = &targetState{target: t, adapter: adapter}
	e.mu.Unlock()
	log.WithFields(log.Fields{
		"target":   t.ID,
		"protocol": t.Protocol,
		"mode":     t.Mode,
	}).Info("target registered")
	return nil
}

// Target returns a registered target descriptor.
func (e *Engine) Target(id string) (*domain.Target, bool) {
	st, ok := e.state(id)
	if !ok {
		return nil, false
	}
	return st.target, true
}

// Suspended reports whether work against the target is suspended
// because it became unreachable.
func (e *Engine) Suspended(targetID string) bool {
	st, ok := e.state(targetID)
	return ok && st.unreachable
}

// Resume reconnects an unreachable target and lifts the suspension.
// Suspended campaigns and sessions were never destroyed; new work can
// be dispatched immediately.
func (e *Engine) Resume(ctx context.Context, targetID string) error {
	st, ok := e.state(targetID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownTarget, targetID)
	}
	if err := st.adapter.Reset(ctx, st.target); err != nil {
		return fmt.Errorf("resume %s: %w", targetID, err)
	}
	e.mu.Lock()
	st.unreachable = false
	e.mu.Unlock()
	log.WithField("target", targetID).Info("target resumed")
	return nil
}

// ListFindings returns the deduplicated findings recorded for a target.
func (e *Engine) ListFindings(targetID string) ([]domain.Finding, error) {
	return e.store.Findings(targetID)
}

// RiskAuditTrail replays every gate decision recorded for a target, in
// order.
func (e *Engine) RiskAuditTrail(targetID string) []audit.Record {
	return e.trail.Replay(targetID)
}

// Close releases every adapter connection.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, st := range e.targets {
		if err := st.adapter.Close(st.target); err != nil {
			log.WithFields(log.Fields{"target": id, "err": err}).Warn("adapter close failed")
		}
	}
	e.targets = make(map[string]*targetState)
}

func (e *Engine) state(targetID string) (*targetState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.targets[targetID]
	return st, ok
}

func (e *Engine) profile(targetID string) *domain.DeviceProfile {
	p, err := e.store.Profile(targetID)
	if err != nil {
		log.WithFields(log.Fields{"target": targetID, "err": err}).Error("profile load failed")
	}
	if p == nil {
		p = &domain.DeviceProfile{TargetID: targetID}
	}
	return p
}

// dispatch runs one test case through the full pipeline: gate decision
// (sealed into the audit trail by the gate itself), consume-once check,
// delivery with bounded retries, profile history, classification, and
// capture. The returned telemetry is valid even when err is non-nil.
func (e *Engine) dispatch(ctx context.Context, tc *domain.TestCase, budget gate.Budget) (domain.Telemetry, error) {
	tel := domain.Telemetry{TestCaseID: tc.ID, TargetID: tc.TargetID, CapturedAt: time.Now().UTC()}

	st, ok := e.state(tc.TargetID)
	if !ok {
		return tel, fmt.Errorf("dispatch %s: %w: %s", tc.ID, domain.ErrUnknownTarget, tc.TargetID)
	}
	if e.Suspended(tc.TargetID) {
		tel.Outcome = domain.OutcomeUnresponsive
		return tel, fmt.Errorf("dispatch %s: %w: %s", tc.ID, domain.ErrTargetUnreachable, tc.TargetID)
	}

	profile := e.profile(tc.TargetID)
	score := e.gate.Evaluate(tc, st.target, profile, budget)
	if score.Denied() {
		return tel, &domain.GateDenialError{
			TestCaseID: tc.ID,
			Reason:     score.Reason,
			Score:      score.Value,
			Threshold:  score.Threshold,
		}
	}
	if err := tc.Consume(); err != nil {
		return tel, fmt.Errorf("dispatch %s: %w", tc.ID, err)
	}

	timeout := defaultExecTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}

	tel, err := e.deliver(ctx, st, tc, timeout)
	tel.TestCaseID = tc.ID
	tel.TargetID = tc.TargetID
	if err != nil {
		return tel, err
	}

	e.absorb(st, tc, tel, profile)
	return tel, nil
}

// deliver executes with bounded retries on transient transport
// failures. When the retry budget is gone the target is marked
// unreachable and its campaigns and sessions are suspended.
func (e *Engine) deliver(ctx context.Context, st *targetState, tc *domain.TestCase, timeout time.Duration) (domain.Telemetry, error) {
	backoff := e.backoff
	for attempt := 0; ; attempt++ {
		tel, err := st.adapter.Execute(ctx, st.target, tc, timeout)
		if err == nil || !domain.IsTransient(err) {
			return tel, err
		}
		if attempt < e.maxRetries {
			log.WithFields(log.Fields{
				"target":  st.target.ID,
				"case":    tc.ID,
				"attempt": attempt + 1,
			}).Debug("delivery failed, retrying")
			select {
			case <-time.After(backoff):
				backoff *= 2
				continue
			case <-ctx.Done():
				tel.Outcome = domain.OutcomeCancelled
				return tel, nil
			}
		}

		e.mu.Lock()
		st.unreachable = true
		e.mu.Unlock()
		log.WithFields(log.Fields{
			"target":   st.target.ID,
			"attempts": attempt + 1,
		}).Warn("delivery retries exhausted, target marked unreachable")
		tel.Outcome = domain.OutcomeUnresponsive
		return tel, err
	}
}

// absorb feeds one execution result back into persistent knowledge:
// entry-point history, findings, and the capture file.
func (e *Engine) absorb(st *targetState, tc *domain.TestCase, tel domain.Telemetry, profile *domain.DeviceProfile) {
	ep := profile.EntryPoint(tc.OperationKey())
	ep.RecordRun(tel.Outcome)
	profile.UpdatedAt = time.Now().UTC()
	if err := e.store.PutProfile(profile); err != nil {
		log.WithFields(log.Fields{"target": tc.TargetID, "err": err}).Error("profile update failed")
	}

	if _, _, err := e.classifier.Classify(tc, tel, profile); err != nil {
		log.WithFields(log.Fields{"case": tc.ID, "err": err}).Error("classification failed")
	}

	if e.recorder != nil {
		if err := e.recorder.RecordExchange(st.target, tc, &tel); err != nil {
			log.WithFields(log.Fields{"case": tc.ID, "err": err}).Warn("capture write failed")
		}
	}
}
