// Package memtarget is the in-process target adapter: a scripted device
// simulator used as the default emulated backend. Scripts inject
// deterministic faults, latency, and wedge behavior, which is how the
// engine's pipeline is exercised without hardware or a network.
package memtarget

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"bytemomo/charybdis/internal/domain"
)

// Script decides the telemetry for one delivered test case. Returning
// nil falls through to the default echo behavior.
type Script func(tc *domain.TestCase) *domain.Telemetry

// Option configures one provisioned device.
type Option func(*device)

// WithScript installs the device's response script.
func WithScript(s Script) Option {
	return func(d *device) { d.script = s }
}

// WithWedgeAfter makes the device stop answering for good after n
// executions, simulating a wedged target.
func WithWedgeAfter(n int) Option {
	return func(d *device) { d.wedgeAfter = n }
}

// WithLatency delays every execution by d.
func WithLatency(lat time.Duration) Option {
	return func(d *device) { d.latency = lat }
}

type device struct {
	script     Script
	wedgeAfter int
	latency    time.Duration

	// busy is the per-target execution lock: one in-flight case.
	busy chan struct{}

	mu       sync.Mutex
	executed int
	wedged   bool
}

func newDevice(opts []Option) *device {
	d := &device{busy: make(chan struct{}, 1)}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Adapter implements domain.TargetAdapter over scripted devices.
type Adapter struct {
	mu      sync.Mutex
	devices map[string]*device
}

// New returns an adapter with no provisioned devices. Unprovisioned
// targets get a default echo device on first connect.
func New() *Adapter {
	return &Adapter{devices: make(map[string]*device)}
}

// Provision installs or replaces the scripted device for a target.
func (a *Adapter) Provision(targetID string, opts ...Option) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.devices[targetID] = newDevice(opts)
}

func (a *Adapter) device(targetID string) *device {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.devices[targetID]
	if !ok {
		d = newDevice(nil)
		a.devices[targetID] = d
	}
	return d
}

// Supports accepts any emulated target.
func (a *Adapter) Supports(t *domain.Target) bool {
	return t != nil && t.Mode == domain.ModeEmulated
}

// Connect materializes the device.
func (a *Adapter) Connect(ctx context.Context, t *domain.Target) error {
	a.device(t.ID)
	return nil
}

// Execute delivers one test case. The per-target lock is held for the
// duration and released on every path, including cancellation.
func (a *Adapter) Execute(ctx context.Context, t *domain.Target, tc *domain.TestCase, timeout time.Duration) (domain.Telemetry, error) {
	d := a.device(t.ID)

	select {
	case d.busy <- struct{}{}:
	case <-ctx.Done():
		return domain.Telemetry{TestCaseID: tc.ID, TargetID: t.ID, Outcome: domain.OutcomeCancelled, CapturedAt: time.Now().UTC()}, nil
	}
	defer func() { <-d.busy }()

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	tel := d.run(runCtx, tc)
	tel.TestCaseID = tc.ID
	tel.TargetID = t.ID
	tel.Latency = time.Since(start)
	tel.CapturedAt = time.Now().UTC()
	return tel, nil
}

func (d *device) run(ctx context.Context, tc *domain.TestCase) domain.Telemetry {
	if d.latency > 0 {
		select {
		case <-time.After(d.latency):
		case <-ctx.Done():
			return outcomeFor(ctx)
		}
	}

	d.mu.Lock()
	d.executed++
	if d.wedgeAfter > 0 && d.executed > d.wedgeAfter {
		d.wedged = true
	}
	wedged := d.wedged
	d.mu.Unlock()

	if wedged {
		return domain.Telemetry{Outcome: domain.OutcomeUnresponsive}
	}
	if d.script != nil {
		if tel := d.script(tc); tel != nil {
			return *tel
		}
	}
	return domain.Telemetry{
		Outcome:  domain.OutcomeNormal,
		Response: append([]byte(nil), tc.Payload...),
	}
}

// outcomeFor distinguishes a per-case timeout from campaign teardown.
func outcomeFor(ctx context.Context) domain.Telemetry {
	if ctx.Err() == context.DeadlineExceeded {
		return domain.Telemetry{Outcome: domain.OutcomeTimeout}
	}
	return domain.Telemetry{Outcome: domain.OutcomeCancelled}
}

// Reset clears wedge state and execution history, modeling a power
// cycle of the simulated device.
func (a *Adapter) Reset(ctx context.Context, t *domain.Target) error {
	d := a.device(t.ID)
	d.mu.Lock()
	d.executed = 0
	d.wedged = false
	d.mu.Unlock()
	log.WithField("target", t.ID).Debug("simulated device reset")
	return nil
}

// Close drops the device.
func (a *Adapter) Close(t *domain.Target) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.devices, t.ID)
	return nil
}
