package domain

import (
	"context"
	"time"
)

// TargetAdapter delivers test cases to one class of target: an in-memory
// simulator, a live network endpoint, or a remote HIL emulator. Execute
// must respect ctx and the per-case timeout, and must surface delivery
// failures as *TransportError so callers can retry.
type TargetAdapter interface {
	Supports(t *Target) bool
	Connect(ctx context.Context, t *Target) error
	Execute(ctx context.Context, t *Target, tc *TestCase, timeout time.Duration) (Telemetry, error)
	Reset(ctx context.Context, t *Target) error
	Close(t *Target) error
}

// KnowledgeStore persists what the engine learns across campaigns:
// device profiles, exploit templates, and deduplicated findings.
type KnowledgeStore interface {
	Profile(targetID string) (*DeviceProfile, error)
	PutProfile(p *DeviceProfile) error
	Templates(proto Protocol) ([]ExploitTemplate, error)
	PutTemplate(t ExploitTemplate) error
	Findings(targetID string) ([]Finding, error)
	FindingBySignature(targetID string, sig CrashSignature) (*Finding, error)
	PutFinding(f *Finding) error
	Close() error
}
