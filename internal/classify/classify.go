// Package classify turns raw execution telemetry into labeled findings.
// Rules apply in a fixed priority order so identical telemetry always
// produces the identical label, and repeated triggers of one crash
// signature collapse into a single finding per target.
package classify

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"bytemomo/charybdis/internal/domain"
)

// Confidence levels per rule, highest priority first. A match further
// down the list never scores higher than one above it.
const (
	confMemorySafety     = 0.9
	confCommandInjection = 0.85
	confProtocolLogic    = 0.8
	confDoS              = 0.7
	confWeakCrypto       = 0.6
	confUnclassified     = 0.3
)

// handshakeEvents are the protocol events whose execution exercises a
// key-agreement or authentication path. A fault on one of these, on a
// device whose profile carries weak-crypto markers, points at the
// crypto implementation rather than the parser.
var handshakeEvents = map[string]bool{
	"connect":             true,
	"connect-legacy":      true,
	"associate":           true,
	"pair-request":        true,
	"pair-confirm":        true,
	"pair-request-legacy": true,
}

// Classifier labels telemetry and deduplicates findings against the
// knowledge store.
type Classifier struct {
	store domain.KnowledgeStore
}

// New returns a classifier backed by the given knowledge store.
func New(store domain.KnowledgeStore) *Classifier {
	return &Classifier{store: store}
}

// Classify evaluates one executed test case. It returns nil when the
// telemetry warrants no finding, the stored (possibly merged) finding
// otherwise, and reports through fresh whether the finding's signature
// was new for this target.
func (c *Classifier) Classify(tc *domain.TestCase, tel domain.Telemetry, profile *domain.DeviceProfile) (*domain.Finding, bool, error) {
	category, confidence := Label(tc, tel, profile)
	if category == "" {
		return nil, false, nil
	}

	sig := signatureFor(tc, tel)
	now := time.Now().UTC()
	finding := &domain.Finding{
		ID:          uuid.NewString(),
		TargetID:    tc.TargetID,
		CampaignID:  tc.CampaignID,
		SessionID:   tc.SessionID,
		Category:    category,
		Confidence:  confidence,
		Signature:   sig,
		Title:       titleFor(category, tc),
		Reproducer:  tc.Clone(),
		Occurrences: 1,
		FirstSeen:   now,
		LastSeen:    now,
	}

	existing, err := c.store.FindingBySignature(tc.TargetID, sig)
	if err != nil {
		return nil, false, fmt.Errorf("classify %s: %w", tc.ID, err)
	}
	if existing != nil {
		existing.Merge(finding)
		if err := c.store.PutFinding(existing); err != nil {
			return nil, false, fmt.Errorf("classify %s: %w", tc.ID, err)
		}
		log.WithFields(log.Fields{
			"target":      tc.TargetID,
			"signature":   sig.Key(),
			"occurrences": existing.Occurrences,
		}).Debug("finding merged into existing signature")
		return existing, false, nil
	}

	if err := c.store.PutFinding(finding); err != nil {
		return nil, false, fmt.Errorf("classify %s: %w", tc.ID, err)
	}
	c.appendCandidateTemplate(tc, finding)
	log.WithFields(log.Fields{
		"target":     tc.TargetID,
		"category":   category,
		"confidence": confidence,
		"signature":  sig.Key(),
	}).Info("new finding")
	return finding, true, nil
}

// Label applies the priority rules without touching the store. Exposed
// separately so the gate and tests can reason about labels in isolation.
func Label(tc *domain.TestCase, tel domain.Telemetry, profile *domain.DeviceProfile) (domain.FindingCategory, float64) {
	// Rule 1: memory-unsafe fault with a corrupted control-flow indicator.
	if tel.Faulted() && tel.Fault.Class.MemorySafety() {
		return domain.CategoryMemorySafety, confMemorySafety
	}
	// Rule 2: attacker bytes crossed a command boundary.
	if tel.Faulted() && (tel.Fault.Class == domain.FaultCommandExec || tel.Fault.ExecutedInput) {
		return domain.CategoryCommandInjection, confCommandInjection
	}
	// Rule 3: an out-of-contract injection the target acted on. Either
	// it faulted, or it acknowledged a request it was declared to
	// reject, which is the violation itself.
	if tc.Abuse == domain.AttackInjection && (tel.Faulted() || (tel.Outcome == domain.OutcomeNormal && tc.Expect == domain.RespError)) {
		return domain.CategoryProtocolLogic, confProtocolLogic
	}
	// Rule 4: a flood-shaped input starved the target. A plain timeout
	// without flood evidence is noise, not a denial of service.
	if (tel.Outcome == domain.OutcomeTimeout || tel.Outcome == domain.OutcomeUnresponsive) && floodShaped(tc) {
		return domain.CategoryResourceExhaustion, confDoS
	}
	// Rule 5: handshake-path fault on a device with known weak crypto.
	if tel.Faulted() && handshakeEvents[tc.Event] && hasAnyWeakCrypto(profile) {
		return domain.CategoryWeakCrypto, confWeakCrypto
	}
	// Rule 6: some other fault. Real, but we cannot say what it is.
	if tel.Outcome == domain.OutcomeFault {
		return domain.CategoryUnclassified, confUnclassified
	}
	return "", 0
}

func floodShaped(tc *domain.TestCase) bool {
	if tc.Abuse == domain.AttackFlood || tc.Abuse == domain.AttackExhaustion {
		return true
	}
	return tc.Strategy == "protocolaware" && tc.Rate != nil
}

func hasAnyWeakCrypto(profile *domain.DeviceProfile) bool {
	return profile != nil && len(profile.Crypto) > 0
}

// signatureFor derives the dedup signature. Faulting executions are
// keyed by crash site; non-faulting findings (logic violations, floods)
// fall back to the operation plus input shape so equivalent abuse
// against one target still collapses.
func signatureFor(tc *domain.TestCase, tel domain.Telemetry) domain.CrashSignature {
	if tel.Fault != nil {
		return domain.NewCrashSignature(tel.Fault, tc.Payload)
	}
	return domain.CrashSignature{
		Class: domain.FaultNone,
		Shape: tc.OperationKey() + "/" + domain.InputShape(tc.Payload),
	}
}

func titleFor(category domain.FindingCategory, tc *domain.TestCase) string {
	op := tc.OperationKey()
	if tc.Protocol != "" {
		return fmt.Sprintf("%s via %s %s", category, tc.Protocol, op)
	}
	return fmt.Sprintf("%s via %s", category, op)
}

// appendCandidateTemplate stores a session-originated finding as a new
// exploit template so later campaigns can seed from it. Fuzzer inputs
// carry no abuse semantics worth templating.
func (c *Classifier) appendCandidateTemplate(tc *domain.TestCase, f *domain.Finding) {
	if tc.Origin != domain.OriginSession || tc.Abuse == domain.AttackNone {
		return
	}
	tmpl := domain.ExploitTemplate{
		ID:       "finding-" + f.ID,
		Name:     f.Title,
		Protocol: tc.Protocol,
		Abuse:    tc.Event,
		Category: tc.Abuse,
		Notes:    "candidate derived from finding " + f.ID,
	}
	if err := c.store.PutTemplate(tmpl); err != nil {
		log.WithError(err).WithField("finding", f.ID).Warn("candidate template not stored")
	}
}
