package domain

import (
	"fmt"
	"time"
)

// FindingCategory is the classifier's verdict about what kind of
// vulnerability an execution exposed.
type FindingCategory string

const (
	CategoryMemorySafety       FindingCategory = "memory-safety"
	CategoryCommandInjection   FindingCategory = "command-injection"
	CategoryResourceExhaustion FindingCategory = "resource-exhaustion"
	CategoryWeakCrypto         FindingCategory = "weak-crypto-exploitable"
	CategoryProtocolLogic      FindingCategory = "protocol-logic-violation"
	CategoryUnclassified       FindingCategory = "unclassified"
)

// CrashSignature identifies a crash for deduplication: the fault class,
// a coarse location bucket, and the shape of the triggering input. Two
// executions with equal signatures are the same underlying bug.
type CrashSignature struct {
	Class    FaultClass `json:"class"`
	Location uint64     `json:"location"`
	Shape    string     `json:"shape"`
}

// Key renders the signature as a stable map/bucket key.
func (s CrashSignature) Key() string {
	return fmt.Sprintf("%s@%x#%s", s.Class, s.Location, s.Shape)
}

// Zero reports whether the signature carries no information.
func (s CrashSignature) Zero() bool {
	return s.Class == FaultNone && s.Location == 0 && s.Shape == ""
}

// Finding is a classified vulnerability with its reproducing test case.
// Repeated triggers of the same signature collapse into one finding with
// an occurrence count.
type Finding struct {
	ID          string          `json:"id"`
	TargetID    string          `json:"target_id"`
	CampaignID  string          `json:"campaign_id,omitempty"`
	SessionID   string          `json:"session_id,omitempty"`
	Category    FindingCategory `json:"category"`
	Confidence  float64         `json:"confidence"`
	Signature   CrashSignature  `json:"signature"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Reproducer  *TestCase       `json:"reproducer,omitempty"`
	Tags        []Tag           `json:"tags,omitempty"`
	Occurrences int             `json:"occurrences"`
	FirstSeen   time.Time       `json:"first_seen"`
	LastSeen    time.Time       `json:"last_seen"`
}

// Merge folds a repeated observation into the finding: the count grows,
// timestamps widen, and confidence only ever ratchets down.
func (f *Finding) Merge(other *Finding) {
	f.Occurrences += other.Occurrences
	if other.LastSeen.After(f.LastSeen) {
		f.LastSeen = other.LastSeen
	}
	if other.FirstSeen.Before(f.FirstSeen) {
		f.FirstSeen = other.FirstSeen
	}
	if other.Confidence < f.Confidence {
		f.Confidence = other.Confidence
	}
}
