package domain

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Origin records which component produced a test case.
type Origin string

const (
	OriginFuzzer   Origin = "fuzzer"
	OriginSession  Origin = "attack-session"
	OriginOperator Origin = "operator"
)

// AttackCategory labels the kind of abuse a session-crafted case applies.
type AttackCategory string

const (
	AttackNone       AttackCategory = ""
	AttackFlood      AttackCategory = "flood"
	AttackReplay     AttackCategory = "replay"
	AttackInjection  AttackCategory = "injection"
	AttackDowngrade  AttackCategory = "downgrade"
	AttackSpoof      AttackCategory = "spoof"
	AttackExhaustion AttackCategory = "exhaustion"
)

// ResponseClass is the response shape a test case expects from the target.
type ResponseClass string

const (
	RespAny     ResponseClass = "any"
	RespAck     ResponseClass = "ack"
	RespError   ResponseClass = "error"
	RespSilence ResponseClass = "silence"
)

// RateSpec shapes a flood train: how many payload repetitions and how fast.
type RateSpec struct {
	Count    int           `json:"count"`
	Interval time.Duration `json:"interval"`
}

// TestCase is one concrete stimulus for a target: raw payload bytes plus
// the protocol context needed to deliver and judge them. A test case is
// executed at most once; replaying requires Clone, which mints a new
// identity so audit records never show one ID executing twice.
type TestCase struct {
	ID         string         `json:"id"`
	TargetID   string         `json:"target_id"`
	Protocol   Protocol       `json:"protocol,omitempty"`
	Origin     Origin         `json:"origin"`
	SessionID  string         `json:"session_id,omitempty"`
	CampaignID string         `json:"campaign_id,omitempty"`
	Event      string         `json:"event,omitempty"`
	Abuse      AttackCategory `json:"abuse,omitempty"`
	Strategy   string         `json:"strategy,omitempty"`
	EntryPoint string         `json:"entry_point,omitempty"`
	Payload    []byte         `json:"payload"`
	Rate       *RateSpec      `json:"rate,omitempty"`
	Expect     ResponseClass  `json:"expect,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`

	consumed atomic.Bool
}

// NewTestCase builds a test case with a fresh identity.
func NewTestCase(targetID string, origin Origin, payload []byte) *TestCase {
	return &TestCase{
		ID:        uuid.NewString(),
		TargetID:  targetID,
		Origin:    origin,
		Payload:   payload,
		Expect:    RespAny,
		CreatedAt: time.Now().UTC(),
	}
}

// Consume marks the test case as executed. The first call wins; every
// later call reports ErrTestCaseConsumed.
func (tc *TestCase) Consume() error {
	if tc.consumed.Swap(true) {
		return ErrTestCaseConsumed
	}
	return nil
}

// Consumed reports whether the test case has already been executed.
func (tc *TestCase) Consumed() bool {
	return tc.consumed.Load()
}

// Clone returns an unconsumed copy under a new identity. Payload bytes
// are copied so mutation of one case cannot corrupt the other.
func (tc *TestCase) Clone() *TestCase {
	dup := &TestCase{
		ID:         uuid.NewString(),
		TargetID:   tc.TargetID,
		Protocol:   tc.Protocol,
		Origin:     tc.Origin,
		SessionID:  tc.SessionID,
		CampaignID: tc.CampaignID,
		Event:      tc.Event,
		Abuse:      tc.Abuse,
		Strategy:   tc.Strategy,
		EntryPoint: tc.EntryPoint,
		Payload:    append([]byte(nil), tc.Payload...),
		Expect:     tc.Expect,
		CreatedAt:  time.Now().UTC(),
	}
	if tc.Rate != nil {
		r := *tc.Rate
		dup.Rate = &r
	}
	return dup
}

// OperationKey names the operation this case performs against a device,
// in the vocabulary device-profile whitelists use. Harness cases are
// keyed by entry point, session cases by abuse or event.
func (tc *TestCase) OperationKey() string {
	switch {
	case tc.EntryPoint != "":
		return tc.EntryPoint
	case tc.Abuse != AttackNone:
		return string(tc.Abuse) + ":" + tc.Event
	case tc.Event != "":
		return "event:" + tc.Event
	default:
		return "raw"
	}
}
