package domain

import "time"

// GateDecision is the safety gate's verdict on one test case.
type GateDecision string

const (
	DecisionAuthorized GateDecision = "authorized"
	DecisionDenied     GateDecision = "denied"
)

// DenialReason names why the gate refused a test case.
type DenialReason string

const (
	DenialNone            DenialReason = ""
	DenialExceedsRisk     DenialReason = "exceeds-risk-threshold"
	DenialNotWhitelisted  DenialReason = "not-whitelisted"
	DenialBudgetExhausted DenialReason = "budget-exhausted"
)

// RiskFactors are the inputs that produced a risk score. They are stored
// alongside the score so any decision can be replayed from the audit log.
type RiskFactors struct {
	ModeFactor      float64 `json:"mode_factor"`
	Destructiveness float64 `json:"destructiveness"`
	Decay           float64 `json:"decay"`
	SafeRuns        int     `json:"safe_runs"`
	FaultRate       float64 `json:"fault_rate"`
	OutOfRange      bool    `json:"out_of_range,omitempty"`
}

// RiskScore is a gate evaluation: the weighted score in [0,1], the
// decision it produced, and the factors that went into it.
type RiskScore struct {
	Value       float64      `json:"value"`
	Threshold   float64      `json:"threshold"`
	Decision    GateDecision `json:"decision"`
	Reason      DenialReason `json:"reason,omitempty"`
	Factors     RiskFactors  `json:"factors"`
	EvaluatedAt time.Time    `json:"evaluated_at"`
}

// Denied reports whether the evaluation refused the test case.
func (r RiskScore) Denied() bool {
	return r.Decision == DecisionDenied
}
