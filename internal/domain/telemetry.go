package domain

import "time"

// Outcome classifies one execution of a test case.
type Outcome string

const (
	// OutcomeNormal: the target answered inside its protocol.
	OutcomeNormal Outcome = "normal"
	// OutcomeFault: the execution context observed a crash or trap.
	OutcomeFault Outcome = "fault"
	// OutcomeTimeout: the mandatory harness timeout expired. Never
	// promoted to a fault.
	OutcomeTimeout Outcome = "timeout"
	// OutcomeTransportError: delivery failed after bounded retries.
	OutcomeTransportError Outcome = "transport-error"
	// OutcomeUnresponsive: the target stopped answering entirely and is
	// presumed wedged. Three in a row terminate a campaign.
	OutcomeUnresponsive Outcome = "unresponsive"
	// OutcomeCancelled: the campaign or session was cancelled while the
	// execution was in flight.
	OutcomeCancelled Outcome = "cancelled"
)

// FaultClass is the execution-level category of an observed fault.
type FaultClass string

const (
	FaultNone           FaultClass = ""
	FaultOOBWrite       FaultClass = "oob-write"
	FaultOOBRead        FaultClass = "oob-read"
	FaultControlFlow    FaultClass = "control-flow-corruption"
	FaultIllegalInstr   FaultClass = "illegal-instruction"
	FaultStackExhausted FaultClass = "stack-exhaustion"
	FaultCommandExec    FaultClass = "command-exec"
)

// MemorySafety reports whether the fault class indicates memory unsafety.
func (fc FaultClass) MemorySafety() bool {
	switch fc {
	case FaultOOBWrite, FaultOOBRead, FaultControlFlow, FaultIllegalInstr:
		return true
	}
	return false
}

// FaultDetail carries the evidence an execution context captured at the
// moment of a fault.
type FaultDetail struct {
	Class      FaultClass `json:"class"`
	PC         uint64     `json:"pc,omitempty"`
	Address    uint64     `json:"address,omitempty"`
	Write      bool       `json:"write,omitempty"`
	RegDigest  string     `json:"reg_digest,omitempty"`
	StackDepth int        `json:"stack_depth,omitempty"`
	// ExecutedInput is set when the context observed attacker-controlled
	// bytes crossing a command boundary (shell, interpreter, AT channel).
	ExecutedInput bool   `json:"executed_input,omitempty"`
	Summary       string `json:"summary,omitempty"`
}

// Telemetry is everything observed from one execution of a test case:
// outcome, response bytes, fault evidence, and coverage if the backend
// instruments for it.
type Telemetry struct {
	TestCaseID string        `json:"test_case_id"`
	TargetID   string        `json:"target_id"`
	Outcome    Outcome       `json:"outcome"`
	Fault      *FaultDetail  `json:"fault,omitempty"`
	Response   []byte        `json:"response,omitempty"`
	Coverage   []uint32      `json:"coverage,omitempty"`
	Latency    time.Duration `json:"latency"`
	StateAfter string        `json:"state_after,omitempty"`
	CapturedAt time.Time     `json:"captured_at"`
}

// Faulted reports whether the execution produced fault evidence.
func (t *Telemetry) Faulted() bool {
	return t.Outcome == OutcomeFault && t.Fault != nil
}

// Unresponsive reports whether the target gave no sign of life.
func (t *Telemetry) Unresponsive() bool {
	return t.Outcome == OutcomeUnresponsive
}
