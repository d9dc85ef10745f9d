package domain

import (
	"errors"
	"fmt"
	"net"
)

// Sentinel errors shared across the engine. Callers match with errors.Is.
var (
	// ErrUnknownProtocol is returned when no state machine is registered
	// for the requested protocol.
	ErrUnknownProtocol = errors.New("unknown protocol")

	// ErrIncompatibleTarget is returned when a target does not speak the
	// protocol a session or template requires.
	ErrIncompatibleTarget = errors.New("target incompatible with requested protocol")

	// ErrSessionBusy is returned when a session already has a proposed
	// test case awaiting its outcome.
	ErrSessionBusy = errors.New("session has a test case in flight")

	// ErrNotApplicableYet is returned when an abusive transition has no
	// legal predecessor reachable from the session's current state.
	ErrNotApplicableYet = errors.New("abuse sequence not applicable in current state")

	// ErrSessionComplete is returned when a session has exhausted its
	// attack plan.
	ErrSessionComplete = errors.New("session complete")

	// ErrTestCaseConsumed is returned on a second execution attempt of
	// the same test case.
	ErrTestCaseConsumed = errors.New("test case already executed")

	// ErrUnsupportedArchitecture is returned when a firmware image's
	// instruction-set family has no harness wrapper template.
	ErrUnsupportedArchitecture = errors.New("unsupported architecture")

	// ErrEntryPointNotFound is returned when the requested function is
	// absent from a firmware image's symbol table.
	ErrEntryPointNotFound = errors.New("entry point not found in image")

	// ErrCorpusCorruption is returned when a corpus entry fails its
	// integrity check. The campaign is quarantined, never silently fixed.
	ErrCorpusCorruption = errors.New("corpus corruption detected")

	// ErrCampaignTerminated is returned when new work is requested from
	// a campaign that already reached a terminal state.
	ErrCampaignTerminated = errors.New("campaign terminated")

	// ErrUnknownTarget is returned when an operation references a target
	// the engine has never seen.
	ErrUnknownTarget = errors.New("unknown target")

	// ErrTargetUnreachable is returned while a target is marked
	// unreachable after delivery retries were exhausted. Work against
	// the target is suspended until an operator resumes it.
	ErrTargetUnreachable = errors.New("target unreachable")
)

// TransportError wraps a transient network failure. Executions failing
// with a TransportError are retried with bounded exponential backoff.
type TransportError struct {
	Op       string // dial, send, recv
	Target   string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("transport %s %s after %d attempts: %v", e.Op, e.Target, e.Attempts, e.Err)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Target, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the underlying failure was a deadline expiry
// rather than a refused or reset connection.
func (e *TransportError) Timeout() bool {
	var nerr net.Error
	return errors.As(e.Err, &nerr) && nerr.Timeout()
}

// ProtocolViolationError reports a target response that breaks the wire
// protocol. Violations abort the exchange immediately, without retry.
type ProtocolViolationError struct {
	Protocol Protocol
	State    string
	Event    string
	Reason   string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("%s protocol violation in state %s on %s: %s", e.Protocol, e.State, e.Event, e.Reason)
}

// GateDenialError is returned when the safety gate refuses a test case.
// The denial is terminal for that test case; campaigns continue with
// the next one.
type GateDenialError struct {
	TestCaseID string
	Reason     DenialReason
	Score      float64
	Threshold  float64
}

func (e *GateDenialError) Error() string {
	return fmt.Sprintf("safety gate denied %s: %s (score %.3f, threshold %.3f)", e.TestCaseID, e.Reason, e.Score, e.Threshold)
}

// IsTransient reports whether an error is worth retrying. Transport
// failures are transient; protocol violations and gate denials are not.
func IsTransient(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
