package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"bytemomo/charybdis/internal/domain"
)

// StepKind distinguishes legal setup traffic from abuse traffic in a
// session transcript.
type StepKind string

const (
	StepSetup StepKind = "setup"
	StepAbuse StepKind = "abuse"
)

// Step is one executed session step and its observed outcome.
type Step struct {
	Kind    StepKind       `json:"kind"`
	Event   string         `json:"event"`
	Abuse   string         `json:"abuse,omitempty"`
	From    State          `json:"from"`
	To      State          `json:"to"`
	Outcome domain.Outcome `json:"outcome"`
	At      time.Time      `json:"at"`
}

// pendingCase tracks the single in-flight test case of a session and
// what accepting it would mean for the legal state.
type pendingCase struct {
	tc    *domain.TestCase
	kind  StepKind
	event string
	abuse string
	next  State
}

// Session drives one target through an ordered plan of abuse sequences.
// Between abuses it emits only legal transitions, walking the machine
// graph to each abuse's launch state. Abuse traffic itself never moves
// the legal state: the machine position stays truthful no matter what
// the violation train provoked on the wire.
//
// Sessions are not safe for concurrent use; the engine serializes access.
type Session struct {
	ID       string
	TargetID string

	def       *Definition
	params    map[string]string
	plan      []string
	abuseStep int
	current   State
	pending   *pendingCase
	history   []Step
	createdAt time.Time
}

// NewSession plans a session over def for the given abuse names. Every
// plan entry must name an abuse the machine declares.
func NewSession(target *domain.Target, def *Definition, plan []string, params map[string]string) (*Session, error) {
	if len(plan) == 0 {
		return nil, fmt.Errorf("session for %s: empty abuse plan", target.ID)
	}
	for _, name := range plan {
		if _, ok := def.Abuse(name); !ok {
			return nil, fmt.Errorf("session for %s: %s declares no abuse %q", target.ID, def.Protocol, name)
		}
	}
	s := &Session{
		ID:        uuid.NewString(),
		TargetID:  target.ID,
		def:       def,
		params:    params,
		plan:      append([]string(nil), plan...),
		current:   def.Initial,
		createdAt: time.Now().UTC(),
	}
	log.WithFields(log.Fields{
		"session":  s.ID,
		"target":   s.TargetID,
		"protocol": def.Protocol,
		"plan":     plan,
	}).Info("attack session planned")
	return s, nil
}

// Protocol returns the machine the session drives.
func (s *Session) Protocol() domain.Protocol { return s.def.Protocol }

// State returns the current legal machine state.
func (s *Session) State() State { return s.current }

// Done reports whether the plan is exhausted.
func (s *Session) Done() bool { return len(s.plan) == 0 }

// History returns the executed steps in order.
func (s *Session) History() []Step {
	return append([]Step(nil), s.history...)
}

// Remaining returns the abuses not yet fully executed.
func (s *Session) Remaining() []string {
	return append([]string(nil), s.plan...)
}

// Propose returns the next test case the session wants executed. It
// fails with ErrSessionBusy while a previous proposal has no outcome
// yet, with ErrSessionComplete once the plan is exhausted, and with
// ErrNotApplicableYet when no legal path leads from the current state
// to the next abuse's launch state.
func (s *Session) Propose() (*domain.TestCase, error) {
	if s.pending != nil {
		return nil, fmt.Errorf("session %s: case %s still in flight: %w",
			s.ID, s.pending.tc.ID, domain.ErrSessionBusy)
	}
	if len(s.plan) == 0 {
		return nil, fmt.Errorf("session %s: %w", s.ID, domain.ErrSessionComplete)
	}
	abuse, _ := s.def.Abuse(s.plan[0])
	if s.current != abuse.From {
		return s.proposeSetup(abuse)
	}
	return s.proposeAbuse(abuse)
}

func (s *Session) proposeSetup(abuse AbuseSpec) (*domain.TestCase, error) {
	event, ok := s.def.NextHop(s.current, abuse.From)
	if !ok {
		return nil, fmt.Errorf("session %s: abuse %q needs state %q, unreachable from %q: %w",
			s.ID, abuse.Name, abuse.From, s.current, domain.ErrNotApplicableYet)
	}
	payload, err := s.def.EncodeEvent(event, s.params)
	if err != nil {
		return nil, fmt.Errorf("session %s: encode %s: %w", s.ID, event, err)
	}
	spec := s.def.Events[event]
	next, _ := s.def.Apply(s.current, event)
	tc := domain.NewTestCase(s.TargetID, domain.OriginSession, payload)
	tc.Protocol = s.def.Protocol
	tc.SessionID = s.ID
	tc.Event = event
	tc.Expect = spec.Expect
	s.pending = &pendingCase{tc: tc, kind: StepSetup, event: event, next: next}
	return tc, nil
}

func (s *Session) proposeAbuse(abuse AbuseSpec) (*domain.TestCase, error) {
	event := abuse.Events[s.abuseStep]
	payload, err := s.def.EncodeEvent(event, mergeParams(abuse.Params, s.params))
	if err != nil {
		return nil, fmt.Errorf("session %s: encode %s: %w", s.ID, event, err)
	}
	spec := s.def.Events[event]
	tc := domain.NewTestCase(s.TargetID, domain.OriginSession, payload)
	tc.Protocol = s.def.Protocol
	tc.SessionID = s.ID
	tc.Event = event
	tc.Abuse = abuse.Category
	tc.Expect = spec.Expect
	if abuse.Rate != nil {
		r := *abuse.Rate
		tc.Rate = &r
	}
	s.pending = &pendingCase{tc: tc, kind: StepAbuse, event: event, abuse: abuse.Name}
	return tc, nil
}

// ApplyOutcome records the outcome of the pending case and advances the
// session. Setup steps move the legal state only when the target behaved
// normally; a dead or unreachable peer resets the machine to its initial
// state. Abuse steps advance the plan regardless of outcome and leave
// the legal state untouched.
func (s *Session) ApplyOutcome(tc *domain.TestCase, tel domain.Telemetry) error {
	if s.pending == nil {
		return fmt.Errorf("session %s: no case in flight", s.ID)
	}
	if tc == nil || tc.ID != s.pending.tc.ID {
		return fmt.Errorf("session %s: outcome for unknown case", s.ID)
	}
	p := s.pending
	s.pending = nil

	step := Step{
		Kind:    p.kind,
		Event:   p.event,
		Abuse:   p.abuse,
		From:    s.current,
		To:      s.current,
		Outcome: tel.Outcome,
		At:      time.Now().UTC(),
	}
	switch p.kind {
	case StepSetup:
		switch tel.Outcome {
		case domain.OutcomeNormal:
			s.current = p.next
			step.To = p.next
		case domain.OutcomeUnresponsive, domain.OutcomeTransportError:
			s.current = s.def.Initial
			step.To = s.def.Initial
		}
	case StepAbuse:
		s.advanceAbuse()
	}
	s.history = append(s.history, step)

	log.WithFields(log.Fields{
		"session": s.ID,
		"kind":    p.kind,
		"event":   p.event,
		"outcome": tel.Outcome,
		"state":   s.current,
	}).Debug("session step recorded")
	return nil
}

// advanceAbuse moves to the next event of the current abuse train, and
// to the next planned abuse once the train is spent.
func (s *Session) advanceAbuse() {
	abuse, _ := s.def.Abuse(s.plan[0])
	s.abuseStep++
	if s.abuseStep >= len(abuse.Events) {
		s.abuseStep = 0
		s.plan = s.plan[1:]
	}
}
