package engine

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"bytemomo/charybdis/internal/domain"
	"bytemomo/charybdis/internal/protocol"
)

// SessionReport summarizes one driven attack session.
type SessionReport struct {
	SessionID string `json:"session_id"`
	TargetID  string `json:"target_id"`
	Steps     int    `json:"steps"`
	Faults    int    `json:"faults"`
	Denied    int    `json:"denied"`
	// Blocked is set when the plan could not progress: the remaining
	// abuse has no legal path from the state the session ended in.
	Blocked bool `json:"blocked,omitempty"`
}

// StartAttackSession opens a session applying a stored exploit template
// against a registered target.
func (e *Engine) StartAttackSession(targetID, templateID string) (*protocol.Session, error) {
	st, ok := e.state(targetID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownTarget, targetID)
	}

	templates, err := e.store.Templates(st.target.Protocol)
	if err != nil {
		return nil, fmt.Errorf("start session on %s: %w", targetID, err)
	}
	var tmpl *domain.ExploitTemplate
	for i := range templates {
		if templates[i].ID == templateID {
			tmpl = &templates[i]
			break
		}
	}
	if tmpl == nil {
		return nil, fmt.Errorf("start session on %s: template %q not found for %s", targetID, templateID, st.target.Protocol)
	}
	return e.sessions.StartSession(st.target, tmpl)
}

// RunSession drives a session to completion: propose, dispatch, apply,
// repeat. Gate denials resolve the pending case as cancelled so the
// plan still advances; a target that becomes unreachable stops the run
// with the session preserved for Resume.
func (e *Engine) RunSession(ctx context.Context, sessionID string) (SessionReport, error) {
	sess, ok := e.sessions.Session(sessionID)
	if !ok {
		return SessionReport{}, fmt.Errorf("unknown session %q", sessionID)
	}
	report := SessionReport{SessionID: sessionID, TargetID: sess.TargetID}

	// A denied setup step leaves the session state unchanged, so the
	// same proposal would come back forever. Three denials in a row
	// mean the gate will not let this plan progress.
	const denialStreakLimit = 3
	denialStreak := 0

	// An unresponsive step likewise cannot advance the state machine:
	// the setup rewinds and the same proposal repeats. A wedged device
	// is caught the same way campaigns catch it, by streak.
	const unresponsiveStreakLimit = 3
	unresponsiveStreak := 0

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		tc, err := e.sessions.Propose(sessionID)
		switch {
		case errors.Is(err, domain.ErrSessionComplete):
			log.WithFields(log.Fields{
				"session": sessionID,
				"steps":   report.Steps,
				"faults":  report.Faults,
			}).Info("attack session complete")
			return report, nil
		case errors.Is(err, domain.ErrNotApplicableYet):
			report.Blocked = true
			log.WithFields(log.Fields{
				"session": sessionID,
				"state":   sess.State(),
			}).Warn("attack plan blocked, no legal path to abuse launch state")
			return report, nil
		case err != nil:
			return report, err
		}

		tel, derr := e.dispatch(ctx, tc, nil)
		if derr != nil {
			var denial *domain.GateDenialError
			if errors.As(derr, &denial) {
				report.Denied++
				denialStreak++
				tel = domain.Telemetry{
					TestCaseID: tc.ID,
					TargetID:   tc.TargetID,
					Outcome:    domain.OutcomeCancelled,
				}
			} else {
				// Resolve the pending case before bailing so the
				// session is clean when the operator resumes.
				if aerr := e.sessions.ApplyOutcome(sessionID, tc, tel); aerr != nil {
					log.WithFields(log.Fields{"session": sessionID, "err": aerr}).Error("outcome apply failed")
				}
				return report, derr
			}
		}

		if derr == nil {
			denialStreak = 0
		}
		if tel.Outcome == domain.OutcomeUnresponsive {
			unresponsiveStreak++
		} else {
			unresponsiveStreak = 0
		}

		if err := e.sessions.ApplyOutcome(sessionID, tc, tel); err != nil {
			return report, err
		}
		report.Steps++
		if tel.Faulted() {
			report.Faults++
		}

		if unresponsiveStreak >= unresponsiveStreakLimit {
			report.Blocked = true
			log.WithFields(log.Fields{
				"session": sessionID,
				"streak":  unresponsiveStreak,
			}).Warn("attack session stopped, target wedged")
			return report, nil
		}

		if denialStreak >= denialStreakLimit {
			report.Blocked = true
			log.WithFields(log.Fields{
				"session": sessionID,
				"denials": denialStreak,
			}).Warn("attack plan blocked by safety gate")
			return report, nil
		}
	}
}

// CloseSession abandons a session's remaining plan.
func (e *Engine) CloseSession(id string) {
	e.sessions.CloseSession(id)
}
