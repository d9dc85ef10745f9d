package protocol

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"bytemomo/charybdis/internal/domain"
)

// Engine manages attack sessions across targets. It owns the session
// table and serializes access to each session, so callers can propose
// and resolve cases from any goroutine.
type Engine struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewEngine returns an engine with an empty session table.
func NewEngine() *Engine {
	return &Engine{sessions: make(map[string]*Session)}
}

// StartSession opens a session applying tmpl against target. The target
// protocol must have a registered machine and the template must be
// written for that same protocol.
func (e *Engine) StartSession(target *domain.Target, tmpl *domain.ExploitTemplate) (*Session, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	def, ok := Lookup(target.Protocol)
	if !ok {
		return nil, fmt.Errorf("target %s: %w: %q", target.ID, domain.ErrUnknownProtocol, target.Protocol)
	}
	if tmpl.Protocol != target.Protocol {
		return nil, fmt.Errorf("template %s speaks %s, target %s speaks %s: %w",
			tmpl.ID, tmpl.Protocol, target.ID, target.Protocol, domain.ErrIncompatibleTarget)
	}
	sess, err := NewSession(target, def, []string{tmpl.Abuse}, tmpl.Params)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.sessions[sess.ID] = sess
	e.mu.Unlock()
	return sess, nil
}

// Session returns the session with the given id.
func (e *Engine) Session(id string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[id]
	return sess, ok
}

// Propose asks the named session for its next test case.
func (e *Engine) Propose(sessionID string) (*domain.TestCase, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("unknown session %q", sessionID)
	}
	return sess.Propose()
}

// ApplyOutcome resolves the named session's pending case.
func (e *Engine) ApplyOutcome(sessionID string, tc *domain.TestCase, tel domain.Telemetry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[sessionID]
	if !ok {
		return fmt.Errorf("unknown session %q", sessionID)
	}
	return sess.ApplyOutcome(tc, tel)
}

// CloseSession drops a session from the table. Unfinished plans are
// abandoned, which is the right call when the gate revoked the target
// or the operator lost interest.
func (e *Engine) CloseSession(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sess, ok := e.sessions[id]; ok {
		delete(e.sessions, id)
		log.WithFields(log.Fields{
			"session":   id,
			"target":    sess.TargetID,
			"remaining": len(sess.Remaining()),
		}).Info("attack session closed")
	}
}

// Sessions returns a snapshot of all live sessions.
func (e *Engine) Sessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Session, 0, len(e.sessions))
	for _, sess := range e.sessions {
		out = append(out, sess)
	}
	return out
}
