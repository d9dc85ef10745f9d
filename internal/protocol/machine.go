// Package protocol models the wire protocols the engine can drive as
// data-driven state machines. Each machine declares its legal transition
// graph, an encoder per event, and a set of abuse sequences that
// deliberately step outside the graph. New protocols plug in through the
// registry; the session engine never special-cases a protocol.
package protocol

import (
	"fmt"

	"bytemomo/charybdis/internal/domain"
)

// State is a named protocol session state.
type State string

// Transition is one legal edge of a protocol state machine.
type Transition struct {
	From  State
	Event string
	To    State
}

// FieldSpec marks one attacker-controllable span of an encoded event
// payload, for protocol-aware mutation. Offsets refer to the encoding
// produced with default parameters.
type FieldSpec struct {
	Name   string
	Offset int
	Size   int
}

// EventSpec couples an event name with its wire encoder. Encode receives
// merged parameters (machine defaults overlaid with session or template
// params) and returns the payload bytes to deliver.
type EventSpec struct {
	Name   string
	Encode func(params map[string]string) ([]byte, error)
	Fields []FieldSpec
	Expect domain.ResponseClass
}

// AbuseSpec is a crafted protocol violation: the legal state it launches
// from, the event train it sends, and optional flood shaping.
type AbuseSpec struct {
	Name     string
	Category domain.AttackCategory
	From     State
	Events   []string
	Params   map[string]string
	Rate     *domain.RateSpec
}

// Definition is a pluggable protocol state machine.
type Definition struct {
	Protocol   domain.Protocol
	Initial    State
	States     []State
	Legal      []Transition
	Events     map[string]EventSpec
	Abuses     []AbuseSpec
	Dictionary [][]byte
}

// Validate checks internal consistency: every transition and abuse must
// reference declared states and encodable events.
func (d *Definition) Validate() error {
	if err := d.Protocol.Validate(); err != nil {
		return err
	}
	known := make(map[State]bool, len(d.States))
	for _, s := range d.States {
		known[s] = true
	}
	if !known[d.Initial] {
		return fmt.Errorf("%s: initial state %q not declared", d.Protocol, d.Initial)
	}
	for _, tr := range d.Legal {
		if !known[tr.From] || !known[tr.To] {
			return fmt.Errorf("%s: transition %s references unknown state", d.Protocol, tr.Event)
		}
		if _, ok := d.Events[tr.Event]; !ok {
			return fmt.Errorf("%s: transition event %q has no encoder", d.Protocol, tr.Event)
		}
	}
	for _, ab := range d.Abuses {
		if !known[ab.From] {
			return fmt.Errorf("%s: abuse %q starts from unknown state %q", d.Protocol, ab.Name, ab.From)
		}
		if len(ab.Events) == 0 {
			return fmt.Errorf("%s: abuse %q has no events", d.Protocol, ab.Name)
		}
		for _, ev := range ab.Events {
			if _, ok := d.Events[ev]; !ok {
				return fmt.Errorf("%s: abuse %q references unknown event %q", d.Protocol, ab.Name, ev)
			}
		}
	}
	return nil
}

// Apply returns the state reached by taking event from current, when the
// edge exists in the legal graph.
func (d *Definition) Apply(current State, event string) (State, bool) {
	for _, tr := range d.Legal {
		if tr.From == current && tr.Event == event {
			return tr.To, true
		}
	}
	return current, false
}

// Reachable reports whether to can be reached from from by legal
// transitions alone.
func (d *Definition) Reachable(from, to State) bool {
	if from == to {
		return true
	}
	_, ok := d.NextHop(from, to)
	return ok
}

// NextHop returns the first event on a shortest legal path from from to
// to. Sessions use it to walk a target into position before an abuse.
func (d *Definition) NextHop(from, to State) (string, bool) {
	if from == to {
		return "", false
	}
	type node struct {
		state State
		first string
	}
	visited := map[State]bool{from: true}
	queue := []node{}
	for _, tr := range d.Legal {
		if tr.From == from {
			if tr.To == to {
				return tr.Event, true
			}
			if !visited[tr.To] {
				visited[tr.To] = true
				queue = append(queue, node{state: tr.To, first: tr.Event})
			}
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, tr := range d.Legal {
			if tr.From != cur.state || visited[tr.To] {
				continue
			}
			if tr.To == to {
				return cur.first, true
			}
			visited[tr.To] = true
			queue = append(queue, node{state: tr.To, first: cur.first})
		}
	}
	return "", false
}

// Abuse returns the named abuse sequence.
func (d *Definition) Abuse(name string) (AbuseSpec, bool) {
	for _, ab := range d.Abuses {
		if ab.Name == name {
			return ab, true
		}
	}
	return AbuseSpec{}, false
}

// AbuseNames returns the abuse sequences in declaration order.
func (d *Definition) AbuseNames() []string {
	names := make([]string, 0, len(d.Abuses))
	for _, ab := range d.Abuses {
		names = append(names, ab.Name)
	}
	return names
}

// EncodeEvent encodes the named event. Encoders read their defaults when
// params omits a key, so nil params yields the canonical encoding.
func (d *Definition) EncodeEvent(name string, params map[string]string) ([]byte, error) {
	spec, ok := d.Events[name]
	if !ok {
		return nil, fmt.Errorf("%s: unknown event %q", d.Protocol, name)
	}
	return spec.Encode(params)
}

// EncodeAbuse encodes the named abuse train, one payload per event, with
// overrides overlaid on the abuse defaults. Fuzz campaigns seed their
// corpus from these encodings.
func (d *Definition) EncodeAbuse(name string, overrides map[string]string) ([][]byte, error) {
	ab, ok := d.Abuse(name)
	if !ok {
		return nil, fmt.Errorf("%s: unknown abuse %q", d.Protocol, name)
	}
	out := make([][]byte, 0, len(ab.Events))
	for _, ev := range ab.Events {
		payload, err := d.EncodeEvent(ev, mergeParams(ab.Params, overrides))
		if err != nil {
			return nil, err
		}
		out = append(out, payload)
	}
	return out, nil
}

// mergeParams overlays override onto base without mutating either.
func mergeParams(base, override map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

// param reads a parameter with a fallback default.
func param(params map[string]string, key, fallback string) string {
	if v, ok := params[key]; ok && v != "" {
		return v
	}
	return fallback
}
