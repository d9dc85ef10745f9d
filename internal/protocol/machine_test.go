package protocol

import (
	"strings"
	"testing"

	"bytemomo/charybdis/internal/domain"
)

func noopEncode(map[string]string) ([]byte, error) { return []byte{0x00}, nil }

// diamondDef builds a machine with two routes from start to goal, the
// short one through mid, plus an island state no transition reaches.
func diamondDef() *Definition {
	return &Definition{
		Protocol: domain.ProtocolMQTT,
		Initial:  "start",
		States:   []State{"start", "mid", "detour-a", "detour-b", "goal", "island"},
		Legal: []Transition{
			{From: "start", Event: "hop", To: "mid"},
			{From: "mid", Event: "hop", To: "goal"},
			{From: "start", Event: "wander", To: "detour-a"},
			{From: "detour-a", Event: "wander", To: "detour-b"},
			{From: "detour-b", Event: "wander", To: "goal"},
		},
		Events: map[string]EventSpec{
			"hop":    {Name: "hop", Encode: noopEncode},
			"wander": {Name: "wander", Encode: noopEncode},
			"strike": {Name: "strike", Encode: noopEncode},
		},
		Abuses: []AbuseSpec{
			{Name: "strike-goal", Category: domain.AttackInjection, From: "goal", Events: []string{"strike"}},
			{Name: "strike-island", Category: domain.AttackInjection, From: "island", Events: []string{"strike"}},
		},
	}
}

func TestDefinitionValidate(t *testing.T) {
	if err := diamondDef().Validate(); err != nil {
		t.Fatalf("valid definition rejected: %v", err)
	}

	tests := []struct {
		name  string
		mut   func(*Definition)
		wants string
	}{
		{
			name:  "undeclared initial",
			mut:   func(d *Definition) { d.Initial = "limbo" },
			wants: "initial state",
		},
		{
			name: "transition without encoder",
			mut: func(d *Definition) {
				d.Legal = append(d.Legal, Transition{From: "start", Event: "ghost", To: "mid"})
			},
			wants: "no encoder",
		},
		{
			name: "transition to unknown state",
			mut: func(d *Definition) {
				d.Legal = append(d.Legal, Transition{From: "start", Event: "hop", To: "void"})
			},
			wants: "unknown state",
		},
		{
			name: "abuse with unknown event",
			mut: func(d *Definition) {
				d.Abuses = append(d.Abuses, AbuseSpec{Name: "bad", From: "goal", Events: []string{"ghost"}})
			},
			wants: "unknown event",
		},
		{
			name: "abuse with empty train",
			mut: func(d *Definition) {
				d.Abuses = append(d.Abuses, AbuseSpec{Name: "empty", From: "goal"})
			},
			wants: "no events",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := diamondDef()
			tt.mut(def)
			err := def.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wants) {
				t.Fatalf("error %q does not mention %q", err, tt.wants)
			}
		})
	}
}

func TestApplyFollowsLegalEdgesOnly(t *testing.T) {
	def := diamondDef()
	if next, ok := def.Apply("start", "hop"); !ok || next != "mid" {
		t.Fatalf("Apply(start, hop) = %q, %v", next, ok)
	}
	if next, ok := def.Apply("goal", "hop"); ok || next != "goal" {
		t.Fatalf("illegal edge must not move state, got %q, %v", next, ok)
	}
}

func TestNextHopPrefersShortestPath(t *testing.T) {
	def := diamondDef()

	event, ok := def.NextHop("start", "goal")
	if !ok || event != "hop" {
		t.Fatalf("NextHop(start, goal) = %q, %v; want hop over the two-step route", event, ok)
	}
	if _, ok := def.NextHop("start", "island"); ok {
		t.Fatal("island must be unreachable")
	}
	if !def.Reachable("goal", "goal") {
		t.Fatal("a state must be reachable from itself")
	}
	if def.Reachable("goal", "start") {
		t.Fatal("graph has no edges back to start")
	}
}

func TestEncodeEventUnknown(t *testing.T) {
	def := diamondDef()
	if _, err := def.EncodeEvent("ghost", nil); err == nil {
		t.Fatal("expected error for unknown event")
	}
}

func TestAbuseLookup(t *testing.T) {
	def := diamondDef()
	ab, ok := def.Abuse("strike-goal")
	if !ok || ab.From != "goal" {
		t.Fatalf("Abuse(strike-goal) = %+v, %v", ab, ok)
	}
	if _, ok := def.Abuse("nope"); ok {
		t.Fatal("unknown abuse must not resolve")
	}
	names := def.AbuseNames()
	if len(names) != 2 || names[0] != "strike-goal" {
		t.Fatalf("AbuseNames = %v, want declaration order", names)
	}
}
