package store

import (
	"path/filepath"
	"testing"
	"time"

	"bytemomo/charybdis/internal/domain"
)

func openTestStore(t *testing.T) *Bolt {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "kb.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBolt_ProfileRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if p, err := s.Profile("nope"); err != nil || p != nil {
		t.Fatalf("missing profile should be (nil, nil), got (%v, %v)", p, err)
	}

	profile := &domain.DeviceProfile{
		TargetID:  "plc-4",
		Vendor:    "acme",
		Arch:      domain.ArchARM,
		Protocols: []domain.Protocol{domain.ProtocolModbus},
		Coils:     domain.RegisterRange{First: 0, Count: 100},
		Whitelist: []string{"event:read-holding"},
	}
	if err := s.PutProfile(profile); err != nil {
		t.Fatalf("put profile: %v", err)
	}

	loaded, err := s.Profile("plc-4")
	if err != nil {
		t.Fatalf("load profile: %v", err)
	}
	if loaded == nil || loaded.Vendor != "acme" {
		t.Fatalf("unexpected profile: %+v", loaded)
	}
	if !loaded.Coils.Contains(50) {
		t.Error("coil range lost in round trip")
	}
	if loaded.UpdatedAt.IsZero() {
		t.Error("PutProfile should stamp UpdatedAt")
	}
}

func TestBolt_TemplatesByProtocol(t *testing.T) {
	s := openTestStore(t)

	templates := []domain.ExploitTemplate{
		{ID: "mqtt-flood", Name: "publish flood", Protocol: domain.ProtocolMQTT, Abuse: "publish-flood", Category: domain.AttackFlood},
		{ID: "mqtt-poison", Name: "retained poison", Protocol: domain.ProtocolMQTT, Abuse: "retained-poison", Category: domain.AttackInjection},
		{ID: "can-spoof", Name: "id spoof", Protocol: domain.ProtocolCAN, Abuse: "id-spoof", Category: domain.AttackSpoof},
	}
	for _, tmpl := range templates {
		if err := s.PutTemplate(tmpl); err != nil {
			t.Fatalf("put template %s: %v", tmpl.ID, err)
		}
	}

	mqtt, err := s.Templates(domain.ProtocolMQTT)
	if err != nil {
		t.Fatalf("templates: %v", err)
	}
	if len(mqtt) != 2 {
		t.Errorf("mqtt templates = %d, want 2", len(mqtt))
	}
	can, err := s.Templates(domain.ProtocolCAN)
	if err != nil {
		t.Fatalf("templates: %v", err)
	}
	if len(can) != 1 || can[0].Abuse != "id-spoof" {
		t.Errorf("unexpected can templates: %+v", can)
	}

	if err := s.PutTemplate(domain.ExploitTemplate{ID: "x", Protocol: "bogus"}); err == nil {
		t.Error("template with unknown protocol should be rejected")
	}
}

func TestBolt_FindingDedupBySignature(t *testing.T) {
	s := openTestStore(t)

	sig := domain.CrashSignature{Class: domain.FaultOOBWrite, Location: 0x4000, Shape: "len:64"}
	now := time.Now().UTC()
	finding := &domain.Finding{
		ID:          "f-1",
		TargetID:    "cam-2",
		Category:    domain.CategoryMemorySafety,
		Confidence:  0.95,
		Signature:   sig,
		Occurrences: 1,
		FirstSeen:   now,
		LastSeen:    now,
	}
	if err := s.PutFinding(finding); err != nil {
		t.Fatalf("put finding: %v", err)
	}

	existing, err := s.FindingBySignature("cam-2", sig)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if existing == nil || existing.ID != "f-1" {
		t.Fatalf("signature lookup failed: %+v", existing)
	}

	// same signature again: callers merge, store keeps one row
	existing.Merge(&domain.Finding{Occurrences: 1, Confidence: 0.95, FirstSeen: now, LastSeen: now.Add(time.Minute)})
	if err := s.PutFinding(existing); err != nil {
		t.Fatalf("put merged: %v", err)
	}

	all, err := s.Findings("cam-2")
	if err != nil {
		t.Fatalf("findings: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("duplicate signature must collapse to one finding, got %d", len(all))
	}
	if all[0].Occurrences != 2 {
		t.Errorf("occurrences = %d, want 2", all[0].Occurrences)
	}

	other, err := s.FindingBySignature("cam-2", domain.CrashSignature{Class: domain.FaultControlFlow, Location: 0x4000, Shape: "len:64"})
	if err != nil || other != nil {
		t.Errorf("different class must be a new signature, got (%v, %v)", other, err)
	}
}
