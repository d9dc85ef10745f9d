package config

import (
	"os"
	"path/filepath"
	"testing"

	"bytemomo/charybdis/internal/domain"
)

const samplePlan = `
targets:
  - id: plc-sim
    protocol: modbus
    mode: emulated
    arch: arm
  - id: broker-lab
    protocol: mqtt
    endpoint:
      host: 192.168.7.10
      port: 1883
profiles:
  - target_id: broker-lab
    whitelist:
      - "event:connect"
templates:
  - id: tmpl-coil
    name: unauthorized coil write
    protocol: modbus
    abuse: coil-overwrite
campaign:
  case_budget: 128
  strategy: bitflip
gate:
  threshold: 0.4
seeds:
  - "000100000006010500320000"
store_path: ${CHARYBDIS_STORE}
`

func writePlan(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	return path
}

func TestLoadPlan(t *testing.T) {
	t.Setenv("CHARYBDIS_STORE", "/tmp/kb.db")
	path := writePlan(t, samplePlan)

	plan, err := NewLoader("").LoadPlan(path)
	if err != nil {
		t.Fatalf("load plan: %v", err)
	}

	if len(plan.Targets) != 2 {
		t.Fatalf("targets = %d, want 2", len(plan.Targets))
	}
	if plan.Targets[0].Mode != domain.ModeEmulated {
		t.Errorf("explicit mode lost: %s", plan.Targets[0].Mode)
	}
	// Unset mode defaults to physical so the gate protects by default.
	if plan.Targets[1].Mode != domain.ModePhysical {
		t.Errorf("default mode = %s, want physical", plan.Targets[1].Mode)
	}

	if plan.Campaign.CaseBudget != 128 {
		t.Errorf("case budget = %d", plan.Campaign.CaseBudget)
	}
	// Unset campaign fields keep their defaults.
	if plan.Campaign.UnresponsiveLimit != 3 {
		t.Errorf("unresponsive limit = %d, want default 3", plan.Campaign.UnresponsiveLimit)
	}
	if plan.Gate.Threshold != 0.4 {
		t.Errorf("threshold = %f", plan.Gate.Threshold)
	}

	if plan.StorePath != "/tmp/kb.db" {
		t.Errorf("env expansion failed: %s", plan.StorePath)
	}

	seeds := plan.SeedPayloads()
	if len(seeds) != 1 || len(seeds[0]) != 12 {
		t.Fatalf("seeds = %v", seeds)
	}
}

func TestLoadPlan_InvalidProtocol(t *testing.T) {
	path := writePlan(t, `
targets:
  - id: mystery
    protocol: gopher
    mode: emulated
`)
	if _, err := NewLoader("").LoadPlan(path); err == nil {
		t.Fatal("expected validation failure for unknown protocol")
	}
}

func TestLoadPlan_NoTargets(t *testing.T) {
	path := writePlan(t, "targets: []\n")
	if _, err := NewLoader("").LoadPlan(path); err == nil {
		t.Fatal("expected validation failure for empty target list")
	}
}

func TestLoadPlan_BadSeedHex(t *testing.T) {
	path := writePlan(t, `
targets:
  - id: plc
    protocol: modbus
    mode: emulated
seeds:
  - "zz"
`)
	if _, err := NewLoader("").LoadPlan(path); err == nil {
		t.Fatal("expected validation failure for non-hex seed")
	}
}

func TestFindPlans(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.yaml", "b.yml", "c.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("targets: []"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	plans, err := NewLoader(dir).FindPlans(".")
	if err != nil {
		t.Fatalf("find plans: %v", err)
	}
	if len(plans) != 2 {
		t.Fatalf("plans = %v, want the two yaml files", plans)
	}
}
