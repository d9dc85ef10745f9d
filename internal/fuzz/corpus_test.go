package fuzz

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"bytemomo/charybdis/internal/domain"
)

func faultTelemetry(pc uint64, cov []uint32) domain.Telemetry {
	return domain.Telemetry{
		Outcome:  domain.OutcomeFault,
		Coverage: cov,
		Fault: &domain.FaultDetail{
			Class: domain.FaultOOBWrite,
			PC:    pc,
		},
	}
}

func TestCoverageKey(t *testing.T) {
	a := CoverageKey([]uint32{1, 2, 3})
	b := CoverageKey([]uint32{3, 1, 2})
	if a != b {
		t.Fatal("coverage key must ignore edge order")
	}
	if a == CoverageKey([]uint32{1, 2}) {
		t.Fatal("different edge sets must not collide")
	}
	if CoverageKey(nil) != 0 {
		t.Fatal("empty coverage must map to the zero key")
	}
}

func TestCorpusAdmissionRules(t *testing.T) {
	c, err := NewCorpus("")
	if err != nil {
		t.Fatal(err)
	}
	c.Seed([]byte("seed-input"), "seed")
	if c.Len() != 1 {
		t.Fatalf("corpus size after seed = %d", c.Len())
	}

	// New coverage admits.
	if _, ok := c.Admit([]byte("payload-a"), domain.Telemetry{Outcome: domain.OutcomeNormal, Coverage: []uint32{10, 11}}); !ok {
		t.Fatal("new coverage must admit")
	}
	// Same coverage, same shape: idempotent, nothing new enters.
	if _, ok := c.Admit([]byte("payload-a"), domain.Telemetry{Outcome: domain.OutcomeNormal, Coverage: []uint32{10, 11}}); ok {
		t.Fatal("re-admission must be a no-op")
	}
	if c.Len() != 2 {
		t.Fatalf("corpus size = %d, want 2", c.Len())
	}

	// A new crash signature admits even without coverage.
	if _, ok := c.Admit([]byte("crasher-x"), faultTelemetry(0x8000_1000, nil)); !ok {
		t.Fatal("new crash signature must admit")
	}
	if _, ok := c.Admit([]byte("crasher-x"), faultTelemetry(0x8000_1004, nil)); ok {
		t.Fatal("same 64-byte crash bucket must not admit twice")
	}
	if got := c.UniqueCrashes(); got != 1 {
		t.Fatalf("unique crashes = %d, want 1", got)
	}
	if got := c.CoverageTiers(); got != 1 {
		t.Fatalf("coverage tiers = %d, want 1", got)
	}
}

func TestCorpusDedupKeepsFitter(t *testing.T) {
	c, err := NewCorpus("")
	if err != nil {
		t.Fatal(err)
	}
	// Both payloads share a length bucket, so with equal coverage they
	// land in the same dedup slot.
	c.Admit([]byte("original"), domain.Telemetry{Outcome: domain.OutcomeNormal, Coverage: []uint32{7}})
	c.Admit([]byte("replacer"), faultTelemetry(0x1000, []uint32{7}))

	if c.Len() != 1 {
		t.Fatalf("corpus size = %d, want the slot reused", c.Len())
	}
	if string(c.entries[0].Payload) != "replacer" {
		t.Fatalf("slot holds %q, want the fitter crasher", c.entries[0].Payload)
	}

	// A weaker duplicate must not displace it.
	c.Admit([]byte("weakling"), domain.Telemetry{Outcome: domain.OutcomeNormal, Coverage: []uint32{7}})
	if string(c.entries[0].Payload) != "replacer" {
		t.Fatal("lower fitness displaced the incumbent")
	}
}

func TestCorpusPickDetectsCorruption(t *testing.T) {
	c, err := NewCorpus("")
	if err != nil {
		t.Fatal(err)
	}
	c.Seed([]byte("healthy"), "seed")

	rng := rand.New(rand.NewSource(1))
	if _, err := c.Pick(rng); err != nil {
		t.Fatalf("healthy pick failed: %v", err)
	}

	c.entries[0].Payload[0] ^= 0xFF
	if _, err := c.Pick(rng); !errors.Is(err, domain.ErrCorpusCorruption) {
		t.Fatalf("corrupted pick = %v, want ErrCorpusCorruption", err)
	}
}

func TestCorpusPersistAndQuarantine(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "corpus")
	c, err := NewCorpus(dir)
	if err != nil {
		t.Fatal(err)
	}
	entry := c.Seed([]byte("persist-me"), "seed")
	if entry == nil {
		t.Fatal("seed rejected")
	}
	if _, err := os.Stat(filepath.Join(dir, entry.ID+".json")); err != nil {
		t.Fatalf("entry not persisted: %v", err)
	}

	if err := c.Quarantine(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatal("corpus dir still present after quarantine")
	}
	matches, err := filepath.Glob(dir + ".quarantine-*")
	if err != nil || len(matches) != 1 {
		t.Fatalf("quarantine dir missing: %v %v", matches, err)
	}
}
