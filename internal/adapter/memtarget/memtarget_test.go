package memtarget

import (
	"context"
	"sync"
	"testing"
	"time"

	"bytemomo/charybdis/internal/domain"
)

func emulated(id string) *domain.Target {
	return &domain.Target{ID: id, Protocol: domain.ProtocolModbus, Mode: domain.ModeEmulated}
}

func TestSupports(t *testing.T) {
	a := New()
	if !a.Supports(emulated("t1")) {
		t.Error("emulated target not supported")
	}
	if a.Supports(&domain.Target{ID: "t2", Mode: domain.ModePhysical}) {
		t.Error("physical target must not be supported")
	}
	if a.Supports(nil) {
		t.Error("nil target supported")
	}
}

func TestExecute_DefaultEcho(t *testing.T) {
	a := New()
	target := emulated("t1")
	tc := domain.NewTestCase("t1", domain.OriginFuzzer, []byte{0x01, 0x02})

	tel, err := a.Execute(context.Background(), target, tc, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if tel.Outcome != domain.OutcomeNormal {
		t.Errorf("outcome = %s", tel.Outcome)
	}
	if string(tel.Response) != string(tc.Payload) {
		t.Errorf("response = %x", tel.Response)
	}
	if tel.TestCaseID != tc.ID || tel.TargetID != "t1" {
		t.Error("telemetry not attributed")
	}
}

func TestExecute_ScriptedFault(t *testing.T) {
	a := New()
	a.Provision("t1", WithScript(func(tc *domain.TestCase) *domain.Telemetry {
		if len(tc.Payload) > 4 {
			return &domain.Telemetry{
				Outcome: domain.OutcomeFault,
				Fault:   &domain.FaultDetail{Class: domain.FaultOOBWrite, PC: 0x100},
			}
		}
		return nil
	}))

	long := domain.NewTestCase("t1", domain.OriginFuzzer, make([]byte, 8))
	tel, err := a.Execute(context.Background(), emulated("t1"), long, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !tel.Faulted() {
		t.Fatalf("scripted fault not delivered: %+v", tel)
	}

	short := domain.NewTestCase("t1", domain.OriginFuzzer, []byte{1})
	tel, err = a.Execute(context.Background(), emulated("t1"), short, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if tel.Outcome != domain.OutcomeNormal {
		t.Errorf("script fallthrough outcome = %s", tel.Outcome)
	}
}

func TestExecute_WedgeAndReset(t *testing.T) {
	a := New()
	a.Provision("t1", WithWedgeAfter(2))
	target := emulated("t1")

	for i := 0; i < 2; i++ {
		tc := domain.NewTestCase("t1", domain.OriginFuzzer, []byte{byte(i)})
		tel, err := a.Execute(context.Background(), target, tc, time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if tel.Outcome != domain.OutcomeNormal {
			t.Fatalf("execution %d: %s", i, tel.Outcome)
		}
	}
	tc := domain.NewTestCase("t1", domain.OriginFuzzer, []byte{0xFF})
	tel, err := a.Execute(context.Background(), target, tc, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if tel.Outcome != domain.OutcomeUnresponsive {
		t.Fatalf("wedged device answered: %s", tel.Outcome)
	}

	if err := a.Reset(context.Background(), target); err != nil {
		t.Fatal(err)
	}
	tc = domain.NewTestCase("t1", domain.OriginFuzzer, []byte{0x00})
	tel, err = a.Execute(context.Background(), target, tc, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if tel.Outcome != domain.OutcomeNormal {
		t.Fatalf("reset device still wedged: %s", tel.Outcome)
	}
}

func TestExecute_TimeoutOutcome(t *testing.T) {
	a := New()
	a.Provision("t1", WithLatency(200*time.Millisecond))

	tc := domain.NewTestCase("t1", domain.OriginFuzzer, []byte{1})
	tel, err := a.Execute(context.Background(), emulated("t1"), tc, 20*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if tel.Outcome != domain.OutcomeTimeout {
		t.Fatalf("outcome = %s, want timeout", tel.Outcome)
	}
}

func TestExecute_CancelledOutcome(t *testing.T) {
	a := New()
	a.Provision("t1", WithLatency(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	tc := domain.NewTestCase("t1", domain.OriginFuzzer, []byte{1})
	tel, err := a.Execute(ctx, emulated("t1"), tc, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if tel.Outcome != domain.OutcomeCancelled {
		t.Fatalf("outcome = %s, want cancelled", tel.Outcome)
	}
}

func TestExecute_SerializedPerTarget(t *testing.T) {
	a := New()
	target := emulated("t1")

	var mu sync.Mutex
	var inflight, maxInflight int
	a.Provision("t1", WithScript(func(*domain.TestCase) *domain.Telemetry {
		mu.Lock()
		inflight++
		if inflight > maxInflight {
			maxInflight = inflight
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		inflight--
		mu.Unlock()
		return nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tc := domain.NewTestCase("t1", domain.OriginFuzzer, []byte{byte(i)})
			a.Execute(context.Background(), target, tc, 5*time.Second)
		}(i)
	}
	wg.Wait()

	if maxInflight != 1 {
		t.Fatalf("max in-flight executions = %d, want 1", maxInflight)
	}
}
