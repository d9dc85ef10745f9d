package domain

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestTestCase_ConsumeOnce(t *testing.T) {
	tc := NewTestCase("t1", OriginFuzzer, []byte{0x01, 0x02})

	if tc.Consumed() {
		t.Fatal("fresh test case should not be consumed")
	}
	if err := tc.Consume(); err != nil {
		t.Fatalf("first consume failed: %v", err)
	}
	if err := tc.Consume(); !errors.Is(err, ErrTestCaseConsumed) {
		t.Errorf("second consume should return ErrTestCaseConsumed, got %v", err)
	}
	if !tc.Consumed() {
		t.Error("test case should report consumed")
	}
}

func TestTestCase_ConsumeConcurrent(t *testing.T) {
	tc := NewTestCase("t1", OriginFuzzer, nil)

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tc.Consume() == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	var count int
	for range wins {
		count++
	}
	if count != 1 {
		t.Errorf("exactly one consumer should win, got %d", count)
	}
}

func TestTestCase_CloneFreshIdentity(t *testing.T) {
	tc := NewTestCase("t1", OriginSession, []byte{0xAA, 0xBB})
	tc.Protocol = ProtocolMQTT
	tc.SessionID = "s1"
	tc.Event = "connect"
	tc.Abuse = AttackReplay
	tc.Expect = RespAck
	tc.Rate = &RateSpec{Count: 10, Interval: time.Millisecond}
	if err := tc.Consume(); err != nil {
		t.Fatalf("consume: %v", err)
	}

	dup := tc.Clone()
	if dup.ID == tc.ID {
		t.Error("clone must mint a new identity")
	}
	if dup.Consumed() {
		t.Error("clone must start unconsumed")
	}
	if dup.Event != tc.Event || dup.TargetID != tc.TargetID {
		t.Error("clone must preserve protocol context")
	}
	if dup.Protocol != tc.Protocol || dup.SessionID != tc.SessionID ||
		dup.Abuse != tc.Abuse || dup.Expect != tc.Expect {
		t.Error("clone must preserve delivery context")
	}
	if dup.Rate == tc.Rate || *dup.Rate != *tc.Rate {
		t.Error("clone rate must be an equal, unshared copy")
	}

	dup.Payload[0] = 0xFF
	if tc.Payload[0] != 0xAA {
		t.Error("clone payload must not alias the original")
	}
}

func TestTestCase_OperationKey(t *testing.T) {
	tests := []struct {
		name string
		tc   TestCase
		want string
	}{
		{
			name: "harness case keyed by entry point",
			tc:   TestCase{EntryPoint: "update_firmware"},
			want: "update_firmware",
		},
		{
			name: "abusive case keyed by category and event",
			tc:   TestCase{Abuse: AttackFlood, Event: "publish"},
			want: "flood:publish",
		},
		{
			name: "legal session step keyed by event",
			tc:   TestCase{Event: "connect"},
			want: "event:connect",
		},
		{
			name: "bare payload",
			tc:   TestCase{},
			want: "raw",
		},
	}
	for i := range tests {
		tt := &tests[i]
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.tc.OperationKey(); got != tt.want {
				t.Errorf("OperationKey() = %q, want %q", got, tt.want)
			}
		})
	}
}
