package domain

import "testing"

func TestDeviceProfile_Whitelisted(t *testing.T) {
	profile := &DeviceProfile{
		TargetID:  "infusion-pump-7",
		Whitelist: []string{"read_status", "battery_check"},
	}

	if !profile.Whitelisted("read_status") {
		t.Error("read_status should be whitelisted")
	}
	if profile.Whitelisted("dose_control") {
		t.Error("dose_control must not be whitelisted")
	}

	var nilProfile *DeviceProfile
	if nilProfile.Whitelisted("anything") {
		t.Error("nil profile whitelists nothing")
	}
	empty := &DeviceProfile{}
	if empty.Whitelisted("read_status") {
		t.Error("empty whitelist permits nothing")
	}
}

func TestRegisterRange_Contains(t *testing.T) {
	rr := RegisterRange{First: 40, Count: 20}

	tests := []struct {
		addr uint16
		want bool
	}{
		{39, false},
		{40, true},
		{50, true},
		{59, true},
		{60, false},
	}
	for _, tt := range tests {
		if got := rr.Contains(tt.addr); got != tt.want {
			t.Errorf("Contains(%d) = %v, want %v", tt.addr, got, tt.want)
		}
	}

	var zero RegisterRange
	if zero.Contains(0) {
		t.Error("zero range contains nothing")
	}
}

func TestEntryPointProfile_RecordRun(t *testing.T) {
	ep := &EntryPointProfile{Name: "parse_packet"}

	ep.RecordRun(OutcomeNormal)
	ep.RecordRun(OutcomeNormal)
	ep.RecordRun(OutcomeFault)
	ep.RecordRun(OutcomeTimeout)

	if ep.Invocations != 4 {
		t.Errorf("invocations = %d, want 4", ep.Invocations)
	}
	if ep.SafeRuns != 2 {
		t.Errorf("safe runs = %d, want 2", ep.SafeRuns)
	}
	if ep.Faults != 1 {
		t.Errorf("faults = %d, want 1", ep.Faults)
	}
	if rate := ep.FaultRate(); rate != 0.25 {
		t.Errorf("fault rate = %v, want 0.25", rate)
	}
}

func TestDeviceProfile_EntryPointCreatesOnFirstUse(t *testing.T) {
	profile := &DeviceProfile{TargetID: "ecu-1"}

	ep := profile.EntryPoint("main")
	ep.RecordRun(OutcomeFault)

	again := profile.EntryPoint("main")
	if again.Faults != 1 {
		t.Errorf("entry point history should persist, faults = %d", again.Faults)
	}
	if len(profile.EntryPoints) != 1 {
		t.Errorf("repeated lookup must not duplicate entries, got %d", len(profile.EntryPoints))
	}
}
