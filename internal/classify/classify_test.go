package classify

import (
	"testing"
	"time"

	"bytemomo/charybdis/internal/domain"
)

// memStore is an in-memory KnowledgeStore for classifier tests.
type memStore struct {
	findings  map[string]*domain.Finding
	templates []domain.ExploitTemplate
}

func newMemStore() *memStore {
	return &memStore{findings: make(map[string]*domain.Finding)}
}

func (s *memStore) Profile(string) (*domain.DeviceProfile, error) { return nil, nil }
func (s *memStore) PutProfile(*domain.DeviceProfile) error        { return nil }
func (s *memStore) Templates(domain.Protocol) ([]domain.ExploitTemplate, error) {
	return s.templates, nil
}
func (s *memStore) PutTemplate(t domain.ExploitTemplate) error {
	s.templates = append(s.templates, t)
	return nil
}
func (s *memStore) Findings(targetID string) ([]domain.Finding, error) {
	var out []domain.Finding
	for _, f := range s.findings {
		if f.TargetID == targetID {
			out = append(out, *f)
		}
	}
	return out, nil
}
func (s *memStore) FindingBySignature(targetID string, sig domain.CrashSignature) (*domain.Finding, error) {
	f, ok := s.findings[targetID+"/"+sig.Key()]
	if !ok {
		return nil, nil
	}
	return f, nil
}
func (s *memStore) PutFinding(f *domain.Finding) error {
	s.findings[f.TargetID+"/"+f.Signature.Key()] = f
	return nil
}
func (s *memStore) Close() error { return nil }

func faultTel(class domain.FaultClass, pc uint64) domain.Telemetry {
	return domain.Telemetry{
		Outcome:    domain.OutcomeFault,
		Fault:      &domain.FaultDetail{Class: class, PC: pc},
		CapturedAt: time.Now(),
	}
}

func TestLabel_PriorityOrder(t *testing.T) {
	weakProfile := &domain.DeviceProfile{
		TargetID: "cam-1",
		Crypto:   []domain.CryptoWeakness{{Kind: "hardcoded-key"}},
	}

	tests := []struct {
		name     string
		tc       *domain.TestCase
		tel      domain.Telemetry
		profile  *domain.DeviceProfile
		wantCat  domain.FindingCategory
		wantConf float64
	}{
		{
			name:     "oob write outranks everything",
			tc:       &domain.TestCase{Abuse: domain.AttackInjection, Event: "connect"},
			tel:      faultTel(domain.FaultOOBWrite, 0x1000),
			profile:  weakProfile,
			wantCat:  domain.CategoryMemorySafety,
			wantConf: confMemorySafety,
		},
		{
			name:     "control flow corruption is memory safety",
			tc:       &domain.TestCase{},
			tel:      faultTel(domain.FaultControlFlow, 0x2000),
			wantCat:  domain.CategoryMemorySafety,
			wantConf: confMemorySafety,
		},
		{
			name: "executed input is command injection",
			tc:   &domain.TestCase{},
			tel: domain.Telemetry{
				Outcome: domain.OutcomeFault,
				Fault:   &domain.FaultDetail{Class: domain.FaultCommandExec, ExecutedInput: true},
			},
			wantCat:  domain.CategoryCommandInjection,
			wantConf: confCommandInjection,
		},
		{
			name: "out of range write is protocol logic violation",
			tc:   &domain.TestCase{Abuse: domain.AttackInjection, Event: "write-coil", Expect: domain.RespError},
			tel: domain.Telemetry{
				Outcome: domain.OutcomeFault,
				Fault:   &domain.FaultDetail{Summary: "write outside declared coil range"},
			},
			wantCat:  domain.CategoryProtocolLogic,
			wantConf: confProtocolLogic,
		},
		{
			name:     "flood timeout is resource exhaustion",
			tc:       &domain.TestCase{Abuse: domain.AttackFlood, Event: "publish"},
			tel:      domain.Telemetry{Outcome: domain.OutcomeTimeout},
			wantCat:  domain.CategoryResourceExhaustion,
			wantConf: confDoS,
		},
		{
			name:     "handshake fault on weak crypto device",
			tc:       &domain.TestCase{Event: "pair-request"},
			tel:      faultTel(domain.FaultStackExhausted, 0x3000),
			profile:  weakProfile,
			wantCat:  domain.CategoryWeakCrypto,
			wantConf: confWeakCrypto,
		},
		{
			name:     "unattributed fault",
			tc:       &domain.TestCase{},
			tel:      faultTel(domain.FaultStackExhausted, 0x4000),
			wantCat:  domain.CategoryUnclassified,
			wantConf: confUnclassified,
		},
		{
			name:    "normal outcome is no finding",
			tc:      &domain.TestCase{},
			tel:     domain.Telemetry{Outcome: domain.OutcomeNormal},
			wantCat: "",
		},
		{
			name:    "plain timeout without flood is no finding",
			tc:      &domain.TestCase{Origin: domain.OriginFuzzer},
			tel:     domain.Telemetry{Outcome: domain.OutcomeTimeout},
			wantCat: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat, conf := Label(tt.tc, tt.tel, tt.profile)
			if cat != tt.wantCat {
				t.Errorf("category = %q, want %q", cat, tt.wantCat)
			}
			if conf != tt.wantConf {
				t.Errorf("confidence = %v, want %v", conf, tt.wantConf)
			}
		})
	}
}

func TestLabel_TimeoutNeverMemorySafety(t *testing.T) {
	// Even with stale fault detail attached, a timeout outcome must not
	// be promoted to a memory-safety finding.
	tc := &domain.TestCase{EntryPoint: "parse_update"}
	tel := domain.Telemetry{
		Outcome: domain.OutcomeTimeout,
		Fault:   &domain.FaultDetail{Class: domain.FaultOOBWrite, PC: 0x1000},
	}
	cat, _ := Label(tc, tel, nil)
	if cat == domain.CategoryMemorySafety {
		t.Fatal("timeout classified as memory safety")
	}
}

func TestLabel_ConfidenceMonotone(t *testing.T) {
	levels := []float64{confMemorySafety, confCommandInjection, confProtocolLogic, confDoS, confWeakCrypto, confUnclassified}
	for i := 1; i < len(levels); i++ {
		if levels[i] > levels[i-1] {
			t.Fatalf("confidence at priority %d (%v) exceeds priority %d (%v)", i, levels[i], i-1, levels[i-1])
		}
	}
}

func TestClassify_DedupBySignature(t *testing.T) {
	store := newMemStore()
	cls := New(store)

	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	tc1 := domain.NewTestCase("plc-1", domain.OriginFuzzer, payload)
	tc2 := domain.NewTestCase("plc-1", domain.OriginFuzzer, payload)

	// Same fault class, adjacent PCs inside one location bucket, same
	// input: one finding.
	f1, fresh1, err := cls.Classify(tc1, faultTel(domain.FaultOOBWrite, 0x1000), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !fresh1 {
		t.Error("first classification should be fresh")
	}
	f2, fresh2, err := cls.Classify(tc2, faultTel(domain.FaultOOBWrite, 0x1004), nil)
	if err != nil {
		t.Fatal(err)
	}
	if fresh2 {
		t.Error("duplicate signature should not be fresh")
	}
	if f2.Occurrences != 2 {
		t.Errorf("occurrences = %d, want 2", f2.Occurrences)
	}
	if f1.Signature.Key() != f2.Signature.Key() {
		t.Errorf("signatures differ: %s vs %s", f1.Signature.Key(), f2.Signature.Key())
	}

	stored, err := store.Findings("plc-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 {
		t.Fatalf("stored findings = %d, want 1", len(stored))
	}
}

func TestClassify_DistinctFaultClassesSeparate(t *testing.T) {
	store := newMemStore()
	cls := New(store)

	payload := []byte("AAAA")
	tc1 := domain.NewTestCase("plc-1", domain.OriginFuzzer, payload)
	tc2 := domain.NewTestCase("plc-1", domain.OriginFuzzer, payload)

	if _, _, err := cls.Classify(tc1, faultTel(domain.FaultOOBWrite, 0x1000), nil); err != nil {
		t.Fatal(err)
	}
	if _, _, err := cls.Classify(tc2, faultTel(domain.FaultIllegalInstr, 0x1000), nil); err != nil {
		t.Fatal(err)
	}
	stored, _ := store.Findings("plc-1")
	if len(stored) != 2 {
		t.Fatalf("stored findings = %d, want 2", len(stored))
	}
}

func TestClassify_SessionFindingBecomesTemplate(t *testing.T) {
	store := newMemStore()
	cls := New(store)

	tc := domain.NewTestCase("broker-1", domain.OriginSession, []byte{0x30, 0x05})
	tc.Origin = domain.OriginSession
	tc.Protocol = domain.ProtocolMQTT
	tc.SessionID = "s1"
	tc.Event = "publish-retained"
	tc.Abuse = domain.AttackInjection

	if _, _, err := cls.Classify(tc, faultTel(domain.FaultOOBRead, 0x500), nil); err != nil {
		t.Fatal(err)
	}
	if len(store.templates) != 1 {
		t.Fatalf("templates = %d, want 1", len(store.templates))
	}
	if store.templates[0].Protocol != domain.ProtocolMQTT {
		t.Errorf("template protocol = %s", store.templates[0].Protocol)
	}
}
