package mqttprobe

import (
	"errors"
	"testing"
	"time"

	"bytemomo/charybdis/internal/domain"
	"bytemomo/charybdis/internal/testutil"
)

func brokerTarget(port uint16) *domain.Target {
	return &domain.Target{
		ID:       "broker-1",
		Protocol: domain.ProtocolMQTT,
		Mode:     domain.ModePhysical,
		Endpoint: domain.HostPort{Host: "127.0.0.1", Port: port},
	}
}

func TestAlive(t *testing.T) {
	broker := &testutil.MiniBroker{}
	if err := broker.Start(); err != nil {
		t.Fatalf("start broker: %v", err)
	}
	defer broker.Close()

	p := &Probe{}
	if err := p.Alive(brokerTarget(broker.Port()), 2*time.Second); err != nil {
		t.Fatalf("expected live broker, got %v", err)
	}
}

func TestAlive_WedgedBroker(t *testing.T) {
	broker := &testutil.MiniBroker{}
	if err := broker.Start(); err != nil {
		t.Fatalf("start broker: %v", err)
	}
	defer broker.Close()
	broker.Refuse(true)

	p := &Probe{}
	err := p.Alive(brokerTarget(broker.Port()), 500*time.Millisecond)
	if err == nil {
		t.Fatal("expected probe failure against wedged broker")
	}
	var te *domain.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestAlive_NoListener(t *testing.T) {
	p := &Probe{}
	err := p.Alive(brokerTarget(1), 500*time.Millisecond)
	if err == nil {
		t.Fatal("expected probe failure when nothing listens")
	}
	if !domain.IsTransient(err) {
		t.Fatal("probe failures should be retryable transport errors")
	}
}
