// Package mqttprobe verifies that a message-queue target still answers
// after abusive traffic. A clean connect/disconnect cycle through a
// real client distinguishes a crashed broker from one that merely
// dropped our attack connection.
package mqttprobe

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"bytemomo/charybdis/internal/domain"
)

// Prober checks target liveness. Implemented here for MQTT; other
// protocols fall back to transport-level reachability.
type Prober interface {
	Alive(target *domain.Target, timeout time.Duration) error
}

// Probe dials the broker with a throwaway client ID.
type Probe struct {
	// UseTLS switches the broker URL scheme to ssl.
	UseTLS bool
}

// Alive connects and disconnects cleanly. A broker that accepts the
// CONNECT within the timeout is considered alive.
func (p *Probe) Alive(target *domain.Target, timeout time.Duration) error {
	scheme := "tcp"
	if p.UseTLS {
		scheme = "ssl"
	}
	broker := fmt.Sprintf("%s://%s", scheme, target.Endpoint.String())

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID("charybdis-probe-" + uuid.NewString()[:8]).
		SetConnectTimeout(timeout).
		SetConnectRetry(false).
		SetAutoReconnect(false)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return &domain.TransportError{Op: "probe", Target: target.Endpoint.String(),
			Err: fmt.Errorf("connect timed out after %s", timeout)}
	}
	if err := token.Error(); err != nil {
		return &domain.TransportError{Op: "probe", Target: target.Endpoint.String(), Err: err}
	}
	client.Disconnect(100)
	log.WithField("target", target.ID).Debug("broker liveness confirmed")
	return nil
}
