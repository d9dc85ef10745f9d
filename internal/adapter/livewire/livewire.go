// Package livewire delivers test cases to live protocol endpoints over
// the transport conduit stack. It is the adapter behind both physical
// devices and emulated targets exposed as network services.
package livewire

import (
	"context"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"bytemomo/charybdis/internal/adapter/mqttprobe"
	"bytemomo/charybdis/internal/domain"
	"bytemomo/charybdis/internal/transport"
)

const responseBufSize = 4096

// datagramProtocols reach their targets over packet transports.
var datagramProtocols = map[domain.Protocol]bool{
	domain.ProtocolZigbee: true,
	domain.ProtocolBLE:    true,
	domain.ProtocolCAN:    true,
}

type conn struct {
	stream   transport.Conduit[transport.Stream]
	datagram transport.Conduit[transport.Datagram]
	addr     net.Addr
	// busy is the per-target execution lock.
	busy chan struct{}
}

func (c *conn) close() {
	if c.stream != nil {
		c.stream.Close()
	}
	if c.datagram != nil {
		c.datagram.Close()
	}
}

// Adapter implements domain.TargetAdapter over network conduits.
type Adapter struct {
	dialOpts transport.DialOptions
	probe    mqttprobe.Prober

	mu    sync.Mutex
	conns map[string]*conn
}

// Option configures the adapter.
type Option func(*Adapter)

// WithDialOptions overrides the connect retry policy.
func WithDialOptions(opts transport.DialOptions) Option {
	return func(a *Adapter) { a.dialOpts = opts }
}

// WithProber installs the liveness prober used after suspicious
// exchanges against message-queue targets.
func WithProber(p mqttprobe.Prober) Option {
	return func(a *Adapter) { a.probe = p }
}

// New returns a live-endpoint adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		dialOpts: transport.DefaultDialOptions(),
		probe:    &mqttprobe.Probe{},
		conns:    make(map[string]*conn),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Supports accepts any target with a network endpoint.
func (a *Adapter) Supports(t *domain.Target) bool {
	return t != nil && t.Endpoint.Host != ""
}

// Connect dials the target's conduit stack with bounded retry.
func (a *Adapter) Connect(ctx context.Context, t *domain.Target) error {
	c := &conn{busy: make(chan struct{}, 1)}
	addr := t.Endpoint.String()

	var err error
	if datagramProtocols[t.Protocol] {
		c.datagram, err = transport.BuildDatagram(addr, t.Layers)
		if err == nil {
			err = transport.DialWithRetry(ctx, c.datagram, a.dialOpts)
		}
	} else {
		c.stream, err = transport.BuildStream(addr, t.Layers)
		if err == nil {
			err = transport.DialWithRetry(ctx, c.stream, a.dialOpts)
		}
	}
	if err != nil {
		return &domain.TransportError{Op: "dial", Target: addr, Err: err}
	}

	a.mu.Lock()
	if old, ok := a.conns[t.ID]; ok {
		old.close()
	}
	a.conns[t.ID] = c
	a.mu.Unlock()
	log.WithFields(log.Fields{"target": t.ID, "addr": addr}).Info("live target connected")
	return nil
}

func (a *Adapter) conn(targetID string) (*conn, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.conns[targetID]
	return c, ok
}

// Execute writes the payload (repeated per the case's rate spec for
// flood trains) and reads the response. The per-target lock guarantees
// a single in-flight case and is released on every path.
func (a *Adapter) Execute(ctx context.Context, t *domain.Target, tc *domain.TestCase, timeout time.Duration) (domain.Telemetry, error) {
	c, ok := a.conn(t.ID)
	if !ok {
		return domain.Telemetry{}, &domain.TransportError{Op: "send", Target: t.ID, Err: domain.ErrUnknownTarget}
	}

	select {
	case c.busy <- struct{}{}:
	case <-ctx.Done():
		return domain.Telemetry{TestCaseID: tc.ID, TargetID: t.ID, Outcome: domain.OutcomeCancelled, CapturedAt: time.Now().UTC()}, nil
	}
	defer func() { <-c.busy }()

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	tel, err := a.exchange(runCtx, c, tc)
	tel.TestCaseID = tc.ID
	tel.TargetID = t.ID
	tel.Latency = time.Since(start)
	tel.CapturedAt = time.Now().UTC()
	if err != nil {
		return tel, err
	}

	// A silent broker after abusive traffic may be down rather than
	// stoic; the probe decides.
	if tel.Outcome == domain.OutcomeTimeout && t.Protocol == domain.ProtocolMQTT && a.probe != nil {
		if perr := a.probe.Alive(t, timeout); perr != nil {
			tel.Outcome = domain.OutcomeUnresponsive
		}
	}
	return tel, nil
}

func (a *Adapter) exchange(ctx context.Context, c *conn, tc *domain.TestCase) (domain.Telemetry, error) {
	if err := a.send(ctx, c, tc); err != nil {
		return domain.Telemetry{Outcome: domain.OutcomeTransportError}, err
	}
	if tc.Expect == domain.RespSilence {
		return domain.Telemetry{Outcome: domain.OutcomeNormal}, nil
	}

	buf := make([]byte, responseBufSize)
	var n int
	var err error
	if c.stream != nil {
		n, _, err = c.stream.View().Read(ctx, buf)
	} else {
		n, _, _, err = c.datagram.View().ReadFrom(ctx, buf)
	}
	if err != nil {
		if ctx.Err() != nil {
			return domain.Telemetry{Outcome: domain.OutcomeTimeout}, nil
		}
		return domain.Telemetry{Outcome: domain.OutcomeTransportError},
			&domain.TransportError{Op: "recv", Target: c.addrString(), Err: err}
	}
	return domain.Telemetry{
		Outcome:  domain.OutcomeNormal,
		Response: append([]byte(nil), buf[:n]...),
	}, nil
}

// send writes the payload once, or as a paced train when the case
// carries a rate spec.
func (a *Adapter) send(ctx context.Context, c *conn, tc *domain.TestCase) error {
	count := 1
	var limiter *rate.Limiter
	if tc.Rate != nil && tc.Rate.Count > 1 {
		count = tc.Rate.Count
		interval := tc.Rate.Interval
		if interval <= 0 {
			interval = time.Millisecond
		}
		limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	for i := 0; i < count; i++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return &domain.TransportError{Op: "send", Target: c.addrString(), Err: err}
			}
		}
		var err error
		if c.stream != nil {
			_, _, err = c.stream.View().Write(ctx, tc.Payload)
		} else {
			_, _, err = c.datagram.View().WriteTo(ctx, tc.Payload, c.addr)
		}
		if err != nil {
			return &domain.TransportError{Op: "send", Target: c.addrString(), Err: err}
		}
	}
	return nil
}

func (c *conn) addrString() string {
	if c.stream != nil {
		if addr := c.stream.View().RemoteAddr(); addr != nil {
			return addr.String()
		}
	}
	if c.datagram != nil {
		if addr := c.datagram.View().RemoteAddr(); addr != nil {
			return addr.String()
		}
	}
	return "unknown"
}

// Reset reconnects, dropping any wedged protocol state on the wire.
func (a *Adapter) Reset(ctx context.Context, t *domain.Target) error {
	return a.Connect(ctx, t)
}

// Close tears the target's conduit down.
func (a *Adapter) Close(t *domain.Target) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.conns[t.ID]; ok {
		c.close()
		delete(a.conns, t.ID)
	}
	return nil
}
