package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v3"
)

// DTLSClient is a datagram conduit secured with DTLS. Unlike the TLS
// layer it owns its UDP socket, because pion/dtls dials the transport
// itself.
type DTLSClient struct {
	addr string
	cfg  *dtls.Config

	mu   sync.Mutex
	conn *dtls.Conn
}

type dtlsDatagram DTLSClient

// NewDTLSClient returns a DTLS-secured datagram conduit for addr.
func NewDTLSClient(addr string, cfg *dtls.Config) Conduit[Datagram] {
	return &DTLSClient{addr: addr, cfg: cfg}
}

func (d *DTLSClient) Dial(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		return nil
	}

	raddr, err := net.ResolveUDPAddr("udp", d.addr)
	if err != nil {
		return err
	}
	c, err := dtls.Dial("udp", raddr, d.cfg)
	if err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = c.SetDeadline(dl)
	}
	if err := c.HandshakeContext(ctx); err != nil {
		_ = c.Close()
		return err
	}
	_ = c.SetDeadline(time.Time{})
	d.conn = c
	return nil
}

func (d *DTLSClient) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		_ = d.conn.Close()
		d.conn = nil
	}
	return nil
}

func (d *DTLSClient) Kind() Kind      { return KindDatagram }
func (d *DTLSClient) Stack() []string { return []string{"dtls", "udp"} }
func (d *DTLSClient) View() Datagram  { return (*dtlsDatagram)(d) }

func (d *dtlsDatagram) c() (*dtls.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil, errors.New("dtls: not connected")
	}
	return d.conn, nil
}

func (d *dtlsDatagram) ReadFrom(ctx context.Context, p []byte) (int, net.Addr, Metadata, error) {
	c, err := d.c()
	if err != nil {
		return 0, nil, Metadata{}, err
	}
	start := time.Now()
	cancel := armDeadline(ctx, c, true)
	n, rerr := c.Read(p)
	cancel()
	return n, c.RemoteAddr(), opMetadata("dtls", start, c), rerr
}

func (d *dtlsDatagram) WriteTo(ctx context.Context, p []byte, _ net.Addr) (int, Metadata, error) {
	c, err := d.c()
	if err != nil {
		return 0, Metadata{}, err
	}
	start := time.Now()
	cancel := armDeadline(ctx, c, false)
	n, werr := c.Write(p)
	cancel()
	return n, opMetadata("dtls", start, c), werr
}

func (d *dtlsDatagram) SetDeadline(t time.Time) error {
	c, err := d.c()
	if err != nil {
		return err
	}
	return c.SetDeadline(t)
}

func (d *dtlsDatagram) LocalAddr() net.Addr {
	c, err := d.c()
	if err != nil {
		return nil
	}
	return c.LocalAddr()
}

func (d *dtlsDatagram) RemoteAddr() net.Addr {
	c, err := d.c()
	if err != nil {
		return nil
	}
	return c.RemoteAddr()
}

// BuildDTLSConfig builds a DTLS config from layer hint params.
func BuildDTLSConfig(params map[string]string) *dtls.Config {
	cfg := &dtls.Config{}
	if params == nil {
		return cfg
	}
	if params["skip_verify"] == "true" {
		cfg.InsecureSkipVerify = true
	}
	if params["extended_master_secret"] == "require" {
		cfg.ExtendedMasterSecret = dtls.RequireExtendedMasterSecret
	}
	return cfg
}
