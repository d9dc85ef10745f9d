package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"sync"
	"time"
)

// TLSClient layers TLS over an inner stream conduit.
type TLSClient struct {
	inner Conduit[Stream]
	cfg   *tls.Config

	mu   sync.Mutex
	conn *tls.Conn
}

type tlsStream TLSClient

// NewTLSClient wraps inner with a TLS client handshake.
func NewTLSClient(inner Conduit[Stream], cfg *tls.Config) Conduit[Stream] {
	return &TLSClient{inner: inner, cfg: cfg}
}

func (t *TLSClient) Dial(ctx context.Context) error {
	if err := t.inner.Dial(ctx); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}

	c := tls.Client(streamConn{t.inner.View()}, t.cfg)
	if dl, ok := ctx.Deadline(); ok {
		_ = c.SetDeadline(dl)
	}
	if err := c.HandshakeContext(ctx); err != nil {
		_ = c.Close()
		return err
	}
	_ = c.SetDeadline(time.Time{})
	t.conn = c
	return nil
}

func (t *TLSClient) Close() error {
	t.mu.Lock()
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	t.mu.Unlock()
	return t.inner.Close()
}

func (t *TLSClient) Kind() Kind      { return KindStream }
func (t *TLSClient) Stack() []string { return append([]string{"tls"}, t.inner.Stack()...) }
func (t *TLSClient) View() Stream    { return (*tlsStream)(t) }

func (t *tlsStream) c() (*tls.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, errors.New("tls: not connected")
	}
	return t.conn, nil
}

func (t *tlsStream) Read(ctx context.Context, p []byte) (int, Metadata, error) {
	c, err := t.c()
	if err != nil {
		return 0, Metadata{}, err
	}
	start := time.Now()
	cancel := armDeadline(ctx, c, true)
	n, rerr := c.Read(p)
	cancel()
	return n, opMetadata("tls", start, c), rerr
}

func (t *tlsStream) Write(ctx context.Context, p []byte) (int, Metadata, error) {
	c, err := t.c()
	if err != nil {
		return 0, Metadata{}, err
	}
	start := time.Now()
	cancel := armDeadline(ctx, c, false)
	n, werr := c.Write(p)
	cancel()
	return n, opMetadata("tls", start, c), werr
}

func (t *tlsStream) SetDeadline(tt time.Time) error {
	c, err := t.c()
	if err != nil {
		return err
	}
	return c.SetDeadline(tt)
}

func (t *tlsStream) LocalAddr() net.Addr {
	c, err := t.c()
	if err != nil {
		return nil
	}
	return c.LocalAddr()
}

func (t *tlsStream) RemoteAddr() net.Addr {
	c, err := t.c()
	if err != nil {
		return nil
	}
	return c.RemoteAddr()
}

// streamConn adapts a Stream view to net.Conn so crypto/tls can drive it.
type streamConn struct{ s Stream }

func (w streamConn) Read(p []byte) (int, error) {
	n, _, err := w.s.Read(context.Background(), p)
	return n, err
}
func (w streamConn) Write(p []byte) (int, error) {
	n, _, err := w.s.Write(context.Background(), p)
	return n, err
}
func (w streamConn) Close() error                       { return nil }
func (w streamConn) LocalAddr() net.Addr                { return w.s.LocalAddr() }
func (w streamConn) RemoteAddr() net.Addr               { return w.s.RemoteAddr() }
func (w streamConn) SetDeadline(t time.Time) error      { return w.s.SetDeadline(t) }
func (w streamConn) SetReadDeadline(t time.Time) error  { return w.s.SetDeadline(t) }
func (w streamConn) SetWriteDeadline(t time.Time) error { return w.s.SetDeadline(t) }

// BuildTLSConfig builds a TLS config from layer hint params.
func BuildTLSConfig(params map[string]string) *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if params == nil {
		return cfg
	}
	if serverName := params["server_name"]; serverName != "" {
		cfg.ServerName = serverName
	}
	if params["skip_verify"] == "true" {
		cfg.InsecureSkipVerify = true
	}
	switch strings.ToUpper(params["min_version"]) {
	case "TLS1.0", "TLS10":
		cfg.MinVersion = tls.VersionTLS10
	case "TLS1.1", "TLS11":
		cfg.MinVersion = tls.VersionTLS11
	case "TLS1.2", "TLS12":
		cfg.MinVersion = tls.VersionTLS12
	case "TLS1.3", "TLS13":
		cfg.MinVersion = tls.VersionTLS13
	}
	return cfg
}
