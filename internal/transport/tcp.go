package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// TCPConduit is the base stream transport.
type TCPConduit struct {
	addr string

	mu sync.Mutex
	c  net.Conn

	keepAlive time.Duration
}

type tcpStream TCPConduit

// TCPOption configures a TCP conduit.
type TCPOption func(*TCPConduit)

// WithKeepAlive enables TCP keepalive with the provided period (0 disables).
func WithKeepAlive(period time.Duration) TCPOption {
	return func(t *TCPConduit) { t.keepAlive = period }
}

// TCP returns a stream conduit for addr. Dial is deferred until Dial is
// called so conduits can be built eagerly and connected lazily.
func TCP(addr string, opts ...TCPOption) Conduit[Stream] {
	t := &TCPConduit{addr: addr}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *TCPConduit) Dial(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c != nil {
		return nil
	}

	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return err
	}
	if tc, ok := c.(*net.TCPConn); ok && t.keepAlive > 0 {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(t.keepAlive)
	}
	t.c = c
	return nil
}

func (t *TCPConduit) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c == nil {
		return nil
	}
	err := t.c.Close()
	t.c = nil
	return err
}

func (t *TCPConduit) Kind() Kind      { return KindStream }
func (t *TCPConduit) Stack() []string { return []string{"tcp"} }
func (t *TCPConduit) View() Stream    { return (*tcpStream)(t) }

func (t *tcpStream) conn() (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c == nil {
		return nil, errors.New("tcp: not connected")
	}
	return t.c, nil
}

func (t *tcpStream) Read(ctx context.Context, p []byte) (int, Metadata, error) {
	c, err := t.conn()
	if err != nil {
		return 0, Metadata{}, err
	}
	start := time.Now()
	cancel := armDeadline(ctx, c, true)
	n, rerr := c.Read(p)
	cancel()
	if rerr == nil && ctx.Err() != nil {
		rerr = ctx.Err()
	}
	return n, opMetadata("tcp", start, c), rerr
}

func (t *tcpStream) Write(ctx context.Context, p []byte) (int, Metadata, error) {
	c, err := t.conn()
	if err != nil {
		return 0, Metadata{}, err
	}
	start := time.Now()
	cancel := armDeadline(ctx, c, false)
	n, werr := c.Write(p)
	cancel()
	if werr == nil && ctx.Err() != nil {
		werr = ctx.Err()
	}
	return n, opMetadata("tcp", start, c), werr
}

func (t *tcpStream) SetDeadline(tt time.Time) error {
	c, err := t.conn()
	if err != nil {
		return err
	}
	return c.SetDeadline(tt)
}

func (t *tcpStream) LocalAddr() net.Addr {
	c, err := t.conn()
	if err != nil {
		return nil
	}
	return c.LocalAddr()
}

func (t *tcpStream) RemoteAddr() net.Addr {
	c, err := t.conn()
	if err != nil {
		return nil
	}
	return c.RemoteAddr()
}
