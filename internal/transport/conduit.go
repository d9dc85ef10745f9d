// Package transport provides layered connection conduits for delivering
// raw protocol payloads: TCP and TLS streams, UDP and DTLS datagrams.
// Layers compose as decorators, so a stack like tls-over-tcp is built by
// wrapping conduits rather than by switch statements at call sites.
package transport

import (
	"context"
	"net"
	"time"
)

// Kind identifies the traffic shape a conduit carries.
type Kind int

const (
	KindUnknown Kind = iota
	KindStream
	KindDatagram
)

// Metadata describes one conduit operation for logging and evidence
// capture.
type Metadata struct {
	Start  time.Time
	End    time.Time
	Layer  string
	Local  string
	Remote string
}

// Stream is a connected byte stream view (tcp, tls).
type Stream interface {
	Read(ctx context.Context, p []byte) (n int, md Metadata, err error)
	Write(ctx context.Context, p []byte) (n int, md Metadata, err error)
	SetDeadline(t time.Time) error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Datagram is a message-oriented view (udp, dtls).
type Datagram interface {
	ReadFrom(ctx context.Context, p []byte) (n int, addr net.Addr, md Metadata, err error)
	WriteTo(ctx context.Context, p []byte, addr net.Addr) (n int, md Metadata, err error)
	SetDeadline(t time.Time) error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Conduit is a dialable connection that exposes a typed view of itself.
type Conduit[V any] interface {
	Dial(ctx context.Context) error
	Close() error

	Kind() Kind
	Stack() []string

	View() V
}

// armDeadline projects a context deadline onto a net.Conn for the
// duration of one operation. The returned cancel clears it again.
func armDeadline(ctx context.Context, c net.Conn, read bool) (cancel func()) {
	dl, ok := ctx.Deadline()
	if !ok {
		return func() {}
	}
	if read {
		_ = c.SetReadDeadline(dl)
		return func() { _ = c.SetReadDeadline(time.Time{}) }
	}
	_ = c.SetWriteDeadline(dl)
	return func() { _ = c.SetWriteDeadline(time.Time{}) }
}

func opMetadata(layer string, start time.Time, c net.Conn) Metadata {
	md := Metadata{Start: start, End: time.Now(), Layer: layer}
	if c != nil {
		if la := c.LocalAddr(); la != nil {
			md.Local = la.String()
		}
		if ra := c.RemoteAddr(); ra != nil {
			md.Remote = ra.String()
		}
	}
	return md
}
