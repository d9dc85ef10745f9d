package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// UDPConduit is the base datagram transport.
type UDPConduit struct {
	addr string

	mu   sync.Mutex
	pc   net.PacketConn
	peer net.Addr
}

type udpDatagram UDPConduit

// UDP returns a datagram conduit for addr.
func UDP(addr string) Conduit[Datagram] { return &UDPConduit{addr: addr} }

func (u *UDPConduit) Dial(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.pc != nil {
		return nil
	}
	raddr, err := net.ResolveUDPAddr("udp", u.addr)
	if err != nil {
		return err
	}
	// Unconnected socket: WriteTo with an explicit peer keeps spoofed
	// source replies readable, which matters when probing gateways.
	c, err := net.ListenUDP("udp", nil)
	if err != nil {
		return err
	}
	u.pc = c
	u.peer = raddr
	return nil
}

func (u *UDPConduit) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.pc != nil {
		_ = u.pc.Close()
		u.pc = nil
		u.peer = nil
	}
	return nil
}

func (u *UDPConduit) Kind() Kind      { return KindDatagram }
func (u *UDPConduit) Stack() []string { return []string{"udp"} }
func (u *UDPConduit) View() Datagram  { return (*udpDatagram)(u) }

func (u *udpDatagram) pkt() (net.PacketConn, net.Addr, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.pc == nil {
		return nil, nil, errors.New("udp: not connected")
	}
	return u.pc, u.peer, nil
}

func (u *udpDatagram) ReadFrom(ctx context.Context, p []byte) (int, net.Addr, Metadata, error) {
	pc, _, err := u.pkt()
	if err != nil {
		return 0, nil, Metadata{}, err
	}
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		_ = pc.SetReadDeadline(dl)
		defer pc.SetReadDeadline(time.Time{})
	}
	n, addr, rerr := pc.ReadFrom(p)
	md := Metadata{Start: start, End: time.Now(), Layer: "udp", Local: pc.LocalAddr().String()}
	if addr != nil {
		md.Remote = addr.String()
	}
	return n, addr, md, rerr
}

func (u *udpDatagram) WriteTo(ctx context.Context, p []byte, addr net.Addr) (int, Metadata, error) {
	pc, peer, err := u.pkt()
	if err != nil {
		return 0, Metadata{}, err
	}
	if addr == nil {
		addr = peer
	}
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		_ = pc.SetWriteDeadline(dl)
		defer pc.SetWriteDeadline(time.Time{})
	}
	n, werr := pc.WriteTo(p, addr)
	md := Metadata{Start: start, End: time.Now(), Layer: "udp", Local: pc.LocalAddr().String(), Remote: addr.String()}
	return n, md, werr
}

func (u *udpDatagram) SetDeadline(t time.Time) error {
	pc, _, err := u.pkt()
	if err != nil {
		return err
	}
	return pc.SetDeadline(t)
}

func (u *udpDatagram) LocalAddr() net.Addr {
	pc, _, err := u.pkt()
	if err != nil {
		return nil
	}
	return pc.LocalAddr()
}

func (u *udpDatagram) RemoteAddr() net.Addr {
	_, peer, err := u.pkt()
	if err != nil {
		return nil
	}
	return peer
}
