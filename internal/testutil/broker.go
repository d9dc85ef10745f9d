package testutil

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

// MiniBroker speaks just enough MQTT 3.1.1 to satisfy a liveness probe:
// it parses CONNECT, answers CONNACK, answers PINGREQ with PINGRESP,
// and honors DISCONNECT. Everything else is read and dropped.
type MiniBroker struct {
	listener net.Listener
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
	refuse   bool

	ConnectCount int
}

// Start listens on a random loopback port.
func (b *MiniBroker) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	b.listener = ln
	b.wg.Add(1)
	go b.acceptLoop()
	return nil
}

// Addr returns host:port of the broker.
func (b *MiniBroker) Addr() string {
	return b.listener.Addr().String()
}

// Port returns the listening port.
func (b *MiniBroker) Port() uint16 {
	return uint16(b.listener.Addr().(*net.TCPAddr).Port)
}

// Refuse makes the broker drop connections instead of answering, which
// simulates a wedged broker process behind a live listener.
func (b *MiniBroker) Refuse(on bool) {
	b.mu.Lock()
	b.refuse = on
	b.mu.Unlock()
}

func (b *MiniBroker) acceptLoop() {
	defer b.wg.Done()
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			b.mu.Lock()
			closed := b.closed
			b.mu.Unlock()
			if closed {
				return
			}
			continue
		}
		b.mu.Lock()
		refuse := b.refuse
		b.mu.Unlock()
		if refuse {
			conn.Close()
			continue
		}
		b.wg.Add(1)
		go b.serve(conn)
	}
}

func (b *MiniBroker) serve(conn net.Conn) {
	defer b.wg.Done()
	defer conn.Close()
	for {
		pktType, payload, err := readPacket(conn)
		if err != nil {
			return
		}
		switch pktType >> 4 {
		case 1: // CONNECT
			b.mu.Lock()
			b.ConnectCount++
			b.mu.Unlock()
			conn.Write([]byte{0x20, 0x02, 0x00, 0x00}) // CONNACK accepted
		case 12: // PINGREQ
			conn.Write([]byte{0xD0, 0x00}) // PINGRESP
		case 14: // DISCONNECT
			return
		case 8: // SUBSCRIBE: minimal SUBACK with QoS 0
			if len(payload) >= 2 {
				pid := binary.BigEndian.Uint16(payload)
				suback := []byte{0x90, 0x03, 0x00, 0x00, 0x00}
				binary.BigEndian.PutUint16(suback[2:], pid)
				conn.Write(suback)
			}
		}
	}
}

// readPacket reads one MQTT control packet: fixed header byte, varint
// remaining length, then the payload.
func readPacket(conn net.Conn) (byte, []byte, error) {
	var hdr [1]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return 0, nil, err
	}
	length := 0
	for shift := 0; ; shift += 7 {
		var b [1]byte
		if _, err := io.ReadFull(conn, b[:]); err != nil {
			return 0, nil, err
		}
		length |= int(b[0]&0x7F) << shift
		if b[0]&0x80 == 0 {
			break
		}
		if shift > 21 {
			return 0, nil, fmt.Errorf("malformed remaining length")
		}
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return 0, nil, err
	}
	return hdr[0], payload, nil
}

// Close stops the broker.
func (b *MiniBroker) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	if b.listener != nil {
		b.listener.Close()
	}
	b.wg.Wait()
}
