// Package testutil provides in-process endpoints for adapter and engine
// tests: scripted TCP devices, UDP responders, and a minimal MQTT
// broker good enough to accept a probe connect.
package testutil

import (
	"fmt"
	"net"
	"sync"
)

// ScriptedTCPServer answers each received chunk with the reply produced
// by Respond. A nil Respond echoes.
type ScriptedTCPServer struct {
	Respond func(req []byte) []byte

	listener net.Listener
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool

	RequestCount int
}

// Start listens on a random loopback port.
func (s *ScriptedTCPServer) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns host:port of the listener.
func (s *ScriptedTCPServer) Addr() string {
	return s.listener.Addr().String()
}

// Port returns the listening port.
func (s *ScriptedTCPServer) Port() uint16 {
	return uint16(s.listener.Addr().(*net.TCPAddr).Port)
}

func (s *ScriptedTCPServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			continue
		}
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *ScriptedTCPServer) serve(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	buf := make([]byte, 8192)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.RequestCount++
		s.mu.Unlock()

		reply := buf[:n]
		if s.Respond != nil {
			reply = s.Respond(buf[:n])
		}
		if reply == nil {
			continue
		}
		if _, err := conn.Write(reply); err != nil {
			return
		}
	}
}

// Close stops accepting and waits for in-flight connections.
func (s *ScriptedTCPServer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
}

// ScriptedUDPServer answers datagrams like ScriptedTCPServer answers
// chunks. A nil respond function stays silent.
type ScriptedUDPServer struct {
	Respond func(req []byte) []byte

	pc     net.PacketConn
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// Start binds a random loopback port.
func (s *ScriptedUDPServer) Start() error {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.pc = pc
	s.wg.Add(1)
	go s.readLoop()
	return nil
}

// Addr returns host:port of the socket.
func (s *ScriptedUDPServer) Addr() string {
	return s.pc.LocalAddr().String()
}

// Port returns the bound port.
func (s *ScriptedUDPServer) Port() uint16 {
	return uint16(s.pc.LocalAddr().(*net.UDPAddr).Port)
}

func (s *ScriptedUDPServer) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, 8192)
	for {
		n, addr, err := s.pc.ReadFrom(buf)
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			continue
		}
		if s.Respond == nil {
			continue
		}
		if reply := s.Respond(buf[:n]); reply != nil {
			s.pc.WriteTo(reply, addr)
		}
	}
}

// Close stops the responder.
func (s *ScriptedUDPServer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if s.pc != nil {
		s.pc.Close()
	}
	s.wg.Wait()
}
