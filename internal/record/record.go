// Package record captures every executed exchange as a pcap file, one
// crafted request/response pair per test case, so attack traffic can be
// replayed and inspected with standard capture tooling.
package record

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"bytemomo/charybdis/internal/domain"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	log "github.com/sirupsen/logrus"
)

const defaultSnapLen = 65535

// engineAddr is the synthetic source address for crafted frames. Targets
// without a routable endpoint (emulated firmware) get a peer address in
// the same block.
var (
	engineAddr    = net.IPv4(10, 99, 0, 1)
	syntheticPeer = net.IPv4(10, 99, 0, 2)
)

// Recorder writes exchanges to one pcap file. Safe for concurrent use.
type Recorder struct {
	mu   sync.Mutex
	file *os.File
	w    *pcapgo.Writer

	frames uint64
}

// NewFileRecorder creates the capture file and writes the pcap header.
// Frames are raw IPv4, no link layer.
func NewFileRecorder(path string) (*Recorder, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create capture dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture file: %w", err)
	}

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(defaultSnapLen, layers.LinkTypeIPv4); err != nil {
		f.Close()
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	log.WithField("path", path).Debug("capture file opened")
	return &Recorder{file: f, w: w}, nil
}

// RecordExchange writes the request frame for one execution and, when
// the target answered, the response frame. Timestamps come from the
// telemetry so the capture lines up with the audit trail.
func (r *Recorder) RecordExchange(t *domain.Target, tc *domain.TestCase, tel *domain.Telemetry) error {
	src, dst, dstPort := endpoints(t)

	sent := tel.CapturedAt
	if sent.IsZero() {
		sent = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.writeFrame(sent, src, dst, 49152, dstPort, tc.Payload); err != nil {
		return fmt.Errorf("record request: %w", err)
	}
	if len(tel.Response) > 0 {
		if err := r.writeFrame(sent.Add(tel.Latency), dst, src, dstPort, 49152, tel.Response); err != nil {
			return fmt.Errorf("record response: %w", err)
		}
	}
	return nil
}

// Frames returns the number of frames written so far.
func (r *Recorder) Frames() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// Close flushes and closes the capture file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func (r *Recorder) writeFrame(ts time.Time, src, dst net.IP, srcPort, dstPort uint16, payload []byte) error {
	frame, err := craftSegment(src, dst, srcPort, dstPort, payload)
	if err != nil {
		return err
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	if err := r.w.WritePacket(ci, frame); err != nil {
		return err
	}
	r.frames++
	return nil
}

// craftSegment builds a raw IPv4/TCP frame carrying the payload.
func craftSegment(srcIP, dstIP net.IP, srcPort, dstPort uint16, payload []byte) ([]byte, error) {
	ipLayer := &layers.IPv4{
		Version:  4,
		TTL:      64,
		SrcIP:    srcIP,
		DstIP:    dstIP,
		Protocol: layers.IPProtocolTCP,
	}
	tcpLayer := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		Seq:     1,
		Ack:     1,
		Window:  14600,
		ACK:     true,
		PSH:     true,
	}
	if err := tcpLayer.SetNetworkLayerForChecksum(ipLayer); err != nil {
		return nil, err
	}

	buffer := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		ComputeChecksums: true,
		FixLengths:       true,
	}
	if err := gopacket.SerializeLayers(buffer, opts, ipLayer, tcpLayer, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

func endpoints(t *domain.Target) (src, dst net.IP, dstPort uint16) {
	src = engineAddr
	dst = syntheticPeer
	dstPort = t.Endpoint.Port
	if ip := net.ParseIP(t.Endpoint.Host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			dst = v4
		}
	}
	if dstPort == 0 {
		dstPort = 9
	}
	return src, dst, dstPort
}
