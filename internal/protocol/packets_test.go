package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"bytemomo/charybdis/internal/domain"
)

func TestRegisterBuiltins(t *testing.T) {
	RegisterBuiltins()

	want := []domain.Protocol{
		domain.ProtocolBLE,
		domain.ProtocolCAN,
		domain.ProtocolModbus,
		domain.ProtocolMQTT,
		domain.ProtocolZigbee,
	}
	got := Protocols()
	if len(got) != len(want) {
		t.Fatalf("Protocols() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Protocols() = %v, want %v", got, want)
		}
	}
	for _, p := range want {
		def, ok := Lookup(p)
		if !ok {
			t.Fatalf("no machine for %s", p)
		}
		if err := def.Validate(); err != nil {
			t.Fatalf("%s machine invalid: %v", p, err)
		}
		if len(def.Abuses) == 0 {
			t.Fatalf("%s machine declares no abuses", p)
		}
	}
}

func TestMQTTConnectEncoding(t *testing.T) {
	def := MQTTMachine()
	pkt, err := def.EncodeEvent("connect", nil)
	if err != nil {
		t.Fatal(err)
	}
	if pkt[0] != 0x10 {
		t.Fatalf("packet type = %#x, want CONNECT", pkt[0])
	}
	if int(pkt[1]) != len(pkt)-2 {
		t.Fatalf("remaining length %d disagrees with packet size %d", pkt[1], len(pkt))
	}
	if string(pkt[4:8]) != "MQTT" {
		t.Fatalf("protocol name = %q", pkt[4:8])
	}
	if pkt[8] != 5 {
		t.Fatalf("protocol level = %d, want 5", pkt[8])
	}
	if pkt[9]&0x02 == 0 {
		t.Fatal("clean start flag not set")
	}
	if !bytes.HasSuffix(pkt, []byte("charybdis")) {
		t.Fatalf("client id missing from payload: %x", pkt)
	}

	// The declared mutation fields must land on the bytes they name.
	spec := def.Events["connect"]
	for _, f := range spec.Fields {
		if f.Offset+f.Size > len(pkt) {
			t.Fatalf("field %s [%d:%d] outside %d-byte packet", f.Name, f.Offset, f.Offset+f.Size, len(pkt))
		}
	}
	idLen := binary.BigEndian.Uint16(pkt[13:15])
	if int(idLen) != len("charybdis") {
		t.Fatalf("client-id-len field reads %d at its declared offset", idLen)
	}
}

func TestMQTTSubscribeEncoding(t *testing.T) {
	def := MQTTMachine()
	pkt, err := def.EncodeEvent("subscribe", map[string]string{"topic": "a/b", "packet_id": "7"})
	if err != nil {
		t.Fatal(err)
	}
	if pkt[0] != 0x82 {
		t.Fatalf("packet type = %#x, want SUBSCRIBE", pkt[0])
	}
	if int(pkt[1]) != len(pkt)-2 {
		t.Fatalf("remaining length %d disagrees with packet size %d", pkt[1], len(pkt))
	}
	if pid := binary.BigEndian.Uint16(pkt[2:4]); pid != 7 {
		t.Fatalf("packet id = %d, want 7", pid)
	}
	if pkt[4] != 0x00 {
		t.Fatalf("properties length = %#x, want 0", pkt[4])
	}
	if topicLen := binary.BigEndian.Uint16(pkt[5:7]); int(topicLen) != len("a/b") {
		t.Fatalf("topic length = %d", topicLen)
	}
	if string(pkt[7:10]) != "a/b" {
		t.Fatalf("topic = %q", pkt[7:10])
	}
	if pkt[len(pkt)-1] != 0x00 {
		t.Fatalf("subscription options = %#x, want QoS 0", pkt[len(pkt)-1])
	}
}

func TestMQTTLegacyDowngradeLevel(t *testing.T) {
	def := MQTTMachine()
	pkt, err := def.EncodeEvent("connect-legacy", nil)
	if err != nil {
		t.Fatal(err)
	}
	if pkt[8] != 4 {
		t.Fatalf("legacy connect level = %d, want 4", pkt[8])
	}
}

func TestMQTTOversizedDeclaresMoreThanCarried(t *testing.T) {
	pkt, err := MQTTMachine().EncodeEvent("connect-oversized", nil)
	if err != nil {
		t.Fatal(err)
	}
	idLen := binary.BigEndian.Uint16(pkt[13:15])
	if idLen != 0xFFFF {
		t.Fatalf("declared id length = %#x, want 0xFFFF", idLen)
	}
	if len(pkt) > 0x200 {
		t.Fatalf("oversized connect actually carries %d bytes", len(pkt))
	}
}

func TestZigbeeBeaconRequestCanonical(t *testing.T) {
	pkt, err := ZigbeeMachine().EncodeEvent("beacon-request", map[string]string{"seq": "66"})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x03, 0x08, 0x42, 0xFF, 0xFF, 0xFF, 0xFF, 0x07}
	if !bytes.Equal(pkt, want) {
		t.Fatalf("beacon request = %x, want %x", pkt, want)
	}
}

func TestBLEPairingRequestFraming(t *testing.T) {
	def := BLEMachine()
	pkt, err := def.EncodeEvent("pair-request", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint16(pkt[0:2]); int(got) != len(pkt)-4 {
		t.Fatalf("L2CAP length %d disagrees with PDU size %d", got, len(pkt)-4)
	}
	if cid := binary.LittleEndian.Uint16(pkt[2:4]); cid != 0x0006 {
		t.Fatalf("channel id = %#x, want SMP", cid)
	}
	if pkt[4] != 0x01 {
		t.Fatalf("SMP opcode = %#x, want pairing request", pkt[4])
	}
	spec := def.Events["pair-request"]
	for _, f := range spec.Fields {
		if f.Offset+f.Size > len(pkt) {
			t.Fatalf("field %s outside %d-byte frame", f.Name, len(pkt))
		}
	}
}

func TestModbusReadHoldingFrame(t *testing.T) {
	pkt, err := ModbusMachine().EncodeEvent("read-holding", map[string]string{"addr": "0x10", "count": "4"})
	if err != nil {
		t.Fatal(err)
	}
	if len(pkt) != 12 {
		t.Fatalf("frame length = %d, want 12", len(pkt))
	}
	if length := binary.BigEndian.Uint16(pkt[4:6]); length != 6 {
		t.Fatalf("MBAP length = %d, want 6", length)
	}
	if pkt[7] != mbFnReadHolding {
		t.Fatalf("function = %#x", pkt[7])
	}
	if addr := binary.BigEndian.Uint16(pkt[8:10]); addr != 0x10 {
		t.Fatalf("address = %#x", addr)
	}
	if count := binary.BigEndian.Uint16(pkt[10:12]); count != 4 {
		t.Fatalf("quantity = %d", count)
	}
}

func TestModbusWriteAddress(t *testing.T) {
	machine := ModbusMachine()
	coil, err := machine.EncodeEvent("write-coil", map[string]string{"addr": "50"})
	if err != nil {
		t.Fatal(err)
	}
	read, err := machine.EncodeEvent("read-holding", nil)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		payload []byte
		addr    uint16
		ok      bool
	}{
		{"write single coil", coil, 50, true},
		{"read is not a write", read, 0, false},
		{"truncated frame", coil[:9], 0, false},
		{"empty", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, ok := ModbusWriteAddress(tt.payload)
			if ok != tt.ok || addr != tt.addr {
				t.Fatalf("ModbusWriteAddress = %d, %v; want %d, %v", addr, ok, tt.addr, tt.ok)
			}
		})
	}
}

func TestCANFrameLayout(t *testing.T) {
	def := CANMachine()

	pkt, err := def.EncodeEvent("send-frame", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(pkt) != canFrameLen {
		t.Fatalf("frame length = %d, want %d", len(pkt), canFrameLen)
	}
	if id := binary.BigEndian.Uint32(pkt[0:4]); id != 0x123 {
		t.Fatalf("identifier word = %#x, want bare standard id", id)
	}
	if pkt[4] != 8 {
		t.Fatalf("dlc = %d", pkt[4])
	}

	ext, err := def.EncodeEvent("send-frame", map[string]string{"id": "0x1FFFFFFF", "data": "00"})
	if err != nil {
		t.Fatal(err)
	}
	word := binary.BigEndian.Uint32(ext[0:4])
	if word&canFlagEFF == 0 {
		t.Fatal("29-bit id must set the extended flag")
	}
	if word&^uint32(canFlagEFF|canFlagRTR) != 0x1FFFFFFF {
		t.Fatalf("extended id = %#x", word)
	}

	bad, err := def.EncodeEvent("malformed-frame", nil)
	if err != nil {
		t.Fatal(err)
	}
	if bad[4] != 15 {
		t.Fatalf("malformed dlc = %d, want 15", bad[4])
	}
	if len(bad) != canFrameLen {
		t.Fatalf("malformed frame still ships %d fixed bytes, got %d", canFrameLen, len(bad))
	}
}
