package protocol

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"time"

	"bytemomo/charybdis/internal/domain"
)

// Modbus function codes the machine emits or inspects.
const (
	mbFnReadHolding    = 0x03
	mbFnWriteCoil      = 0x05
	mbFnWriteRegister  = 0x06
	mbFnDiagnostic     = 0x08
	mbFnWriteCoils     = 0x0F
	mbFnWriteRegisters = 0x10
	mbFnDeviceIdent    = 0x2B
)

// mbDiagListenOnly is the diagnostic sub-function that forces a server
// into listen-only mode until power cycle.
const mbDiagListenOnly = 0x0004

// ModbusMachine models Modbus TCP. The protocol is request/response from
// the first byte, but the machine still tracks a connected state so
// sessions sequence an identification probe before heavier requests.
func ModbusMachine() *Definition {
	return &Definition{
		Protocol: domain.ProtocolModbus,
		Initial:  "offline",
		States:   []State{"offline", "connected", "polling"},
		Legal: []Transition{
			{From: "offline", Event: "connect", To: "connected"},
			{From: "connected", Event: "read-holding", To: "polling"},
			{From: "polling", Event: "read-holding", To: "polling"},
			{From: "connected", Event: "disconnect", To: "offline"},
			{From: "polling", Event: "disconnect", To: "offline"},
		},
		Events: map[string]EventSpec{
			"connect": {
				Name:   "connect",
				Encode: encodeModbusDeviceIdent,
				Expect: domain.RespAck,
			},
			"read-holding": {
				Name:   "read-holding",
				Encode: encodeModbusReadHolding,
				Fields: []FieldSpec{
					{Name: "address", Offset: 8, Size: 2},
					{Name: "quantity", Offset: 10, Size: 2},
				},
				Expect: domain.RespAck,
			},
			"write-coil": {
				Name:   "write-coil",
				Encode: encodeModbusWriteCoil,
				Fields: []FieldSpec{
					{Name: "address", Offset: 8, Size: 2},
					{Name: "value", Offset: 10, Size: 2},
				},
				Expect: domain.RespAck,
			},
			"listen-only": {
				Name:   "listen-only",
				Encode: encodeModbusListenOnly,
				Expect: domain.RespSilence,
			},
			"broadcast-write": {
				Name:   "broadcast-write",
				Encode: encodeModbusBroadcastWrite,
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
				Name:     "coil-overwrite",
				Category: domain.AttackInjection,
				From:     "connected",
				Events:   []string{"write-coil"},
				Params:   map[string]string{"addr": "50", "value": "on"},
			},
			{
				Name:     "force-listen-only",
				Category: domain.AttackExhaustion,
				From:     "connected",
				Events:   []string{"listen-only"},
			},
			{
				Name:     "broadcast-storm",
				Category: domain.AttackFlood,
				From:     "connected",
				Events:   []string{"broadcast-write"},
				Rate:     &domain.RateSpec{Count: 256, Interval: 5 * time.Millisecond},
			},
		},
		Dictionary: [][]byte{
			mbapFrame(1, 0xFF, []byte{mbFnReadHolding, 0xFF, 0xFF, 0xFF, 0xFF}),
			mbapFrame(1, 1, []byte{mbFnDiagnostic, 0x00, 0x01, 0xA5, 0xA5}),
			mbapFrame(1, 1, []byte{0x5A, 0x00}),
			{0x00, 0x01, 0x00, 0x00, 0x00, 0x00},
		},
	}
}

// mbapFrame wraps a PDU in the Modbus TCP application header. Length
// covers the unit identifier plus the PDU.
func mbapFrame(txID uint16, unitID byte, pdu []byte) []byte {
	buf := bytes.NewBuffer(nil)
	binary.Write(buf, binary.BigEndian, txID)
	binary.Write(buf, binary.BigEndian, uint16(0x0000))
	binary.Write(buf, binary.BigEndian, uint16(len(pdu)+1))
	buf.WriteByte(unitID)
	buf.Write(pdu)
	return buf.Bytes()
}

func mbUint16(params map[string]string, key, fallback string) uint16 {
	v, err := strconv.ParseUint(param(params, key, fallback), 0, 16)
	if err != nil {
		return 0
	}
	return uint16(v)
}

func mbUnitID(params map[string]string) byte {
	v, err := strconv.ParseUint(param(params, "unit", "1"), 0, 8)
	if err != nil {
		return 1
	}
	return byte(v)
}

// encodeModbusDeviceIdent probes with Read Device Identification, the
// least invasive request most servers answer.
func encodeModbusDeviceIdent(params map[string]string) ([]byte, error) {
	return mbapFrame(mbUint16(params, "tx", "1"), mbUnitID(params),
		[]byte{mbFnDeviceIdent, 0x0E, 0x01, 0x00}), nil
}

func encodeModbusReadHolding(params map[string]string) ([]byte, error) {
	pdu := bytes.NewBuffer([]byte{mbFnReadHolding})
	binary.Write(pdu, binary.BigEndian, mbUint16(params, "addr", "0"))
	binary.Write(pdu, binary.BigEndian, mbUint16(params, "count", "8"))
	return mbapFrame(mbUint16(params, "tx", "2"), mbUnitID(params), pdu.Bytes()), nil
}

// encodeModbusWriteCoil forces a single coil. The value parameter maps
// "on" to 0xFF00 and anything else to 0x0000 per the spec encoding.
func encodeModbusWriteCoil(params map[string]string) ([]byte, error) {
	value := uint16(0x0000)
	if param(params, "value", "on") == "on" {
		value = 0xFF00
	}
	pdu := bytes.NewBuffer([]byte{mbFnWriteCoil})
	binary.Write(pdu, binary.BigEndian, mbUint16(params, "addr", "50"))
	binary.Write(pdu, binary.BigEndian, value)
	return mbapFrame(mbUint16(params, "tx", "3"), mbUnitID(params), pdu.Bytes()), nil
}

func encodeModbusListenOnly(params map[string]string) ([]byte, error) {
	pdu := bytes.NewBuffer([]byte{mbFnDiagnostic})
	binary.Write(pdu, binary.BigEndian, uint16(mbDiagListenOnly))
	binary.Write(pdu, binary.BigEndian, uint16(0x0000))
	return mbapFrame(mbUint16(params, "tx", "4"), mbUnitID(params), pdu.Bytes()), nil
}

// encodeModbusBroadcastWrite targets unit 0, which every server on a
// serial line behind the gateway must accept without responding.
func encodeModbusBroadcastWrite(params map[string]string) ([]byte, error) {
	pdu := bytes.NewBuffer([]byte{mbFnWriteRegister})
	binary.Write(pdu, binary.BigEndian, mbUint16(params, "addr", "0"))
	binary.Write(pdu, binary.BigEndian, mbUint16(params, "regval", "0"))
	return mbapFrame(mbUint16(params, "tx", "5"), 0, pdu.Bytes()), nil
}

// ModbusWriteAddress reports the target address of a write request, if
// the payload is a well-formed Modbus TCP write. Risk scoring uses this
// to weigh writes against a profile's writable coil range.
func ModbusWriteAddress(payload []byte) (uint16, bool) {
	if len(payload) < 12 {
		return 0, false
	}
	switch payload[7] {
	case mbFnWriteCoil, mbFnWriteRegister, mbFnWriteCoils, mbFnWriteRegisters:
		return binary.BigEndian.Uint16(payload[8:10]), true
	}
	return 0, false
}
