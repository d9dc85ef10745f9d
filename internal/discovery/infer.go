package discovery

import (
	"strings"

	"bytemomo/charybdis/internal/domain"
)

var (
	// serviceKeywords maps service fingerprint keywords to the protocol
	// the engine can drive against that port.
	serviceKeywords = map[string]domain.Protocol{
		"mqtt":      domain.ProtocolMQTT,
		"mosquitto": domain.ProtocolMQTT,
		"modbus":    domain.ProtocolModbus,
		"mbap":      domain.ProtocolModbus,
		"zigbee":    domain.ProtocolZigbee,
		"canopen":   domain.ProtocolCAN,
	}

	// portProtocols maps well-known ports to protocols, used when service
	// detection is disabled or inconclusive.
	portProtocols = map[uint16]domain.Protocol{
		502:   domain.ProtocolModbus,
		1883:  domain.ProtocolMQTT,
		8883:  domain.ProtocolMQTT,
		17754: domain.ProtocolZigbee, // zigbee gateway tunnel
	}

	// tlsPorts are ports whose protocol runs over TLS by convention.
	tlsPorts = map[uint16]struct{}{
		8883: {},
	}
)

// Infer maps one open port to a protocol the engine knows, plus any
// transport layers to stack when connecting. ok is false when the
// service is not something the engine can attack.
func Infer(port uint16, transport, svcName, tunnel, product string) (domain.Protocol, []domain.LayerHint, bool) {
	svcLower := strings.ToLower(svcName)
	prodLower := strings.ToLower(product)

	var proto domain.Protocol
	for keyword, p := range serviceKeywords {
		if containsSvc(svcLower, keyword) || strings.Contains(prodLower, keyword) {
			proto = p
			break
		}
	}
	if proto == "" {
		p, ok := portProtocols[port]
		if !ok {
			return "", nil, false
		}
		proto = p
	}

	var layers []domain.LayerHint
	_, tlsPort := tlsPorts[port]
	if tunnel == "ssl" || strings.HasPrefix(svcLower, "ssl/") || tlsPort {
		if strings.EqualFold(transport, "udp") {
			layers = append(layers, domain.LayerHint{Name: "dtls"})
		} else {
			layers = append(layers, domain.LayerHint{Name: "tls"})
		}
	}
	return proto, layers, true
}

func containsSvc(svcLower, needle string) bool {
	return svcLower == needle ||
		strings.Contains(svcLower, needle) ||
		strings.HasSuffix(svcLower, "/"+needle)
}
