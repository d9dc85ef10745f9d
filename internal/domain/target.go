package domain

import "fmt"

// HostPort represents a host and port combination.
type HostPort struct {
	Host string `yaml:"host" json:"host"`
	Port uint16 `yaml:"port" json:"port"`
}

func (hp HostPort) String() string {
	return fmt.Sprintf("%s:%d", hp.Host, hp.Port)
}

// Tag is a string that can be used to tag targets and findings.
type Tag string

// Protocol identifies the wire protocol a target speaks.
type Protocol string

const (
	ProtocolMQTT   Protocol = "mqtt"   // broker-based message queue
	ProtocolZigbee Protocol = "zigbee" // 802.15.4 mesh radio
	ProtocolBLE    Protocol = "ble"    // Bluetooth LE pairing and GATT
	ProtocolModbus Protocol = "modbus" // industrial register polling
	ProtocolCAN    Protocol = "can"    // vehicle bus frames
)

// Validate checks that the protocol is one the engine knows how to drive.
func (p Protocol) Validate() error {
	switch p {
	case ProtocolMQTT, ProtocolZigbee, ProtocolBLE, ProtocolModbus, ProtocolCAN:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownProtocol, string(p))
	}
}

// ExecutionMode distinguishes emulated sandboxes from physical hardware.
type ExecutionMode string

const (
	ModeEmulated ExecutionMode = "emulated"
	ModePhysical ExecutionMode = "physical"
)

// Validate checks that the execution mode is known.
func (m ExecutionMode) Validate() error {
	switch m {
	case ModeEmulated, ModePhysical:
		return nil
	default:
		return fmt.Errorf("invalid execution mode: %s", m)
	}
}

// Architecture is the instruction-set family of a firmware image or device.
type Architecture string

const (
	ArchARM     Architecture = "arm"
	ArchRISCV   Architecture = "riscv"
	ArchMIPS    Architecture = "mips"
	ArchFPGA    Architecture = "fpga"
	ArchUnknown Architecture = ""
)

// ConnState tracks the adapter-level health of a target connection.
type ConnState string

const (
	ConnIdle        ConnState = "idle"
	ConnConnected   ConnState = "connected"
	ConnDegraded    ConnState = "degraded"
	ConnUnreachable ConnState = "unreachable"
)

// LayerHint names one transport layer to stack on a connection,
// e.g. {Name: "tls"} on top of tcp or {Name: "dtls"} on top of udp.
type LayerHint struct {
	Name   string            `yaml:"name" json:"name"`
	Params map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
}

// Target is a device under test: a live endpoint, an emulated firmware
// instance, or physical hardware behind a HIL bench.
type Target struct {
	ID       string        `yaml:"id" json:"id"`
	Name     string        `yaml:"name,omitempty" json:"name,omitempty"`
	Protocol Protocol      `yaml:"protocol" json:"protocol"`
	Mode     ExecutionMode `yaml:"mode" json:"mode"`
	Arch     Architecture  `yaml:"arch,omitempty" json:"arch,omitempty"`
	Endpoint HostPort      `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Layers   []LayerHint   `yaml:"layers,omitempty" json:"layers,omitempty"`
	Tags     []Tag         `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// Validate checks the fields needed before a target can accept test cases.
func (t *Target) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("target missing id")
	}
	if err := t.Protocol.Validate(); err != nil {
		return fmt.Errorf("target %s: %w", t.ID, err)
	}
	if err := t.Mode.Validate(); err != nil {
		return fmt.Errorf("target %s: %w", t.ID, err)
	}
	return nil
}

// Physical reports whether executions against this target touch hardware.
func (t *Target) Physical() bool {
	return t.Mode == ModePhysical
}
