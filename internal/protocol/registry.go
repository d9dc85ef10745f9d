package protocol

import (
	"sort"
	"sync"

	"bytemomo/charybdis/internal/domain"
)

var (
	registryMu sync.RWMutex
	registry   = map[domain.Protocol]*Definition{}
)

// Register stores a machine definition under its protocol. Invalid
// definitions are rejected; a later registration replaces an earlier one.
func Register(def *Definition) error {
	if def == nil {
		return nil
	}
	if err := def.Validate(); err != nil {
		return err
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[def.Protocol] = def
	return nil
}

// Lookup returns the machine registered for a protocol.
func Lookup(proto domain.Protocol) (*Definition, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	def, ok := registry[proto]
	return def, ok
}

// Protocols returns the registered protocols in stable order.
func Protocols() []domain.Protocol {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]domain.Protocol, 0, len(registry))
	for p := range registry {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RegisterBuiltins registers the five machine definitions that ship with
// the engine. Registration is idempotent.
func RegisterBuiltins() {
	for _, def := range []*Definition{
		MQTTMachine(),
		ZigbeeMachine(),
		BLEMachine(),
		ModbusMachine(),
		CANMachine(),
	} {
		if err := Register(def); err != nil {
			// Builtin definitions are checked by their own tests; a
			// failure here is a programming error.
			panic(err)
		}
	}
}
