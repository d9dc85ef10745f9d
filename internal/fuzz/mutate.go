package fuzz

import (
	"encoding/binary"
	"math/rand"

	"bytemomo/charybdis/internal/protocol"
)

// Strategy names a mutation family. Mixed rotates through all of them.
type Strategy string

const (
	StrategyBitflip       Strategy = "bitflip"
	StrategyByteSplice    Strategy = "bytesplice"
	StrategyProtocolAware Strategy = "protocolaware"
	StrategyDictionary    Strategy = "dictionary"
	StrategyMixed         Strategy = "mixed"
)

var allStrategies = []Strategy{
	StrategyBitflip,
	StrategyByteSplice,
	StrategyProtocolAware,
	StrategyDictionary,
}

// Valid reports whether the strategy is one the mutator implements.
func (s Strategy) Valid() bool {
	if s == StrategyMixed {
		return true
	}
	for _, known := range allStrategies {
		if s == known {
			return true
		}
	}
	return false
}

// AFL-style interesting values. Boundary numbers shake out off-by-ones
// and sign confusion far faster than uniform noise.
var (
	interesting8  = []byte{0x00, 0x01, 0x10, 0x20, 0x40, 0x64, 0x7F, 0x80, 0xFF}
	interesting16 = []uint16{0x0000, 0x0080, 0x00FF, 0x0100, 0x0200, 0x03E8, 0x1000, 0x7FFF, 0x8000, 0xFFFF}
	interesting32 = []uint32{0x00000000, 0x00008000, 0x0000FFFF, 0x00010000, 0x05FFFF05, 0x7FFFFFFF, 0x80000000, 0xFFFFFFFF}
)

// Mutator derives new inputs from corpus entries. It is seeded, so a
// campaign replays identically from the same seed, corpus, and pick
// order. Not safe for concurrent use; each campaign owns one.
type Mutator struct {
	rng *rand.Rand
	def *protocol.Definition
}

// NewMutator builds a mutator. def may be nil for targets without a
// protocol machine; the protocol-aware strategy then degrades to bit
// flipping.
func NewMutator(seed int64, def *protocol.Definition) *Mutator {
	return &Mutator{rng: rand.New(rand.NewSource(seed)), def: def}
}

// Mutate derives a new payload from input using the given strategy.
// donor supplies foreign bytes for splicing and may be nil.
func (m *Mutator) Mutate(strategy Strategy, input, donor []byte) []byte {
	if len(input) == 0 {
		input = []byte{0x00}
	}
	switch strategy {
	case StrategyBitflip:
		return m.bitflip(input)
	case StrategyByteSplice:
		return m.bytesplice(input, donor)
	case StrategyProtocolAware:
		return m.protocolAware(input)
	case StrategyDictionary:
		return m.dictionary(input)
	default:
		return m.bitflip(input)
	}
}

// bitflip flips a short run of bits at one random position.
func (m *Mutator) bitflip(input []byte) []byte {
	out := append([]byte(nil), input...)
	runs := []int{1, 2, 4}
	width := runs[m.rng.Intn(len(runs))]
	total := len(out) * 8
	if width > total {
		width = total
	}
	pos := m.rng.Intn(total - width + 1)
	for i := 0; i < width; i++ {
		bit := pos + i
		out[bit/8] ^= 1 << (7 - bit%8)
	}
	return out
}

// bytesplice rewrites a span of input with donor bytes, or shuffles the
// input against itself when no donor exists.
func (m *Mutator) bytesplice(input, donor []byte) []byte {
	out := append([]byte(nil), input...)
	if len(donor) == 0 {
		donor = input
	}
	spanLen := 1 + m.rng.Intn(max(1, len(donor)/2))
	if spanLen > len(donor) {
		spanLen = len(donor)
	}
	src := m.rng.Intn(len(donor) - spanLen + 1)
	switch m.rng.Intn(3) {
	case 0: // overwrite in place
		dst := m.rng.Intn(len(out))
		copy(out[dst:], donor[src:src+spanLen])
	case 1: // insert
		dst := m.rng.Intn(len(out) + 1)
		out = append(out[:dst], append(append([]byte(nil), donor[src:src+spanLen]...), out[dst:]...)...)
	default: // delete a span, keep at least one byte
		if len(out) > 1 {
			dst := m.rng.Intn(len(out))
			end := dst + spanLen
			if end >= len(out) {
				end = len(out)
			}
			if end > dst && len(out)-(end-dst) >= 1 {
				out = append(out[:dst], out[end:]...)
			}
		}
	}
	return out
}

// protocolAware targets only spans the machine marks as attacker
// controllable, stamping interesting values into field positions.
func (m *Mutator) protocolAware(input []byte) []byte {
	field, ok := m.pickField(len(input))
	if !ok {
		return m.bitflip(input)
	}
	out := append([]byte(nil), input...)
	switch field.Size {
	case 1:
		out[field.Offset] = interesting8[m.rng.Intn(len(interesting8))]
	case 2:
		binary.BigEndian.PutUint16(out[field.Offset:], interesting16[m.rng.Intn(len(interesting16))])
	case 4:
		binary.BigEndian.PutUint32(out[field.Offset:], interesting32[m.rng.Intn(len(interesting32))])
	default:
		for i := 0; i < field.Size; i++ {
			out[field.Offset+i] = interesting8[m.rng.Intn(len(interesting8))]
		}
	}
	return out
}

// pickField chooses a declared mutation field that fits inside a payload
// of the given length.
func (m *Mutator) pickField(payloadLen int) (protocol.FieldSpec, bool) {
	if m.def == nil {
		return protocol.FieldSpec{}, false
	}
	var fits []protocol.FieldSpec
	for _, spec := range m.def.Events {
		for _, f := range spec.Fields {
			if f.Offset+f.Size <= payloadLen {
				fits = append(fits, f)
			}
		}
	}
	if len(fits) == 0 {
		return protocol.FieldSpec{}, false
	}
	return fits[m.rng.Intn(len(fits))], true
}

// dictionary splices machine dictionary tokens or interesting integers
// into the payload.
func (m *Mutator) dictionary(input []byte) []byte {
	token := m.pickToken()
	out := append([]byte(nil), input...)
	if m.rng.Intn(2) == 0 && len(out) >= len(token) {
		dst := m.rng.Intn(len(out) - len(token) + 1)
		copy(out[dst:], token)
		return out
	}
	dst := m.rng.Intn(len(out) + 1)
	return append(out[:dst], append(append([]byte(nil), token...), out[dst:]...)...)
}

func (m *Mutator) pickToken() []byte {
	var dict [][]byte
	if m.def != nil {
		dict = m.def.Dictionary
	}
	// Three sources: machine dictionary, 16-bit and 32-bit boundary
	// values in both byte orders.
	choices := len(dict) + len(interesting16) + len(interesting32)
	n := m.rng.Intn(choices)
	if n < len(dict) {
		return dict[n]
	}
	n -= len(dict)
	buf := make([]byte, 4)
	if n < len(interesting16) {
		if m.rng.Intn(2) == 0 {
			binary.BigEndian.PutUint16(buf, interesting16[n])
		} else {
			binary.LittleEndian.PutUint16(buf, interesting16[n])
		}
		return buf[:2]
	}
	n -= len(interesting16)
	if m.rng.Intn(2) == 0 {
		binary.BigEndian.PutUint32(buf, interesting32[n])
	} else {
		binary.LittleEndian.PutUint32(buf, interesting32[n])
	}
	return buf
}
