// Package harness turns a firmware image plus an entry-point descriptor
// into an instrumented wrapper a fuzzer can invoke with arbitrary bytes.
// Image parsing and harness construction never mutate the original
// artifact, and every invocation runs in a fresh execution context so
// state cannot leak between test cases.
package harness

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"bytemomo/charybdis/internal/domain"
)

// Vendor firmware header magics, one per supported instruction-set
// family. An image not starting with one of these is unsupported.
var archMagics = []struct {
	magic []byte
	arch  domain.Architecture
}{
	{[]byte("\x7FARMHDR"), domain.ArchARM},
	{[]byte("\x7FRISCVHDR"), domain.ArchRISCV},
	{[]byte("\x7FMIPSHDR"), domain.ArchMIPS},
	{[]byte("\x7FFPGAHDR"), domain.ArchFPGA},
}

// Symbol is one entry-point candidate resolved from the image's symbol
// table: a function name, its code offset, and its declared frame size.
type Symbol struct {
	Name   string `json:"name"`
	Offset uint32 `json:"offset"`
	Size   uint32 `json:"size"`
}

// FirmwareImage is a parsed firmware artifact. The raw bytes are kept
// alongside the parsed view and sealed with a checksum, so any later
// mutation of the artifact is detectable.
type FirmwareImage struct {
	Arch    domain.Architecture
	Vendor  string
	Symbols []Symbol
	Code    []byte

	raw      []byte
	checksum [sha256.Size]byte
}

// Layout after the magic:
//
//	vendor   uint8 length + bytes
//	symbols  uint16 count, then per symbol:
//	         uint8 name length + bytes, uint32 offset, uint32 size
//	code     remaining bytes
//
// All integers big-endian.

// ParseImage parses a firmware artifact. It fails with
// ErrUnsupportedArchitecture when no vendor magic matches and never
// modifies data.
func ParseImage(data []byte) (*FirmwareImage, error) {
	var arch domain.Architecture
	var rest []byte
	for _, m := range archMagics {
		if bytes.HasPrefix(data, m.magic) {
			arch = m.arch
			rest = data[len(m.magic):]
			break
		}
	}
	if arch == "" {
		return nil, fmt.Errorf("image header: %w", domain.ErrUnsupportedArchitecture)
	}

	img := &FirmwareImage{
		Arch:     arch,
		raw:      data,
		checksum: sha256.Sum256(data),
	}

	vendor, rest, err := readString8(rest)
	if err != nil {
		return nil, fmt.Errorf("image vendor: %w", err)
	}
	img.Vendor = vendor

	if len(rest) < 2 {
		return nil, fmt.Errorf("image symbol table: truncated")
	}
	count := binary.BigEndian.Uint16(rest)
	rest = rest[2:]
	img.Symbols = make([]Symbol, 0, count)
	for i := 0; i < int(count); i++ {
		name, r, err := readString8(rest)
		if err != nil {
			return nil, fmt.Errorf("image symbol %d: %w", i, err)
		}
		if len(r) < 8 {
			return nil, fmt.Errorf("image symbol %d: truncated", i)
		}
		img.Symbols = append(img.Symbols, Symbol{
			Name:   name,
			Offset: binary.BigEndian.Uint32(r),
			Size:   binary.BigEndian.Uint32(r[4:]),
		})
		rest = r[8:]
	}
	img.Code = rest

	for _, sym := range img.Symbols {
		if int(sym.Offset) > len(img.Code) {
			return nil, fmt.Errorf("image symbol %q: offset %#x beyond code end", sym.Name, sym.Offset)
		}
	}
	return img, nil
}

// EncodeImage builds an artifact in the wire layout ParseImage reads.
// Used by provisioning tooling and tests; the engine itself only parses.
func EncodeImage(arch domain.Architecture, vendor string, symbols []Symbol, code []byte) ([]byte, error) {
	var magic []byte
	for _, m := range archMagics {
		if m.arch == arch {
			magic = m.magic
			break
		}
	}
	if magic == nil {
		return nil, fmt.Errorf("encode image: %w: %s", domain.ErrUnsupportedArchitecture, arch)
	}
	if len(vendor) > 255 || len(symbols) > 0xFFFF {
		return nil, fmt.Errorf("encode image: vendor or symbol table too large")
	}

	buf := bytes.NewBuffer(nil)
	buf.Write(magic)
	buf.WriteByte(byte(len(vendor)))
	buf.WriteString(vendor)
	var cnt [2]byte
	binary.BigEndian.PutUint16(cnt[:], uint16(len(symbols)))
	buf.Write(cnt[:])
	for _, sym := range symbols {
		if len(sym.Name) > 255 {
			return nil, fmt.Errorf("encode image: symbol name %q too long", sym.Name)
		}
		buf.WriteByte(byte(len(sym.Name)))
		buf.WriteString(sym.Name)
		var fields [8]byte
		binary.BigEndian.PutUint32(fields[:], sym.Offset)
		binary.BigEndian.PutUint32(fields[4:], sym.Size)
		buf.Write(fields[:])
	}
	buf.Write(code)
	return buf.Bytes(), nil
}

// Symbol resolves a name in the image's symbol table.
func (img *FirmwareImage) Symbol(name string) (Symbol, bool) {
	for _, sym := range img.Symbols {
		if sym.Name == name {
			return sym, true
		}
	}
	return Symbol{}, false
}

// Checksum returns the hex digest sealed at parse time.
func (img *FirmwareImage) Checksum() string {
	return hex.EncodeToString(img.checksum[:])
}

// Intact re-hashes the raw bytes against the sealed checksum. Harness
// construction calls this to guarantee the artifact was not mutated.
func (img *FirmwareImage) Intact() bool {
	return sha256.Sum256(img.raw) == img.checksum
}

func readString8(data []byte) (string, []byte, error) {
	if len(data) < 1 {
		return "", nil, fmt.Errorf("truncated")
	}
	n := int(data[0])
	if len(data) < 1+n {
		return "", nil, fmt.Errorf("truncated")
	}
	return string(data[1 : 1+n]), data[1+n:], nil
}
