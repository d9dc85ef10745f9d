package harness

import (
	"bytes"
	"context"
	"fmt"

	"bytemomo/charybdis/internal/domain"
)

// SimBackend is a deterministic in-process execution backend. It does
// not interpret real machine code; it models the fault surface of an
// embedded parser well enough to exercise the whole
// gate/execute/classify pipeline with reproducible outcomes. The same
// entry point and input always yield the same telemetry.
type SimBackend struct {
	arch domain.Architecture
}

// NewSimBackend returns a simulated backend for one architecture.
func NewSimBackend(arch domain.Architecture) *SimBackend {
	return &SimBackend{arch: arch}
}

func (b *SimBackend) Arch() domain.Architecture { return b.arch }

// NewContext returns a fresh context. Nothing is shared between
// contexts, so invocations are isolated by construction.
func (b *SimBackend) NewContext(img *FirmwareImage, entry Symbol) (ExecContext, error) {
	return &simContext{entry: entry}, nil
}

// Markers the simulated core reacts to. An input containing hangMarker
// spins until cancelled; illegalMarker as a prefix traps immediately.
var (
	hangMarker    = []byte{0xFE, 0xE1, 0xDE, 0xAD}
	illegalMarker = []byte{0xFF, 0xFF, 0xFF, 0xFF}
	shellMarkers  = [][]byte{[]byte("$("), []byte("`"), []byte("|sh"), []byte(";reboot")}
)

type simContext struct {
	entry  Symbol
	closed bool
}

func (c *simContext) Close() error {
	c.closed = true
	return nil
}

// Run models the entry point consuming input with a fixed-size frame of
// entry.Size bytes. Inputs longer than the frame clobber adjacent
// memory; past twice the frame they reach the saved return address.
func (c *simContext) Run(ctx context.Context, input []byte) (domain.Telemetry, error) {
	if c.closed {
		return domain.Telemetry{}, fmt.Errorf("execution context already closed")
	}

	if bytes.Contains(input, hangMarker) {
		<-ctx.Done()
		return domain.Telemetry{}, ctx.Err()
	}

	tel := domain.Telemetry{
		Outcome:  domain.OutcomeNormal,
		Coverage: coverageOf(c.entry, input),
	}

	frame := int(c.entry.Size)
	if frame == 0 {
		frame = 64
	}

	switch {
	case bytes.HasPrefix(input, illegalMarker):
		tel.Outcome = domain.OutcomeFault
		tel.Fault = &domain.FaultDetail{
			Class:     domain.FaultIllegalInstr,
			PC:        uint64(c.entry.Offset),
			RegDigest: regDigest(c.entry, input),
			Summary:   "undefined instruction at entry",
		}
	case containsAny(input, shellMarkers):
		tel.Outcome = domain.OutcomeFault
		tel.Fault = &domain.FaultDetail{
			Class:         domain.FaultCommandExec,
			PC:            uint64(c.entry.Offset) + uint64(frame),
			ExecutedInput: true,
			RegDigest:     regDigest(c.entry, input),
			Summary:       "input bytes crossed command boundary",
		}
	case len(input) > 2*frame:
		tel.Outcome = domain.OutcomeFault
		tel.Fault = &domain.FaultDetail{
			Class:      domain.FaultControlFlow,
			PC:         uint64(c.entry.Offset) + uint64(2*frame),
			Address:    uint64(c.entry.Offset) + uint64(len(input)),
			Write:      true,
			StackDepth: len(input) / frame,
			RegDigest:  regDigest(c.entry, input),
			Summary:    "saved return address overwritten",
		}
	case len(input) > frame:
		tel.Outcome = domain.OutcomeFault
		tel.Fault = &domain.FaultDetail{
			Class:     domain.FaultOOBWrite,
			PC:        uint64(c.entry.Offset) + uint64(frame),
			Address:   uint64(c.entry.Offset) + uint64(len(input)),
			Write:     true,
			RegDigest: regDigest(c.entry, input),
			Summary:   "write beyond frame bound",
		}
	}
	return tel, nil
}

// coverageOf derives a deterministic edge set: one edge per input byte,
// keyed by position bucket and value. New byte values at new positions
// read as new coverage, which is what corpus admission keys on.
func coverageOf(entry Symbol, input []byte) []uint32 {
	seen := make(map[uint32]bool, len(input))
	edges := make([]uint32, 0, len(input))
	for i, b := range input {
		edge := entry.Offset ^ uint32(i%64)<<8 ^ uint32(b)
		if !seen[edge] {
			seen[edge] = true
			edges = append(edges, edge)
		}
	}
	return edges
}

// regDigest summarizes the simulated register file at fault time.
func regDigest(entry Symbol, input []byte) string {
	var sum uint64 = uint64(entry.Offset)
	for _, b := range input {
		sum = sum*31 + uint64(b)
	}
	return fmt.Sprintf("r%016x", sum)
}

func containsAny(input []byte, markers [][]byte) bool {
	for _, m := range markers {
		if bytes.Contains(input, m) {
			return true
		}
	}
	return false
}
