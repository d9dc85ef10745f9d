package harness

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"bytemomo/charybdis/internal/domain"
)

// Backend provides isolated execution contexts for one instruction-set
// family. A context is used for exactly one invocation and then
// discarded, which is what keeps state from leaking between test cases.
type Backend interface {
	Arch() domain.Architecture
	NewContext(img *FirmwareImage, entry Symbol) (ExecContext, error)
}

// ExecContext runs one invocation. Run must honor ctx cancellation;
// Close tears the context down unconditionally.
type ExecContext interface {
	Run(ctx context.Context, input []byte) (domain.Telemetry, error)
	Close() error
}

// Generator builds harnesses from firmware images. Backends register by
// architecture; images whose family has no backend are unsupported.
type Generator struct {
	backends map[domain.Architecture]Backend
}

// NewGenerator returns a generator with the given backends.
func NewGenerator(backends ...Backend) *Generator {
	g := &Generator{backends: make(map[domain.Architecture]Backend, len(backends))}
	for _, b := range backends {
		g.backends[b.Arch()] = b
	}
	return g
}

// Build wraps the named entry point of an image. It fails with
// ErrUnsupportedArchitecture when no backend covers the image's family
// and with ErrEntryPointNotFound when the descriptor does not resolve,
// and it refuses images whose bytes changed since parse time.
func (g *Generator) Build(img *FirmwareImage, entryPoint string) (*Harness, error) {
	backend, ok := g.backends[img.Arch]
	if !ok {
		return nil, fmt.Errorf("harness for %s: %w", img.Arch, domain.ErrUnsupportedArchitecture)
	}
	entry, ok := img.Symbol(entryPoint)
	if !ok {
		return nil, fmt.Errorf("harness entry %q: %w", entryPoint, domain.ErrEntryPointNotFound)
	}
	if !img.Intact() {
		return nil, fmt.Errorf("harness for %s: image mutated since parse", entryPoint)
	}
	log.WithFields(log.Fields{
		"arch":   img.Arch,
		"entry":  entry.Name,
		"offset": fmt.Sprintf("%#x", entry.Offset),
	}).Debug("harness built")
	return &Harness{img: img, entry: entry, backend: backend}, nil
}

// Harness invokes one firmware entry point with arbitrary input bytes.
// Safe for concurrent use: every invocation gets its own context.
type Harness struct {
	img     *FirmwareImage
	entry   Symbol
	backend Backend
}

// Entry returns the wrapped symbol.
func (h *Harness) Entry() Symbol { return h.entry }

// Invoke runs the entry point against input. The timeout is mandatory;
// expiry yields outcome timeout, never fault, because a hung target
// tells us nothing about memory safety.
func (h *Harness) Invoke(ctx context.Context, input []byte, timeout time.Duration) (domain.Telemetry, error) {
	if timeout <= 0 {
		return domain.Telemetry{}, fmt.Errorf("harness %s: timeout is mandatory", h.entry.Name)
	}
	ec, err := h.backend.NewContext(h.img, h.entry)
	if err != nil {
		return domain.Telemetry{}, fmt.Errorf("harness %s: %w", h.entry.Name, err)
	}
	defer ec.Close()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	type result struct {
		tel domain.Telemetry
		err error
	}
	done := make(chan result, 1)
	go func() {
		tel, err := ec.Run(runCtx, input)
		done <- result{tel, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return domain.Telemetry{}, fmt.Errorf("harness %s: %w", h.entry.Name, r.err)
		}
		r.tel.Latency = time.Since(start)
		r.tel.CapturedAt = time.Now().UTC()
		return r.tel, nil
	case <-runCtx.Done():
		outcome := domain.OutcomeTimeout
		if ctx.Err() != nil {
			outcome = domain.OutcomeCancelled
		}
		return domain.Telemetry{
			Outcome:    outcome,
			Latency:    time.Since(start),
			CapturedAt: time.Now().UTC(),
		}, nil
	}
}
