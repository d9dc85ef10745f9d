package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bytemomo/charybdis/internal/domain"
)

// DialOptions contains connection parameters. Defaults are conservative
// because embedded targets often brown out under fast reconnects.
type DialOptions struct {
	Timeout    time.Duration
	Backoff    time.Duration
	MaxRetries int
}

// DefaultDialOptions returns safe defaults for embedded targets.
func DefaultDialOptions() DialOptions {
	return DialOptions{
		Timeout:    10 * time.Second,
		Backoff:    100 * time.Millisecond,
		MaxRetries: 3,
	}
}

// DialWithRetry dials a conduit, backing off exponentially between
// attempts. The backoff doubles per attempt and the context bounds the
// whole sequence.
func DialWithRetry[V any](ctx context.Context, conduit Conduit[V], opts DialOptions) error {
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = DefaultDialOptions().Backoff
	}

	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		dialCtx := ctx
		var cancel context.CancelFunc
		if opts.Timeout > 0 {
			dialCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		}
		lastErr = conduit.Dial(dialCtx)
		if cancel != nil {
			cancel()
		}
		if lastErr == nil {
			return nil
		}
	}
	return &domain.TransportError{
		Op:       "dial",
		Target:   strings.Join(conduit.Stack(), "/"),
		Attempts: opts.MaxRetries + 1,
		Err:      lastErr,
	}
}

// BuildStream builds the requested stack of stream layers on a TCP base.
func BuildStream(addr string, stack []domain.LayerHint) (Conduit[Stream], error) {
	var current Conduit[Stream] = TCP(addr)
	for _, layer := range stack {
		switch strings.ToLower(layer.Name) {
		case "", "tcp":
			continue
		case "tls":
			current = NewTLSClient(current, BuildTLSConfig(layer.Params))
		default:
			return nil, fmt.Errorf("unknown stream layer: %s", layer.Name)
		}
	}
	return LoggingStream(addr, current), nil
}

// BuildDatagram builds the requested stack of datagram layers. DTLS
// replaces the UDP base because it owns its own socket.
func BuildDatagram(addr string, stack []domain.LayerHint) (Conduit[Datagram], error) {
	var current Conduit[Datagram] = UDP(addr)
	for _, layer := range stack {
		switch strings.ToLower(layer.Name) {
		case "", "udp":
			continue
		case "dtls":
			current = NewDTLSClient(addr, BuildDTLSConfig(layer.Params))
		default:
			return nil, fmt.Errorf("unknown datagram layer: %s", layer.Name)
		}
	}
	return LoggingDatagram(addr, current), nil
}
