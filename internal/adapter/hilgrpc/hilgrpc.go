// Package hilgrpc drives firmware emulators that sit behind a gRPC
// bench controller. The bench exposes a small dynamic contract on
// /charybdis.hil.v1.Emulator: requests and responses are structpb
// structs, so no generated stubs are needed on either side.
package hilgrpc

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"sync"
	"time"

	"bytemomo/charybdis/internal/domain"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	log "github.com/sirupsen/logrus"
)

const (
	methodExecute = "/charybdis.hil.v1.Emulator/Execute"
	methodReset   = "/charybdis.hil.v1.Emulator/Reset"

	// TagHIL marks emulated targets that live behind a bench controller
	// instead of an in-process backend.
	TagHIL domain.Tag = "hil"
)

type bench struct {
	conn *grpc.ClientConn
	busy chan struct{}
}

// Adapter executes test cases against remote HIL emulators.
type Adapter struct {
	mu      sync.Mutex
	benches map[string]*bench

	dialer     func(context.Context, string) (net.Conn, error)
	maxRetries int
	backoff    time.Duration
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithDialer overrides the network dialer, used to point the adapter at
// an in-memory listener in tests.
func WithDialer(d func(context.Context, string) (net.Conn, error)) Option {
	return func(a *Adapter) { a.dialer = d }
}

// WithRetry bounds the delivery retry loop for transient RPC failures.
func WithRetry(max int, backoff time.Duration) Option {
	return func(a *Adapter) {
		a.maxRetries = max
		a.backoff = backoff
	}
}

func New(opts ...Option) *Adapter {
	a := &Adapter{
		benches:    make(map[string]*bench),
		maxRetries: 2,
		backoff:    100 * time.Millisecond,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Supports reports whether the target is an emulated device fronted by
// a bench controller.
func (a *Adapter) Supports(t *domain.Target) bool {
	if t == nil || t.Mode != domain.ModeEmulated {
		return false
	}
	for _, tag := range t.Tags {
		if tag == TagHIL {
			return true
		}
	}
	return false
}

// Connect dials the bench controller for the target.
func (a *Adapter) Connect(ctx context.Context, t *domain.Target) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.benches[t.ID]; ok {
		return nil
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if a.dialer != nil {
		dialOpts = append(dialOpts, grpc.WithContextDialer(a.dialer))
	}

	conn, err := grpc.DialContext(ctx, t.Endpoint.String(), dialOpts...)
	if err != nil {
		return &domain.TransportError{Target: t.ID, Op: "dial", Err: err}
	}

	a.benches[t.ID] = &bench{conn: conn, busy: make(chan struct{}, 1)}
	log.WithFields(log.Fields{
		"target": t.ID,
		"bench":  t.Endpoint.String(),
	}).Info("connected to HIL bench")
	return nil
}

func (a *Adapter) bench(targetID string) (*bench, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.benches[targetID]
	return b, ok
}

// Execute delivers one test case to the bench. Transient RPC failures
// are retried with exponential backoff up to the configured bound.
func (a *Adapter) Execute(ctx context.Context, t *domain.Target, tc *domain.TestCase, timeout time.Duration) (domain.Telemetry, error) {
	tel := domain.Telemetry{
		TestCaseID: tc.ID,
		TargetID:   t.ID,
		CapturedAt: time.Now().UTC(),
	}

	b, ok := a.bench(t.ID)
	if !ok {
		return tel, &domain.TransportError{Target: t.ID, Op: "execute", Err: domain.ErrUnknownTarget}
	}

	select {
	case b.busy <- struct{}{}:
		defer func() { <-b.busy }()
	case <-ctx.Done():
		tel.Outcome = domain.OutcomeCancelled
		return tel, ctx.Err()
	}

	req, err := executeRequest(tc, timeout)
	if err != nil {
		return tel, fmt.Errorf("encode execute request: %w", err)
	}

	start := time.Now()
	resp := new(structpb.Struct)

	backoff := a.backoff
	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		err = b.conn.Invoke(callCtx, methodExecute, req, resp)
		cancel()
		if err == nil {
			break
		}

		switch status.Code(err) {
		case codes.DeadlineExceeded:
			tel.Outcome = domain.OutcomeTimeout
			tel.Latency = time.Since(start)
			return tel, nil
		case codes.Canceled:
			tel.Outcome = domain.OutcomeCancelled
			return tel, ctx.Err()
		case codes.Unavailable, codes.Aborted:
			if attempt < a.maxRetries {
				log.WithFields(log.Fields{
					"target":  t.ID,
					"attempt": attempt + 1,
				}).Debug("bench RPC failed, retrying")
				select {
				case <-time.After(backoff):
					backoff *= 2
					continue
				case <-ctx.Done():
					tel.Outcome = domain.OutcomeCancelled
					return tel, ctx.Err()
				}
			}
			tel.Outcome = domain.OutcomeTransportError
			return tel, &domain.TransportError{Target: t.ID, Op: "execute", Err: err}
		default:
			tel.Outcome = domain.OutcomeTransportError
			return tel, &domain.TransportError{Target: t.ID, Op: "execute", Err: err}
		}
	}

	tel.Latency = time.Since(start)
	if err := decodeTelemetry(resp, &tel); err != nil {
		return tel, fmt.Errorf("decode bench telemetry: %w", err)
	}
	return tel, nil
}

// Reset asks the bench to restore the emulator to its boot state.
func (a *Adapter) Reset(ctx context.Context, t *domain.Target) error {
	b, ok := a.bench(t.ID)
	if !ok {
		return &domain.TransportError{Target: t.ID, Op: "reset", Err: domain.ErrUnknownTarget}
	}

	req, err := structpb.NewStruct(map[string]any{"target_id": t.ID})
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := b.conn.Invoke(ctx, methodReset, req, resp); err != nil {
		return &domain.TransportError{Target: t.ID, Op: "reset", Err: err}
	}
	return nil
}

// Close tears down the bench connection for the target.
func (a *Adapter) Close(t *domain.Target) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.benches[t.ID]
	if !ok {
		return nil
	}
	delete(a.benches, t.ID)
	return b.conn.Close()
}

func executeRequest(tc *domain.TestCase, timeout time.Duration) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"test_case_id": tc.ID,
		"target_id":    tc.TargetID,
		"entry_point":  tc.EntryPoint,
		"event":        tc.Event,
		"payload":      base64.StdEncoding.EncodeToString(tc.Payload),
		"timeout_ms":   float64(timeout.Milliseconds()),
	})
}

func decodeTelemetry(s *structpb.Struct, tel *domain.Telemetry) error {
	fields := s.GetFields()

	outcome := fields["outcome"].GetStringValue()
	if outcome == "" {
		return fmt.Errorf("bench response missing outcome")
	}
	tel.Outcome = domain.Outcome(outcome)
	tel.StateAfter = fields["state_after"].GetStringValue()

	if enc := fields["response"].GetStringValue(); enc != "" {
		data, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return fmt.Errorf("bench response payload: %w", err)
		}
		tel.Response = data
	}

	if cov := fields["coverage"].GetListValue(); cov != nil {
		for _, v := range cov.GetValues() {
			tel.Coverage = append(tel.Coverage, uint32(v.GetNumberValue()))
		}
	}

	if fs := fields["fault"].GetStructValue(); fs != nil {
		ff := fs.GetFields()
		tel.Fault = &domain.FaultDetail{
			Class:         domain.FaultClass(ff["class"].GetStringValue()),
			PC:            uint64(ff["pc"].GetNumberValue()),
			Address:       uint64(ff["address"].GetNumberValue()),
			Write:         ff["write"].GetBoolValue(),
			RegDigest:     ff["reg_digest"].GetStringValue(),
			StackDepth:    int(ff["stack_depth"].GetNumberValue()),
			ExecutedInput: ff["executed_input"].GetBoolValue(),
			Summary:       ff["summary"].GetStringValue(),
		}
	}
	return nil
}
