package hilgrpc

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"bytemomo/charybdis/internal/domain"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

// benchServer is a scripted stand-in for a bench controller.
type benchServer struct {
	execute func(context.Context, *structpb.Struct) (*structpb.Struct, error)
	resets  atomic.Int32
}

func (s *benchServer) handleExecute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.execute != nil {
		return s.execute(ctx, req)
	}
	return structpb.NewStruct(map[string]any{"outcome": "normal"})
}

func (s *benchServer) handleReset(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s.resets.Add(1)
	return structpb.NewStruct(map[string]any{"ok": true})
}

var emulatorDesc = grpc.ServiceDesc{
	ServiceName: "charybdis.hil.v1.Emulator",
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Execute",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(structpb.Struct)
				if err := dec(in); err != nil {
					return nil, err
				}
				return srv.(*benchServer).handleExecute(ctx, in)
			},
		},
		{
			MethodName: "Reset",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(structpb.Struct)
				if err := dec(in); err != nil {
					return nil, err
				}
				return srv.(*benchServer).handleReset(ctx, in)
			},
		},
	},
}

func startBench(t *testing.T, srv *benchServer) *bufconn.Listener {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	gs.RegisterService(&emulatorDesc, srv)
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)
	return lis
}

func benchTarget() *domain.Target {
	return &domain.Target{
		ID:       "hil-1",
		Protocol: domain.ProtocolModbus,
		Mode:     domain.ModeEmulated,
		Arch:     domain.ArchARM,
		Endpoint: domain.HostPort{Host: "bench", Port: 50051},
		Tags:     []domain.Tag{TagHIL},
	}
}

func connectedAdapter(t *testing.T, srv *benchServer, opts ...Option) (*Adapter, *domain.Target) {
	t.Helper()
	lis := startBench(t, srv)
	opts = append(opts, WithDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	a := New(opts...)
	target := benchTarget()
	if err := a.Connect(context.Background(), target); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { a.Close(target) })
	return a, target
}

func TestSupports(t *testing.T) {
	a := New()
	if !a.Supports(benchTarget()) {
		t.Fatal("expected tagged emulated target to be supported")
	}

	physical := benchTarget()
	physical.Mode = domain.ModePhysical
	if a.Supports(physical) {
		t.Fatal("physical targets must not route through the bench adapter")
	}

	untagged := benchTarget()
	untagged.Tags = nil
	if a.Supports(untagged) {
		t.Fatal("emulated target without bench tag must not be supported")
	}
}

func TestExecute_DecodesTelemetry(t *testing.T) {
	srv := &benchServer{
		execute: func(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
			if req.GetFields()["entry_point"].GetStringValue() != "parse_update" {
				t.Errorf("entry_point not forwarded: %v", req)
			}
			return structpb.NewStruct(map[string]any{
				"outcome":     "fault",
				"state_after": "crashed",
				"response":    base64.StdEncoding.EncodeToString([]byte{0xde, 0xad}),
				"coverage":    []any{float64(1), float64(2), float64(3)},
				"fault": map[string]any{
					"class":   "oob-write",
					"pc":      float64(0x4010),
					"address": float64(0x20001000),
					"write":   true,
					"summary": "store past frame end",
				},
			})
		},
	}
	a, target := connectedAdapter(t, srv)

	tc := domain.NewTestCase(target.ID, domain.OriginFuzzer, []byte{0x01, 0x02})
	tc.EntryPoint = "parse_update"

	tel, err := a.Execute(context.Background(), target, tc, time.Second)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if tel.Outcome != domain.OutcomeFault {
		t.Fatalf("outcome = %s, want fault", tel.Outcome)
	}
	if !tel.Faulted() || tel.Fault.Class != domain.FaultOOBWrite {
		t.Fatalf("fault detail not decoded: %+v", tel.Fault)
	}
	if tel.Fault.PC != 0x4010 || !tel.Fault.Write {
		t.Fatalf("fault evidence lost: %+v", tel.Fault)
	}
	if len(tel.Response) != 2 || tel.Response[0] != 0xde {
		t.Fatalf("response bytes = %x", tel.Response)
	}
	if len(tel.Coverage) != 3 {
		t.Fatalf("coverage = %v", tel.Coverage)
	}
	if tel.StateAfter != "crashed" {
		t.Fatalf("state_after = %s", tel.StateAfter)
	}
}

func TestExecute_NotConnected(t *testing.T) {
	a := New()
	tc := domain.NewTestCase("hil-1", domain.OriginFuzzer, []byte{0x00})

	_, err := a.Execute(context.Background(), benchTarget(), tc, time.Second)
	var te *domain.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !domain.IsTransient(err) {
		t.Fatal("missing-connection failure should be retryable")
	}
}

func TestExecute_RetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := &benchServer{
		execute: func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
			if calls.Add(1) < 3 {
				return nil, status.Error(codes.Unavailable, "bench restarting")
			}
			return structpb.NewStruct(map[string]any{"outcome": "normal"})
		},
	}
	a, target := connectedAdapter(t, srv, WithRetry(3, 5*time.Millisecond))

	tc := domain.NewTestCase(target.ID, domain.OriginFuzzer, []byte{0x00})
	tel, err := a.Execute(context.Background(), target, tc, time.Second)
	if err != nil {
		t.Fatalf("execute after retries: %v", err)
	}
	if tel.Outcome != domain.OutcomeNormal {
		t.Fatalf("outcome = %s, want normal", tel.Outcome)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("bench called %d times, want 3", got)
	}
}

func TestExecute_RetryBudgetExhausted(t *testing.T) {
	srv := &benchServer{
		execute: func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
			return nil, status.Error(codes.Unavailable, "bench down")
		},
	}
	a, target := connectedAdapter(t, srv, WithRetry(1, time.Millisecond))

	tc := domain.NewTestCase(target.ID, domain.OriginFuzzer, []byte{0x00})
	tel, err := a.Execute(context.Background(), target, tc, time.Second)
	var te *domain.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if tel.Outcome != domain.OutcomeTransportError {
		t.Fatalf("outcome = %s, want transport-error", tel.Outcome)
	}
}

func TestExecute_SlowBenchIsTimeout(t *testing.T) {
	srv := &benchServer{
		execute: func(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	a, target := connectedAdapter(t, srv)

	tc := domain.NewTestCase(target.ID, domain.OriginFuzzer, []byte{0x00})
	tel, err := a.Execute(context.Background(), target, tc, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("timeout must not surface as error: %v", err)
	}
	if tel.Outcome != domain.OutcomeTimeout {
		t.Fatalf("outcome = %s, want timeout", tel.Outcome)
	}
}

func TestReset(t *testing.T) {
	srv := &benchServer{}
	a, target := connectedAdapter(t, srv)

	if err := a.Reset(context.Background(), target); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if srv.resets.Load() != 1 {
		t.Fatalf("resets = %d, want 1", srv.resets.Load())
	}
}
