package observability

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeServerStream struct {
	grpc.ServerStream
	recvErr error
	sent    int
	recv    int
}

func (f *fakeServerStream) Context() context.Context { return context.Background() }

func (f *fakeServerStream) RecvMsg(m any) error {
	if f.recvErr != nil {
		return f.recvErr
	}
	f.recv++
	return nil
}

func (f *fakeServerStream) SendMsg(m any) error {
	f.sent++
	return nil
}

var checkInfo = &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

func TestUnaryProbeInterceptor(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	interceptor := UnaryProbeInterceptor(zap.New(core))

	resp, err := interceptor(context.Background(), "req", checkInfo, func(ctx context.Context, req any) (any, error) {
		return "ok", nil
	})
	if err != nil || resp != "ok" {
		t.Fatalf("unexpected result %v, %v", resp, err)
	}
	if n := logs.FilterMessage("Health probe served").Len(); n != 1 {
		t.Errorf("expected served log, got %d", n)
	}

	_, err = interceptor(context.Background(), "req", checkInfo, func(ctx context.Context, req any) (any, error) {
		return nil, status.Error(codes.NotFound, "unknown service")
	})
	if status.Code(err) != codes.NotFound {
		t.Errorf("interceptor must pass the handler error through, got %v", err)
	}
	failed := logs.FilterMessage("Health probe failed").All()
	if len(failed) != 1 {
		t.Fatalf("expected failure log, got %d", len(failed))
	}
	if failed[0].ContextMap()["code"] != codes.NotFound.String() {
		t.Errorf("failure log code = %v", failed[0].ContextMap()["code"])
	}
}

func TestCodeOf(t *testing.T) {
	if codeOf(nil) != codes.OK {
		t.Error("nil error should map to OK")
	}
	if codeOf(errors.New("plain")) != codes.Unknown {
		t.Error("plain error should map to Unknown")
	}
	if codeOf(status.Error(codes.Unavailable, "x")) != codes.Unavailable {
		t.Error("status code lost")
	}
}

func TestStreamProbeInterceptor_CountsMessages(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	interceptor := StreamProbeInterceptor(zap.New(core))
	info := &grpc.StreamServerInfo{FullMethod: "/grpc.health.v1.Health/Watch", IsServerStream: true}

	err := interceptor(nil, &fakeServerStream{}, info, func(srv any, ss grpc.ServerStream) error {
		_ = ss.RecvMsg(nil)
		_ = ss.SendMsg(nil)
		_ = ss.SendMsg(nil)
		return nil
	})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}

	done := logs.FilterMessage("Health watch closed").All()
	if len(done) != 1 {
		t.Fatalf("expected close log, got %d", len(done))
	}
	fields := done[0].ContextMap()
	if fields["messages_received"] != int64(1) || fields["messages_sent"] != int64(2) {
		t.Errorf("unexpected counts: %v", fields)
	}
}

func TestStreamProbeInterceptor_FailedRecv(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	interceptor := StreamProbeInterceptor(zap.New(core))
	info := &grpc.StreamServerInfo{FullMethod: "/grpc.health.v1.Health/Watch"}
	inner := &fakeServerStream{recvErr: errors.New("closed")}

	err := interceptor(nil, inner, info, func(srv any, ss grpc.ServerStream) error {
		return ss.RecvMsg(nil)
	})
	if err == nil {
		t.Fatal("expected recv error to surface")
	}
	failed := logs.FilterMessage("Health watch failed").All()
	if len(failed) != 1 {
		t.Fatalf("expected failure log, got %d", len(failed))
	}
	if failed[0].ContextMap()["messages_received"] != int64(0) {
		t.Errorf("failed receive counted: %v", failed[0].ContextMap())
	}
}

func TestStreamProbeInterceptor_CanceledIsQuiet(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	interceptor := StreamProbeInterceptor(zap.New(core))
	info := &grpc.StreamServerInfo{FullMethod: "/grpc.health.v1.Health/Watch"}

	_ = interceptor(nil, &fakeServerStream{}, info, func(srv any, ss grpc.ServerStream) error {
		return status.Error(codes.Canceled, "watcher left")
	})
	if logs.FilterMessage("Health watch failed").Len() != 0 {
		t.Error("canceled watch logged as failure")
	}
}
