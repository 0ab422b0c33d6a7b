package tracing

import (
	"context"
	"errors"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ServiceName != "roomctl" {
		t.Errorf("expected service name 'roomctl', got '%s'", cfg.ServiceName)
	}
	if cfg.Enabled {
		t.Errorf("tracing should be disabled by default")
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("expected sample rate 1.0, got %f", cfg.SampleRate)
	}
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestTraceRoomOperation(t *testing.T) {
	ctx, span := TraceRoomOperation(context.Background(), "subscribe", "room-1",
		ParticipantKey.String("alice"),
		SubscriptionKey.String("sub-1"),
	)
	if span == nil {
		t.Fatal("expected non-nil span")
	}
	AddSpanAttributes(ctx, StreamIDKey.String("s1"))
	RecordError(ctx, errors.New("format unavailable"))
	RecordError(ctx, nil)
	End(span, nil)
}

func TestTraceNodeRPC(t *testing.T) {
	_, span := TraceNodeRPC(context.Background(), "linkup", "video-node-1")
	End(span, errors.New("timeout"))
}

func TestTraceHTTPRequest(t *testing.T) {
	_, span := TraceHTTPRequest(context.Background(), "POST", "/v1/rooms/:room/streams")
	span.End()
}
