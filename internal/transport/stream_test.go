package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ucloud/agentbox-go/internal/protocol"
)

func mustEvent(t *testing.T, eventType protocol.EventType, requestID string, payload any) protocol.Event {
	t.Helper()
	ev, err := protocol.NewEvent(eventType, requestID, payload)
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	return *ev
}

func TestStream_OrderPreserved(t *testing.T) {
	s := NewStream("req-1", 0)
	s.Push(mustEvent(t, protocol.EventStdout, "req-1", protocol.ChunkPayload{Data: []byte("a")}))
	s.Push(mustEvent(t, protocol.EventStdout, "req-1", protocol.ChunkPayload{Data: []byte("b")}))
	s.Push(mustEvent(t, protocol.EventEnd, "req-1", nil))

	ctx := context.Background()
	for _, want := range []string{"a", "b"} {
		ev, err := s.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		var p protocol.ChunkPayload
		if err := ev.Decode(&p); err != nil {
			t.Fatal(err)
		}
		if string(p.Data) != want {
			t.Errorf("chunk = %q, want %q", p.Data, want)
		}
	}

	ev, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Type != protocol.EventEnd {
		t.Errorf("type = %q, want %q", ev.Type, protocol.EventEnd)
	}

	if _, err := s.Next(ctx); !errors.Is(err, ErrStreamDone) {
		t.Errorf("after terminal: err = %v, want ErrStreamDone", err)
	}
}

func TestStream_BlocksUntilPush(t *testing.T) {
	s := NewStream("req-1", 0)
	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Push(mustEvent(t, protocol.EventEnd, "req-1", nil))
	}()

	ev, err := s.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Type != protocol.EventEnd {
		t.Errorf("type = %q, want end", ev.Type)
	}
}

func TestStream_FailAfterDrain(t *testing.T) {
	s := NewStream("req-1", 0)
	s.Push(mustEvent(t, protocol.EventStdout, "req-1", protocol.ChunkPayload{Data: []byte("partial")}))
	s.Fail(ErrConnectionLost)

	ctx := context.Background()

	// Buffered output stays readable after the failure.
	ev, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Type != protocol.EventStdout {
		t.Errorf("type = %q, want stdout", ev.Type)
	}

	if _, err := s.Next(ctx); !errors.Is(err, ErrConnectionLost) {
		t.Errorf("err = %v, want ErrConnectionLost", err)
	}
}

func TestStream_InactivityTimeout(t *testing.T) {
	s := NewStream("req-1", 30*time.Millisecond)
	start := time.Now()
	_, err := s.Next(context.Background())
	if !errors.Is(err, ErrInactivityTimeout) {
		t.Fatalf("err = %v, want ErrInactivityTimeout", err)
	}
	if time.Since(start) > time.Second {
		t.Error("timeout took far longer than the inactivity window")
	}
}

func TestStream_ContextCancel(t *testing.T) {
	s := NewStream("req-1", 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
