package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ucloud/agentbox-go/internal/protocol"
)

// ErrStreamDone is returned by Next after the terminal event has been consumed.
var ErrStreamDone = errors.New("stream finished")

// Stream is the lazy, finite sequence of events produced by one request.
// Events are buffered without bound so a slow consumer on one stream can
// never stall the connection read loop and block unrelated requests.
type Stream struct {
	id         string
	inactivity time.Duration

	mu       sync.Mutex
	queue    []protocol.Event
	failure  error
	consumed bool // terminal event handed to the consumer
	notify   chan struct{}
}

// NewStream creates a stream for the given request ID. An inactivity window
// of zero disables the per-event timeout.
func NewStream(id string, inactivity time.Duration) *Stream {
	return &Stream{
		id:         id,
		inactivity: inactivity,
		notify:     make(chan struct{}, 1),
	}
}

// ID returns the request ID this stream belongs to.
func (s *Stream) ID() string { return s.id }

// Push appends an event to the stream. Called by the channel read loop and
// by fake sessions in tests.
func (s *Stream) Push(ev protocol.Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.wake()
}

// Fail terminates the stream with a transport-level error. Buffered events
// stay readable; once drained, Next returns err.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	if s.failure == nil {
		s.failure = err
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Stream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next returns the next event. It blocks until an event arrives, the context
// is cancelled, or no event has arrived within the inactivity window
// (ErrTimeout). After the terminal event has been returned, subsequent calls
// return ErrStreamDone.
func (s *Stream) Next(ctx context.Context) (protocol.Event, error) {
	var timeout <-chan time.Time
	if s.inactivity > 0 {
		timer := time.NewTimer(s.inactivity)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			if ev.Terminal() {
				s.consumed = true
			}
			// Leftover events may still be queued behind us; keep the
			// notification armed for them.
			if len(s.queue) > 0 || s.failure != nil {
				s.mu.Unlock()
				s.wake()
			} else {
				s.mu.Unlock()
			}
			return ev, nil
		}
		if s.consumed {
			s.mu.Unlock()
			return protocol.Event{}, ErrStreamDone
		}
		if s.failure != nil {
			err := s.failure
			s.mu.Unlock()
			return protocol.Event{}, err
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return protocol.Event{}, ctx.Err()
		case <-timeout:
			return protocol.Event{}, ErrInactivityTimeout
		case <-s.notify:
		}
	}
}
