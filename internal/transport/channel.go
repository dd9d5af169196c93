// Package transport maintains the session connection to one sandbox: it
// frames outbound requests onto a WebSocket and demultiplexes inbound events
// by request ID into per-request streams. The channel is the only
// safe-sharing boundary of a session; any number of goroutines may call Send
// concurrently.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ucloud/agentbox-go/internal/protocol"
)

var (
	// ErrConnectionLost reports that the underlying transport dropped before
	// the stream reached its terminal event. The caller cannot assume the
	// remote operation stopped running.
	ErrConnectionLost = errors.New("sandbox connection lost")

	// ErrInactivityTimeout reports that no event arrived within the
	// configured inactivity window.
	ErrInactivityTimeout = errors.New("no response from sandbox within inactivity window")

	// ErrChannelClosed is returned by Send after the channel was closed.
	ErrChannelClosed = errors.New("session channel closed")
)

// Session is the minimal surface the executors need from a channel.
// Implemented by *Channel; tests substitute in-memory fakes.
type Session interface {
	Send(ctx context.Context, req *protocol.Request) (*Stream, error)
	Close() error
}

// Config configures a Channel.
type Config struct {
	// URL is the WebSocket endpoint of the sandbox daemon.
	URL string
	// AccessToken authenticates the session; sent as a query parameter the
	// same way the daemon's other clients do.
	AccessToken string
	// Inactivity bounds the wait for the next event on every stream.
	// Zero disables the window.
	Inactivity time.Duration
	// Logger for wire-level diagnostics. Nil means slog.Default().
	Logger *slog.Logger
}

// Channel is one logical connection to a sandbox daemon.
type Channel struct {
	conn       *websocket.Conn
	logger     *slog.Logger
	inactivity time.Duration

	writeMu sync.Mutex // serializes outbound frames

	mu      sync.Mutex
	pending map[string]*Stream
	closed  bool

	readDone chan struct{}
}

// Dial establishes the session connection and starts the demultiplexing
// read loop.
func Dial(ctx context.Context, cfg Config) (*Channel, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dialURL := cfg.URL
	if cfg.AccessToken != "" {
		sep := "?"
		for _, ch := range dialURL {
			if ch == '?' {
				sep = "&"
				break
			}
		}
		dialURL += sep + "access_token=" + cfg.AccessToken
	}

	conn, _, err := websocket.Dial(ctx, dialURL, &websocket.DialOptions{
		Subprotocols: []string{"agentbox-envd-v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("dialing sandbox: %w", err)
	}
	// Streamed output is unbounded by nature; do not let the library's
	// default frame cap fail long-running commands.
	conn.SetReadLimit(-1)

	c := &Channel{
		conn:       conn,
		logger:     logger,
		inactivity: cfg.Inactivity,
		pending:    make(map[string]*Stream),
		readDone:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Send frames the request and returns the stream its events will arrive on.
// The request ID must be unique for the lifetime of the session; NewRequest
// guarantees that.
func (c *Channel) Send(ctx context.Context, req *protocol.Request) (*Stream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	if _, dup := c.pending[req.ID]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("duplicate request id %s", req.ID)
	}
	stream := NewStream(req.ID, c.inactivity)
	c.pending[req.ID] = stream
	c.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		c.forget(req.ID)
		return nil, err
	}

	c.writeMu.Lock()
	err = c.conn.Write(ctx, websocket.MessageText, data)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(req.ID)
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	return stream, nil
}

func (c *Channel) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop reads inbound envelopes and routes each to the stream awaiting
// its request ID. Events arriving for an already-finalized request are
// dropped; that is how drain-and-discard after an error marker works.
func (c *Channel) readLoop() {
	defer close(c.readDone)
	ctx := context.Background()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.failAll(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			return
		}

		var ev protocol.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("invalid message from sandbox", slog.String("error", err.Error()))
			continue
		}

		c.mu.Lock()
		stream, ok := c.pending[ev.RequestID]
		if ok && ev.Terminal() {
			delete(c.pending, ev.RequestID)
		}
		c.mu.Unlock()

		if !ok {
			c.logger.Debug("event for unknown or finalized request",
				slog.String("request_id", ev.RequestID),
				slog.String("type", string(ev.Type)),
			)
			continue
		}
		stream.Push(ev)
	}
}

// failAll terminates every in-flight stream. Each waiter observes the
// transport failure on its next read.
func (c *Channel) failAll(err error) {
	c.mu.Lock()
	streams := make([]*Stream, 0, len(c.pending))
	for _, s := range c.pending {
		streams = append(streams, s)
	}
	c.pending = make(map[string]*Stream)
	c.closed = true
	c.mu.Unlock()

	for _, s := range streams {
		s.Fail(err)
	}
	if len(streams) > 0 {
		c.logger.Warn("session connection lost",
			slog.Int("in_flight", len(streams)),
			slog.String("error", err.Error()),
		)
	}
}

// Close shuts the connection down. In-flight streams fail with
// ErrConnectionLost. Safe to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.conn.Close(websocket.StatusNormalClosure, "session closed")
	<-c.readDone
	return err
}
