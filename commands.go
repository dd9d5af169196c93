package agentbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ucloud/agentbox-go/internal/protocol"
	"github.com/ucloud/agentbox-go/internal/transport"
)

// RunOption configures one command execution.
type RunOption func(*runOptions)

type runOptions struct {
	cwd     string
	env     map[string]string
	user    string
	timeout time.Duration
	check   bool

	onStdout func(chunk string)
	onStderr func(chunk string)
}

// WithCwd sets the working directory for the command.
func WithCwd(cwd string) RunOption {
	return func(o *runOptions) { o.cwd = cwd }
}

// WithEnv sets environment variables for this command only.
func WithEnv(env map[string]string) RunOption {
	return func(o *runOptions) { o.env = env }
}

// WithUser runs the command as the given sandbox user.
func WithUser(user string) RunOption {
	return func(o *runOptions) { o.user = user }
}

// WithTimeout overrides the execution deadline for this command.
func WithTimeout(d time.Duration) RunOption {
	return func(o *runOptions) { o.timeout = d }
}

// WithCheck makes Run return a *CommandExitError on non-zero exit status.
func WithCheck() RunOption {
	return func(o *runOptions) { o.check = true }
}

// WithStdout streams stdout chunks to fn as they arrive, in addition to the
// aggregated result. fn is called from the goroutine running Run; a slow fn
// slows this command but never other traffic on the session.
func WithStdout(fn func(chunk string)) RunOption {
	return func(o *runOptions) { o.onStdout = fn }
}

// WithStderr streams stderr chunks to fn as they arrive.
func WithStderr(fn func(chunk string)) RunOption {
	return func(o *runOptions) { o.onStderr = fn }
}

// Run executes a shell command in the sandbox and blocks until it exits,
// returning its aggregated output and exit code.
//
// On an execution timeout Run returns the partial output collected so far,
// marked Partial with ExitCode -1, alongside ErrExecutionTimeout, and asks
// the daemon to kill the remote process on a best-effort basis.
func (s *Sandbox) Run(ctx context.Context, cmd string, opts ...RunOption) (*CommandResult, error) {
	o := &runOptions{timeout: s.execTimeout}
	for _, opt := range opts {
		opt(o)
	}

	start := time.Now()
	stream, err := s.send(ctx, protocol.ReqCommandRun, &protocol.CommandRunPayload{
		Cmd:       cmd,
		Cwd:       o.cwd,
		Env:       o.env,
		User:      o.user,
		TimeoutMs: o.timeout.Milliseconds(),
	})
	if err != nil {
		return nil, err
	}
	defer s.requestDone()

	res, err := s.collectCommand(ctx, stream, o)
	res.Duration = time.Since(start)
	s.recordExecution("command", err, res.Duration)
	if err != nil {
		return res, err
	}
	if o.check && res.ExitCode != 0 {
		return res, &CommandExitError{Result: res}
	}
	return res, nil
}

// CommandHandle tracks a command started in the background.
type CommandHandle struct {
	sb     *Sandbox
	stream *transport.Stream
	opts   *runOptions
	start  time.Time

	// PID of the remote process.
	PID int
}

// RunBackground starts a command without waiting for it to finish. The
// returned handle exposes the remote PID immediately; Wait collects the
// result and Kill terminates the process early.
func (s *Sandbox) RunBackground(ctx context.Context, cmd string, opts ...RunOption) (*CommandHandle, error) {
	o := &runOptions{timeout: s.execTimeout}
	for _, opt := range opts {
		opt(o)
	}

	start := time.Now()
	stream, err := s.send(ctx, protocol.ReqCommandRun, &protocol.CommandRunPayload{
		Cmd:        cmd,
		Cwd:        o.cwd,
		Env:        o.env,
		User:       o.user,
		Background: true,
		TimeoutMs:  o.timeout.Milliseconds(),
	})
	if err != nil {
		return nil, err
	}

	// The first event confirms the start and carries the PID.
	ev, err := stream.Next(ctx)
	if err != nil {
		s.requestDone()
		return nil, err
	}
	h := &CommandHandle{sb: s, stream: stream, opts: o, start: start}
	switch ev.Type {
	case protocol.EventStarted:
		var p protocol.StartedPayload
		if err := ev.Decode(&p); err != nil {
			s.requestDone()
			return nil, fmt.Errorf("decoding start event: %w", err)
		}
		h.PID = p.PID
	case protocol.EventError:
		s.requestDone()
		var p protocol.ErrorPayload
		if err := ev.Decode(&p); err != nil {
			return nil, fmt.Errorf("decoding error event: %w", err)
		}
		return nil, fmt.Errorf("starting command: %s", (&ExecutionError{Name: p.Name, Value: p.Value}).Error())
	default:
		s.requestDone()
		return nil, fmt.Errorf("unexpected first event %q for background command", ev.Type)
	}
	return h, nil
}

// Wait blocks until the command exits and returns its result. The handle is
// finished after Wait returns; further calls fail.
func (h *CommandHandle) Wait(ctx context.Context) (*CommandResult, error) {
	defer h.sb.requestDone()
	res, err := h.sb.collectCommand(ctx, h.stream, h.opts)
	res.PID = h.PID
	res.Duration = time.Since(h.start)
	h.sb.recordExecution("command", err, res.Duration)
	if err != nil {
		return res, err
	}
	if h.opts.check && res.ExitCode != 0 {
		return res, &CommandExitError{Result: res}
	}
	return res, nil
}

// Kill terminates the remote process. The pending Wait observes the stream's
// terminal event as usual.
func (h *CommandHandle) Kill(ctx context.Context) error {
	stream, err := h.sb.send(ctx, protocol.ReqCommandKill, &protocol.CommandKillPayload{PID: h.PID})
	if err != nil {
		return err
	}
	defer h.sb.requestDone()
	return drain(ctx, stream)
}

// collectCommand consumes a command stream to its terminal event, assembling
// the aggregated result and feeding live sinks along the way. On timeout or
// transport failure it returns whatever was collected, marked Partial.
func (s *Sandbox) collectCommand(ctx context.Context, stream *transport.Stream, o *runOptions) (*CommandResult, error) {
	var stdout, stderr strings.Builder
	res := &CommandResult{ExitCode: -1}

	deadline := time.Now().Add(o.timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.abandonCommand(res.PID)
			res.Stdout = stdout.String()
			res.Stderr = stderr.String()
			res.Partial = true
			return res, ErrExecutionTimeout
		}
		evCtx, cancel := context.WithTimeout(ctx, remaining)
		ev, err := stream.Next(evCtx)
		cancel()
		if err != nil {
			res.Stdout = stdout.String()
			res.Stderr = stderr.String()
			if errors.Is(err, transport.ErrStreamDone) {
				return res, nil
			}
			res.Partial = true
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				s.abandonCommand(res.PID)
				return res, ErrExecutionTimeout
			}
			return res, err
		}

		switch ev.Type {
		case protocol.EventStarted:
			var p protocol.StartedPayload
			if err := ev.Decode(&p); err == nil {
				res.PID = p.PID
			}
		case protocol.EventStdout:
			var p protocol.ChunkPayload
			if err := ev.Decode(&p); err != nil {
				continue
			}
			stdout.Write(p.Data)
			s.recordChunk("stdout", len(p.Data))
			if o.onStdout != nil {
				o.onStdout(string(p.Data))
			}
		case protocol.EventStderr:
			var p protocol.ChunkPayload
			if err := ev.Decode(&p); err != nil {
				continue
			}
			stderr.Write(p.Data)
			s.recordChunk("stderr", len(p.Data))
			if o.onStderr != nil {
				o.onStderr(string(p.Data))
			}
		case protocol.EventEnd:
			var p protocol.EndPayload
			if err := ev.Decode(&p); err == nil && p.ExitCode != nil {
				res.ExitCode = *p.ExitCode
			}
			res.Stdout = stdout.String()
			res.Stderr = stderr.String()
			return res, nil
		case protocol.EventError:
			var p protocol.ErrorPayload
			res.Stdout = stdout.String()
			res.Stderr = stderr.String()
			res.Partial = true
			if err := ev.Decode(&p); err != nil {
				return res, fmt.Errorf("decoding error event: %w", err)
			}
			return res, fmt.Errorf("command failed: %s", (&ExecutionError{Name: p.Name, Value: p.Value, Traceback: p.Traceback}).Error())
		}
	}
}

// abandonCommand asks the daemon to kill a timed-out command. Best effort:
// the result the caller gets is already decided.
func (s *Sandbox) abandonCommand(pid int) {
	if pid <= 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
		defer cancel()
		stream, err := s.send(ctx, protocol.ReqCommandKill, &protocol.CommandKillPayload{PID: pid})
		if err != nil {
			return
		}
		defer s.requestDone()
		_ = drain(ctx, stream)
	}()
}

// drain consumes a stream to its terminal event, returning the error marker
// if one arrives.
func drain(ctx context.Context, stream *transport.Stream) error {
	for {
		ev, err := stream.Next(ctx)
		if errors.Is(err, transport.ErrStreamDone) {
			return nil
		}
		if err != nil {
			return err
		}
		if ev.Type == protocol.EventError {
			var p protocol.ErrorPayload
			if err := ev.Decode(&p); err != nil {
				return fmt.Errorf("decoding error event: %w", err)
			}
			return &ExecutionError{Name: p.Name, Value: p.Value, Traceback: p.Traceback}
		}
	}
}

func (s *Sandbox) recordExecution(kind string, err error, d time.Duration) {
	m := s.obs.MetricsOrNil()
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(kind, statusLabel(err)).Inc()
	m.ExecutionDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (s *Sandbox) recordChunk(stream string, n int) {
	m := s.obs.MetricsOrNil()
	if m == nil {
		return
	}
	m.StreamBytesTotal.WithLabelValues(stream).Add(float64(n))
	m.StreamEventsTotal.WithLabelValues(stream).Inc()
}
