package agentbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ucloud/agentbox-go/internal/protocol"
	"github.com/ucloud/agentbox-go/internal/transport"
)

// commandHandler answers command.run with scripted chunks and exit code, and
// command.kill with a clean end.
func commandHandler(t *testing.T, stdout, stderr []string, exitCode int) daemonHandler {
	return func(req *protocol.Request, st *transport.Stream) {
		switch req.Type {
		case protocol.ReqCommandRun:
			push(t, st, protocol.EventStarted, req.ID, protocol.StartedPayload{PID: 321})
			for _, chunk := range stdout {
				push(t, st, protocol.EventStdout, req.ID, protocol.ChunkPayload{Data: []byte(chunk)})
			}
			for _, chunk := range stderr {
				push(t, st, protocol.EventStderr, req.ID, protocol.ChunkPayload{Data: []byte(chunk)})
			}
			endWithCode(t, st, req.ID, exitCode)
		case protocol.ReqCommandKill:
			push(t, st, protocol.EventEnd, req.ID, nil)
		}
	}
}

func TestRun_AggregatesOutput(t *testing.T) {
	sb, _, _ := newTestSandbox(t, commandHandler(t,
		[]string{"line 1\n", "line 2\n"}, []string{"warning\n"}, 0))

	res, err := sb.Run(context.Background(), "some command")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stdout != "line 1\nline 2\n" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
	if res.Stderr != "warning\n" {
		t.Errorf("Stderr = %q", res.Stderr)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d", res.ExitCode)
	}
	if res.Partial {
		t.Error("completed run must not be Partial")
	}
	if res.PID != 321 {
		t.Errorf("PID = %d", res.PID)
	}
	if res.Duration <= 0 {
		t.Error("Duration not recorded")
	}
}

func TestRun_NonZeroExitIsNotError(t *testing.T) {
	sb, _, _ := newTestSandbox(t, commandHandler(t, nil, []string{"boom\n"}, 3))

	res, err := sb.Run(context.Background(), "failing command")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
}

func TestRun_WithCheck(t *testing.T) {
	sb, _, _ := newTestSandbox(t, commandHandler(t, nil, []string{"boom\n"}, 3))

	res, err := sb.Run(context.Background(), "failing command", WithCheck())
	var exitErr *CommandExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("err = %v, want *CommandExitError", err)
	}
	if exitErr.Result.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", exitErr.Result.ExitCode)
	}
	// The full result stays available alongside the error.
	if res == nil || res.Stderr != "boom\n" {
		t.Errorf("res = %+v", res)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error message %q missing stderr", err.Error())
	}
}

func TestRun_LiveSinks(t *testing.T) {
	sb, _, _ := newTestSandbox(t, commandHandler(t,
		[]string{"a", "b", "c"}, []string{"e1"}, 0))

	var mu sync.Mutex
	var gotOut, gotErr []string
	res, err := sb.Run(context.Background(), "cmd",
		WithStdout(func(chunk string) {
			mu.Lock()
			gotOut = append(gotOut, chunk)
			mu.Unlock()
		}),
		WithStderr(func(chunk string) {
			mu.Lock()
			gotErr = append(gotErr, chunk)
			mu.Unlock()
		}),
	)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(gotOut, "") != "abc" {
		t.Errorf("stdout chunks = %v", gotOut)
	}
	if strings.Join(gotErr, "") != "e1" {
		t.Errorf("stderr chunks = %v", gotErr)
	}
	// Aggregation still happens alongside the sinks.
	if res.Stdout != "abc" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
}

func TestRun_PassesOptions(t *testing.T) {
	var got protocol.CommandRunPayload
	handler := func(req *protocol.Request, st *transport.Stream) {
		if req.Type == protocol.ReqCommandRun {
			_ = decodePayload(req, &got)
		}
		endWithCode(t, st, req.ID, 0)
	}
	sb, _, _ := newTestSandbox(t, handler)

	_, err := sb.Run(context.Background(), "make test",
		WithCwd("/repo"),
		WithEnv(map[string]string{"CI": "1"}),
		WithUser("builder"),
		WithTimeout(90*time.Second),
	)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Cmd != "make test" || got.Cwd != "/repo" || got.User != "builder" {
		t.Errorf("payload = %+v", got)
	}
	if got.Env["CI"] != "1" {
		t.Errorf("env = %v", got.Env)
	}
	if got.TimeoutMs != 90_000 {
		t.Errorf("timeout_ms = %d", got.TimeoutMs)
	}
}

// A command that outlives its deadline yields the partial output, an
// unmistakable exit code, and a best-effort remote kill.
func TestRun_TimeoutReturnsPartial(t *testing.T) {
	handler := func(req *protocol.Request, st *transport.Stream) {
		switch req.Type {
		case protocol.ReqCommandRun:
			push(t, st, protocol.EventStarted, req.ID, protocol.StartedPayload{PID: 55})
			push(t, st, protocol.EventStdout, req.ID, protocol.ChunkPayload{Data: []byte("partial out")})
			// Never terminates.
		case protocol.ReqCommandKill:
			push(t, st, protocol.EventEnd, req.ID, nil)
		}
	}
	sb, _, fs := newTestSandbox(t, handler)

	res, err := sb.Run(context.Background(), "sleep forever", WithTimeout(50*time.Millisecond))
	if !errors.Is(err, ErrExecutionTimeout) {
		t.Fatalf("err = %v, want ErrExecutionTimeout", err)
	}
	if !res.Partial {
		t.Error("result must be marked Partial")
	}
	if res.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1", res.ExitCode)
	}
	if res.Stdout != "partial out" {
		t.Errorf("Stdout = %q", res.Stdout)
	}

	waitFor(t, time.Second, func() bool {
		return fs.count(protocol.ReqCommandKill) == 1
	}, "remote kill after timeout")
}

// A slow command must not delay an unrelated fast one on the same session.
func TestRun_ConcurrentCommandsIndependent(t *testing.T) {
	gate := make(chan struct{})
	handler := func(req *protocol.Request, st *transport.Stream) {
		var p protocol.CommandRunPayload
		_ = decodePayload(req, &p)
		if p.Cmd == "slow" {
			<-gate
		}
		push(t, st, protocol.EventStdout, req.ID, protocol.ChunkPayload{Data: []byte(p.Cmd)})
		endWithCode(t, st, req.ID, 0)
	}
	sb, _, _ := newTestSandbox(t, handler)
	ctx := context.Background()

	slowDone := make(chan *CommandResult, 1)
	go func() {
		res, _ := sb.Run(ctx, "slow")
		slowDone <- res
	}()

	res, err := sb.Run(ctx, "fast")
	if err != nil {
		t.Fatalf("fast Run: %v", err)
	}
	if res.Stdout != "fast" {
		t.Errorf("fast Stdout = %q", res.Stdout)
	}

	close(gate)
	slow := <-slowDone
	if slow.Stdout != "slow" {
		t.Errorf("slow Stdout = %q", slow.Stdout)
	}
}

func TestRunBackground(t *testing.T) {
	release := make(chan struct{})
	handler := func(req *protocol.Request, st *transport.Stream) {
		switch req.Type {
		case protocol.ReqCommandRun:
			push(t, st, protocol.EventStarted, req.ID, protocol.StartedPayload{PID: 777})
			go func() {
				<-release
				push(t, st, protocol.EventStdout, req.ID, protocol.ChunkPayload{Data: []byte("done")})
				endWithCode(t, st, req.ID, 0)
			}()
		case protocol.ReqCommandKill:
			push(t, st, protocol.EventEnd, req.ID, nil)
		}
	}
	sb, _, _ := newTestSandbox(t, handler)
	ctx := context.Background()

	h, err := sb.RunBackground(ctx, "server --listen")
	if err != nil {
		t.Fatalf("RunBackground: %v", err)
	}
	if h.PID != 777 {
		t.Errorf("PID = %d, want 777", h.PID)
	}

	close(release)
	res, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Stdout != "done" || res.ExitCode != 0 || res.PID != 777 {
		t.Errorf("res = %+v", res)
	}
}

func TestRunBackground_Kill(t *testing.T) {
	handler := func(req *protocol.Request, st *transport.Stream) {
		switch req.Type {
		case protocol.ReqCommandRun:
			push(t, st, protocol.EventStarted, req.ID, protocol.StartedPayload{PID: 88})
			// Stays running until killed; the daemon then ends the stream.
		case protocol.ReqCommandKill:
			push(t, st, protocol.EventEnd, req.ID, nil)
		}
	}
	sb, _, fs := newTestSandbox(t, handler)
	ctx := context.Background()

	h, err := sb.RunBackground(ctx, "spin")
	if err != nil {
		t.Fatalf("RunBackground: %v", err)
	}
	if err := h.Kill(ctx); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if fs.count(protocol.ReqCommandKill) != 1 {
		t.Errorf("kill requests = %d, want 1", fs.count(protocol.ReqCommandKill))
	}
}

func TestRun_ConnectionLostReturnsPartial(t *testing.T) {
	handler := func(req *protocol.Request, st *transport.Stream) {
		push(t, st, protocol.EventStdout, req.ID, protocol.ChunkPayload{Data: []byte("so far")})
		st.Fail(transport.ErrConnectionLost)
	}
	sb, _, _ := newTestSandbox(t, handler)

	res, err := sb.Run(context.Background(), "cmd")
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("err = %v, want ErrConnectionLost", err)
	}
	if !res.Partial || res.Stdout != "so far" || res.ExitCode != -1 {
		t.Errorf("res = %+v", res)
	}
}
