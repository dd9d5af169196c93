package agentbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ucloud/agentbox-go/internal/protocol"
	"github.com/ucloud/agentbox-go/internal/transport"
)

// fakeInterpreter emulates the daemon's interpreter side: isolated variable
// stores per context and a tiny command language.
//
//	set NAME VALUE   store a variable, no output
//	get NAME         display the value, or raise NameError
//	hang             accept the run and never finish
//	err              print "before" then raise RuntimeError
type fakeInterpreter struct {
	t *testing.T

	mu       sync.Mutex
	nextID   int
	vars     map[string]map[string]string // context ID -> variables
	inflight map[string]int               // context ID -> concurrent runs
	maxSeen  int
	runDelay time.Duration
}

func newFakeInterpreter(t *testing.T) *fakeInterpreter {
	return &fakeInterpreter{
		t:        t,
		vars:     make(map[string]map[string]string),
		inflight: make(map[string]int),
	}
}

func (f *fakeInterpreter) handle(req *protocol.Request, st *transport.Stream) {
	t := f.t
	switch req.Type {
	case protocol.ReqContextCreate:
		var p protocol.ContextCreatePayload
		_ = decodePayload(req, &p)
		f.mu.Lock()
		f.nextID++
		id := fmt.Sprintf("ctx-%d", f.nextID)
		f.vars[id] = make(map[string]string)
		f.mu.Unlock()
		push(t, st, protocol.EventResult, req.ID, protocol.ResultPayload{
			Context: &protocol.ContextInfo{ID: id, Language: p.Language},
		})
		push(t, st, protocol.EventEnd, req.ID, nil)

	case protocol.ReqContextList:
		f.mu.Lock()
		ids := make([]string, 0, len(f.vars))
		for id := range f.vars {
			ids = append(ids, id)
		}
		f.mu.Unlock()
		for _, id := range ids {
			push(t, st, protocol.EventResult, req.ID, protocol.ResultPayload{
				Context: &protocol.ContextInfo{ID: id},
			})
		}
		push(t, st, protocol.EventEnd, req.ID, nil)

	case protocol.ReqContextRemove:
		var p protocol.ContextRefPayload
		_ = decodePayload(req, &p)
		f.mu.Lock()
		delete(f.vars, p.ContextID)
		f.mu.Unlock()
		push(t, st, protocol.EventEnd, req.ID, nil)

	case protocol.ReqContextRestart:
		var p protocol.ContextRefPayload
		_ = decodePayload(req, &p)
		f.mu.Lock()
		f.vars[p.ContextID] = make(map[string]string)
		f.mu.Unlock()
		push(t, st, protocol.EventEnd, req.ID, nil)

	case protocol.ReqCodeRun:
		var p protocol.CodeRunPayload
		_ = decodePayload(req, &p)
		f.runCode(p, req.ID, st)
	}
}

func (f *fakeInterpreter) runCode(p protocol.CodeRunPayload, reqID string, st *transport.Stream) {
	t := f.t

	f.mu.Lock()
	f.inflight[p.ContextID]++
	if f.inflight[p.ContextID] > f.maxSeen {
		f.maxSeen = f.inflight[p.ContextID]
	}
	delay := f.runDelay
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inflight[p.ContextID]--
		f.mu.Unlock()
	}()

	if delay > 0 {
		time.Sleep(delay)
	}

	fields := strings.Fields(p.Code)
	switch fields[0] {
	case "set":
		f.mu.Lock()
		if f.vars[p.ContextID] == nil {
			f.vars[p.ContextID] = make(map[string]string)
		}
		f.vars[p.ContextID][fields[1]] = fields[2]
		f.mu.Unlock()
		push(t, st, protocol.EventEnd, reqID, nil)

	case "get":
		f.mu.Lock()
		val, ok := f.vars[p.ContextID][fields[1]]
		f.mu.Unlock()
		if !ok {
			push(t, st, protocol.EventError, reqID, protocol.ErrorPayload{
				Name:      "NameError",
				Value:     fmt.Sprintf("name '%s' is not defined", fields[1]),
				Traceback: []string{"Traceback (most recent call last):", "NameError"},
			})
			return
		}
		push(t, st, protocol.EventResult, reqID, protocol.ResultPayload{
			Bundle:       map[string][]byte{"text/plain": []byte(val)},
			IsMainResult: true,
		})
		push(t, st, protocol.EventEnd, reqID, nil)

	case "hang":
		push(t, st, protocol.EventStarted, reqID, nil)
		// Never terminates.

	case "err":
		push(t, st, protocol.EventStdout, reqID, protocol.ChunkPayload{Data: []byte("before\n")})
		push(t, st, protocol.EventError, reqID, protocol.ErrorPayload{
			Name:  "RuntimeError",
			Value: "boom",
		})

	default:
		push(t, st, protocol.EventEnd, reqID, nil)
	}
}

func newTestInterpreter(t *testing.T, opts ...Option) (*Sandbox, *fakeInterpreter, *fakeSession) {
	t.Helper()
	fi := newFakeInterpreter(t)
	sb, _, fs := newTestSandbox(t, fi.handle,
		append([]Option{WithTemplate("code-interpreter")}, opts...)...)
	return sb, fi, fs
}

func TestRunCode_DefaultContextPersistsState(t *testing.T) {
	sb, _, fs := newTestInterpreter(t)
	ctx := context.Background()

	if _, err := sb.RunCode(ctx, "set x 41"); err != nil {
		t.Fatalf("set: %v", err)
	}
	exec, err := sb.RunCode(ctx, "get x")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if exec.Text() != "41" {
		t.Errorf("Text() = %q, want %q", exec.Text(), "41")
	}
	// Both runs shared one lazily created default context.
	if n := fs.count(protocol.ReqContextCreate); n != 1 {
		t.Errorf("context.create requests = %d, want 1", n)
	}
}

func TestRunCode_ContextIsolation(t *testing.T) {
	sb, _, _ := newTestInterpreter(t)
	ctx := context.Background()

	c1, err := sb.CreateContext(ctx, "python")
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	c2, err := sb.CreateContext(ctx, "python")
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	if _, err := sb.RunCode(ctx, "set x 1", WithContext(c1)); err != nil {
		t.Fatalf("set in c1: %v", err)
	}

	exec, err := sb.RunCode(ctx, "get x", WithContext(c2))
	if err != nil {
		t.Fatalf("get in c2: %v", err)
	}
	if exec.Error == nil || exec.Error.Name != "NameError" {
		t.Errorf("c2 Error = %+v, want NameError", exec.Error)
	}

	exec, err = sb.RunCode(ctx, "get x", WithContext(c1))
	if err != nil {
		t.Fatalf("get in c1: %v", err)
	}
	if exec.Text() != "1" {
		t.Errorf("c1 Text() = %q, want %q", exec.Text(), "1")
	}
}

func TestRunCode_EmptySubmissionShortCircuits(t *testing.T) {
	sb, _, fs := newTestInterpreter(t)

	exec, err := sb.RunCode(context.Background(), "   \n\t")
	if err != nil {
		t.Fatalf("RunCode: %v", err)
	}
	if len(exec.Results) != 0 || exec.Error != nil {
		t.Errorf("exec = %+v, want empty", exec)
	}
	if fs.total() != 0 {
		t.Errorf("empty submission sent %d requests, want 0", fs.total())
	}
}

func TestRunCode_RuntimeErrorIsData(t *testing.T) {
	sb, _, _ := newTestInterpreter(t)
	ctx := context.Background()

	exec, err := sb.RunCode(ctx, "err")
	if err != nil {
		t.Fatalf("RunCode: %v", err)
	}
	if exec.Error == nil || exec.Error.Name != "RuntimeError" || exec.Error.Value != "boom" {
		t.Errorf("Error = %+v", exec.Error)
	}
	// Output produced before the raise is preserved.
	if len(exec.Logs.Stdout) != 1 || exec.Logs.Stdout[0] != "before\n" {
		t.Errorf("Stdout = %v", exec.Logs.Stdout)
	}
}

func TestRunCode_WithCodeCheck(t *testing.T) {
	sb, _, _ := newTestInterpreter(t)

	_, err := sb.RunCode(context.Background(), "err", WithCodeCheck())
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("err = %v, want *ExecutionError", err)
	}
	if execErr.Name != "RuntimeError" {
		t.Errorf("Name = %q", execErr.Name)
	}
	if got := execErr.Error(); got != "RuntimeError: boom" {
		t.Errorf("Error() = %q", got)
	}
}

func TestRunCode_TimeoutPoisonsContext(t *testing.T) {
	sb, _, fs := newTestInterpreter(t)
	ctx := context.Background()

	c, err := sb.CreateContext(ctx, "python")
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	_, err = sb.RunCode(ctx, "hang", WithContext(c), WithCodeTimeout(50*time.Millisecond))
	if !errors.Is(err, ErrExecutionTimeout) {
		t.Fatalf("err = %v, want ErrExecutionTimeout", err)
	}

	// The context is poisoned: the next run fails fast, before any request
	// reaches the daemon.
	runs := fs.count(protocol.ReqCodeRun)
	if _, err := sb.RunCode(ctx, "get x", WithContext(c)); !errors.Is(err, ErrContextPoisoned) {
		t.Fatalf("err = %v, want ErrContextPoisoned", err)
	}
	if fs.count(protocol.ReqCodeRun) != runs {
		t.Error("poisoned context still sent code to the daemon")
	}

	// Restart clears the poison; the context is fresh.
	if err := sb.RestartContext(ctx, c); err != nil {
		t.Fatalf("RestartContext: %v", err)
	}
	if _, err := sb.RunCode(ctx, "set y 2", WithContext(c)); err != nil {
		t.Fatalf("run after restart: %v", err)
	}
	exec, err := sb.RunCode(ctx, "get y", WithContext(c))
	if err != nil {
		t.Fatalf("get after restart: %v", err)
	}
	if exec.Text() != "2" {
		t.Errorf("Text() = %q, want 2", exec.Text())
	}
}

// Runs on one context never overlap, even under concurrent submission.
func TestRunCode_SerializedPerContext(t *testing.T) {
	sb, fi, _ := newTestInterpreter(t)
	fi.runDelay = 5 * time.Millisecond
	ctx := context.Background()

	c, err := sb.CreateContext(ctx, "python")
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := sb.RunCode(ctx, fmt.Sprintf("set v%d 1", i), WithContext(c)); err != nil {
				t.Errorf("run %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	fi.mu.Lock()
	defer fi.mu.Unlock()
	if fi.maxSeen > 1 {
		t.Errorf("max concurrent runs on one context = %d, want 1", fi.maxSeen)
	}
}

// Runs on different contexts proceed independently: a stalled context must
// not delay another.
func TestRunCode_ContextsRunConcurrently(t *testing.T) {
	sb, _, _ := newTestInterpreter(t)
	ctx := context.Background()

	slow, err := sb.CreateContext(ctx, "python")
	if err != nil {
		t.Fatal(err)
	}
	fast, err := sb.CreateContext(ctx, "python")
	if err != nil {
		t.Fatal(err)
	}

	slowDone := make(chan error, 1)
	go func() {
		// Runs into its deadline while the fast context works.
		_, err := sb.RunCode(ctx, "hang", WithContext(slow), WithCodeTimeout(300*time.Millisecond))
		slowDone <- err
	}()

	start := time.Now()
	if _, err := sb.RunCode(ctx, "set a 1", WithContext(fast)); err != nil {
		t.Fatalf("fast run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("fast context waited %v behind the slow one", elapsed)
	}

	if err := <-slowDone; !errors.Is(err, ErrExecutionTimeout) {
		t.Errorf("slow err = %v, want ErrExecutionTimeout", err)
	}
}

func TestRunCode_QueuedRunsFailAfterPoison(t *testing.T) {
	sb, _, _ := newTestInterpreter(t)
	ctx := context.Background()

	c, err := sb.CreateContext(ctx, "python")
	if err != nil {
		t.Fatal(err)
	}

	// Occupy the context with a run that will time out.
	firstDone := make(chan error, 1)
	go func() {
		_, err := sb.RunCode(ctx, "hang", WithContext(c), WithCodeTimeout(100*time.Millisecond))
		firstDone <- err
	}()

	// Queue a second run behind it while the first is still in flight.
	time.Sleep(20 * time.Millisecond)
	secondDone := make(chan error, 1)
	go func() {
		_, err := sb.RunCode(ctx, "get x", WithContext(c))
		secondDone <- err
	}()

	if err := <-firstDone; !errors.Is(err, ErrExecutionTimeout) {
		t.Fatalf("first err = %v, want ErrExecutionTimeout", err)
	}
	if err := <-secondDone; !errors.Is(err, ErrContextPoisoned) {
		t.Errorf("queued err = %v, want ErrContextPoisoned", err)
	}
}

// Queued waiters are granted in the order they arrived.
func TestContextState_FIFOOrder(t *testing.T) {
	cs := &contextState{}
	ctx := context.Background()
	if err := cs.acquire(ctx); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := cs.acquire(ctx); err != nil {
				t.Errorf("acquire %d: %v", i, err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			cs.release()
		}(i)
		// Wait until this waiter is queued so arrival order is fixed.
		waitFor(t, time.Second, func() bool {
			cs.mu.Lock()
			defer cs.mu.Unlock()
			return len(cs.waiters) == i
		}, "waiter queued")
	}

	cs.release()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i+1 {
			t.Fatalf("grant order = %v, want [1 2 3]", order)
		}
	}
}

func TestContextState_CancelWhileQueued(t *testing.T) {
	cs := &contextState{}
	if err := cs.acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cs.acquire(ctx) }()
	waitFor(t, time.Second, func() bool {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		return len(cs.waiters) == 1
	}, "waiter queued")

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	// The abandoned ticket must not wedge the queue.
	cs.release()
	if err := cs.acquire(context.Background()); err != nil {
		t.Fatalf("acquire after cancel: %v", err)
	}
}

func TestListAndRemoveContexts(t *testing.T) {
	sb, _, _ := newTestInterpreter(t)
	ctx := context.Background()

	c1, err := sb.CreateContext(ctx, "python")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sb.CreateContext(ctx, "javascript"); err != nil {
		t.Fatal(err)
	}

	list, err := sb.ListContexts(ctx)
	if err != nil {
		t.Fatalf("ListContexts: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}

	if err := sb.RemoveContext(ctx, c1); err != nil {
		t.Fatalf("RemoveContext: %v", err)
	}
	list, err = sb.ListContexts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("len after remove = %d, want 1", len(list))
	}

	// A removed context refuses further runs.
	if _, err := sb.RunCode(ctx, "get x", WithContext(c1)); !errors.Is(err, ErrContextPoisoned) {
		t.Errorf("run on removed context: err = %v, want ErrContextPoisoned", err)
	}
}

func TestRunCode_CapabilityGate(t *testing.T) {
	sb, _, fs := newTestSandbox(t, silentHandler(t), WithTemplate("base"))

	_, err := sb.RunCode(context.Background(), "set x 1")
	if !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("err = %v, want ErrCapabilityUnavailable", err)
	}
	if fs.total() != 0 {
		t.Error("capability check must fail before any network traffic")
	}
}

func TestNewCodeInterpreter_DefaultTemplate(t *testing.T) {
	cp := &fakeControlPlane{}
	fi := newFakeInterpreter(t)
	fs := &fakeSession{handler: fi.handle}

	ci, err := NewCodeInterpreter(context.Background(),
		WithAPIKey("k"), WithDomain("d.example.com"),
		withControlPlane(cp),
		withDialer(func(context.Context, transport.Config) (transport.Session, error) {
			return fs, nil
		}),
	)
	if err != nil {
		t.Fatalf("NewCodeInterpreter: %v", err)
	}
	defer ci.Close(context.Background())

	if ci.Template() != "code-interpreter" {
		t.Errorf("Template = %q", ci.Template())
	}
	if _, err := ci.RunCode(context.Background(), "set x 1"); err != nil {
		t.Errorf("RunCode: %v", err)
	}
}
