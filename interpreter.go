package agentbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ucloud/agentbox-go/internal/config"
	"github.com/ucloud/agentbox-go/internal/protocol"
	"github.com/ucloud/agentbox-go/internal/transport"
)

// DefaultLanguage is the interpreter language used when none is specified.
const DefaultLanguage = "python"

// CodeInterpreter is a sandbox provisioned from the code-interpreter
// template. It adds nothing beyond the Sandbox surface; the type exists so
// call sites state what kind of sandbox they expect.
type CodeInterpreter struct {
	*Sandbox
}

// NewCodeInterpreter provisions a sandbox able to run interpreted code with
// persistent state between submissions.
func NewCodeInterpreter(ctx context.Context, opts ...Option) (*CodeInterpreter, error) {
	o, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	if o.template == "" {
		o.template = config.DefaultCodeTemplate
	}
	sb, err := provision(ctx, o)
	if err != nil {
		return nil, err
	}
	if sb.caps&capCode == 0 {
		_ = sb.Close(ctx)
		return nil, fmt.Errorf("%w: template %q has no code interpreter", ErrCapabilityUnavailable, sb.template)
	}
	return &CodeInterpreter{Sandbox: sb}, nil
}

// Context is one persistent interpreter state: variables, imports and working
// directory survive across submissions routed to it. Contexts within a
// sandbox are fully isolated from one another.
type Context struct {
	ID       string
	Language string
	Cwd      string
}

// contextState serializes executions on one context. Runs queue FIFO: each
// waiter holds a ticket and ownership passes directly from the finishing run
// to the oldest waiter, so submission order is execution order.
type contextState struct {
	mu       sync.Mutex
	busy     bool
	poisoned bool
	waiters  []chan struct{}
}

// acquire blocks until this goroutine owns the context, respecting FIFO
// order among concurrent callers.
func (cs *contextState) acquire(ctx context.Context) error {
	cs.mu.Lock()
	if cs.poisoned {
		cs.mu.Unlock()
		return ErrContextPoisoned
	}
	if !cs.busy {
		cs.busy = true
		cs.mu.Unlock()
		return nil
	}
	ticket := make(chan struct{})
	cs.waiters = append(cs.waiters, ticket)
	cs.mu.Unlock()

	select {
	case <-ticket:
		cs.mu.Lock()
		poisoned := cs.poisoned
		cs.mu.Unlock()
		if poisoned {
			// Ownership was handed to us after the previous run poisoned the
			// context; pass it on so every waiter fails fast.
			cs.release()
			return ErrContextPoisoned
		}
		return nil
	case <-ctx.Done():
		cs.mu.Lock()
		for i, w := range cs.waiters {
			if w == ticket {
				cs.waiters = append(cs.waiters[:i], cs.waiters[i+1:]...)
				cs.mu.Unlock()
				return ctx.Err()
			}
		}
		cs.mu.Unlock()
		// Ownership was granted between Done firing and the removal attempt;
		// hand it back or the queue stalls forever.
		cs.release()
		return ctx.Err()
	}
}

// release hands ownership to the oldest waiter, or marks the context free.
func (cs *contextState) release() {
	cs.mu.Lock()
	if len(cs.waiters) > 0 {
		next := cs.waiters[0]
		cs.waiters = cs.waiters[1:]
		cs.mu.Unlock()
		close(next)
		return
	}
	cs.busy = false
	cs.mu.Unlock()
}

// poison marks the context unusable. Called before release on an execution
// timeout: the remote interpreter may still be busy running the abandoned
// submission, so routing more code at it would interleave with unknown state.
func (cs *contextState) poison() {
	cs.mu.Lock()
	cs.poisoned = true
	cs.mu.Unlock()
}

// contextRegistry tracks per-context serialization state and the lazily
// created default context per language.
type contextRegistry struct {
	sb *Sandbox

	mu       sync.Mutex
	states   map[string]*contextState
	defaults map[string]*Context
}

func newContextRegistry(sb *Sandbox) *contextRegistry {
	return &contextRegistry{
		sb:       sb,
		states:   make(map[string]*contextState),
		defaults: make(map[string]*Context),
	}
}

func (r *contextRegistry) state(id string) *contextState {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.states[id]
	if !ok {
		cs = &contextState{}
		r.states[id] = cs
	}
	return cs
}

// defaultContext returns the default context for a language, creating it on
// first use.
func (r *contextRegistry) defaultContext(ctx context.Context, language string) (*Context, error) {
	r.mu.Lock()
	c, ok := r.defaults[language]
	r.mu.Unlock()
	if ok {
		return c, nil
	}

	c, err := r.sb.CreateContext(ctx, language)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another goroutine may have raced the creation; keep the first one and
	// let the extra context idle, it holds no resources worth a round trip.
	if existing, ok := r.defaults[language]; ok {
		return existing, nil
	}
	r.defaults[language] = c
	return c, nil
}

// forget drops the default-context binding for a removed context. Its
// poisoned serialization state stays behind so late runs addressed at the
// dead context fail fast instead of resurrecting it.
func (r *contextRegistry) forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for lang, c := range r.defaults {
		if c.ID == id {
			delete(r.defaults, lang)
		}
	}
}

func (r *contextRegistry) reset(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Fresh state: not busy, not poisoned, no waiters. Anything queued on the
	// old state was failed by the poison pass-along.
	r.states[id] = &contextState{}
}

// CodeOption configures one code execution.
type CodeOption func(*codeOptions)

type codeOptions struct {
	context  *Context
	language string
	env      map[string]string
	timeout  time.Duration
	check    bool

	onOutput func(msg OutputMessage)
	onResult func(r *Result)
}

// WithContext routes the submission to an explicit interpreter context.
func WithContext(c *Context) CodeOption {
	return func(o *codeOptions) { o.context = c }
}

// WithLanguage selects the interpreter language for the default context.
// Ignored when WithContext is given; a context's language is fixed at
// creation.
func WithLanguage(language string) CodeOption {
	return func(o *codeOptions) { o.language = language }
}

// WithCodeEnv sets environment variables for this submission only.
func WithCodeEnv(env map[string]string) CodeOption {
	return func(o *codeOptions) { o.env = env }
}

// WithCodeTimeout overrides the execution deadline for this submission.
func WithCodeTimeout(d time.Duration) CodeOption {
	return func(o *codeOptions) { o.timeout = d }
}

// WithCodeCheck makes RunCode return the interpreter's *ExecutionError as the
// error when the run raised, instead of only carrying it on the Execution.
func WithCodeCheck() CodeOption {
	return func(o *codeOptions) { o.check = true }
}

// WithOnOutput streams log lines to fn as they arrive.
func WithOnOutput(fn func(msg OutputMessage)) CodeOption {
	return func(o *codeOptions) { o.onOutput = fn }
}

// WithOnResult streams displayed values to fn as they arrive.
func WithOnResult(fn func(r *Result)) CodeOption {
	return func(o *codeOptions) { o.onResult = fn }
}

// RunCode executes a code fragment in a persistent interpreter context and
// blocks until the submission finishes, returning everything it produced.
//
// Submissions to the same context are serialized in call order; submissions
// to different contexts run concurrently. Without WithContext the fragment
// runs in the sandbox's default context for the language, created on first
// use.
//
// A runtime error inside the code is not an error from RunCode: it comes
// back as Execution.Error so partial output stays accessible. On an
// execution timeout the context is poisoned, the partial Execution collected
// so far is returned alongside ErrExecutionTimeout, and further runs on that
// context fail fast with ErrContextPoisoned until RestartContext.
func (s *Sandbox) RunCode(ctx context.Context, code string, opts ...CodeOption) (*Execution, error) {
	if err := s.requireCode(); err != nil {
		return nil, err
	}
	o := &codeOptions{language: DefaultLanguage, timeout: s.execTimeout}
	for _, opt := range opts {
		opt(o)
	}

	// An empty submission has nothing to run; finalize immediately.
	if strings.TrimSpace(code) == "" {
		return &Execution{Context: o.context}, nil
	}

	target := o.context
	if target == nil {
		var err error
		target, err = s.contexts.defaultContext(ctx, o.language)
		if err != nil {
			return nil, err
		}
	}

	cs := s.contexts.state(target.ID)
	if err := cs.acquire(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	stream, err := s.send(ctx, protocol.ReqCodeRun, &protocol.CodeRunPayload{
		Code:      code,
		ContextID: target.ID,
		Env:       o.env,
	})
	if err != nil {
		cs.release()
		return nil, err
	}

	exec, err := s.collectExecution(ctx, stream, target, o)
	s.requestDone()
	s.recordExecution("code", err, time.Since(start))
	if errors.Is(err, ErrExecutionTimeout) {
		cs.poison()
	}
	cs.release()

	if err != nil {
		return exec, err
	}
	if o.check && exec.Error != nil {
		return exec, exec.Error
	}
	return exec, nil
}

// collectExecution consumes a code stream to its terminal event, assembling
// the Execution. An error marker finalizes the run as data, not as an error.
func (s *Sandbox) collectExecution(ctx context.Context, stream *transport.Stream, target *Context, o *codeOptions) (*Execution, error) {
	exec := &Execution{Context: target}

	deadline := time.Now().Add(o.timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return exec, ErrExecutionTimeout
		}
		evCtx, cancel := context.WithTimeout(ctx, remaining)
		ev, err := stream.Next(evCtx)
		cancel()
		if err != nil {
			if errors.Is(err, transport.ErrStreamDone) {
				return exec, nil
			}
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return exec, ErrExecutionTimeout
			}
			return exec, err
		}

		switch ev.Type {
		case protocol.EventStdout, protocol.EventStderr:
			var p protocol.ChunkPayload
			if err := ev.Decode(&p); err != nil {
				continue
			}
			line := string(p.Data)
			stderr := ev.Type == protocol.EventStderr
			if stderr {
				exec.Logs.Stderr = append(exec.Logs.Stderr, line)
				s.recordChunk("stderr", len(p.Data))
			} else {
				exec.Logs.Stdout = append(exec.Logs.Stdout, line)
				s.recordChunk("stdout", len(p.Data))
			}
			if o.onOutput != nil {
				o.onOutput(OutputMessage{Line: line, Timestamp: ev.Timestamp, Stderr: stderr})
			}
		case protocol.EventResult:
			var p protocol.ResultPayload
			if err := ev.Decode(&p); err != nil {
				continue
			}
			r := newResult(&p)
			exec.Results = append(exec.Results, r)
			if o.onResult != nil {
				o.onResult(r)
			}
		case protocol.EventError:
			var p protocol.ErrorPayload
			if err := ev.Decode(&p); err != nil {
				return exec, fmt.Errorf("decoding error event: %w", err)
			}
			exec.Error = &ExecutionError{Name: p.Name, Value: p.Value, Traceback: p.Traceback}
			return exec, nil
		case protocol.EventEnd:
			return exec, nil
		}
	}
}

func (s *Sandbox) requireCode() error {
	if s.caps&capCode == 0 {
		return fmt.Errorf("%w: template %q has no code interpreter", ErrCapabilityUnavailable, s.template)
	}
	return nil
}

// CreateContext creates a fresh, isolated interpreter context for the given
// language. An empty language means DefaultLanguage.
func (s *Sandbox) CreateContext(ctx context.Context, language string, cwd ...string) (*Context, error) {
	if err := s.requireCode(); err != nil {
		return nil, err
	}
	if language == "" {
		language = DefaultLanguage
	}
	payload := &protocol.ContextCreatePayload{Language: language}
	if len(cwd) > 0 {
		payload.Cwd = cwd[0]
	}

	stream, err := s.send(ctx, protocol.ReqContextCreate, payload)
	if err != nil {
		return nil, err
	}
	defer s.requestDone()

	infos, err := collectContexts(ctx, stream)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, errors.New("daemon confirmed context creation without describing it")
	}
	return infos[0], nil
}

// ListContexts returns the interpreter contexts alive in the sandbox.
func (s *Sandbox) ListContexts(ctx context.Context) ([]*Context, error) {
	if err := s.requireCode(); err != nil {
		return nil, err
	}
	stream, err := s.send(ctx, protocol.ReqContextList, nil)
	if err != nil {
		return nil, err
	}
	defer s.requestDone()
	return collectContexts(ctx, stream)
}

// RemoveContext destroys an interpreter context and everything it holds.
// Queued runs on the context fail with ErrContextPoisoned.
func (s *Sandbox) RemoveContext(ctx context.Context, c *Context) error {
	if err := s.requireCode(); err != nil {
		return err
	}
	stream, err := s.send(ctx, protocol.ReqContextRemove, &protocol.ContextRefPayload{ContextID: c.ID})
	if err != nil {
		return err
	}
	defer s.requestDone()

	if err := drain(ctx, stream); err != nil {
		return fmt.Errorf("removing context %s: %w", c.ID, err)
	}
	s.contexts.state(c.ID).poison()
	s.contexts.forget(c.ID)
	return nil
}

// RestartContext restarts the interpreter process behind a context. All
// state in the context is lost; in exchange a poisoned context becomes
// usable again.
func (s *Sandbox) RestartContext(ctx context.Context, c *Context) error {
	if err := s.requireCode(); err != nil {
		return err
	}
	stream, err := s.send(ctx, protocol.ReqContextRestart, &protocol.ContextRefPayload{ContextID: c.ID})
	if err != nil {
		return err
	}
	defer s.requestDone()

	if err := drain(ctx, stream); err != nil {
		return fmt.Errorf("restarting context %s: %w", c.ID, err)
	}
	s.contexts.reset(c.ID)
	return nil
}

func collectContexts(ctx context.Context, stream *transport.Stream) ([]*Context, error) {
	var out []*Context
	for {
		ev, err := stream.Next(ctx)
		if errors.Is(err, transport.ErrStreamDone) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		switch ev.Type {
		case protocol.EventResult:
			var p protocol.ResultPayload
			if err := ev.Decode(&p); err != nil {
				return nil, fmt.Errorf("decoding context event: %w", err)
			}
			if p.Context != nil {
				out = append(out, &Context{ID: p.Context.ID, Language: p.Context.Language, Cwd: p.Context.Cwd})
			}
		case protocol.EventError:
			var p protocol.ErrorPayload
			if err := ev.Decode(&p); err != nil {
				return nil, fmt.Errorf("decoding error event: %w", err)
			}
			return nil, &ExecutionError{Name: p.Name, Value: p.Value, Traceback: p.Traceback}
		case protocol.EventEnd:
			return out, nil
		}
	}
}
