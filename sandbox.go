// Package agentbox is the Go SDK for UCloud AgentBox: isolated cloud
// sandboxes for running untrusted shell commands and AI-generated code, with
// optional stateful code interpretation and desktop automation.
//
// A Sandbox is a client-side handle to one remote sandbox. Provisioning and
// teardown go through the control plane; everything that happens inside a
// running sandbox flows over a single multiplexed session channel to the
// daemon inside it.
package agentbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/ucloud/agentbox-go/internal/api"
	"github.com/ucloud/agentbox-go/internal/config"
	"github.com/ucloud/agentbox-go/internal/observability"
	"github.com/ucloud/agentbox-go/internal/protocol"
	"github.com/ucloud/agentbox-go/internal/ratelimit"
	"github.com/ucloud/agentbox-go/internal/transport"
)

// capability is a feature set a sandbox template enables.
type capability int

const (
	capCommands capability = 1 << iota
	capCode
	capDesktop
)

// capabilitiesFor maps a template to the features its image ships. Custom
// templates built on the code-interpreter or desktop base images follow the
// naming convention of their base.
func capabilitiesFor(template string) capability {
	caps := capCommands
	switch template {
	case config.DefaultCodeTemplate:
		caps |= capCode
	case config.DefaultDesktopTemplate:
		caps |= capCode | capDesktop
	}
	return caps
}

// SandboxInfo is the control plane's description of one sandbox.
type SandboxInfo struct {
	SandboxID   string
	TemplateID  string
	EnvdVersion string
	StartedAt   string
	EndAt       string
}

func newSandboxInfo(d *api.SandboxDetail) SandboxInfo {
	return SandboxInfo{
		SandboxID:   d.SandboxID,
		TemplateID:  d.TemplateID,
		EnvdVersion: d.EnvdVersion,
		StartedAt:   d.StartedAt,
		EndAt:       d.EndAt,
	}
}

// Sandbox is a handle to one remote sandbox. All methods are safe for
// concurrent use; independent operations over the same sandbox proceed in
// parallel over the shared session channel.
type Sandbox struct {
	id       string
	template string
	caps     capability

	cfg     *config.Config
	cp      controlPlane
	session transport.Session
	obs     *observability.Observability
	limiter *ratelimit.Limiter
	logger  *slog.Logger

	execTimeout time.Duration

	mu         sync.Mutex
	closed     bool
	closeErr   error
	lastUsed   time.Time
	idleWindow time.Duration
	keepAlive  *cron.Cron

	// Interpreter context registry, populated lazily by RunCode.
	contexts *contextRegistry
}

// Create provisions a new sandbox and connects to the daemon inside it.
// The returned handle owns the session connection; callers must Close it.
func Create(ctx context.Context, opts ...Option) (*Sandbox, error) {
	o, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	if o.template == "" {
		o.template = config.DefaultTemplate
	}
	return provision(ctx, o)
}

// Connect attaches a new handle to an already-running sandbox, for example
// one created by another process. A sandbox that expired or crashed cannot
// be resumed: Connect fails with ErrNotFound and the caller must Create a
// fresh one.
func Connect(ctx context.Context, sandboxID string, opts ...Option) (*Sandbox, error) {
	o, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	if err := o.allow("connect"); err != nil {
		return nil, err
	}

	detail, err := o.cp.Connect(ctx, sandboxID, int(o.sandboxTimeout.Seconds()))
	if err != nil {
		return nil, err
	}
	return attach(ctx, o, detail)
}

// List returns all running sandboxes for the authenticated account.
func List(ctx context.Context, opts ...Option) ([]SandboxInfo, error) {
	o, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	if err := o.allow("list"); err != nil {
		return nil, err
	}
	details, err := o.cp.List(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]SandboxInfo, len(details))
	for i := range details {
		infos[i] = newSandboxInfo(&details[i])
	}
	return infos, nil
}

// Kill tears down a sandbox by ID without holding a handle to it.
func Kill(ctx context.Context, sandboxID string, opts ...Option) error {
	o, err := resolveOptions(opts)
	if err != nil {
		return err
	}
	if err := o.allow("kill"); err != nil {
		return err
	}
	return o.cp.Kill(ctx, sandboxID)
}

// resolveOptions applies opts over the loaded configuration and fills in the
// control plane and dialer when the caller did not inject them.
func resolveOptions(opts []Option) (*sandboxOptions, error) {
	o, err := newSandboxOptions()
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(o)
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.cp == nil {
		o.cp = api.New(o.cfg.ControlPlaneURL(), o.cfg.APIKey, o.cfg.RequestTimeout, o.logger)
	}
	if o.limiter == nil && o.cfg.Limits != nil {
		o.limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: o.cfg.Limits.RequestsPerMinute,
			BurstSize:         o.cfg.Limits.BurstSize,
		})
	}
	if o.dial == nil {
		o.dial = func(ctx context.Context, cfg transport.Config) (transport.Session, error) {
			return transport.Dial(ctx, cfg)
		}
	}
	return o, nil
}

func (o *sandboxOptions) allow(op string) error {
	if o.limiter == nil {
		return nil
	}
	if err := o.limiter.Allow(op); err != nil {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return nil
}

// allow applies the client-side limiter to a per-handle control-plane call.
func (s *Sandbox) allow(op string) error {
	if s.limiter == nil {
		return nil
	}
	if err := s.limiter.Allow(op); err != nil {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return nil
}

func provision(ctx context.Context, o *sandboxOptions) (*Sandbox, error) {
	if err := o.allow("create"); err != nil {
		return nil, err
	}

	obs, err := observability.New(o.cfg.Observability)
	if err != nil {
		return nil, err
	}
	tracer := obs.TracerOrNoop()
	ctx, span := tracer.Start(ctx, "sandbox.create",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	detail, err := o.cp.Create(ctx, &api.CreateRequest{
		TemplateID:          o.template,
		TimeoutSecs:         int(o.sandboxTimeout.Seconds()),
		Metadata:            o.metadata,
		EnvVars:             o.envs,
		Secure:              o.secure,
		AllowInternetAccess: o.allowInternet,
	})
	if m := obs.MetricsOrNil(); m != nil {
		m.SandboxCreationsTotal.WithLabelValues(o.template, statusLabel(err)).Inc()
	}
	if err != nil {
		return nil, err
	}

	sb, err := attachWithObs(ctx, o, detail, obs)
	if err != nil {
		// The sandbox is running but unreachable; release it rather than
		// leaking the caller's quota.
		killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.RequestTimeout)
		defer cancel()
		_ = o.cp.Kill(killCtx, detail.SandboxID)
		return nil, err
	}
	return sb, nil
}

func attach(ctx context.Context, o *sandboxOptions, detail *api.SandboxDetail) (*Sandbox, error) {
	obs, err := observability.New(o.cfg.Observability)
	if err != nil {
		return nil, err
	}
	return attachWithObs(ctx, o, detail, obs)
}

func attachWithObs(ctx context.Context, o *sandboxOptions, detail *api.SandboxDetail, obs *observability.Observability) (*Sandbox, error) {
	token := detail.AccessToken
	if !o.secure {
		token = ""
	}
	session, err := o.dial(ctx, transport.Config{
		URL:         o.cfg.SessionURL(detail.SandboxID),
		AccessToken: token,
		Inactivity:  o.cfg.Inactivity,
		Logger:      o.logger,
	})
	if err != nil {
		return nil, err
	}

	template := detail.TemplateID
	if template == "" {
		template = o.template
	}
	sb := &Sandbox{
		id:          detail.SandboxID,
		template:    template,
		caps:        capabilitiesFor(template),
		cfg:         o.cfg,
		cp:          o.cp,
		session:     session,
		obs:         obs,
		limiter:     o.limiter,
		logger:      o.logger.With(slog.String("sandbox_id", detail.SandboxID)),
		execTimeout: o.cfg.ExecutionTimeout,
		lastUsed:    time.Now(),
		idleWindow:  o.idleTimeout,
	}
	sb.contexts = newContextRegistry(sb)
	sb.logger.Info("sandbox ready", slog.String("template", template))
	return sb, nil
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ID returns the sandbox identifier.
func (s *Sandbox) ID() string { return s.id }

// Template returns the template the sandbox was provisioned from.
func (s *Sandbox) Template() string { return s.template }

// IsClosed reports whether the handle was closed or invalidated.
func (s *Sandbox) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// touch validates the handle and refreshes its idle clock. A handle idle for
// longer than the configured window is invalidated locally, with no network
// round trip: the remote side has torn the sandbox down on its own schedule.
func (s *Sandbox) touch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if errors.Is(s.closeErr, ErrSandboxExpired) {
			return s.closeErr
		}
		return ErrSandboxClosed
	}
	if s.idleWindow > 0 && time.Since(s.lastUsed) > s.idleWindow {
		s.closed = true
		s.closeErr = fmt.Errorf("%w: handle idle for more than %s", ErrSandboxExpired, s.idleWindow)
		if s.keepAlive != nil {
			s.keepAlive.Stop()
			s.keepAlive = nil
		}
		_ = s.session.Close()
		return s.closeErr
	}
	s.lastUsed = time.Now()
	return nil
}

// send validates the handle and frames one request onto the session channel.
func (s *Sandbox) send(ctx context.Context, reqType protocol.RequestType, payload any) (*transport.Stream, error) {
	if err := s.touch(); err != nil {
		return nil, err
	}
	req, err := protocol.NewRequest(reqType, payload)
	if err != nil {
		return nil, err
	}
	stream, err := s.session.Send(ctx, req)
	if err != nil {
		if errors.Is(err, transport.ErrChannelClosed) {
			return nil, fmt.Errorf("%w: session channel closed", ErrConnectionLost)
		}
		return nil, err
	}
	if m := s.obs.MetricsOrNil(); m != nil {
		m.InflightRequests.Inc()
	}
	return stream, nil
}

func (s *Sandbox) requestDone() {
	if m := s.obs.MetricsOrNil(); m != nil {
		m.InflightRequests.Dec()
	}
}

// Close tears the sandbox down: stops keep-alive, closes the session channel
// and asks the control plane to destroy the sandbox. Idempotent; a second
// Close returns nil without another teardown request, and a sandbox already
// gone remotely is treated as successfully closed.
func (s *Sandbox) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.closeErr = ErrSandboxClosed
	if s.keepAlive != nil {
		s.keepAlive.Stop()
		s.keepAlive = nil
	}
	s.mu.Unlock()

	sessionErr := s.session.Close()

	var killErr error
	if !s.cfg.Debug {
		killErr = s.cp.Kill(ctx, s.id)
	}
	s.obs.Shutdown(ctx)

	if killErr != nil {
		return killErr
	}
	if sessionErr != nil {
		return fmt.Errorf("closing session: %w", sessionErr)
	}
	s.logger.Info("sandbox closed")
	return nil
}

// SetTimeout resets the sandbox's remote lifetime, counted from now.
func (s *Sandbox) SetTimeout(ctx context.Context, d time.Duration) error {
	if err := s.touch(); err != nil {
		return err
	}
	if err := s.allow("timeout"); err != nil {
		return err
	}
	return s.cp.SetTimeout(ctx, s.id, int(d.Seconds()))
}

// KeepAlive extends the sandbox lifetime by extension on the given interval
// until StopKeepAlive or Close. Useful for sessions whose total length is not
// known up front.
func (s *Sandbox) KeepAlive(interval, extension time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSandboxClosed
	}
	if s.keepAlive != nil {
		return errors.New("keep-alive already running")
	}

	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
		defer cancel()
		if err := s.cp.SetTimeout(ctx, s.id, int(extension.Seconds())); err != nil {
			s.logger.Warn("keep-alive extension failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling keep-alive: %w", err)
	}
	c.Start()
	s.keepAlive = c
	return nil
}

// StopKeepAlive cancels a running keep-alive schedule. No-op when none runs.
func (s *Sandbox) StopKeepAlive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keepAlive != nil {
		s.keepAlive.Stop()
		s.keepAlive = nil
	}
}

// Info fetches the control plane's current view of this sandbox.
func (s *Sandbox) Info(ctx context.Context) (*SandboxInfo, error) {
	if err := s.touch(); err != nil {
		return nil, err
	}
	if err := s.allow("info"); err != nil {
		return nil, err
	}
	detail, err := s.cp.Info(ctx, s.id)
	if err != nil {
		return nil, err
	}
	info := newSandboxInfo(detail)
	return &info, nil
}

// GetHost returns the public hostname for a port exposed by the sandbox, in
// the form {port}-{sandboxID}.{domain}.
func (s *Sandbox) GetHost(port int) string {
	return s.cfg.Host(s.id, port)
}

// ReadFile reads a file from inside the sandbox.
func (s *Sandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	stream, err := s.send(ctx, protocol.ReqFileRead, &protocol.FileReadPayload{Path: path})
	if err != nil {
		return nil, err
	}
	defer s.requestDone()

	var content []byte
	for {
		ev, err := stream.Next(ctx)
		if errors.Is(err, transport.ErrStreamDone) {
			return content, nil
		}
		if err != nil {
			return nil, err
		}
		switch ev.Type {
		case protocol.EventResult:
			var p protocol.ResultPayload
			if err := ev.Decode(&p); err != nil {
				return nil, fmt.Errorf("decoding file content: %w", err)
			}
			content = p.File
		case protocol.EventError:
			var p protocol.ErrorPayload
			if err := ev.Decode(&p); err != nil {
				return nil, fmt.Errorf("decoding error event: %w", err)
			}
			return nil, fmt.Errorf("reading %s: %s", path, (&ExecutionError{Name: p.Name, Value: p.Value}).Error())
		}
	}
}

// WriteFile writes content to a path inside the sandbox, creating parent
// directories as needed.
func (s *Sandbox) WriteFile(ctx context.Context, path string, data []byte) error {
	stream, err := s.send(ctx, protocol.ReqFileWrite, &protocol.FileWritePayload{Path: path, Data: data})
	if err != nil {
		return err
	}
	defer s.requestDone()

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
			return fmt.Errorf("writing %s: %s", path, (&ExecutionError{Name: p.Name, Value: p.Value}).Error())
		}
	}
}

// WithSandbox provisions a sandbox, runs fn against it and tears the sandbox
// down afterwards, even when fn panics or the caller's context is already
// cancelled by the time fn returns.
func WithSandbox(ctx context.Context, fn func(ctx context.Context, sb *Sandbox) error, opts ...Option) error {
	sb, err := Create(ctx, opts...)
	if err != nil {
		return err
	}
	defer closeScoped(ctx, sb)
	return fn(ctx, sb)
}

// WithInterpreter is WithSandbox for a code-interpreter sandbox.
func WithInterpreter(ctx context.Context, fn func(ctx context.Context, ci *CodeInterpreter) error, opts ...Option) error {
	ci, err := NewCodeInterpreter(ctx, opts...)
	if err != nil {
		return err
	}
	defer closeScoped(ctx, ci.Sandbox)
	return fn(ctx, ci)
}

// WithDesktopSandbox is WithSandbox for a desktop sandbox.
func WithDesktopSandbox(ctx context.Context, fn func(ctx context.Context, d *Desktop) error, opts ...Option) error {
	d, err := NewDesktop(ctx, opts...)
	if err != nil {
		return err
	}
	defer closeScoped(ctx, d.Sandbox)
	return fn(ctx, d)
}

// closeScoped tears down a scoped sandbox with a fresh deadline, detached
// from the caller's context so cleanup still runs after cancellation.
func closeScoped(ctx context.Context, sb *Sandbox) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sb.cfg.RequestTimeout)
	defer cancel()
	if err := sb.Close(closeCtx); err != nil {
		sb.logger.Warn("scoped sandbox teardown failed", slog.String("error", err.Error()))
	}
}
