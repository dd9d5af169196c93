package agentbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/ucloud/agentbox-go/internal/api"
	"github.com/ucloud/agentbox-go/internal/config"
	"github.com/ucloud/agentbox-go/internal/ratelimit"
	"github.com/ucloud/agentbox-go/internal/transport"
)

// controlPlane is the slice of the API client the lifecycle manager uses.
// Tests substitute a recording fake.
type controlPlane interface {
	Create(ctx context.Context, req *api.CreateRequest) (*api.SandboxDetail, error)
	Connect(ctx context.Context, sandboxID string, timeoutSecs int) (*api.SandboxDetail, error)
	Kill(ctx context.Context, sandboxID string) error
	SetTimeout(ctx context.Context, sandboxID string, timeoutSecs int) error
	Info(ctx context.Context, sandboxID string) (*api.SandboxDetail, error)
	List(ctx context.Context) ([]api.SandboxDetail, error)
}

// sessionDialer establishes the session channel for a provisioned sandbox.
type sessionDialer func(ctx context.Context, cfg transport.Config) (transport.Session, error)

type sandboxOptions struct {
	cfg *config.Config

	template       string
	metadata       map[string]string
	envs           map[string]string
	secure         bool
	allowInternet  bool
	sandboxTimeout time.Duration
	idleTimeout    time.Duration

	logger *slog.Logger

	// Injection points for tests and self-hosted deployments.
	cp   controlPlane
	dial sessionDialer

	limiter *ratelimit.Limiter
}

// Option configures sandbox creation.
type Option func(*sandboxOptions)

func newSandboxOptions() (*sandboxOptions, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return &sandboxOptions{
		cfg:            cfg,
		secure:         true,
		allowInternet:  true,
		sandboxTimeout: config.DefaultSandboxTimeout,
	}, nil
}

// WithAPIKey sets the control-plane credential explicitly, overriding
// AGENTBOX_API_KEY.
func WithAPIKey(key string) Option {
	return func(o *sandboxOptions) { o.cfg.APIKey = key }
}

// WithDomain overrides the service domain.
func WithDomain(domain string) Option {
	return func(o *sandboxOptions) { o.cfg.Domain = domain }
}

// WithAPIURL overrides the control-plane URL, bypassing the
// https://api.{domain} convention.
func WithAPIURL(url string) Option {
	return func(o *sandboxOptions) { o.cfg.APIURL = url }
}

// WithTemplate selects the sandbox template.
func WithTemplate(template string) Option {
	return func(o *sandboxOptions) { o.template = template }
}

// WithMetadata attaches custom metadata to the sandbox.
func WithMetadata(md map[string]string) Option {
	return func(o *sandboxOptions) { o.metadata = md }
}

// WithEnvs sets environment variables inside the sandbox.
func WithEnvs(envs map[string]string) Option {
	return func(o *sandboxOptions) {
		if o.envs == nil {
			o.envs = make(map[string]string, len(envs))
		}
		for k, v := range envs {
			o.envs[k] = v
		}
	}
}

// WithSandboxTimeout sets the remote lifetime of the sandbox.
func WithSandboxTimeout(d time.Duration) Option {
	return func(o *sandboxOptions) { o.sandboxTimeout = d }
}

// WithIdleTimeout sets the client-side idle window. A handle unused for
// longer is invalidated locally and fails fast with ErrSandboxExpired.
// Zero disables the check.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *sandboxOptions) { o.idleTimeout = d }
}

// WithRequestTimeout bounds individual control-plane calls.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *sandboxOptions) { o.cfg.RequestTimeout = d }
}

// WithExecutionTimeout sets the default deadline for command and code runs.
func WithExecutionTimeout(d time.Duration) Option {
	return func(o *sandboxOptions) { o.cfg.ExecutionTimeout = d }
}

// WithInactivity bounds the wait for the next stream event on every request.
func WithInactivity(d time.Duration) Option {
	return func(o *sandboxOptions) { o.cfg.Inactivity = d }
}

// WithSecure disables the daemon access token when false.
func WithSecure(secure bool) Option {
	return func(o *sandboxOptions) { o.secure = secure }
}

// WithInternetAccess controls outbound network access from the sandbox.
func WithInternetAccess(allow bool) Option {
	return func(o *sandboxOptions) { o.allowInternet = allow }
}

// WithLogger sets the logger for this handle. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *sandboxOptions) { o.logger = logger }
}

// WithObservability enables metrics and/or tracing.
func WithObservability(obs config.ObservabilityConfig) Option {
	return func(o *sandboxOptions) { o.cfg.Observability = &obs }
}

// WithRateLimit caps client-side control-plane traffic.
func WithRateLimit(requestsPerMinute, burst int) Option {
	return func(o *sandboxOptions) {
		o.cfg.Limits = &config.LimitsConfig{
			RequestsPerMinute: requestsPerMinute,
			BurstSize:         burst,
		}
	}
}

// withControlPlane injects a control-plane implementation (tests).
func withControlPlane(cp controlPlane) Option {
	return func(o *sandboxOptions) { o.cp = cp }
}

// withDialer injects a session dialer (tests).
func withDialer(dial sessionDialer) Option {
	return func(o *sandboxOptions) { o.dial = dial }
}
