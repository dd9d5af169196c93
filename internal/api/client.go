// Package api implements the control-plane client for the AgentBox service:
// sandbox provisioning, attach, teardown and lifetime management. The wire
// format here is an implementation detail of the service; everything that
// happens inside a running sandbox goes over the session channel instead.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/go-resty/resty/v2"
)

// Sentinel errors mapped from control-plane responses.
var (
	// ErrProvisioning reports that a sandbox could not be created.
	ErrProvisioning = errors.New("sandbox could not be provisioned")
	// ErrAuthentication reports a rejected API key.
	ErrAuthentication = errors.New("authentication failed")
	// ErrNotFound reports an unknown sandbox ID.
	ErrNotFound = errors.New("sandbox not found")
	// ErrInvalidArgument reports a request the service rejected as malformed.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrRateLimited reports request throttling, client- or service-side.
	ErrRateLimited = errors.New("rate limited")
	// ErrSandboxGone reports that the sandbox expired or was already torn down.
	ErrSandboxGone = errors.New("sandbox expired or no longer running")
	// ErrNotEnoughSpace reports exhausted sandbox disk space.
	ErrNotEnoughSpace = errors.New("not enough space in sandbox")
)

// Version is the SDK version reported to the service.
const Version = "1.2.0"

// Client talks to the AgentBox control plane.
type Client struct {
	rc     *resty.Client
	logger *slog.Logger
}

// New creates a control-plane client. baseURL is the API root
// (e.g. https://api.agentbox.ucloud.dev) and apiKey authenticates every call.
func New(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("X-API-Key", apiKey).
		SetHeader("User-Agent", "agentbox-go/"+Version).
		SetHeaders(map[string]string{
			"lang":            "go",
			"lang_version":    runtime.Version(),
			"package_version": Version,
			"publisher":       "ucloud",
			"sdk_runtime":     "go",
			"system":          runtime.GOOS,
		})
	return &Client{rc: rc, logger: logger}
}

// CreateRequest provisions a new sandbox.
type CreateRequest struct {
	TemplateID          string            `json:"templateID"`
	TimeoutSecs         int               `json:"timeout,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	EnvVars             map[string]string `json:"envVars,omitempty"`
	Secure              bool              `json:"secure"`
	AllowInternetAccess bool              `json:"allow_internet_access"`
}

// SandboxDetail is the control plane's description of one sandbox.
type SandboxDetail struct {
	SandboxID   string `json:"sandboxID"`
	TemplateID  string `json:"templateID"`
	Domain      string `json:"domain"`
	EnvdVersion string `json:"envdVersion"`
	AccessToken string `json:"envdAccessToken"`
	StartedAt   string `json:"startedAt,omitempty"`
	EndAt       string `json:"endAt,omitempty"`
}

// Create provisions a sandbox and returns once the service reports the
// daemon inside it ready.
func (c *Client) Create(ctx context.Context, req *CreateRequest) (*SandboxDetail, error) {
	var detail SandboxDetail
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&detail).
		Post("/sandboxes")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvisioning, err)
	}
	if resp.StatusCode() != http.StatusCreated && resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%w: %v", ErrProvisioning, statusError(resp))
	}
	c.logger.Info("sandbox provisioned",
		slog.String("sandbox_id", detail.SandboxID),
		slog.String("template", req.TemplateID),
	)
	return &detail, nil
}

// Connect attaches to an existing, still-running sandbox. A sandbox that has
// crashed or expired cannot be resumed; the service answers 404 and the
// caller must provision a fresh one.
func (c *Client) Connect(ctx context.Context, sandboxID string, timeoutSecs int) (*SandboxDetail, error) {
	var detail SandboxDetail
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(map[string]int{"timeout": timeoutSecs}).
		SetResult(&detail).
		Post("/sandboxes/" + sandboxID + "/connect")
	if err != nil {
		return nil, fmt.Errorf("connecting to sandbox %s: %w", sandboxID, err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return nil, statusError(resp)
	}
	detail.SandboxID = sandboxID
	return &detail, nil
}

// Kill tears a sandbox down. A 404 means the sandbox already expired, which
// callers treat as success so Close stays idempotent against remote-initiated
// teardown.
func (c *Client) Kill(ctx context.Context, sandboxID string) error {
	resp, err := c.rc.R().
		SetContext(ctx).
		Delete("/sandboxes/" + sandboxID)
	if err != nil {
		return fmt.Errorf("killing sandbox %s: %w", sandboxID, err)
	}
	switch resp.StatusCode() {
	case http.StatusNoContent, http.StatusOK, http.StatusNotFound:
		return nil
	default:
		return statusError(resp)
	}
}

// SetTimeout extends or reduces the sandbox lifetime.
func (c *Client) SetTimeout(ctx context.Context, sandboxID string, timeoutSecs int) error {
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(map[string]int{"timeout": timeoutSecs}).
		Post("/sandboxes/" + sandboxID + "/timeout")
	if err != nil {
		return fmt.Errorf("setting timeout for sandbox %s: %w", sandboxID, err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusNoContent {
		return statusError(resp)
	}
	return nil
}

// Info returns the control plane's view of one sandbox.
func (c *Client) Info(ctx context.Context, sandboxID string) (*SandboxDetail, error) {
	var detail SandboxDetail
	resp, err := c.rc.R().
		SetContext(ctx).
		SetResult(&detail).
		Get("/sandboxes/" + sandboxID)
	if err != nil {
		return nil, fmt.Errorf("fetching sandbox %s: %w", sandboxID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, statusError(resp)
	}
	return &detail, nil
}

// List returns all running sandboxes for the authenticated account.
func (c *Client) List(ctx context.Context) ([]SandboxDetail, error) {
	var details []SandboxDetail
	resp, err := c.rc.R().
		SetContext(ctx).
		SetResult(&details).
		Get("/sandboxes")
	if err != nil {
		return nil, fmt.Errorf("listing sandboxes: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, statusError(resp)
	}
	return details, nil
}

// statusError maps a control-plane status code to the SDK error taxonomy,
// preserving the service's message and trace ID for diagnosis.
func statusError(resp *resty.Response) error {
	msg := serviceMessage(resp)
	traceID := resp.Header().Get("X-Trace-ID")
	if traceID != "" {
		msg = fmt.Sprintf("%s (trace %s)", msg, traceID)
	}

	switch resp.StatusCode() {
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, msg)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrAuthentication, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, msg)
	case http.StatusBadGateway:
		return fmt.Errorf("%w: %s", ErrSandboxGone, msg)
	case http.StatusInsufficientStorage:
		return fmt.Errorf("%w: %s", ErrNotEnoughSpace, msg)
	default:
		return fmt.Errorf("control plane error (status %d): %s", resp.StatusCode(), msg)
	}
}

func serviceMessage(resp *resty.Response) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err == nil && body.Message != "" {
		return body.Message
	}
	return string(resp.Body())
}
