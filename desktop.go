package agentbox

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ucloud/agentbox-go/internal/config"
)

// Desktop display parameters.
const (
	desktopDisplay = ":0"
	desktopWidth   = 1024
	desktopHeight  = 768
	desktopDPI     = 96

	vncPort   = 5900
	novncPort = 6080

	// Text is typed in chunks so long strings cannot outrun the X event
	// queue. Values follow what the desktop image's own tooling uses.
	typeChunkSize = 25
	typeDelayMs   = 75
)

// Desktop is a sandbox provisioned from the desktop template: a full X
// session the caller drives through simulated mouse and keyboard input,
// with optional live VNC streaming for human observation.
type Desktop struct {
	*Sandbox

	display string
	stream  *VNCStream
}

// NewDesktop provisions a desktop sandbox and boots its display stack:
// virtual framebuffer first, verified ready, then the desktop environment.
func NewDesktop(ctx context.Context, opts ...Option) (*Desktop, error) {
	o, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	if o.template == "" {
		o.template = config.DefaultDesktopTemplate
	}
	sb, err := provision(ctx, o)
	if err != nil {
		return nil, err
	}
	if sb.caps&capDesktop == 0 {
		_ = sb.Close(ctx)
		return nil, fmt.Errorf("%w: template %q has no display stack", ErrCapabilityUnavailable, sb.template)
	}

	d := &Desktop{Sandbox: sb, display: desktopDisplay}
	d.stream = &VNCStream{d: d}
	if err := d.bootDisplay(ctx); err != nil {
		_ = sb.Close(ctx)
		return nil, err
	}
	return d, nil
}

func (d *Desktop) bootDisplay(ctx context.Context) error {
	_, err := d.RunBackground(ctx, fmt.Sprintf(
		"Xvfb %s -ac -screen 0 %dx%dx24 -retro -dpi %d -nolisten tcp -nolisten unix",
		d.display, desktopWidth, desktopHeight, desktopDPI,
	))
	if err != nil {
		return fmt.Errorf("starting framebuffer: %w", err)
	}
	if err := d.waitForDisplay(ctx); err != nil {
		return err
	}
	if _, err := d.RunBackground(ctx, "startxfce4", WithEnv(d.displayEnv())); err != nil {
		return fmt.Errorf("starting desktop environment: %w", err)
	}
	return nil
}

// waitForDisplay polls until the X server answers on the display.
func (d *Desktop) waitForDisplay(ctx context.Context) error {
	for attempt := 0; attempt < 10; attempt++ {
		res, err := d.Run(ctx, "xdpyinfo -display "+d.display, WithTimeout(5*time.Second))
		if err == nil && res.ExitCode == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return fmt.Errorf("display %s did not come up", d.display)
}

func (d *Desktop) displayEnv() map[string]string {
	return map[string]string{"DISPLAY": d.display}
}

// exec runs a desktop tool with DISPLAY set, failing on non-zero exit.
func (d *Desktop) exec(ctx context.Context, cmd string) (*CommandResult, error) {
	return d.Run(ctx, cmd, WithEnv(d.displayEnv()), WithCheck())
}

// Screenshot captures the current screen as a PNG.
func (d *Desktop) Screenshot(ctx context.Context) ([]byte, error) {
	path := "/tmp/screenshot-" + uuid.New().String() + ".png"
	if _, err := d.exec(ctx, "scrot --pointer "+path); err != nil {
		return nil, fmt.Errorf("capturing screenshot: %w", err)
	}
	data, err := d.ReadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	// Best effort; the sandbox is disposable anyway.
	_, _ = d.Run(ctx, "rm -f "+path)
	return data, nil
}

// MoveMouse moves the cursor to absolute screen coordinates.
func (d *Desktop) MoveMouse(ctx context.Context, x, y int) error {
	_, err := d.exec(ctx, fmt.Sprintf("xdotool mousemove --sync %d %d", x, y))
	return err
}

func (d *Desktop) click(ctx context.Context, button string, count int) error {
	repeat := ""
	if count > 1 {
		repeat = fmt.Sprintf(" --repeat %d", count)
	}
	_, err := d.exec(ctx, fmt.Sprintf("xdotool click%s %d", repeat, mouseButtons[button]))
	return err
}

// LeftClick clicks the left button at the current cursor position.
func (d *Desktop) LeftClick(ctx context.Context) error { return d.click(ctx, "left", 1) }

// RightClick clicks the right button at the current cursor position.
func (d *Desktop) RightClick(ctx context.Context) error { return d.click(ctx, "right", 1) }

// MiddleClick clicks the middle button at the current cursor position.
func (d *Desktop) MiddleClick(ctx context.Context) error { return d.click(ctx, "middle", 1) }

// DoubleClick double-clicks the left button at the current cursor position.
func (d *Desktop) DoubleClick(ctx context.Context) error { return d.click(ctx, "left", 2) }

// MousePress holds a mouse button down until MouseRelease.
func (d *Desktop) MousePress(ctx context.Context, button string) error {
	_, err := d.exec(ctx, fmt.Sprintf("xdotool mousedown %d", mouseButtons[button]))
	return err
}

// MouseRelease releases a held mouse button.
func (d *Desktop) MouseRelease(ctx context.Context, button string) error {
	_, err := d.exec(ctx, fmt.Sprintf("xdotool mouseup %d", mouseButtons[button]))
	return err
}

// Drag presses the left button at from, moves to to, and releases.
func (d *Desktop) Drag(ctx context.Context, fromX, fromY, toX, toY int) error {
	if err := d.MoveMouse(ctx, fromX, fromY); err != nil {
		return err
	}
	if _, err := d.exec(ctx, "xdotool mousedown 1"); err != nil {
		return err
	}
	if err := d.MoveMouse(ctx, toX, toY); err != nil {
		return err
	}
	_, err := d.exec(ctx, "xdotool mouseup 1")
	return err
}

// Scroll scrolls vertically at the current cursor position. Positive amount
// scrolls down, negative up.
func (d *Desktop) Scroll(ctx context.Context, amount int) error {
	button := 5 // wheel down
	if amount < 0 {
		button = 4
		amount = -amount
	}
	if amount == 0 {
		return nil
	}
	_, err := d.exec(ctx, fmt.Sprintf("xdotool click --repeat %d %d", amount, button))
	return err
}

// Write types text at the current focus, chunked so long strings arrive
// reliably.
func (d *Desktop) Write(ctx context.Context, text string) error {
	runes := []rune(text)
	for start := 0; start < len(runes); start += typeChunkSize {
		end := start + typeChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunk := string(runes[start:end])
		cmd := fmt.Sprintf("xdotool type --delay %d -- %s", typeDelayMs, shellQuote(chunk))
		if _, err := d.exec(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// Press presses a key or a "+"-separated combination, e.g. "enter" or
// "ctrl+shift+t". Friendly names are translated to X keysyms; unknown names
// pass through as raw keysyms.
func (d *Desktop) Press(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if _, err := d.exec(ctx, "xdotool key "+shellQuote(mapKeyCombo(key))); err != nil {
			return err
		}
	}
	return nil
}

var mouseLocationRe = regexp.MustCompile(`x:(\d+) y:(\d+)`)

// CursorPosition returns the current cursor coordinates.
func (d *Desktop) CursorPosition(ctx context.Context) (x, y int, err error) {
	res, err := d.exec(ctx, "xdotool getmouselocation")
	if err != nil {
		return 0, 0, err
	}
	m := mouseLocationRe.FindStringSubmatch(res.Stdout)
	if m == nil {
		return 0, 0, fmt.Errorf("unexpected mouse location output %q", strings.TrimSpace(res.Stdout))
	}
	x, _ = strconv.Atoi(m[1])
	y, _ = strconv.Atoi(m[2])
	return x, y, nil
}

// ScreenSize returns the display dimensions.
func (d *Desktop) ScreenSize(ctx context.Context) (width, height int, err error) {
	res, err := d.exec(ctx, "xdotool getdisplaygeometry")
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected display geometry %q", strings.TrimSpace(res.Stdout))
	}
	width, _ = strconv.Atoi(fields[0])
	height, _ = strconv.Atoi(fields[1])
	return width, height, nil
}

// Wait pauses between input events, giving the desktop time to react.
func (d *Desktop) Wait(ctx context.Context, delay time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// Open opens a file or URL with the desktop's default application.
func (d *Desktop) Open(ctx context.Context, fileOrURL string) error {
	_, err := d.RunBackground(ctx, "xdg-open "+shellQuote(fileOrURL), WithEnv(d.displayEnv()))
	return err
}

// Launch starts an application by its desktop entry or executable name.
func (d *Desktop) Launch(ctx context.Context, app string) error {
	_, err := d.RunBackground(ctx,
		fmt.Sprintf("gtk-launch %s || exec %s", shellQuote(app), shellQuote(app)),
		WithEnv(d.displayEnv()))
	return err
}

// CurrentWindowID returns the ID of the focused window.
func (d *Desktop) CurrentWindowID(ctx context.Context) (string, error) {
	res, err := d.exec(ctx, "xdotool getactivewindow")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// ApplicationWindows returns the visible window IDs of an application.
func (d *Desktop) ApplicationWindows(ctx context.Context, app string) ([]string, error) {
	res, err := d.Run(ctx, "xdotool search --onlyvisible --class "+shellQuote(app),
		WithEnv(d.displayEnv()))
	if err != nil {
		return nil, err
	}
	// Exit code 1 means no matches, not a failure.
	return strings.Fields(res.Stdout), nil
}

// WindowTitle returns the title of a window.
func (d *Desktop) WindowTitle(ctx context.Context, windowID string) (string, error) {
	res, err := d.exec(ctx, "xdotool getwindowname "+shellQuote(windowID))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// ActivateWindow focuses a window.
func (d *Desktop) ActivateWindow(ctx context.Context, windowID string) error {
	_, err := d.exec(ctx, "xdotool windowactivate --sync "+shellQuote(windowID))
	return err
}

// Stream returns the live-view controller for this desktop.
func (d *Desktop) Stream() *VNCStream { return d.stream }

// VNCStream serves the desktop over VNC with a browser front end, so a human
// can watch or take over the session an agent is driving.
type VNCStream struct {
	d *Desktop

	mu      sync.Mutex
	running bool
	authKey string
}

// StreamOption configures VNCStream.Start.
type StreamOption func(*streamOptions)

type streamOptions struct {
	requireAuth bool
}

// WithAuth protects the stream with a generated one-time key, available from
// AuthKey after Start.
func WithAuth() StreamOption {
	return func(o *streamOptions) { o.requireAuth = true }
}

// Start launches the VNC server and its browser proxy. Starting an
// already-running stream is a no-op: the same URL keeps working, so several
// observers can share one session.
func (v *VNCStream) Start(ctx context.Context, opts ...StreamOption) error {
	o := &streamOptions{}
	for _, opt := range opts {
		opt(o)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.running {
		return nil
	}

	d := v.d
	auth := "-nopw"
	if o.requireAuth {
		v.authKey = strings.ReplaceAll(uuid.New().String(), "-", "")
		cmd := fmt.Sprintf("mkdir -p ~/.vnc && x11vnc -storepasswd %s ~/.vnc/passwd", shellQuote(v.authKey))
		if _, err := d.exec(ctx, cmd); err != nil {
			return fmt.Errorf("storing stream password: %w", err)
		}
		auth = "-usepw"
	}

	vncCmd := fmt.Sprintf("x11vnc -display %s -forever -wait 50 -shared -rfbport %d %s",
		d.display, vncPort, auth)
	if _, err := d.RunBackground(ctx, vncCmd, WithEnv(d.displayEnv())); err != nil {
		return fmt.Errorf("starting vnc server: %w", err)
	}

	novncCmd := fmt.Sprintf(
		"cd /opt/noVNC && ./utils/novnc_proxy --vnc localhost:%d --listen %d --web /opt/noVNC",
		vncPort, novncPort)
	if _, err := d.RunBackground(ctx, novncCmd); err != nil {
		return fmt.Errorf("starting novnc proxy: %w", err)
	}

	v.running = true
	return nil
}

// URL returns the browser URL for the live view. Valid once Start returned.
func (v *VNCStream) URL() string {
	v.mu.Lock()
	defer v.mu.Unlock()

	q := url.Values{}
	q.Set("autoconnect", "true")
	q.Set("resize", "scale")
	if v.authKey != "" {
		q.Set("password", v.authKey)
	}
	return fmt.Sprintf("https://%s/vnc.html?%s", v.d.GetHost(novncPort), q.Encode())
}

// AuthKey returns the stream password, or "" when the stream runs open.
func (v *VNCStream) AuthKey() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.authKey
}

// Stop shuts the VNC server and proxy down. The URL stops working for every
// observer.
func (v *VNCStream) Stop(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.running {
		return nil
	}
	if _, err := v.d.Run(ctx, "pkill -f novnc_proxy; pkill x11vnc; true"); err != nil {
		return err
	}
	v.running = false
	v.authKey = ""
	return nil
}

// shellQuote wraps s in single quotes, safe against embedded quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
