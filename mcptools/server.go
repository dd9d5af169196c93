// Package mcptools exposes AgentBox sandboxes as MCP (Model Context
// Protocol) tools, so any MCP-capable agent can run shell commands and code
// or drive a desktop without linking the SDK directly. Sandboxes are
// provisioned lazily on first use and shared across tool calls, preserving
// interpreter state between run_code invocations.
package mcptools

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	agentbox "github.com/ucloud/agentbox-go"
)

// Server bridges AgentBox sandboxes into an MCP tool server.
type Server struct {
	mcp    *server.MCPServer
	opts   []agentbox.Option
	logger *slog.Logger

	mu      sync.Mutex
	interp  *agentbox.CodeInterpreter
	desktop *agentbox.Desktop
}

// New creates the tool server. opts configure every sandbox it provisions.
func New(logger *slog.Logger, opts ...agentbox.Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mcp: server.NewMCPServer(
			"agentbox",
			"1.0.0",
			server.WithToolCapabilities(false),
		),
		opts:   opts,
		logger: logger,
	}
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("run_command",
		mcp.WithDescription("Run a shell command in an isolated cloud sandbox and return its output."),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("The shell command to execute."),
		),
		mcp.WithString("cwd",
			mcp.Description("Working directory for the command."),
		),
		mcp.WithNumber("timeout_seconds",
			mcp.Description("Execution deadline in seconds."),
		),
	), s.handleRunCommand)

	s.mcp.AddTool(mcp.NewTool("run_code",
		mcp.WithDescription("Execute code in a stateful sandboxed interpreter. Variables and imports persist across calls."),
		mcp.WithString("code",
			mcp.Required(),
			mcp.Description("The code to execute."),
		),
		mcp.WithString("language",
			mcp.Description("Interpreter language. Defaults to python."),
		),
	), s.handleRunCode)

	s.mcp.AddTool(mcp.NewTool("screenshot",
		mcp.WithDescription("Capture a screenshot of the sandboxed desktop as a PNG image."),
	), s.handleScreenshot)

	s.mcp.AddTool(mcp.NewTool("write_file",
		mcp.WithDescription("Write a text file inside the sandbox."),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Absolute path inside the sandbox."),
		),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("File content."),
		),
	), s.handleWriteFile)

	s.mcp.AddTool(mcp.NewTool("read_file",
		mcp.WithDescription("Read a text file from inside the sandbox."),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Absolute path inside the sandbox."),
		),
	), s.handleReadFile)
}

// interpreter returns the shared code-interpreter sandbox, provisioning it
// on first use.
func (s *Server) interpreter(ctx context.Context) (*agentbox.CodeInterpreter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interp != nil && !s.interp.IsClosed() {
		return s.interp, nil
	}
	ci, err := agentbox.NewCodeInterpreter(ctx, s.opts...)
	if err != nil {
		return nil, err
	}
	s.logger.Info("interpreter sandbox provisioned", slog.String("sandbox_id", ci.ID()))
	s.interp = ci
	return ci, nil
}

// desktopSandbox returns the shared desktop sandbox, provisioning it on
// first use.
func (s *Server) desktopSandbox(ctx context.Context) (*agentbox.Desktop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.desktop != nil && !s.desktop.IsClosed() {
		return s.desktop, nil
	}
	d, err := agentbox.NewDesktop(ctx, s.opts...)
	if err != nil {
		return nil, err
	}
	s.logger.Info("desktop sandbox provisioned", slog.String("sandbox_id", d.ID()))
	s.desktop = d
	return d, nil
}

func (s *Server) handleRunCommand(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var runOpts []agentbox.RunOption
	if cwd := req.GetString("cwd", ""); cwd != "" {
		runOpts = append(runOpts, agentbox.WithCwd(cwd))
	}
	if secs := req.GetFloat("timeout_seconds", 0); secs > 0 {
		runOpts = append(runOpts, agentbox.WithTimeout(time.Duration(secs*float64(time.Second))))
	}

	ci, err := s.interpreter(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("provisioning sandbox: %v", err)), nil
	}

	res, err := ci.Run(ctx, command, runOpts...)
	if err != nil {
		if res != nil && res.Partial {
			return mcp.NewToolResultError(fmt.Sprintf("%v\npartial stdout:\n%s\npartial stderr:\n%s",
				err, res.Stdout, res.Stderr)), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("exit code: %d\nstdout:\n%s\nstderr:\n%s",
		res.ExitCode, res.Stdout, res.Stderr)), nil
}

func (s *Server) handleRunCode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var codeOpts []agentbox.CodeOption
	if lang := req.GetString("language", ""); lang != "" {
		codeOpts = append(codeOpts, agentbox.WithLanguage(lang))
	}

	ci, err := s.interpreter(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("provisioning sandbox: %v", err)), nil
	}

	exec, err := ci.RunCode(ctx, code, codeOpts...)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if exec.Error != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s\n%s",
			exec.Error.Error(), formatLogs(exec))), nil
	}

	out := exec.Text()
	if logs := formatLogs(exec); logs != "" {
		if out != "" {
			out += "\n"
		}
		out += logs
	}
	if out == "" {
		out = "(no output)"
	}
	return mcp.NewToolResultText(out), nil
}

func formatLogs(exec *agentbox.Execution) string {
	var out string
	for _, line := range exec.Logs.Stdout {
		out += line
	}
	for _, line := range exec.Logs.Stderr {
		out += line
	}
	return out
}

func (s *Server) handleScreenshot(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, err := s.desktopSandbox(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("provisioning desktop: %v", err)), nil
	}
	png, err := d.Screenshot(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultImage("desktop screenshot",
		base64.StdEncoding.EncodeToString(png), "image/png"), nil
}

func (s *Server) handleWriteFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	ci, err := s.interpreter(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("provisioning sandbox: %v", err)), nil
	}
	if err := ci.WriteFile(ctx, path, []byte(content)); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("written " + path), nil
}

func (s *Server) handleReadFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	ci, err := s.interpreter(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("provisioning sandbox: %v", err)), nil
	}
	data, err := ci.ReadFile(ctx, path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ServeStdio serves the tools over stdio until the client disconnects, then
// tears the sandboxes down.
func (s *Server) ServeStdio() error {
	defer s.Close(context.Background())
	return server.ServeStdio(s.mcp)
}

// Close tears down any sandboxes the tools provisioned.
func (s *Server) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interp != nil {
		if err := s.interp.Close(ctx); err != nil {
			s.logger.Warn("closing interpreter sandbox", slog.String("error", err.Error()))
		}
		s.interp = nil
	}
	if s.desktop != nil {
		if err := s.desktop.Close(ctx); err != nil {
			s.logger.Warn("closing desktop sandbox", slog.String("error", err.Error()))
		}
		s.desktop = nil
	}
}
