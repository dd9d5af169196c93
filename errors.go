package agentbox

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ucloud/agentbox-go/internal/api"
	"github.com/ucloud/agentbox-go/internal/transport"
)

// Error taxonomy. Transport and control-plane failures are surfaced to the
// immediate caller and never retried automatically: retrying a non-idempotent
// code execution could silently re-run side effects, so the retry decision
// belongs to the caller.
var (
	// ErrProvisioning reports that a sandbox could not be created.
	ErrProvisioning = api.ErrProvisioning

	// ErrSandboxExpired reports that the sandbox hit its idle timeout or was
	// torn down remotely. The handle and all of its interpreter contexts are
	// invalid; subsequent calls fail fast without network I/O.
	ErrSandboxExpired = api.ErrSandboxGone

	// ErrSandboxClosed reports an operation on an explicitly closed handle.
	ErrSandboxClosed = errors.New("sandbox closed")

	// ErrConnectionLost reports that the session transport dropped before the
	// in-flight stream finished. The remote operation may still be running.
	ErrConnectionLost = transport.ErrConnectionLost

	// ErrTimeout reports that no response arrived within the configured
	// window (session inactivity or creation deadline).
	ErrTimeout = transport.ErrInactivityTimeout

	// ErrExecutionTimeout reports that a command or code run exceeded its
	// execution deadline. The partial result collected so far is returned
	// alongside this error.
	ErrExecutionTimeout = errors.New("execution deadline exceeded")

	// ErrCapabilityUnavailable reports an operation that requires a sandbox
	// feature (code interpreter, desktop) not enabled for this handle.
	ErrCapabilityUnavailable = errors.New("sandbox capability unavailable")

	// ErrContextPoisoned reports a run attempted on a context whose previous
	// execution timed out with the remote still busy. Reset or recreate the
	// context before running more code on it.
	ErrContextPoisoned = errors.New("execution context poisoned by timed-out run")

	// ErrAuthentication reports a rejected API key.
	ErrAuthentication = api.ErrAuthentication

	// ErrNotFound reports an unknown sandbox or context ID.
	ErrNotFound = api.ErrNotFound

	// ErrInvalidArgument reports a malformed request.
	ErrInvalidArgument = api.ErrInvalidArgument

	// ErrRateLimited reports throttling, by the client-side limiter or the
	// service.
	ErrRateLimited = api.ErrRateLimited
)

// CommandExitError reports a non-zero exit status from a command run with
// WithCheck. The full result remains available for inspection.
type CommandExitError struct {
	Result *CommandResult
}

func (e *CommandExitError) Error() string {
	return fmt.Sprintf("command exited with status %d: %s",
		e.Result.ExitCode, strings.TrimSpace(e.Result.Stderr))
}

// ExecutionError is the structured error an interpreter run produced. It is
// carried as data on the Execution so callers can inspect it without
// exception-style control flow; RunCode only returns it as an error under
// WithCodeCheck.
type ExecutionError struct {
	// Name is the error class, e.g. "NameError".
	Name string
	// Value is the error message.
	Value string
	// Traceback holds the remote interpreter's trace, one frame per line.
	Traceback []string
}

func (e *ExecutionError) Error() string {
	if e.Value == "" {
		return e.Name
	}
	return e.Name + ": " + e.Value
}
