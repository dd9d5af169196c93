// Package protocol defines the message types exchanged with the in-sandbox
// execution daemon (envd) over the session WebSocket. All messages are
// JSON-encoded and wrapped in an envelope for uniform routing: the client
// sends Request envelopes, the daemon answers with Event envelopes correlated
// by request ID.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RequestType identifies the kind of operation a Request asks the daemon to run.
type RequestType string

const (
	ReqCommandRun  RequestType = "command.run"
	ReqCommandKill RequestType = "command.kill"
	ReqCodeRun     RequestType = "code.run"

	// Interpreter context management.
	ReqContextCreate  RequestType = "context.create"
	ReqContextList    RequestType = "context.list"
	ReqContextRemove  RequestType = "context.remove"
	ReqContextRestart RequestType = "context.restart"

	// File transfer, used by the desktop screenshot path.
	ReqFileRead  RequestType = "file.read"
	ReqFileWrite RequestType = "file.write"
)

// Request is the client → daemon envelope. The ID must be unique for the
// lifetime of the session; every Event the daemon emits for this operation
// carries it back as RequestID.
type Request struct {
	ID        string          `json:"id"`
	Type      RequestType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewRequest creates a Request with a fresh ID and current timestamp.
func NewRequest(reqType RequestType, payload any) (*Request, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Request{
		ID:        uuid.New().String(),
		Type:      reqType,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// EventType identifies one incremental unit of a response stream.
type EventType string

const (
	// EventStarted confirms the daemon accepted the request. For commands it
	// carries the remote PID.
	EventStarted EventType = "stream.started"

	// EventStdout and EventStderr carry incremental output chunks.
	EventStdout EventType = "stream.stdout"
	EventStderr EventType = "stream.stderr"

	// EventResult carries one structured result value (interpreter display
	// data, context info, file content).
	EventResult EventType = "stream.result"

	// EventError finalizes the stream with a structured execution error.
	EventError EventType = "stream.error"

	// EventEnd terminates the stream normally. For commands it carries the
	// exit code.
	EventEnd EventType = "stream.end"
)

// Event is the daemon → client envelope. Exactly one terminal event
// (EventEnd or EventError) closes every stream.
type Event struct {
	Type      EventType       `json:"type"`
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Terminal reports whether this event closes its stream.
func (e *Event) Terminal() bool {
	return e.Type == EventEnd || e.Type == EventError
}

// Decode unmarshals the Payload into the given target.
func (e *Event) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// NewEvent creates an Event for the given request with current timestamp.
// Used by tests and fake daemons; the production client only consumes events.
func NewEvent(eventType EventType, requestID string, payload any) (*Event, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Event{
		Type:      eventType,
		RequestID: requestID,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// --- Request payloads ---

// CommandRunPayload asks the daemon to execute a shell command.
type CommandRunPayload struct {
	Cmd        string            `json:"cmd"`
	Cwd        string            `json:"cwd,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	User       string            `json:"user,omitempty"`
	Background bool              `json:"background,omitempty"`
	TimeoutMs  int64             `json:"timeout_ms,omitempty"`
}

// CommandKillPayload asks the daemon to terminate a running command.
type CommandKillPayload struct {
	PID int `json:"pid"`
}

// CodeRunPayload asks the interpreter to execute a code fragment.
// ContextID selects the persistent interpreter state; Language is only
// consulted when ContextID is empty.
type CodeRunPayload struct {
	Code      string            `json:"code"`
	ContextID string            `json:"context_id,omitempty"`
	Language  string            `json:"language,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// ContextCreatePayload creates a new interpreter context.
type ContextCreatePayload struct {
	Language string `json:"language,omitempty"`
	Cwd      string `json:"cwd,omitempty"`
}

// ContextRefPayload addresses an existing interpreter context.
type ContextRefPayload struct {
	ContextID string `json:"context_id"`
}

// FileReadPayload asks the daemon to send a file's content back in an
// EventResult payload.
type FileReadPayload struct {
	Path string `json:"path"`
}

// FileWritePayload writes content to a path inside the sandbox.
type FileWritePayload struct {
	Path string `json:"path"`
	Data []byte `json:"data"`
}

// --- Event payloads ---

// StartedPayload accompanies EventStarted.
type StartedPayload struct {
	PID int `json:"pid,omitempty"`
}

// ChunkPayload accompanies EventStdout and EventStderr. Data is base64 on
// the wire, so binary-safe.
type ChunkPayload struct {
	Data []byte `json:"data"`
}

// ResultPayload accompanies EventResult. Bundle maps a MIME type to the
// rendered representation of one displayed value. Context describes the
// created/listed context for context operations; File carries file content
// for file reads.
type ResultPayload struct {
	Bundle       map[string][]byte `json:"bundle,omitempty"`
	IsMainResult bool              `json:"is_main_result,omitempty"`
	Context      *ContextInfo      `json:"context,omitempty"`
	File         []byte            `json:"file,omitempty"`
}

// ContextInfo describes one interpreter context.
type ContextInfo struct {
	ID       string `json:"id"`
	Language string `json:"language,omitempty"`
	Cwd      string `json:"cwd,omitempty"`
}

// ErrorPayload accompanies EventError.
type ErrorPayload struct {
	Name      string   `json:"name"`
	Value     string   `json:"value"`
	Traceback []string `json:"traceback,omitempty"`
}

// EndPayload accompanies EventEnd. ExitCode is nil for operations that have
// no exit status (interpreter runs, context operations).
type EndPayload struct {
	ExitCode *int `json:"exit_code,omitempty"`
}
