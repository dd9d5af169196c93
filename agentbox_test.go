package agentbox

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ucloud/agentbox-go/internal/api"
	"github.com/ucloud/agentbox-go/internal/protocol"
	"github.com/ucloud/agentbox-go/internal/transport"
)

// fakeControlPlane records lifecycle calls instead of talking to a service.
type fakeControlPlane struct {
	mu           sync.Mutex
	createCalls  int
	connectCalls int
	killCalls    int
	timeoutCalls int
	infoCalls    int
	listCalls    int

	createErr error
	lastReq   *api.CreateRequest
}

func (f *fakeControlPlane) Create(_ context.Context, req *api.CreateRequest) (*api.SandboxDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.lastReq = req
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &api.SandboxDetail{
		SandboxID:   "sbx-test",
		TemplateID:  req.TemplateID,
		AccessToken: "tok",
	}, nil
}

func (f *fakeControlPlane) Connect(_ context.Context, sandboxID string, _ int) (*api.SandboxDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	return &api.SandboxDetail{SandboxID: sandboxID, TemplateID: "base", AccessToken: "tok"}, nil
}

func (f *fakeControlPlane) Kill(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killCalls++
	return nil
}

func (f *fakeControlPlane) SetTimeout(_ context.Context, _ string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeoutCalls++
	return nil
}

func (f *fakeControlPlane) Info(_ context.Context, sandboxID string) (*api.SandboxDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infoCalls++
	return &api.SandboxDetail{SandboxID: sandboxID, TemplateID: "base"}, nil
}

func (f *fakeControlPlane) List(_ context.Context) ([]api.SandboxDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return []api.SandboxDetail{{SandboxID: "sbx-test"}}, nil
}

func (f *fakeControlPlane) kills() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killCalls
}

// daemonHandler answers one request by pushing events onto its stream.
type daemonHandler func(req *protocol.Request, st *transport.Stream)

// fakeSession satisfies transport.Session without a network.
type fakeSession struct {
	handler daemonHandler

	mu         sync.Mutex
	closed     bool
	closeCalls int
	requests   []*protocol.Request
}

func (f *fakeSession) Send(_ context.Context, req *protocol.Request) (*transport.Stream, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, transport.ErrChannelClosed
	}
	f.requests = append(f.requests, req)
	h := f.handler
	f.mu.Unlock()

	st := transport.NewStream(req.ID, 0)
	go h(req, st)
	return st, nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.closeCalls++
	}
	return nil
}

func (f *fakeSession) count(reqType protocol.RequestType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r.Type == reqType {
			n++
		}
	}
	return n
}

func (f *fakeSession) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func decodePayload(req *protocol.Request, target any) error {
	return json.Unmarshal(req.Payload, target)
}

// push frames one event onto a stream, failing the test on marshal errors.
func push(t *testing.T, st *transport.Stream, eventType protocol.EventType, requestID string, payload any) {
	t.Helper()
	ev, err := protocol.NewEvent(eventType, requestID, payload)
	if err != nil {
		t.Errorf("NewEvent(%s): %v", eventType, err)
		return
	}
	st.Push(*ev)
}

func endWithCode(t *testing.T, st *transport.Stream, requestID string, code int) {
	push(t, st, protocol.EventEnd, requestID, protocol.EndPayload{ExitCode: &code})
}

// newTestSandbox provisions a sandbox against fakes. Extra options layer on
// top of the fake wiring.
func newTestSandbox(t *testing.T, handler daemonHandler, opts ...Option) (*Sandbox, *fakeControlPlane, *fakeSession) {
	t.Helper()
	cp := &fakeControlPlane{}
	fs := &fakeSession{handler: handler}
	base := []Option{
		WithAPIKey("test-key"),
		WithDomain("test.example.com"),
		withControlPlane(cp),
		withDialer(func(context.Context, transport.Config) (transport.Session, error) {
			return fs, nil
		}),
	}
	sb, err := Create(context.Background(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { _ = sb.Close(context.Background()) })
	return sb, cp, fs
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", d, msg)
}
