package terminal

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/localrunapp/localrun/internal/agentwire"
	"github.com/localrunapp/localrun/internal/registry"
)

// fakeAgent captures messages sent toward one agent.
type fakeAgent struct {
	mu   sync.Mutex
	sent []agentwire.Message
}

func (f *fakeAgent) Send(_ context.Context, msg agentwire.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeAgent) Close(string) error { return nil }

func (f *fakeAgent) messages() []agentwire.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]agentwire.Message, len(f.sent))
	copy(out, f.sent)
	return out
}

// memSink buffers viewer output.
type memSink struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	closed   bool
	reason   string
	writeErr error
}

func (m *memSink) WriteOutput(p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.buf.Write(p)
	return nil
}

func (m *memSink) Close(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.reason = reason
}

func (m *memSink) output() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.String()
}

func (m *memSink) wasClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func setup(t *testing.T) (*Bridge, *registry.Registry, *fakeAgent) {
	t.Helper()
	reg := registry.New(registry.DefaultConfig())
	agent := &fakeAgent{}
	reg.Register("srv-1", agent)

	b := NewBridge(reg)
	reg.CloseSessions = b.CloseForServer
	return b, reg, agent
}

func TestOpenRequiresConnectedAgent(t *testing.T) {
	reg := registry.New(registry.DefaultConfig())
	b := NewBridge(reg)

	_, err := b.Open(context.Background(), "ghost", &memSink{})
	if !errors.Is(err, registry.ErrAgentUnavailable) {
		t.Fatalf("err = %v, want ErrAgentUnavailable", err)
	}
}

func TestOpenSendsTerminalOpen(t *testing.T) {
	b, _, agent := setup(t)

	sess, err := b.Open(context.Background(), "srv-1", &memSink{})
	if err != nil {
		t.Fatal(err)
	}
	if sess.ID == "" {
		t.Error("session has no id")
	}

	msgs := agent.messages()
	if len(msgs) != 1 || msgs[0].Type != agentwire.TypeTerminalOpen || msgs[0].SessionID != sess.ID {
		t.Errorf("agent received %v", msgs)
	}
}

func TestInputOutputNoCrosstalk(t *testing.T) {
	b, _, _ := setup(t)

	sinkA := &memSink{}
	sinkB := &memSink{}
	sessA, err := b.Open(context.Background(), "srv-1", sinkA)
	if err != nil {
		t.Fatal(err)
	}
	sessB, err := b.Open(context.Background(), "srv-1", sinkB)
	if err != nil {
		t.Fatal(err)
	}

	b.Output(sessA.ID, []byte("for-a"))
	b.Output(sessB.ID, []byte("for-b"))
	b.Output("unknown-session", []byte("dropped"))

	if sinkA.output() != "for-a" {
		t.Errorf("sink A = %q", sinkA.output())
	}
	if sinkB.output() != "for-b" {
		t.Errorf("sink B = %q", sinkB.output())
	}
}

func TestOutputPreservesOrder(t *testing.T) {
	b, _, _ := setup(t)
	sink := &memSink{}
	sess, err := b.Open(context.Background(), "srv-1", sink)
	if err != nil {
		t.Fatal(err)
	}

	for _, chunk := range []string{"one ", "two ", "three"} {
		b.Output(sess.ID, []byte(chunk))
	}
	if sink.output() != "one two three" {
		t.Errorf("output = %q", sink.output())
	}
}

func TestResizeClampsDimensions(t *testing.T) {
	b, _, agent := setup(t)
	sess, err := b.Open(context.Background(), "srv-1", &memSink{})
	if err != nil {
		t.Fatal(err)
	}

	if err := b.Resize(context.Background(), sess.ID, 10000, 9000); err != nil {
		t.Fatal(err)
	}

	msgs := agent.messages()
	last := msgs[len(msgs)-1]
	if last.Type != agentwire.TypeTerminalResize {
		t.Fatalf("last message = %v", last)
	}
	if last.Cols != MaxCols || last.Rows != MaxRows {
		t.Errorf("resize forwarded %dx%d, want clamped %dx%d", last.Cols, last.Rows, MaxCols, MaxRows)
	}
}

func TestCloseFromViewerNotifiesAgent(t *testing.T) {
	b, _, agent := setup(t)
	sink := &memSink{}
	sess, err := b.Open(context.Background(), "srv-1", sink)
	if err != nil {
		t.Fatal(err)
	}

	b.CloseFromViewer(context.Background(), sess.ID)

	if !sink.wasClosed() {
		t.Error("viewer sink not closed")
	}
	msgs := agent.messages()
	last := msgs[len(msgs)-1]
	if last.Type != agentwire.TypeTerminalClose || last.SessionID != sess.ID {
		t.Errorf("agent not told to close: %v", last)
	}
	if b.Get(sess.ID) != nil {
		t.Error("session still registered")
	}

	// Second close from either side is a no-op.
	b.CloseFromViewer(context.Background(), sess.ID)
	b.CloseFromAgent(sess.ID)
}

func TestCloseFromAgentReleasesViewer(t *testing.T) {
	b, _, agent := setup(t)
	sink := &memSink{}
	sess, err := b.Open(context.Background(), "srv-1", sink)
	if err != nil {
		t.Fatal(err)
	}

	before := len(agent.messages())
	b.CloseFromAgent(sess.ID)

	if !sink.wasClosed() {
		t.Error("viewer sink not closed")
	}
	// No close command echoed back at the agent.
	if len(agent.messages()) != before {
		t.Errorf("agent received extra messages: %v", agent.messages()[before:])
	}
}

func TestAgentDisconnectClosesAllSessions(t *testing.T) {
	b, reg, _ := setup(t)

	sinkA := &memSink{}
	sinkB := &memSink{}
	if _, err := b.Open(context.Background(), "srv-1", sinkA); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Open(context.Background(), "srv-1", sinkB); err != nil {
		t.Fatal(err)
	}
	if b.Count() != 2 {
		t.Fatalf("session count = %d", b.Count())
	}

	reg.Remove(reg.Get("srv-1"))

	if b.Count() != 0 {
		t.Errorf("sessions left after agent disconnect: %d", b.Count())
	}
	if !sinkA.wasClosed() || !sinkB.wasClosed() {
		t.Error("viewer sinks not closed on agent disconnect")
	}
}

func TestOutputAfterViewerWriteFailure(t *testing.T) {
	b, _, _ := setup(t)
	sink := &memSink{writeErr: errors.New("viewer gone")}
	sess, err := b.Open(context.Background(), "srv-1", sink)
	if err != nil {
		t.Fatal(err)
	}

	b.Output(sess.ID, []byte("data"))

	if b.Get(sess.ID) != nil {
		t.Error("session survived viewer write failure")
	}
}

func TestInputUnknownSession(t *testing.T) {
	b, _, _ := setup(t)
	if err := b.Input(context.Background(), "nope", []byte("x")); err == nil {
		t.Error("input to unknown session should fail")
	}
}
