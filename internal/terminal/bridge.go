// Package terminal relays interactive shell sessions between dashboard
// viewers and remote agents over the agent channel, keyed by session
// id. The agent multiplexes shells itself; the bridge's job is a
// byte-accurate, order-preserving relay with no crosstalk between
// sessions.
package terminal

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/localrunapp/localrun/internal/agentwire"
	"github.com/localrunapp/localrun/internal/registry"
)

// Resize dimensions are clamped to keep malformed frames from
// producing absurd ptys agent-side.
const (
	MaxCols uint16 = 512
	MaxRows uint16 = 256
)

// ErrAgentUnavailable mirrors registry.ErrAgentUnavailable for callers
// that only import this package.
var ErrAgentUnavailable = registry.ErrAgentUnavailable

// ViewerSink is the viewer-facing half of a session: shell output goes
// to WriteOutput, Close ends the viewer stream.
type ViewerSink interface {
	WriteOutput(p []byte) error
	Close(reason string)
}

// Session binds one remote shell to one dashboard viewer.
type Session struct {
	ID       string
	ServerID string

	mu     sync.Mutex
	sink   ViewerSink
	cols   uint16
	rows   uint16
	closed bool
}

// Bridge owns all live terminal sessions.
type Bridge struct {
	mu       sync.Mutex
	sessions map[string]*Session
	reg      *registry.Registry
}

func NewBridge(reg *registry.Registry) *Bridge {
	return &Bridge{
		sessions: make(map[string]*Session),
		reg:      reg,
	}
}

// Open creates a session against a connected agent and asks the agent
// to spawn a shell. Opening against a disconnected host fails with
// ErrAgentUnavailable.
func (b *Bridge) Open(ctx context.Context, serverID string, sink ViewerSink) (*Session, error) {
	if !b.reg.Connected(serverID) {
		return nil, fmt.Errorf("server %s: %w", serverID, registry.ErrAgentUnavailable)
	}

	sess := &Session{
		ID:       uuid.NewString(),
		ServerID: serverID,
		sink:     sink,
	}

	b.mu.Lock()
	b.sessions[sess.ID] = sess
	b.mu.Unlock()
	b.reg.AddSession(serverID, sess.ID)

	err := b.reg.SendToAgent(ctx, serverID, agentwire.Message{
		Type:      agentwire.TypeTerminalOpen,
		SessionID: sess.ID,
	})
	if err != nil {
		b.release(sess)
		return nil, err
	}

	log.Printf("[terminal] session %s opened for server %s", sess.ID, serverID)
	return sess, nil
}

// Get returns a live session by id, or nil.
func (b *Bridge) Get(sessionID string) *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[sessionID]
}

// Input forwards viewer keystrokes to the agent's shell.
func (b *Bridge) Input(ctx context.Context, sessionID string, data []byte) error {
	sess := b.Get(sessionID)
	if sess == nil {
		return fmt.Errorf("terminal session %s not found", sessionID)
	}
	return b.reg.SendToAgent(ctx, sess.ServerID, agentwire.Message{
		Type:      agentwire.TypeTerminalInput,
		SessionID: sessionID,
		Bytes:     data,
	})
}

// Resize forwards a viewer resize, clamped to sane bounds.
func (b *Bridge) Resize(ctx context.Context, sessionID string, cols, rows uint16) error {
	sess := b.Get(sessionID)
	if sess == nil {
		return fmt.Errorf("terminal session %s not found", sessionID)
	}
	if cols > MaxCols {
		cols = MaxCols
	}
	if rows > MaxRows {
		rows = MaxRows
	}
	sess.mu.Lock()
	sess.cols, sess.rows = cols, rows
	sess.mu.Unlock()

	return b.reg.SendToAgent(ctx, sess.ServerID, agentwire.Message{
		Type:      agentwire.TypeTerminalResize,
		SessionID: sessionID,
		Cols:      cols,
		Rows:      rows,
	})
}

// Output routes shell output from the agent to the owning viewer.
// Frames for unknown sessions are dropped, never cross-delivered.
func (b *Bridge) Output(sessionID string, data []byte) {
	sess := b.Get(sessionID)
	if sess == nil {
		return
	}
	sess.mu.Lock()
	sink := sess.sink
	closed := sess.closed
	sess.mu.Unlock()
	if closed {
		return
	}
	if err := sink.WriteOutput(data); err != nil {
		// Viewer went away mid-write; tear the session down.
		b.CloseFromViewer(context.Background(), sessionID)
	}
}

// CloseFromViewer ends a session at the viewer's request (or on viewer
// socket loss) and tells the agent to kill the shell.
func (b *Bridge) CloseFromViewer(ctx context.Context, sessionID string) {
	sess := b.take(sessionID)
	if sess == nil {
		return
	}
	b.reg.SendToAgent(ctx, sess.ServerID, agentwire.Message{
		Type:      agentwire.TypeTerminalClose,
		SessionID: sessionID,
	})
	b.finish(sess, "closed by viewer")
}

// CloseFromAgent ends a session the agent reported closed (shell
// exited). No close command is echoed back.
func (b *Bridge) CloseFromAgent(sessionID string) {
	sess := b.take(sessionID)
	if sess == nil {
		return
	}
	b.finish(sess, "shell closed")
}

// CloseForServer releases every session belonging to a host; invoked
// by the registry when a connection is superseded or times out.
func (b *Bridge) CloseForServer(serverID string, sessionIDs []string) {
	for _, id := range sessionIDs {
		sess := b.take(id)
		if sess == nil {
			continue
		}
		b.finish(sess, "agent disconnected")
	}
}

// take removes a session from the map, returning nil if it was already
// gone. Ensures close-from-both-ends races release exactly once.
func (b *Bridge) take(sessionID string) *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(b.sessions, sessionID)
	return sess
}

func (b *Bridge) release(sess *Session) {
	b.mu.Lock()
	delete(b.sessions, sess.ID)
	b.mu.Unlock()
	b.reg.RemoveSession(sess.ServerID, sess.ID)
}

func (b *Bridge) finish(sess *Session, reason string) {
	b.reg.RemoveSession(sess.ServerID, sess.ID)

	sess.mu.Lock()
	alreadyClosed := sess.closed
	sess.closed = true
	sink := sess.sink
	sess.mu.Unlock()

	if !alreadyClosed {
		sink.Close(reason)
		log.Printf("[terminal] session %s for server %s released (%s)", sess.ID, sess.ServerID, reason)
	}
}

// Count reports the number of live sessions (all hosts).
func (b *Bridge) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}
