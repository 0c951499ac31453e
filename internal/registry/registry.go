// Package registry tracks one live channel per registered host agent,
// watches heartbeats, and fans live metrics out to dashboard
// subscribers.
package registry

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/localrunapp/localrun/internal/agentwire"
)

var ErrAgentUnavailable = errors.New("agent not connected")

// Transport abstracts the websocket (or any channel) carrying agent
// messages, so the registry can be exercised without a network.
type Transport interface {
	Send(ctx context.Context, msg agentwire.Message) error
	Close(reason string) error
}

// Conn is the live record for one agent channel. A host has at most
// one; a newer connection for the same host id supersedes it.
type Conn struct {
	ServerID  string
	transport Transport

	mu        sync.Mutex
	status    string // "connected" or "disconnected"
	lastSeen  time.Time
	lastStats *agentwire.StatsPayload
	sessions  map[string]struct{} // active terminal session ids
}

// LastStats returns the most recent stats snapshot, or nil.
func (c *Conn) LastStats() *agentwire.StatsPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStats
}

// LastSeen returns the time of the last heartbeat or stats frame.
func (c *Conn) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Connected reports whether the connection is still considered live.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == "connected"
}

// SessionIDs snapshots the active terminal session ids.
func (c *Conn) SessionIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Config carries the heartbeat contract parameters.
type Config struct {
	HeartbeatTimeout time.Duration
	SubscriberBuffer int
}

func DefaultConfig() Config {
	return Config{HeartbeatTimeout: 15 * time.Second, SubscriberBuffer: 16}
}

// Registry is the connection arena keyed by host id plus its fanout
// hub. All map mutations happen under one mutex so lifecycle
// transitions for a key never race.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*Conn
	hub   *hub
	cfg   Config

	// OnStatusChange, when set, persists connectivity transitions.
	OnStatusChange func(serverID, status string)
	// CloseSessions, when set, releases the terminal sessions of a
	// connection being torn down. Wired to the terminal bridge.
	CloseSessions func(serverID string, sessionIDs []string)
}

func New(cfg Config) *Registry {
	return &Registry{
		conns: make(map[string]*Conn),
		hub:   newHub(cfg.SubscriberBuffer),
		cfg:   cfg,
	}
}

// Register accepts a new agent channel for a host. If a connection
// already exists for the host id, the old one is closed first
// (last-writer-wins) along with all its terminal sessions.
func (r *Registry) Register(serverID string, transport Transport) *Conn {
	conn := &Conn{
		ServerID:  serverID,
		transport: transport,
		status:    "connected",
		lastSeen:  time.Now(),
		sessions:  make(map[string]struct{}),
	}

	r.mu.Lock()
	old := r.conns[serverID]
	r.conns[serverID] = conn
	r.mu.Unlock()

	if old != nil {
		log.Printf("[registry] server %s: superseding previous connection", serverID)
		r.teardown(old, "superseded by new connection", false)
	}

	log.Printf("[registry] server %s: agent connected", serverID)
	r.statusChanged(serverID, "connected")
	return conn
}

// Remove finalizes a connection whose transport reported closure. It
// is a no-op if the connection was already superseded; both the
// transport-close path and the heartbeat-timeout path converge here.
func (r *Registry) Remove(conn *Conn) {
	r.mu.Lock()
	current := r.conns[conn.ServerID] == conn
	if current {
		delete(r.conns, conn.ServerID)
	}
	r.mu.Unlock()

	if !current {
		return
	}
	r.teardown(conn, "transport closed", true)
}

// teardown releases a connection's resources and, when notify is set,
// emits exactly one disconnect status event.
func (r *Registry) teardown(conn *Conn, reason string, notify bool) {
	conn.mu.Lock()
	wasConnected := conn.status == "connected"
	conn.status = "disconnected"
	sessions := make([]string, 0, len(conn.sessions))
	for id := range conn.sessions {
		sessions = append(sessions, id)
	}
	conn.sessions = make(map[string]struct{})
	conn.mu.Unlock()

	if len(sessions) > 0 && r.CloseSessions != nil {
		r.CloseSessions(conn.ServerID, sessions)
	}
	conn.transport.Close(reason)

	if notify && wasConnected {
		log.Printf("[registry] server %s: agent disconnected (%s)", conn.ServerID, reason)
		r.statusChanged(conn.ServerID, "disconnected")
	}
}

// Get returns the live connection for a host id, or nil.
func (r *Registry) Get(serverID string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[serverID]
}

// Connected reports whether a host currently has a live connection.
func (r *Registry) Connected(serverID string) bool {
	conn := r.Get(serverID)
	return conn != nil && conn.Connected()
}

// Touch refreshes a host's last-seen timestamp (heartbeat).
func (r *Registry) Touch(serverID string) {
	conn := r.Get(serverID)
	if conn == nil {
		return
	}
	conn.mu.Lock()
	conn.lastSeen = time.Now()
	conn.mu.Unlock()
}

// PublishStats records a stats snapshot and broadcasts it to every
// subscriber for the host, in arrival order. Stats count as
// heartbeats.
func (r *Registry) PublishStats(serverID string, stats *agentwire.StatsPayload) {
	conn := r.Get(serverID)
	if conn == nil {
		return
	}
	conn.mu.Lock()
	conn.lastSeen = time.Now()
	conn.lastStats = stats
	conn.mu.Unlock()

	r.hub.publish(Event{
		Type:      EventStats,
		ServerID:  serverID,
		Stats:     stats,
		Timestamp: time.Now().UTC(),
	})
}

// PublishScanStatus broadcasts a scan lifecycle update for a host.
func (r *Registry) PublishScanStatus(serverID, status string) {
	r.hub.publish(Event{
		Type:       EventScanStatus,
		ServerID:   serverID,
		ScanStatus: status,
		Timestamp:  time.Now().UTC(),
	})
}

// Subscribe attaches a dashboard viewer to a host's event stream.
func (r *Registry) Subscribe(serverID string) *Subscriber {
	return r.hub.subscribe(serverID)
}

// Unsubscribe detaches a viewer; only that viewer's delivery stops.
func (r *Registry) Unsubscribe(sub *Subscriber) {
	r.hub.unsubscribe(sub)
}

// SendToAgent delivers a backend command to a host's agent. It fails
// with ErrAgentUnavailable when no live connection exists.
func (r *Registry) SendToAgent(ctx context.Context, serverID string, msg agentwire.Message) error {
	conn := r.Get(serverID)
	if conn == nil || !conn.Connected() {
		return ErrAgentUnavailable
	}
	return conn.transport.Send(ctx, msg)
}

// AddSession records a terminal session on its owning connection.
func (r *Registry) AddSession(serverID, sessionID string) {
	conn := r.Get(serverID)
	if conn == nil {
		return
	}
	conn.mu.Lock()
	conn.sessions[sessionID] = struct{}{}
	conn.mu.Unlock()
}

// RemoveSession drops a terminal session from its owning connection.
func (r *Registry) RemoveSession(serverID, sessionID string) {
	conn := r.Get(serverID)
	if conn == nil {
		return
	}
	conn.mu.Lock()
	delete(conn.sessions, sessionID)
	conn.mu.Unlock()
}

// SweepOnce enforces the heartbeat contract: connections that have not
// been heard from within the timeout are evicted and their transports
// closed, so the agent's read loop fails fast and it reconnects
// cleanly. The read loop's subsequent Remove finds the conn already
// gone and is a no-op; both paths converge in teardown, which emits
// exactly one disconnect.
func (r *Registry) SweepOnce(now time.Time) {
	r.mu.Lock()
	var stale []*Conn
	for id, conn := range r.conns {
		conn.mu.Lock()
		expired := conn.status == "connected" && now.Sub(conn.lastSeen) > r.cfg.HeartbeatTimeout
		conn.mu.Unlock()
		if expired {
			delete(r.conns, id)
			stale = append(stale, conn)
		}
	}
	r.mu.Unlock()

	for _, conn := range stale {
		log.Printf("[registry] server %s: heartbeat timeout, closing connection", conn.ServerID)
		r.teardown(conn, "heartbeat timeout", true)
	}
}

// StartSweeper runs SweepOnce on a ticker until ctx is cancelled.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				r.SweepOnce(t)
			}
		}
	}()
}

// CloseAll tears down every connection; used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[string]*Conn)
	r.mu.Unlock()

	for _, conn := range conns {
		r.teardown(conn, "server shutting down", false)
	}
}

// statusChanged publishes the status event and invokes the persistence
// hook.
func (r *Registry) statusChanged(serverID, status string) {
	if r.OnStatusChange != nil {
		r.OnStatusChange(serverID, status)
	}
	r.hub.publish(Event{
		Type:        EventAgentStatus,
		ServerID:    serverID,
		AgentStatus: status,
		Timestamp:   time.Now().UTC(),
	})
}
