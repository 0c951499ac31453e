package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/localrunapp/localrun/internal/agentwire"
	"github.com/localrunapp/localrun/internal/config"
	"github.com/localrunapp/localrun/internal/database"
	"github.com/localrunapp/localrun/internal/reconcile"
	"github.com/localrunapp/localrun/internal/registry"
	"github.com/localrunapp/localrun/internal/supervisor"
	"github.com/localrunapp/localrun/internal/terminal"
)

// Singletons assigned from main.go during init.
var (
	Supervisor *supervisor.Supervisor
	Registry   *registry.Registry
	TermBridge *terminal.Bridge
	Reconciler *reconcile.Runner
)

// registerTimeout bounds how long a fresh agent connection may sit
// silent before sending its register frame.
const registerTimeout = 10 * time.Second

// wsTransport adapts one coder/websocket connection to the registry's
// Transport. Writes are serialized; coder/websocket rejects concurrent
// writers.
type wsTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (t *wsTransport) Send(ctx context.Context, msg agentwire.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}

// AgentWS is the single channel a host agent holds open. The first
// frame must be a register; everything after flows through the
// registry and terminal bridge.
func AgentWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[agent] websocket accept: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	regCtx, cancel := context.WithTimeout(ctx, registerTimeout)
	first, err := readMessage(regCtx, conn)
	cancel()
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "register frame expected")
		return
	}
	if first.Type != agentwire.TypeRegister {
		conn.Close(websocket.StatusPolicyViolation, "first frame must be register")
		return
	}

	serverID, err := registerAgent(first)
	if err != nil {
		log.Printf("[agent] registration failed: %v", err)
		conn.Close(websocket.StatusInternalError, "registration failed")
		return
	}

	transport := &wsTransport{conn: conn}
	agentConn := Registry.Register(serverID, transport)

	welcomeAgent(ctx, transport, serverID)

	for {
		msg, err := readMessage(ctx, conn)
		if err != nil {
			Registry.Remove(agentConn)
			return
		}
		dispatchAgentFrame(ctx, transport, serverID, msg)
	}
}

// welcomeAgent completes the registration handshake: ack, current
// config, and an immediate discovery scan. The agent blocks on the
// ack, so send failures are worth logging even though the read loop
// will notice the dead socket on its own.
func welcomeAgent(ctx context.Context, transport registry.Transport, serverID string) {
	err := transport.Send(ctx, agentwire.Message{
		Type:     agentwire.TypeRegistrationSuccess,
		ServerID: serverID,
	})
	if err != nil {
		log.Printf("[agent] server %s: registration ack failed: %v", serverID, err)
		return
	}

	cfgData, err := json.Marshal(agentwire.ConfigUpdatePayload{
		HeartbeatIntervalSeconds: int(config.Cfg.HeartbeatInterval.Seconds()),
		StatsIntervalSeconds:     int(config.Cfg.HeartbeatInterval.Seconds()),
	})
	if err == nil {
		err = transport.Send(ctx, agentwire.Message{
			Type: agentwire.TypeConfigUpdate,
			Data: cfgData,
		})
	}
	if err != nil {
		log.Printf("[agent] server %s: config push failed: %v", serverID, err)
	}

	// Kick off a discovery scan right after registration, matching
	// what a fresh dashboard expects to see.
	if err := transport.Send(ctx, agentwire.Message{Type: agentwire.TypeScanRequest}); err != nil {
		log.Printf("[agent] server %s: scan request failed: %v", serverID, err)
		return
	}
	if err := database.MarkScanStarted(serverID); err != nil {
		log.Printf("[agent] server %s: mark scan started: %v", serverID, err)
	}
}

func readMessage(ctx context.Context, conn *websocket.Conn) (agentwire.Message, error) {
	var msg agentwire.Message
	_, data, err := conn.Read(ctx)
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// registerAgent upserts the server row for a registering agent and
// returns its id. Agents reconnecting with a known id keep it; new
// agents get a fresh uuid.
func registerAgent(msg agentwire.Message) (string, error) {
	var payload agentwire.RegisterPayload
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return "", err
		}
	}

	var srv *database.Server
	if msg.ServerID != "" {
		existing, err := database.GetServer(msg.ServerID)
		if err == nil {
			srv = existing
		}
	}
	if srv == nil {
		srv = &database.Server{
			ID:   uuid.NewString(),
			Name: payload.Hostname,
		}
	}

	srv.Host = payload.LocalIP
	srv.IsLocal = payload.IsLocal
	srv.OSType = payload.Platform
	srv.OSVersion = payload.OSVersion
	srv.NetworkIP = payload.LocalIP
	srv.AgentStatus = database.AgentConnected
	now := time.Now().UTC()
	srv.LastSeen = &now
	if srv.Name == "" {
		srv.Name = payload.Hostname
	}

	if err := database.SaveServer(srv); err != nil {
		return "", err
	}
	log.Printf("[agent] server %s (%s) registered", srv.ID, srv.Name)
	return srv.ID, nil
}

func dispatchAgentFrame(ctx context.Context, transport registry.Transport, serverID string, msg agentwire.Message) {
	switch msg.Type {
	case agentwire.TypePing:
		Registry.Touch(serverID)
		transport.Send(ctx, agentwire.Message{Type: agentwire.TypePong})

	case agentwire.TypeStats:
		var stats agentwire.StatsPayload
		if err := json.Unmarshal(msg.Data, &stats); err != nil {
			log.Printf("[agent] server %s: bad stats payload: %v", serverID, err)
			return
		}
		Registry.PublishStats(serverID, &stats)

	case agentwire.TypeScanResult:
		var payload agentwire.ScanResultPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			log.Printf("[agent] server %s: bad scan payload: %v", serverID, err)
			return
		}
		entries, err := json.Marshal(payload.Entries)
		if err != nil {
			return
		}
		if err := database.SaveScanResult(serverID, string(entries)); err != nil {
			log.Printf("[agent] server %s: save scan: %v", serverID, err)
			return
		}
		Registry.PublishScanStatus(serverID, "completed")

	case agentwire.TypeTerminalOutput:
		TermBridge.Output(msg.SessionID, msg.Bytes)

	case agentwire.TypeTerminalClosed:
		TermBridge.CloseFromAgent(msg.SessionID)

	default:
		log.Printf("[agent] server %s: unknown frame type %q", serverID, msg.Type)
	}
}
