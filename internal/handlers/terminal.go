package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/localrunapp/localrun/internal/registry"
)

// terminalRateLimit defines the maximum number of messages allowed per
// second per viewer WebSocket. Messages beyond this rate are dropped.
const terminalRateLimit = 200

// terminalRateBurst is the token bucket burst size, allowing short
// bursts of rapid input (e.g., paste operations) before rate limiting
// kicks in.
const terminalRateBurst = 200

type termControlMsg struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// wsViewerSink delivers shell output to the viewer websocket as binary
// frames.
type wsViewerSink struct {
	conn *websocket.Conn
	ctx  context.Context
}

func (s *wsViewerSink) WriteOutput(p []byte) error {
	return s.conn.Write(s.ctx, websocket.MessageBinary, p)
}

func (s *wsViewerSink) Close(reason string) {
	s.conn.Close(websocket.StatusNormalClosure, reason)
}

// TerminalWS connects a dashboard viewer to an interactive shell on a
// remote server. Binary frames carry keystrokes; text frames carry
// resize and close control messages.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "id")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[terminal] websocket accept: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	sink := &wsViewerSink{conn: conn, ctx: ctx}

	sess, err := TermBridge.Open(ctx, serverID, sink)
	if err != nil {
		if errors.Is(err, registry.ErrAgentUnavailable) {
			conn.Close(4004, "Agent not connected")
		} else {
			conn.Close(4500, "Failed to open terminal session")
		}
		return
	}
	defer TermBridge.CloseFromViewer(context.Background(), sess.ID)

	bucket := newTokenBucket(terminalRateBurst, terminalRateLimit)

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if !bucket.allow() {
			continue
		}

		switch msgType {
		case websocket.MessageBinary:
			if err := TermBridge.Input(ctx, sess.ID, data); err != nil {
				return
			}
		case websocket.MessageText:
			var ctrl termControlMsg
			if err := json.Unmarshal(data, &ctrl); err != nil {
				continue
			}
			switch ctrl.Type {
			case "resize":
				TermBridge.Resize(ctx, sess.ID, ctrl.Cols, ctrl.Rows)
			case "close":
				return
			}
		}
	}
}

// tokenBucket implements a simple token bucket rate limiter for
// terminal messages.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate int // tokens added per second
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// allow checks if a message is allowed and consumes a token.
func (tb *tokenBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tb.lastRefill = now

	tb.tokens += int(elapsed.Seconds() * float64(tb.refillRate))
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}

	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}
