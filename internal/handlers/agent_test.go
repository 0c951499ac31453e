package handlers

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/localrunapp/localrun/internal/agentwire"
	"github.com/localrunapp/localrun/internal/config"
	"github.com/localrunapp/localrun/internal/database"
)

// captureTransport records every message sent to the agent.
type captureTransport struct {
	mu   sync.Mutex
	sent []agentwire.Message
}

func (c *captureTransport) Send(_ context.Context, msg agentwire.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *captureTransport) Close(string) error { return nil }

func (c *captureTransport) messages() []agentwire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]agentwire.Message(nil), c.sent...)
}

func TestWelcomeAgentHandshake(t *testing.T) {
	setupHandlers(t)
	config.Cfg.HeartbeatInterval = 10 * time.Second

	srv := &database.Server{ID: "44444444-4444-4444-4444-444444444444", Name: "box", Host: "10.0.0.9"}
	if err := database.SaveServer(srv); err != nil {
		t.Fatal(err)
	}

	tr := &captureTransport{}
	welcomeAgent(context.Background(), tr, srv.ID)

	msgs := tr.messages()
	wantTypes := []string{
		agentwire.TypeRegistrationSuccess,
		agentwire.TypeConfigUpdate,
		agentwire.TypeScanRequest,
	}
	if len(msgs) != len(wantTypes) {
		t.Fatalf("sent %d messages, want %d: %+v", len(msgs), len(wantTypes), msgs)
	}
	for i, want := range wantTypes {
		if msgs[i].Type != want {
			t.Errorf("message %d type = %s, want %s", i, msgs[i].Type, want)
		}
	}
	if msgs[0].ServerID != srv.ID {
		t.Errorf("ack server id = %s", msgs[0].ServerID)
	}

	var cfg agentwire.ConfigUpdatePayload
	if err := json.Unmarshal(msgs[1].Data, &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.HeartbeatIntervalSeconds != 10 {
		t.Errorf("pushed heartbeat interval = %d, want 10", cfg.HeartbeatIntervalSeconds)
	}

	got, err := database.GetServer(srv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ScanStatus != "scanning" {
		t.Errorf("scan status after handshake = %s, want scanning", got.ScanStatus)
	}
}
