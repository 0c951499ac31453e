package handlers

import (
	"log"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/localrunapp/localrun/internal/database"
)

// ServerStatsWS streams live stats and status events for one server to
// a dashboard viewer. Each viewer gets its own bounded queue; a slow
// viewer loses old events, never stalls the agent.
func ServerStatsWS(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "id")
	if _, err := database.GetServer(serverID); err != nil {
		writeError(w, http.StatusNotFound, "Server not found")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[stats] websocket accept: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	sub := Registry.Subscribe(serverID)
	defer Registry.Unsubscribe(sub)

	// Read side only notices disconnects; viewers send nothing.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				conn.CloseNow()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}
