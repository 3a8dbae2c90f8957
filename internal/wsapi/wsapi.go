// Package wsapi streams RuntimeState change events to WebSocket clients.
// Grounded step-for-step on original_source/backend/api/websocket.py: the
// same api-key check, the same 30s receive timeout that degrades to a
// ping, and unsubscribe-on-disconnect.
package wsapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fisaks/scalegate/internal/logging"
	"github.com/fisaks/scalegate/internal/manager"
)

const pingInterval = 30 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Handler struct {
	manager *manager.Manager
	apiKey  string
}

func NewHandler(mgr *manager.Manager, apiKey string) *Handler {
	return &Handler{manager: mgr, apiKey: apiKey}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.apiKey != "" {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key != h.apiKey {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(4401, "invalid api key"),
				time.Now().Add(time.Second))
			conn.Close()
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := h.manager.Subscribe()
	defer h.manager.Unsubscribe(ch)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-time.After(pingInterval):
			if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
				return
			}
		}
	}
}
