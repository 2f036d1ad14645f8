// Package websocket upgrades HTTP connections and hands them to the
// realtime hub.
package websocket

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Thioby/homeclaw-agent-sub000/internal/logging"
	"github.com/Thioby/homeclaw-agent-sub000/internal/realtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Local installation, UI and kernel share the host.
		return true
	},
}

// Handler returns the HTTP handler for websocket upgrades.
func Handler(hub *realtime.Hub, api *realtime.API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientID := r.URL.Query().Get("clientId")
		if clientID == "" {
			clientID = "client-" + uuid.New().String()[:8]
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warnf("[websocket] upgrade failed: %v", err)
			return
		}

		logging.Debugf("[websocket] client %s connected", clientID)
		realtime.ServeWS(hub, api, conn, clientID)
	}
}
