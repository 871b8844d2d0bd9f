package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/parley-app/parley/internal/core"
)

var upgrader = websocket.Upgrader{
	// Local control surface; the UI may come from a webview origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleEvents upgrades the request and streams bus events until the client
// goes away or the process shuts down.
func HandleEvents(ctx context.Context, bus *core.Bus, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "httpapi").Msg("ws upgrade")
		return
	}
	defer ws.Close()

	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	// Drain inbound frames so close handshakes and pings are processed.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-clientGone:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Error().Err(err).Str("module", "httpapi").Msg("event marshal")
				continue
			}
			if err := ws.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "httpapi").Msg("event write error")
				return
			}
		}
	}
}
