package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 10 * time.Second
	// wsBuffer is the per-subscriber event buffer; slow readers lose
	// events rather than stall the bus.
	wsBuffer = 64
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API key middleware already gated the request.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEventsWS streams bus events to the client as JSON frames with a
// keepalive ping every 30 seconds.
func (s *Server) handleEventsWS(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	events, cancel := s.bus.Subscribe(wsBuffer)
	defer cancel()

	// Drain reads so close frames and pongs are processed.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, readErr := conn.ReadMessage(); readErr != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-readDone:
			return
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err = conn.WriteJSON(ev); err != nil {
				log.WithError(err).Debug("websocket write failed")
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err = conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
