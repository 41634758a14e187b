package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/manuscriptlab/palimpsest/pkg/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// websocketHandler handles GET /api/v1/ws. Observers subscribe to
// submission channels over the socket and receive the same stream the
// submitting client gets.
func (s *Server) websocketHandler(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.hub.HandleConnection(c.Request.Context(), conn)
}

// documentEventsHandler handles GET /api/v1/documents/:hash/events: an
// observer socket pre-subscribed to one submission's channel.
func (s *Server) documentEventsHandler(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.hub.HandleObserver(c.Request.Context(), conn, events.SubmissionChannel(c.Param("hash")))
}
