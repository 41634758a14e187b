// Package api exposes the HTTP surface: document submission with a
// streaming response, observer WebSockets, and the admin endpoints over
// budget, cache, and archive.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/manuscriptlab/palimpsest/pkg/events"
	"github.com/manuscriptlab/palimpsest/pkg/services"
	"github.com/manuscriptlab/palimpsest/pkg/version"
)

// Server wires the handlers to the restoration service.
type Server struct {
	svc *services.RestorationService
	hub *events.Hub
}

// NewServer creates the API server. hub may be nil to disable the
// observer endpoint.
func NewServer(svc *services.RestorationService, hub *events.Hub) *Server {
	if svc == nil {
		panic("NewServer: svc must not be nil")
	}
	return &Server{svc: svc, hub: hub}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(securityHeaders())

	r.GET("/healthz", s.healthHandler)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.POST("/documents", s.submitDocumentHandler)
		v1.GET("/archive/:hash", s.archiveLookupHandler)
		v1.GET("/budget", s.budgetSnapshotHandler)
		v1.PUT("/budget/cap", s.setBudgetCapHandler)
		v1.GET("/cache/stats", s.cacheStatsHandler)
		if s.hub != nil {
			v1.GET("/ws", s.websocketHandler)
			v1.GET("/documents/:hash/events", s.documentEventsHandler)
		}
	}
	return r
}

// healthHandler reports liveness plus a little operational context.
func (s *Server) healthHandler(c *gin.Context) {
	observers := 0
	if s.hub != nil {
		observers = s.hub.ActiveConnections()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"version":   version.Full(),
		"budget":    s.svc.BudgetSnapshot(),
		"observers": observers,
	})
}

// securityHeaders sets standard security response headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}
