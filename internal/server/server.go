package server

import (
	"log/slog"
	"net/http"
	"sync"

	glog "github.com/gin-contrib/slog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quartermile/ledgerflow/internal/bus"
	"github.com/quartermile/ledgerflow/internal/config"
	"github.com/quartermile/ledgerflow/internal/engine"
	"github.com/quartermile/ledgerflow/internal/store"
)

// Server implements the HTTP API for the worker: event intake, run and
// dead-letter inspection, health, metrics, and the event stream socket
type Server struct {
	bus      *bus.Bus
	store    store.Store
	registry *engine.Registry
	cfg      *config.Config
	gatherer prometheus.Gatherer

	mu      sync.Mutex
	sockets map[*Client]struct{}
}

// NewServer creates the HTTP API server over the worker's collaborators
func NewServer(
	b *bus.Bus, st store.Store, registry *engine.Registry,
	cfg *config.Config, gatherer prometheus.Gatherer,
) *Server {
	return &Server{
		bus:      b,
		store:    st,
		registry: registry,
		cfg:      cfg,
		gatherer: gatherer,
		sockets:  map[*Client]struct{}{},
	}
}

// SetupRoutes configures and returns the HTTP router with all API endpoints
func (s *Server) SetupRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(glog.SetLogger(
		glog.WithLogger(func(c *gin.Context, l *slog.Logger) *slog.Logger {
			return slog.Default()
		}),
	))

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set(
			"Access-Control-Allow-Methods",
			"GET, POST, OPTIONS",
		)
		c.Writer.Header().Set(
			"Access-Control-Allow-Headers",
			"Content-Type, Authorization",
		)

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	})

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		s.gatherer, promhttp.HandlerOpts{},
	)))

	router.POST("/events", s.publishEvent)
	router.GET("/functions", s.listFunctions)

	router.GET("/runs", s.listRuns)
	router.GET("/runs/:runID", s.getRun)

	dlq := router.Group("/dlq")
	{
		dlq.GET("", s.listDLQ)
		dlq.POST("/:dlqID/retry", s.retryDLQ)
		dlq.POST("/:dlqID/resolve", s.resolveDLQ)
	}

	router.GET("/ws", s.handleWebSocket)

	return router
}

func (s *Server) registerWebSocket(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sockets[c] = struct{}{}
}

func (s *Server) unregisterWebSocket(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sockets, c)
}

// CloseWebSockets closes all active WebSocket connections.
func (s *Server) CloseWebSockets() {
	s.mu.Lock()
	conns := make([]*Client, 0, len(s.sockets))
	for c := range s.sockets {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
