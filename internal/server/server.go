// Package server exposes the gateway over HTTP: submit and inspect
// requests, stream per-request events over WebSocket, and report
// subsystem health for the dashboard.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"milton/internal/agents"
	miltonerrors "milton/internal/errors"
	"milton/internal/gateway"
	"milton/internal/llm"
	"milton/internal/logging"
	"milton/internal/memory"
)

// Server hosts the HTTP and WebSocket API.
type Server struct {
	gateway *gateway.Gateway
	agents  *agents.Registry
	store   *memory.Store
	client  llm.Client

	engine   *gin.Engine
	upgrader websocket.Upgrader
	logger   logging.Logger
	now      func() time.Time
}

// Options tune server construction.
type Options struct {
	AllowedOrigins []string
	Logger         logging.Logger
	Now            func() time.Time
}

// New builds the router. store and client may be nil; the affected
// subsystems then report DOWN.
func New(gw *gateway.Gateway, reg *agents.Registry, store *memory.Store, client llm.Client, opts Options) *Server {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Server{
		gateway: gw,
		agents:  reg,
		store:   store,
		client:  client,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logging.OrNop(opts.Logger),
		now:    now,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(opts.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = opts.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	engine.Use(cors.New(corsConfig))

	engine.POST("/api/ask", s.handleAsk)
	engine.GET("/api/system-state", s.handleSystemState)
	engine.GET("/api/recent-requests", s.handleRecentRequests)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/ws/request/:id", s.handleRequestStream)

	s.engine = engine
	return s
}

// Handler exposes the router for tests and for http.Server wiring.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("listening on %s", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type askRequest struct {
	Query      string `json:"query" binding:"required"`
	Agent      string `json:"agent"`
	ExternalID string `json:"external_id"`
}

func (s *Server) handleAsk(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}

	if req.ExternalID != "" {
		duplicate, err := s.gateway.Deduplicate(req.ExternalID)
		if err != nil {
			s.fail(c, err)
			return
		}
		if duplicate {
			c.JSON(http.StatusOK, gin.H{"duplicate": true, "external_id": req.ExternalID})
			return
		}
	}

	result, err := s.gateway.Submit(c.Request.Context(), req.Query, req.Agent)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleRecentRequests(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"requests": s.gateway.Recent()})
}

func (s *Server) handleSystemState(c *gin.Context) {
	now := s.now().UTC()

	inferenceStatus := "DOWN"
	if s.client != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		if err := s.client.Ping(ctx); err == nil {
			inferenceStatus = "UP"
		}
		cancel()
	}

	agentState := func() gin.H {
		return gin.H{"status": inferenceStatus, "last_check": now}
	}

	executor := agentState()
	executor["running_jobs"] = 0
	queued := 0
	if s.agents != nil {
		if e := s.agents.Executor(); e != nil {
			queued = e.QueuedJobs()
		}
	}
	executor["queued_jobs"] = queued

	memoryState := gin.H{"status": "DOWN", "last_check": now}
	if s.store != nil {
		stats := s.store.Stats()
		memoryState["status"] = "UP"
		memoryState["vector_count"] = stats.VectorCount
		memoryState["memory_mb"] = stats.MemoryMB
	}

	c.JSON(http.StatusOK, gin.H{
		"hub":        agentState(),
		"executor":   executor,
		"researcher": agentState(),
		"memory":     memoryState,
	})
}

// handleRequestStream upgrades to WebSocket and forwards the request's
// event stream as JSON messages, closing 1000 after Complete. A client
// disconnect drops only the subscription.
func (s *Server) handleRequestStream(c *gin.Context) {
	requestID := c.Param("id")

	events, err := s.gateway.Subscribe(requestID)
	if err != nil {
		s.fail(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.gateway.Unsubscribe(requestID)
		return
	}
	defer conn.Close()

	// Reader goroutine notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				deadline := time.Now().Add(time.Second)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "complete"), deadline)
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.gateway.Unsubscribe(requestID)
				return
			}
		case <-gone:
			s.gateway.Unsubscribe(requestID)
			return
		}
	}
}

// fail writes the error with its mapped HTTP status.
func (s *Server) fail(c *gin.Context, err error) {
	status := miltonerrors.HTTPStatus(err)
	c.JSON(status, gin.H{
		"error": err.Error(),
		"kind":  string(miltonerrors.KindOf(err)),
	})
}
