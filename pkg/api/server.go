package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/baton-sh/conductor/pkg/errdefs"
	"github.com/baton-sh/conductor/pkg/log"
	"github.com/baton-sh/conductor/pkg/manager"
	"github.com/baton-sh/conductor/pkg/metrics"
	"github.com/baton-sh/conductor/pkg/registry"
	"github.com/baton-sh/conductor/pkg/types"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins, production should use stricter checks
	},
}

// Server exposes the control plane over HTTP: the persistent agent
// channel, a request/response fallback for agents that cannot hold a
// websocket, and the operator surface.
type Server struct {
	manager *manager.Manager
	hub     *sessionHub
	logger  zerolog.Logger

	httpServer *http.Server
}

// NewServer creates an API server bound to addr
func NewServer(mgr *manager.Manager, addr string) *Server {
	s := &Server{
		manager: mgr,
		hub:     newSessionHub(),
		logger:  log.WithComponent("api"),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/api/v1")
	{
		v1.GET("/channel", s.handleChannel)

		v1.POST("/register", s.handleRegister)
		v1.POST("/heartbeat", s.handleHeartbeat)
		v1.POST("/resource-update", s.handleResourceUpdate)

		v1.GET("/workers", s.handleListWorkers)
		v1.GET("/workers/:id", s.handleGetWorker)
		v1.POST("/workers/:id/deployments", s.handleDeployment)

		v1.POST("/tokens", s.handleRegenerateToken)
		v1.GET("/tokens", s.handleListTokens)
	}

	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: router,
	}
	return s
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("api server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to serve api: %w", err)
	}
	return nil
}

// Shutdown drains the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// handleChannel upgrades to a websocket and runs the session until the
// connection drops.
func (s *Server) handleChannel(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to upgrade to websocket")
		return
	}

	sess := newSession(conn, s.manager, s.hub)
	s.logger.Debug().Str("conn_id", sess.id).Str("remote", c.Request.RemoteAddr).Msg("channel opened")
	sess.run()
}

// handleRegister is the request/response fallback for agents without a
// persistent channel. Identity resolution and persisted state match
// the channel path exactly; no connection is tracked, so liveness for
// these workers rides on the persisted-timeout sweep path.
func (s *Server) handleRegister(c *gin.Context) {
	var p RegisterPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed register payload"})
		return
	}

	record, err := s.manager.Registry().RegisterOrReconcile("", registry.RegisterRequest{
		Token:     p.Token,
		Hostname:  p.Hostname,
		Address:   p.Address,
		ClaimedID: p.WorkerID,
		Resources: p.Resources,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, RegisteredPayload{
		WorkerID: record.ID,
		Hostname: record.Hostname,
		Address:  record.Address,
		Status:   record.Status,
	})
}

// heartbeatRequest is the fallback heartbeat body. The worker id is
// explicit because no connection carries the identity.
type heartbeatRequest struct {
	WorkerID  string                  `json:"worker_id" binding:"required"`
	Resources *types.ResourceSnapshot `json:"resources,omitempty"`
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "worker_id is required"})
		return
	}

	if err := s.manager.Registry().RecordWorkerHeartbeat(req.WorkerID, req.Resources); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleResourceUpdate(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "worker_id is required"})
		return
	}

	if err := s.manager.Registry().UpdateResources(req.WorkerID, req.Resources); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListWorkers(c *gin.Context) {
	workers, err := s.manager.ListWorkers()
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, workers)
}

func (s *Server) handleGetWorker(c *gin.Context) {
	record, err := s.manager.GetWorker(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// handleDeployment routes a deployment instruction to the agent
// connected for the target worker. Workers without a live channel
// cannot receive instructions.
func (s *Server) handleDeployment(c *gin.Context) {
	workerID := c.Param("id")

	var instr types.DeploymentInstruction
	if err := c.ShouldBindJSON(&instr); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed deployment instruction"})
		return
	}
	if instr.ServiceName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "service_name is required"})
		return
	}

	if _, err := s.manager.GetWorker(workerID); err != nil {
		s.writeError(c, err)
		return
	}

	connID, ok := s.manager.Registry().ConnectionForWorker(workerID)
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "worker has no live channel"})
		return
	}
	sess, ok := s.hub.get(connID)
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "worker has no live channel"})
		return
	}

	if err := sess.pushInstruction(instr); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to queue instruction"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"worker_id": workerID,
		"service":   instr.ServiceName,
		"action":    instr.Action,
		"queued_at": time.Now().UTC(),
	})
}

// tokenRequest optionally overrides the configured token TTL
type tokenRequest struct {
	TTLSeconds int `json:"ttl_seconds"`
}

func (s *Server) handleRegenerateToken(c *gin.Context) {
	var req tokenRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed token request"})
			return
		}
	}

	token, err := s.manager.Tokens().Regenerate(time.Duration(req.TTLSeconds) * time.Second)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, token)
}

func (s *Server) handleListTokens(c *gin.Context) {
	tokens, err := s.manager.Tokens().List()
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tokens)
}

// writeError maps taxonomy errors to HTTP status codes
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errdefs.IsInvalidToken(err):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errdefs.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errdefs.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.logger.Error().Err(err).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
