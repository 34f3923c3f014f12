package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/oddjobs/oddjobs/internal/common/config"
	"github.com/oddjobs/oddjobs/internal/common/logger"
	"github.com/oddjobs/oddjobs/internal/listener"
	v1 "github.com/oddjobs/oddjobs/pkg/api/v1"
)

// Server exposes the listener over HTTP plus a websocket event stream.
type Server struct {
	cfg      config.ServerConfig
	listener *listener.Listener
	hub      *Hub
	http     *http.Server
	logger   *logger.Logger
}

// New builds the server.
func New(cfg config.ServerConfig, l *listener.Listener, hub *Hub, log *logger.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		listener: l,
		hub:      hub,
		logger:   log.WithComponent("server"),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(s.requestLogger(), gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api := router.Group("/api/v1")
	api.POST("/request", s.handleRequest)
	api.GET("/stream", s.handleStream)

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeoutDuration(),
		WriteTimeout: cfg.WriteTimeoutDuration(),
	}
	return s
}

// handleRequest decodes one request, races it against client
// disconnect, and writes the listener's response.
func (s *Server) handleRequest(c *gin.Context) {
	var req v1.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse("malformed request: "+err.Error()))
		return
	}

	// The request context cancels when the client goes away; handler
	// work stops instead of running for nobody.
	resp := s.listener.Handle(c.Request.Context(), req)
	status := http.StatusOK
	if !resp.OK {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, resp)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Info("listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server failed", zap.Error(err))
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
