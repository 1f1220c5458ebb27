// Package api exposes a read-only HTTP surface: health, pipeline status,
// recent signals and Prometheus metrics. There is no mutating endpoint;
// the pipeline is driven entirely by market data.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"wyckoff-signal-bot/internal/fuser"
	"wyckoff-signal-bot/internal/logging"
	"wyckoff-signal-bot/internal/metrics"
)

// BotAPI is the view of the running pipeline the server reads from.
type BotAPI interface {
	Status() map[string]interface{}
	RecentSignals(ctx context.Context, symbol, timeframe string, limit int) ([]fuser.Signal, error)
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Listen         string
	ProductionMode bool
}

// Server is the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	bot        BotAPI
	log        *logging.Logger
	started    time.Time
}

// NewServer creates the API server and registers routes.
func NewServer(config ServerConfig, bot BotAPI) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:  router,
		bot:     bot,
		log:     logging.WithComponent("api"),
		started: time.Now(),
		httpServer: &http.Server{
			Addr:         config.Listen,
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	apiGroup := s.router.Group("/api")
	{
		apiGroup.GET("/status", s.handleStatus)
		apiGroup.GET("/signals/recent", s.handleRecentSignals)
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	ln := s.httpServer.Addr
	s.log.Info("api server starting", "listen", ln)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("api server stopped", "error", err.Error())
		}
	}()
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.bot.Status())
}

func (s *Server) handleRecentSignals(c *gin.Context) {
	symbol := c.Query("symbol")
	timeframe := c.Query("timeframe")

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	signals, err := s.bot.RecentSignals(ctx, symbol, timeframe, limit)
	if err != nil {
		s.log.Error("recent signals query failed", "error", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load signals"})
		return
	}
	if signals == nil {
		signals = []fuser.Signal{}
	}

	c.JSON(http.StatusOK, gin.H{
		"count":   len(signals),
		"signals": signals,
	})
}
