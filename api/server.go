package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"voltrader/ledger"
	"voltrader/logger"
	"voltrader/trader"
)

// StatusSource live decision-loop state (implemented by trader.Orchestrator)
type StatusSource interface {
	Status() trader.Status
	Positions() []ledger.Position
	LatestCycle() *trader.CycleReport
}

// JournalReader journaled cycles (implemented by logger.DecisionLogger)
type JournalReader interface {
	GetLatestRecords(n int) ([]*logger.DecisionRecord, error)
}

// Server read-only HTTP status API
type Server struct {
	router  *gin.Engine
	source  StatusSource
	journal JournalReader
	port    int
	httpSrv *http.Server
}

// NewServer creates API server. journal may be nil.
func NewServer(source StatusSource, journal JournalReader, port int) *Server {
	// Set to Release mode (reduces log output)
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Str("client", c.ClientIP()).
			Msg("📥 API request")
	})
	router.Use(corsMiddleware())

	s := &Server{
		router:  router,
		source:  source,
		journal: journal,
		port:    port,
	}
	s.setupRoutes()
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// corsMiddleware CORS middleware
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Cache-Control")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

// setupRoutes sets up routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/positions", s.handlePositions)
		api.GET("/decisions", s.handleDecisions)
		api.GET("/decisions/latest", s.handleLatestDecisions)
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": fmt.Sprintf("route not found: %s %s", c.Request.Method, c.Request.URL.Path),
		})
	})
}

// Handler exposes the router (used by tests)
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth health check
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"state":  s.source.Status().State,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus capital and lifecycle status
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.source.Status())
}

// handlePositions open positions
func (s *Server) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, s.source.Positions())
}

// handleLatestDecisions decisions and executions of the most recent cycle
func (s *Server) handleLatestDecisions(c *gin.Context) {
	report := s.source.LatestCycle()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no cycle completed yet"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// handleDecisions journaled cycles, newest first (?limit=N, default 10)
func (s *Server) handleDecisions(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "decision journal disabled"})
		return
	}
	limit := 10
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	records, err := s.journal.GetLatestRecords(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("failed to get decision logs: %v", err),
		})
		return
	}
	// GetLatestRecords returns oldest to newest, list display wants newest first
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	c.JSON(http.StatusOK, records)
}

// Start starts the server; it returns nil after Shutdown
func (s *Server) Start() error {
	log.Info().Str("addr", "http://localhost"+s.httpSrv.Addr).Msg("🌐 API server started")
	log.Info().Msg("  • GET  /api/status            - Lifecycle state and capital")
	log.Info().Msg("  • GET  /api/positions         - Open positions")
	log.Info().Msg("  • GET  /api/decisions/latest  - Latest cycle decisions")
	log.Info().Msg("  • GET  /api/decisions?limit=N - Journaled cycles")
	log.Info().Msg("  • GET  /metrics               - Prometheus metrics")
	log.Info().Msg("  • GET  /health                - Health check")

	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
