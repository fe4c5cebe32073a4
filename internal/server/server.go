// Package server provides the HTTP and WebSocket surface over the messaging
// engine: one endpoint group per pattern demo plus the observer socket.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/streamlab/redis-patterns/internal/config"
	"github.com/streamlab/redis-patterns/internal/dlq"
	"github.com/streamlab/redis-patterns/internal/events"
	"github.com/streamlab/redis-patterns/internal/perkey"
	"github.com/streamlab/redis-patterns/internal/reqreply"
	"github.com/streamlab/redis-patterns/internal/scheduler"
	"github.com/streamlab/redis-patterns/internal/tailer"
	"github.com/streamlab/redis-patterns/internal/tokenbucket"
	"github.com/streamlab/redis-patterns/internal/topic"
	"go.uber.org/zap"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Deps bundles the engine components the handlers call into.
type Deps struct {
	Client      *redis.Client
	Broadcaster *events.Broadcaster
	Tailer      *tailer.Tailer
	DLQ         *dlq.Service
	Rules       *topic.Store
	Router      *topic.Router
	Requester   *reqreply.Requester
	PerKey      *perkey.Pool
	Bucket      *tokenbucket.Pool
	BucketStore *tokenbucket.Store
	Scheduler   *scheduler.Scheduler
}

// Server is the HTTP server exposing the pattern demos.
type Server struct {
	server *http.Server
	engine *gin.Engine
	config *config.Config
	deps   Deps
	logger *zap.Logger

	// Background context for the tail loops started by handlers; handler
	// request contexts die with the request.
	runCtx context.Context
}

// NewServer creates the server, wires the routes and configures the listener.
func NewServer(runCtx context.Context, cfg *config.Config, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine: engine,
		config: cfg,
		deps:   deps,
		logger: logger,
		runCtx: runCtx,
		server: &http.Server{
			Addr:        cfg.ListenAddr,
			Handler:     engine,
			ReadTimeout: cfg.RequestTimeout,
			// WriteTimeout stays off: the WebSocket endpoint holds its
			// connection open indefinitely.
			IdleTimeout: 60 * time.Second,
		},
	}
	s.setupRoutes()
	return s
}

// Start starts the server. Blocks until shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.server.Addr))
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/api/ws/dlq-events", s.handleObserverSocket)

	api := s.engine.Group("/api")

	d := api.Group("/dlq")
	d.POST("/produce", s.handleDLQProduce)
	d.POST("/process", s.handleDLQProcess)
	d.GET("/stream/:name", s.handleDLQBrowse)
	d.DELETE("/stream/:name", s.handleDLQDelete)
	d.GET("/config", s.handleDLQGetConfig)
	d.POST("/config", s.handleDLQSetConfig)

	wq := api.Group("/work-queue")
	wq.POST("/produce", s.handleWorkQueueProduce)
	wq.GET("/streams", s.handleWorkQueueStreams)

	fo := api.Group("/fanout")
	fo.POST("/produce", s.handleFanoutProduce)
	fo.GET("/streams", s.handleFanoutStreams)

	tp := api.Group("/topic")
	tp.POST("/route", s.handleTopicRoute)
	tp.GET("/rules", s.handleTopicListRules)
	tp.POST("/rules", s.handleTopicSaveRule)
	tp.GET("/rules/:id", s.handleTopicGetRule)
	tp.DELETE("/rules/:id", s.handleTopicDeleteRule)
	tp.GET("/metadata", s.handleTopicGetMetadata)
	tp.POST("/metadata", s.handleTopicSetMetadata)
	tp.POST("/reset", s.handleTopicReset)

	api.POST("/request-reply/send", s.handleRequestReplySend)
	api.POST("/per-key-serialized/submit", s.handlePerKeySubmit)

	tb := api.Group("/token-bucket")
	tb.GET("/config", s.handleBucketGetConfig)
	tb.POST("/config", s.handleBucketSetConfig)
	tb.POST("/submit", s.handleBucketSubmit)
	tb.GET("/progress", s.handleBucketProgress)
	tb.GET("/logs", s.handleBucketLogs)
	tb.DELETE("/clear", s.handleBucketClear)

	sc := api.Group("/scheduled")
	sc.GET("/messages", s.handleScheduledList)
	sc.POST("/messages", s.handleScheduledCreate)
	sc.PUT("/messages/:id", s.handleScheduledUpdate)
	sc.DELETE("/messages/:id", s.handleScheduledDelete)
	sc.DELETE("/clear", s.handleScheduledClear)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"version":   Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// fail writes the uniform error envelope.
func fail(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"success": false, "message": message})
}
