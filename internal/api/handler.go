package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/monitor"
)

// Options carries what the operator surface needs from main.
type Options struct {
	Engine  engine.Service
	Bus     *events.Bus
	Metrics *monitor.Metrics

	JWTSecret            string
	OperatorUser         string
	OperatorPasswordHash string
	InstanceID           string
}

// Server wires HTTP endpoints around the engine and the event bus.
type Server struct {
	Router *gin.Engine
	opts   Options
	limits *ipLimiters
}

func NewServer(opts Options) *Server {
	r := gin.New()
	s := &Server{Router: r, opts: opts, limits: newIPLimiters(20, 50, 5*time.Minute)}

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())                      // Panic recovery (first)
	r.Use(RequestIDMiddleware())               // Request ID tracking
	r.Use(RequestLogger(opts.Metrics))         // Request logging (after ID is set)
	r.Use(s.limits.Middleware())               // Rate limiting
	r.Use(TimeoutMiddleware(30 * time.Second)) // Request timeout
	r.Use(CORSMiddleware())                    // CORS (last before routes)

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)
	if s.opts.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.opts.Metrics.Handler()))
	}

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/execution/quality", s.getExecutionQuality)
		api.GET("/orders/active", s.getActiveOrders)
		api.GET("/positions", s.getPositions)
		api.GET("/risk/metrics", s.getRiskMetrics)
		api.GET("/risk/signals", s.getRiskSignals)

		api.POST("/auth/login", s.login)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.opts.JWTSecret))
		{
			protected.POST("/signals", s.postSignal)
			protected.POST("/emergency-stop", s.enableEmergencyStop)
			protected.DELETE("/emergency-stop", s.disableEmergencyStop)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	h := s.opts.Engine.Health(c.Request.Context())
	status := http.StatusOK
	if !h.Connected {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":      statusText(h.Connected),
		"instance_id": s.opts.InstanceID,
		"execution":   h,
	})
}

func statusText(ok bool) string {
	if ok {
		return "ok"
	}
	return "degraded"
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
