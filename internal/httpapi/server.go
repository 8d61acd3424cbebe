// Package httpapi implements the registry's JSON HTTP surface (spec §4.D)
// on top of Gin, the framework the teacher's own registry server used.
package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"agentmesh/internal/changebus"
	"agentmesh/internal/config"
	"agentmesh/internal/health"
	"agentmesh/internal/logging"
	"agentmesh/internal/metrics"
	"agentmesh/internal/resolve"
	"agentmesh/internal/store"
	"agentmesh/internal/tracing"
)

// Server owns the Gin engine and every collaborator a handler needs.
type Server struct {
	engine    *gin.Engine
	store     *store.Store
	resolver  *resolve.Engine
	monitor   *health.Monitor
	bus       *changebus.Bus
	log       *logging.Logger
	cfg       *config.Config
	tracer    *tracing.Provider
	startTime time.Time
}

// New builds the Gin engine and registers every route named in spec §4.D
// plus the ambient `/` and `/healthz` endpoints.
func New(s *store.Store, cfg *config.Config, log *logging.Logger, monitor *health.Monitor, bus *changebus.Bus, tracer *tracing.Provider) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestMetricsMiddleware())

	srv := &Server{
		engine:    engine,
		store:     s,
		resolver:  resolve.New(s),
		monitor:   monitor,
		bus:       bus,
		log:       log,
		cfg:       cfg,
		tracer:    tracer,
		startTime: time.Now().UTC(),
	}
	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.engine.GET("/", s.handleRoot)
	s.engine.GET("/healthz", s.handleHealthz)

	s.engine.POST("/agents/heartbeat", s.handleHeartbeat)
	s.engine.HEAD("/agents/heartbeat/:agent_id", s.handleFastHeartbeat)

	s.engine.GET("/agents", s.handleListAgents)
	s.engine.GET("/agents/:id", s.handleGetAgent)

	s.engine.GET("/capabilities", s.handleSearchCapabilities)

	s.engine.GET("/health/:agent_id", s.handleAgentHealth)

	s.engine.GET("/metrics", s.handleMetricsJSON)
	s.engine.GET("/metrics/prometheus", gin.WrapH(metrics.Handler()))

	s.engine.GET("/watch", s.handleWatch)
}

// Run starts the HTTP server, blocking until it stops.
func (s *Server) Run(addr string) error {
	s.log.Info("registry listening on %s", addr)
	return s.engine.Run(addr)
}

// Handler exposes the underlying http.Handler for use with a custom
// http.Server (graceful shutdown, TLS, etc).
func (s *Server) Handler() http.Handler { return s.engine }

func requestMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

func writeError(c *gin.Context, err error) {
	kind := store.KindOf(err)
	status := statusForKind(kind)
	c.JSON(status, errorResponse{
		Error:   string(kind),
		Code:    fmt.Sprintf("%d", status),
		Message: err.Error(),
	})
}

func statusForKind(kind store.ErrKind) int {
	switch kind {
	case store.KindNotFound:
		return http.StatusNotFound
	case store.KindValidation:
		return http.StatusBadRequest
	case store.KindSecurityViolation:
		return http.StatusForbidden
	case store.KindConflict:
		return http.StatusConflict
	case store.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
