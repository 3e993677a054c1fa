// Package control implements the dataplane's HTTP control surface: the
// pause/resume, worker, module, traffic-class, and tcpdump operations
// exposed as a gin API, a gorilla/websocket live stats stream, an optional
// JWT bearer auth gate, and a Prometheus metrics endpoint.
package control

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flowmesh/dataplane/internal/config"
	"github.com/flowmesh/dataplane/internal/pipeline"
	"github.com/flowmesh/dataplane/pkg/metrics"
	"github.com/flowmesh/dataplane/pkg/ratelimit"
)

// Server is the control-plane HTTP surface fronting one Pipeline.
type Server struct {
	cfg      config.ControlConfig
	pipeline *pipeline.Pipeline
	metrics  *metrics.Metrics
	limiter  *ratelimit.Limiter
	log      zerolog.Logger

	router *gin.Engine
	http   *http.Server
	hub    *statsHub

	stopCleanup chan struct{}
}

// New builds a Server fronting p. m may be nil to disable the metrics
// endpoint.
func New(cfg config.ControlConfig, p *pipeline.Pipeline, m *metrics.Metrics, log zerolog.Logger) *Server {
	rlCfg := ratelimit.DefaultConfig()
	if cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rlCfg.Burst = cfg.RateLimitBurst
	}

	s := &Server{
		cfg:         cfg,
		pipeline:    p,
		metrics:     m,
		limiter:     ratelimit.New(rlCfg),
		log:         log.With().Str("component", "control").Logger(),
		hub:         newStatsHub(),
		stopCleanup: make(chan struct{}),
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(requestID(), ginLogger(s.log), gin.Recovery(), s.limiter.Middleware())

	s.registerRoutes(r)
	s.router = r
}

// Start begins serving on cfg.Listen and starts the stats hub and rate
// limiter cleanup loop. Non-blocking: ListenAndServe runs on its own
// goroutine.
func (s *Server) Start() error {
	s.http = &http.Server{Addr: s.cfg.Listen, Handler: s.router}
	go s.hub.run()
	go s.limiter.CleanupLoop(s.stopCleanup)

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-time.After(100 * time.Millisecond):
		s.log.Info().Str("listen", s.cfg.Listen).Msg("control surface listening")
		return nil
	}
}

// Shutdown gracefully stops the HTTP server and background loops.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stopCleanup)
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// BroadcastStats publishes a snapshot to every connected stats-stream
// client; callers (a ticker in cmd/dataplaned) drive the cadence.
func (s *Server) BroadcastStats(snapshot any) {
	s.hub.broadcast(snapshot)
}

// requestID tags every request with a unique id, echoed in the response
// header and the request log so an operator can correlate the two.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func ginLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("request_id", c.GetString("request_id")).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
