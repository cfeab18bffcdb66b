// Package api exposes the internal ops surface: health, per-component
// stats and a small set of operator actions. It is not a user-facing API.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"whale-copy-trader/config"
	"whale-copy-trader/internal/cache"
	"whale-copy-trader/internal/circuit"
	"whale-copy-trader/internal/database"
	"whale-copy-trader/internal/proxy"
	"whale-copy-trader/internal/queue"
	"whale-copy-trader/internal/ratelimit"
)

// StatsProvider lets loosely-coupled components report into /stats
// without the server importing each one.
type StatsProvider func() interface{}

type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        config.ServerConfig
	logger     zerolog.Logger

	repo     *database.Repository
	cache    *cache.Service
	breakers *circuit.Registry
	limits   *ratelimit.Manager
	proxies  *proxy.Pool
	queue    queue.Queue

	providers map[string]StatsProvider
}

func NewServer(cfg config.ServerConfig, repo *database.Repository, cacheSvc *cache.Service,
	breakers *circuit.Registry, limits *ratelimit.Manager, proxies *proxy.Pool,
	q queue.Queue, logger zerolog.Logger) *Server {

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		router:    gin.New(),
		cfg:       cfg,
		logger:    logger.With().Str("component", "api").Logger(),
		repo:      repo,
		cache:     cacheSvc,
		breakers:  breakers,
		limits:    limits,
		proxies:   proxies,
		queue:     q,
		providers: make(map[string]StatsProvider),
	}
	s.router.Use(gin.Recovery(), s.requestLog())
	s.routes()
	return s
}

// RegisterStats adds a named component to the /stats tree
func (s *Server) RegisterStats(name string, provider StatsProvider) {
	s.providers[name] = provider
}

func (s *Server) routes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/stats/:component", s.handleComponentStats)
		v1.POST("/proxies/:id/enable", s.handleProxyEnable)
		v1.GET("/signals/counts", s.handleSignalCounts)
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("Request handled")
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	health := gin.H{
		"status": "ok",
		"redis":  s.cache.IsHealthy(),
	}
	if err := s.repo.Ping(c.Request.Context()); err != nil {
		health["status"] = "degraded"
		health["database"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		health["database"] = "ok"
	}
	c.JSON(status, health)
}

func (s *Server) handleComponentStats(c *gin.Context) {
	switch name := c.Param("component"); name {
	case "breakers":
		c.JSON(http.StatusOK, s.breakers.GetStats())
	case "ratelimits":
		c.JSON(http.StatusOK, s.limits.GetStats())
	case "proxies":
		c.JSON(http.StatusOK, s.proxies.GetStats())
	case "cache":
		c.JSON(http.StatusOK, s.cache.GetStats())
	case "queue":
		depth, err := s.queue.Depth(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, depth)
	default:
		provider, ok := s.providers[name]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown component: " + name})
			return
		}
		c.JSON(http.StatusOK, provider())
	}
}

func (s *Server) handleProxyEnable(c *gin.Context) {
	id := c.Param("id")
	if !s.proxies.Enable(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown proxy: " + id})
		return
	}
	s.logger.Info().Str("proxy_id", id).Msg("Proxy re-enabled by operator")
	c.JSON(http.StatusOK, gin.H{"enabled": id})
}

func (s *Server) handleSignalCounts(c *gin.Context) {
	counts, err := s.repo.CountSignalsByStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("Ops server listening")
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Ops server failed")
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
