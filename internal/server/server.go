// Package server exposes the dashboard over HTTP and a websocket change feed.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"netdash/internal/config"
	"netdash/internal/dashboard"
	"netdash/internal/reconcile"
)

// Server provides the dashboard HTTP API.
type Server struct {
	cfg     config.ServerConfig
	dash    *dashboard.Dashboard
	hub     *Hub
	limiter *RateLimiter
	log     *logrus.Entry
	engine  *gin.Engine
}

// New constructs a server for dash. The returned server is not listening yet.
func New(cfg config.ServerConfig, dash *dashboard.Dashboard, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "server")
	s := &Server{
		cfg:  cfg,
		dash: dash,
		hub:  NewHub(dash.Store(), log),
		log:  log,
	}
	if cfg.RateLimitPerMin > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		s.limiter = NewRateLimiter(rate.Every(time.Minute/time.Duration(cfg.RateLimitPerMin)), burst)
	}
	s.engine = s.routes()
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.engine }

// Hub returns the websocket change feed.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())
	if s.limiter != nil {
		r.Use(s.limiter.Middleware())
	}

	api := r.Group("/api")
	api.GET("/devices", s.handleDevices)
	api.GET("/devices/:mac", s.handleDevice)
	for _, action := range []reconcile.Action{reconcile.ActionBlock, reconcile.ActionUnblock, reconcile.ActionAllow, reconcile.ActionDisallow} {
		api.POST("/devices/:mac/"+string(action), s.handleAction(action))
	}
	api.POST("/devices/:mac/watch", s.handleWatch)
	api.DELETE("/devices/:mac/watch", s.handleUnwatch)
	api.GET("/summary", s.handleSummary)
	api.GET("/anomalies", s.handleAnomalies)
	api.GET("/anomalies/stats", s.handleAnomalyStats)
	api.GET("/series", s.handleSeriesNames)
	api.GET("/series/:name", s.handleSeries)
	api.GET("/series/:name/summary", s.handleSeriesSummary)
	api.GET("/sources", s.handleSources)
	api.POST("/refresh", s.handleRefreshAll)
	api.POST("/refresh/:source", s.handleRefresh)
	api.GET("/events", s.hub.HandleWebSocket())
	return r
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
			"status": c.Writer.Status(),
			"ms":     time.Since(start).Milliseconds(),
		}).Debug("request")
	}
}

// ListenAndServe runs the HTTP server and the change feed until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)
	if s.limiter != nil {
		defer s.limiter.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("dashboard listening on %s", s.cfg.Listen)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeError(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
