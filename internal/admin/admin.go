// Package admin serves the read-only HTTP surface of a running nREPL service:
// health, per-connection session snapshots and Prometheus metrics.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logs "github.com/danmuck/nreplctl/internal/logging"
	"github.com/danmuck/nreplctl/internal/observability"
	"github.com/danmuck/nreplctl/internal/server"
)

const (
	version         = "0.1.0"
	shutdownTimeout = 5 * time.Second
)

// Source reports live connections.
type Source interface {
	Connections() []server.ConnSnapshot
}

type Config struct {
	Addr        string
	Node        string
	CORSOrigins []string
}

type Server struct {
	cfg      Config
	src      Source
	router   *gin.Engine
	appeared time.Time
}

func New(cfg Config, src Source) *Server {
	if strings.TrimSpace(cfg.Node) == "" {
		cfg.Node = "nreplctl"
	}
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.ComponentLogger("admin")))
	r.Use(observability.RequestMetricsMiddleware(cfg.Node))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{cfg: cfg, src: src, router: r, appeared: time.Now()}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"service": s.cfg.Node,
			"version": version,
		})
	})

	s.router.GET("/connections", func(c *gin.Context) {
		conns := s.src.Connections()
		sessions := 0
		for _, conn := range conns {
			sessions += len(conn.Sessions)
		}
		c.JSON(http.StatusOK, gin.H{
			"connections": conns,
			"count":       len(conns),
			"sessions":    sessions,
		})
	})

	s.router.GET("/connections/:id", func(c *gin.Context) {
		id := c.Param("id")
		for _, conn := range s.src.Connections() {
			if conn.ID == id {
				c.JSON(http.StatusOK, conn)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Run serves on cfg.Addr until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	logs.Infof("admin.Server.Serve listening addr=%q", ln.Addr().String())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logs.Warnf("admin.Server.Serve shutdown err=%v", err)
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
