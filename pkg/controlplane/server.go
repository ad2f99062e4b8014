// Package controlplane provides the read-only HTTP status/export
// surface supplementary to the core: constellation snapshots, the
// device registry, Prometheus metrics, and a health probe. It never
// accepts a mutating request; the core itself renders no UI, only
// JSON. Grounded in the teacher's pkg/api.HTTPServer
// (gin.New + gin.Logger/gin.Recovery middleware, :8080 default listen).
package controlplane

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/galaxycore/constellation/pkg/constellation"
	"github.com/galaxycore/constellation/pkg/device"
)

// Registry is the narrow read surface the control plane needs, so this
// package never depends on pkg/orchestrator directly. The
// cmd/constellation entrypoint satisfies it with a thin wrapper around
// the DeviceManager whose Constellation lookup always reports not found.
type Registry interface {
	Constellation(id string) (constellation.Snapshot, bool)
	Devices() []device.Record
}

// Server is the control plane's gin-based HTTP server.
type Server struct {
	router *gin.Engine
	http   *http.Server
}

// New builds a Server listening on addr, backed by reg and serving
// gatherer's collectors on /metrics (the same registry telemetry.NewMetrics
// registered against, so counts reflect this instance only).
func New(addr string, reg Registry, gatherer prometheus.Gatherer) *Server {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	router.GET("/devices", func(c *gin.Context) { c.JSON(http.StatusOK, reg.Devices()) })
	router.GET("/constellations/:id", func(c *gin.Context) {
		snap, ok := reg.Constellation(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "constellation not found"})
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	return &Server{
		router: router,
		http: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Router exposes the underlying gin engine for tests.
func (s *Server) Router() *gin.Engine { return s.router }

// Start begins serving; it blocks until the listener fails or Shutdown
// is called, mirroring the teacher's ListenAndServe pattern.
func (s *Server) Start() error {
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
