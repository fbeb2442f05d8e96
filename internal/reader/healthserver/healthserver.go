// Package healthserver is the reader's internal liveness probe: a single
// `/health` route reporting whether the reader key is configured (NFC
// polling active). It reports nothing about the BLE registry's scan cycle.
//
// Not named in spec.md (which scopes out observability detail, spec §1);
// added because every teacher service under dc4eu-vc/internal exposes one,
// and a headless daemon needs a liveness endpoint for an operator or
// orchestrator to probe.
//
// Grounded on dc4eu-vc/internal/mockas/httpserver's Service: gin engine,
// http.Server timeout discipline, and the same trace.Tracer span-wrapped
// handler shape, trimmed to the one route this reader actually needs.
package healthserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hansallis/apple-home-key-reader/pkg/helpers"
	"github.com/hansallis/apple-home-key-reader/pkg/logger"
	"github.com/hansallis/apple-home-key-reader/pkg/trace"
)

// StatusProvider reports the one fact the `/health` route exposes.
type StatusProvider interface {
	// ReaderConfigured reports whether the reader key is set (spec §3
	// invariant: NFC polling is only active when this is true).
	ReaderConfigured() bool
}

// Status is the `/health` response body.
type Status struct {
	Status            string `json:"status"`
	ReaderConfigured  bool   `json:"reader_configured"`
}

// Service runs the health endpoint on its own http.Server.
type Service struct {
	log    *logger.Log
	tracer *trace.Tracer
	status StatusProvider
	server *http.Server
	gin    *gin.Engine
}

// New builds and starts a Service listening on addr. production selects
// gin's release mode the same way every teacher httpserver does.
func New(ctx context.Context, addr string, production bool, status StatusProvider, tracer *trace.Tracer, log *logger.Log) (*Service, error) {
	switch production {
	case true:
		gin.SetMode(gin.ReleaseMode)
	case false:
		gin.SetMode(gin.DebugMode)
	}

	s := &Service{
		log:    log,
		tracer: tracer,
		status: status,
		gin:    gin.New(),
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.gin,
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	s.gin.GET("/health", s.endpointHealth)
	s.gin.NoRoute(s.endpointNotFound)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error(err, "health server listen failed")
		}
	}()

	s.log.Info("health server started", "addr", addr)
	return s, nil
}

func (s *Service) endpointHealth(c *gin.Context) {
	ctx, span := s.tracer.Start(c.Request.Context(), "healthserver:endpointHealth")
	defer span.End()
	_ = ctx

	c.JSON(http.StatusOK, Status{
		Status:           "ok",
		ReaderConfigured: s.status.ReaderConfigured(),
	})
}

// endpointNotFound answers any route other than /health with a
// problem+JSON 404 body, matching dc4eu-vc/internal/issuer/httpserver's
// `s.gin.NoRoute(...)` catch-all.
func (s *Service) endpointNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, helpers.Problem404())
}

// Close shuts the health server down gracefully (spec: process lifecycle,
// §6), unlike the teacher's same-named method which only logs — an
// http.Server left listening past process shutdown is a defect the
// teacher's stub happens not to exercise in its own tests.
func (s *Service) Close(ctx context.Context) error {
	s.log.Info("health server shutting down")
	return s.server.Shutdown(ctx)
}
